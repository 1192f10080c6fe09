package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	evt := engine.Event{
		Type: engine.EventJobCompleted,
		Payload: map[string]any{
			"printer_name": "X1C",
			"filename":     "benchy.3mf",
		},
	}
	msg := render(evt)
	assert.Equal(t, "Print completed", msg.Title)
	assert.Contains(t, msg.Body, "X1C")
	assert.Contains(t, msg.Body, "benchy.3mf")
}

func TestDiscordAdapterPayload(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
	}))
	defer server.Close()

	adapter := &DiscordAdapter{WebhookURL: server.URL}
	err := adapter.Send(context.Background(), http.DefaultClient, Message{Title: "Print failed", Body: "boom"})
	require.NoError(t, err)

	assert.Equal(t, "Printernizer", received["username"])
	embeds := received["embeds"].([]any)
	require.Len(t, embeds, 1)
	assert.Equal(t, "Print failed", embeds[0].(map[string]any)["title"])
}

func TestNtfyAdapterHeaders(t *testing.T) {
	var gotTitle, gotPath, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTitle = r.Header.Get("Title")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
	}))
	defer server.Close()

	adapter := &NtfyAdapter{ServerURL: server.URL, Topic: "printers"}
	err := adapter.Send(context.Background(), http.DefaultClient, Message{Title: "Print started", Body: "X1C started"})
	require.NoError(t, err)

	assert.Equal(t, "/printers", gotPath)
	assert.Equal(t, "Print started", gotTitle)
	assert.Equal(t, "X1C started", gotBody)
}

func TestDeliverRecordsHistory(t *testing.T) {
	db := engine.OpenTestDB(t)
	bus := engine.NewBus()
	defer bus.Close()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	m := New(db, bus, nil,
		&SlackAdapter{WebhookURL: ok.URL},
		&DiscordAdapter{WebhookURL: failing.URL},
	)

	m.deliver(context.Background(), engine.Event{
		Type:       engine.EventJobFailed,
		OccurredAt: time.Now(),
		Payload:    map[string]any{"printer_name": "X1C", "filename": "a.3mf"},
	})

	rows, err := db.Query(`SELECT channel, success FROM notification_history ORDER BY channel`)
	require.NoError(t, err)
	defer rows.Close()

	results := map[string]int{}
	for rows.Next() {
		var channel string
		var success int
		require.NoError(t, rows.Scan(&channel, &success))
		results[channel] = success
	}
	// Delivery is at-most-once: one history row per channel, no retries.
	assert.Equal(t, map[string]int{"slack": 1, "discord": 0}, results)
}
