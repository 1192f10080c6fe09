package prusa

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, printerBody, jobBody string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "KEY" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/printer":
			w.Write([]byte(printerBody))
		case "/api/job":
			w.Write([]byte(jobBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStatusPrinting(t *testing.T) {
	server := newServer(t,
		`{"state":{"text":"Printing"},"temperature":{"bed":{"actual":60.2,"target":60.0},"tool0":{"actual":215.1,"target":215.0}}}`,
		`{"job":{"file":{"name":"benchy.gcode"}},"progress":{"completion":0.42,"printTime":600,"printTimeLeft":1800}}`)

	client := NewClient(server.URL, "KEY")
	status, err := client.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, printers.StatePrinting, status.State)
	require.NotNil(t, status.BedCurrent)
	assert.Equal(t, 60.2, *status.BedCurrent)
	require.NotNil(t, status.NozzleCurrent)
	assert.Equal(t, 215.1, *status.NozzleCurrent)
	assert.Equal(t, "benchy.gcode", status.JobFilename)
	require.NotNil(t, status.PercentComplete)
	assert.Equal(t, 42, *status.PercentComplete)
	require.NotNil(t, status.RemainingMinutes)
	assert.Equal(t, 30, *status.RemainingMinutes)
	require.NotNil(t, status.ElapsedMinutes)
	assert.Equal(t, 10, *status.ElapsedMinutes)
}

func TestStateMapping(t *testing.T) {
	tests := []struct {
		text string
		want printers.State
	}{
		{"Printing", printers.StatePrinting},
		{"PRINTING", printers.StatePrinting},
		{"Paused", printers.StatePaused},
		{"Operational", printers.StateIdle},
		{"Ready", printers.StateIdle},
		{"ERROR", printers.StateError},
		{"Busy", printers.StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, mapState(tt.text))
		})
	}
}

func TestStatusOfflineOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "KEY")
	status, err := client.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, printers.StateOffline, status.State, "a non-200 cycle reads as offline")
}

func TestAuthErrorKind(t *testing.T) {
	server := newServer(t, `{}`, `{}`)
	client := NewClient(server.URL, "WRONG")
	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrAuth)
}

func TestListFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/files", r.URL.Path)
		w.Write([]byte(`{"files":[{"name":"a.gcode","path":"/usb/a.gcode","size":1234}]}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, "KEY")
	files, err := client.ListFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.gcode", files[0].Name)
	assert.Equal(t, int64(1234), files[0].Size)
}
