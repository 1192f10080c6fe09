// Package notifications delivers printer events to external channels
// (Discord, Slack, ntfy.sh) over plain webhooks. Delivery is at-most-once:
// failures are recorded in the history table but never retried.
package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/printernizer/printernizer/engine"
)

const migration = `
CREATE TABLE IF NOT EXISTS notification_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    channel TEXT NOT NULL,
    event_type TEXT NOT NULL,
    success INTEGER NOT NULL DEFAULT 1,
    details TEXT NOT NULL DEFAULT ''
) STRICT;

CREATE INDEX IF NOT EXISTS notification_history_created_idx ON notification_history (created);
`

const sendTimeout = 10 * time.Second

// Adapter formats and posts one event to one channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, client *http.Client, message Message) error
}

// Message is the channel-independent rendering of an event.
type Message struct {
	EventType string
	Title     string
	Body      string
}

// Module is the webhook notifier.
type Module struct {
	db         *sql.DB
	bus        *engine.Bus
	adapters   []Adapter
	eventTypes []string
	client     *http.Client
	logger     *slog.Logger
}

func New(db *sql.DB, bus *engine.Bus, eventTypes []string, adapters ...Adapter) *Module {
	engine.MustMigrate(db, migration)
	if len(eventTypes) == 0 {
		eventTypes = []string{
			engine.EventPrintStarted,
			engine.EventJobCompleted,
			engine.EventJobFailed,
			engine.EventPrinterError,
		}
	}
	return &Module{
		db:         db,
		bus:        bus,
		adapters:   adapters,
		eventTypes: eventTypes,
		client:     &http.Client{Timeout: sendTimeout},
		logger:     slog.Default().With("module", "notifications"),
	}
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(engine.Poll(time.Hour, engine.Cleanup(m.db, "old notification history",
		"DELETE FROM notification_history WHERE created < unixepoch() - ?", 7*24*60*60)))
	if len(m.adapters) == 0 {
		slog.Info("notifications disabled because no channels were configured")
		return
	}
	sub := m.bus.SubscribeTypes("notifications", m.eventTypes...)
	procs.Add(func(ctx context.Context) error {
		return engine.Drain(ctx, sub, m.deliver)
	})
}

func (m *Module) deliver(ctx context.Context, evt engine.Event) {
	message := render(evt)
	for _, adapter := range m.adapters {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := adapter.Send(sendCtx, m.client, message)
		cancel()

		details := ""
		if err != nil {
			details = err.Error()
			m.logger.Warn("notification delivery failed", "channel", adapter.Name(), "event", evt.Type, "error", err)
		}
		m.record(ctx, adapter.Name(), evt.Type, err == nil, details)
	}
}

func (m *Module) record(ctx context.Context, channel, eventType string, success bool, details string) {
	successInt := 0
	if success {
		successInt = 1
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO notification_history (channel, event_type, success, details) VALUES (?, ?, ?, ?)`,
		channel, eventType, successInt, details)
	if err != nil {
		m.logger.Error("failed to record notification history", "error", err)
	}
}

// render builds the human message for an event.
func render(evt engine.Event) Message {
	printer, _ := evt.Payload["printer_name"].(string)
	filename, _ := evt.Payload["filename"].(string)
	errText, _ := evt.Payload["error"].(string)

	msg := Message{EventType: evt.Type}
	switch evt.Type {
	case engine.EventPrintStarted:
		msg.Title = "Print started"
		msg.Body = fmt.Sprintf("%s started printing %s", printer, filename)
	case engine.EventJobCompleted:
		msg.Title = "Print completed"
		msg.Body = fmt.Sprintf("%s finished printing %s", printer, filename)
	case engine.EventJobFailed:
		msg.Title = "Print failed"
		msg.Body = fmt.Sprintf("%s failed while printing %s", printer, filename)
	case engine.EventPrinterError:
		msg.Title = "Printer error"
		msg.Body = fmt.Sprintf("%s reported an error: %s", printer, errText)
	case engine.EventPrinterOffline:
		msg.Title = "Printer offline"
		msg.Body = fmt.Sprintf("%s went offline", printer)
	case engine.EventPrinterOnline:
		msg.Title = "Printer online"
		msg.Body = fmt.Sprintf("%s is back online", printer)
	default:
		msg.Title = evt.Type
		msg.Body = fmt.Sprintf("%s: %s %s", evt.Type, printer, filename)
	}
	return msg
}
