package printers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/printernizer/printernizer/engine"
)

const migration = `
CREATE TABLE IF NOT EXISTS printers (
    id TEXT PRIMARY KEY,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    endpoint_json TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    monitoring_state TEXT NOT NULL DEFAULT 'disconnected'
) STRICT;

CREATE TABLE IF NOT EXISTS printed_files (
    id TEXT PRIMARY KEY,
    printer_id TEXT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    file_type TEXT NOT NULL DEFAULT 'unknown',
    download_status TEXT NOT NULL DEFAULT 'available',
    discovered INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    UNIQUE (printer_id, filename)
) STRICT;

CREATE INDEX IF NOT EXISTS printed_files_printer_idx ON printed_files (printer_id);

CREATE TABLE IF NOT EXISTS printer_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    event_type TEXT NOT NULL,
    printer_id TEXT,
    printer_name TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    details TEXT NOT NULL DEFAULT ''
) STRICT;

CREATE INDEX IF NOT EXISTS printer_events_created_idx ON printer_events (created);
CREATE INDEX IF NOT EXISTS printer_events_type_idx ON printer_events (event_type, success);
`

// DownloadStatus values for printed_files rows.
const (
	DownloadAvailable   = "available"
	DownloadDownloading = "downloading"
	DownloadDownloaded  = "downloaded"
	DownloadLocal       = "local"
	DownloadError       = "error"
	DownloadUnavailable = "unavailable"
)

// Store persists printer configuration and per-printer file inventories.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	engine.MustMigrate(db, migration)
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, p *Printer) error {
	endpoint, err := json.Marshal(p.Endpoint)
	if err != nil {
		return err
	}
	state := p.MonitoringState
	if state == "" {
		state = MonitoringDisconnected
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO printers (id, name, kind, endpoint_json, enabled, monitoring_state) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Kind), string(endpoint), boolInt(p.Enabled), string(state))
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Printer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, endpoint_json, enabled, monitoring_state FROM printers WHERE id = ?`, id)
	p, err := scanPrinter(row)
	if err == sql.ErrNoRows {
		return nil, engine.Kind(engine.ErrNotFound, "printer %q", id)
	}
	return p, err
}

func (s *Store) List(ctx context.Context) ([]*Printer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, endpoint_json, enabled, monitoring_state FROM printers ORDER BY created`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	return err
}

func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE printers SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	return err
}

func (s *Store) SetMonitoringState(ctx context.Context, id string, state MonitoringState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE printers SET monitoring_state = ? WHERE id = ?`, string(state), id)
	return err
}

// UpsertPrintedFile records a file observed on a printer, keeping the
// existing download status on re-observation.
func (s *Store) UpsertPrintedFile(ctx context.Context, id, printerID, filename string, size int64, fileType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO printed_files (id, printer_id, filename, size_bytes, file_type)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (printer_id, filename) DO UPDATE SET size_bytes = excluded.size_bytes`,
		id, printerID, filename, size, fileType)
	return err
}

func (s *Store) SetDownloadStatus(ctx context.Context, printerID, filename, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE printed_files SET download_status = ? WHERE printer_id = ? AND filename = ?`,
		status, printerID, filename)
	return err
}

func (s *Store) ListPrintedFiles(ctx context.Context, printerID string) ([]RemoteFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, size_bytes FROM printed_files WHERE printer_id = ? ORDER BY filename`, printerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RemoteFile
	for rows.Next() {
		var f RemoteFile
		if err := rows.Scan(&f.Name, &f.Size); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LogEvent records an operational printer event for later inspection.
func (s *Store) LogEvent(ctx context.Context, eventType, printerID, printerName string, success bool, details string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO printer_events (event_type, printer_id, printer_name, success, details) VALUES (?, ?, ?, ?, ?)`,
		eventType, printerID, printerName, boolInt(success), details)
	if err != nil {
		slog.Error("failed to log printer event", "error", err, "eventType", eventType)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrinter(row rowScanner) (*Printer, error) {
	var p Printer
	var kind, endpoint, state string
	var enabled int
	if err := row.Scan(&p.ID, &p.Name, &kind, &endpoint, &enabled, &state); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(endpoint), &p.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint for printer %s: %w", p.ID, err)
	}
	p.Kind = Kind(kind)
	p.Enabled = enabled != 0
	p.MonitoringState = MonitoringState(state)
	return &p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
