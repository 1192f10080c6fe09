// Package library implements content-addressed storage of printed files
// with checksum-based deduplication, filename-conflict resolution, and
// durable source provenance.
package library

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/printernizer/printernizer/engine"
)

const migration = `
CREATE TABLE IF NOT EXISTS library_files (
    checksum TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    created INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    filename TEXT NOT NULL,
    file_type TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    library_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    is_duplicate INTEGER NOT NULL DEFAULT 0,
    duplicate_of_checksum TEXT,
    duplicate_count INTEGER NOT NULL DEFAULT 0,
    search_index TEXT NOT NULL DEFAULT '',
    last_analyzed INTEGER,
    error_message TEXT,
    metadata_json TEXT,
    thumbnail BLOB,
    thumbnail_width INTEGER,
    thumbnail_height INTEGER
) STRICT;

CREATE INDEX IF NOT EXISTS library_files_status_idx ON library_files (status);
CREATE INDEX IF NOT EXISTS library_files_duplicate_idx ON library_files (duplicate_of_checksum);

CREATE TABLE IF NOT EXISTS library_file_sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_checksum TEXT NOT NULL REFERENCES library_files(checksum) ON DELETE CASCADE,
    source_kind TEXT NOT NULL,
    source_id TEXT NOT NULL DEFAULT '',
    source_name TEXT NOT NULL DEFAULT '',
    original_path TEXT NOT NULL DEFAULT '',
    discovered_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    UNIQUE (file_checksum, source_kind, source_id, original_path)
) STRICT;

CREATE INDEX IF NOT EXISTS library_file_sources_checksum_idx ON library_file_sources (file_checksum);
`

// File status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Source kinds.
const (
	SourcePrinter     = "printer"
	SourceWatchFolder = "watch_folder"
	SourceUpload      = "upload"
)

// SourceInfo records where a file was observed.
type SourceInfo struct {
	Kind         string    `json:"kind"`
	ID           string    `json:"id"`   // printer id or folder path
	Name         string    `json:"name"` // printer name or folder label
	OriginalPath string    `json:"original_path"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// File is one library row. For duplicates the primary key is a synthetic
// <checksum>-<uuid> value and the content hash lives in
// DuplicateOfChecksum.
type File struct {
	Checksum            string
	ID                  string
	Filename            string
	FileType            string
	SizeBytes           int64
	LibraryPath         string
	Status              string
	IsDuplicate         bool
	DuplicateOfChecksum string
	DuplicateCount      int
	SearchIndex         string
	LastAnalyzed        *time.Time
	ErrorMessage        string
	MetadataJSON        string
}

// Extractor schedules metadata extraction for a freshly added file. The
// metadata module implements it.
type Extractor interface {
	Enqueue(checksum string)
}

// Config for the library engine.
type Config struct {
	Root              string
	Enabled           bool
	PreserveOriginals bool
}

// Module is the library engine.
type Module struct {
	db   *sql.DB
	bus  *engine.Bus
	conf Config

	extractor Extractor
}

func New(db *sql.DB, bus *engine.Bus, conf Config) *Module {
	engine.MustMigrate(db, migration)
	return &Module{db: db, bus: bus, conf: conf}
}

// SetExtractor wires the metadata pipeline. Optional; without it files stay
// pending.
func (m *Module) SetExtractor(e Extractor) { m.extractor = e }

// Root returns the library root directory.
func (m *Module) Root() string { return m.conf.Root }

// Init creates the library folder structure and verifies write access.
func (m *Module) Init() error {
	if !m.conf.Enabled {
		return nil
	}
	for _, dir := range []string{
		m.conf.Root,
		filepath.Join(m.conf.Root, "models"),
		filepath.Join(m.conf.Root, "printers"),
		filepath.Join(m.conf.Root, "uploads"),
		filepath.Join(m.conf.Root, ".metadata", "thumbnails"),
		filepath.Join(m.conf.Root, ".metadata", "preview-cache"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	test := filepath.Join(m.conf.Root, ".write_test")
	if err := os.WriteFile(test, []byte("test"), 0o644); err != nil {
		return engine.Kind(engine.ErrConfig, "library root not writable: %s", err)
	}
	return os.Remove(test)
}

// GetByChecksum resolves a content hash to its canonical (non-duplicate)
// row.
func (m *Module) GetByChecksum(ctx context.Context, checksum string) (*File, error) {
	row := m.db.QueryRowContext(ctx, selectFile+` WHERE checksum = ?`, checksum)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, engine.Kind(engine.ErrNotFound, "library file %s", checksum)
	}
	return f, err
}

// Get returns a row by its (possibly synthetic) primary key or id.
func (m *Module) Get(ctx context.Context, id string) (*File, error) {
	row := m.db.QueryRowContext(ctx, selectFile+` WHERE checksum = ? OR id = ?`, id, id)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, engine.Kind(engine.ErrNotFound, "library file %s", id)
	}
	return f, err
}

// List returns all rows, canonical entries first.
func (m *Module) List(ctx context.Context) ([]*File, error) {
	rows, err := m.db.QueryContext(ctx, selectFile+` ORDER BY is_duplicate, created`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Sources returns the provenance records for a row.
func (m *Module) Sources(ctx context.Context, checksum string) ([]SourceInfo, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT source_kind, source_id, source_name, original_path, discovered_at
		 FROM library_file_sources WHERE file_checksum = ? ORDER BY discovered_at, id`, checksum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceInfo
	for rows.Next() {
		var s SourceInfo
		var discovered int64
		if err := rows.Scan(&s.Kind, &s.ID, &s.Name, &s.OriginalPath, &discovered); err != nil {
			return nil, err
		}
		s.DiscoveredAt = time.Unix(discovered, 0).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a row (and optionally the physical file) and publishes
// library_file_deleted.
func (m *Module) Delete(ctx context.Context, checksum string, deletePhysical bool) error {
	f, err := m.Get(ctx, checksum)
	if err != nil {
		return err
	}
	if deletePhysical {
		if err := os.Remove(filepath.Join(m.conf.Root, f.LibraryPath)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM library_files WHERE checksum = ?`, f.Checksum); err != nil {
		return err
	}
	m.bus.Publish(engine.EventLibraryFileDeleted, map[string]any{
		"checksum": f.Checksum,
		"filename": f.Filename,
	})
	return nil
}

// UpdateMetadata atomically stores extraction results and flips the status
// to ready.
func (m *Module) UpdateMetadata(ctx context.Context, checksum, metadataJSON string, thumbnail []byte, w, h int) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE library_files
		 SET metadata_json = ?, thumbnail = ?, thumbnail_width = ?, thumbnail_height = ?,
		     status = ?, error_message = NULL, last_analyzed = unixepoch()
		 WHERE checksum = ?`,
		metadataJSON, thumbnail, nullableInt(w), nullableInt(h), StatusReady, checksum)
	return err
}

// SetStatus transitions a row's processing status.
func (m *Module) SetStatus(ctx context.Context, checksum, status, errorMessage string) error {
	var msg any
	if errorMessage != "" {
		msg = errorMessage
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE library_files SET status = ?, error_message = ? WHERE checksum = ?`,
		status, msg, checksum)
	return err
}

const selectFile = `
SELECT checksum, id, filename, file_type, size_bytes, library_path, status,
       is_duplicate, COALESCE(duplicate_of_checksum, ''), duplicate_count,
       search_index, last_analyzed, COALESCE(error_message, ''), COALESCE(metadata_json, '')
FROM library_files`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var isDup int
	var analyzed sql.NullInt64
	err := row.Scan(&f.Checksum, &f.ID, &f.Filename, &f.FileType, &f.SizeBytes,
		&f.LibraryPath, &f.Status, &isDup, &f.DuplicateOfChecksum, &f.DuplicateCount,
		&f.SearchIndex, &analyzed, &f.ErrorMessage, &f.MetadataJSON)
	if err != nil {
		return nil, err
	}
	f.IsDuplicate = isDup != 0
	if analyzed.Valid {
		t := time.Unix(analyzed.Int64, 0).UTC()
		f.LastAnalyzed = &t
	}
	return &f, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}
