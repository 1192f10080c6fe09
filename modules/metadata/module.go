// Package metadata implements the asynchronous extraction pipeline: a small
// worker pool parses 3MF, G-code, and STL files from the library, produces
// a normalized metadata record plus an embedded thumbnail, and writes the
// result back through the library module.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/library"
)

const (
	defaultWorkers = 2
	queueDepth     = 256
	drainGrace     = 15 * time.Second
)

// Module is the extraction pipeline.
type Module struct {
	lib     *library.Module
	bus     *engine.Bus
	workers int

	queue chan string

	// processing guards each checksum so it is handled by at most one
	// worker at a time. The mutex is never held across extraction I/O.
	mu         sync.Mutex
	processing map[string]struct{}

	logger *slog.Logger
}

func New(lib *library.Module, bus *engine.Bus, workers int) *Module {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Module{
		lib:        lib,
		bus:        bus,
		workers:    workers,
		queue:      make(chan string, queueDepth),
		processing: map[string]struct{}{},
		logger:     slog.Default().With("module", "metadata"),
	}
}

// Enqueue schedules extraction for a library row. Never blocks the caller;
// a full queue drops the request and the file stays pending for a later
// re-queue.
func (m *Module) Enqueue(checksum string) {
	select {
	case m.queue <- checksum:
	default:
		m.logger.Warn("metadata queue full, leaving file pending", "checksum", checksum)
	}
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	for i := 0; i < m.workers; i++ {
		procs.Add(m.worker)
	}
	// Re-queue rows that were left pending by an earlier run or a full
	// queue.
	procs.Add(engine.Poll(time.Minute, m.requeuePending))
}

func (m *Module) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return ctx.Err()
		case checksum := <-m.queue:
			m.process(ctx, checksum)
		}
	}
}

// drain gives queued work a bounded grace period on shutdown.
func (m *Module) drain() {
	deadline := time.Now().Add(drainGrace)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for {
		select {
		case checksum := <-m.queue:
			if time.Now().After(deadline) {
				return
			}
			m.process(ctx, checksum)
		default:
			return
		}
	}
}

func (m *Module) requeuePending(ctx context.Context) bool {
	files, err := m.lib.List(ctx)
	if err != nil {
		return false
	}
	for _, f := range files {
		if f.Status == library.StatusPending {
			m.Enqueue(f.Checksum)
		}
	}
	return false
}

// process runs one extraction. Each queued checksum is processed by at most
// one worker at a time; concurrent requests for the same checksum are
// dropped (the row is re-queued by the pending sweep if needed).
func (m *Module) process(ctx context.Context, checksum string) {
	m.mu.Lock()
	if _, busy := m.processing[checksum]; busy {
		m.mu.Unlock()
		return
	}
	m.processing[checksum] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.processing, checksum)
		m.mu.Unlock()
	}()

	file, err := m.lib.Get(ctx, checksum)
	if err != nil {
		m.logger.Warn("cannot load library row for extraction", "checksum", checksum, "error", err)
		return
	}
	if err := m.lib.SetStatus(ctx, file.Checksum, library.StatusProcessing, ""); err != nil {
		m.logger.Warn("cannot mark row processing", "checksum", checksum, "error", err)
		return
	}

	path := filepath.Join(m.lib.Root(), filepath.FromSlash(file.LibraryPath))
	result, err := Extract(path)
	if err != nil {
		m.logger.Warn("metadata extraction failed", "file", file.Filename, "error", err)
		if dbErr := m.lib.SetStatus(ctx, file.Checksum, library.StatusError, err.Error()); dbErr != nil {
			m.logger.Error("cannot record extraction error", "error", dbErr)
		}
		return
	}

	normalized, err := json.Marshal(result.Metadata)
	if err != nil {
		m.lib.SetStatus(ctx, file.Checksum, library.StatusError, err.Error())
		return
	}

	var thumb []byte
	var w, h int
	if result.Thumbnail != nil {
		thumb, w, h = result.Thumbnail.Data, result.Thumbnail.Width, result.Thumbnail.Height
	}
	if err := m.lib.UpdateMetadata(ctx, file.Checksum, string(normalized), thumb, w, h); err != nil {
		m.logger.Error("cannot persist extracted metadata", "checksum", checksum, "error", err)
		return
	}

	if thumb != nil {
		m.cacheThumbnail(file, thumb)
	}
	m.logger.Info("metadata extracted", "file", file.Filename,
		"slicer", result.Metadata.SlicerName, "thumbnail", thumb != nil)
}

// cacheThumbnail writes the PNG to the library's thumbnail side cache and
// announces it.
func (m *Module) cacheThumbnail(file *library.File, thumb []byte) {
	dir := filepath.Join(m.lib.Root(), ".metadata", "thumbnails")
	path := filepath.Join(dir, file.DuplicateOfChecksum+".png")
	if err := atomic.WriteFile(path, bytes.NewReader(thumb)); err != nil {
		m.logger.Warn("cannot cache thumbnail", "error", err)
		return
	}
	m.bus.Publish(engine.EventThumbnailCached, map[string]any{
		"checksum": file.DuplicateOfChecksum,
		"filename": file.Filename,
	})
}

// Result of one file extraction.
type Result struct {
	Metadata  Normalized
	Thumbnail *Thumbnail
}

// Thumbnail is a decoded embedded preview image.
type Thumbnail struct {
	Data   []byte
	Width  int
	Height int
}

// Extract dispatches on the file extension and returns normalized metadata.
func Extract(path string) (*Result, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, engine.Kind(engine.ErrNotFound, "file vanished before extraction: %s", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".3mf":
		return extract3MF(path)
	case ".gcode", ".bgcode":
		return extractGcode(path)
	case ".stl":
		return extractSTL(path)
	default:
		// Unknown types become ready with an empty record rather than
		// erroring forever.
		return &Result{}, nil
	}
}
