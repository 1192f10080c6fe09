// Package inventory keeps the per-printer file inventories fresh and pulls
// newly observed files through the download engine into the library.
package inventory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/library"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/printernizer/printernizer/modules/printers/download"
)

const refreshInterval = 5 * time.Minute

// threeDExtensions are the file types worth pulling off a printer.
var threeDExtensions = map[string]bool{
	".3mf": true, ".stl": true, ".obj": true,
	".gcode": true, ".bgcode": true, ".ply": true,
}

// HandlerFactory builds the download handler for one printer.
type HandlerFactory func(p *printers.Printer) *download.Handler

// Config for the inventory module.
type Config struct {
	// MaxFileSizeMB skips files larger than this.
	MaxFileSizeMB int64
	// MaxConcurrent caps simultaneous downloads across all printers.
	MaxConcurrent int
	// ChunkSize is the streaming chunk size handed to strategies.
	ChunkSize int
}

// Module drives inventory refresh and downloads.
type Module struct {
	store    *printers.Store
	manager  *printers.Manager
	lib      *library.Module
	handlers HandlerFactory
	conf     Config

	sem    chan struct{}
	logger *slog.Logger
}

func New(store *printers.Store, manager *printers.Manager, lib *library.Module, handlers HandlerFactory, conf Config) *Module {
	if conf.MaxConcurrent <= 0 {
		conf.MaxConcurrent = 2
	}
	if conf.MaxFileSizeMB <= 0 {
		conf.MaxFileSizeMB = 500
	}
	return &Module{
		store:    store,
		manager:  manager,
		lib:      lib,
		handlers: handlers,
		conf:     conf,
		sem:      make(chan struct{}, conf.MaxConcurrent),
		logger:   slog.Default().With("module", "inventory"),
	}
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(engine.Poll(refreshInterval, m.refresh))
}

func (m *Module) refresh(ctx context.Context) bool {
	for _, driver := range m.manager.Drivers() {
		if driver.MonitoringState() != printers.MonitoringConnected {
			continue
		}
		m.refreshPrinter(ctx, driver)
	}
	return false
}

func (m *Module) refreshPrinter(ctx context.Context, driver *printers.Driver) {
	p := driver.Printer()
	files, err := driver.Client().ListFiles(ctx)
	if err != nil {
		m.logger.Debug("file listing failed", "printer", p.Name, "error", err)
		return
	}

	known, err := m.store.ListPrintedFiles(ctx, p.ID)
	if err != nil {
		m.logger.Error("cannot load printed file inventory", "printer", p.Name, "error", err)
		return
	}
	knownNames := map[string]bool{}
	for _, f := range known {
		knownNames[f.Name] = true
	}

	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !threeDExtensions[ext] {
			continue
		}
		if f.Size > m.conf.MaxFileSizeMB<<20 {
			m.logger.Debug("skipping oversized file", "printer", p.Name, "file", f.Name, "size", f.Size)
			continue
		}
		isNew := !knownNames[f.Name]
		if err := m.store.UpsertPrintedFile(ctx, uuid.NewString(), p.ID, f.Name, f.Size, strings.TrimPrefix(ext, ".")); err != nil {
			m.logger.Error("cannot record printed file", "printer", p.Name, "file", f.Name, "error", err)
			continue
		}
		if isNew {
			m.logger.Info("new file observed on printer", "printer", p.Name, "file", f.Name)
			go m.download(ctx, p, f)
		}
	}
}

// download pulls one file off a printer and ingests it. Runs under the
// global concurrency cap.
func (m *Module) download(ctx context.Context, p *printers.Printer, f printers.RemoteFile) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return
	}

	if err := m.store.SetDownloadStatus(ctx, p.ID, f.Name, printers.DownloadDownloading); err != nil {
		m.logger.Error("cannot mark file downloading", "file", f.Name, "error", err)
	}

	tmpDir, err := os.MkdirTemp("", "printernizer-download-")
	if err != nil {
		m.logger.Error("cannot create download dir", "error", err)
		return
	}
	defer os.RemoveAll(tmpDir)
	localPath := filepath.Join(tmpDir, f.Name)

	handler := m.handlers(p)
	opts := download.Options{
		Filename:  f.Name,
		LocalPath: localPath,
		ChunkSize: m.conf.ChunkSize,
		Username:  "bblp",
		Password:  p.Endpoint.AccessCode,
	}
	if f.Path != "" {
		opts.RemotePaths = []string{f.Path}
	}

	result, err := handler.Download(ctx, opts)
	if err != nil {
		m.logger.Warn("download failed", "printer", p.Name, "file", f.Name,
			"attempts", result.Attempts, "error", err)
		m.store.SetDownloadStatus(ctx, p.ID, f.Name, printers.DownloadError)
		return
	}

	_, err = m.lib.AddFile(ctx, localPath, library.SourceInfo{
		Kind:         library.SourcePrinter,
		ID:           p.ID,
		Name:         p.Name,
		OriginalPath: result.RemotePath,
	}, true)
	if err != nil {
		m.logger.Error("library ingest failed", "printer", p.Name, "file", f.Name, "error", err)
		m.store.SetDownloadStatus(ctx, p.ID, f.Name, printers.DownloadError)
		return
	}
	m.store.SetDownloadStatus(ctx, p.ID, f.Name, printers.DownloadDownloaded)
	m.logger.Info("file downloaded into library", "printer", p.Name, "file", f.Name,
		"strategy", result.StrategyUsed, "bytes", result.BytesWritten)
}
