package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
)

// ftpScanDirs are the directories searched during path discovery.
var ftpScanDirs = []string{"", "cache", "model", "timelapse", "sdcard", "usb", "USB", "gcodes"}

// FTPTransport is the slice of the Bambu FTP client the strategy needs.
type FTPTransport interface {
	Available() bool
	List(ctx context.Context, dir string) ([]printers.RemoteFile, error)
	Retrieve(ctx context.Context, remotePath string, w io.Writer) (int64, error)
}

// FTPStrategy downloads over Bambu's implicit-TLS FTP surface. It tries a
// default path set first, then falls back to scanning known directories and
// matching filenames exactly or fuzzily.
type FTPStrategy struct {
	transport FTPTransport
	logger    *slog.Logger
}

func NewFTPStrategy(transport FTPTransport) *FTPStrategy {
	return &FTPStrategy{transport: transport, logger: slog.Default().With("strategy", "FTP")}
}

func (s *FTPStrategy) Name() string { return "FTP" }

func (s *FTPStrategy) Available() bool {
	return s.transport != nil && s.transport.Available()
}

func (s *FTPStrategy) Download(ctx context.Context, opts Options) (Result, error) {
	paths := append([]string{}, opts.RemotePaths...)
	paths = append(paths,
		"cache/"+opts.Filename,
		opts.Filename,
		"model/"+opts.Filename,
		"timelapse/"+opts.Filename,
		"sdcard/"+opts.Filename,
		"usb/"+opts.Filename,
		"USB/"+opts.Filename,
		"gcodes/"+opts.Filename,
	)

	for _, remotePath := range paths {
		result, err := s.retrieve(ctx, remotePath, opts.LocalPath)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, engine.ErrNotFound) {
			continue
		}
		return Result{}, err
	}

	// None of the direct paths matched; scan the known directories and
	// match by name.
	return s.discover(ctx, opts)
}

// discover lists the scan directories and matches the requested filename
// case-insensitively, falling back to a ranked fuzzy match on the basename.
func (s *FTPStrategy) discover(ctx context.Context, opts Options) (Result, error) {
	targetLower := strings.ToLower(opts.Filename)
	baseNoExt := strings.TrimSuffix(targetLower, filepath.Ext(targetLower))

	var discovered []printers.RemoteFile
	for _, dir := range ftpScanDirs {
		entries, err := s.transport.List(ctx, dir)
		if err != nil {
			s.logger.Debug("directory scan failed", "directory", dir, "error", err)
			continue
		}
		discovered = append(discovered, entries...)
	}

	for _, f := range discovered {
		if strings.ToLower(f.Name) == targetLower {
			s.logger.Debug("attempting FTP download (exact match)", "remote_path", f.Path)
			return s.retrieve(ctx, f.Path, opts.LocalPath)
		}
	}

	var candidates []printers.RemoteFile
	for _, f := range discovered {
		if strings.Contains(strings.ToLower(f.Name), baseNoExt) {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return Result{}, ErrNotFound
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return fuzzyScore(candidates[i].Name, baseNoExt) > fuzzyScore(candidates[j].Name, baseNoExt)
	})
	best := candidates[0]
	s.logger.Debug("attempting FTP download (fuzzy match)",
		"requested", opts.Filename, "matched", best.Name, "remote_path", best.Path)
	return s.retrieve(ctx, best.Path, opts.LocalPath)
}

// fuzzyScore ranks discovery candidates: 3mf beats gcode, prefix matches
// beat substring matches.
func fuzzyScore(name, baseNoExt string) float64 {
	lower := strings.ToLower(name)
	score := 0.0
	if strings.HasSuffix(lower, ".3mf") {
		score += 3
	}
	if strings.HasSuffix(lower, ".gcode") {
		score += 2
	}
	if strings.HasPrefix(lower, baseNoExt) {
		score += 1
	}
	if strings.Contains(lower, baseNoExt) {
		score += 0.5
	}
	return score
}

// retrieve streams the remote path to a temp file and atomically moves it
// into place, so a failed transfer never leaves a truncated local file.
func (s *FTPStrategy) retrieve(ctx context.Context, remotePath, localPath string) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return Result{}, &FatalError{Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return Result{}, &FatalError{Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := s.transport.Retrieve(ctx, remotePath, tmp)
	closeErr := tmp.Close()
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAuth):
			return Result{}, &FatalError{Err: err}
		case errors.Is(err, engine.ErrNotFound):
			return Result{}, err
		default:
			// Anything on the data channel is worth retrying.
			return Result{}, &RetryableError{Err: err}
		}
	}
	if closeErr != nil {
		return Result{}, &RetryableError{Err: closeErr}
	}
	if n == 0 {
		return Result{}, engine.Kind(engine.ErrNotFound, "empty file at %s", remotePath)
	}

	if err := atomic.ReplaceFile(tmpPath, localPath); err != nil {
		return Result{}, &FatalError{Err: err}
	}
	return Result{BytesWritten: n, RemotePath: remotePath}, nil
}
