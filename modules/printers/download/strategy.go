// Package download fetches named artifacts from printers by trying an
// ordered list of protocol strategies with per-strategy retries and
// fallback.
package download

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Options configures one download call.
type Options struct {
	// Filename is the name of the file to fetch.
	Filename string
	// LocalPath is where the file is written on success.
	LocalPath string
	// RemotePaths are candidate remote paths tried before the defaults.
	RemotePaths []string
	// MaxRetries bounds attempts per strategy.
	MaxRetries int
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// ChunkSize is the streaming chunk size in bytes.
	ChunkSize int
	// Username and Password are used by strategies that authenticate.
	Username string
	Password string
}

// Result describes a successful download.
type Result struct {
	BytesWritten int64
	RemotePath   string
	StrategyUsed string
	Attempts     int
}

// Strategy encapsulates one protocol for retrieving files from a printer.
type Strategy interface {
	// Name is a stable identifier used in results and logs.
	Name() string
	// Available is a cheap check: credentials present, port known, etc.
	Available() bool
	// Download fetches the file. Failures are reported as FatalError,
	// RetryableError, ErrUnavailable, or a not-found kind.
	Download(ctx context.Context, opts Options) (Result, error)
}

// FatalError aborts the current strategy without further retries.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// RetryableError triggers another attempt within the same strategy.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// ErrUnavailable marks a strategy as skipped this time; it may be usable on
// the next call.
var ErrUnavailable = errors.New("strategy unavailable")

// ErrNotFound signals that the strategy works but the file is not there, so
// the handler should move on without retrying.
var ErrNotFound = errors.New("file not found")

func fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func retryable(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}
