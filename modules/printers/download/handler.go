package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/printernizer/printernizer/engine"
)

// RetryShape controls backoff between attempts within one strategy.
type RetryShape struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

func (r *RetryShape) applyDefaults() {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.Delay <= 0 {
		r.Delay = 2 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.Jitter <= 0 {
		r.Jitter = 0.1
	}
}

// Handler orchestrates file downloads across multiple strategies. Strategies
// are tried in declared priority order; each is retried with exponential
// backoff before falling back to the next.
type Handler struct {
	printerID  string
	strategies []Strategy
	retry      RetryShape
	logger     *slog.Logger
}

func NewHandler(printerID string, retry RetryShape, strategies ...Strategy) *Handler {
	retry.applyDefaults()
	return &Handler{
		printerID:  printerID,
		strategies: strategies,
		retry:      retry,
		logger:     slog.Default().With("printer_id", printerID),
	}
}

// AvailableStrategies returns the names of strategies currently usable.
func (h *Handler) AvailableStrategies() []string {
	var out []string
	for _, s := range h.strategies {
		if s.Available() {
			out = append(out, s.Name())
		}
	}
	return out
}

// Download fetches opts.Filename to opts.LocalPath. On success the local
// file exists with exactly Result.BytesWritten bytes; on total failure no
// local file is left behind and the returned error aggregates each
// strategy's last failure.
func (h *Handler) Download(ctx context.Context, opts Options) (Result, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = h.retry.MaxRetries
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}

	totalAttempts := 0
	var allErrors []string

	for _, strategy := range h.strategies {
		if !strategy.Available() {
			h.logger.Debug("strategy not available, skipping", "strategy", strategy.Name())
			continue
		}

		h.logger.Info("attempting download with strategy",
			"filename", opts.Filename, "strategy", strategy.Name())

		stop := false
		lastFailure := ""
		for attempt := 0; attempt < opts.MaxRetries && !stop; attempt++ {
			totalAttempts++

			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if opts.Timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
			}
			result, err := strategy.Download(attemptCtx, opts)
			cancel()
			if err == nil {
				result.StrategyUsed = strategy.Name()
				result.Attempts = totalAttempts
				h.logger.Info("download successful",
					"filename", opts.Filename,
					"strategy", strategy.Name(),
					"size", result.BytesWritten,
					"attempts", totalAttempts)
				return result, nil
			}

			var fatalErr *FatalError
			var retryErr *RetryableError
			switch {
			case errors.Is(err, ErrUnavailable):
				lastFailure = fmt.Sprintf("%s: %s", strategy.Name(), err)
				stop = true

			case errors.Is(err, ErrNotFound), errors.Is(err, engine.ErrNotFound):
				lastFailure = fmt.Sprintf("%s: %s", strategy.Name(), err)
				h.logger.Debug("file not found via strategy, moving to next",
					"strategy", strategy.Name(), "error", err)
				stop = true

			case errors.As(err, &fatalErr):
				lastFailure = fmt.Sprintf("%s: %s (fatal)", strategy.Name(), err)
				h.logger.Warn("fatal error with strategy, moving to next",
					"strategy", strategy.Name(), "error", err)
				stop = true

			case errors.As(err, &retryErr):
				lastFailure = fmt.Sprintf("%s: %s (retry %d)", strategy.Name(), err, attempt+1)
				h.logger.Debug("retryable error, will retry",
					"strategy", strategy.Name(),
					"attempt", attempt+1,
					"max_retries", opts.MaxRetries,
					"error", err)
				if attempt < opts.MaxRetries-1 {
					if sleepErr := engine.Sleep(ctx, engine.Backoff(h.retry.Delay, h.retry.MaxDelay, attempt, h.retry.Jitter)); sleepErr != nil {
						return Result{Attempts: totalAttempts}, sleepErr
					}
				}

			default:
				// Unexpected errors are treated as retryable.
				lastFailure = fmt.Sprintf("%s: %s (unexpected)", strategy.Name(), err)
				h.logger.Error("unexpected error during download",
					"strategy", strategy.Name(), "attempt", attempt+1, "error", err)
				if attempt < opts.MaxRetries-1 {
					if sleepErr := engine.Sleep(ctx, engine.Backoff(h.retry.Delay, h.retry.MaxDelay, attempt, h.retry.Jitter)); sleepErr != nil {
						return Result{Attempts: totalAttempts}, sleepErr
					}
				}
			}
		}
		if lastFailure != "" {
			allErrors = append(allErrors, lastFailure)
		}
	}

	// All strategies exhausted. The caller must be able to treat the local
	// file as absent.
	os.Remove(opts.LocalPath)

	summary := strings.Join(allErrors, "; ")
	h.logger.Error("all download strategies failed",
		"filename", opts.Filename,
		"total_attempts", totalAttempts,
		"strategies_tried", len(h.strategies),
		"errors", summary)
	return Result{Attempts: totalAttempts},
		fmt.Errorf("all strategies failed for %s: %s", opts.Filename, summary)
}
