package engine

import (
	"errors"
	"fmt"
)

// Error kinds. Recoverable errors are handled at the smallest scope that can
// act on them; errors that cross a component boundary are reshaped into one
// of these kinds and the original detail is logged once at the boundary.
var (
	ErrConfig            = errors.New("configuration error")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrAuth              = errors.New("authentication error")
	ErrProtocol          = errors.New("protocol error")
	ErrIntegrity         = errors.New("integrity error")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrNotFound          = errors.New("not found")
)

// Kind wraps err so that errors.Is(result, kind) holds while preserving the
// original message.
func Kind(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
