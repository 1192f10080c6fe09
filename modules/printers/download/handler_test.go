package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	name      string
	available bool
	err       error
	result    Result
	calls     int
}

func (s *stubStrategy) Name() string    { return s.name }
func (s *stubStrategy) Available() bool { return s.available }
func (s *stubStrategy) Download(ctx context.Context, opts Options) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return s.result, nil
}

func fastRetry(maxRetries int) RetryShape {
	return RetryShape{
		MaxRetries: maxRetries,
		Delay:      time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Jitter:     0.1,
	}
}

func TestHandlerFallsBackToHTTP(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 12345)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cache/test.3mf" {
			w.Write(payload)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	// FTP is unreachable: every attempt fails with a retryable error.
	ftp := &stubStrategy{name: "FTP", available: true, err: retryable("connect refused")}
	httpStrategy := NewHTTPStrategy(host, nil)

	handler := NewHandler("printer-1", fastRetry(2), ftp, httpStrategy, NewMQTTStrategy())

	localPath := filepath.Join(t.TempDir(), "test.3mf")
	result, err := handler.Download(context.Background(), Options{
		Filename:  "test.3mf",
		LocalPath: localPath,
	})
	require.NoError(t, err)

	assert.Equal(t, "HTTP", result.StrategyUsed)
	assert.Equal(t, int64(12345), result.BytesWritten)
	assert.GreaterOrEqual(t, result.Attempts, 2)

	written, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Len(t, written, 12345, "local file size must equal bytes_written")
}

func TestHandlerFatalSkipsRetries(t *testing.T) {
	fatalStub := &stubStrategy{name: "FTP", available: true, err: fatal("auth failed")}
	fallback := &stubStrategy{name: "HTTP", available: true, result: Result{BytesWritten: 10}}

	handler := NewHandler("printer-1", fastRetry(5), fatalStub, fallback)
	result, err := handler.Download(context.Background(), Options{
		Filename:  "a.3mf",
		LocalPath: filepath.Join(t.TempDir(), "a.3mf"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fatalStub.calls, "fatal errors must not be retried")
	assert.Equal(t, "HTTP", result.StrategyUsed)
}

func TestHandlerAttemptBudget(t *testing.T) {
	a := &stubStrategy{name: "A", available: true, err: retryable("down")}
	b := &stubStrategy{name: "B", available: true, err: retryable("down")}
	c := &stubStrategy{name: "C", available: false}

	maxRetries := 3
	handler := NewHandler("printer-1", fastRetry(maxRetries), a, b, c)

	localPath := filepath.Join(t.TempDir(), "gone.3mf")
	result, err := handler.Download(context.Background(), Options{
		Filename:  "gone.3mf",
		LocalPath: localPath,
	})
	require.Error(t, err)

	// Never more than strategies × max_retries attempts.
	assert.LessOrEqual(t, result.Attempts, 3*maxRetries)
	assert.Equal(t, maxRetries, a.calls)
	assert.Equal(t, maxRetries, b.calls)
	assert.Equal(t, 0, c.calls, "unavailable strategies are skipped")

	// The aggregated error names each strategy's last failure.
	assert.Contains(t, err.Error(), "A:")
	assert.Contains(t, err.Error(), "B:")

	_, statErr := os.Stat(localPath)
	assert.True(t, os.IsNotExist(statErr), "failed downloads leave no local file")
}

func TestHandlerNotFoundMovesOn(t *testing.T) {
	missing := &stubStrategy{name: "FTP", available: true, err: ErrNotFound}
	found := &stubStrategy{name: "HTTP", available: true, result: Result{BytesWritten: 5}}

	handler := NewHandler("printer-1", fastRetry(4), missing, found)
	result, err := handler.Download(context.Background(), Options{
		Filename:  "b.3mf",
		LocalPath: filepath.Join(t.TempDir(), "b.3mf"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, missing.calls, "not-found is not retried within a strategy")
	assert.Equal(t, "HTTP", result.StrategyUsed)
}

func TestHTTPStrategyZeroByteResponseIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	strategy := NewHTTPStrategy(host, nil)
	_, err := strategy.Download(context.Background(), Options{
		Filename:  "empty.3mf",
		LocalPath: filepath.Join(t.TempDir(), "empty.3mf"),
		ChunkSize: 1024,
	})
	require.Error(t, err)
	var fatalErr *FatalError
	assert.ErrorAs(t, err, &fatalErr)
}
