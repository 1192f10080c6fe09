// Package camera is the external-webcam snapshot gateway. It fetches single
// frames from http(s) webcams directly and from rtsp(s) cameras via an
// external ffmpeg, with a short per-printer cache to absorb bursty
// requests.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/printernizer/printernizer/engine"
)

const (
	snapshotCacheTTL   = 5 * time.Second
	httpSnapshotLimit  = 10 * time.Second
	rtspSnapshotLimit  = 15 * time.Second
	maxStreamViewers   = 5
	maxSnapshotBytes   = 20 << 20
)

var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// Module is the snapshot gateway.
type Module struct {
	client *http.Client

	mu      sync.Mutex
	cache   map[string]cachedSnapshot
	streams map[string]*engine.StreamMux

	logger *slog.Logger
}

type cachedSnapshot struct {
	data    []byte
	mime    string
	fetched time.Time
}

func New() *Module {
	return &Module{
		client:  &http.Client{Timeout: httpSnapshotLimit},
		cache:   map[string]cachedSnapshot{},
		streams: map[string]*engine.StreamMux{},
		logger:  slog.Default().With("module", "camera"),
	}
}

// Snapshot returns one frame from the printer's webcam. Results are cached
// for a few seconds per printer.
func (m *Module) Snapshot(ctx context.Context, printerID, webcamURL string) ([]byte, string, error) {
	m.mu.Lock()
	if cached, ok := m.cache[printerID]; ok && time.Since(cached.fetched) < snapshotCacheTTL {
		data, mime := cached.data, cached.mime
		m.mu.Unlock()
		return data, mime, nil
	}
	m.mu.Unlock()

	data, mime, err := m.fetch(ctx, webcamURL)
	if err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	m.cache[printerID] = cachedSnapshot{data: data, mime: mime, fetched: time.Now()}
	m.mu.Unlock()
	return data, mime, nil
}

func (m *Module) fetch(ctx context.Context, webcamURL string) ([]byte, string, error) {
	switch {
	case strings.HasPrefix(webcamURL, "http://"), strings.HasPrefix(webcamURL, "https://"):
		return m.fetchHTTP(ctx, webcamURL)
	case strings.HasPrefix(webcamURL, "rtsp://"), strings.HasPrefix(webcamURL, "rtsps://"):
		return m.fetchRTSP(ctx, webcamURL)
	default:
		return nil, "", engine.Kind(engine.ErrConfig, "unsupported webcam URL scheme: %s", MaskURL(webcamURL))
	}
}

func (m *Module) fetchHTTP(ctx context.Context, webcamURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpSnapshotLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, webcamURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", engine.Kind(engine.ErrTransientNetwork, "webcam GET %s: %s", MaskURL(webcamURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", engine.Kind(engine.ErrTransientNetwork, "webcam GET %s: status %d", MaskURL(webcamURL), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, "", engine.Kind(engine.ErrTransientNetwork, "webcam read %s: %s", MaskURL(webcamURL), err)
	}

	mime := sniffImageMime(data, resp.Header.Get("Content-Type"))
	if mime == "" {
		return nil, "", engine.Kind(engine.ErrProtocol, "webcam %s returned non-image data", MaskURL(webcamURL))
	}
	return data, mime, nil
}

// fetchRTSP extracts a single frame with an external ffmpeg, cleaning up
// the temp file on every exit path.
func (m *Module) fetchRTSP(ctx context.Context, webcamURL string) ([]byte, string, error) {
	tmp, err := os.CreateTemp("", "snapshot-*.jpg")
	if err != nil {
		return nil, "", err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	ctx, cancel := context.WithTimeout(ctx, rtspSnapshotLimit)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-rtsp_transport", "tcp",
		"-i", webcamURL,
		"-frames:v", "1",
		"-q:v", "2",
		tmpPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		m.logger.Warn("ffmpeg snapshot failed",
			"url", MaskURL(webcamURL),
			"error", err,
			"output", truncate(string(output), 300))
		return nil, "", engine.Kind(engine.ErrTransientNetwork, "ffmpeg snapshot from %s failed", MaskURL(webcamURL))
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", engine.Kind(engine.ErrProtocol, "ffmpeg produced an empty frame from %s", MaskURL(webcamURL))
	}
	return data, "image/jpeg", nil
}

// Stream returns the shared MJPEG fan-out for a printer's webcam, creating
// it on first use. At most a handful of viewers share one upstream
// connection.
func (m *Module) Stream(printerID, webcamURL string) *engine.StreamMux {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mux, ok := m.streams[printerID]; ok {
		return mux
	}
	mux := engine.NewStreamMux(maxStreamViewers, func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, webcamURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, engine.Kind(engine.ErrTransientNetwork, "webcam stream %s: %s", MaskURL(webcamURL), err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, engine.Kind(engine.ErrTransientNetwork, "webcam stream %s: status %d", MaskURL(webcamURL), resp.StatusCode)
		}
		return resp.Body, nil
	})
	m.streams[printerID] = mux
	return mux
}

// sniffImageMime decides the image type from the content-type header or the
// magic bytes.
func sniffImageMime(data []byte, contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/jpeg"):
		return "image/jpeg"
	case strings.HasPrefix(contentType, "image/png"):
		return "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, pngMagic):
		return "image/png"
	default:
		return ""
	}
}

// MaskURL hides credentials embedded in a camera URL so they never reach a
// log line.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
		// url.String escapes the stars; build it by hand instead.
		return fmt.Sprintf("%s://***:***@%s%s", u.Scheme, u.Host, u.Path)
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
