// Package bambuftp speaks the Bambu Lab FTP surface: implicit TLS on port
// 990, fixed user bblp, the printer's access code as password, passive mode
// with a protected data channel. TLS is established before the FTP greeting
// (this is not AUTH TLS).
package bambuftp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/secsy/goftp"
)

const (
	ftpPort          = 990
	listingCacheTTL  = 30 * time.Second
	socketTestWindow = 5 * time.Second
)

// Client wraps goftp with Bambu connection defaults and a short-lived
// listing cache.
type Client struct {
	host       string
	accessCode string
	timeout    time.Duration

	mu       sync.Mutex
	listings map[string]cachedListing

	logger *slog.Logger
}

type cachedListing struct {
	files   []printers.RemoteFile
	fetched time.Time
}

func NewClient(host, accessCode string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		host:       host,
		accessCode: accessCode,
		timeout:    timeout,
		listings:   map[string]cachedListing{},
		logger:     slog.Default().With("ftp_host", host),
	}
}

// Available reports whether credentials are present.
func (c *Client) Available() bool { return c.host != "" && c.accessCode != "" }

// TestSocket performs a quick TCP connect to detect unreachable printers
// before paying for a full TLS+FTP handshake.
func (c *Client) TestSocket() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.host, ftpPort), socketTestWindow)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (c *Client) dial() (*goftp.Client, error) {
	config := goftp.Config{
		User:     "bblp",
		Password: c.accessCode,
		// Bambu printers present self-signed certificates.
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		TLSMode:   goftp.TLSImplicit,
		Timeout:   c.timeout,
	}
	client, err := goftp.DialConfig(config, fmt.Sprintf("%s:%d", c.host, ftpPort))
	if err != nil {
		return nil, engine.Kind(engine.ErrTransientNetwork, "FTP dial %s: %s", c.host, err)
	}
	return client, nil
}

// List returns the files in the given directory, serving from a ~30s cache
// to absorb bursty inventory refreshes.
func (c *Client) List(ctx context.Context, dir string) ([]printers.RemoteFile, error) {
	c.mu.Lock()
	if cached, ok := c.listings[dir]; ok && time.Since(cached.fetched) < listingCacheTTL {
		files := cached.files
		c.mu.Unlock()
		return files, nil
	}
	c.mu.Unlock()

	client, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	entries, err := client.ReadDir(dir)
	if err != nil {
		return nil, classify(err, "list %s", dir)
	}

	files := make([]printers.RemoteFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Modification timestamps are best-effort on the printer's FTP
		// implementation; leave them unset when the server omits them.
		var modified *time.Time
		if mt := entry.ModTime(); !mt.IsZero() {
			t := mt
			modified = &t
		}
		files = append(files, printers.RemoteFile{
			Name:     entry.Name(),
			Path:     joinPath(dir, entry.Name()),
			Size:     entry.Size(),
			Modified: modified,
		})
	}

	c.mu.Lock()
	c.listings[dir] = cachedListing{files: files, fetched: time.Now()}
	c.mu.Unlock()
	return files, nil
}

// Retrieve streams the remote file into w and returns the byte count.
func (c *Client) Retrieve(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	client, err := c.dial()
	if err != nil {
		return 0, err
	}
	defer client.Close()

	counter := &countingWriter{w: w}
	if err := client.Retrieve(remotePath, counter); err != nil {
		return counter.n, classify(err, "retrieve %s", remotePath)
	}
	return counter.n, nil
}

// classify maps goftp errors onto the error taxonomy: 530/532 login
// failures become ErrAuth, 550 becomes ErrNotFound, and everything else is
// a transient network error.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if ftpErr, ok := err.(goftp.Error); ok {
		code := ftpErr.Code()
		switch {
		case code == 530 || code == 532:
			return engine.Kind(engine.ErrAuth, "%s: %s", msg, err)
		case code == 550:
			return engine.Kind(engine.ErrNotFound, "%s: %s", msg, err)
		}
	}
	return engine.Kind(engine.ErrTransientNetwork, "%s: %s", msg, err)
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
