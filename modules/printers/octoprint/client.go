// Package octoprint implements the OctoPrint push client. Status updates
// arrive over OctoPrint's SockJS endpoint; operational commands go through
// the REST API.
package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
)

const (
	apiKeyHeader = "X-Api-Key"

	reconnectBase        = 2 * time.Second
	reconnectMax         = 60 * time.Second
	maxReconnectAttempts = 20
	readTimeout          = 90 * time.Second
)

// Client is a push-based ProtocolClient for OctoPrint hosts.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu          sync.RWMutex
	conn        *websocket.Conn
	connected   bool
	status      printers.Status
	hasStatus   bool
	lastMessage time.Time
	onUpdate    func(printers.Status)
	onEvent     func(eventType string, payload map[string]any)

	cancel context.CancelFunc
	done   chan struct{}

	logger *slog.Logger
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  slog.Default().With("octoprint", baseURL),
	}
}

func (c *Client) SetOnUpdate(fn func(printers.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// SetOnEvent registers a callback for OctoPrint event messages, which the
// driver forwards to the event bus.
func (c *Client) SetOnEvent(fn func(eventType string, payload map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *Client) LastMessageAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessage
}

// sockJSURL builds the SockJS websocket URL with fresh server and session
// identifiers: /sockjs/<3-digit>/<8-char>/websocket.
func (c *Client) sockJSURL() string {
	serverID := 100 + rand.Intn(900)
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	session := make([]byte, 8)
	for i := range session {
		session[i] = alphabet[rand.Intn(len(alphabet))]
	}

	url := fmt.Sprintf("%s/sockjs/%d/%s/websocket", c.baseURL, serverID, session)
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return "ws://" + strings.TrimPrefix(url, "http://")
}

// Connect dials the SockJS endpoint and starts the receive loop. The
// receive loop reconnects with jittered exponential backoff until
// Disconnect is called or the attempt cap is reached.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, done)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set(apiKeyHeader, c.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.sockJSURL(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return engine.Kind(engine.ErrAuth, "SockJS dial: status %d", resp.StatusCode)
		}
		return engine.Kind(engine.ErrTransientNetwork, "SockJS dial: %s", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("SockJS connected")
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		// Let any in-flight message finish, bounded.
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (printers.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || !c.hasStatus {
		return printers.Status{State: printers.StateOffline, ObservedAt: time.Now().UTC()}, nil
	}
	return c.status, nil
}

func (c *Client) receiveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn != nil {
			c.readUntilClosed(ctx, conn)
			conn.Close()
			c.mu.Lock()
			c.conn = nil
			c.connected = false
			fn := c.onUpdate
			c.mu.Unlock()
			if fn != nil && ctx.Err() == nil {
				fn(printers.Status{State: printers.StateOffline, ObservedAt: time.Now().UTC()})
			}
		}
		if ctx.Err() != nil {
			return
		}

		attempts++
		if attempts > maxReconnectAttempts {
			c.logger.Error("SockJS max reconnection attempts exceeded", "attempts", attempts)
			return
		}
		delay := engine.Backoff(reconnectBase, reconnectMax, attempts-1, 0.1)
		c.logger.Info("attempting SockJS reconnection", "attempt", attempts, "delay", delay)
		if err := engine.Sleep(ctx, delay); err != nil {
			return
		}

		if err := c.dial(ctx); err != nil {
			c.logger.Warn("SockJS reconnect failed", "error", err)
			continue
		}
		attempts = 0
	}
}

func (c *Client) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("SockJS connection closed", "error", err)
			}
			return
		}
		c.handleFrame(conn, data)
	}
}

// handleFrame dispatches on the SockJS framing byte: o open, h heartbeat,
// c close, a array of JSON messages.
func (c *Client) handleFrame(conn *websocket.Conn, data []byte) {
	if len(data) == 0 {
		return
	}

	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()

	switch data[0] {
	case 'o':
		c.sendAuth(conn)
	case 'h':
		// Heartbeat, nothing to do.
	case 'c':
		c.logger.Info("SockJS close frame received")
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	case 'a':
		var messages []string
		if err := json.Unmarshal(data[1:], &messages); err != nil {
			c.logger.Warn("invalid SockJS array frame", "error", err)
			return
		}
		for _, raw := range messages {
			var msg map[string]json.RawMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				c.logger.Warn("invalid JSON in SockJS message", "error", err)
				continue
			}
			c.processMessage(msg)
		}
	default:
		c.logger.Debug("unknown SockJS frame type", "frame", string(data[0]))
	}
}

// sendAuth answers the open frame with the literal auth payload OctoPrint
// expects: a one-element string array wrapping {"auth":"<key>:"}.
func (c *Client) sendAuth(conn *websocket.Conn) {
	inner, _ := json.Marshal(map[string]string{"auth": c.apiKey + ":"})
	frame, _ := json.Marshal([]string{string(inner)})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Error("failed to send SockJS auth", "error", err)
		return
	}
	c.logger.Debug("SockJS auth message sent")
}

func (c *Client) processMessage(msg map[string]json.RawMessage) {
	switch {
	case msg["connected"] != nil:
		var connected struct {
			Version string `json:"version"`
		}
		_ = json.Unmarshal(msg["connected"], &connected)
		c.logger.Info("OctoPrint SockJS authenticated", "version", connected.Version)
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()

	case msg["current"] != nil:
		c.handleCurrent(msg["current"])

	case msg["history"] != nil:
		// The history document carries the same shape as current; it seeds
		// the cached state on connect.
		c.handleCurrent(msg["history"])

	case msg["event"] != nil:
		var event struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(msg["event"], &event); err != nil {
			c.logger.Warn("invalid OctoPrint event", "error", err)
			return
		}
		c.mu.RLock()
		fn := c.onEvent
		c.mu.RUnlock()
		if fn != nil {
			fn(event.Type, event.Payload)
		}

	case msg["plugin"] != nil:
		c.logger.Debug("OctoPrint plugin message ignored")
	}
}

func (c *Client) handleCurrent(raw json.RawMessage) {
	var current currentMessage
	if err := json.Unmarshal(raw, &current); err != nil {
		c.logger.Warn("invalid OctoPrint current message", "error", err)
		return
	}
	status := extractStatus(&current)

	c.mu.Lock()
	c.status = status
	c.hasStatus = true
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}

func (c *Client) Pause(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"pause","action":"pause"}`)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"pause","action":"resume"}`)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.jobCommand(ctx, `{"command":"cancel"}`)
}

func (c *Client) jobCommand(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/job", strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "POST /api/job: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return engine.Kind(engine.ErrProtocol, "POST /api/job: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) ListFiles(ctx context.Context) ([]printers.RemoteFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files/local", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, engine.Kind(engine.ErrTransientNetwork, "GET /api/files/local: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, engine.Kind(engine.ErrTransientNetwork, "GET /api/files/local: status %d", resp.StatusCode)
	}

	var body struct {
		Files []struct {
			Name string `json:"name"`
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, engine.Kind(engine.ErrProtocol, "GET /api/files/local: %s", err)
	}
	out := make([]printers.RemoteFile, 0, len(body.Files))
	for _, f := range body.Files {
		out = append(out, printers.RemoteFile{Name: f.Name, Path: f.Path, Size: f.Size})
	}
	return out, nil
}

func (c *Client) TakeSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", engine.Kind(engine.ErrNotFound, "use the external webcam gateway for OctoPrint snapshots")
}
