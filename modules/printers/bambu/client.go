// Package bambu provides the MQTT client for Bambu Lab printers. The
// printer pushes JSON reports over TLS on port 8883; the client merges the
// partial reports into a cached document and normalizes it on each delta.
package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/printernizer/printernizer/modules/printers/bambuftp"
)

const (
	mqttClientID   = "printernizer-bambu-client"
	mqttPort       = 8883
	mqttQoS        = 0
	connectTimeout = 60 * time.Second
)

// Config holds the connection parameters for one Bambu printer.
type Config struct {
	Host       string
	AccessCode string
	Serial     string
	// ReconnectDelay caps paho's automatic reconnect interval.
	ReconnectDelay time.Duration
}

// Client is a push-based ProtocolClient for Bambu Lab printers.
type Client struct {
	config Config
	client paho.Client
	ftp    *bambuftp.Client

	mu          sync.RWMutex
	report      report
	lastMessage time.Time
	onUpdate    func(printers.Status)

	logger *slog.Logger
}

// NewClient creates a Bambu MQTT client. The FTP client is optional and
// only used for file listings.
func NewClient(config Config, ftp *bambuftp.Client) *Client {
	return &Client{
		config: config,
		ftp:    ftp,
		logger: slog.Default().With("serial", config.Serial),
	}
}

// SetOnUpdate registers the callback invoked with a normalized status on
// every report delta.
func (c *Client) SetOnUpdate(fn func(printers.Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// LastMessageAt reports when the printer last pushed anything, for the
// scheduler's liveness probe.
func (c *Client) LastMessageAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessage
}

// Connect establishes the MQTT connection. Bambu printers present
// self-signed certificates, so verification is skipped.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	if c.client != nil && c.client.IsConnected() {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, mqttPort)).
		SetClientID(mqttClientID).
		SetUsername("bblp").
		SetPassword(c.config.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.handleMessage)
	if c.config.ReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(c.config.ReconnectDelay)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return engine.Kind(engine.ErrTransientNetwork, "MQTT connect to %s timed out", c.config.Host)
	}
	if err := token.Error(); err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "MQTT connect to %s: %s", c.config.Host, err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// Status returns the normalized view of the last merged report.
func (c *Client) Status(ctx context.Context) (printers.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil || !c.client.IsConnected() {
		return printers.Status{State: printers.StateOffline, ObservedAt: time.Now().UTC()}, nil
	}
	return extractStatus(&c.report, c.lastMessage), nil
}

func (c *Client) Pause(ctx context.Context) error  { return c.printCommand("pause") }
func (c *Client) Resume(ctx context.Context) error { return c.printCommand("resume") }
func (c *Client) Stop(ctx context.Context) error   { return c.printCommand("stop") }

// ListFiles lists the printer's cache directory over FTP.
func (c *Client) ListFiles(ctx context.Context) ([]printers.RemoteFile, error) {
	if c.ftp == nil {
		return nil, engine.Kind(engine.ErrConfig, "no FTP client configured for %s", c.config.Serial)
	}
	return c.ftp.List(ctx, "cache")
}

// TakeSnapshot is not supported on the built-in camera; the external webcam
// gateway covers snapshots for Bambu printers.
func (c *Client) TakeSnapshot(ctx context.Context) ([]byte, string, error) {
	return nil, "", engine.Kind(engine.ErrNotFound, "built-in camera snapshots not supported")
}

func (c *Client) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", c.config.Serial)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		c.logger.Error("failed to subscribe to printer topic", "error", token.Error())
		return
	}
	c.logger.Debug("subscribed to printer MQTT topic")

	// Ask the printer to push its full state.
	c.requestPushAll()
}

func (c *Client) onConnectionLost(client paho.Client, err error) {
	c.logger.Warn("printer MQTT connection lost", "error", err)
	c.mu.RLock()
	fn := c.onUpdate
	c.mu.RUnlock()
	if fn != nil {
		fn(printers.Status{State: printers.StateOffline, ObservedAt: time.Now().UTC()})
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	var received report
	if err := json.Unmarshal(msg.Payload(), &received); err != nil {
		// Malformed payloads are logged and skipped, never fatal.
		c.logger.Debug("failed to unmarshal printer message", "error", err)
		return
	}

	c.mu.Lock()
	c.report.merge(&received)
	c.lastMessage = time.Now()
	status := extractStatus(&c.report, c.lastMessage)
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}

func (c *Client) requestPushAll() {
	err := c.publishCommand(map[string]any{
		"pushing": map[string]any{
			"sequence_id": "0",
			"command":     "pushall",
		},
	})
	if err != nil {
		c.logger.Debug("failed to request printer update", "error", err)
	}
}

func (c *Client) printCommand(command string) error {
	return c.publishCommand(map[string]any{
		"print": map[string]any{
			"command":     command,
			"sequence_id": strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	})
}

func (c *Client) publishCommand(cmd map[string]any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return engine.Kind(engine.ErrTransientNetwork, "MQTT not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := fmt.Sprintf("device/%s/request", c.config.Serial)
	token := client.Publish(topic, mqttQoS, false, data)
	if token.Wait() && token.Error() != nil {
		return engine.Kind(engine.ErrTransientNetwork, "failed to publish command: %s", token.Error())
	}
	return nil
}
