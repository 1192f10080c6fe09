// Package discovery publishes Home Assistant MQTT discovery documents for
// every monitored printer: retained per-entity config messages under the
// discovery prefix, live state updates on a parallel topic tree, and
// per-printer availability.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/printers"
)

const (
	clientID       = "printernizer-discovery"
	connectTimeout = 60 * time.Second
	qos            = 0
)

// Config for the MQTT discovery publisher.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	Prefix   string // discovery prefix, default "homeassistant"
}

// Module is the discovery publisher.
type Module struct {
	conf Config
	bus  *engine.Bus

	mu         sync.Mutex
	client     paho.Client
	configured map[string]bool // printer ids with published config docs

	logger *slog.Logger
}

func New(bus *engine.Bus, conf Config) *Module {
	if conf.Prefix == "" {
		conf.Prefix = "homeassistant"
	}
	if conf.Port == 0 {
		conf.Port = 1883
	}
	return &Module{
		conf:       conf,
		bus:        bus,
		configured: map[string]bool{},
		logger:     slog.Default().With("module", "mqtt_discovery"),
	}
}

func (m *Module) AttachWorkers(procs *engine.ProcMgr) {
	if !m.conf.Enabled {
		slog.Info("MQTT discovery disabled because no broker was configured")
		return
	}
	sub := m.bus.SubscribeTypes("mqtt_discovery",
		engine.EventStatusUpdated,
		engine.EventPrinterOnline,
		engine.EventPrinterOffline,
		engine.EventPrinterRemoved,
	)
	procs.Add(func(ctx context.Context) error {
		if err := m.connect(ctx); err != nil {
			m.logger.Error("cannot reach MQTT broker, discovery disabled", "error", err)
			<-ctx.Done()
			return ctx.Err()
		}
		return engine.Drain(ctx, sub, m.handleEvent)
	})
}

func (m *Module) connect(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", m.conf.Host, m.conf.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if m.conf.Username != "" {
		opts.SetUsername(m.conf.Username).SetPassword(m.conf.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return engine.Kind(engine.ErrTransientNetwork, "MQTT broker connect timed out")
	}
	if err := token.Error(); err != nil {
		return engine.Kind(engine.ErrTransientNetwork, "MQTT broker connect: %s", err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.logger.Info("connected to MQTT broker", "host", m.conf.Host, "port", m.conf.Port)
	return nil
}

func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

func (m *Module) handleEvent(ctx context.Context, evt engine.Event) {
	printerID, _ := evt.Payload["printer_id"].(string)
	printerName, _ := evt.Payload["printer_name"].(string)
	if printerID == "" {
		return
	}

	switch evt.Type {
	case engine.EventStatusUpdated:
		m.ensureConfigured(printerID, printerName)
		if status, ok := evt.Payload["status"].(printers.Status); ok {
			m.publishState(printerID, &status)
		}
	case engine.EventPrinterOnline:
		m.ensureConfigured(printerID, printerName)
		m.publish(m.availabilityTopic(printerID), "online", true)
	case engine.EventPrinterOffline:
		m.publish(m.availabilityTopic(printerID), "offline", true)
	case engine.EventPrinterRemoved:
		m.removePrinter(printerID)
	}
}

// entity describes one derived Home Assistant entity.
type entity struct {
	field       string
	name        string
	binary      bool
	deviceClass string
	unit        string
	icon        string
}

var entities = []entity{
	{field: "status", name: "Status", icon: "mdi:printer-3d"},
	{field: "progress", name: "Progress", unit: "%"},
	{field: "bed_temp", name: "Bed Temperature", deviceClass: "temperature", unit: "°C"},
	{field: "nozzle_temp", name: "Nozzle Temperature", deviceClass: "temperature", unit: "°C"},
	{field: "printing", name: "Printing", binary: true, icon: "mdi:printer-3d-nozzle"},
	{field: "online", name: "Online", binary: true, deviceClass: "connectivity"},
}

// ensureConfigured publishes the retained config documents for a printer
// once per process lifetime.
func (m *Module) ensureConfigured(printerID, printerName string) {
	m.mu.Lock()
	done := m.configured[printerID]
	m.configured[printerID] = true
	m.mu.Unlock()
	if done {
		return
	}

	device := map[string]any{
		"identifiers":  []string{"printernizer_" + printerID},
		"name":         printerName,
		"manufacturer": "Printernizer",
		"model":        "3D Printer",
		"sw_version":   "1.0",
	}

	for _, e := range entities {
		objectID := fmt.Sprintf("printernizer_%s_%s", printerID, e.field)
		config := map[string]any{
			"unique_id":             objectID,
			"object_id":             objectID,
			"name":                  printerName + " " + e.name,
			"state_topic":           m.stateTopic(printerID, e.field),
			"availability_topic":    m.availabilityTopic(printerID),
			"payload_available":     "online",
			"payload_not_available": "offline",
			"device":                device,
		}
		if e.binary {
			config["payload_on"] = "ON"
			config["payload_off"] = "OFF"
		}
		if e.deviceClass != "" {
			config["device_class"] = e.deviceClass
		}
		if e.unit != "" {
			config["unit_of_measurement"] = e.unit
		}
		if e.icon != "" {
			config["icon"] = e.icon
		}

		payload, err := json.Marshal(config)
		if err != nil {
			continue
		}
		m.publish(m.configTopic(printerID, e), string(payload), true)
	}
	m.logger.Info("published discovery config", "printer_id", printerID, "entities", len(entities))
}

// publishState mirrors a normalized status onto the state topic tree.
func (m *Module) publishState(printerID string, status *printers.Status) {
	m.publish(m.stateTopic(printerID, "status"), string(status.State), false)
	if status.PercentComplete != nil {
		m.publish(m.stateTopic(printerID, "progress"), strconv.Itoa(*status.PercentComplete), false)
	}
	if status.BedCurrent != nil {
		m.publish(m.stateTopic(printerID, "bed_temp"), strconv.FormatFloat(*status.BedCurrent, 'f', 1, 64), false)
	}
	if status.NozzleCurrent != nil {
		m.publish(m.stateTopic(printerID, "nozzle_temp"), strconv.FormatFloat(*status.NozzleCurrent, 'f', 1, 64), false)
	}
	printing := "OFF"
	if status.State == printers.StatePrinting {
		printing = "ON"
	}
	m.publish(m.stateTopic(printerID, "printing"), printing, false)
	online := "ON"
	if status.State == printers.StateOffline {
		online = "OFF"
	}
	m.publish(m.stateTopic(printerID, "online"), online, false)
}

// removePrinter clears the retained entity configs so the hub drops the
// device.
func (m *Module) removePrinter(printerID string) {
	for _, e := range entities {
		m.publish(m.configTopic(printerID, e), "", true)
	}
	m.publish(m.availabilityTopic(printerID), "offline", false)

	m.mu.Lock()
	delete(m.configured, printerID)
	m.mu.Unlock()
	m.logger.Info("cleared discovery config", "printer_id", printerID)
}

func (m *Module) configTopic(printerID string, e entity) string {
	component := "sensor"
	if e.binary {
		component = "binary_sensor"
	}
	return fmt.Sprintf("%s/%s/printernizer_%s_%s/config", m.conf.Prefix, component, printerID, e.field)
}

func (m *Module) stateTopic(printerID, field string) string {
	return fmt.Sprintf("printernizer/%s/%s", printerID, field)
}

func (m *Module) availabilityTopic(printerID string) string {
	return fmt.Sprintf("printernizer/%s/available", printerID)
}

func (m *Module) publish(topic, payload string, retained bool) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}
	token := client.Publish(topic, qos, retained, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		m.logger.Warn("MQTT publish failed", "topic", topic, "error", token.Error())
	}
}
