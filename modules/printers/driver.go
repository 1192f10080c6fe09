package printers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/printernizer/printernizer/engine"
)

const (
	degradedAfterConsecutive = 3
	defaultMaxFailures       = 10
)

// Driver owns exactly one ProtocolClient and one monitoring task. It runs
// the lifecycle state machine, normalizes status at the boundary, and
// publishes deltas to the event bus.
type Driver struct {
	printer *Printer
	client  ProtocolClient
	bus     *engine.Bus
	store   *Store

	maxFailures int

	snapshots SnapshotGateway

	mu                  sync.Mutex
	monState            MonitoringState
	status              Status
	hasStatus           bool
	consecutiveFailures int
	totalFailures       int
	offlineNotified     bool

	logger *slog.Logger
}

func NewDriver(p *Printer, client ProtocolClient, bus *engine.Bus, store *Store, maxFailures int) *Driver {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	return &Driver{
		printer:     p,
		client:      client,
		bus:         bus,
		store:       store,
		maxFailures: maxFailures,
		monState:    MonitoringDisconnected,
		logger:      slog.Default().With("printer", p.Name, "printer_id", p.ID),
	}
}

func (d *Driver) Printer() *Printer { return d.printer }
func (d *Driver) Client() ProtocolClient { return d.client }

func (d *Driver) MonitoringState() MonitoringState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monState
}

// Status returns the last normalized status observed by the driver.
func (d *Driver) Status() (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.hasStatus
}

// Connect transitions to connecting and starts the connect work in the
// background. It always returns quickly.
func (d *Driver) Connect(ctx context.Context) {
	d.setMonitoringState(ctx, MonitoringConnecting)
	go func() {
		err := d.client.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.logger.Warn("printer connect failed", "error", err)
			d.recordFailure(ctx, err)
			return
		}
		d.recordSuccess(ctx)
	}()
}

func (d *Driver) Disconnect(ctx context.Context) {
	if err := d.client.Disconnect(ctx); err != nil {
		d.logger.Debug("error while disconnecting", "error", err)
	}
	d.setMonitoringState(ctx, MonitoringDisconnected)
}

// Cycle performs one monitoring cycle: read status from the client,
// normalize, persist the delta, and publish events. Returns the error that
// failed the cycle, if any.
func (d *Driver) Cycle(ctx context.Context) error {
	status, err := d.client.Status(ctx)
	if err != nil {
		d.recordFailure(ctx, err)
		d.observe(ctx, Status{State: StateOffline, ObservedAt: time.Now().UTC()})
		return err
	}
	d.recordSuccess(ctx)
	d.observe(ctx, status)
	return nil
}

// HandlePush accepts an already-normalized status delivered asynchronously
// by a push client (Bambu MQTT, OctoPrint SockJS).
func (d *Driver) HandlePush(status Status) {
	ctx := context.Background()
	d.recordSuccess(ctx)
	d.observe(ctx, status)
}

// RecordProbeFailure counts a missed liveness probe from a push driver as a
// failed cycle for backoff accounting.
func (d *Driver) RecordProbeFailure(ctx context.Context) {
	d.recordFailure(ctx, errors.New("no message within liveness window"))
}

// Pause, Resume and Stop dispatch operational commands. They are only
// accepted while connected.
func (d *Driver) Pause(ctx context.Context) error  { return d.command(ctx, "pause", d.client.Pause, engine.EventPrintPaused) }
func (d *Driver) Resume(ctx context.Context) error { return d.command(ctx, "resume", d.client.Resume, engine.EventPrintResumed) }
func (d *Driver) Stop(ctx context.Context) error   { return d.command(ctx, "stop", d.client.Stop, engine.EventPrintStopped) }

func (d *Driver) command(ctx context.Context, name string, fn func(context.Context) error, eventType string) error {
	if d.MonitoringState() != MonitoringConnected {
		return engine.Kind(engine.ErrConfig, "printer %s is not connected, cannot %s", d.printer.Name, name)
	}
	if err := fn(ctx); err != nil {
		d.store.LogEvent(ctx, name, d.printer.ID, d.printer.Name, false, err.Error())
		return err
	}
	d.store.LogEvent(ctx, name, d.printer.ID, d.printer.Name, true, "")
	d.bus.Publish(eventType, map[string]any{"printer_id": d.printer.ID, "printer_name": d.printer.Name})
	return nil
}

// SetSnapshotGateway wires the external webcam gateway. Optional.
func (d *Driver) SetSnapshotGateway(gw SnapshotGateway) { d.snapshots = gw }

// TakeSnapshot returns a camera frame for this printer. An external webcam,
// when configured, is preferred over the printer's built-in camera.
func (d *Driver) TakeSnapshot(ctx context.Context) ([]byte, string, error) {
	if d.snapshots != nil && d.printer.Endpoint.WebcamURL != "" {
		return d.snapshots.Snapshot(ctx, d.printer.ID, d.printer.Endpoint.WebcamURL)
	}
	return d.client.TakeSnapshot(ctx)
}

// Suspended reports whether the driver has exhausted its failure budget.
func (d *Driver) Suspended() bool { return d.MonitoringState() == MonitoringSuspended }

// Reenable clears failure accounting after an operator re-enables the
// printer.
func (d *Driver) Reenable(ctx context.Context) {
	d.mu.Lock()
	d.consecutiveFailures = 0
	d.totalFailures = 0
	d.mu.Unlock()
	d.setMonitoringState(ctx, MonitoringDisconnected)
}

func (d *Driver) recordSuccess(ctx context.Context) {
	d.mu.Lock()
	d.consecutiveFailures = 0
	// totalFailures accumulates until an operator re-enables the printer.
	d.mu.Unlock()
	d.setMonitoringState(ctx, MonitoringConnected)
}

func (d *Driver) recordFailure(ctx context.Context, err error) {
	d.mu.Lock()
	d.consecutiveFailures++
	d.totalFailures++
	consecutive, total := d.consecutiveFailures, d.totalFailures
	d.mu.Unlock()

	switch {
	case errors.Is(err, engine.ErrConfig):
		d.setMonitoringState(ctx, MonitoringFailed)
	case total >= d.maxFailures:
		d.logger.Warn("suspending printer after repeated failures", "failures", total)
		d.setMonitoringState(ctx, MonitoringSuspended)
	case consecutive >= degradedAfterConsecutive:
		d.setMonitoringState(ctx, MonitoringDegraded)
	default:
		d.setMonitoringState(ctx, MonitoringFailed)
	}
	d.bus.Publish(engine.EventPrinterError, map[string]any{
		"printer_id":   d.printer.ID,
		"printer_name": d.printer.Name,
		"error":        err.Error(),
	})
}

func (d *Driver) setMonitoringState(ctx context.Context, state MonitoringState) {
	d.mu.Lock()
	prev := d.monState
	if prev == state {
		d.mu.Unlock()
		return
	}
	d.monState = state
	d.mu.Unlock()

	d.printer.MonitoringState = state
	if err := d.store.SetMonitoringState(ctx, d.printer.ID, state); err != nil {
		d.logger.Debug("failed to persist monitoring state", "error", err)
	}
	d.bus.Publish(engine.EventPrinterStateChanged, map[string]any{
		"printer_id":       d.printer.ID,
		"printer_name":     d.printer.Name,
		"monitoring_state": string(state),
		"previous":         string(prev),
	})
}

// observe folds a freshly normalized status into the cached one and emits
// the resulting events. Per printer, events are emitted in observation
// order.
func (d *Driver) observe(ctx context.Context, status Status) {
	if status.ObservedAt.IsZero() {
		status.ObservedAt = time.Now().UTC()
	}

	d.mu.Lock()
	prev, hadPrev := d.status, d.hasStatus
	d.status = status
	d.hasStatus = true

	wentOffline := status.State == StateOffline && !d.offlineNotified
	cameOnline := status.State != StateOffline && d.offlineNotified
	if wentOffline {
		d.offlineNotified = true
	}
	if cameOnline {
		d.offlineNotified = false
	}
	d.mu.Unlock()

	payload := map[string]any{
		"printer_id":   d.printer.ID,
		"printer_name": d.printer.Name,
		"status":       status,
	}
	d.bus.Publish(engine.EventStatusUpdated, payload)

	// A printer that flaps within one polling interval emits at most one
	// offline and one matching online event.
	if wentOffline {
		d.bus.Publish(engine.EventPrinterOffline, map[string]any{"printer_id": d.printer.ID, "printer_name": d.printer.Name})
	}
	if cameOnline {
		d.bus.Publish(engine.EventPrinterOnline, map[string]any{"printer_id": d.printer.ID, "printer_name": d.printer.Name})
	}

	if !hadPrev {
		return
	}
	switch {
	case prev.State != StatePrinting && status.State == StatePrinting:
		d.bus.Publish(engine.EventPrintStarted, map[string]any{
			"printer_id":   d.printer.ID,
			"printer_name": d.printer.Name,
			"filename":     status.JobFilename,
		})
	case prev.State == StatePrinting && status.State == StateIdle:
		d.bus.Publish(engine.EventJobCompleted, map[string]any{
			"printer_id":   d.printer.ID,
			"printer_name": d.printer.Name,
			"filename":     prev.JobFilename,
		})
	case prev.State == StatePrinting && status.State == StateError:
		d.bus.Publish(engine.EventJobFailed, map[string]any{
			"printer_id":   d.printer.ID,
			"printer_name": d.printer.Name,
			"filename":     prev.JobFilename,
		})
	}
}
