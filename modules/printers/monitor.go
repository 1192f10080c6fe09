package printers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/printernizer/printernizer/engine"
)

// MonitorConfig shapes the monitoring scheduler.
type MonitorConfig struct {
	// Interval is the base poll interval for pull drivers.
	Interval time.Duration
	// BackoffMax caps the per-printer backoff delay.
	BackoffMax time.Duration
	// ProbeWindow is how long a push driver may stay silent before the
	// scheduler counts a failed cycle.
	ProbeWindow time.Duration
	// DiscoveryDelay is how long after process start to wait before
	// aggressive polling, letting network interfaces settle.
	DiscoveryDelay time.Duration
	// MaxFailures suspends a printer once its total failure count reaches
	// this value.
	MaxFailures int
}

func (c *MonitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 300 * time.Second
	}
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = 3 * c.Interval
	}
	if c.DiscoveryDelay < 0 {
		c.DiscoveryDelay = 0
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = defaultMaxFailures
	}
}

// ClientFactory builds the protocol client for a printer kind.
type ClientFactory func(p *Printer) (ProtocolClient, error)

// Manager runs one independent monitoring task per configured printer. A
// slow printer never delays the others.
type Manager struct {
	store   *Store
	bus     *engine.Bus
	conf    MonitorConfig
	factory ClientFactory

	snapshots SnapshotGateway

	mu      sync.Mutex
	drivers map[string]*Driver
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// SetSnapshotGateway wires the external webcam gateway into every driver
// the manager creates.
func (m *Manager) SetSnapshotGateway(gw SnapshotGateway) { m.snapshots = gw }

func NewManager(store *Store, bus *engine.Bus, factory ClientFactory, conf MonitorConfig) *Manager {
	conf.applyDefaults()
	return &Manager{
		store:   store,
		bus:     bus,
		conf:    conf,
		factory: factory,
		drivers: map[string]*Driver{},
		cancels: map[string]context.CancelFunc{},
	}
}

func (m *Manager) AttachWorkers(procs *engine.ProcMgr) {
	procs.Add(m.run)
	procs.Add(engine.Poll(time.Hour, engine.Cleanup(m.store.db, "old printer events",
		"DELETE FROM printer_events WHERE created < unixepoch() - ?", 24*60*60)))
}

// Driver returns the live driver for a printer, if one is running.
func (m *Manager) Driver(id string) (*Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	return d, ok
}

// Drivers returns a snapshot of all live drivers.
func (m *Manager) Drivers() []*Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	return out
}

func (m *Manager) run(ctx context.Context) error {
	if m.conf.DiscoveryDelay > 0 {
		slog.Info("waiting for network discovery delay before monitoring", "delay", m.conf.DiscoveryDelay)
		if err := engine.Sleep(ctx, m.conf.DiscoveryDelay); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		m.Reconcile(ctx)
		select {
		case <-ctx.Done():
			m.stopAll()
			m.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile starts monitors for newly enabled printers and stops monitors
// for removed or disabled ones.
func (m *Manager) Reconcile(ctx context.Context) {
	printers, err := m.store.List(ctx)
	if err != nil {
		slog.Error("failed to list printers", "error", err)
		return
	}

	exists := map[string]bool{}
	want := map[string]*Printer{}
	for _, p := range printers {
		exists[p.ID] = true
		if p.Enabled {
			want[p.ID] = p
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.cancels {
		if _, ok := want[id]; !ok {
			slog.Info("stopping printer monitor", "printer_id", id)
			cancel()
			name := m.drivers[id].Printer().Name
			delete(m.cancels, id)
			delete(m.drivers, id)
			if !exists[id] {
				m.bus.Publish(engine.EventPrinterRemoved, map[string]any{"printer_id": id, "printer_name": name})
			}
		}
	}

	for id, p := range want {
		if _, ok := m.cancels[id]; ok {
			continue
		}
		client, err := m.factory(p)
		if err != nil {
			slog.Error("cannot build protocol client", "printer", p.Name, "kind", p.Kind, "error", err)
			continue
		}
		driver := NewDriver(p, client, m.bus, m.store, m.conf.MaxFailures)
		driver.SetSnapshotGateway(m.snapshots)
		if sink, ok := client.(interface{ SetOnUpdate(func(Status)) }); ok {
			sink.SetOnUpdate(driver.HandlePush)
		}

		printerCtx, cancel := context.WithCancel(ctx)
		m.drivers[id] = driver
		m.cancels[id] = cancel
		m.wg.Add(1)
		go func(d *Driver) {
			defer m.wg.Done()
			m.monitorPrinter(printerCtx, d)
		}(driver)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
		delete(m.drivers, id)
	}
}

// monitorPrinter is the per-printer task. Pull drivers are polled at the
// base interval with jittered exponential backoff on failure; push drivers
// get a liveness probe instead of a poll.
func (m *Manager) monitorPrinter(ctx context.Context, d *Driver) {
	defer d.Disconnect(context.Background())
	d.Connect(ctx)

	_, isPush := d.Client().(Pusher)
	failures := 0

	for {
		if d.Suspended() {
			// Stay parked until the operator re-enables; reconcile will
			// tear this task down if the row is disabled.
			if err := engine.Sleep(ctx, m.conf.Interval); err != nil {
				return
			}
			continue
		}

		var failed bool
		if isPush {
			last := d.Client().(Pusher).LastMessageAt()
			if last.IsZero() || time.Since(last) > m.conf.ProbeWindow {
				d.RecordProbeFailure(ctx)
				failed = true
			}
		} else {
			failed = d.Cycle(ctx) != nil
		}
		if ctx.Err() != nil {
			return
		}

		delay := m.conf.Interval
		if failed {
			delay = engine.Backoff(m.conf.Interval, m.conf.BackoffMax, failures, 0.1)
			failures++
		} else {
			failures = 0
		}
		if err := engine.Sleep(ctx, delay); err != nil {
			return
		}
	}
}
