package printers

import (
	"context"
	"testing"
	"time"

	"github.com/printernizer/printernizer/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *Store, *engine.Bus) {
	t.Helper()
	db := engine.OpenTestDB(t)
	store := NewStore(db)
	bus := engine.NewBus()
	t.Cleanup(bus.Close)

	factory := func(p *Printer) (ProtocolClient, error) {
		return &fakeClient{status: Status{State: StateIdle}}, nil
	}
	manager := NewManager(store, bus, factory, MonitorConfig{
		Interval:   10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	})
	return manager, store, bus
}

func TestManagerReconcile(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Create(ctx, &Printer{ID: "p1", Name: "A", Kind: KindPrusa, Enabled: true}))
	require.NoError(t, store.Create(ctx, &Printer{ID: "p2", Name: "B", Kind: KindPrusa, Enabled: false}))

	manager.Reconcile(ctx)

	_, ok := manager.Driver("p1")
	assert.True(t, ok, "enabled printers get a driver")
	_, ok = manager.Driver("p2")
	assert.False(t, ok, "disabled printers are not monitored")
	assert.Len(t, manager.Drivers(), 1)

	// Exactly one monitoring task per printer: reconciling again must not
	// spawn a second one.
	first, _ := manager.Driver("p1")
	manager.Reconcile(ctx)
	second, _ := manager.Driver("p1")
	assert.Same(t, first, second)

	manager.stopAll()
	manager.wg.Wait()
}

func TestManagerRemovalPublishesEvent(t *testing.T) {
	manager, store, bus := newTestManager(t)
	sub := bus.SubscribeTypes("test", engine.EventPrinterRemoved)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Create(ctx, &Printer{ID: "p1", Name: "A", Kind: KindPrusa, Enabled: true}))
	manager.Reconcile(ctx)
	require.Len(t, manager.Drivers(), 1)

	// Disabling keeps the row: no removal event.
	require.NoError(t, store.SetEnabled(ctx, "p1", false))
	manager.Reconcile(ctx)
	assert.Len(t, manager.Drivers(), 0)
	assert.Len(t, sub.Events(), 0)

	// Deleting the row announces the removal.
	require.NoError(t, store.SetEnabled(ctx, "p1", true))
	manager.Reconcile(ctx)
	require.NoError(t, store.Delete(ctx, "p1"))
	manager.Reconcile(ctx)

	evt := <-sub.Events()
	assert.Equal(t, engine.EventPrinterRemoved, evt.Type)
	assert.Equal(t, "p1", evt.Payload["printer_id"])

	manager.stopAll()
	manager.wg.Wait()
}
