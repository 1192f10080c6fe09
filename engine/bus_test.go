package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusOrdering(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("test", nil)
	defer sub.Cancel()

	for i := 0; i < 100; i++ {
		bus.Publish(EventStatusUpdated, map[string]any{"seq": i})
	}

	for i := 0; i < 100; i++ {
		evt := <-sub.Events()
		assert.Equal(t, i, evt.Payload["seq"], "events must arrive in publication order")
	}
}

func TestBusPredicate(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.SubscribeTypes("test", EventPrintStarted)
	defer sub.Cancel()

	bus.Publish(EventStatusUpdated, nil)
	bus.Publish(EventPrintStarted, map[string]any{"filename": "cube.3mf"})

	evt := <-sub.Events()
	assert.Equal(t, EventPrintStarted, evt.Type)
	assert.Equal(t, "cube.3mf", evt.Payload["filename"])
	assert.Len(t, sub.Events(), 0)
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("slow", nil)
	defer sub.Cancel()

	// Overfill the queue without consuming.
	total := defaultQueueDepth + 50
	for i := 0; i < total; i++ {
		bus.Publish(EventStatusUpdated, map[string]any{"seq": i})
	}

	// Exactly one subscriber_dropped is emitted for the burst, and the
	// newest events survive.
	drops := 0
	var lastSeq int
	for len(sub.Events()) > 0 {
		evt := <-sub.Events()
		if evt.Type == EventSubscriberDropped {
			drops++
			assert.Equal(t, "slow", evt.Payload["subscriber"])
			continue
		}
		lastSeq = evt.Payload["seq"].(int)
	}
	assert.Equal(t, 1, drops, "one subscriber_dropped per burst")
	assert.Equal(t, total-1, lastSeq, "newest event must survive the drop")
}

func TestBusPublisherNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe("never-reads", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueDepth*4; i++ {
			bus.Publish(EventStatusUpdated, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	default:
		// Not finished yet; a blocked publisher would hang here until the
		// test times out.
		<-done
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("test", nil)
	sub.Cancel()

	require.NotPanics(t, func() {
		bus.Publish(EventStatusUpdated, nil)
		sub.Cancel() // double cancel is a no-op
	})

	_, open := <-sub.Events()
	assert.False(t, open, "channel must be closed after cancel")
}

func TestBusCloseIsTerminal(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(fmt.Sprintf("sub-%d", 1), nil)
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	late := bus.Subscribe("late", nil)
	_, open = <-late.Events()
	assert.False(t, open, "subscriptions after close are immediately closed")
}
