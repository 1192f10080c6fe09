package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Canonical event types emitted by the core.
const (
	EventPrinterStateChanged = "printer_state_changed"
	EventStatusUpdated       = "status_updated"
	EventPrinterOnline       = "printer_online"
	EventPrinterOffline      = "printer_offline"
	EventPrinterError        = "printer_error"
	EventPrintStarted        = "print_started"
	EventPrintPaused         = "print_paused"
	EventPrintResumed        = "print_resumed"
	EventPrintStopped        = "print_stopped"
	EventJobCompleted        = "job_completed"
	EventJobFailed           = "job_failed"
	EventLibraryFileAdded    = "library_file_added"
	EventLibraryFileDeleted  = "library_file_deleted"
	EventThumbnailCached     = "thumbnail_cached"
	EventSubscriberDropped   = "subscriber_dropped"
	EventPrinterRemoved      = "printer_removed"
)

// Event is the record published on the Bus.
type Event struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

var (
	busPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printernizer_event_bus_published_total",
		Help: "Events published on the in-process bus, by type.",
	}, []string{"type"})
	busDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printernizer_event_bus_dropped_total",
		Help: "Events dropped because a subscriber queue was full.",
	}, []string{"subscriber"})
)

const defaultQueueDepth = 256

// Bus delivers typed events to zero or more subscribers in publication order
// without the publisher ever waiting on a slow consumer. Each subscriber has
// a bounded queue; when it fills, the oldest events are dropped and a single
// subscriber_dropped event is emitted per burst.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

// Subscription is a cancellable FIFO stream of matching events.
type Subscription struct {
	bus      *Bus
	name     string
	pred     func(Event) bool
	ch       chan Event
	dropping bool
}

// Events returns the receive channel. It is closed when the subscription is
// canceled or the bus shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

// Subscribe registers a subscriber. A nil predicate matches every event.
// The name identifies the subscriber in drop accounting.
func (b *Bus) Subscribe(name string, pred func(Event) bool) *Subscription {
	s := &Subscription{
		bus:  b,
		name: name,
		pred: pred,
		ch:   make(chan Event, defaultQueueDepth),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// SubscribeTypes registers a subscriber matching any of the given types.
func (b *Bus) SubscribeTypes(name string, types ...string) *Subscription {
	set := map[string]struct{}{}
	for _, t := range types {
		set[t] = struct{}{}
	}
	return b.Subscribe(name, func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	})
}

// Publish delivers the event to every matching subscriber. It never blocks
// and never fails from the caller's perspective.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	evt := Event{Type: eventType, OccurredAt: time.Now().UTC(), Payload: payload}
	busPublished.WithLabelValues(eventType).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.pred != nil && !s.pred(evt) {
			continue
		}
		b.offer(s, evt)
	}
}

// offer enqueues evt on s, dropping the oldest queued events on overflow.
// Caller must hold b.mu.
func (b *Bus) offer(s *Subscription, evt Event) {
	select {
	case s.ch <- evt:
		s.dropping = false
		return
	default:
	}

	// Queue full: evict from the head until the new event (and, at the
	// start of a burst, a single subscriber_dropped marker) fits.
	busDropped.WithLabelValues(s.name).Inc()
	first := !s.dropping
	s.dropping = true
	if first && evt.Type != EventSubscriberDropped {
		b.forcePush(s, Event{
			Type:       EventSubscriberDropped,
			OccurredAt: time.Now().UTC(),
			Payload:    map[string]any{"subscriber": s.name},
		})
	}
	b.forcePush(s, evt)
}

// forcePush inserts e, evicting the oldest queued event as needed. Caller
// must hold b.mu, which excludes concurrent senders.
func (b *Bus) forcePush(s *Subscription, e Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Close detaches all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Drain consumes events from sub until ctx is canceled or the channel
// closes, passing each to fn. Intended to run as a Proc.
func Drain(ctx context.Context, sub *Subscription, fn func(context.Context, Event)) error {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			fn(ctx, evt)
		}
	}
}
