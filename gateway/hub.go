package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jmoyers/harness-sub010/observer"

	harness "github.com/jmoyers/harness-sub010"
)

// hubRetention is how many recent observed events the hub keeps for
// afterCursor catch-up.
const hubRetention = 1024

// HubDeliverFunc receives observed events for one subscriber. Called with
// the hub lock held; enqueue and return.
type HubDeliverFunc func(harness.ObservedEvent)

// PersistFunc receives every published event for durable append.
type PersistFunc func(harness.ObservedEvent)

type hubSub struct {
	filter  harness.Scope
	deliver HubDeliverFunc
}

// Hub is the gateway-wide observed-event bus. Every event gets the next
// value of a process-wide monotonic cursor; the hub retains a ring of
// recent events so a subscriber reconnecting with afterCursor sees a
// gap-free replay as long as it is not too far behind.
type Hub struct {
	mu      sync.Mutex
	cursor  uint64
	ring    []harness.ObservedEvent
	subs    map[int]*hubSub
	nextSub int
	persist PersistFunc
	obs     *observer.Instruments
	now     func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPersist sets the durable sink for published events.
func WithPersist(fn PersistFunc) HubOption {
	return func(h *Hub) { h.persist = fn }
}

// WithHubInstruments wires OTEL instruments. Nil is fine.
func WithHubInstruments(in *observer.Instruments) HubOption {
	return func(h *Hub) { h.obs = in }
}

// WithHubClock overrides the time source for tests.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs: make(map[int]*hubSub),
		now:  time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Cursor returns the cursor of the most recently published event.
func (h *Hub) Cursor() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Publish assigns the next cursor, retains the event, persists it, and
// delivers it to every subscriber whose filter matches the event scope.
func (h *Hub) Publish(eventType string, scope harness.Scope, payload map[string]any) harness.ObservedEvent {
	h.mu.Lock()
	h.cursor++
	ev := harness.ObservedEvent{
		Cursor:  h.cursor,
		Type:    eventType,
		Scope:   scope,
		TS:      h.now().UTC(),
		Payload: payload,
	}
	h.ring = append(h.ring, ev)
	if len(h.ring) > hubRetention {
		h.ring = h.ring[len(h.ring)-hubRetention:]
	}
	persist := h.persist
	for _, sub := range h.subs {
		if ev.Scope.Matches(sub.filter) {
			sub.deliver(ev)
		}
	}
	h.mu.Unlock()

	if persist != nil {
		persist(ev)
	}
	h.obs.RecordEventPublished(context.Background(), eventType)
	return ev
}

// Subscribe registers deliver for events matching filter and replays the
// retained events after afterCursor. Events older than the ring are gone;
// the subscriber sees that as a jump in the first replayed cursor.
func (h *Hub) Subscribe(filter harness.Scope, afterCursor uint64, deliver HubDeliverFunc) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range h.ring {
		if ev.Cursor > afterCursor && ev.Scope.Matches(filter) {
			deliver(ev)
		}
	}

	id := h.nextSub
	h.nextSub++
	h.subs[id] = &hubSub{filter: filter, deliver: deliver}
	return id
}

// Unsubscribe removes a subscriber. Safe with an unknown handle.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
