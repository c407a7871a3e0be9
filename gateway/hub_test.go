package gateway

import (
	"testing"

	harness "github.com/jmoyers/harness-sub010"
)

func scopeW(workspace string) harness.Scope {
	return harness.Scope{TenantID: "t", UserID: "u", WorkspaceID: workspace}
}

func TestHubCursorsAreMonotonic(t *testing.T) {
	h := NewHub()
	var got []uint64
	h.Subscribe(harness.Scope{}, 0, func(ev harness.ObservedEvent) {
		got = append(got, ev.Cursor)
	})
	for i := 0; i < 5; i++ {
		h.Publish(harness.ObservedSessionStatus, scopeW("w1"), nil)
	}
	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, cur := range got {
		if cur != uint64(i+1) {
			t.Errorf("cursor[%d] = %d, want %d", i, cur, i+1)
		}
	}
	if h.Cursor() != 5 {
		t.Errorf("hub cursor = %d, want 5", h.Cursor())
	}
}

func TestHubScopeFilter(t *testing.T) {
	h := NewHub()
	var mine, all int
	h.Subscribe(scopeW("w1"), 0, func(harness.ObservedEvent) { mine++ })
	h.Subscribe(harness.Scope{}, 0, func(harness.ObservedEvent) { all++ })

	h.Publish(harness.ObservedTaskCreated, scopeW("w1"), nil)
	h.Publish(harness.ObservedTaskCreated, scopeW("w2"), nil)

	if mine != 1 {
		t.Errorf("scoped subscriber saw %d events, want 1", mine)
	}
	if all != 2 {
		t.Errorf("unscoped subscriber saw %d events, want 2", all)
	}
}

func TestHubAfterCursorReplay(t *testing.T) {
	h := NewHub()
	for i := 0; i < 10; i++ {
		h.Publish(harness.ObservedSessionStatus, scopeW("w1"), map[string]any{"n": i})
	}

	var got []uint64
	h.Subscribe(harness.Scope{}, 7, func(ev harness.ObservedEvent) {
		got = append(got, ev.Cursor)
	})
	if len(got) != 3 || got[0] != 8 || got[2] != 10 {
		t.Fatalf("replay = %v, want [8 9 10]", got)
	}

	// Live events keep flowing after replay.
	h.Publish(harness.ObservedSessionStatus, scopeW("w1"), nil)
	if got[len(got)-1] != 11 {
		t.Errorf("live cursor = %d, want 11", got[len(got)-1])
	}
}

func TestHubRingEviction(t *testing.T) {
	h := NewHub()
	for i := 0; i < hubRetention+50; i++ {
		h.Publish(harness.ObservedSessionStatus, scopeW("w1"), nil)
	}

	var got []uint64
	h.Subscribe(harness.Scope{}, 0, func(ev harness.ObservedEvent) {
		got = append(got, ev.Cursor)
	})
	// subscribing triggers replay only; nothing published since.
	if len(got) != hubRetention {
		t.Fatalf("replayed %d events, want %d", len(got), hubRetention)
	}
	if got[0] != 51 {
		t.Errorf("oldest retained cursor = %d, want 51", got[0])
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	var n int
	id := h.Subscribe(harness.Scope{}, 0, func(harness.ObservedEvent) { n++ })
	h.Publish(harness.ObservedTaskCreated, scopeW("w1"), nil)
	h.Unsubscribe(id)
	h.Publish(harness.ObservedTaskCreated, scopeW("w1"), nil)
	if n != 1 {
		t.Errorf("delivered %d events after unsubscribe, want 1", n)
	}
}

func TestHubPersistSeesEveryEvent(t *testing.T) {
	var persisted []harness.ObservedEvent
	h := NewHub(WithPersist(func(ev harness.ObservedEvent) {
		persisted = append(persisted, ev)
	}))
	h.Publish(harness.ObservedTaskCreated, scopeW("w1"), nil)
	h.Publish(harness.ObservedTaskDeleted, scopeW("w2"), nil)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d events, want 2", len(persisted))
	}
	if persisted[1].Type != harness.ObservedTaskDeleted {
		t.Errorf("persisted[1].Type = %s", persisted[1].Type)
	}
}
