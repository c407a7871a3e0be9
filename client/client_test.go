package client

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/gateway"
	"github.com/jmoyers/harness-sub010/protocol"
	"github.com/jmoyers/harness-sub010/state/sqlite"
)

func startGateway(t *testing.T, opts ...gateway.ServerOption) *gateway.Server {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := gateway.NewHub()
	srv := gateway.NewServer("127.0.0.1:0", hub, gateway.NewSessions(hub), store, opts...)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestCallRoundTrip(t *testing.T) {
	srv := startGateway(t)
	c, err := Dial(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	result, err := c.Call(context.Background(), protocol.SessionListParams{
		Type: protocol.CmdSessionList,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var body struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Sessions) != 0 {
		t.Errorf("sessions = %v, want none", body.Sessions)
	}
}

func TestCallFailureCarriesKind(t *testing.T) {
	srv := startGateway(t)
	c, err := Dial(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(context.Background(), protocol.SessionRefParams{
		Type: protocol.CmdSessionStatus, SessionID: "missing",
	})
	if harness.KindOf(err) != harness.KindSessionNotFound {
		t.Errorf("kind = %s, want session-not-found", harness.KindOf(err))
	}
}

func TestDialAuth(t *testing.T) {
	srv := startGateway(t, gateway.WithAuthToken("sekrit"))

	if _, err := Dial(context.Background(), srv.Addr().String(), WithAuthToken("wrong")); err == nil {
		t.Fatal("dial with bad token succeeded")
	}

	c, err := Dial(context.Background(), srv.Addr().String(), WithAuthToken("sekrit"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if _, err := c.Call(context.Background(), protocol.SessionListParams{
		Type: protocol.CmdSessionList,
	}); err != nil {
		t.Fatalf("call after auth: %v", err)
	}
}

func TestListenerReceivesStreamEvents(t *testing.T) {
	srv := startGateway(t)
	c, err := Dial(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	events := make(chan protocol.StreamEvent, 8)
	id := c.Listen(func(env protocol.Envelope) {
		if ev, ok := env.(protocol.StreamEvent); ok {
			events <- ev
		}
	})
	defer c.Unlisten(id)

	scope := harness.Scope{TenantID: "t", UserID: "u", WorkspaceID: "w"}
	if _, err := c.Call(context.Background(), protocol.StreamSubscribeParams{
		Type: protocol.CmdStreamSubscribe, Scope: scope,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := c.Call(context.Background(), protocol.TaskCreateParams{
		Type: protocol.CmdTaskCreate, Scope: scope,
		ScopeKind: harness.TaskScopeProject, ProjectID: "p1",
		Title: "triage flaky test",
	}); err != nil {
		t.Fatalf("task.create: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Event.Type != harness.ObservedTaskCreated {
			t.Errorf("event type = %s, want task-created", ev.Event.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stream.event delivered")
	}
}

func TestDialRetriesUntilListenerAppears(t *testing.T) {
	// Reserve a port, close it, and only start listening after a delay.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			close(ready)
			return
		}
		go func() {
			for {
				nc, err := ln.Accept()
				if err != nil {
					return
				}
				// Hold the connection open; the client just needs the
				// dial to succeed.
				go func() { time.Sleep(2 * time.Second); nc.Close() }()
			}
		}()
		ready <- ln
	}()

	c, err := Dial(context.Background(), addr,
		WithRetryWindow(3*time.Second), WithRetryDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("dial never succeeded: %v", err)
	}
	c.Close()
	if ln, ok := <-ready; ok && ln != nil {
		ln.Close()
	}
}
