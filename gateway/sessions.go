package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/broker"
	"github.com/jmoyers/harness-sub010/eventstore"
	"github.com/jmoyers/harness-sub010/observer"
	"github.com/jmoyers/harness-sub010/ptyhost"
	"github.com/jmoyers/harness-sub010/session"
)

// defaultTailBudget is the per-session backlog kept for late attachers.
const defaultTailBudget = 256 << 10

// Session bundles the live pieces of one PTY-backed conversation: the
// status runtime, the output broker, and the host process.
type Session struct {
	ID        string
	Agent     harness.AgentType
	Scope     harness.Scope
	Runtime   *session.Runtime
	Broker    *broker.Broker
	CreatedAt time.Time

	host      *ptyhost.Host
	starterID string

	mu        sync.Mutex
	eventSubs map[int]func(eventType string, record map[string]any, exit *harness.ExitStatus)
	nextSub   int
	// Connection that holds the controller claim, "" when unclaimed.
	controllerConn string
}

// Live reports whether the child process is still attached.
func (s *Session) Live() bool {
	return !s.Runtime.Exited()
}

// subscribeEvents registers a sideband event listener (notify, exit).
func (s *Session) subscribeEvents(fn func(string, map[string]any, *harness.ExitStatus)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.eventSubs[id] = fn
	return id
}

func (s *Session) unsubscribeEvents(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventSubs, id)
}

func (s *Session) fanOutEvent(eventType string, record map[string]any, exit *harness.ExitStatus) {
	s.mu.Lock()
	subs := make([]func(string, map[string]any, *harness.ExitStatus), 0, len(s.eventSubs))
	for _, fn := range s.eventSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(eventType, record, exit)
	}
}

// Sessions tracks every live and exited session in the gateway.
type Sessions struct {
	mu   sync.Mutex
	byID map[string]*Session

	hub        *Hub
	events     *eventstore.Writer
	logger     *slog.Logger
	obs        *observer.Instruments
	tailBudget int
}

// SessionsOption configures the manager.
type SessionsOption func(*Sessions)

// WithSessionsLogger sets a structured logger.
func WithSessionsLogger(l *slog.Logger) SessionsOption {
	return func(s *Sessions) { s.logger = l }
}

// WithEventWriter sets the durable event sink for terminal and agent
// events. Nil disables persistence.
func WithEventWriter(w *eventstore.Writer) SessionsOption {
	return func(s *Sessions) { s.events = w }
}

// WithSessionsInstruments wires OTEL instruments. Nil is fine.
func WithSessionsInstruments(in *observer.Instruments) SessionsOption {
	return func(s *Sessions) { s.obs = in }
}

// WithTailBudget overrides the per-session backlog byte budget.
func WithTailBudget(n int) SessionsOption {
	return func(s *Sessions) {
		if n >= 0 {
			s.tailBudget = n
		}
	}
}

// NewSessions creates a session manager publishing to hub.
func NewSessions(hub *Hub, opts ...SessionsOption) *Sessions {
	s := &Sessions{
		byID:       make(map[string]*Session),
		hub:        hub,
		logger:     slog.New(discardHandler{}),
		tailBudget: defaultTailBudget,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns a PTY session. starterID records which connection started
// it, for embedded-mode cleanup.
func (s *Sessions) Start(ctx context.Context, id string, agent harness.AgentType, scope harness.Scope, spec ptyhost.Spec, starterID string) (*Session, error) {
	if id == "" {
		id = harness.NewID()
	}

	s.mu.Lock()
	if _, exists := s.byID[id]; exists {
		s.mu.Unlock()
		return nil, harness.Errf(harness.KindInvalidArgument, "session %s already exists", id)
	}
	s.mu.Unlock()

	sess := &Session{
		ID:        id,
		Agent:     agent,
		Scope:     scope,
		Broker:    broker.New(s.tailBudget),
		CreatedAt: time.Now().UTC(),
		eventSubs: make(map[int]func(string, map[string]any, *harness.ExitStatus)),
	}
	sess.Runtime = session.New(id, agent, scope,
		session.WithLogger(s.logger),
		session.WithPublish(func(eventType string, payload map[string]any) {
			s.hub.Publish(eventType, scope, payload)
		}),
	)

	host, err := ptyhost.Start(ctx, spec,
		ptyhost.WithLogger(s.logger),
		ptyhost.OnChunk(func(chunk []byte) {
			sess.Broker.Append(chunk)
			sess.Runtime.HandleOutput()
			s.obs.RecordPtyBytes(context.Background(), len(chunk))
			s.appendEvent(harness.EventTerminalOutput, scope, map[string]any{
				"sessionId": id,
				"bytes":     len(chunk),
			})
		}),
		ptyhost.OnExit(func(exit harness.ExitStatus) {
			if !sess.Runtime.HandleExit(exit) {
				return
			}
			sess.Broker.Deactivate()
			s.appendEvent(harness.EventAgentSessionExit, scope, map[string]any{
				"sessionId": id,
				"code":      exit.Code,
				"signal":    exit.Signal,
			})
			sess.fanOutEvent("exit", nil, &exit)
			s.logger.Info("gateway: session exited", "sessionId", id, "code", exit.Code, "signal", exit.Signal)
		}),
	)
	if err != nil {
		return nil, err
	}
	sess.host = host
	sess.starterID = starterID
	sess.Runtime.SetProcessID(host.Pid())

	s.mu.Lock()
	s.byID[id] = sess
	s.mu.Unlock()

	s.logger.Info("gateway: session started", "sessionId", id, "agent", agent, "pid", host.Pid())
	return sess, nil
}

// Get returns a session by id.
func (s *Sessions) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if !ok {
		return nil, harness.Errf(harness.KindSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// List returns all sessions, oldest first. limit <= 0 means all.
func (s *Sessions) List(limit int) []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Attention returns sessions currently waiting on input, oldest first.
func (s *Sessions) Attention() []*Session {
	var out []*Session
	for _, sess := range s.List(0) {
		if sess.Runtime.Snapshot().Status == harness.StatusNeedsInput {
			out = append(out, sess)
		}
	}
	return out
}

// HandleNotify routes one hook record from the notify relay to its session
// and fans the event out to pty.event subscribers.
func (s *Sessions) HandleNotify(sessionID string, record map[string]any) {
	sess, err := s.Get(sessionID)
	if err != nil {
		s.logger.Debug("gateway: notify for unknown session", "sessionId", sessionID)
		return
	}
	res := sess.Runtime.HandleNotify(record)
	s.appendEvent(harness.EventAgentNotify, sess.Scope, map[string]any{
		"sessionId": sessionID,
		"event":     res.EventName,
	})
	s.hub.Publish(harness.ObservedSessionEvent, sess.Scope, map[string]any{
		"sessionId": sessionID,
		"event":     res.EventName,
	})
	sess.fanOutEvent("notify", record, nil)
}

// Input writes keyboard bytes when connID may drive the session. Input
// from a non-controller connection is silently dropped.
func (s *Sessions) Input(sess *Session, connID string, data []byte) {
	if !s.mayDrive(sess, connID) {
		return
	}
	if err := sess.host.Write(data); err != nil {
		s.logger.Debug("gateway: input write", "sessionId", sess.ID, "error", err)
		return
	}
	if ctrl := sess.Runtime.Controller(); ctrl != nil {
		sess.Runtime.HandleInput(ctrl.ControllerID)
	} else {
		sess.Runtime.HandleInput("")
	}
}

// Resize changes the terminal size when connID may drive the session.
func (s *Sessions) Resize(sess *Session, connID string, cols, rows int) {
	if !s.mayDrive(sess, connID) {
		return
	}
	if err := sess.host.Resize(cols, rows); err != nil {
		s.logger.Debug("gateway: resize", "sessionId", sess.ID, "error", err)
	}
}

// Signal delivers a protocol signal when connID may drive the session.
func (s *Sessions) Signal(sess *Session, connID string, name string) {
	if !s.mayDrive(sess, connID) {
		return
	}
	if err := sess.host.Signal(name); err != nil {
		s.logger.Debug("gateway: signal", "sessionId", sess.ID, "error", err)
	}
}

// mayDrive reports whether connID may send input, resizes, and signals: an
// unclaimed session accepts anyone, a claimed one only its controller's
// connection.
func (s *Sessions) mayDrive(sess *Session, connID string) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.controllerConn == "" || sess.controllerConn == connID
}

// Claim runs the controller CAS and binds the claim to connID on success.
func (s *Sessions) Claim(sess *Session, connID, controllerID string, ctype harness.ControllerType, label string, takeover bool) harness.ClaimAction {
	action := sess.Runtime.Claim(controllerID, ctype, label, takeover)
	if action == harness.ClaimClaimed {
		sess.mu.Lock()
		sess.controllerConn = connID
		sess.mu.Unlock()
	}
	return action
}

// Release drops the claim when controllerID owns it.
func (s *Sessions) Release(sess *Session, controllerID string) bool {
	if !sess.Runtime.Release(controllerID) {
		return false
	}
	sess.mu.Lock()
	sess.controllerConn = ""
	sess.mu.Unlock()
	return true
}

// Close terminates the child process. The exit callback performs the
// state transition.
func (s *Sessions) Close(sess *Session) {
	if sess.Live() {
		if err := sess.host.Close(); err != nil {
			s.logger.Debug("gateway: close session", "sessionId", sess.ID, "error", err)
		}
	}
}

// Remove closes the session if live and forgets it.
func (s *Sessions) Remove(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	s.Close(sess)
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	return nil
}

// CloseStartedBy closes every live session started by connID. Used in
// embedded mode when the owning client disconnects.
func (s *Sessions) CloseStartedBy(connID string) {
	for _, sess := range s.List(0) {
		if sess.starterID == connID && sess.Live() {
			s.Close(sess)
		}
	}
}

// CloseAll terminates every live session. Called on daemon shutdown.
func (s *Sessions) CloseAll() {
	for _, sess := range s.List(0) {
		s.Close(sess)
	}
}

func (s *Sessions) appendEvent(kind string, scope harness.Scope, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Append(harness.EventEnvelope{
		ID:      harness.NewID(),
		TS:      time.Now().UTC(),
		Kind:    kind,
		Scope:   scope,
		Payload: payload,
	})
}
