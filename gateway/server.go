// Package gateway implements the harness daemon: a TCP server speaking the
// line-JSON protocol, the per-session runtime wiring, and the observed-event
// hub. One gateway serves many clients; each client connection gets a
// dedicated reader and writer goroutine.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmoyers/harness-sub010/observer"
	"github.com/jmoyers/harness-sub010/protocol"
	"github.com/jmoyers/harness-sub010/state"

	harness "github.com/jmoyers/harness-sub010"
)

const (
	// authDeadline bounds how long an unauthenticated connection may sit
	// before its first envelope.
	authDeadline = 5 * time.Second
	// connQueue is the per-connection outbound envelope queue. A client
	// that cannot drain this is dropped rather than allowed to backpressure
	// the PTY read loops.
	connQueue = 256
	// writeTimeout bounds a single write to a client socket.
	writeTimeout = 10 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithAuthToken requires every connection to authenticate first. Empty
// disables auth (loopback-only deployments).
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

// WithInstruments wires OTEL instruments. Nil is fine.
func WithInstruments(in *observer.Instruments) ServerOption {
	return func(s *Server) { s.obs = in }
}

// WithCloseLiveSessionsOnClientStop puts the server in embedded mode:
// sessions started by a connection are closed when that connection goes
// away.
func WithCloseLiveSessionsOnClientStop() ServerOption {
	return func(s *Server) { s.closeOnStop = true }
}

// Server is the gateway TCP front end.
type Server struct {
	addr     string
	token    string
	logger   *slog.Logger
	store    state.Store
	sessions *Sessions
	hub      *Hub
	obs      *observer.Instruments

	closeOnStop bool

	ln net.Listener
	wg sync.WaitGroup

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewServer creates a gateway server. store may be nil for tests that only
// exercise sessions and streams.
func NewServer(addr string, hub *Hub, sessions *Sessions, store state.Store, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		logger:   slog.New(discardHandler{}),
		store:    store,
		sessions: sessions,
		hub:      hub,
		conns:    make(map[string]*conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen binds the TCP listener and starts accepting connections.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return harness.Errf(harness.KindInternal, "gateway: listen %s: %v", s.addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("gateway: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Port returns the bound TCP port. Valid after Listen.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener, drops every connection, and closes all live
// sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.sessions.CloseAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("gateway: accept", "error", err)
			continue
		}
		c := newConn(s, nc)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[c.id] = c
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writeLoop()
		}()
		go func() {
			defer s.wg.Done()
			c.readLoop()
		}()
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	if s.closeOnStop {
		s.sessions.CloseStartedBy(c.id)
	}
}

// conn is one client connection. All outbound envelopes funnel through the
// out queue; the writer goroutine owns the socket writes.
type conn struct {
	id  string
	nc  net.Conn
	srv *Server

	out       chan []byte
	closeOnce sync.Once
	closedCh  chan struct{}

	authed bool

	mu          sync.Mutex
	attachments map[string]int // sessionID -> broker handle
	eventSubs   map[string]int // sessionID -> session event handle
	streamSub   int
	streamOn    bool
	keySub      int
	keyOn       bool
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		id:          harness.NewID(),
		nc:          nc,
		srv:         s,
		out:         make(chan []byte, connQueue),
		closedCh:    make(chan struct{}),
		authed:      s.token == "",
		attachments: make(map[string]int),
		eventSubs:   make(map[string]int),
	}
}

// send encodes and enqueues one envelope. A full queue means the client is
// too slow; the connection is dropped.
func (c *conn) send(e protocol.Envelope) {
	line, err := protocol.Encode(e)
	if err != nil {
		c.srv.logger.Error("gateway: encode", "error", err)
		return
	}
	select {
	case c.out <- line:
	case <-c.closedCh:
	default:
		// send can run under a broker or hub lock; close asynchronously so
		// teardown's Detach calls cannot deadlock against that lock.
		c.srv.logger.Warn("gateway: slow client dropped", "conn", c.id)
		go c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.nc.Close()
		c.teardown()
		c.srv.dropConn(c)
	})
}

// teardown detaches every subscription this connection holds.
func (c *conn) teardown() {
	c.mu.Lock()
	attachments := c.attachments
	eventSubs := c.eventSubs
	c.attachments = map[string]int{}
	c.eventSubs = map[string]int{}
	streamOn, streamSub := c.streamOn, c.streamSub
	keyOn, keySub := c.keyOn, c.keySub
	c.streamOn, c.keyOn = false, false
	c.mu.Unlock()

	for sid, handle := range attachments {
		if sess, err := c.srv.sessions.Get(sid); err == nil {
			sess.Broker.Detach(handle)
		}
	}
	for sid, handle := range eventSubs {
		if sess, err := c.srv.sessions.Get(sid); err == nil {
			sess.unsubscribeEvents(handle)
		}
	}
	if streamOn {
		c.srv.hub.Unsubscribe(streamSub)
	}
	if keyOn {
		c.srv.hub.Unsubscribe(keySub)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case line := <-c.out:
			c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(line); err != nil {
				c.close()
				return
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *conn) readLoop() {
	defer c.close()

	if !c.authed {
		c.nc.SetReadDeadline(time.Now().Add(authDeadline))
	}

	dec := protocol.NewDecoder(c.nc)
	for {
		line, err := dec.Next()
		if err != nil {
			return
		}
		env, ok := protocol.Parse(line)
		if !ok {
			c.srv.logger.Debug("gateway: invalid envelope skipped", "conn", c.id)
			continue
		}

		if !c.authed {
			auth, isAuth := env.(protocol.Auth)
			if !isAuth {
				// Dropped without a reply; only the auth deadline closes
				// an unauthenticated connection.
				c.srv.logger.Debug("gateway: envelope before auth dropped", "conn", c.id)
				continue
			}
			if auth.Token != c.srv.token {
				c.send(protocol.AuthError{Error: "authentication required"})
				// Give the writer a moment to flush the refusal.
				time.Sleep(50 * time.Millisecond)
				return
			}
			c.authed = true
			c.nc.SetReadDeadline(time.Time{})
			c.send(protocol.AuthOK{})
			continue
		}

		switch e := env.(type) {
		case protocol.Auth:
			// Redundant auth after success is acknowledged again.
			c.send(protocol.AuthOK{})
		case protocol.Command:
			c.handleCommand(e)
		case protocol.PtyInput:
			c.handlePtyInput(e)
		case protocol.PtyResize:
			if sess, err := c.srv.sessions.Get(e.SessionID); err == nil && sess.Live() {
				c.srv.sessions.Resize(sess, c.id, e.Cols, e.Rows)
			}
		case protocol.PtySignal:
			if sess, err := c.srv.sessions.Get(e.SessionID); err == nil && sess.Live() {
				c.srv.sessions.Signal(sess, c.id, e.Signal)
			}
		default:
			c.srv.logger.Debug("gateway: unexpected envelope", "conn", c.id)
		}
	}
}

func (c *conn) handlePtyInput(e protocol.PtyInput) {
	sess, err := c.srv.sessions.Get(e.SessionID)
	if err != nil || !sess.Live() {
		return
	}
	data, ok := protocol.DecodeBase64(e.DataBase64)
	if !ok {
		return
	}
	c.srv.sessions.Input(sess, c.id, data)
	c.srv.hub.Publish(harness.ObservedSessionKeyEvent, sess.Scope, map[string]any{
		"sessionId": e.SessionID,
		"bytes":     len(data),
	})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
