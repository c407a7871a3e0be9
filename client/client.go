// Package client provides the gateway client: a line-JSON connection with
// request/response demultiplexing, the serialized op queue UIs drive their
// work through, and the startup sequencer that decides when a freshly
// spawned agent session is ready for input.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	harness "github.com/jmoyers/harness-sub010"
	"github.com/jmoyers/harness-sub010/protocol"
)

const (
	defaultRetryWindow = 6 * time.Second
	defaultRetryDelay  = 40 * time.Millisecond
	defaultCallTimeout = 30 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthToken authenticates the connection before the first command.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetryWindow sets how long Dial keeps retrying a refused connection.
func WithRetryWindow(d time.Duration) Option {
	return func(c *Client) { c.retryWindow = d }
}

// WithRetryDelay sets the pause between connection attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

type callResult struct {
	result []byte
	cerr   *protocol.CommandError
}

// Client is one authenticated gateway connection. Safe for concurrent use;
// all writes serialize through writeMu and all inbound envelopes flow
// through the demux goroutine.
type Client struct {
	addr        string
	token       string
	logger      *slog.Logger
	retryWindow time.Duration
	retryDelay  time.Duration

	nc      net.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan callResult
	listeners map[int]func(protocol.Envelope)
	nextID    int
	closed    bool

	done chan struct{}
}

// Dial connects to a gateway, retrying refused connections for the retry
// window, and authenticates when a token is set.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		logger:      slog.New(discardHandler{}),
		retryWindow: defaultRetryWindow,
		retryDelay:  defaultRetryDelay,
		pending:     make(map[string]chan callResult),
		listeners:   make(map[int]func(protocol.Envelope)),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	var nc net.Conn
	var err error
	deadline := time.Now().Add(c.retryWindow)
	for {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("client: dial %s: %w", addr, ctx.Err())
		case <-time.After(c.retryDelay):
		}
	}
	c.nc = nc

	if c.token != "" {
		if err := c.authenticate(ctx); err != nil {
			nc.Close()
			return nil, err
		}
	}

	go c.demux()
	return c, nil
}

// authenticate runs the auth exchange synchronously before demux starts.
func (c *Client) authenticate(ctx context.Context) error {
	if err := c.writeEnvelope(protocol.Auth{Token: c.token}); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	defer c.nc.SetReadDeadline(time.Time{})

	dec := protocol.NewDecoder(c.nc)
	line, err := dec.Next()
	if err != nil {
		return fmt.Errorf("client: auth read: %w", err)
	}
	switch env := mustParse(line).(type) {
	case protocol.AuthOK:
		return nil
	case protocol.AuthError:
		return fmt.Errorf("client: auth rejected: %s", env.Error)
	default:
		return fmt.Errorf("client: unexpected auth reply")
	}
}

func mustParse(line []byte) protocol.Envelope {
	env, ok := protocol.Parse(line)
	if !ok {
		return nil
	}
	return env
}

// Close tears down the connection. In-flight calls fail.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.nc.Close()
	<-c.done
}

// Done is closed when the demux loop exits (connection lost or Close).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) writeEnvelope(e protocol.Envelope) error {
	line, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(line); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Send transmits a fire-and-forget envelope (pty.input, pty.resize,
// pty.signal).
func (c *Client) Send(e protocol.Envelope) error {
	return c.writeEnvelope(e)
}

// Call sends a command and blocks until its terminal reply. A
// command.failed reply surfaces as *harness.Error carrying the stable
// kind.
func (c *Client) Call(ctx context.Context, params any) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := harness.NewID()
	cmd, err := protocol.NewCommand(id, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeEnvelope(cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.cerr != nil {
			return nil, harness.Errf(res.cerr.Kind, "%s", res.cerr.Message)
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("client: call %s: %w", cmd.Type, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("client: connection lost")
	}
}

// Listen registers fn for every non-reply envelope (pty.output, pty.event,
// pty.exit, stream.event). Returns a handle for Unlisten.
func (c *Client) Listen(fn func(protocol.Envelope)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return id
}

// Unlisten removes a listener.
func (c *Client) Unlisten(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

func (c *Client) demux() {
	defer close(c.done)
	dec := protocol.NewDecoder(c.nc)
	for {
		line, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("client: read", "error", err)
			}
			return
		}
		env, ok := protocol.Parse(line)
		if !ok {
			c.logger.Debug("client: invalid envelope skipped")
			continue
		}

		switch e := env.(type) {
		case protocol.CommandAccepted:
			// Acknowledgement only; the terminal reply resolves the call.
		case protocol.CommandCompleted:
			c.resolve(e.CommandID, callResult{result: e.Result})
		case protocol.CommandFailed:
			cerr := e.Error
			c.resolve(e.CommandID, callResult{cerr: &cerr})
		default:
			c.mu.Lock()
			fns := make([]func(protocol.Envelope), 0, len(c.listeners))
			for _, fn := range c.listeners {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn(env)
			}
		}
	}
}

func (c *Client) resolve(commandID string, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[commandID]
	delete(c.pending, commandID)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
