package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoyers/harness-sub010/client"
	"github.com/jmoyers/harness-sub010/protocol"
)

const (
	defaultProbeWindow = 6 * time.Second
	defaultProbeDelay  = 40 * time.Millisecond
)

// probeResult is what a readiness probe learned from the daemon.
type probeResult struct {
	Sessions int
	Live     int
}

// probeOnce dials the daemon and asks for one session. Readiness means the
// listener accepts and the dispatcher answers with a valid envelope.
func probeOnce(ctx context.Context, addr, token string) (probeResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	opts := []client.Option{client.WithRetryWindow(time.Millisecond)}
	if token != "" {
		opts = append(opts, client.WithAuthToken(token))
	}
	c, err := client.Dial(dialCtx, addr, opts...)
	if err != nil {
		return probeResult{}, err
	}
	defer c.Close()

	result, err := c.Call(dialCtx, protocol.SessionListParams{
		Type: protocol.CmdSessionList, Limit: 1,
	})
	if err != nil {
		return probeResult{}, err
	}
	var body struct {
		Sessions []struct {
			Runtime struct {
				Status string `json:"status"`
			} `json:"runtime"`
		} `json:"sessions"`
		Total int `json:"total"`
		Live  int `json:"live"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return probeResult{}, fmt.Errorf("control: probe reply: %w", err)
	}
	return probeResult{Sessions: body.Total, Live: body.Live}, nil
}

// waitReady polls probeOnce until the daemon answers or the window closes.
func waitReady(ctx context.Context, addr, token string, window, delay time.Duration) (probeResult, error) {
	if window <= 0 {
		window = defaultProbeWindow
	}
	if delay <= 0 {
		delay = defaultProbeDelay
	}
	deadline := time.Now().Add(window)
	var last error
	for {
		res, err := probeOnce(ctx, addr, token)
		if err == nil {
			return res, nil
		}
		last = err
		if time.Now().After(deadline) {
			return probeResult{}, fmt.Errorf("control: gateway not ready within %s: %w", window, last)
		}
		select {
		case <-ctx.Done():
			return probeResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}
