//go:build unix

package ptyhost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Relay listens on a workspace-scoped unix socket for hook events emitted
// by agent notification scripts. Each line is one JSON object carrying at
// least a sessionId; the remaining keys are the raw hook record.
type Relay struct {
	listener net.Listener
	logger   *slog.Logger
	deliver  func(sessionID string, record map[string]any)
}

// NewRelay binds the socket at path, replacing any stale socket file.
func NewRelay(path string, deliver func(sessionID string, record map[string]any), logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ptyhost: relay listen %q: %w", path, err)
	}
	r := &Relay{listener: ln, logger: logger, deliver: deliver}
	go r.acceptLoop()
	return r, nil
}

// Close stops the listener and removes the socket file.
func (r *Relay) Close() error {
	return r.listener.Close()
}

func (r *Relay) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}
		go r.readConn(conn)
	}
}

func (r *Relay) readConn(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			r.logger.Debug("ptyhost: relay skip invalid line", "error", err)
			continue
		}
		sid, _ := record["sessionId"].(string)
		if sid == "" {
			r.logger.Debug("ptyhost: relay event without sessionId")
			continue
		}
		delete(record, "sessionId")
		r.deliver(sid, record)
	}
}
