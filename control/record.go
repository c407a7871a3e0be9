package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

const recordVersion = 1

// GatewayRecord describes a running (or last-known) daemon. It is the
// contract between lifecycle commands across processes.
type GatewayRecord struct {
	Version       int       `json:"version"`
	PID           int       `json:"pid"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	AuthToken     string    `json:"authToken,omitempty"`
	StateDBPath   string    `json:"stateDbPath"`
	StartedAt     time.Time `json:"startedAt"`
	WorkspaceRoot string    `json:"workspaceRoot"`
}

// Addr returns the daemon's dial address.
func (r GatewayRecord) Addr() string {
	return net.JoinHostPort(r.Host, fmt.Sprintf("%d", r.Port))
}

// Validate rejects records that could not describe a reachable, safe
// daemon. Binding beyond loopback without a token would expose the PTYs to
// the network.
func (r GatewayRecord) Validate() error {
	if r.Version != recordVersion {
		return fmt.Errorf("control: record version %d not supported", r.Version)
	}
	if r.PID <= 0 {
		return fmt.Errorf("control: record has no pid")
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("control: record port %d out of range", r.Port)
	}
	if !filepath.IsAbs(r.StateDBPath) {
		return fmt.Errorf("control: record state db path %q not absolute", r.StateDBPath)
	}
	if !isLoopback(r.Host) && r.AuthToken == "" {
		return fmt.Errorf("control: non-loopback host %q requires an auth token", r.Host)
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ReadRecord loads and validates the record at path. A missing file
// returns os.ErrNotExist unwrapped for callers to branch on.
func ReadRecord(path string) (GatewayRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GatewayRecord{}, err
	}
	var rec GatewayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return GatewayRecord{}, fmt.Errorf("control: parse record %s: %w", path, err)
	}
	if err := rec.Validate(); err != nil {
		return GatewayRecord{}, err
	}
	return rec, nil
}

// WriteRecord validates and atomically persists the record.
func WriteRecord(path string, rec GatewayRecord) error {
	rec.Version = recordVersion
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("control: marshal record: %w", err)
	}
	return writeFileAtomic(path, append(data, '\n'), 0o600)
}
