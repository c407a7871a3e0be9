// Package config resolves the runtime configuration once at startup:
// defaults, then an optional harness.toml, then HARNESS_* environment
// variables. Env wins.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type RuntimeConfig struct {
	Session      SessionConfig      `toml:"session"`
	ControlPlane ControlPlaneConfig `toml:"control_plane"`
	Database     DatabaseConfig     `toml:"database"`
	Observer     ObserverConfig     `toml:"observer"`

	// InvokeCwd is the directory harness was invoked from; it anchors the
	// workspace hash. Not settable from TOML.
	InvokeCwd string `toml:"-"`
	// ConfigRoot is where workspaces/ lives (XDG config dir by default).
	ConfigRoot string `toml:"-"`
	Term       string `toml:"-"`
}

type SessionConfig struct {
	Name string `toml:"name"`
}

type ControlPlaneConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	AuthToken          string `toml:"auth_token"`
	DBPath             string `toml:"db_path"`
	ConnectRetryWindow int    `toml:"connect_retry_window_ms"`
	ConnectRetryDelay  int    `toml:"connect_retry_delay_ms"`
}

type DatabaseConfig struct {
	// Driver selects the state backend: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// URL is the postgres connection string when driver is "postgres".
	URL string `toml:"url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// RetryWindow returns the connect retry window as a duration.
func (c ControlPlaneConfig) RetryWindow() time.Duration {
	return time.Duration(c.ConnectRetryWindow) * time.Millisecond
}

// RetryDelay returns the pause between connect attempts.
func (c ControlPlaneConfig) RetryDelay() time.Duration {
	return time.Duration(c.ConnectRetryDelay) * time.Millisecond
}

// Default returns a RuntimeConfig with all defaults applied.
func Default() RuntimeConfig {
	cwd, _ := os.Getwd()
	return RuntimeConfig{
		ControlPlane: ControlPlaneConfig{
			Host:               "127.0.0.1",
			Port:               7433,
			ConnectRetryWindow: 6000,
			ConnectRetryDelay:  40,
		},
		Database:   DatabaseConfig{Driver: "sqlite"},
		InvokeCwd:  cwd,
		ConfigRoot: defaultConfigRoot(),
		Term:       os.Getenv("TERM"),
	}
}

func defaultConfigRoot() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "harness")
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".config", "harness")
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) RuntimeConfig {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.ConfigRoot, "harness.toml")
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("HARNESS_INVOKE_CWD"); v != "" {
		cfg.InvokeCwd = v
	}
	if v := os.Getenv("HARNESS_SESSION_NAME"); v != "" {
		cfg.Session.Name = v
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_HOST"); v != "" {
		cfg.ControlPlane.Host = v
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p >= 1 && p <= 65535 {
			cfg.ControlPlane.Port = p
		}
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_AUTH_TOKEN"); v != "" {
		cfg.ControlPlane.AuthToken = v
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_DB_PATH"); v != "" {
		cfg.ControlPlane.DBPath = v
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_CONNECT_RETRY_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ControlPlane.ConnectRetryWindow = ms
		}
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_CONNECT_RETRY_DELAY_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.ControlPlane.ConnectRetryDelay = ms
		}
	}
	if v := os.Getenv("TERM"); v != "" {
		cfg.Term = v
	}
	return cfg
}
