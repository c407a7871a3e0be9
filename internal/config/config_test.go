package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ControlPlane.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.ControlPlane.Host)
	}
	if cfg.ControlPlane.Port != 7433 {
		t.Errorf("port = %d", cfg.ControlPlane.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.ControlPlane.RetryWindow().Milliseconds() != 6000 {
		t.Errorf("retry window = %v", cfg.ControlPlane.RetryWindow())
	}
}

func TestTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.toml")
	body := `
[control_plane]
host = "0.0.0.0"
port = 9000
auth_token = "toml-token"

[database]
driver = "postgres"
url = "postgres://localhost/harness"

[observer]
enabled = true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.ControlPlane.Host != "0.0.0.0" || cfg.ControlPlane.Port != 9000 {
		t.Errorf("control plane = %+v", cfg.ControlPlane)
	}
	if cfg.ControlPlane.AuthToken != "toml-token" {
		t.Errorf("token = %q", cfg.ControlPlane.AuthToken)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.URL == "" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if !cfg.Observer.Enabled {
		t.Error("observer not enabled")
	}
}

func TestEnvWinsOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.toml")
	if err := os.WriteFile(path, []byte("[control_plane]\nport = 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HARNESS_CONTROL_PLANE_PORT", "9001")
	t.Setenv("HARNESS_CONTROL_PLANE_AUTH_TOKEN", "env-token")
	t.Setenv("HARNESS_SESSION_NAME", "review")
	t.Setenv("HARNESS_INVOKE_CWD", "/srv/project")

	cfg := Load(path)
	if cfg.ControlPlane.Port != 9001 {
		t.Errorf("port = %d, want env override", cfg.ControlPlane.Port)
	}
	if cfg.ControlPlane.AuthToken != "env-token" {
		t.Errorf("token = %q", cfg.ControlPlane.AuthToken)
	}
	if cfg.Session.Name != "review" {
		t.Errorf("session = %q", cfg.Session.Name)
	}
	if cfg.InvokeCwd != "/srv/project" {
		t.Errorf("invoke cwd = %q", cfg.InvokeCwd)
	}
}

func TestBadEnvValuesIgnored(t *testing.T) {
	t.Setenv("HARNESS_CONTROL_PLANE_PORT", "not-a-port")
	t.Setenv("HARNESS_CONTROL_PLANE_CONNECT_RETRY_DELAY_MS", "-5")
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.ControlPlane.Port != 7433 {
		t.Errorf("port = %d, want default", cfg.ControlPlane.Port)
	}
	if cfg.ControlPlane.ConnectRetryDelay != 40 {
		t.Errorf("retry delay = %d, want default", cfg.ControlPlane.ConnectRetryDelay)
	}
}

func TestXDGConfigRoot(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	cfg := Default()
	if cfg.ConfigRoot != "/tmp/xdg/harness" {
		t.Errorf("config root = %q", cfg.ConfigRoot)
	}
}
