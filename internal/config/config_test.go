package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return p
}

func TestLoadLineConfig(t *testing.T) {
	p := writeFile(t, "line.yaml", `
version: 1
line:
  id: line-a
network:
  api_port: 9090
sorting:
  mode: round_robin
  round_robin_chutes: [1, 2, 3]
  upstream_timeout_ms: 150
  reroute:
    enabled: false
    max_path_age_ms: 0
storage:
  results: sqlite
  sqlite_path: /tmp/results.db
`)
	cfg, err := LoadLineConfig(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Line.ID != "line-a" {
		t.Errorf("got line id %q", cfg.Line.ID)
	}
	if cfg.APIPort() != 9090 {
		t.Errorf("got api port %d", cfg.APIPort())
	}
	if got := cfg.Sorting.RoundRobinChutes; len(got) != 3 || got[2] != 3 {
		t.Errorf("unexpected round robin chutes %v", got)
	}
	if cfg.UpstreamTimeout() != 150*time.Millisecond {
		t.Errorf("got upstream timeout %s", cfg.UpstreamTimeout())
	}
	if cfg.RerouteEnabled() {
		t.Error("expected reroute disabled")
	}
	if cfg.MaxPathAge() != 0 {
		t.Errorf("expected staleness check disabled, got %s", cfg.MaxPathAge())
	}
	if cfg.ResultStore() != "sqlite" {
		t.Errorf("got result store %q", cfg.ResultStore())
	}
}

func TestLoadLineConfigDefaults(t *testing.T) {
	cfg, err := LoadLineConfig(writeFile(t, "line.yaml", "version: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sorting.Mode != "upstream" {
		t.Errorf("expected upstream mode by default, got %q", cfg.Sorting.Mode)
	}
	if cfg.APIPort() != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.APIPort())
	}
	if cfg.UpstreamTimeout() != 5*time.Second {
		t.Errorf("expected 5s upstream timeout, got %s", cfg.UpstreamTimeout())
	}
	if !cfg.RerouteEnabled() || cfg.Sorting.Reroute.Execute {
		t.Error("expected reroute planning on and execution off by default")
	}
	if cfg.MaxPathAge() != 30*time.Second {
		t.Errorf("expected 30s max path age, got %s", cfg.MaxPathAge())
	}
	if cfg.WheelTimeout() != 2*time.Second {
		t.Errorf("expected 2s wheel timeout, got %s", cfg.WheelTimeout())
	}
	if cfg.ResultStore() != "none" {
		t.Errorf("expected no result store, got %q", cfg.ResultStore())
	}
}

func TestLoadLineConfigRejectsVersion(t *testing.T) {
	if _, err := LoadLineConfig(writeFile(t, "line.yaml", "version: 2\n")); err == nil {
		t.Fatal("expected version error")
	}
}

func TestLoadLineConfigRejectsStore(t *testing.T) {
	p := writeFile(t, "line.yaml", "version: 1\nstorage:\n  results: redis\n")
	if _, err := LoadLineConfig(p); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SORTER_MODE", "fixed")
	t.Setenv("SORTER_UPSTREAM_TIMEOUT", "250ms")
	t.Setenv("SORTER_API_PORT", "7000")
	t.Setenv("SORTER_REROUTE_EXECUTE", "true")

	cfg, err := LoadLineConfig(writeFile(t, "line.yaml", "version: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sorting.Mode != "fixed" {
		t.Errorf("got mode %q", cfg.Sorting.Mode)
	}
	if cfg.UpstreamTimeout() != 250*time.Millisecond {
		t.Errorf("got upstream timeout %s", cfg.UpstreamTimeout())
	}
	if cfg.APIPort() != 7000 {
		t.Errorf("got port %d", cfg.APIPort())
	}
	if !cfg.Sorting.Reroute.Execute {
		t.Error("expected reroute execution enabled")
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Setenv("SORTER_API_PORT", "eighty")
	cfg := &LineConfig{Version: 1}
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION_MS", "120")
	d, err := EnvDuration("TEST_DURATION_MS", time.Second)
	if err != nil || d != 120*time.Millisecond {
		t.Errorf("got %s, %v", d, err)
	}
	d, err = EnvDuration("TEST_DURATION_UNSET", time.Second)
	if err != nil || d != time.Second {
		t.Errorf("got %s, %v", d, err)
	}
	t.Setenv("TEST_DURATION_BAD", "soon")
	if _, err := EnvDuration("TEST_DURATION_BAD", time.Second); err == nil {
		t.Error("expected parse error")
	}
}
