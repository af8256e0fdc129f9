package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/wagate.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "wagate.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "wagate.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate.yaml")
	os.WriteFile(path, []byte("upstream:\n  token: ${WAGATE_TEST_TOKEN}\n"), 0600)
	os.Setenv("WAGATE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("WAGATE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Upstream.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Upstream.Token, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8799 {
		t.Errorf("default port = %d, want 8799", cfg.Listen.Port)
	}
	if cfg.Store.CredsDir != "creds" {
		t.Errorf("default creds dir = %q, want %q", cfg.Store.CredsDir, "creds")
	}
	if cfg.Upstream.DialTimeout() != 20*time.Second {
		t.Errorf("default dial timeout = %v, want 20s", cfg.Upstream.DialTimeout())
	}
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wagate.yaml")
	os.WriteFile(path, []byte(`
listen:
  address: 127.0.0.1
  port: 9001
store:
  creds_dir: /var/lib/wagate/creds
  message_log: /var/lib/wagate/msglog.db
upstream:
  url: https://bridge.local:8443
  token: tok
  dial_timeout_sec: 5
reconnect:
  max_attempts: 3
notify:
  url: https://telemetry.local/events
  token: sink-tok
log_level: warn
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1" || cfg.Listen.Port != 9001 {
		t.Errorf("listen = %+v", cfg.Listen)
	}
	if cfg.Store.MessageLog != "/var/lib/wagate/msglog.db" {
		t.Errorf("message_log = %q", cfg.Store.MessageLog)
	}
	if cfg.Upstream.DialTimeout() != 5*time.Second {
		t.Errorf("dial timeout = %v, want 5s", cfg.Upstream.DialTimeout())
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Notify.URL == "" || cfg.Notify.Token != "sink-tok" {
		t.Errorf("notify = %+v", cfg.Notify)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"info", false},
		{"Debug", false},
		{"WARN", false},
		{"warning", false},
		{"error", false},
		{"trace", false},
		{"verbose", true},
	}
	for _, c := range cases {
		_, err := ParseLogLevel(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
		}
	}
}
