package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty", raw: "", want: 0},
		{name: "seconds", raw: "12s", want: 12 * time.Second},
		{name: "millis", raw: "500ms", want: 500 * time.Millisecond},
		{name: "negative", raw: "-1s", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("watcher.interval", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("telegram.poll_timeout", "", 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10*time.Second {
		t.Fatalf("got %v, want default 10s", got)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "audit_chat_id": -100200, "poll_timeout": "10s"},
		"logging": {"level": "INFO", "console": true, "file": {"enabled": false, "path": ""}},
		"watcher": {"interval": "12s", "jitter": "2s"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Telegram.AuditChatID != -100200 {
		t.Fatalf("audit_chat_id = %d", cfg.Telegram.AuditChatID)
	}
	if cfg.Watcher.Interval != "12s" {
		t.Fatalf("watcher.interval = %q", cfg.Watcher.Interval)
	}
}

func TestManagerParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  audit_chat_id: -100200
  poll_timeout: 10s
logging:
  level: DEBUG
  console: true
  file:
    enabled: true
    path: ./relay.log
sessions:
  idle_ttl: 24h
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "./relay.log" {
		t.Fatalf("logging.file = %+v", cfg.Logging.File)
	}
	if cfg.Sessions.IdleTTL != "24h" {
		t.Fatalf("sessions.idle_ttl = %q", cfg.Sessions.IdleTTL)
	}
}

func TestManagerParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}, "nope": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}
