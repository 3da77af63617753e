package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAHUB_SYSTEM_WORKER_DIR", dir)

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Reconnect.BaseDelay != 15*time.Second || cfg.Reconnect.MaxAttempts != 3 {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.MaxDelay != 60*time.Second || cfg.Reconnect.Multiplier != 2 {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg.Reconnect)
	}
	if cfg.Dedup.TTL != 300*time.Second {
		t.Fatalf("dedup ttl = %v", cfg.Dedup.TTL)
	}
	if cfg.Media.InlineMaxBytes != 5*1024*1024 {
		t.Fatalf("inline cap = %d", cfg.Media.InlineMaxBytes)
	}
	if cfg.Webhook.Timeout != 10*time.Second || cfg.Webhook.MaxAttempts != 3 {
		t.Fatalf("unexpected webhook defaults: %+v", cfg.Webhook)
	}
	if !cfg.Message.IgnoreGroups {
		t.Fatal("ignore_groups should default to true")
	}
	if _, err := os.Stat(cfg.GetLogDir()); err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wahub.yml")
	content := `
system:
  workdir: ` + dir + `
reconnect:
  base_delay: 10s
  max_attempts: 5
webhook:
  token: file-token
  endpoints:
    - name: crm
      url: http://crm.local/hook
      events: [message]
qrcode:
  size: 256
`
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WAHUB_WEBHOOK_TOKEN", "env-token")
	t.Setenv("WAHUB_RECONNECT_MULTIPLIER", "1.5")

	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Reconnect.BaseDelay != 10*time.Second || cfg.Reconnect.MaxAttempts != 5 {
		t.Fatalf("file values not applied: %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.MaxDelay != 60*time.Second {
		t.Fatalf("unset field should keep default, got %v", cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.Multiplier != 1.5 {
		t.Fatalf("env multiplier not applied: %v", cfg.Reconnect.Multiplier)
	}
	if cfg.Webhook.Token != "env-token" {
		t.Fatalf("env token not applied: %q", cfg.Webhook.Token)
	}
	if len(cfg.Webhook.Endpoints) != 1 || cfg.Webhook.Endpoints[0].Events[0] != "message" {
		t.Fatalf("endpoints = %+v", cfg.Webhook.Endpoints)
	}
	if cfg.QRCode.Size != 256 || cfg.QRCode.Margin != 2 {
		t.Fatalf("qrcode = %+v", cfg.QRCode)
	}
}

func TestWebhookEndpointFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WAHUB_SYSTEM_WORKER_DIR", dir)
	t.Setenv("WAHUB_WEBHOOK_URL", "http://example.test/hook")
	t.Setenv("WAHUB_WEBHOOK_EVENTS", "qr,connection")

	cfg, err := LoadConfig(filepath.Join(dir, "none.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Webhook.Endpoints) != 1 {
		t.Fatalf("endpoints = %+v", cfg.Webhook.Endpoints)
	}
	ep := cfg.Webhook.Endpoints[0]
	if ep.URL != "http://example.test/hook" || len(ep.Events) != 2 || ep.Events[1] != "connection" {
		t.Fatalf("endpoint = %+v", ep)
	}
}
