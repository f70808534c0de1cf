package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SLACKRELAY_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Slack.Mode != "rtm" || cfg.Dispatch.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if dsn, err := cfg.QueueDSN(); err != nil || dsn != "" {
		t.Fatalf("expected in-process queue by default, got %q (%v)", dsn, err)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	isolateEnv(t)
	path := writeFile(t, t.TempDir(), "slackrelay.yaml", `
server:
  addr: ":9090"
slack:
  mode: events
  bot_tokens: ["xoxb-file"]
rtm:
  ping_interval: 15s
dispatch:
  retry_delay: 250ms
  workers: 2
`)
	t.Setenv("SLACKRELAY_ENVELOPE_WORKERS", "8")
	t.Setenv("SLACKRELAY_BOT_TOKENS", "xoxb-a, ,xoxb-b")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Slack.Mode != "events" {
		t.Fatalf("expected file values, got %+v", cfg.Server)
	}
	if cfg.RTM.PingInterval != 15*time.Second || cfg.Dispatch.RetryDelay != 250*time.Millisecond {
		t.Fatalf("expected durations from file, got %v %v", cfg.RTM.PingInterval, cfg.Dispatch.RetryDelay)
	}
	if cfg.Dispatch.Workers != 8 {
		t.Fatalf("expected env to override file, got %d workers", cfg.Dispatch.Workers)
	}
	if !reflect.DeepEqual(cfg.Slack.BotTokens, []string{"xoxb-a", "xoxb-b"}) {
		t.Fatalf("unexpected bot tokens: %v", cfg.Slack.BotTokens)
	}
	if cfg.RTM.Reconnect != true {
		t.Fatalf("expected defaults to survive a partial file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	isolateEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	envPath := writeFile(t, t.TempDir(), ".env", "SLACKRELAY_TEST_DOTENV_ADDR=:7070\n")
	t.Setenv("SLACKRELAY_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("SLACKRELAY_TEST_DOTENV_ADDR") })

	if _, err := Load(""); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("SLACKRELAY_TEST_DOTENV_ADDR"); got != ":7070" {
		t.Fatalf("expected .env to populate the environment, got %q", got)
	}
}

func TestInvalidEnvFallsBackWithWarning(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SLACKRELAY_ENVELOPE_QUEUE_SIZE", "lots")
	t.Setenv("SLACKRELAY_PING_INTERVAL", "soon")
	t.Setenv("SLACKRELAY_RECONNECT", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.QueueSize != 1024 || cfg.RTM.PingInterval != 30*time.Second || !cfg.RTM.Reconnect {
		t.Fatalf("expected fallbacks, got %+v %+v", cfg.Storage, cfg.RTM)
	}
	if len(cfg.Warnings) != 3 || !strings.Contains(strings.Join(cfg.Warnings, "\n"), `invalid SLACKRELAY_ENVELOPE_QUEUE_SIZE="lots"`) {
		t.Fatalf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SLACKRELAY_MODE", "socket")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestStorageProfileQueueDSN(t *testing.T) {
	cases := []struct {
		profile string
		want    string
	}{
		{"", ""},
		{"custom", ""},
		{"memory", "memory://"},
		{"durable-local", "file://" + filepath.Join("data", "envelope-queue.json")},
		{"production", "postgres://relay@db/slackrelay"},
	}
	for _, tc := range cases {
		got, err := StorageProfileQueueDSN(tc.profile, "data", "postgres://relay@db/slackrelay")
		if err != nil || got != tc.want {
			t.Fatalf("profile %q: expected %q, got %q (%v)", tc.profile, tc.want, got, err)
		}
	}
	if _, err := StorageProfileQueueDSN("production", "data", ""); err == nil {
		t.Fatalf("expected production profile without a DSN to fail")
	}
	if _, err := StorageProfileQueueDSN("cloud", "data", ""); err == nil {
		t.Fatalf("expected unknown profile to fail")
	}
}

func TestExplicitQueueDSNWinsOverProfile(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SLACKRELAY_BACKEND_PROFILE", "memory")
	t.Setenv("SLACKRELAY_ENVELOPE_QUEUE_DSN", "file:///var/lib/slackrelay/queue.json")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dsn, _ := cfg.QueueDSN(); dsn != "file:///var/lib/slackrelay/queue.json" {
		t.Fatalf("expected explicit dsn, got %q", dsn)
	}
}

func TestPostgresDSNFallback(t *testing.T) {
	isolateEnv(t)
	t.Setenv("SLACKRELAY_BACKEND_PROFILE", "production")
	t.Setenv("SLACKRELAY_POSTGRES_DSN", "postgres://fallback/db")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if dsn, _ := cfg.QueueDSN(); dsn != "postgres://fallback/db" {
		t.Fatalf("expected postgres fallback, got %q", dsn)
	}
}

func TestReadTokenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "token", "\n  xoxb-123  \nignored\n")
	token, err := ReadTokenFile(path)
	if err != nil || token != "xoxb-123" {
		t.Fatalf("expected xoxb-123, got %q (%v)", token, err)
	}
	empty := writeFile(t, dir, "empty", "\n\n")
	if _, err := ReadTokenFile(empty); err == nil {
		t.Fatalf("expected empty token file to fail")
	}
}
