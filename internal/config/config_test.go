package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
gateway:
  max_capture_bytes: 2097152
  providers:
    openai:
      base_url: https://api.openai.com
      timeout_ms: 60000
similarity:
  same_threshold: 0.9
`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q, want %q", cfg.Database.DSN, ":memory:")
	}
	if cfg.Gateway.MaxCaptureBytes != 2097152 {
		t.Errorf("max_capture_bytes = %d, want 2097152", cfg.Gateway.MaxCaptureBytes)
	}
	if got := cfg.Gateway.Providers["openai"].BaseURL; got != "https://api.openai.com" {
		t.Errorf("provider base_url = %q", got)
	}
	if cfg.Similarity.SameThreshold != 0.9 {
		t.Errorf("same_threshold = %v, want 0.9", cfg.Similarity.SameThreshold)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q, want %q", string(result), "key: sk-secret-123")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Database.DSN != "codepromptu.db" {
		t.Errorf("default dsn = %q, want %q", cfg.Database.DSN, "codepromptu.db")
	}
	if cfg.Similarity.SameThreshold != 0.95 || cfg.Similarity.ForkThreshold != 0.70 {
		t.Errorf("default thresholds = %v/%v", cfg.Similarity.SameThreshold, cfg.Similarity.ForkThreshold)
	}
	if cfg.Gateway.MaxCaptureBytes != 1<<20 {
		t.Errorf("default max_capture_bytes = %d, want %d", cfg.Gateway.MaxCaptureBytes, 1<<20)
	}
}

func TestLoadFallbackTTLEnvOverride(t *testing.T) {
	t.Setenv("FALLBACK_TTL_MS", "5000")

	yaml := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.FallbackTTL.Milliseconds() != 5000 {
		t.Errorf("fallback ttl = %v, want 5s", cfg.Gateway.FallbackTTL)
	}
}
