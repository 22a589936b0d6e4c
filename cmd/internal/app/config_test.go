package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRelayConfig(t *testing.T) {
	t.Setenv("PAIRLINE_RELAY_ADDR", ":9999")
	t.Setenv("PAIRLINE_HTTP_READ_TIMEOUT", "3s")
	t.Setenv("PAIRLINE_HTTP_WRITE_TIMEOUT", "-1s")
	t.Setenv("PAIRLINE_DB_MAX_CONNS", "4")
	t.Setenv("PAIRLINE_DB_MIN_CONNS", "-2")
	t.Setenv("PAIRLINE_READINESS_REQUIRE_DB", "true")
	t.Setenv("PAIRLINE_RELAY_REQUIRE_AUTH", "true")

	cfg := LoadRelayConfig()
	if cfg.HTTPAddr != ":9999" || cfg.ReadTimeout != 3*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.WriteTimeout != 15*time.Second {
		t.Fatalf("invalid duration should keep default, got %v", cfg.WriteTimeout)
	}
	if cfg.DBMaxConns != 4 || cfg.DBMinConns != 0 {
		t.Fatalf("conns=%d/%d", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if !cfg.ReadinessRequireDB || !cfg.Gateway.RequireAuth || !cfg.REST.RequireAuth {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if cfg.DBSchema != "pairline" || cfg.LogFormat != "json" {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestLoadClientConfig_Defaults(t *testing.T) {
	t.Setenv("PAIRLINE_BASE_URL", "")
	t.Setenv("PAIRLINE_HTTP_TIMEOUT", "")
	t.Setenv("PAIRLINE_LOG_LEVEL", "")

	cfg := LoadClientConfig()
	if cfg.BaseURL != "http://127.0.0.1:8080" || cfg.HTTPTimeout != 10*time.Second || cfg.LogLevel != "warn" {
		t.Fatalf("defaults=%+v", cfg)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const (
		fromFile = "PAIRLINE_TEST_DOTENV_FROM_FILE"
		preset   = "PAIRLINE_TEST_DOTENV_PRESET"
	)
	t.Setenv(preset, "env")
	t.Cleanup(func() { _ = os.Unsetenv(fromFile) })

	path := filepath.Join(t.TempDir(), ".env")
	body := fromFile + "=file\n" + preset + "=file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(fromFile); got != "file" {
		t.Fatalf("%s=%q", fromFile, got)
	}
	if got := os.Getenv(preset); got != "env" {
		t.Fatalf("existing env must win, got %q", got)
	}
}
