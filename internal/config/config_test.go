package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every override this package reads so tests do not inherit
// the developer's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"INBOXD_PORT", "INBOXD_API_TOKEN", "INBOXD_ERROR_DB",
		"INBOXD_MAX_IN_MEMORY", "INBOXD_SWEEP_INTERVAL",
		"INBOXD_RETENTION_DAYS", "INBOXD_LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	// Point XDG at an empty directory so no real user config is picked up.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", filepath.Join(t.TempDir(), "data"))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("token should default empty, got %q", cfg.Server.APIToken)
	}
	if !strings.HasSuffix(cfg.Storage.ErrorDBPath, filepath.Join("inboxd", "errors.db")) {
		t.Errorf("db path = %q", cfg.Storage.ErrorDBPath)
	}
	if cfg.Cache.MaxInMemory != 100 {
		t.Errorf("max in memory = %d, want 100", cfg.Cache.MaxInMemory)
	}
	if cfg.Recovery.BaseDelay != time.Second || cfg.Recovery.MaxDelay != 60*time.Second {
		t.Errorf("backoff defaults wrong: %+v", cfg.Recovery)
	}
	if cfg.Recovery.RateLimitBaseDelay != 5*time.Second {
		t.Errorf("rate limit base = %v, want 5s", cfg.Recovery.RateLimitBaseDelay)
	}
	if cfg.Retention.SweepInterval != 6*time.Hour || cfg.Retention.OlderThanDays != 30 {
		t.Errorf("retention defaults wrong: %+v", cfg.Retention)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 5700
  api_token: secret
storage:
  error_db_path: /tmp/custom-errors.db
cache:
  max_in_memory: 25
retention:
  older_than_days: 7
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 5700 || cfg.Server.APIToken != "secret" {
		t.Errorf("server config not applied: %+v", cfg.Server)
	}
	if cfg.Storage.ErrorDBPath != "/tmp/custom-errors.db" {
		t.Errorf("db path = %q", cfg.Storage.ErrorDBPath)
	}
	if cfg.Cache.MaxInMemory != 25 {
		t.Errorf("max in memory = %d", cfg.Cache.MaxInMemory)
	}
	if cfg.Retention.OlderThanDays != 7 {
		t.Errorf("retention days = %d", cfg.Retention.OlderThanDays)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	// Fields the file omits keep their defaults.
	if cfg.Recovery.BaseDelay != time.Second {
		t.Errorf("base delay = %v, want default 1s", cfg.Recovery.BaseDelay)
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestLoadMissingDefaultPathIsFine(t *testing.T) {
	clearEnv(t)

	if _, err := Load(""); err != nil {
		t.Fatalf("Load with no config file: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("INBOXD_PORT", "9999")
	t.Setenv("INBOXD_API_TOKEN", "env-token")
	t.Setenv("INBOXD_ERROR_DB", "/tmp/env-errors.db")
	t.Setenv("INBOXD_MAX_IN_MEMORY", "10")
	t.Setenv("INBOXD_SWEEP_INTERVAL", "1h")
	t.Setenv("INBOXD_RETENTION_DAYS", "14")
	t.Setenv("INBOXD_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 || cfg.Server.APIToken != "env-token" {
		t.Errorf("server env overrides not applied: %+v", cfg.Server)
	}
	if cfg.Storage.ErrorDBPath != "/tmp/env-errors.db" {
		t.Errorf("db path = %q", cfg.Storage.ErrorDBPath)
	}
	if cfg.Cache.MaxInMemory != 10 {
		t.Errorf("max in memory = %d", cfg.Cache.MaxInMemory)
	}
	if cfg.Retention.SweepInterval != time.Hour || cfg.Retention.OlderThanDays != 14 {
		t.Errorf("retention overrides not applied: %+v", cfg.Retention)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("INBOXD_PORT", "7001")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port = %d, want env value 7001", cfg.Server.Port)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"port out of range", "server:\n  port: 70000\n"},
		{"zero port", "server:\n  port: 0\n"},
		{"empty db path", "storage:\n  error_db_path: \"\"\n"},
		{"bad log level", "log:\n  level: verbose\n"},
		{"zero retention days", "retention:\n  older_than_days: 0\n"},
		{"negative base delay", "recovery:\n  base_delay: -1\n"},
		{"negative max delay", "recovery:\n  max_delay: -1\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
