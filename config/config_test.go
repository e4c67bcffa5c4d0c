package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

var keys = []string{
	"PORT", "DATABASE_PATH", "JWT_SECRET", "TOKEN_TTL", "REDIS_URL", "REDIS_CHANNEL",
	"ALLOWED_ORIGINS", "API_URL", "SOCKET_URL", "BOARDSYNC_TOKEN", "LOG_LEVEL", "DEBUG",
	"SHUTDOWN_TIMEOUT_SECONDS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3001 || cfg.DatabasePath != "boardsync.db" || cfg.TokenTTL != 7*24*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.APIURL != "http://localhost:3001" || cfg.SocketURL != "ws://localhost:3001/api/ws" {
		t.Fatalf("unexpected urls %q %q", cfg.APIURL, cfg.SocketURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.LogLevel != log.InfoLevel {
		t.Fatalf("unexpected origins or level %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("API_URL", "https://boards.example.com/")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketURL != "wss://boards.example.com/api/ws" {
		t.Fatalf("unexpected socket url %q", cfg.SocketURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %q", cfg.AllowedOrigins)
	}
	if cfg.TokenTTL != 90*time.Minute || cfg.LogLevel != log.DebugLevel {
		t.Fatalf("unexpected ttl or level %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                     "abc",
		"TOKEN_TTL":                "soon",
		"LOG_LEVEL":                "chatty",
		"SOCKET_URL":               "http://localhost/api/ws",
		"SHUTDOWN_TIMEOUT_SECONDS": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestLoadEnvDoesNotOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("PORT=9000\nDATABASE_PATH=\"from-file.db\"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	os.Unsetenv("DATABASE_PATH")
	t.Setenv("PORT", "7000")

	LoadEnv(path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7000 || cfg.DatabasePath != "from-file.db" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
