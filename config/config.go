package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Port         int
	DatabasePath string
	JWTSecret    string
	TokenTTL     time.Duration

	RedisURL     string
	RedisChannel string

	AllowedOrigins []string

	// Client side of the sync channel, used by the watch command.
	APIURL    string
	SocketURL string
	Token     string

	LogLevel               log.Level
	ShutdownTimeoutSeconds int
}

// LoadEnv reads a .env file into the environment if one exists. Variables
// already set win over the file.
func LoadEnv(filenames ...string) {
	if err := godotenv.Load(filenames...); err != nil {
		log.Debug(".env file not found, using environment variables")
	}
}

func Load() (Config, error) {
	port, err := getEnvAsInt("PORT", 3001)
	if err != nil {
		return Config{}, err
	}
	ttl, err := getEnvAsDuration("TOKEN_TTL", 7*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	shutdown, err := getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	level, err := logLevel()
	if err != nil {
		return Config{}, err
	}

	apiURL := strings.TrimRight(getEnv("API_URL", fmt.Sprintf("http://localhost:%d", port)), "/")
	cfg := Config{
		Port:                   port,
		DatabasePath:           getEnv("DATABASE_PATH", "boardsync.db"),
		JWTSecret:              getEnv("JWT_SECRET", "your-default-secret-key-change-in-production"),
		TokenTTL:               ttl,
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisChannel:           getEnv("REDIS_CHANNEL", "boardsync:rooms"),
		AllowedOrigins:         splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		APIURL:                 apiURL,
		SocketURL:              getEnv("SOCKET_URL", socketURL(apiURL)),
		Token:                  getEnv("BOARDSYNC_TOKEN", ""),
		LogLevel:               level,
		ShutdownTimeoutSeconds: shutdown,
	}
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be greater than 0")
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be greater than 0")
	}
	if !strings.HasPrefix(cfg.SocketURL, "ws://") && !strings.HasPrefix(cfg.SocketURL, "wss://") {
		return fmt.Errorf("SOCKET_URL must be a ws:// or wss:// url, got %q", cfg.SocketURL)
	}
	return nil
}

// socketURL derives the websocket endpoint from the REST base url.
func socketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://") + "/api/ws"
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://") + "/api/ws"
	}
	return apiURL + "/api/ws"
}

// logLevel honours LOG_LEVEL, with DEBUG=true as a shortcut.
func logLevel() (log.Level, error) {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		return log.DebugLevel, nil
	}
	level, err := log.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) (int, error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid integer value for %s: %q", key, v)
		}
		return i, nil
	}
	return defaultVal, nil
}

func getEnvAsDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration value for %s: %q", key, v)
		}
		return d, nil
	}
	return defaultVal, nil
}
