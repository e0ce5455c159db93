// Package config loads daemon configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string

	RemoteBaseURL string
	RemoteFeedURL string

	StateBackendDSN string
	QueueDSN        string

	TokenPath    string
	SettingsPath string

	UserID string

	SyncInterval  time.Duration
	LedgerTTL     time.Duration
	ActivityTTL   time.Duration
	CallTimeout   time.Duration
	MaxDroppedLog int
}

// Load reads FLOWSYNC_* variables, layering in a .env file when present.
// Real environment variables win over .env entries.
func Load() (Config, error) {
	if path := strings.TrimSpace(os.Getenv("FLOWSYNC_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	} else {
		// Best effort; a missing .env is the normal case.
		_ = godotenv.Load()
	}

	cfg := Config{
		Addr:            stringEnv("FLOWSYNC_ADDR", "127.0.0.1:7600"),
		RemoteBaseURL:   stringEnv("FLOWSYNC_REMOTE_URL", "http://127.0.0.1:8080"),
		RemoteFeedURL:   stringEnv("FLOWSYNC_REMOTE_FEED_URL", "ws://127.0.0.1:8080/v1/changes"),
		StateBackendDSN: strings.TrimSpace(os.Getenv("FLOWSYNC_STATE_BACKEND_DSN")),
		QueueDSN:        strings.TrimSpace(os.Getenv("FLOWSYNC_QUEUE_DSN")),
		TokenPath:       strings.TrimSpace(os.Getenv("FLOWSYNC_TOKEN_PATH")),
		SettingsPath:    strings.TrimSpace(os.Getenv("FLOWSYNC_SETTINGS_PATH")),
		UserID:          strings.TrimSpace(os.Getenv("FLOWSYNC_USER_ID")),
		SyncInterval:    durationEnv("FLOWSYNC_SYNC_INTERVAL", 0),
		LedgerTTL:       durationEnv("FLOWSYNC_LEDGER_TTL", 0),
		ActivityTTL:     durationEnv("FLOWSYNC_ACTIVITY_TTL", 0),
		CallTimeout:     durationEnv("FLOWSYNC_CALL_TIMEOUT", 0),
		MaxDroppedLog:   intEnv("FLOWSYNC_MAX_DROPPED_LOG", 0),
	}

	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyProfile fills the backend DSNs from FLOWSYNC_BACKEND_PROFILE when
// they were not set explicitly. Explicit DSNs always win.
func (c *Config) applyProfile() error {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("FLOWSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("FLOWSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".flowsync"
	}

	var stateDSN, queueDSN string
	switch profile {
	case "", "custom":
		stateDSN = "file://" + filepath.Join(dataDir, "state.json")
		queueDSN = "file://" + filepath.Join(dataDir, "queue.json")
	case "memory", "inmemory":
		stateDSN = "memory://"
		queueDSN = "memory://"
	case "sqlite", "durable-local", "local-durable":
		stateDSN = "sqlite://" + filepath.Join(dataDir, "flowsync.db")
		queueDSN = "sqlite://" + filepath.Join(dataDir, "flowsync.db")
	case "production", "prod", "postgres":
		dsn := strings.TrimSpace(os.Getenv("FLOWSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return fmt.Errorf("FLOWSYNC_POSTGRES_DSN is required when FLOWSYNC_BACKEND_PROFILE=%s", profile)
		}
		stateDSN = dsn
		queueDSN = dsn
	default:
		return fmt.Errorf("unsupported FLOWSYNC_BACKEND_PROFILE: %s", profile)
	}

	if c.StateBackendDSN == "" {
		c.StateBackendDSN = stateDSN
	}
	if c.QueueDSN == "" {
		c.QueueDSN = queueDSN
	}
	if c.SettingsPath == "" {
		c.SettingsPath = filepath.Join(dataDir, "settings.json")
	}
	if c.TokenPath == "" {
		c.TokenPath = filepath.Join(dataDir, "token")
	}
	return nil
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
