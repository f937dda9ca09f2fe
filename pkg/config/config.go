package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bridge core.
type Config struct {
	Port string

	// Logging
	LogLevel  string
	LogPretty bool

	// Agent wire
	AgentTTL      time.Duration // heartbeat freshness window
	Transport     string        // "ws" (default) or "filedrop"
	FileDropDir   string        // directory for the file-drop transport
	FireQueueSize int
	FireWALPath   string

	// Slot accounting
	SlotStaleWindow time.Duration

	// Risk
	TierFile      string // YAML tier definitions; empty = compiled-in defaults
	ResetTimezone string // daily boundary timezone, e.g. "UTC", "America/New_York"

	// Database
	DBPath string

	// Ops API auth
	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string // bcrypt hash; empty disables login
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/bridge.db")
	}

	return &Config{
		Port:             getEnv("PORT", "8080"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogPretty:        getEnv("LOG_PRETTY", "false") == "true",
		AgentTTL:         time.Duration(getEnvInt("AGENT_TTL_SECONDS", 120)) * time.Second,
		Transport:        strings.ToLower(getEnv("FIRE_TRANSPORT", "ws")),
		FileDropDir:      getEnv("FIRE_DROP_DIR", "./data/fire_drop"),
		FireQueueSize:    getEnvInt("FIRE_QUEUE_SIZE", 256),
		FireWALPath:      getEnv("FIRE_WAL_PATH", "./data/fire_wal"),
		SlotStaleWindow:  time.Duration(getEnvInt("SLOT_STALE_HOURS", 24)) * time.Hour,
		TierFile:         getEnv("TIER_FILE", ""),
		ResetTimezone:    getEnv("RESET_TIMEZONE", "UTC"),
		DBPath:           dbPath,
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:     getEnv("OPERATOR_USER", "operator"),
		OperatorPassHash: os.Getenv("OPERATOR_PASS_HASH"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
