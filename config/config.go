// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the typed view of the environment used by cmd/server.
type Config struct {
	Port        int
	DBDriver    string
	DatabaseURL string
	LogLevel    logrus.Level

	// StorageTimeout bounds each storage round trip made by the engine.
	StorageTimeout time.Duration

	// Trip completion scheduler
	SchedulerEnabled    bool
	UnlockGracePeriod   time.Duration
	UnlockCheckInterval time.Duration

	PointsBasis string

	PublicBaseURL      string
	CORSAllowedOrigins []string

	// DemoScenarios mounts /api/scenarios. Development only.
	DemoScenarios bool
}

// Load reads .env files (if present) and then the process environment.
func Load(logger *logrus.Logger) (Config, error) {
	LoadEnv(logger)

	cfg := Config{
		Port:                GetEnvInt("PORT", 8080),
		DBDriver:            GetEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL:         GetEnv("DATABASE_URL", "referral.db"),
		LogLevel:            GetLogLevel(),
		StorageTimeout:      GetEnvDuration("STORAGE_TIMEOUT", 5*time.Second),
		SchedulerEnabled:    GetEnvBool("SCHEDULER_ENABLED", true),
		UnlockGracePeriod:   GetEnvDuration("UNLOCK_GRACE_PERIOD", 24*time.Hour),
		UnlockCheckInterval: GetEnvDuration("UNLOCK_CHECK_INTERVAL", time.Hour),
		PointsBasis:         GetEnv("POINTS_BASIS", "booking"),
		PublicBaseURL:       strings.TrimRight(GetEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CORSAllowedOrigins:  GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DemoScenarios:       GetEnvBool("DEMO_SCENARIOS", false),
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SchedulerEnabled && c.UnlockCheckInterval <= 0 {
		return fmt.Errorf("UNLOCK_CHECK_INTERVAL must be positive")
	}
	if c.UnlockGracePeriod < 0 {
		return fmt.Errorf("UNLOCK_GRACE_PERIOD must not be negative")
	}
	return nil
}

// LoadEnv loads environment variables from .env file
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration accepts Go durations ("90s", "24h").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
