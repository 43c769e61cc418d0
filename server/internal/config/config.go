package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Storage
	DataDir        string
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Upstream inference server
	OllamaURL       string
	DefaultModel    string
	UpstreamTimeout time.Duration
	HistoryLimit    int

	// Checkpoints
	CheckpointBackend string // "file", "bolt" or "redis"
	RedisURL          string
	CheckpointTTL     time.Duration

	// Sandbox
	SandboxRunner      string // "process" or "docker"
	SandboxPython      string
	SandboxDockerImage string
	DockerHost         string
	SandboxPolicyFile  string
	ExecuteRate        float64 // executions per second per user
	ExecuteBurst       int

	// Identity (authentication itself happens in front of this service)
	AuthEnabled      bool
	AuthHeader       string
	AuthSharedSecret string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8501)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})

	// Storage
	cfg.DataDir = getEnv("DATA_DIR", filepath.Join(xdg.DataHome, "ollama-chat-service"))
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", "sqlite3://"+filepath.Join(cfg.DataDir, "users.db"))
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Upstream
	cfg.OllamaURL = strings.TrimRight(getEnv("OLLAMA_URL", "http://localhost:11434"), "/")
	cfg.DefaultModel = getEnv("DEFAULT_MODEL", "qwen3-coder:30b")
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 600*time.Second)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", 20)

	// Checkpoints
	cfg.CheckpointBackend = strings.ToLower(getEnv("CHECKPOINT_BACKEND", "file"))
	cfg.RedisURL = getEnv("REDIS_URL", "")
	cfg.CheckpointTTL = getEnvDuration("CHECKPOINT_TTL", 24*time.Hour)
	switch cfg.CheckpointBackend {
	case "file", "bolt":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when CHECKPOINT_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported CHECKPOINT_BACKEND %q (want file, bolt or redis)", cfg.CheckpointBackend)
	}

	// Sandbox
	cfg.SandboxRunner = strings.ToLower(getEnv("SANDBOX_RUNNER", "process"))
	if cfg.SandboxRunner != "process" && cfg.SandboxRunner != "docker" {
		return nil, fmt.Errorf("unsupported SANDBOX_RUNNER %q (want process or docker)", cfg.SandboxRunner)
	}
	cfg.SandboxPython = getEnv("SANDBOX_PYTHON", "python3")
	cfg.SandboxDockerImage = getEnv("SANDBOX_DOCKER_IMAGE", "python:3.12-slim")
	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.SandboxPolicyFile = getEnv("SANDBOX_POLICY_FILE", "")
	cfg.ExecuteRate = getEnvFloat("EXECUTE_RATE", 0.5)
	cfg.ExecuteBurst = getEnvInt("EXECUTE_BURST", 3)

	// Identity
	cfg.AuthEnabled = getEnvBool("AUTH_ENABLED", false)
	cfg.AuthHeader = getEnv("AUTH_HEADER", "X-User-ID")
	cfg.AuthSharedSecret = getEnv("AUTH_SHARED_SECRET", "")
	if cfg.AuthEnabled && cfg.AuthSharedSecret == "" {
		return nil, fmt.Errorf("AUTH_SHARED_SECRET is required when AUTH_ENABLED=true")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "text")
	cfg.LogFile = getEnv("LOG_FILE", "")

	return cfg, nil
}

// StreamCacheDir is where file-backed checkpoints live.
func (c *Config) StreamCacheDir() string {
	return filepath.Join(c.DataDir, "stream_cache")
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
