package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the signal coordinator.
type Config struct {
	Port           string
	AllowedOrigins string
	GoEnv          string
	LogLevel       string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	StorageBackend      string // "r2" or "local"
	LocalStoragePath    string
	LocalStorageBaseURL string
	R2AccountID         string
	R2AccessKeyID       string
	R2SecretAccessKey   string
	R2BucketName        string

	SignalDebugEnabled  bool
	SignalDebugMaxChars int

	TransferDecisionTimeoutMsDefault int
	TransferDecisionTimeoutMsMax     int

	RateLimitWsIp   string
	RateLimitWsUser string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.StorageBackend = getEnvOrDefault("STORAGE_BACKEND", "r2")
	if cfg.StorageBackend != "r2" && cfg.StorageBackend != "local" {
		errs = append(errs, fmt.Sprintf("STORAGE_BACKEND must be 'r2' or 'local' (got '%s')", cfg.StorageBackend))
	}
	cfg.LocalStoragePath = getEnvOrDefault("LOCAL_STORAGE_PATH", "./data/uploads")
	cfg.LocalStorageBaseURL = getEnvOrDefault("LOCAL_STORAGE_BASE_URL", "http://localhost:8080")
	cfg.R2AccountID = os.Getenv("R2_ACCOUNT_ID")
	cfg.R2AccessKeyID = os.Getenv("R2_ACCESS_KEY_ID")
	cfg.R2SecretAccessKey = os.Getenv("R2_SECRET_ACCESS_KEY")
	cfg.R2BucketName = getEnvOrDefault("R2_BUCKET_NAME", "clipboard-push-relay")
	if cfg.StorageBackend == "r2" {
		if cfg.R2AccountID == "" || cfg.R2AccessKeyID == "" || cfg.R2SecretAccessKey == "" {
			errs = append(errs, "R2_ACCOUNT_ID, R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY are required when STORAGE_BACKEND=r2")
		}
	}

	cfg.SignalDebugEnabled = os.Getenv("SIGNAL_DEBUG_ENABLED") == "true"
	cfg.SignalDebugMaxChars = getEnvIntOrDefault("SIGNAL_DEBUG_MAX_CHARS", 800)

	cfg.TransferDecisionTimeoutMsDefault = getEnvIntOrDefault("TRANSFER_DECISION_TIMEOUT_MS_DEFAULT", 10000)
	cfg.TransferDecisionTimeoutMsMax = getEnvIntOrDefault("TRANSFER_DECISION_TIMEOUT_MS_MAX", 30000)
	if cfg.TransferDecisionTimeoutMsDefault < 1000 || cfg.TransferDecisionTimeoutMsDefault > cfg.TransferDecisionTimeoutMsMax {
		errs = append(errs, "TRANSFER_DECISION_TIMEOUT_MS_DEFAULT must be within [1000, TRANSFER_DECISION_TIMEOUT_MS_MAX]")
	}

	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "300-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"storage_backend", cfg.StorageBackend,
		"r2_access_key_id", redactSecret(cfg.R2AccessKeyID),
		"signal_debug_enabled", cfg.SignalDebugEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	v, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
