package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"roomchat/presence"
)

// RateLimitConfig bounds how many frames a single connection may send.
type RateLimitConfig struct {
	Burst     int
	PerSecond float64
}

type Config struct {
	Port             string
	DBPath           string
	SecretKey        string
	PublicURL        string
	AllowedOrigins   []string
	LogLevel         slog.Level
	LivenessInterval time.Duration
	HeartbeatTimeout time.Duration
	MaxMessageSize   int64
	RateLimit        RateLimitConfig
	ShutdownTimeout  time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:             "8080",
		DBPath:           "chat.db",
		SecretKey:        "change-me",
		PublicURL:        "http://localhost:8080",
		AllowedOrigins:   []string{"*"},
		LogLevel:         slog.LevelInfo,
		LivenessInterval: presence.DefaultInterval,
		HeartbeatTimeout: presence.DefaultTimeout,
		MaxMessageSize:   4096,
		RateLimit: RateLimitConfig{
			Burst:     5,
			PerSecond: 5,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a .env file if one exists and then the environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return NewConfigFromEnv()
}

// NewConfigFromEnv builds a Config from environment variables, keeping the
// default for anything unset or unparsable.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = strings.TrimPrefix(port, ":")
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if secret := os.Getenv("SECRET_KEY"); secret != "" {
		cfg.SecretKey = secret
	}
	if url := os.Getenv("PUBLIC_URL"); url != "" {
		cfg.PublicURL = strings.TrimRight(url, "/")
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	cfg.LogLevel = parseLogLevel(os.Getenv("LOG_LEVEL"), cfg.LogLevel)
	cfg.LivenessInterval = parseDuration(os.Getenv("LIVENESS_INTERVAL"), cfg.LivenessInterval)
	cfg.HeartbeatTimeout = parseDuration(os.Getenv("HEARTBEAT_TIMEOUT"), cfg.HeartbeatTimeout)
	cfg.ShutdownTimeout = parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), cfg.ShutdownTimeout)

	if size, err := strconv.ParseInt(os.Getenv("MAX_MESSAGE_SIZE"), 10, 64); err == nil && size > 0 {
		cfg.MaxMessageSize = size
	}
	if burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST")); err == nil && burst > 0 {
		cfg.RateLimit.Burst = burst
	}
	if rate, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_PER_SECOND"), 64); err == nil && rate > 0 {
		cfg.RateLimit.PerSecond = rate
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, strings.TrimRight(part, "/"))
		}
	}
	return result
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseLogLevel(value string, defaultValue slog.Level) slog.Level {
	switch strings.ToLower(value) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return defaultValue
}
