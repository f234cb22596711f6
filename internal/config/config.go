// Package config provides environment configuration for the chat client and
// the development server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted by TRANSPORT.
const (
	TransportWS     = "ws"
	TransportGobwas = "gobwas"
)

// Config holds all configuration for the application.
type Config struct {
	// Client settings
	ServerURL string
	WSURL     string
	AuthToken string
	Transport string

	// Reconnect policy
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64

	// Typing and unread
	TypingDebounce       time.Duration
	TypingTimeout        time.Duration
	ReconcileInterval    time.Duration
	SuppressActiveUnread bool

	// Dev server settings
	ServerPort        string
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		// Client
		ServerURL: getEnv("SERVER_URL", "http://localhost:8080"),
		WSURL:     getEnv("WS_URL", ""),
		AuthToken: getEnv("AUTH_TOKEN", ""),
		Transport: strings.ToLower(getEnv("TRANSPORT", TransportWS)),

		// Reconnect
		ReconnectInitial: getDurationEnv("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:     getDurationEnv("RECONNECT_MAX", 30*time.Second),
		ReconnectJitter:  getFloatEnv("RECONNECT_JITTER", 0.5),

		// Typing and unread
		TypingDebounce:       getDurationEnv("TYPING_DEBOUNCE", 500*time.Millisecond),
		TypingTimeout:        getDurationEnv("TYPING_TIMEOUT", 3*time.Second),
		ReconcileInterval:    getDurationEnv("RECONCILE_INTERVAL", time.Minute),
		SuppressActiveUnread: getBoolEnv("SUPPRESS_ACTIVE_UNREAD", false),

		// Dev server
		ServerPort:        getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", "development-secret-change-in-production"),
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DeriveWSURL(cfg.ServerURL)
	}
	return cfg
}

// DeriveWSURL maps an http(s) server URL to its /ws endpoint.
func DeriveWSURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
