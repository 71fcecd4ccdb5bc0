// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the companion.
type Config struct {
	// Wallet
	WalletAddress string

	// Backend
	BackendURL        string
	WSURL             string
	RequestTimeout    time.Duration
	RequestsPerSecond float64

	// Price feed
	PriceFeedURL string
	PriceAPIKey  string

	// Poll intervals
	HealthPollInterval   time.Duration
	PositionPollInterval time.Duration
	PricePollInterval    time.Duration

	// Live channel reconnect
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	LongOutageAfter  time.Duration

	// Retention
	MaxNotifications int
	MaxRecentErrors  int

	// Metrics
	PrometheusPort int

	// UI
	EnableTUI     bool
	UIRefreshRate time.Duration

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with fallback to .env file.
// Priority order: Environment variables > .env file > hardcoded defaults
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	backend := getEnv("BACKEND_URL", "http://localhost:8000")

	cfg := &Config{
		WalletAddress: getEnv("WALLET_ADDRESS", ""),

		BackendURL:        backend,
		WSURL:             getEnv("WS_URL", defaultWSURL(backend)),
		RequestTimeout:    time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		RequestsPerSecond: getEnvFloat("REQUESTS_PER_SECOND", 5),

		PriceFeedURL: getEnv("PRICE_FEED_URL", "https://api.coingecko.com/api/v3"),
		PriceAPIKey:  getEnv("PRICE_API_KEY", ""),

		HealthPollInterval:   time.Duration(getEnvInt("HEALTH_POLL_SECONDS", 30)) * time.Second,
		PositionPollInterval: time.Duration(getEnvInt("POSITION_POLL_SECONDS", 10)) * time.Second,
		PricePollInterval:    time.Duration(getEnvInt("PRICE_POLL_SECONDS", 15)) * time.Second,

		ReconnectInitial: time.Duration(getEnvInt("RECONNECT_INITIAL_SECONDS", 5)) * time.Second,
		ReconnectMax:     time.Duration(getEnvInt("RECONNECT_MAX_SECONDS", 60)) * time.Second,
		LongOutageAfter:  time.Duration(getEnvInt("LONG_OUTAGE_SECONDS", 120)) * time.Second,

		MaxNotifications: getEnvInt("MAX_NOTIFICATIONS", 200),
		MaxRecentErrors:  getEnvInt("MAX_RECENT_ERRORS", 5),

		PrometheusPort: getEnvInt("PROMETHEUS_PORT", 9090),

		EnableTUI:     getEnvBool("ENABLE_TUI", true),
		UIRefreshRate: time.Duration(getEnvInt("UI_REFRESH_MS", 500)) * time.Millisecond,

		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		LogFile:  getEnv("LOG_FILE", "./companion.log"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.WalletAddress == "" {
		return fmt.Errorf("WALLET_ADDRESS is required")
	}

	if _, err := url.ParseRequestURI(c.BackendURL); err != nil {
		return fmt.Errorf("BACKEND_URL is invalid: %w", err)
	}

	if _, err := url.ParseRequestURI(c.WSURL); err != nil {
		return fmt.Errorf("WS_URL is invalid: %w", err)
	}

	if c.HealthPollInterval <= 0 || c.PositionPollInterval <= 0 || c.PricePollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}

	if c.ReconnectInitial <= 0 {
		return fmt.Errorf("RECONNECT_INITIAL_SECONDS must be positive")
	}

	if c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("RECONNECT_MAX_SECONDS must be at least RECONNECT_INITIAL_SECONDS")
	}

	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must be positive")
	}

	if c.MaxRecentErrors < 1 {
		return fmt.Errorf("MAX_RECENT_ERRORS must be at least 1")
	}

	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("PROMETHEUS_PORT must be between 0 and 65535")
	}

	return nil
}

// MaskedPriceAPIKey returns the API key with most characters hidden for logging.
func (c *Config) MaskedPriceAPIKey() string {
	return maskSecret(c.PriceAPIKey)
}

// defaultWSURL derives the websocket base from the HTTP backend URL.
func defaultWSURL(backend string) string {
	u, err := url.Parse(backend)
	if err != nil {
		return "ws://localhost:8000"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat retrieves an environment variable as a float64 or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves an environment variable as a boolean or returns a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
