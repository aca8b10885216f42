// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSystemInstruction is the behavioural instruction given to the model
	// when the chat session starts.
	DefaultSystemInstruction = "You are a friendly and concise assistant. " +
		"Answer clearly, keep replies short unless the user asks for detail, " +
		"and say so when you are not sure about something."

	// DefaultGreeting is the first assistant line shown in every new transcript.
	// It is never sent to the model.
	DefaultGreeting = "Hi! I'm your assistant. Ask me anything to get started."
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	// CORSAllowedOrigins is the allow list for cross-origin API calls. "*"
	// echoes any origin without credentials.
	CORSAllowedOrigins []string

	// GRPCHealthPort enables the gRPC health service when non-empty.
	GRPCHealthPort string
	MetricsEnabled bool

	Gemini    GeminiConfig
	Chat      ChatConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
}

// GeminiConfig configures the hosted language-model client.
type GeminiConfig struct {
	// APIKey is not validated here; a missing key surfaces as a failed reply
	// on first use.
	APIKey string
	Model  string
	// Endpoint overrides the API endpoint, e.g. for a proxy.
	Endpoint string
}

// ChatConfig holds the fixed conversation settings every session starts with.
type ChatConfig struct {
	MaxOutputTokens    int32
	SystemInstruction  string
	Greeting           string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

// SessionConfig controls idle session eviction.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig controls per-user submit throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	maxTokens := getEnvInt32("CHAT_MAX_OUTPUT_TOKENS", 500)
	if maxTokens <= 0 {
		maxTokens = 500
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/chat.db"),
		LogLevel:           getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		GRPCHealthPort:     getEnv("GRPC_HEALTH_PORT", ""),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		Gemini: GeminiConfig{
			APIKey:   getEnv("GEMINI_API_KEY", ""),
			Model:    getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
			Endpoint: getEnv("GEMINI_ENDPOINT", ""),
		},
		Chat: ChatConfig{
			MaxOutputTokens:    maxTokens,
			SystemInstruction:  getEnv("CHAT_SYSTEM_INSTRUCTION", DefaultSystemInstruction),
			Greeting:           getEnv("CHAT_GREETING", DefaultGreeting),
			RequestTimeout:     getEnvDuration("CHAT_REQUEST_TIMEOUT", 60*time.Second),
			MaxRequestBodySize: 1 << 20,
		},
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("GEMINI_MODEL cannot be empty")
	}
	if c.Chat.Greeting == "" {
		return fmt.Errorf("CHAT_GREETING cannot be empty")
	}
	if c.Chat.RequestTimeout <= 0 {
		return fmt.Errorf("CHAT_REQUEST_TIMEOUT must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AIConfigured reports whether an API credential was supplied.
func (c *Config) AIConfigured() bool {
	return strings.TrimSpace(c.Gemini.APIKey) != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvInt32 falls back on values that do not fit in 32 bits.
func getEnvInt32(key string, fallback int32) int32 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
