package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for both binaries
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// Backing services. Empty values select in-process implementations.
	DatabaseURL string
	RedisURL    string

	// Push path
	WSHTTPAddr     string
	WSSharedSecret string
	WSPublicURL    string
	WSSocketPath   string
	TokenTTL       time.Duration
	TokenRefresh   time.Duration
	TokenSkew      time.Duration
	PushTimeout    time.Duration
	PushBuffer     int

	// Change feed stream
	StreamDuration  time.Duration
	StreamHeartbeat time.Duration
	StreamPoll      time.Duration
	StreamBatch     int
	StreamLookback  int

	// Queue policy
	ETAFallbackMinutes     float64
	CacheTTL               time.Duration
	EnforceOneQueuePerRoom bool

	// Push server
	RelayPort      string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	MaxPayloadSize int64
}

// PushEnabled reports whether the backend should forward events to the push server
func (c *Config) PushEnabled() bool {
	return c.WSHTTPAddr != "" && c.WSSharedSecret != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		WSHTTPAddr:     strings.TrimRight(os.Getenv("WS_HTTP_ADDR"), "/"),
		WSSharedSecret: os.Getenv("WS_SHARED_SECRET"),
		WSPublicURL:    os.Getenv("WS_PUBLIC_URL"),
		WSSocketPath:   getEnv("WS_SOCKET_PATH", "/websocket/socket.io"),
		RelayPort:      getEnv("RELAY_PORT", "8090"),
	}

	var err error
	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"WS_TOKEN_TTL", "600s", &config.TokenTTL},
		{"WS_TOKEN_REFRESH", "540s", &config.TokenRefresh},
		{"WS_TOKEN_SKEW", "60s", &config.TokenSkew},
		{"PUSH_TIMEOUT", "2s", &config.PushTimeout},
		{"STREAM_DURATION", "90s", &config.StreamDuration},
		{"STREAM_HEARTBEAT", "15s", &config.StreamHeartbeat},
		{"STREAM_POLL", "300ms", &config.StreamPoll},
		{"CACHE_TTL", "5m", &config.CacheTTL},
		{"WS_PING_INTERVAL", "20s", &config.PingPeriod},
	}
	for _, d := range durations {
		if *d.dest, err = time.ParseDuration(getEnv(d.key, d.def)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}
	if config.TokenRefresh >= config.TokenTTL {
		return nil, fmt.Errorf("invalid WS_TOKEN_REFRESH: must be shorter than WS_TOKEN_TTL (%s)", config.TokenTTL)
	}

	if config.PushBuffer, err = strconv.Atoi(getEnv("PUSH_BUFFER", "256")); err != nil {
		return nil, fmt.Errorf("invalid PUSH_BUFFER: %w", err)
	}
	if config.StreamBatch, err = strconv.Atoi(getEnv("STREAM_BATCH", "100")); err != nil {
		return nil, fmt.Errorf("invalid STREAM_BATCH: %w", err)
	}
	if config.StreamLookback, err = strconv.Atoi(getEnv("STREAM_LOOKBACK", "32")); err != nil || config.StreamLookback < 0 {
		return nil, fmt.Errorf("invalid STREAM_LOOKBACK: %q", os.Getenv("STREAM_LOOKBACK"))
	}
	if config.ETAFallbackMinutes, err = strconv.ParseFloat(getEnv("ETA_FALLBACK_MINUTES", "7"), 64); err != nil {
		return nil, fmt.Errorf("invalid ETA_FALLBACK_MINUTES: %w", err)
	}
	if config.ETAFallbackMinutes <= 0 {
		return nil, fmt.Errorf("invalid ETA_FALLBACK_MINUTES: must be positive")
	}
	if config.EnforceOneQueuePerRoom, err = strconv.ParseBool(getEnv("ENFORCE_ONE_QUEUE_PER_ROOM", "false")); err != nil {
		return nil, fmt.Errorf("invalid ENFORCE_ONE_QUEUE_PER_ROOM: %w", err)
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	maxPayload, err := strconv.ParseInt(getEnv("WS_MAX_PAYLOAD", "32768"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid WS_MAX_PAYLOAD: %w", err)
	}
	config.MaxPayloadSize = maxPayload

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	if config.PingPeriod >= config.PongWait {
		config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	}
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 512

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
