package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix namespaces every environment override.
const envPrefix = "FANOUT_"

// Config is the process-wide settings tree. Each section is owned by one
// component and validated together before anything starts.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Presence  *PresenceConfig  `json:"presence"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
	Journal   *JournalConfig   `json:"journal"`
	Log       *LogConfig       `json:"log"`
	OTEL      *OTELConfig      `json:"otel"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// WebSocketConfig tunes the per-connection transport and the inbound frame
// throttle (token bucket of FrameRate per second with FrameBurst capacity).
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
	FrameRate    float64       `json:"frame_rate"`
	FrameBurst   int           `json:"frame_burst"`
}

// RedisConfig points at the shared state store used by presence and the
// rate limiter.
type RedisConfig struct {
	URL         string        `json:"url"`
	DB          int           `json:"db"`
	DialTimeout time.Duration `json:"dial_timeout"`
}

// RedactedURL is URL with any password masked, for logs and CLI output.
func (r *RedisConfig) RedactedURL() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "<unparseable redis url>"
	}
	return u.Redacted()
}

type PresenceConfig struct {
	OnlineTTL        time.Duration `json:"online_ttl"`
	OfflineRetention time.Duration `json:"offline_retention"`
	StatusTTL        time.Duration `json:"status_ttl"`
	StaleAfter       time.Duration `json:"stale_after"`
	CleanupInterval  time.Duration `json:"cleanup_interval"`
	CallTimeout      time.Duration `json:"call_timeout"`
}

type RateLimitConfig struct {
	Enabled            bool          `json:"enabled"`
	Window             time.Duration `json:"window"`
	Quota              int           `json:"quota"`
	AuthenticatedQuota int           `json:"authenticated_quota"`
	AnonymousQuota     int           `json:"anonymous_quota"`
	KeySlack           time.Duration `json:"key_slack"`
	StoreTimeout       time.Duration `json:"store_timeout"`
	PenalizeDenied     bool          `json:"penalize_denied"`
	MaxEntriesPerKey   int           `json:"max_entries_per_key"`
}

// JournalConfig controls the SQLite connection journal.
type JournalConfig struct {
	Enabled bool          `json:"enabled"`
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

type OTELConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	Insecure    bool    `json:"insecure"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// DefaultConfig returns settings suitable for a single local replica: a
// Redis on localhost, a 60s sliding window and 30s heartbeats.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			FrameRate:    20,
			FrameBurst:   40,
		},
		Redis: &RedisConfig{
			URL:         "redis://localhost:6379/0",
			DB:          0,
			DialTimeout: 5 * time.Second,
		},
		Presence: &PresenceConfig{
			OnlineTTL:        5 * time.Minute,
			OfflineRetention: 7 * 24 * time.Hour,
			StatusTTL:        time.Hour,
			StaleAfter:       10 * time.Minute,
			CleanupInterval:  time.Minute,
			CallTimeout:      2 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			Enabled:            true,
			Window:             60 * time.Second,
			Quota:              60,
			AuthenticatedQuota: 300,
			AnonymousQuota:     60,
			KeySlack:           10 * time.Second,
			StoreTimeout:       250 * time.Millisecond,
			PenalizeDenied:     true,
		},
		Journal: &JournalConfig{
			Enabled: true,
			Path:    "./fanout.db",
			Timeout: 30 * time.Second,
		},
		Log: &LogConfig{
			Level: "info",
		},
		OTEL: &OTELConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "fanout",
			SampleRatio: 1.0,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.FrameRate <= 0 || c.WebSocket.FrameBurst <= 0 {
		return fmt.Errorf("WebSocket frame rate and burst must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL cannot be empty")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis DB cannot be negative")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	p := c.Presence
	if p.OnlineTTL <= 0 || p.StatusTTL <= 0 || p.CallTimeout <= 0 {
		return fmt.Errorf("presence TTLs and call timeout must be positive")
	}
	if p.OfflineRetention < p.OnlineTTL {
		return fmt.Errorf("presence offline retention must be at least the online TTL")
	}
	if p.StaleAfter <= 0 || p.CleanupInterval <= 0 {
		return fmt.Errorf("presence stale threshold and cleanup interval must be positive")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	r := c.RateLimit
	if r.Window < time.Second {
		return fmt.Errorf("rate limit window must be at least one second")
	}
	if r.Quota <= 0 || r.AuthenticatedQuota <= 0 || r.AnonymousQuota <= 0 {
		return fmt.Errorf("rate limit quotas must be positive")
	}
	if r.KeySlack < 0 || r.StoreTimeout <= 0 {
		return fmt.Errorf("rate limit slack cannot be negative and store timeout must be positive")
	}
	if r.MaxEntriesPerKey < 0 {
		return fmt.Errorf("rate limit max entries per key cannot be negative")
	}

	if c.Journal == nil {
		return fmt.Errorf("journal configuration is required")
	}
	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return fmt.Errorf("journal path cannot be empty")
		}
		if c.Journal.Timeout <= 0 {
			return fmt.Errorf("journal timeout must be positive")
		}
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if c.OTEL == nil {
		return fmt.Errorf("otel configuration is required")
	}
	if c.OTEL.Enabled && c.OTEL.Endpoint == "" {
		return fmt.Errorf("otel endpoint cannot be empty when tracing is enabled")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return fmt.Errorf("otel sample ratio must be within [0,1]")
	}

	return nil
}

// Addr is the listen address for the HTTP server.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// LoadFromEnv overlays FANOUT_* environment variables on the defaults.
// Unparseable values are ignored and the default is kept.
func LoadFromEnv() *Config {
	c := DefaultConfig()

	c.HTTP.Port = getint("HTTP_PORT", c.HTTP.Port)
	c.HTTP.Host = getenv("HTTP_HOST", c.HTTP.Host)
	c.HTTP.ReadTimeout = getdur("HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = getdur("HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)
	c.HTTP.ShutdownTimeout = getdur("HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout)

	c.WebSocket.PingInterval = getdur("WEBSOCKET_PING_INTERVAL", c.WebSocket.PingInterval)
	c.WebSocket.ReadTimeout = getdur("WEBSOCKET_READ_TIMEOUT", c.WebSocket.ReadTimeout)
	c.WebSocket.WriteTimeout = getdur("WEBSOCKET_WRITE_TIMEOUT", c.WebSocket.WriteTimeout)
	c.WebSocket.BufferSize = getint("WEBSOCKET_BUFFER_SIZE", c.WebSocket.BufferSize)
	c.WebSocket.FrameRate = getfloat("WEBSOCKET_FRAME_RATE", c.WebSocket.FrameRate)
	c.WebSocket.FrameBurst = getint("WEBSOCKET_FRAME_BURST", c.WebSocket.FrameBurst)

	c.Redis.URL = getenv("REDIS_URL", c.Redis.URL)
	c.Redis.DB = getint("REDIS_DB", c.Redis.DB)
	c.Redis.DialTimeout = getdur("REDIS_DIAL_TIMEOUT", c.Redis.DialTimeout)

	c.Presence.OnlineTTL = getdur("PRESENCE_ONLINE_TTL", c.Presence.OnlineTTL)
	c.Presence.OfflineRetention = getdur("PRESENCE_OFFLINE_RETENTION", c.Presence.OfflineRetention)
	c.Presence.StatusTTL = getdur("PRESENCE_STATUS_TTL", c.Presence.StatusTTL)
	c.Presence.StaleAfter = getdur("PRESENCE_STALE_AFTER", c.Presence.StaleAfter)
	c.Presence.CleanupInterval = getdur("PRESENCE_CLEANUP_INTERVAL", c.Presence.CleanupInterval)
	c.Presence.CallTimeout = getdur("PRESENCE_CALL_TIMEOUT", c.Presence.CallTimeout)

	c.RateLimit.Enabled = getbool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.Window = getdur("RATE_LIMIT_WINDOW", c.RateLimit.Window)
	c.RateLimit.Quota = getint("RATE_LIMIT_QUOTA", c.RateLimit.Quota)
	c.RateLimit.AuthenticatedQuota = getint("RATE_LIMIT_AUTHENTICATED_QUOTA", c.RateLimit.AuthenticatedQuota)
	c.RateLimit.AnonymousQuota = getint("RATE_LIMIT_ANONYMOUS_QUOTA", c.RateLimit.AnonymousQuota)
	c.RateLimit.KeySlack = getdur("RATE_LIMIT_KEY_SLACK", c.RateLimit.KeySlack)
	c.RateLimit.StoreTimeout = getdur("RATE_LIMIT_STORE_TIMEOUT", c.RateLimit.StoreTimeout)
	c.RateLimit.PenalizeDenied = getbool("RATE_LIMIT_PENALIZE_DENIED", c.RateLimit.PenalizeDenied)
	c.RateLimit.MaxEntriesPerKey = getint("RATE_LIMIT_MAX_ENTRIES_PER_KEY", c.RateLimit.MaxEntriesPerKey)

	c.Journal.Enabled = getbool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.Path = getenv("JOURNAL_PATH", c.Journal.Path)
	c.Journal.Timeout = getdur("JOURNAL_TIMEOUT", c.Journal.Timeout)

	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getbool("LOG_PRETTY", c.Log.Pretty)

	c.OTEL.Enabled = getbool("OTEL_ENABLED", c.OTEL.Enabled)
	c.OTEL.Endpoint = getenv("OTEL_ENDPOINT", c.OTEL.Endpoint)
	c.OTEL.Insecure = getbool("OTEL_INSECURE", c.OTEL.Insecure)
	c.OTEL.ServiceName = getenv("OTEL_SERVICE_NAME", c.OTEL.ServiceName)
	c.OTEL.SampleRatio = getfloat("OTEL_SAMPLE_RATIO", c.OTEL.SampleRatio)

	return c
}

// LoadFromFile reads a JSON config file on top of base. Durations are
// written as strings ("30s", "5m") in the file.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if base == nil {
		base = DefaultConfig()
	}
	if err := file.apply(base); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}

	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return base, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. A .env in
// the working directory is loaded first. File errors are returned so a typo in
// an explicit config path does not silently fall back.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	c := LoadFromEnv()
	if path == "" {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return c, nil
	}
	return LoadFromFile(path, c)
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
