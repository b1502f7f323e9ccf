package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supervision modes: direct gives the speech model the full domain tool set;
// delegated gives it a single hand-off tool backed by a reasoning model.
const (
	SupervisionDirect    = "direct"
	SupervisionDelegated = "delegated"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoint; the carrier connects to wss://<this-host>/streams/telephony.
	// Optional; if unset, logs ws://localhost:PORT/streams/telephony.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Upstream speech-AI service configuration
	UpstreamURL     string `envconfig:"UPSTREAM_URL" default:"wss://api.openai.com/v1/realtime"`
	UpstreamAPIKey  string `envconfig:"UPSTREAM_API_KEY" required:"true"`
	UpstreamModel   string `envconfig:"UPSTREAM_MODEL" default:"gpt-4o-realtime-preview"` // fallback when a tenant has none
	UpstreamVoice   string `envconfig:"UPSTREAM_VOICE" default:"alloy"`
	UpstreamTimeout int    `envconfig:"UPSTREAM_TIMEOUT" default:"15"` // handshake timeout, seconds

	// Tenant configuration store
	TenantStoreURL  string `envconfig:"TENANT_STORE_URL" required:"true"`
	DefaultTenantID string `envconfig:"DEFAULT_TENANT_ID" default:"platform-default"`
	TenantCacheTTL  int    `envconfig:"TENANT_CACHE_TTL" default:"60"` // seconds

	// Business tool backend
	ToolBackendURL  string `envconfig:"TOOL_BACKEND_URL" required:"true"`
	ToolSoftTimeout int    `envconfig:"TOOL_SOFT_TIMEOUT" default:"10"` // seconds before the "still working" filler
	ToolHardTimeout int    `envconfig:"TOOL_HARD_TIMEOUT" default:"30"` // seconds before the call is considered failed

	// Supervision mode: "direct" gives the speech model the full tool set,
	// "delegated" gives it a single delegate tool backed by the supervisor.
	SupervisionMode   string `envconfig:"SUPERVISION_MODE" default:"direct"`
	SupervisorAPIKey  string `envconfig:"SUPERVISOR_API_KEY" default:""`
	SupervisorModel   string `envconfig:"SUPERVISOR_MODEL" default:"gemini-2.0-flash"`
	SupervisorTimeout int    `envconfig:"SUPERVISOR_TIMEOUT" default:"30"` // seconds

	// Persistence store; empty selects the in-memory conversation store
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// Session behaviour
	AudioQueueCapacity int `envconfig:"AUDIO_QUEUE_CAPACITY" default:"200"` // frames buffered before upstream is ready
	KeepAliveInterval  int `envconfig:"KEEPALIVE_INTERVAL" default:"15"`    // seconds between telephony keep-alive frames
	TranscriptTail     int `envconfig:"TRANSCRIPT_TAIL" default:"40"`       // transcript lines kept for the supervisor context

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if c.TenantStoreURL == "" {
		return fmt.Errorf("TENANT_STORE_URL is required")
	}
	if c.ToolBackendURL == "" {
		return fmt.Errorf("TOOL_BACKEND_URL is required")
	}
	switch c.SupervisionMode {
	case SupervisionDirect, SupervisionDelegated:
	default:
		return fmt.Errorf("SUPERVISION_MODE must be \"direct\" or \"delegated\", got %q", c.SupervisionMode)
	}
	if c.SupervisionMode == SupervisionDelegated && c.SupervisorAPIKey == "" {
		return fmt.Errorf("SUPERVISOR_API_KEY is required when SUPERVISION_MODE is delegated")
	}
	if c.ToolSoftTimeout >= c.ToolHardTimeout {
		return fmt.Errorf("TOOL_SOFT_TIMEOUT (%d) must be shorter than TOOL_HARD_TIMEOUT (%d)", c.ToolSoftTimeout, c.ToolHardTimeout)
	}
	return nil
}

// TenantCacheTTLDuration returns the tenant cache TTL as a duration
func (c *Config) TenantCacheTTLDuration() time.Duration {
	return time.Duration(c.TenantCacheTTL) * time.Second
}

// KeepAliveIntervalDuration returns the keep-alive interval as a duration
func (c *Config) KeepAliveIntervalDuration() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Second
}

// ToolSoftTimeoutDuration returns the soft tool timeout as a duration
func (c *Config) ToolSoftTimeoutDuration() time.Duration {
	return time.Duration(c.ToolSoftTimeout) * time.Second
}

// ToolHardTimeoutDuration returns the hard tool timeout as a duration
func (c *Config) ToolHardTimeoutDuration() time.Duration {
	return time.Duration(c.ToolHardTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
