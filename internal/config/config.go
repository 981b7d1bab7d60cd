package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when
	// behind a tunnel or reverse proxy). When unset, callback and WebSocket
	// URLs are derived from request headers (X-Forwarded-Host/Proto).
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Twilio REST API configuration. Optional: inbound streaming works
	// without credentials, but POST /call returns 503 until they are set.
	TwilioAccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:""`
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:""`
	TwilioNumber     string `envconfig:"TWILIO_NUMBER" default:""`

	// Live AI backend configuration. Either a Gemini API key or a GCP
	// project (Vertex AI backend) must be provided.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	GCPProject   string `envconfig:"GCP_PROJECT_ID" default:""`
	GCPRegion    string `envconfig:"GCP_REGION" default:"us-central1"`

	LiveModel                string `envconfig:"LIVE_MODEL" default:"gemini-2.0-flash-live-preview-04-09"`
	LiveVoice                string `envconfig:"LIVE_VOICE" default:"Aoede"`
	DefaultSystemInstruction string `envconfig:"LIVE_SYSTEM_INSTRUCTION" default:"You are a friendly and helpful voice assistant on a phone call. Keep your answers short and conversational."`

	// Session timing
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`  // live session connect
	ReceiveTimeout time.Duration `envconfig:"RECEIVE_TIMEOUT" default:"10ms"` // per-frame receive poll

	// Instruction token store
	InstructionTokenTTL time.Duration `envconfig:"INSTRUCTION_TOKEN_TTL" default:"600s"`

	// Audio processing configuration
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"` // outbound ring buffer size in bytes

	// Resilience configuration
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // live connect attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // initial backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Twilio API failures before opening
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // enable Prometheus metrics
}

// Load reads configuration from environment variables, loading a .env
// file first if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without touching .env (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.GeminiAPIKey == "" && cfg.GCPProject == "" {
		return nil, fmt.Errorf("either GEMINI_API_KEY or GCP_PROJECT_ID is required")
	}

	return &cfg, nil
}

// TelephonyConfigured reports whether outbound calling is possible.
func (c *Config) TelephonyConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// UseVertex reports whether the live client should use the Vertex AI
// backend rather than the Gemini API key backend.
func (c *Config) UseVertex() bool {
	return c.GeminiAPIKey == "" && c.GCPProject != ""
}
