package chatrelay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds the configuration for the chat relay server.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Upstream   UpstreamConfig   `json:"upstream" yaml:"upstream"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	Chat       ChatConfig       `json:"chat" yaml:"chat"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	RequestLog RequestLogConfig `json:"request_log" yaml:"request_log"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int      `json:"port" yaml:"port"`
	CORSOrigins     []string `json:"cors_origins" yaml:"cors_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `json:"trust_proxy_headers" yaml:"trust_proxy_headers"`
}

// Upstream provider names.
const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// UpstreamConfig selects and parameterises the upstream model.
type UpstreamConfig struct {
	// Provider is "openai" (default) or "bedrock".
	Provider string `json:"provider" yaml:"provider"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	Model    string `json:"model" yaml:"model"`
	Region   string `json:"region" yaml:"region"`

	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature"`
	TopP             float64 `json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" yaml:"presence_penalty"`

	Timeout        Duration             `json:"timeout" yaml:"timeout"`
	StreamTimeout  Duration             `json:"stream_timeout" yaml:"stream_timeout"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker around the upstream provider.
type CircuitBreakerConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold" yaml:"success_threshold"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Capacity        int      `json:"capacity" yaml:"capacity"`
	TTL             Duration `json:"ttl" yaml:"ttl"`
	SeedTTL         Duration `json:"seed_ttl" yaml:"seed_ttl"`
	CleanupInterval Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	DisableSeed     bool     `json:"disable_seed" yaml:"disable_seed"`
}

// ChatConfig configures prompt construction and streaming behaviour.
type ChatConfig struct {
	SystemPrompt       string   `json:"system_prompt" yaml:"system_prompt"`
	MaxMessageLength   int      `json:"max_message_length" yaml:"max_message_length"`
	HistoryTurns       int      `json:"history_turns" yaml:"history_turns"`
	StreamHistoryTurns int      `json:"stream_history_turns" yaml:"stream_history_turns"`
	TypingDelay        Duration `json:"typing_delay" yaml:"typing_delay"`
	StreamBuffer       int      `json:"stream_buffer" yaml:"stream_buffer"`
}

// Auth modes.
const (
	AuthModeSupabase = "supabase"
	AuthModeJWT      = "jwt"
	AuthModeNone     = "none"
)

// AuthConfig selects how bearer tokens are verified.
type AuthConfig struct {
	Mode            string `json:"mode" yaml:"mode"`
	SupabaseURL     string `json:"supabase_url" yaml:"supabase_url"`
	SupabaseAnonKey string `json:"supabase_anon_key" yaml:"supabase_anon_key"`
	JWTSecret       string `json:"jwt_secret" yaml:"jwt_secret"`
	JWTAudience     string `json:"jwt_audience" yaml:"jwt_audience"`
}

// StoreConfig selects the conversation database.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RequestLogConfig enables the persistent request log. An empty DSN
// disables it.
type RequestLogConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RateLimitConfig configures per-IP limiting of the chat endpoints.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultSystemPrompt instructs the model to act as a Korean tutor.
const DefaultSystemPrompt = `당신은 친절하고 인내심 있는 한국어 선생님입니다.
학습자의 질문에 쉽고 정확한 한국어로 답하고, 필요하면 예문과 함께 문법이나 표현을 설명하세요.
학습자가 틀린 표현을 쓰면 부드럽게 고쳐 주고, 답변은 간결하게 유지하세요.`

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: 3001,
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://localhost:5174",
				"http://localhost:5175",
			},
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Upstream: UpstreamConfig{
			Provider:         ProviderOpenAI,
			Model:            "gpt-4o-mini",
			MaxTokens:        500,
			Temperature:      0.7,
			TopP:             0.9,
			FrequencyPenalty: 0.1,
			PresencePenalty:  0.1,
			Timeout:          Duration(30 * time.Second),
			StreamTimeout:    Duration(90 * time.Second),
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          Duration(30 * time.Second),
			},
		},
		Cache: CacheConfig{
			Capacity:        1000,
			TTL:             Duration(time.Hour),
			SeedTTL:         Duration(24 * time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
		},
		Chat: ChatConfig{
			SystemPrompt:       DefaultSystemPrompt,
			MaxMessageLength:   1000,
			HistoryTurns:       10,
			StreamHistoryTurns: 8,
			TypingDelay:        Duration(50 * time.Millisecond),
			StreamBuffer:       16,
		},
		Auth: AuthConfig{
			Mode:        AuthModeSupabase,
			JWTAudience: "authenticated",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "chatrelay.db",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 2,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Duration is a time.Duration that reads and writes as a Go duration
// string ("30s", "1h").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are read as
// seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds")
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
