package chatrelay

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed config.schema.json
var configSchemaJSON string

var configSchema = jsonschema.MustCompileString("config.schema.json", configSchemaJSON)

// ConfigPathEnv names the environment variable holding the config file path.
const ConfigPathEnv = "CHATRELAY_CONFIG"

// Load builds the runtime configuration: defaults, then the file at path
// (skipped when path is empty), then environment overrides. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = *fileCfg
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads a config file, checks it against the embedded JSON
// schema, and overlays it on Default(). Supported formats: JSON (.json),
// YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var jsonData []byte
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		if jsonData, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
	case ".json":
		jsonData = data
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}
	if err := configSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config does not match schema: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays environment variables on cfg.
func ApplyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	integer("PORT", &cfg.Server.Port)
	boolean("TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.Server.CORSOrigins = appendUnique(cfg.Server.CORSOrigins, v)
	}

	str("UPSTREAM_PROVIDER", &cfg.Upstream.Provider)
	str("OPENAI_API_KEY", &cfg.Upstream.APIKey)
	str("OPENAI_BASE_URL", &cfg.Upstream.BaseURL)
	str("OPENAI_MODEL", &cfg.Upstream.Model)
	str("AWS_REGION", &cfg.Upstream.Region)
	integer("OPENAI_MAX_TOKENS", &cfg.Upstream.MaxTokens)
	float("OPENAI_TEMPERATURE", &cfg.Upstream.Temperature)
	float("OPENAI_TOP_P", &cfg.Upstream.TopP)
	float("OPENAI_FREQUENCY_PENALTY", &cfg.Upstream.FrequencyPenalty)
	float("OPENAI_PRESENCE_PENALTY", &cfg.Upstream.PresencePenalty)
	duration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	duration("STREAM_TIMEOUT", &cfg.Upstream.StreamTimeout)

	str("AUTH_MODE", &cfg.Auth.Mode)
	str("SUPABASE_URL", &cfg.Auth.SupabaseURL)
	str("SUPABASE_ANON_KEY", &cfg.Auth.SupabaseAnonKey)
	str("SUPABASE_JWT_SECRET", &cfg.Auth.JWTSecret)

	str("DATABASE_DRIVER", &cfg.Store.Driver)
	str("DATABASE_URL", &cfg.Store.DSN)
	str("REQUEST_LOG_DSN", &cfg.RequestLog.DSN)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(errs...)
}

// ValidateConfig validates a Config for correctness. It is run at startup
// so a misconfigured server fails before it accepts traffic.
func ValidateConfig(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}

	u := cfg.Upstream
	switch u.Provider {
	case ProviderOpenAI:
		if u.APIKey == "" {
			return fmt.Errorf("upstream.api_key (OPENAI_API_KEY) is required for the openai provider")
		}
	case ProviderBedrock:
	default:
		return fmt.Errorf("unknown upstream provider: %q", u.Provider)
	}
	if u.MaxTokens <= 0 {
		return fmt.Errorf("upstream.max_tokens must be positive")
	}
	if u.Temperature < 0 || u.Temperature > 2 {
		return fmt.Errorf("upstream.temperature must be between 0 and 2")
	}
	if u.TopP < 0 || u.TopP > 1 {
		return fmt.Errorf("upstream.top_p must be between 0 and 1")
	}
	if u.FrequencyPenalty < -2 || u.FrequencyPenalty > 2 || u.PresencePenalty < -2 || u.PresencePenalty > 2 {
		return fmt.Errorf("upstream penalties must be between -2 and 2")
	}
	if u.Timeout <= 0 || u.StreamTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive")
	}

	if cfg.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	if cfg.Chat.MaxMessageLength <= 0 {
		return fmt.Errorf("chat.max_message_length must be positive")
	}
	if cfg.Chat.HistoryTurns < 0 || cfg.Chat.StreamHistoryTurns < 0 {
		return fmt.Errorf("chat history windows must not be negative")
	}
	if cfg.Chat.TypingDelay < 0 {
		return fmt.Errorf("chat.typing_delay must not be negative")
	}

	switch cfg.Auth.Mode {
	case AuthModeSupabase:
		if cfg.Auth.SupabaseURL == "" || cfg.Auth.SupabaseAnonKey == "" {
			return fmt.Errorf("auth mode supabase requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	case AuthModeJWT:
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth mode jwt requires SUPABASE_JWT_SECRET")
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("unknown auth mode: %q", cfg.Auth.Mode)
	}

	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn (DATABASE_URL) is required")
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
