// Package config reads the gateway configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/retry"
)

// Sanitizer modes.
const (
	SanitizerNone    = "none"
	SanitizerGRPC    = "grpc"
	SanitizerDualLLM = "dual_llm"
)

// Notification transports for policy invalidations.
const (
	NotifyNone     = "none"
	NotifyPostgres = "postgres"
	NotifyRedis    = "redis"
)

// Config is the full runtime configuration of the gateway binary.
type Config struct {
	LogLevel string `validate:"oneof=debug info warn error"`
	GRPCPort string `validate:"required,numeric"`
	HTTPPort string `validate:"required,numeric"`

	PostgresDSN   string
	ClickHouseDSN string
	RedisURL      string `validate:"required_if=NotifyMode redis"`

	// NotifyMode selects the push channel for policy invalidations.
	// Without one, cached policy is bounded by PolicyStaleness alone.
	NotifyMode      string        `validate:"oneof=none postgres redis"`
	NotifyChannel   string        `validate:"required"`
	PolicyStaleness time.Duration `validate:"gte=0"`
	AuthCacheTTL    time.Duration `validate:"gt=0"`
	ServerCacheTTL  time.Duration `validate:"gt=0"`

	// RoutesFile is the provider routes YAML; empty uses the built-in table.
	RoutesFile string
	Retry      retry.Policy

	SanitizerMode      string `validate:"oneof=none grpc dual_llm"`
	SanitizerEndpoint  string `validate:"required_if=SanitizerMode grpc"`
	SanitizerProvider  string `validate:"required_if=SanitizerMode dual_llm"`
	SanitizerModel     string `validate:"required_if=SanitizerMode dual_llm"`
	SanitizerMaxTokens int    `validate:"gte=0"`

	// StaticAPIKeys maps agent keys to agent ids when no Postgres is
	// configured. Format: "agk_...=agent-1,agk_...=agent-2".
	StaticAPIKeys map[string]string
	// InternalToken guards the /internal endpoints. Empty leaves them open
	// and they must then only be reachable on a private network.
	InternalToken string
	CORSOrigins   []string
}

// Load reads the configuration from the environment and validates it.
// Invalid values are a ConfigurationError.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel: envOrDefault("TRUST_GATEWAY_LOG_LEVEL", "info"),
		GRPCPort: envOrDefault("TRUST_GATEWAY_GRPC_PORT", "50054"),
		HTTPPort: envOrDefault("TRUST_GATEWAY_HTTP_PORT", "8080"),

		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		RedisURL:      os.Getenv("REDIS_URL"),

		NotifyMode:      envOrDefault("TRUST_GATEWAY_NOTIFY", NotifyNone),
		NotifyChannel:   envOrDefault("TRUST_GATEWAY_NOTIFY_CHANNEL", "agent_tool_policy_changed"),
		PolicyStaleness: envOrDefaultDuration("TRUST_GATEWAY_POLICY_STALENESS", 5*time.Second),
		AuthCacheTTL:    time.Duration(envOrDefaultInt("TRUST_GATEWAY_AUTH_CACHE_TTL_S", 30)) * time.Second,
		ServerCacheTTL:  time.Duration(envOrDefaultInt("TRUST_GATEWAY_SERVER_CACHE_TTL_S", 60)) * time.Second,

		RoutesFile: os.Getenv("TRUST_GATEWAY_ROUTES_FILE"),
		Retry: retry.Policy{
			MaxAttempts:     envOrDefaultInt("TRUST_GATEWAY_RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: envOrDefaultDuration("TRUST_GATEWAY_RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
			MaxInterval:     envOrDefaultDuration("TRUST_GATEWAY_RETRY_MAX_INTERVAL", 2*time.Second),
			AttemptTimeout:  envOrDefaultDuration("TRUST_GATEWAY_CALL_TIMEOUT", 30*time.Second),
		},

		SanitizerMode:      envOrDefault("TRUST_GATEWAY_SANITIZER", SanitizerNone),
		SanitizerEndpoint:  os.Getenv("SANITIZER_ENDPOINT"),
		SanitizerProvider:  envOrDefault("TRUST_GATEWAY_SANITIZER_PROVIDER", "anthropic"),
		SanitizerModel:     os.Getenv("TRUST_GATEWAY_SANITIZER_MODEL"),
		SanitizerMaxTokens: envOrDefaultInt("TRUST_GATEWAY_SANITIZER_MAX_TOKENS", 2048),

		StaticAPIKeys: parsePairs(os.Getenv("TRUST_GATEWAY_STATIC_API_KEYS")),
		InternalToken: os.Getenv("TRUST_GATEWAY_INTERNAL_TOKEN"),
		CORSOrigins:   parseList(envOrDefault("TRUST_GATEWAY_CORS_ORIGINS", "*")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints, including the nested retry policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return gwerr.WrapConfiguration(err, "invalid configuration")
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, item := range parseList(s) {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
