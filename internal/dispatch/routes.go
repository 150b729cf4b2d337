package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/retry"
	"gopkg.in/yaml.v3"
)

// Protocol versions.
const (
	VersionLegacy  = "legacy"
	VersionUnified = "unified"
)

// Adapter kinds a route can name.
const (
	KindPassthrough      = "passthrough"
	KindAnthropicUnified = "anthropic_unified"
	KindOpenAIUnified    = "openai_unified"
	KindBedrock          = "bedrock"
)

// Route maps one (provider, version) pair to an adapter.
type Route struct {
	Provider string `yaml:"provider" validate:"required"`
	Version  string `yaml:"version" validate:"required"`
	Adapter  string `yaml:"adapter" validate:"required,oneof=passthrough anthropic_unified openai_unified bedrock"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	// APIKeyEnv names the environment variable holding the upstream key.
	APIKeyEnv string `yaml:"api_key_env"`
	// Region and Model apply to bedrock routes.
	Region string        `yaml:"region"`
	Model  string        `yaml:"model"`
	Retry  *retry.Policy `yaml:"retry"`
}

// RouteTable is the full provider route configuration.
type RouteTable struct {
	Routes []Route `yaml:"routes" validate:"required,min=1,dive"`
	// Defaults maps a provider to the version SelectConfigured uses.
	Defaults map[string]string `yaml:"defaults"`
}

// DefaultRouteTable returns the built-in routes used when no route file is
// configured.
func DefaultRouteTable() RouteTable {
	return RouteTable{
		Routes: []Route{
			{Provider: "anthropic", Version: VersionLegacy, Adapter: KindPassthrough, BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY"},
			{Provider: "anthropic", Version: VersionUnified, Adapter: KindAnthropicUnified, BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY"},
			{Provider: "openai", Version: VersionLegacy, Adapter: KindPassthrough, BaseURL: "https://api.openai.com", APIKeyEnv: "OPENAI_API_KEY"},
			{Provider: "openai", Version: VersionUnified, Adapter: KindOpenAIUnified, BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
			{Provider: "gemini", Version: VersionLegacy, Adapter: KindPassthrough, BaseURL: "https://generativelanguage.googleapis.com", APIKeyEnv: "GEMINI_API_KEY"},
			{Provider: "bedrock", Version: VersionUnified, Adapter: KindBedrock, Region: "us-east-1"},
		},
		Defaults: map[string]string{
			"anthropic": VersionLegacy,
			"openai":    VersionUnified,
			"gemini":    VersionLegacy,
			"bedrock":   VersionUnified,
		},
	}
}

// LoadRoutes reads a YAML route table from path. An empty path returns the
// built-in table.
func LoadRoutes(path string) (RouteTable, error) {
	if path == "" {
		return DefaultRouteTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RouteTable{}, gwerr.WrapConfiguration(err, "reading provider routes %s", path)
	}
	return ParseRoutes(data)
}

// ParseRoutes decodes and validates a YAML route table.
func ParseRoutes(data []byte) (RouteTable, error) {
	var table RouteTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return RouteTable{}, gwerr.WrapConfiguration(err, "parsing provider routes")
	}
	if err := table.Validate(); err != nil {
		return RouteTable{}, err
	}
	return table, nil
}

// Validate checks field constraints, duplicate routes and that every
// configured default names an existing route.
func (t RouteTable) Validate() error {
	if err := validator.New().Struct(t); err != nil {
		return gwerr.WrapConfiguration(err, "invalid provider routes")
	}
	seen := make(map[routeKey]bool, len(t.Routes))
	for _, r := range t.Routes {
		k := keyOf(r.Provider, r.Version)
		if seen[k] {
			return gwerr.Configuration("duplicate provider route %s", k)
		}
		seen[k] = true
	}
	for provider, version := range t.Defaults {
		if !seen[keyOf(provider, version)] {
			return gwerr.Configuration("provider %q is configured for unknown adapter version %q", provider, version)
		}
	}
	return nil
}

// WithEnv applies the environment switches to the configured defaults:
// <PROVIDER>_ADAPTER_VERSION selects a version for any provider, and
// ANTHROPIC_USE_V1_ROUTES=true|false selects the legacy or unified
// Anthropic routes when ANTHROPIC_ADAPTER_VERSION is unset.
func (t RouteTable) WithEnv(lookup func(string) (string, bool)) (RouteTable, error) {
	providers := make(map[string]bool)
	for _, r := range t.Routes {
		providers[strings.ToLower(r.Provider)] = true
	}
	defaults := make(map[string]string, len(t.Defaults))
	for p, v := range t.Defaults {
		defaults[strings.ToLower(p)] = normalizeVersion(v)
	}

	if v, ok := lookup("ANTHROPIC_USE_V1_ROUTES"); ok && v != "" {
		useV1, err := strconv.ParseBool(v)
		if err != nil {
			return RouteTable{}, gwerr.WrapConfiguration(err, "ANTHROPIC_USE_V1_ROUTES")
		}
		if useV1 {
			defaults["anthropic"] = VersionLegacy
		} else {
			defaults["anthropic"] = VersionUnified
		}
	}
	for p := range providers {
		if v, ok := lookup(strings.ToUpper(p) + "_ADAPTER_VERSION"); ok && v != "" {
			defaults[p] = normalizeVersion(v)
		}
	}

	out := RouteTable{Routes: append([]Route(nil), t.Routes...), Defaults: defaults}
	if err := out.Validate(); err != nil {
		return RouteTable{}, err
	}
	return out, nil
}

type routeKey struct {
	provider string
	version  string
}

func (k routeKey) String() string { return fmt.Sprintf("%s/%s", k.provider, k.version) }

func keyOf(provider, version string) routeKey {
	return routeKey{provider: strings.ToLower(provider), version: normalizeVersion(version)}
}

// normalizeVersion accepts the v1/v2 route names as aliases.
func normalizeVersion(v string) string {
	switch v = strings.ToLower(strings.TrimSpace(v)); v {
	case "v1":
		return VersionLegacy
	case "v2":
		return VersionUnified
	default:
		return v
	}
}
