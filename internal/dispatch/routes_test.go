package dispatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/palisade/services/trust_gateway/internal/gwerr"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const routesYAML = `
routes:
  - provider: anthropic
    version: legacy
    adapter: passthrough
    base_url: https://anthropic.internal
    api_key_env: ANTHROPIC_API_KEY
  - provider: anthropic
    version: unified
    adapter: anthropic_unified
    retry:
      max_attempts: 5
      initial_interval: 200ms
      attempt_timeout: 45s
defaults:
  anthropic: v1
`

func TestParseRoutes(t *testing.T) {
	table, err := ParseRoutes([]byte(routesYAML))
	require.NoError(t, err)

	require.Len(t, table.Routes, 2)
	assert.Equal(t, "https://anthropic.internal", table.Routes[0].BaseURL)
	require.NotNil(t, table.Routes[1].Retry)
	assert.Equal(t, 5, table.Routes[1].Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, table.Routes[1].Retry.InitialInterval)
	assert.Equal(t, 45*time.Second, table.Routes[1].Retry.AttemptTimeout)
}

func TestParseRoutes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `routes: []`},
		{"unknown adapter", "routes:\n  - {provider: anthropic, version: legacy, adapter: telepathy}"},
		{"bad url", "routes:\n  - {provider: anthropic, version: legacy, adapter: passthrough, base_url: 'not a url'}"},
		{"duplicate", "routes:\n  - {provider: anthropic, version: legacy, adapter: passthrough}\n  - {provider: anthropic, version: v1, adapter: passthrough}"},
		{"default without route", "routes:\n  - {provider: anthropic, version: legacy, adapter: passthrough}\ndefaults:\n  anthropic: unified"},
		{"not yaml", "routes: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoutes([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, gwerr.ErrConfiguration))
		})
	}
}

func TestLoadRoutes(t *testing.T) {
	table, err := LoadRoutes("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRouteTable(), table)

	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routesYAML), 0o600))
	table, err = LoadRoutes(path)
	require.NoError(t, err)
	assert.Len(t, table.Routes, 2)

	_, err = LoadRoutes(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, gwerr.ErrConfiguration))
}

func TestRouteTable_WithEnv(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		anthropic string
		openai    string
	}{
		{"defaults", nil, VersionLegacy, VersionUnified},
		{"v1 routes on", map[string]string{"ANTHROPIC_USE_V1_ROUTES": "true"}, VersionLegacy, VersionUnified},
		{"v1 routes off", map[string]string{"ANTHROPIC_USE_V1_ROUTES": "false"}, VersionUnified, VersionUnified},
		{"explicit version wins", map[string]string{"ANTHROPIC_USE_V1_ROUTES": "true", "ANTHROPIC_ADAPTER_VERSION": "unified"}, VersionUnified, VersionUnified},
		{"openai legacy", map[string]string{"OPENAI_ADAPTER_VERSION": "v1"}, VersionLegacy, VersionLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := DefaultRouteTable().WithEnv(envMap(tt.env))
			require.NoError(t, err)
			assert.Equal(t, tt.anthropic, table.Defaults["anthropic"])
			assert.Equal(t, tt.openai, table.Defaults["openai"])
		})
	}
}

func TestRouteTable_WithEnvRejectsUnknownVersion(t *testing.T) {
	_, err := DefaultRouteTable().WithEnv(envMap(map[string]string{"GEMINI_ADAPTER_VERSION": "unified"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrConfiguration))

	_, err = DefaultRouteTable().WithEnv(envMap(map[string]string{"ANTHROPIC_USE_V1_ROUTES": "maybe"}))
	assert.True(t, errors.Is(err, gwerr.ErrConfiguration))
}
