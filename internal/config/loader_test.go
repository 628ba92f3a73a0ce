package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalYAML = `upstream:
  url: http://ha.local:8123
  token: secret-token
auth:
  apiKeys:
    - key-one
`

func writeConfigFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when only required settings provided",
			setup: func(t *testing.T) []string {
				return []string{writeConfigFile(t, "bridge.yaml", minimalYAML)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8000, cfg.Server.Listen.Port)
				require.Equal(t, 300, cfg.Cache.TTLSeconds)
				require.Equal(t, 1000, cfg.Cache.StatesCapacity)
				require.Equal(t, 20, cfg.Scheduler.MaxConcurrent)
				require.Equal(t, 100, cfg.RateLimit.MaxRequests)
				require.True(t, cfg.EventStream.Enabled)
				require.Contains(t, cfg.Auth.BypassPaths, "/health")
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				contents := minimalYAML + `server:
  listen:
    port: 9090
cache:
  ttlSeconds: 60
eventstream:
  filter:
    enabled: true
    excludeDomains:
      - sun
`
				return []string{writeConfigFile(t, "bridge.yaml", contents)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 60, cfg.Cache.TTLSeconds)
				require.True(t, cfg.EventStream.Filter.Enabled)
				require.Equal(t, []string{"sun"}, cfg.EventStream.Filter.ExcludeDomains)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("HABRIDGE_SERVER__LISTEN__PORT", "9091")
				t.Setenv("HABRIDGE_UPSTREAM__TOKEN", "env-token")
				t.Setenv("HABRIDGE_CACHE__TTLSECONDS", "120")
				return []string{writeConfigFile(t, "bridge.yaml", minimalYAML)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "env-token", cfg.Upstream.Token)
				require.Equal(t, 120, cfg.Cache.TTLSeconds)
			},
		},
		{
			name: "loads json files",
			setup: func(t *testing.T) []string {
				contents := `{"upstream":{"url":"http://ha.local:8123","token":"t"},"auth":{"apiKeys":["k"]},"scheduler":{"maxConcurrent":5}}`
				return []string{writeConfigFile(t, "bridge.json", contents)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 5, cfg.Scheduler.MaxConcurrent)
			},
		},
		{
			name: "loads toml files",
			setup: func(t *testing.T) []string {
				contents := "[upstream]\nurl = \"http://ha.local:8123\"\ntoken = \"t\"\n\n[auth]\napiKeys = [\"k\"]\n\n[ratelimit]\nmaxRequests = 7\n"
				return []string{writeConfigFile(t, "bridge.toml", contents)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 7, cfg.RateLimit.MaxRequests)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeConfigFile(t, "bridge.ini", "upstream=\n")}
			},
			wantErr: true,
		},
		{
			name: "fails validation without upstream token",
			setup: func(t *testing.T) []string {
				contents := "upstream:\n  url: http://ha.local:8123\nauth:\n  apiKeys:\n    - k\n"
				return []string{writeConfigFile(t, "bridge.yaml", contents)}
			},
			wantErr: true,
		},
		{
			name: "fails validation without api keys",
			setup: func(t *testing.T) []string {
				contents := "upstream:\n  url: http://ha.local:8123\n  token: t\n"
				return []string{writeConfigFile(t, "bridge.yaml", contents)}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			loader := NewLoader("HABRIDGE", files...)
			cfg, err := loader.Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.Upstream.URL = "http://ha.local:8123"
		cfg.Upstream.Token = "t"
		cfg.Auth.APIKeys = []string{"k"}
		return cfg
	}

	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"port out of range":        func(c *Config) { c.Server.Listen.Port = 70000 },
		"zero rate limit":          func(c *Config) { c.RateLimit.MaxRequests = 0 },
		"zero window":              func(c *Config) { c.RateLimit.WindowSeconds = 0 },
		"zero cache ttl":           func(c *Config) { c.Cache.TTLSeconds = 0 },
		"zero states capacity":     func(c *Config) { c.Cache.StatesCapacity = 0 },
		"zero scheduler slots":     func(c *Config) { c.Scheduler.MaxConcurrent = 0 },
		"zero scheduler timeout":   func(c *Config) { c.Scheduler.TimeoutSeconds = 0 },
		"negative reconnect cap":   func(c *Config) { c.EventStream.ReconnectMaxAttempts = -1 },
		"zero reconnect max delay": func(c *Config) { c.EventStream.ReconnectMaxDelaySeconds = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
