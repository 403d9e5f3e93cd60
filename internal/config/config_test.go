package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
services:
  - name: data
    base_url: http://data:8001
    health_path: /health
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.RateLimit.Limit)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 30*time.Second, cfg.ProxyTimeout())
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout())
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_address: 127.0.0.1
  port: 9090
log:
  level: debug
services:
  - name: data
    base_url: http://data:8001
    health_path: /healthz
  - name: files
    base_url: http://files:8004
    health_path: /health
rate_limit:
  limit: 50
  window_seconds: 10
  overrides:
    - service: files
      limit: 5
      window_seconds: 60
auth:
  secret: super-secret
  protected_services:
    - files
proxy:
  timeout_seconds: 15
store:
  backend: redis
  redis_address: redis:6379
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr())
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Services, 2)
	assert.Equal(t, "/healthz", cfg.Services[0].HealthPath)
	assert.Equal(t, 50, cfg.RateLimit.Limit)
	require.Len(t, cfg.RateLimit.Overrides, 1)
	assert.Equal(t, "files", cfg.RateLimit.Overrides[0].Service)
	assert.Equal(t, 5, cfg.RateLimit.Overrides[0].Limit)
	assert.Equal(t, []string{"files"}, cfg.Auth.ProtectedServices)
	assert.Equal(t, 15*time.Second, cfg.ProxyTimeout())
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddress)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EDGEGATE_SERVER_PORT", "9999")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "no services",
			content: `log: {level: info}`,
		},
		{
			name: "duplicate service",
			content: `
services:
  - {name: data, base_url: http://a:1}
  - {name: data, base_url: http://b:2}
`,
		},
		{
			name: "bad base url",
			content: `
services:
  - {name: data, base_url: data:8001}
`,
		},
		{
			name: "override for unknown service",
			content: minimalConfig + `
rate_limit:
  limit: 10
  window_seconds: 60
  overrides:
    - {service: ghost, limit: 1, window_seconds: 1}
`,
		},
		{
			name: "protected service without secret",
			content: minimalConfig + `
auth:
  protected_services: [data]
`,
		},
		{
			name: "protected service not registered",
			content: minimalConfig + `
auth:
  secret: x
  protected_services: [ghost]
`,
		},
		{
			name: "unknown store backend",
			content: minimalConfig + `
store:
  backend: dynamo
`,
		},
		{
			name: "zero rate limit",
			content: minimalConfig + `
rate_limit:
  limit: 0
  window_seconds: 60
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
