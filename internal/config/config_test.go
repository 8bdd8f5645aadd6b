// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
database:
  path: "./test.db"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
ai:
  base_url: "http://localhost:11434/v1"
`

func TestLoad_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_addr: "0.0.0.0:9090"
database:
  path: "./test.db"
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
batching:
  quiet_window: "800ms"
  max_window: "2s"
  retry_backoff: "250ms"
  fallback_text: "One moment please"
memory:
  backend: redis
  redis_url: "redis://localhost:6379/0"
  max_turns: 12
  turn_ttl: "6h"
learning:
  schedule: "0 3 * * *"
  lookback: "720h"
  min_samples: 25
  approval_samples: 40
patterns:
  max_applied: 3
ai:
  base_url: "https://api.example.com/v1"
  model: "small-model"
  timeout: "15s"
ingest:
  rate_per_second: 5
  burst: 10
logging:
  level: "debug"
  format: "json"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, 800*time.Millisecond, cfg.Batching.QuietWindow)
	assert.Equal(t, 2*time.Second, cfg.Batching.MaxWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Batching.RetryBackoff)
	assert.Equal(t, "One moment please", cfg.Batching.FallbackText)
	assert.Equal(t, "redis", cfg.Memory.Backend)
	assert.Equal(t, 12, cfg.Memory.MaxTurns)
	assert.Equal(t, 6*time.Hour, cfg.Memory.TurnTTL)
	assert.Equal(t, "0 3 * * *", cfg.Learning.Schedule)
	assert.Equal(t, 720*time.Hour, cfg.Learning.Lookback)
	assert.Equal(t, 40, cfg.Learning.ApprovalSamples)
	assert.Equal(t, 3, cfg.Patterns.MaxApplied)
	assert.Equal(t, 15*time.Second, cfg.AI.Timeout)
	assert.InDelta(t, 5.0, cfg.Ingest.RatePerSecond, 1e-9)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 800*time.Millisecond, cfg.Batching.QuietWindow)
	assert.Equal(t, 2*time.Second, cfg.Batching.MaxWindow)
	assert.NotEmpty(t, cfg.Batching.FallbackText)
	assert.Equal(t, "memory", cfg.Memory.Backend)
	assert.Equal(t, 20, cfg.Memory.MaxTurns)
	assert.Equal(t, 20, cfg.Learning.MinSamples)
	assert.Equal(t, 30, cfg.Learning.ApprovalSamples)
	assert.Equal(t, 2, cfg.Patterns.MaxApplied)
	assert.Equal(t, 3, cfg.Patterns.RetireAfter)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.DedupeTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BATCHLINE_SECRET", "abcdefghijklmnopqrstuvwxyz0123456789")
	t.Setenv("TEST_BATCHLINE_AI", "http://ai.internal/v1")

	cfg, err := Parse([]byte(`
database:
  path: "./x.db"
auth:
  jwt_secret: "${TEST_BATCHLINE_SECRET}"
ai:
  base_url: "${TEST_BATCHLINE_AI}"
`))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz0123456789", cfg.Auth.JWTSecret)
	assert.Equal(t, "http://ai.internal/v1", cfg.AI.BaseURL)
}

func TestExpandEnvVars_Unset(t *testing.T) {
	assert.Equal(t, "key=", expandEnvVars("key=${BATCHLINE_SURELY_UNSET_VAR}"))
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(minimalConfig + `
batching:
  quiet_window: "soon"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batching.quiet_window")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{
			name:    "max shorter than quiet",
			extra:   "batching:\n  quiet_window: 3s\n  max_window: 1s\n",
			wantErr: "max_window",
		},
		{
			name:    "redis without url",
			extra:   "memory:\n  backend: redis\n",
			wantErr: "redis_url",
		},
		{
			name:    "unknown backend",
			extra:   "memory:\n  backend: memcached\n",
			wantErr: "memory.backend",
		},
		{
			name:    "approval below minimum",
			extra:   "learning:\n  min_samples: 50\n  approval_samples: 10\n",
			wantErr: "approval_samples",
		},
		{
			name:    "bad log format",
			extra:   "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(minimalConfig + tt.extra))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	_, err := Parse([]byte("auth:\n  jwt_secret: short\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")

	_, err = Parse([]byte("database:\n  path: x.db\nauth:\n  jwt_secret: short\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("BATCHLINE_CONFIG", "/etc/batchline.yaml")
	assert.Equal(t, "/etc/batchline.yaml", DefaultPath())

	t.Setenv("BATCHLINE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "batchline", "config.yaml"), DefaultPath())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
