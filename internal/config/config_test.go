package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "http://localhost:8000", cfg.Agent.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.SSE.KeepaliveInterval)
	assert.Equal(t, 10, cfg.RateLimit.SendsPerMinute)
	assert.False(t, cfg.Engine.DiagnosticsEnabled)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
agent:
  base_url: http://agent.internal:8000
engine:
  diagnostics_enabled: true
  plan_settle_delay: 1500ms
  default_allowed_tools: [search, read_file]
sse:
  keepalive_interval: 30s
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("DEFAULT_ALLOWED_TOOLS", "terminal, ,search")
	t.Setenv("SEND_RATE_PER_MINUTE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port, "env overrides file")
	assert.Equal(t, "http://agent.internal:8000", cfg.Agent.BaseURL)
	assert.True(t, cfg.Engine.DiagnosticsEnabled)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.PlanSettleDelay)
	assert.Equal(t, []string{"terminal", "search"}, cfg.Engine.DefaultAllowedTools)
	assert.Equal(t, 30*time.Second, cfg.SSE.KeepaliveInterval)
	assert.Equal(t, 10, cfg.RateLimit.SendsPerMinute, "invalid numbers keep the previous value")
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [unterminated"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Port = ""
	cfg.GRPCPort = ""
	cfg.Engine.PlanSettleDelay = -time.Second
	cfg.RateLimit.SendsPerMinute = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT cannot be empty")
	assert.Contains(t, err.Error(), "PLAN_SETTLE_DELAY")
	assert.Contains(t, err.Error(), "SEND_RATE_PER_MINUTE")

	cfg = Default()
	cfg.GRPCPort = cfg.Port
	assert.Error(t, cfg.Validate())
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Default()
	cfg.FrontendURL = "https://app.example.com"
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins())

	cfg.FrontendURL = "http://localhost:5173"
	assert.Equal(t, []string{"http://localhost:5173", "*"}, cfg.AllowedOrigins())

	cfg.CORSAllowedOrigins = []string{"https://a.example.com"}
	assert.Equal(t, []string{"https://a.example.com"}, cfg.AllowedOrigins())
}
