package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.Fleet.HeartbeatInterval)
	require.Equal(t, 90*time.Second, cfg.Fleet.HeartbeatTimeout)
	require.Equal(t, 8000, cfg.Context.MaxTokens)
	require.Equal(t, 50, cfg.Context.MaxMessages)
	require.Equal(t, 6000, cfg.Context.ManagementThreshold)
	require.Equal(t, "openai", cfg.LLM.Provider)
}

func TestLoadYAMLWithBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	body := "\xef\xbb\xbfdata_path: /tmp/conductor\nquota:\n  requests_per_minute: 12\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/conductor", cfg.DataPath)
	require.Equal(t, 12, cfg.Quota.RequestsPerMinute)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0o644))
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("CONDUCTOR_PORT", "9001")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, 9001, cfg.Server.Port)
}
