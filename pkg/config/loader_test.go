package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("Should load defaults", func(t *testing.T) {
		cfg, err := NewService().Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, time.Second, cfg.Engine.UntilInterval)
		assert.Equal(t, 10, cfg.Engine.Concurrency)
		assert.Equal(t, 1000, cfg.Cache.Size)
		assert.Equal(t, "/metrics", cfg.Monitoring.Path)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("Should apply YAML over defaults and keep omitted keys", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  timeout: 30s\ncache:\n  enabled: true\n")
		svc := NewService()
		cfg, err := svc.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, cfg.Engine.Timeout)
		assert.True(t, cfg.Cache.Enabled)
		assert.Equal(t, 10, cfg.Engine.Concurrency)
		assert.Equal(t, SourceYAML, svc.GetSource("engine.timeout"))
		assert.Equal(t, SourceDefault, svc.GetSource("engine.concurrency"))
	})

	t.Run("Should let environment override YAML and CLI override environment", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 3\n  until_interval: 2s\n")
		t.Setenv("FLOW_ENGINE_CONCURRENCY", "5")
		t.Setenv("FLOW_ENGINE_UNTIL_INTERVAL", "250ms")
		svc := NewService()
		cfg, err := svc.Load(ctx, NewYAMLProvider(path), NewCLIProvider(map[string]any{"concurrency": 7}))
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Engine.Concurrency)
		assert.Equal(t, 250*time.Millisecond, cfg.Engine.UntilInterval)
		assert.Equal(t, SourceCLI, svc.GetSource("engine.concurrency"))
		assert.Equal(t, SourceEnv, svc.GetSource("engine.until_interval"))
	})

	t.Run("Should treat a missing YAML file as empty", func(t *testing.T) {
		cfg, err := NewService().Load(ctx, NewYAMLProvider(filepath.Join(t.TempDir(), "absent.yaml")))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Engine.Concurrency)
	})

	t.Run("Should reject invalid values", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 0\n")
		_, err := NewService().Load(ctx, NewYAMLProvider(path))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
	})

	t.Run("Should reject an unknown log level", func(t *testing.T) {
		_, err := NewService().Load(ctx, NewCLIProvider(map[string]any{"log-level": "loud"}))
		assert.Error(t, err)
	})
}

func TestTransformEnvKey(t *testing.T) {
	t.Run("Should map prefixed names to nested paths", func(t *testing.T) {
		assert.Equal(t, "engine.until_interval", transformEnvKey("FLOW_ENGINE_UNTIL_INTERVAL"))
		assert.Equal(t, "cache", transformEnvKey("FLOW_CACHE"))
		assert.Equal(t, "", transformEnvKey("FLOW_"))
	})
}

func TestGenerateEnvMappings(t *testing.T) {
	t.Run("Should expose every tagged field", func(t *testing.T) {
		assert.Equal(t, "engine.timeout", GenerateEnvToConfigMap()["FLOW_ENGINE_TIMEOUT"])
		assert.Equal(t, "FLOW_CACHE_SNAPSHOT_PATH", GetEnvVarForConfigPath("cache.snapshot_path"))
	})
}
