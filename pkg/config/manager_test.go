package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reload and notify on change", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 2\n")
		m := NewManager(nil)
		t.Cleanup(func() { _ = m.Close(ctx) })
		_, err := m.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		assert.Equal(t, 2, m.Get().Engine.Concurrency)

		changed := make(chan int, 4)
		m.OnChange(func(cfg *Config) { changed <- cfg.Engine.Concurrency })
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: 4\n"), 0o600))
		require.NoError(t, m.Reload(ctx))
		select {
		case n := <-changed:
			assert.Equal(t, 4, n)
		case <-time.After(time.Second):
			t.Fatal("expected a change notification")
		}
		assert.Equal(t, 4, m.Get().Engine.Concurrency)
	})

	t.Run("Should pick up file edits through the watcher", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 2\n")
		m := NewManager(nil)
		m.SetDebounce(10 * time.Millisecond)
		t.Cleanup(func() { _ = m.Close(ctx) })
		_, err := m.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: 6\n"), 0o600))
		assert.Eventually(t, func() bool {
			return m.Get().Engine.Concurrency == 6
		}, 3*time.Second, 20*time.Millisecond)
	})
}

func TestManager_OnChange(t *testing.T) {
	ctx := context.Background()

	t.Run("Should stop notifying after unsubscribe", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 2\n")
		m := NewManager(nil)
		t.Cleanup(func() { _ = m.Close(ctx) })
		_, err := m.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		var calls atomic.Int32
		unsubscribe := m.OnChange(func(*Config) { calls.Add(1) })
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: 3\n"), 0o600))
		require.NoError(t, m.Reload(ctx))
		unsubscribe()
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: 5\n"), 0o600))
		require.NoError(t, m.Reload(ctx))
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 5, m.Get().Engine.Concurrency)
	})

	t.Run("Should not notify when a reload changes nothing", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 2\n")
		m := NewManager(nil)
		t.Cleanup(func() { _ = m.Close(ctx) })
		_, err := m.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		var calls atomic.Int32
		m.OnChange(func(*Config) { calls.Add(1) })
		require.NoError(t, m.Reload(ctx))
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("Should coalesce bursts of file events into one reload", func(t *testing.T) {
		path := writeYAML(t, "engine:\n  concurrency: 2\n")
		m := NewManager(nil)
		m.SetDebounce(50 * time.Millisecond)
		t.Cleanup(func() { _ = m.Close(ctx) })
		_, err := m.Load(ctx, NewYAMLProvider(path))
		require.NoError(t, err)
		seen := make(chan int, 8)
		m.OnChange(func(cfg *Config) { seen <- cfg.Engine.Concurrency })
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for _, n := range []string{"3", "4", "7"} {
			require.NoError(t, os.WriteFile(path, []byte("engine:\n  concurrency: "+n+"\n"), 0o600))
			m.scheduleReload(watchCtx)
		}
		select {
		case n := <-seen:
			assert.Equal(t, 7, n)
		case <-time.After(2 * time.Second):
			t.Fatal("expected a change notification")
		}
		select {
		case n := <-seen:
			t.Fatalf("unexpected second notification with %d", n)
		case <-time.After(150 * time.Millisecond):
		}
	})
}

func TestFromContext(t *testing.T) {
	t.Run("Should return the attached manager's config", func(t *testing.T) {
		m := NewManager(nil)
		_, err := m.Load(context.Background(), NewCLIProvider(map[string]any{"concurrency": 3}))
		require.NoError(t, err)
		ctx := ContextWithManager(context.Background(), m)
		assert.Equal(t, 3, FromContext(ctx).Engine.Concurrency)
		assert.Same(t, m, ManagerFromContext(ctx))
	})

	t.Run("Should fall back to defaults", func(t *testing.T) {
		cfg := FromContext(context.Background())
		require.NotNil(t, cfg)
		assert.Positive(t, cfg.Engine.Concurrency)
	})
}
