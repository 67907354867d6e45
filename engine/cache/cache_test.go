package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Do(t *testing.T) {
	ctx := context.Background()

	t.Run("Should call the loader once for repeated lookups", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		var calls atomic.Int32
		load := func(context.Context) (any, error) {
			calls.Add(1)
			return map[string]any{"v": 1}, nil
		}
		key := KeyOf(map[string]any{"b": 2, "a": 1})
		first, hit, err := c.Do(ctx, key, load)
		require.NoError(t, err)
		assert.False(t, hit)
		second, hit, err := c.Do(ctx, key, load)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Should coalesce concurrent misses on one key", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		var calls atomic.Int32
		release := make(chan struct{})
		load := func(context.Context) (any, error) {
			calls.Add(1)
			<-release
			return "v", nil
		}
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, _, err := c.Do(ctx, "k", load)
				assert.NoError(t, err)
				assert.Equal(t, "v", v)
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Should not store failed loads", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		_, _, err = c.Do(ctx, "k", func(context.Context) (any, error) { return nil, errors.New("boom") })
		require.Error(t, err)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("Should hand out independent copies", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		c.Set("k", map[string]any{"n": 1})
		v, _ := c.Get("k")
		v.(map[string]any)["n"] = 2
		again, _ := c.Get("k")
		assert.Equal(t, map[string]any{"n": 1}, again)
	})

	t.Run("Should evict the least recently used entry", func(t *testing.T) {
		c, err := New(2)
		require.NoError(t, err)
		c.Set("a", 1)
		c.Set("b", 2)
		c.Get("a")
		c.Set("c", 3)
		_, ok := c.Get("b")
		assert.False(t, ok)
		assert.Equal(t, 2, c.Len())
	})
}

func TestCache_fill(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report an entry stored before the flight started as a hit", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		c.Set("k", "stored")
		called := false
		res, err := c.fill(ctx, "k", func(context.Context) (any, error) {
			called = true
			return "loaded", nil
		})
		require.NoError(t, err)
		assert.True(t, res.hit)
		assert.Equal(t, "stored", res.value)
		assert.False(t, called)
	})

	t.Run("Should report a fresh load as a miss", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		res, err := c.fill(ctx, "k", func(context.Context) (any, error) {
			return "loaded", nil
		})
		require.NoError(t, err)
		assert.False(t, res.hit)
		assert.Equal(t, "loaded", res.value)
		assert.Equal(t, 1, c.Len())
	})
}

func TestKeyOf(t *testing.T) {
	t.Run("Should ignore key order", func(t *testing.T) {
		a := KeyOf(map[string]any{"x": 1, "y": map[string]any{"b": 1, "a": 2}})
		b := KeyOf(map[string]any{"y": map[string]any{"a": 2, "b": 1}, "x": 1})
		assert.Equal(t, a, b)
	})
}

func TestKeyWith(t *testing.T) {
	payload := map[string]any{"cmd": "value"}

	t.Run("Should equal the payload key without shaping directives", func(t *testing.T) {
		assert.Equal(t, KeyOf(payload), KeyWith(payload, nil))
	})

	t.Run("Should separate results shaped differently", func(t *testing.T) {
		a := KeyWith(payload, map[string]any{"out": "$.a"})
		b := KeyWith(payload, map[string]any{"out": "$.b"})
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, KeyOf(payload), a)
	})
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	newStore := func(t *testing.T) *Store {
		return NewStore(afero.NewOsFs(), filepath.Join(t.TempDir(), "cache", "results.snapshot"))
	}

	t.Run("Should round trip entries in recency order", func(t *testing.T) {
		store := newStore(t)
		src, err := New(10)
		require.NoError(t, err)
		src.Set("a", map[string]any{"list": []any{1, "two"}})
		src.Set("b", "plain")
		require.NoError(t, store.Save(ctx, src))

		dst, err := New(10)
		require.NoError(t, err)
		n, err := store.Load(ctx, dst)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		v, ok := dst.Get("a")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"list": []any{1, "two"}}, v)
		entries := dst.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "a", entries[0].Key)
	})

	t.Run("Should treat a missing snapshot as empty", func(t *testing.T) {
		c, err := New(10)
		require.NoError(t, err)
		n, err := newStore(t).Load(ctx, c)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Should tolerate a corrupt snapshot", func(t *testing.T) {
		store := newStore(t)
		fsys := afero.NewOsFs()
		require.NoError(t, fsys.MkdirAll(filepath.Dir(store.Path()), 0o755))
		require.NoError(t, afero.WriteFile(fsys, store.Path(), []byte("not a snapshot"), 0o600))
		c, err := New(10)
		require.NoError(t, err)
		n, err := store.Load(ctx, c)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Zero(t, c.Len())
	})

	t.Run("Should remove the snapshot file", func(t *testing.T) {
		store := newStore(t)
		c, err := New(10)
		require.NoError(t, err)
		c.Set("a", 1)
		require.NoError(t, store.Save(ctx, c))
		require.NoError(t, store.Remove(ctx))
		_, err = afero.NewOsFs().Stat(store.Path())
		assert.True(t, os.IsNotExist(err))
		assert.NoError(t, store.Remove(ctx))
	})
}
