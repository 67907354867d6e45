package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/compozy/flow/engine/core"
	"github.com/compozy/flow/pkg/logger"
)

const DefaultSize = 1000

// LoadFunc computes the value for a key on a miss.
type LoadFunc func(ctx context.Context) (any, error)

// Cache memoizes action results by the canonical form of their payload.
// Concurrent misses on one key share a single load. Failed loads are not
// stored.
type Cache struct {
	entries *lru.Cache[string, any]
	group   singleflight.Group
}

func New(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("init result cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// KeyOf returns the cache key of a cleaned action payload.
func KeyOf(payload map[string]any) string {
	return string(core.StableJSONBytes(payload))
}

// KeyWith extends the payload key with the directives that shape the cached
// value. Without any it equals KeyOf(payload).
func KeyWith(payload, shape map[string]any) string {
	if len(shape) == 0 {
		return KeyOf(payload)
	}
	return KeyOf(payload) + "|" + KeyOf(shape)
}

// Do returns the cached value for key or runs load once for every caller
// waiting on the same key. The boolean reports a hit. Callers always receive
// their own copy of the value.
func (c *Cache) Do(ctx context.Context, key string, load LoadFunc) (any, bool, error) {
	if v, ok := c.entries.Get(key); ok {
		recordLookup(ctx, true)
		return core.CloneValue(v), true, nil
	}
	res, err, shared := c.group.Do(key, func() (any, error) {
		return c.fill(ctx, key, load)
	})
	if err != nil {
		recordLookup(ctx, false)
		return nil, false, err
	}
	l := res.(lookup)
	recordLookup(ctx, l.hit)
	if shared {
		logger.FromContext(ctx).Debug("Cache load shared with a concurrent caller")
	}
	return core.CloneValue(l.value), l.hit, nil
}

type lookup struct {
	value any
	hit   bool
}

// fill runs inside the flight for key. An entry stored between the first
// lookup and the flight start is served as a hit.
func (c *Cache) fill(ctx context.Context, key string, load LoadFunc) (lookup, error) {
	if v, ok := c.entries.Get(key); ok {
		return lookup{value: v, hit: true}, nil
	}
	out, err := load(ctx)
	if err != nil {
		return lookup{}, err
	}
	c.entries.Add(key, core.CloneValue(out))
	return lookup{value: out}, nil
}

func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return core.CloneValue(v), true
}

func (c *Cache) Set(key string, v any) {
	c.entries.Add(key, core.CloneValue(v))
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) Purge() {
	c.entries.Purge()
}

// Entry is one cached key and value.
type Entry struct {
	Key   string
	Value any
}

// Entries lists the cache from least to most recently used.
func (c *Cache) Entries() []Entry {
	keys := c.entries.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.entries.Peek(k); ok {
			out = append(out, Entry{Key: k, Value: v})
		}
	}
	return out
}
