package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compozy/flow/pkg/logger"
	"github.com/romdo/go-debounce"
)

const (
	defaultDebounce = 100 * time.Millisecond
	reloadMaxWait   = 1 * time.Second
)

// Manager holds the active configuration. When a source reports a change the
// configuration is reloaded from every source and subscribers are notified
// if the result differs.
type Manager struct {
	Service Service

	current  atomic.Pointer[Config]
	debounce time.Duration

	mu           sync.Mutex
	sources      []Source
	reload       func()
	cancelReload func()
	subs         map[int]func(*Config)
	nextSub      int

	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
	closeOnce   sync.Once
}

func NewManager(service Service) *Manager {
	if service == nil {
		service = NewService()
	}
	return &Manager{
		Service:  service,
		debounce: defaultDebounce,
		subs:     make(map[int]func(*Config)),
	}
}

// SetDebounce sets how long file events are coalesced before a reload. It
// must be called before Load.
func (m *Manager) SetDebounce(d time.Duration) {
	m.debounce = d
}

// Load reads the configuration from sources and watches those that support it.
func (m *Manager) Load(ctx context.Context, sources ...Source) (*Config, error) {
	cfg, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	m.mu.Lock()
	m.sources = append([]Source(nil), sources...)
	if m.watchCancel != nil {
		m.watchCancel()
	}
	if m.cancelReload != nil {
		m.cancelReload()
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.watchCancel = cancel
	m.reload, m.cancelReload = debounce.NewWithMaxWait(m.debounce, reloadMaxWait, func() {
		if watchCtx.Err() != nil {
			return
		}
		if err := m.Reload(watchCtx); err != nil {
			logger.FromContext(watchCtx).Error("Failed to reload configuration", "error", err)
		}
	})
	m.mu.Unlock()
	m.publish(cfg)
	m.watch(watchCtx, sources)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reload re-reads every source now.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()
	cfg, err := m.Service.Load(ctx, sources...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	m.publish(cfg)
	return nil
}

// OnChange subscribes fn to configuration changes. The returned function
// cancels the subscription.
func (m *Manager) OnChange(fn func(*Config)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Close stops watching and closes the sources.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		if m.watchCancel != nil {
			m.watchCancel()
		}
		if m.cancelReload != nil {
			m.cancelReload()
		}
		sources := append([]Source(nil), m.sources...)
		m.mu.Unlock()
		m.watchWg.Wait()
		for _, src := range sources {
			if src == nil {
				continue
			}
			if err := src.Close(); err != nil {
				logger.FromContext(ctx).Error("Failed to close configuration source", "error", err)
			}
		}
	})
	return nil
}

func (m *Manager) watch(ctx context.Context, sources []Source) {
	log := logger.FromContext(ctx)
	for _, src := range sources {
		if src == nil {
			continue
		}
		m.watchWg.Add(1)
		go func(src Source) {
			defer m.watchWg.Done()
			if err := src.Watch(ctx, func() { m.scheduleReload(ctx) }); err != nil {
				log.Debug("Configuration source not watched", "source", src.Type(), "error", err)
			}
		}(src)
	}
}

// scheduleReload coalesces bursts of change events into one reload.
func (m *Manager) scheduleReload(ctx context.Context) {
	m.mu.Lock()
	reload := m.reload
	m.mu.Unlock()
	if ctx.Err() != nil || reload == nil {
		return
	}
	reload()
}

func (m *Manager) publish(cfg *Config) {
	prev := m.current.Swap(cfg)
	if prev == nil || reflect.DeepEqual(prev, cfg) {
		return
	}
	m.mu.Lock()
	subs := make([]func(*Config), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}
