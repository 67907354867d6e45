package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/compozy/flow/engine/core"
)

// Wildcard matches any value of a present field.
const Wildcard = "*"

var ErrNoHandler = errors.New("no handler matches the payload")

// Executor performs action payloads. HasHandler reports whether Execute
// would find a handler for the payload.
type Executor interface {
	Execute(ctx context.Context, payload map[string]any) (any, error)
	HasHandler(payload map[string]any) bool
}

// HandlerFunc performs one matched action.
type HandlerFunc func(ctx context.Context, payload map[string]any) (any, error)

// Pattern maps field names to the value they must carry, or Wildcard.
type Pattern map[string]string

// ParsePattern reads the "key:value,key:value" form.
func ParsePattern(s string) (Pattern, error) {
	p := make(Pattern)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid pattern segment %q in %q", part, s)
		}
		p[key] = value
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("empty pattern %q", s)
	}
	return p, nil
}

func (p Pattern) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + p[k]
	}
	return strings.Join(parts, ",")
}

func (p Pattern) matches(payload map[string]any) bool {
	for k, want := range p {
		v, ok := payload[k]
		if !ok || v == nil {
			return false
		}
		if want != Wildcard && fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// exact counts the fields that match a literal value.
func (p Pattern) exact() int {
	n := 0
	for _, v := range p {
		if v != Wildcard {
			n++
		}
	}
	return n
}

type entry struct {
	pattern Pattern
	handler HandlerFunc
	seq     int
}

// Registry dispatches payloads to the most specific matching handler: the
// pattern with the most fields wins, then the one with the most literal
// values, then the most recently added.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	seq     int
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers fn under a "key:value" pattern.
func (r *Registry) Add(pattern string, fn HandlerFunc) error {
	p, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	r.AddPattern(p, fn)
	return nil
}

func (r *Registry) AddPattern(p Pattern, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	for i := range r.entries {
		if r.entries[i].pattern.String() == p.String() {
			r.entries[i] = entry{pattern: p, handler: fn, seq: r.seq}
			return
		}
	}
	r.entries = append(r.entries, entry{pattern: p, handler: fn, seq: r.seq})
}

func (r *Registry) lookup(payload map[string]any) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  entry
		found bool
	)
	for _, e := range r.entries {
		if !e.pattern.matches(payload) {
			continue
		}
		if !found || moreSpecific(e, best) {
			best, found = e, true
		}
	}
	return best, found
}

func moreSpecific(a, b entry) bool {
	if len(a.pattern) != len(b.pattern) {
		return len(a.pattern) > len(b.pattern)
	}
	if a.pattern.exact() != b.pattern.exact() {
		return a.pattern.exact() > b.pattern.exact()
	}
	return a.seq > b.seq
}

func (r *Registry) HasHandler(payload map[string]any) bool {
	_, ok := r.lookup(payload)
	return ok
}

// Execute runs the matched handler. Handler failures are reported as
// action errors.
func (r *Registry) Execute(ctx context.Context, payload map[string]any) (any, error) {
	e, ok := r.lookup(payload)
	if !ok {
		return nil, core.NewError(ErrNoHandler, core.CodeActionError, map[string]any{"payload": payload})
	}
	out, err := e.handler(ctx, payload)
	if err != nil {
		return nil, core.ActionFailed(err, map[string]any{"pattern": e.pattern.String()})
	}
	return out, nil
}

// Patterns lists the registered patterns in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.pattern.String()
	}
	return out
}
