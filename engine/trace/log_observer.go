package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/compozy/flow/engine/core"
)

var depthColors = []lipgloss.Color{"15", "9", "10", "11", "12", "13", "14"}

// LogObserver renders the dispatch tree as indented IN / OUT blocks.
type LogObserver struct {
	mu  sync.Mutex
	out io.Writer
}

func NewLogObserver(out io.Writer) *LogObserver {
	return &LogObserver{out: out}
}

func (l *LogObserver) Begin(ctx context.Context, ev *Event) context.Context {
	var lines []string
	if ev.Parent != "" {
		switch ev.ParentKind {
		case core.KindSequence:
			lines = append(lines, "SEQUENCE ITEM:")
		case core.KindIterate:
			lines = append(lines, "ITERATE ITEM:")
		}
		lines = append(lines, "Parent:"+ev.Parent.String())
	}
	switch ev.Kind {
	case core.KindSequence:
		lines = append(lines, "SEQUENCE START:")
	case core.KindIterate:
		lines = append(lines, "ITERATE START:")
	}
	lines = append(lines, "IN  ID:"+ev.ID.String())
	lines = append(lines, fieldLines(ev.Payload)...)
	l.print(ev.Depth, lines)
	return ctx
}

func (l *LogObserver) End(_ context.Context, ev *Event) {
	lines := []string{fmt.Sprintf("OUT  ID:%s  %s", ev.ID, ev.Duration)}
	switch {
	case ev.Err != nil:
		lines = append(lines, "ERROR : "+ev.Err.Error())
	case ev.Skipped:
		lines = append(lines, "SKIPPED")
	default:
		lines = append(lines, render(ev.Result, true))
	}
	l.print(ev.Depth, lines)
}

func fieldLines(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+" : "+render(payload[k], false))
	}
	return lines
}

func render(v any, indent bool) string {
	switch v.(type) {
	case map[string]any, []any:
		var (
			b   []byte
			err error
		)
		if indent {
			b, err = json.MarshalIndent(v, "", "  ")
		} else {
			b, err = json.Marshal(v)
		}
		if err == nil {
			return string(b)
		}
	case []byte:
		return "BUFFER"
	}
	return fmt.Sprint(v)
}

func (l *LogObserver) print(depth int, lines []string) {
	style := lipgloss.NewStyle().Foreground(depthColors[depth%len(depthColors)])
	pad := strings.Repeat("   ", depth)
	var b strings.Builder
	b.WriteString("\n")
	for _, line := range lines {
		for _, part := range strings.Split(line, "\n") {
			b.WriteString(style.Render(pad + part))
			b.WriteString("\n")
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}
