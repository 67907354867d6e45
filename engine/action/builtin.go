package action

import (
	"context"
	"fmt"

	"github.com/compozy/flow/engine/core"
)

const (
	EchoPattern       = "cmd:echo"
	CollectionPattern = "_:*"
	collectionOpKey   = "_"
)

// RegisterBuiltins installs the echo handler and the collection handler.
func RegisterBuiltins(r *Registry) error {
	if err := r.Add(EchoPattern, Echo); err != nil {
		return fmt.Errorf("register echo: %w", err)
	}
	if err := r.Add(CollectionPattern, Collection); err != nil {
		return fmt.Errorf("register collection: %w", err)
	}
	return nil
}

// Echo returns its payload without the command field.
func Echo(_ context.Context, payload map[string]any) (any, error) {
	out := core.CloneMap(payload)
	delete(out, "cmd")
	return out, nil
}

// Collection applies the operation named by "_" to "in". "args" is a single
// argument or a list of them. When "select" is set the operation works on
// that path of "in" and its result is written back there.
func Collection(_ context.Context, payload map[string]any) (any, error) {
	in, ok := payload[core.InputKey]
	if !ok || in == nil {
		return nil, nil
	}
	name, ok := payload[collectionOpKey].(string)
	if !ok {
		return nil, core.InvalidMessage("_ must name an operation, got %T", payload[collectionOpKey])
	}
	op, ok := collectionOps[name]
	if !ok {
		return nil, core.InvalidMessage("unknown collection operation %q", name)
	}
	args := argList(payload["args"])
	selectPath, _ := payload["select"].(string)
	if selectPath == "" {
		return op(core.CloneValue(in), args)
	}
	doc := core.CloneValue(in)
	target, _ := lookup(doc, selectPath)
	res, err := op(target, args)
	if err != nil {
		return nil, err
	}
	return setPath(doc, selectPath, res)
}

func argList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}
