package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Registry is the fixed set of tools available to the model. It is built
// once at startup and never mutated afterwards, so it is safe for
// concurrent use without locking.
type Registry struct {
	handlers []Handler
	byName   map[string]Handler // lower-cased names
}

// NewRegistry builds a registry from the given handlers in order.
// Names are matched case-insensitively and must be unique.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{byName: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		name := h.Metadata().Name
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		key := strings.ToLower(name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.byName[key] = h
		r.handlers = append(r.handlers, h)
	}
	return r, nil
}

// Metadata returns the metadata of every registered tool in registration order.
func (r *Registry) Metadata() []Metadata {
	out := make([]Metadata, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = h.Metadata()
	}
	return out
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.handlers))
	for i, h := range r.handlers {
		out[i] = h.Metadata().Name
	}
	return out
}

// Execute runs the named tool. An unregistered name yields ErrUnknownTool;
// any handler failure (including a panic) is returned as a *ToolError
// carrying the tool name and cause.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result json.RawMessage, err error) {
	h, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", name, "panic", p)
			result, err = nil, asToolError(name, Failed(fmt.Errorf("panic: %v", p)))
		}
	}()

	out, err := h.Execute(ctx, args)
	if err != nil {
		te := asToolError(name, err)
		slog.Warn("tool failed", "tool", name, "kind", te.Kind.String(), "err", te.Err)
		return nil, te
	}
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}
	return out, nil
}
