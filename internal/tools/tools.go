// Package tools defines the [Tool] type offered to the model and the
// [Registry] holding the fixed set of tools a deployment exposes.
//
// A tool that has side effects is never run when the model proposes it.
// [Tool.Describe] renders the confirmation prompt shown to the user, and
// [Tool.Handler] runs only after the user accepted that prompt on a later
// turn.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/fetchpilot/pkg/provider/llm"
)

// ErrDuplicateTool is returned by [Registry.Register] for a name that is
// already registered.
var ErrDuplicateTool = errors.New("tools: duplicate tool name")

// Tool is a function the model may propose.
type Tool struct {
	// Definition is the tool's model-facing schema.
	Definition llm.ToolDefinition

	// Describe validates the JSON-encoded args and returns the message shown
	// in the confirmation prompt.
	Describe func(args string) (string, error)

	// Handler executes the tool with JSON-encoded args and returns the text
	// result recorded in the tool message. Implementations must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

// Name returns the tool's function name.
func (t Tool) Name() string { return t.Definition.Name }

// Registry is a name-indexed, insertion-ordered set of tools. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry returns a registry holding the given tools.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. The name must be non-empty and unique and both Describe
// and Handler must be set.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if t.Describe == nil || t.Handler == nil {
		return fmt.Errorf("tools: tool %q: Describe and Handler are required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the model-facing schemas in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}
