// Package tools provides the capability table an orchestrator dispatches
// agent tool calls through: a plain registry from tool name to handler.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]string) (string, error)

// Tool couples a name and description with its handler.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Handler     Handler `json:"-"`
}

// Registry is a concurrency-safe name-to-tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("tool requires a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool.Handler(ctx, args)
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
