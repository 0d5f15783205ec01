// Package tools defines the tool execution surface consumed by the loop and
// provides a registry-backed executor with timeouts and panic recovery.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/models"
)

// Executor runs tool calls on behalf of the loop. The scope string comes
// unchanged from the agent definition; its interpretation is the executor's
// concern.
type Executor interface {
	Execute(ctx context.Context, call models.ToolCall, scope string, timeout time.Duration) models.ToolResult
	HasTools(names ...string) bool
}

// Definition describes a registered tool for the model.
type Definition struct {
	// Name is the tool name exposed to the model.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// InputSchema is the JSON schema of the tool arguments.
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Handler implements one tool. Arguments arrive as raw JSON; the returned
// value is serialized into the tool result.
type Handler func(ctx context.Context, args json.RawMessage, scope string) (any, error)

// Registry is an in-process Executor backed by registered handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]Definition
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]Definition),
		logger:   logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the handler.
func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = handler
	r.defs[def.Name] = def
}

// Definitions returns the registered tool descriptions for the model,
// sorted by name so the offered tool list is stable between runs.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasTools reports whether every named tool is registered.
func (r *Registry) HasTools(names ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if _, ok := r.handlers[name]; !ok {
			return false
		}
	}
	return true
}

// Execute runs one tool call under the timeout. Failures, timeouts, and
// handler panics are reported in the result, never raised.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, scope string, timeout time.Duration) models.ToolResult {
	start := time.Now()
	result := models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}

	r.mu.RLock()
	handler, ok := r.handlers[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Error = fmt.Sprintf("unknown tool %q", call.Name)
		result.Duration = time.Since(start)
		return result
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "tool", call.Name, "panic", rec)
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, rec)}
			}
		}()
		value, err := handler(ctx, call.Arguments, scope)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		result.Error = models.Errorf(models.CodeToolTimeout,
			"tool %s timed out after %s", call.Name, timeout).Error()
	case out := <-done:
		if out.err != nil {
			result.Error = out.err.Error()
		} else {
			result.Result = out.value
		}
	}
	result.Duration = time.Since(start)
	return result
}
