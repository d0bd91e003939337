// Package tools provides the tool registry and execution framework.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EduMMorenolp/argenteia/internal/llm"
)

// Sentinel errors returned by Execute. The conversation loop converts both
// into textual tool output; they never reach the model-call layer as
// errors.
var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolDisabled = errors.New("tool disabled")
)

// Handler executes a tool. Arguments arrive as the leniently parsed
// key-value mapping from the model's JSON tool-call arguments; missing or
// malformed arguments appear as absent keys.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON-schema-shaped parameter spec.
	Parameters map[string]any
	// Enabled gates the tool at list and execution time. Nil means always
	// enabled. The predicate must be a pure function of current
	// configuration.
	Enabled func() bool
	Handler Handler
}

// Registry holds the set of callable tools. Registration happens once at
// startup before any conversation begins; lookups happen per round.
type Registry struct {
	tools  map[string]*Tool
	order  []string // registration order, stable across listing
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
}

// Register inserts a tool keyed by name. Re-registering a name overwrites
// the previous definition in place, keeping its original position in the
// listing order.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns the schema view of every enabled tool in registration
// order. When filter is non-nil, only names present in it are included;
// an empty non-nil filter yields no tools (explicit opt-in, not "all").
func (r *Registry) List(filter map[string]bool) []llm.ToolSchema {
	var out []llm.ToolSchema
	for _, name := range r.order {
		t := r.tools[name]
		if t.Enabled != nil && !t.Enabled() {
			continue
		}
		if filter != nil && !filter[name] {
			continue
		}
		out = append(out, llm.ToolSchema{
			Type: "function",
			Function: llm.FunctionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// Execute runs a tool by name. Unknown names fail with ErrToolNotFound and
// disabled tools with ErrToolDisabled. Executor failures, including
// panics, are caught and returned as a textual result identifying the
// failing tool, never as an error: the model sees tool failures as tool
// output.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t := r.tools[name]
	if t == nil {
		return "", fmt.Errorf("%q: %w", name, ErrToolNotFound)
	}
	if t.Enabled != nil && !t.Enabled() {
		return "", fmt.Errorf("%q: %w", name, ErrToolDisabled)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error executing %s: internal failure (%v)", name, rec)
			err = nil
		}
	}()

	out, execErr := t.Handler(ctx, args)
	if execErr != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", execErr)
		return fmt.Sprintf("Error executing %s: %v", name, execErr), nil
	}
	return out, nil
}

// Names returns all registered tool names in registration order,
// regardless of enablement.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
