// Package tools resolves the model's tool-use requests against a registry of
// named handlers.
//
// A [Registry] maps case-folded tool names to [Handler] functions. Handlers
// come from two places: in-process built-ins (see [RegisterBuiltins]) and
// external [Source] implementations such as the MCP bridge in the mcpbridge
// subpackage. The registry implements the session layer's ToolHandler
// contract: unknown tools resolve to a "no result found" payload rather than
// an error, and successful results are wrapped as {"result": …} for the
// toolResult envelope.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// noResult is the payload for tool names nothing is registered under.
const noResult = "no result found"

// Handler executes one tool call. args is the JSON object string carried in
// the toolUse content field ("{}" when the model sent none). Returning an
// error marks the call failed; the session replaces the result with its
// fixed error text.
type Handler func(ctx context.Context, args string) (string, error)

// Definition describes a registered tool.
type Definition struct {
	// Name is the tool's declared name (catalogues use camelCase); lookup
	// is case-insensitive.
	Name string

	// Description is shown to the model in the tool catalogue.
	Description string

	// InputSchema is the JSON schema of the argument object.
	InputSchema string
}

// Source serves externally hosted tools, e.g. one or more MCP server
// connections. Implementations must be safe for concurrent use.
type Source interface {
	// List returns the definitions of every tool the source currently serves.
	List(ctx context.Context) ([]Definition, error)

	// Call runs the named tool with a JSON object argument string and
	// returns its textual output.
	Call(ctx context.Context, name, args string) (string, error)
}

// entry pairs a definition with its handler.
type entry struct {
	def Definition
	fn  Handler
}

// Registry maps case-folded tool names to handlers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool under its case-folded name. Subsequent calls with a
// name differing only in case overwrite the previous registration.
func (r *Registry) Register(def Definition, fn Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if fn == nil {
		return fmt.Errorf("tools: register %q: nil handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[strings.ToLower(def.Name)] = entry{def: def, fn: fn}
	return nil
}

// RegisterSource lists the source's tools and registers each one with a
// handler delegating back to the source. Names clash case-insensitively with
// earlier registrations; the source wins.
func (r *Registry) RegisterSource(ctx context.Context, src Source) error {
	defs, err := src.List(ctx)
	if err != nil {
		return fmt.Errorf("tools: list source: %w", err)
	}
	for _, def := range defs {
		name := def.Name
		err := r.Register(def, func(ctx context.Context, args string) (string, error) {
			return src.Call(ctx, name, args)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Dispatch resolves name case-insensitively and runs the handler with the
// argument string from the toolUse content. Unknown tools yield
// {"result": "no result found"} without an error; handler failures return
// the error for the caller's failure policy.
func (r *Registry) Dispatch(ctx context.Context, name string, content map[string]any) (any, error) {
	args := "{}"
	if c, ok := content["content"].(string); ok && c != "" {
		args = c
	}

	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return map[string]any{"result": noResult}, nil
	}

	out, err := e.fn(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: %w", e.def.Name, err)
	}
	return map[string]any{"result": out}, nil
}

// Names returns the declared (case-preserved) names of all registered tools
// in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.def.Name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Definitions returns a copy of all registered definitions, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
