// Package tool declares the Tool capability tool_call nodes dispatch to, and
// a snapshot-swapped registry so the set of available tools can be reloaded
// without readers ever observing a partially updated view.
package tool

import (
	"context"
	"sync/atomic"

	"github.com/amonhq/amon/internal/amonerr"
)

// Tool is one invocable capability. Implementations wrap MCP transports,
// built-ins, or toolforge-installed binaries; the runtime only sees this
// interface.
type Tool interface {
	Name() string
	// Risk is the declared risk class: "" | "low" | "medium" | "high".
	Risk() string
	Call(ctx context.Context, args map[string]any) (result map[string]any, err error)
}

// Registry is the immutable-snapshot tool index. Lookups read the current
// snapshot pointer; Reload publishes a fresh one atomically.
type Registry struct {
	snap atomic.Pointer[map[string]Tool]
}

// NewRegistry builds a registry seeded with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{}
	r.Reload(tools)
	return r
}

// Reload replaces the registry's snapshot with the given tool set.
func (r *Registry) Reload(tools []Tool) {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[t.Name()] = t
	}
	r.snap.Store(&m)
}

// Lookup returns the named tool, or a TOOL_DENIED error when unknown: an
// unregistered tool is indistinguishable from a denied one at the call site.
func (r *Registry) Lookup(name string) (Tool, error) {
	m := r.snap.Load()
	if m == nil {
		return nil, amonerr.New(amonerr.ToolDenied, "TOOL_UNKNOWN", "no tools registered")
	}
	t, ok := (*m)[name]
	if !ok {
		return nil, amonerr.New(amonerr.ToolDenied, "TOOL_UNKNOWN", "unknown tool: "+name)
	}
	return t, nil
}

// Names lists the registered tool names from the current snapshot.
func (r *Registry) Names() []string {
	m := r.snap.Load()
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(*m))
	for n := range *m {
		names = append(names, n)
	}
	return names
}

// Func adapts a plain function into a Tool, used by built-ins and tests.
type Func struct {
	ToolName string
	RiskTier string
	Fn       func(ctx context.Context, args map[string]any) (map[string]any, error)
}

func (f Func) Name() string { return f.ToolName }
func (f Func) Risk() string { return f.RiskTier }

func (f Func) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f.Fn(ctx, args)
}
