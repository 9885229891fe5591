package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/registry"
)

// ToolRegistryError reports a registry build or dispatch failure.
type ToolRegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *ToolRegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *ToolRegistryError) Unwrap() error { return e.Err }

// Registry is the per-turn tool set. It is assembled once at turn start from
// the agent's sources; duplicate names across sources fail the build.
//
// When the set exceeds maxBeforeSearch, the model-visible surface collapses
// to the search_available_tools meta tool, and Visible grows as searches
// activate matches.
type Registry struct {
	tools      *registry.Registry[Tool]
	validators map[string]*jsonschema.Schema

	maxBeforeSearch int

	mu     sync.Mutex
	active map[string]bool
}

func NewRegistry(maxBeforeSearch int) *Registry {
	return &Registry{
		tools:           registry.New[Tool](),
		validators:      make(map[string]*jsonschema.Schema),
		maxBeforeSearch: maxBeforeSearch,
		active:          make(map[string]bool),
	}
}

// Register adds a tool and compiles its argument schema. Duplicate names are
// a build error regardless of source.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if err := r.tools.Register(name, tool); err != nil {
		return &ToolRegistryError{
			Component: "registry",
			Action:    "register",
			Message:   fmt.Sprintf("cannot register tool %q", name),
			Err:       err,
		}
	}

	if schema := tool.Schema(); schema != nil {
		validator, err := compileSchema(name, schema)
		if err != nil {
			return &ToolRegistryError{
				Component: "registry",
				Action:    "register",
				Message:   fmt.Sprintf("invalid schema for tool %q", name),
				Err:       err,
			}
		}
		r.validators[name] = validator
	}

	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/args"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func (r *Registry) Get(name string) (Tool, bool) {
	return r.tools.Get(name)
}

func (r *Registry) Count() int {
	return r.tools.Count()
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	return r.tools.Names()
}

// Activate marks tools as model-visible under the search-first strategy.
func (r *Registry) Activate(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.active[name] = true
	}
}

// Visible returns the tool definitions currently exposed to the model. Small
// sets are exposed whole; oversized sets expose search_available_tools plus
// whatever searches have activated so far.
func (r *Registry) Visible() []llms.ToolDefinition {
	all := r.tools.List()
	if len(all) <= r.maxBeforeSearch {
		return Definitions(all)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	visible := []Tool{newSearchTool(r)}
	for _, name := range r.tools.Names() {
		if r.active[name] {
			if tool, ok := r.tools.Get(name); ok {
				visible = append(visible, tool)
			}
		}
	}
	return Definitions(visible)
}

// Execute validates args against the tool's schema and dispatches. A schema
// mismatch yields a *protocol.SchemaError without invoking the tool. Unknown
// names resolve to the search tool when the search-first strategy is active.
func (r *Registry) Execute(ctx context.Context, call *protocol.ToolCall) (ToolResult, error) {
	tool, ok := r.tools.Get(call.Name)
	if !ok {
		if call.Name == searchToolName && r.tools.Count() > r.maxBeforeSearch {
			tool = newSearchTool(r)
		} else {
			return ToolResult{}, &ToolRegistryError{
				Component: "registry",
				Action:    "execute",
				Message:   fmt.Sprintf("unknown tool %q", call.Name),
			}
		}
	}

	if validator, ok := r.validators[call.Name]; ok {
		if err := validator.Validate(normalizeArgs(call.Args)); err != nil {
			return ToolResult{}, &protocol.SchemaError{Tool: call.Name, Err: err}
		}
	}

	return tool.Execute(ctx, call.Args)
}

// normalizeArgs round-trips args through JSON so numeric types match what the
// schema validator expects.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return args
	}
	return normalized
}
