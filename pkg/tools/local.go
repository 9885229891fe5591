package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// NewLocalTool wraps a Go function as a tool. The argument schema is
// reflected from the Args struct's json and jsonschema tags.
//
// Example:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"description=Max results,default=10"`
//	}
func NewLocalTool[Args any](name, description string, fn func(context.Context, Args) (string, error)) (Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	schema, err := reflectSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for tool %q: %w", name, err)
	}

	return &localTool[Args]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

type localTool[Args any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(context.Context, Args) (string, error)
}

func (t *localTool[Args]) Name() string        { return t.name }
func (t *localTool[Args]) Description() string { return t.description }
func (t *localTool[Args]) Kind() ToolKind      { return KindLocal }

func (t *localTool[Args]) Schema() map[string]any { return t.schema }

func (t *localTool[Args]) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("failed to encode arguments: %w", err)
	}

	var typed Args
	if err := json.Unmarshal(raw, &typed); err != nil {
		return ToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	content, err := t.fn(ctx, typed)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: content}, nil
}

// reflectSchema builds the arguments JSON schema for a struct type.
func reflectSchema[Args any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(Args))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	if result["type"] == nil {
		result["type"] = "object"
	}
	if result["properties"] == nil {
		result["properties"] = map[string]any{}
	}

	return result, nil
}
