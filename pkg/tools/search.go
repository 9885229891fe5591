package tools

import (
	"context"
	"fmt"
	"strings"
)

const searchToolName = "search_available_tools"

const searchToolDescription = "Search the available tools by name or purpose. " +
	"Matching tools become available for subsequent calls. " +
	"Use this before attempting any task-specific tool."

// searchTool is the meta tool exposed when the registered set exceeds the
// tool cap. Matches are activated on the owning registry, growing the
// model-visible surface for the rest of the turn.
type searchTool struct {
	registry *Registry
}

func newSearchTool(r *Registry) Tool {
	return &searchTool{registry: r}
}

func (t *searchTool) Name() string        { return searchToolName }
func (t *searchTool) Description() string { return searchToolDescription }
func (t *searchTool) Kind() ToolKind      { return KindMeta }

func (t *searchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Keywords describing the tool or task",
			},
		},
		"required": []any{"query"},
	}
}

func (t *searchTool) Execute(_ context.Context, args map[string]any) (ToolResult, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return ToolResult{}, fmt.Errorf("query is required")
	}

	matched := t.match(query)
	if len(matched) == 0 {
		return ToolResult{Content: "No tools matched the query."}, nil
	}

	names := make([]string, len(matched))
	var sb strings.Builder
	sb.WriteString("Matching tools, now available:\n")
	for i, tool := range matched {
		names[i] = tool.Name()
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name(), tool.Description())
	}
	t.registry.Activate(names...)

	return ToolResult{
		Content:  sb.String(),
		Metadata: map[string]any{"activated": names},
	}, nil
}

// match scores tools by token overlap with name and description.
func (t *searchTool) match(query string) []Tool {
	terms := strings.Fields(strings.ToLower(query))

	var matched []Tool
	for _, name := range t.registry.Names() {
		tool, ok := t.registry.Get(name)
		if !ok {
			continue
		}
		haystack := strings.ToLower(tool.Name() + " " + tool.Description())
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				matched = append(matched, tool)
				break
			}
		}
	}
	return matched
}
