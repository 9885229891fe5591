package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimbuschat/nimbus/pkg/tools"
)

const toolName = "retrieve_knowledge"

// NewTool exposes the engine as the retrieve_knowledge tool, scoped to the
// given knowledge bases. Registered only when knowledgeIDs is non-empty.
func NewTool(engine *Engine, knowledgeIDs []string) tools.Tool {
	return &retrieveTool{engine: engine, knowledgeIDs: knowledgeIDs}
}

type retrieveTool struct {
	engine       *Engine
	knowledgeIDs []string
}

func (t *retrieveTool) Name() string { return toolName }

func (t *retrieveTool) Description() string {
	return fmt.Sprintf("Search the knowledge bases (%s) for information relevant to a query. "+
		"Use this before answering questions that may be covered by stored documents.",
		strings.Join(t.knowledgeIDs, ", "))
}

func (t *retrieveTool) Kind() tools.ToolKind { return tools.KindRetrieval }

func (t *retrieveTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look up",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []any{"content", "summary"},
				"description": "Search chunk contents (default) or summaries",
			},
		},
		"required": []any{"query"},
	}
}

func (t *retrieveTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.ToolResult{}, fmt.Errorf("query is required")
	}

	mode := ModeContent
	if m, _ := args["mode"].(string); m == string(ModeSummary) {
		mode = ModeSummary
	}

	content, err := t.engine.Search(ctx, query, t.knowledgeIDs, mode)
	if err != nil {
		return tools.ToolResult{}, err
	}

	return tools.ToolResult{
		Content:  content,
		Metadata: map[string]any{"knowledge_ids": t.knowledgeIDs},
	}, nil
}
