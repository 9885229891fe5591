package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/prompts"
	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// QueryRewriter expands a query into alternates with an LLM call. Failures
// degrade to the original query alone; rewriting never fails a search.
type QueryRewriter struct {
	provider llms.Provider
	maxAlts  int
}

func NewQueryRewriter(provider llms.Provider, maxAlts int) *QueryRewriter {
	return &QueryRewriter{provider: provider, maxAlts: maxAlts}
}

// Rewrite returns the original query first, followed by up to maxAlts
// deduplicated alternates.
func (r *QueryRewriter) Rewrite(ctx context.Context, query string) []string {
	queries := []string{query}
	if r.provider == nil || r.maxAlts <= 0 {
		return queries
	}

	messages := []*protocol.Message{
		protocol.NewUserMessage(fmt.Sprintf(prompts.QueryRewrite, r.maxAlts, query)),
	}

	completion, err := r.provider.Generate(ctx, messages, nil)
	if err != nil {
		slog.Debug("query rewrite failed, using original query", "error", err)
		return queries
	}

	alternates, err := parseStringArray(completion.Text)
	if err != nil {
		slog.Debug("query rewrite returned unparseable output", "error", err)
		return queries
	}

	seen := map[string]bool{strings.ToLower(query): true}
	for _, alt := range alternates {
		alt = strings.TrimSpace(alt)
		if alt == "" || seen[strings.ToLower(alt)] {
			continue
		}
		seen[strings.ToLower(alt)] = true
		queries = append(queries, alt)
		if len(queries) > r.maxAlts {
			break
		}
	}

	return queries
}

// parseStringArray extracts a JSON string array from model output, tolerating
// surrounding prose and markdown fences.
func parseStringArray(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("no JSON array found")
	}

	var items []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &items); err != nil {
		return nil, fmt.Errorf("failed to parse JSON array: %w", err)
	}
	return items, nil
}
