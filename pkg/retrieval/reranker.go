package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/prompts"
	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// Reranker reorders recalled chunks by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []ScoredChunk) ([]ScoredChunk, error)
}

// LLMReranker asks an LLM for a relevance ordering and replaces recall
// scores with position-based ones: 1.0 for the first result, decreasing by
// 0.05 per position, floored at 0.1. Chunks the model omits keep their
// recall score and sort behind the ranked ones.
type LLMReranker struct {
	provider   llms.Provider
	maxResults int
}

func NewLLMReranker(provider llms.Provider, maxResults int) *LLMReranker {
	if maxResults <= 0 {
		maxResults = 20
	}
	return &LLMReranker{provider: provider, maxResults: maxResults}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []ScoredChunk) ([]ScoredChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	toRerank := chunks
	if len(toRerank) > r.maxResults {
		toRerank = toRerank[:r.maxResults]
	}

	messages := []*protocol.Message{
		protocol.NewSystemMessage(prompts.RerankSystem),
		protocol.NewUserMessage(buildRerankPrompt(query, toRerank)),
	}

	completion, err := r.provider.Generate(ctx, messages, nil)
	if err != nil {
		// Keep recall order rather than failing the search.
		slog.Debug("rerank call failed, keeping recall order", "error", err)
		return chunks, nil
	}

	rankedIDs, err := parseStringArray(completion.Text)
	if err != nil {
		slog.Debug("rerank returned unparseable output, keeping recall order", "error", err)
		return chunks, nil
	}

	byID := make(map[string]ScoredChunk, len(toRerank))
	for _, chunk := range toRerank {
		byID[chunk.ID] = chunk
	}

	reranked := make([]ScoredChunk, 0, len(toRerank))
	seen := make(map[string]bool)
	for i, id := range rankedIDs {
		chunk, exists := byID[id]
		if !exists || seen[id] {
			continue
		}
		score := 1.0 - float32(i)*0.05
		if score < 0.1 {
			score = 0.1
		}
		chunk.Score = score
		reranked = append(reranked, chunk)
		seen[id] = true
	}

	for _, chunk := range toRerank {
		if !seen[chunk.ID] {
			reranked = append(reranked, chunk)
		}
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	return reranked, nil
}

func buildRerankPrompt(query string, chunks []ScoredChunk) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nSearch Results:\n\n", sanitizeInput(query))

	for i, chunk := range chunks {
		content := chunk.Content
		if len(content) > 500 {
			content = content[:500] + "..."
		}
		fmt.Fprintf(&sb, "Result %d (ID: %s):\nContent: %s\n\n", i+1, chunk.ID, sanitizeInput(content))
	}

	sb.WriteString("Return a JSON array of result IDs sorted by relevance to the query (most relevant first).\n")
	sb.WriteString("Format: [\"id1\", \"id2\", ...]\n")
	return sb.String()
}

// sanitizeInput strips sequences that could break the prompt structure.
func sanitizeInput(text string) string {
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.ReplaceAll(text, "```", "")
}

// NoOpReranker keeps the recall ordering. Used when no rerank provider is
// configured and in tests.
type NoOpReranker struct{}

func (NoOpReranker) Rerank(_ context.Context, _ string, chunks []ScoredChunk) ([]ScoredChunk, error) {
	return chunks, nil
}
