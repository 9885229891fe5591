package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/databases"
	"github.com/nimbuschat/nimbus/pkg/llms"
)

const (
	contentCollection = "knowledge"
	summaryCollection = "knowledge_summaries"
)

// Engine runs the retrieval pipeline: query rewrite, parallel lexical and
// vector recall, dedup, rerank, threshold filter.
type Engine struct {
	cfg      config.RetrievalConfig
	index    *LexicalIndex
	vectors  databases.Provider
	embedder llms.Embedder
	rewriter *QueryRewriter
	reranker Reranker
}

type EngineOption func(*Engine)

// WithRewriter enables LLM query rewriting.
func WithRewriter(r *QueryRewriter) EngineOption {
	return func(e *Engine) { e.rewriter = r }
}

// WithReranker replaces the default NoOpReranker.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

func NewEngine(cfg config.RetrievalConfig, vectors databases.Provider, embedder llms.Embedder, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:      cfg,
		index:    NewLexicalIndex(),
		vectors:  vectors,
		embedder: embedder,
		reranker: NoOpReranker{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest indexes chunks into both the lexical index and the vector store.
// Chunks with summaries are additionally indexed for summary-mode search.
func (e *Engine) Ingest(ctx context.Context, chunks ...Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	e.index.Index(chunks...)

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		contents[i] = chunk.Content
	}
	vectors, err := e.embedder.Embed(ctx, contents)
	if err != nil {
		return newSearchError("ingest", "failed to embed chunk contents", err)
	}

	for i, chunk := range chunks {
		metadata := map[string]any{
			"content":      chunk.Content,
			"knowledge_id": chunk.KnowledgeID,
		}
		if chunk.Summary != "" {
			metadata["summary"] = chunk.Summary
		}
		if err := e.vectors.Upsert(ctx, contentCollection, chunk.ID, vectors[i], metadata); err != nil {
			return newSearchError("ingest", fmt.Sprintf("failed to upsert chunk %s", chunk.ID), err)
		}
	}

	var withSummary []Chunk
	var summaries []string
	for _, chunk := range chunks {
		if chunk.Summary != "" {
			withSummary = append(withSummary, chunk)
			summaries = append(summaries, chunk.Summary)
		}
	}
	if len(withSummary) > 0 {
		summaryVectors, err := e.embedder.Embed(ctx, summaries)
		if err != nil {
			return newSearchError("ingest", "failed to embed chunk summaries", err)
		}
		for i, chunk := range withSummary {
			metadata := map[string]any{
				"content":      chunk.Content,
				"summary":      chunk.Summary,
				"knowledge_id": chunk.KnowledgeID,
			}
			if err := e.vectors.Upsert(ctx, summaryCollection, chunk.ID, summaryVectors[i], metadata); err != nil {
				return newSearchError("ingest", fmt.Sprintf("failed to upsert summary for chunk %s", chunk.ID), err)
			}
		}
	}

	return nil
}

// Search runs the full pipeline and returns the assembled context string, or
// NoRelevantDocuments when nothing passes the filter.
func (e *Engine) Search(ctx context.Context, query string, knowledgeIDs []string, mode SearchMode) (string, error) {
	chunks, err := e.SearchChunks(ctx, query, knowledgeIDs, mode)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return NoRelevantDocuments, nil
	}

	contents := make([]string, len(chunks))
	for i, chunk := range chunks {
		contents[i] = chunk.Content
	}
	return strings.Join(contents, "\n\n"), nil
}

// SearchChunks returns the filtered, reranked chunks.
func (e *Engine) SearchChunks(ctx context.Context, query string, knowledgeIDs []string, mode SearchMode) ([]ScoredChunk, error) {
	if strings.TrimSpace(query) == "" || len(knowledgeIDs) == 0 {
		return nil, nil
	}
	if mode == "" {
		mode = ModeContent
	}

	queries := []string{query}
	if e.rewriter != nil && e.cfg.RewriteQueries > 0 {
		queries = e.rewriter.Rewrite(ctx, query)
	}

	candidates, err := e.recall(ctx, queries, knowledgeIDs, mode)
	if err != nil {
		return nil, err
	}

	results, err := e.rankAndFilter(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	// Summary recall falling short of top_k falls back to content search.
	if mode == ModeSummary && len(results) < e.cfg.TopK {
		contentCandidates, err := e.recall(ctx, queries, knowledgeIDs, ModeContent)
		if err != nil {
			return nil, err
		}
		merged := dedup(append(results, contentCandidates...))
		return e.rankAndFilter(ctx, query, merged)
	}

	return results, nil
}

// recall runs lexical and vector search for every query in parallel and
// returns the deduplicated candidate set, best score per chunk.
func (e *Engine) recall(ctx context.Context, queries []string, knowledgeIDs []string, mode SearchMode) ([]ScoredChunk, error) {
	collection := contentCollection
	if mode == ModeSummary {
		collection = summaryCollection
	}

	var mu sync.Mutex
	var firstErr error
	var candidates []ScoredChunk

	var wg sync.WaitGroup
	for _, query := range queries {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()

			// Lexical recall needs no embedding.
			var local []ScoredChunk
			for _, kid := range knowledgeIDs {
				local = append(local, e.index.Search(query, kid, mode, e.cfg.RecallBudget)...)
			}

			vecs, err := e.embedder.Embed(ctx, []string{query})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = newSearchError("recall", "failed to embed query", err)
				}
				mu.Unlock()
				return
			}

			for _, kid := range knowledgeIDs {
				results, err := e.vectors.SearchWithFilter(ctx, collection, vecs[0], e.cfg.RecallBudget,
					map[string]any{"knowledge_id": kid})
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = newSearchError("recall", "vector search failed", err)
					}
					mu.Unlock()
					return
				}
				for _, r := range results {
					local = append(local, resultToChunk(r, kid))
				}
			}

			mu.Lock()
			candidates = append(candidates, local...)
			mu.Unlock()
		}(query)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	merged := dedup(candidates)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if e.cfg.RecallBudget > 0 && len(merged) > e.cfg.RecallBudget {
		merged = merged[:e.cfg.RecallBudget]
	}
	return merged, nil
}

func (e *Engine) rankAndFilter(ctx context.Context, query string, candidates []ScoredChunk) ([]ScoredChunk, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	reranked, err := e.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		return nil, newSearchError("rerank", "reranking failed", err)
	}

	var results []ScoredChunk
	for _, chunk := range reranked {
		if chunk.Score >= e.cfg.MinScore {
			results = append(results, chunk)
		}
		if len(results) == e.cfg.TopK {
			break
		}
	}
	return results, nil
}

func dedup(chunks []ScoredChunk) []ScoredChunk {
	best := make(map[string]ScoredChunk)
	var order []string
	for _, chunk := range chunks {
		existing, seen := best[chunk.ID]
		if !seen {
			order = append(order, chunk.ID)
			best[chunk.ID] = chunk
		} else if chunk.Score > existing.Score {
			best[chunk.ID] = chunk
		}
	}

	out := make([]ScoredChunk, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

func resultToChunk(r databases.SearchResult, knowledgeID string) ScoredChunk {
	chunk := Chunk{
		ID:          r.ID,
		KnowledgeID: knowledgeID,
		Content:     r.Content,
		Metadata:    r.Metadata,
	}
	if summary, ok := r.Metadata["summary"].(string); ok {
		chunk.Summary = summary
	}
	if chunk.Content == "" {
		if content, ok := r.Metadata["content"].(string); ok {
			chunk.Content = content
		}
	}
	return ScoredChunk{Chunk: chunk, Score: r.Score}
}
