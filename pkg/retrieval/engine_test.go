package retrieval

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/databases"
	"github.com/nimbuschat/nimbus/pkg/llms"
)

// fakeVectorStore records upserts and replays scripted search results.
type fakeVectorStore struct {
	mu        sync.Mutex
	upserts   map[string][]string // collection -> ids in insert order
	results   map[string][]databases.SearchResult
	searchErr error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{
		upserts: make(map[string][]string),
		results: make(map[string][]databases.SearchResult),
	}
}

func (f *fakeVectorStore) Upsert(_ context.Context, collection, id string, _ []float32, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[collection] = append(f.upserts[collection], id)
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]databases.SearchResult, error) {
	return f.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (f *fakeVectorStore) SearchWithFilter(_ context.Context, collection string, _ []float32, _ int, _ map[string]any) ([]databases.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.results[collection], nil
}

func (f *fakeVectorStore) Delete(context.Context, string, string) error { return nil }
func (f *fakeVectorStore) Close() error                                 { return nil }

func testEngine(t *testing.T, cfg config.RetrievalConfig, vectors databases.Provider, opts ...EngineOption) *Engine {
	t.Helper()
	cfg.SetDefaults()
	return NewEngine(cfg, vectors, llms.NewMockEmbedder(8), opts...)
}

func TestSearch_EmptyInputs(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{}, newFakeVectorStore())

	chunks, err := e.SearchChunks(context.Background(), "  ", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	assert.Nil(t, chunks)

	chunks, err = e.SearchChunks(context.Background(), "query", nil, ModeContent)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestSearch_NoMatches(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{}, newFakeVectorStore())
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "postgres connection pooling"}))

	out, err := e.Search(context.Background(), "quantum chromodynamics", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	assert.Equal(t, NoRelevantDocuments, out)
}

func TestSearch_LexicalRecall(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{MinScore: 0.1}, newFakeVectorStore())
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "how to configure postgres replication"},
		Chunk{ID: "c2", KnowledgeID: "kb", Content: "baking sourdough bread at home"},
	))

	out, err := e.Search(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	assert.Contains(t, out, "postgres replication")
	assert.NotContains(t, out, "sourdough")
}

func TestSearch_MinScoreFilter(t *testing.T) {
	// Full overlap scores 1.0; one word of two scores 0.5.
	e := testEngine(t, config.RetrievalConfig{MinScore: 0.9}, newFakeVectorStore())
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "full", KnowledgeID: "kb", Content: "postgres replication"},
		Chunk{ID: "partial", KnowledgeID: "kb", Content: "replication overview"},
	))

	chunks, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "full", chunks[0].ID)
}

func TestSearch_TopKBound(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{TopK: 2, MinScore: 0.1}, newFakeVectorStore())
	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, Chunk{
			ID:          fmt.Sprintf("c%d", i),
			KnowledgeID: "kb",
			Content:     "postgres replication notes",
		})
	}
	require.NoError(t, e.Ingest(context.Background(), chunks...))

	results, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_KnowledgeScoping(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{MinScore: 0.1}, newFakeVectorStore())
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "a1", KnowledgeID: "kb-a", Content: "postgres replication"},
		Chunk{ID: "b1", KnowledgeID: "kb-b", Content: "postgres replication"},
	))

	results, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb-a"}, ModeContent)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].ID)
}

func TestSearch_MergesVectorResults(t *testing.T) {
	store := newFakeVectorStore()
	store.results[contentCollection] = []databases.SearchResult{
		{ID: "v1", Score: 0.95, Metadata: map[string]any{"content": "vector-only chunk about sharding"}},
	}

	e := testEngine(t, config.RetrievalConfig{MinScore: 0.1}, store)
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "postgres replication"}))

	results, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := []string{results[0].ID, results[1].ID}
	assert.Contains(t, ids, "v1")
	assert.Contains(t, ids, "c1")
}

func TestSearch_DedupKeepsBestScore(t *testing.T) {
	// The same chunk comes back from both recall paths; the higher score
	// wins and it appears once.
	store := newFakeVectorStore()
	store.results[contentCollection] = []databases.SearchResult{
		{ID: "c1", Score: 0.4, Metadata: map[string]any{"content": "postgres replication"}},
	}

	e := testEngine(t, config.RetrievalConfig{MinScore: 0.1}, store)
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "postgres replication"}))

	results, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
}

func TestSearch_VectorErrorFailsSearch(t *testing.T) {
	store := newFakeVectorStore()
	store.searchErr = fmt.Errorf("connection refused")

	e := testEngine(t, config.RetrievalConfig{}, store)
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "postgres replication"}))

	_, err := e.SearchChunks(context.Background(), "postgres replication", []string{"kb"}, ModeContent)
	require.Error(t, err)

	var searchErr *SearchError
	require.ErrorAs(t, err, &searchErr)
	assert.Equal(t, "recall", searchErr.Operation)
}

func TestIngest_WritesSummaryCollection(t *testing.T) {
	store := newFakeVectorStore()
	e := testEngine(t, config.RetrievalConfig{}, store)

	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "full text", Summary: "short"},
		Chunk{ID: "c2", KnowledgeID: "kb", Content: "no summary here"},
	))

	assert.Equal(t, []string{"c1", "c2"}, store.upserts[contentCollection])
	assert.Equal(t, []string{"c1"}, store.upserts[summaryCollection])
}

func TestRetrieveTool(t *testing.T) {
	e := testEngine(t, config.RetrievalConfig{MinScore: 0.1}, newFakeVectorStore())
	require.NoError(t, e.Ingest(context.Background(),
		Chunk{ID: "c1", KnowledgeID: "kb", Content: "postgres replication"}))

	tool := NewTool(e, []string{"kb"})
	assert.Equal(t, "retrieve_knowledge", tool.Name())

	result, err := tool.Execute(context.Background(), map[string]any{"query": "postgres replication"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "postgres replication")

	_, err = tool.Execute(context.Background(), map[string]any{"query": ""})
	require.Error(t, err)
}
