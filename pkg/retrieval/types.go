// Package retrieval implements hybrid knowledge search: lexical and vector
// recall in parallel, optional LLM query rewriting, LLM reranking, and
// threshold filtering.
package retrieval

import "fmt"

// NoRelevantDocuments is returned when nothing passes the score filter.
const NoRelevantDocuments = "No relevant documents found."

// SearchMode selects which chunk field is searched.
type SearchMode string

const (
	// ModeContent searches chunk contents. The default.
	ModeContent SearchMode = "content"
	// ModeSummary searches chunk summaries, falling back to content when
	// recall comes up short.
	ModeSummary SearchMode = "summary"
)

// Chunk is one pre-chunked unit of a knowledge base.
type Chunk struct {
	ID          string
	KnowledgeID string
	Content     string
	// Summary is optional; empty summaries exclude the chunk from
	// summary-mode recall.
	Summary  string
	Metadata map[string]any
}

// ScoredChunk is a recall or rerank result.
type ScoredChunk struct {
	Chunk
	Score float32
}

// SearchError reports a retrieval pipeline failure.
type SearchError struct {
	Component string
	Operation string
	Message   string
	Err       error
}

func (e *SearchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

func (e *SearchError) Unwrap() error { return e.Err }

func newSearchError(operation, message string, err error) *SearchError {
	return &SearchError{Component: "retrieval", Operation: operation, Message: message, Err: err}
}
