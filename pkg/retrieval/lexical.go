package retrieval

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// LexicalIndex is an in-process inverted index over chunk text. Writers are
// rare (ingestion); readers are every turn.
type LexicalIndex struct {
	mu sync.RWMutex
	// chunks by knowledge id, then chunk id.
	chunks map[string]map[string]*indexedChunk
}

type indexedChunk struct {
	chunk        Chunk
	contentWords map[string]int
	summaryWords map[string]int
}

func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{chunks: make(map[string]map[string]*indexedChunk)}
}

// Index adds or replaces chunks. Indexing the same chunk ID again is
// idempotent.
func (idx *LexicalIndex) Index(chunks ...Chunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, chunk := range chunks {
		if idx.chunks[chunk.KnowledgeID] == nil {
			idx.chunks[chunk.KnowledgeID] = make(map[string]*indexedChunk)
		}
		idx.chunks[chunk.KnowledgeID][chunk.ID] = &indexedChunk{
			chunk:        chunk,
			contentWords: tokenize(chunk.Content),
			summaryWords: tokenize(chunk.Summary),
		}
	}
}

// Search scores chunks of one knowledge base by word overlap with the query.
func (idx *LexicalIndex) Search(query, knowledgeID string, mode SearchMode, limit int) []ScoredChunk {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var results []ScoredChunk
	for _, entry := range idx.chunks[knowledgeID] {
		words := entry.contentWords
		if mode == ModeSummary {
			if entry.chunk.Summary == "" {
				continue
			}
			words = entry.summaryWords
		}
		if score := overlapScore(queryWords, words); score > 0 {
			results = append(results, ScoredChunk{Chunk: entry.chunk, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func tokenize(text string) map[string]int {
	words := make(map[string]int)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) > 1 {
			words[word]++
		}
	}
	return words
}

// overlapScore is the fraction of query words present in the document,
// weighted slightly by term frequency.
func overlapScore(query, doc map[string]int) float32 {
	if len(query) == 0 {
		return 0
	}
	var matched float32
	for word := range query {
		if count, ok := doc[word]; ok {
			matched += 1 + float32(min(count, 3)-1)*0.1
		}
	}
	return matched / float32(len(query))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
