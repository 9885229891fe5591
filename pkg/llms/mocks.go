package llms

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// MockProvider replays scripted completions in order. The last completion
// repeats once the script is exhausted. Safe for concurrent use.
type MockProvider struct {
	mu        sync.Mutex
	Model     string
	Responses []*Completion
	Err       error
	Callback  UsageCallback

	calls int
	// Calls records the message slices passed to each invocation.
	Calls [][]*protocol.Message
}

func NewMockProvider(responses ...*Completion) *MockProvider {
	return &MockProvider{Model: "mock-model", Responses: responses}
}

// TextResponse is a convenience constructor for a plain text completion.
func TextResponse(text string) *Completion {
	return &Completion{Text: text, Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}}
}

// ToolCallResponse is a convenience constructor for a completion that
// requests one tool call.
func ToolCallResponse(id, name string, args map[string]any) *Completion {
	return &Completion{
		ToolCalls: []*protocol.ToolCall{{ID: id, Name: name, Args: args}},
		Usage:     TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func (m *MockProvider) ModelName() string {
	return m.Model
}

func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) next(messages []*protocol.Message) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)
	m.calls++

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return nil, fmt.Errorf("mock provider has no scripted responses")
	}

	idx := m.calls - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

func (m *MockProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Completion, error) {
	completion, err := m.next(messages)
	if err != nil {
		return nil, err
	}
	if m.Callback != nil {
		m.Callback(ctx, m.Model, completion.Usage)
	}
	return completion, nil
}

func (m *MockProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	completion, err := m.next(messages)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		if err != nil {
			outputCh <- StreamChunk{Type: ChunkTypeError, Error: err}
			return
		}

		// Split text on word boundaries so accumulation is observable.
		for _, word := range strings.SplitAfter(completion.Text, " ") {
			if word == "" {
				continue
			}
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeText, Text: word}:
			case <-ctx.Done():
				return
			}
		}

		for _, tc := range completion.ToolCalls {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeToolCall, ToolCall: tc}:
			case <-ctx.Done():
				return
			}
		}

		if m.Callback != nil {
			m.Callback(ctx, m.Model, completion.Usage)
		}
		outputCh <- StreamChunk{Type: ChunkTypeDone, Usage: completion.Usage}
	}()

	return outputCh, nil
}

// MockEmbedder returns deterministic embeddings derived from text length.
type MockEmbedder struct {
	Dim int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{Dim: dim}
}

func (m *MockEmbedder) Dimension() int {
	return m.Dim
}

func (m *MockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, m.Dim)
		for j := range vec {
			vec[j] = float32((len(text)+i+j)%7) / 7.0
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}
