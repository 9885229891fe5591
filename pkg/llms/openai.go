package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/httpclient"
	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// OpenAIProvider speaks the OpenAI chat-completions HTTP API, including
// compatible gateways selected via BaseURL.
type OpenAIProvider struct {
	config        config.LLMConfig
	httpClient    *httpclient.Client
	usageCallback UsageCallback
}

type ProviderOption func(*OpenAIProvider)

// WithUsageCallback registers a callback invoked with token usage after
// every completed call.
func WithUsageCallback(cb UsageCallback) ProviderOption {
	return func(p *OpenAIProvider) {
		p.usageCallback = cb
	}
}

func WithClient(client *httpclient.Client) ProviderOption {
	return func(p *OpenAIProvider) {
		p.httpClient = client
	}
}

func NewOpenAIProvider(cfg config.LLMConfig, opts ...ProviderOption) *OpenAIProvider {
	p := &OpenAIProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`

	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *openAIError `json:"error"`
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

func roleToOpenAI(role protocol.Role) string {
	switch role {
	case protocol.RoleUser:
		return "user"
	case protocol.RoleAssistant:
		return "assistant"
	case protocol.RoleTool:
		return "tool"
	default:
		return "system"
	}
}

func (p *OpenAIProvider) buildRequest(messages []*protocol.Message, stream bool, tools []ToolDefinition) openAIRequest {
	openaiMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMsg := openAIMessage{
			Role:       roleToOpenAI(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}

		if len(msg.ToolCalls) > 0 {
			openaiMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				openaiMsg.ToolCalls[i] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}

		openaiMessages = append(openaiMessages, openaiMsg)
	}

	request := openAIRequest{
		Model:       p.config.Model,
		Messages:    openaiMessages,
		Temperature: *p.config.Temperature,
		MaxTokens:   p.config.MaxTokens,
		Stream:      stream,
	}

	if stream {
		request.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

func parseToolCalls(raw []openAIToolCall) ([]*protocol.ToolCall, error) {
	toolCalls := make([]*protocol.ToolCall, 0, len(raw))
	for _, tc := range raw {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		toolCalls = append(toolCalls, &protocol.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return toolCalls, nil
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	return req, nil
}

func (p *OpenAIProvider) wrapErr(err error) error {
	return protocol.NewProviderError("openai", p.config.Model, err)
}

func parseErrorBody(statusCode int, body []byte) error {
	var wrapper struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		return fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
			statusCode, wrapper.Error.Message, wrapper.Error.Type, wrapper.Error.Code)
	}
	return fmt.Errorf("API request failed with status %d: %s", statusCode, string(body))
}

// ---------------------------------------------------------------------------
// Generate
// ---------------------------------------------------------------------------

func (p *OpenAIProvider) Generate(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (*Completion, error) {
	request := p.buildRequest(messages, false, tools)

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, p.wrapErr(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := p.newHTTPRequest(ctx, "/chat/completions", requestBody)
	if err != nil {
		return nil, p.wrapErr(err)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, p.wrapErr(parseErrorBody(resp.StatusCode, body))
		}
		return nil, p.wrapErr(err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.wrapErr(fmt.Errorf("failed to read response: %w", err))
	}

	var openaiResp openAIResponse
	if err := json.Unmarshal(body, &openaiResp); err != nil {
		return nil, p.wrapErr(fmt.Errorf("failed to parse response: %w", err))
	}
	if openaiResp.Error != nil {
		return nil, p.wrapErr(fmt.Errorf("API error: %s", openaiResp.Error.Message))
	}
	if len(openaiResp.Choices) == 0 {
		return nil, p.wrapErr(fmt.Errorf("response contained no choices"))
	}

	choice := openaiResp.Choices[0]
	toolCalls, err := parseToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, p.wrapErr(err)
	}

	completion := &Completion{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
	}
	if openaiResp.Usage != nil {
		completion.Usage = TokenUsage{
			InputTokens:  openaiResp.Usage.PromptTokens,
			OutputTokens: openaiResp.Usage.CompletionTokens,
		}
	} else {
		completion.Usage = EstimateUsage(p.config.Model, messages, completion.Text)
	}

	p.recordUsage(ctx, completion.Usage)
	return completion, nil
}

func (p *OpenAIProvider) recordUsage(ctx context.Context, usage TokenUsage) {
	if p.usageCallback != nil {
		p.usageCallback(ctx, p.config.Model, usage)
	}
}

// ---------------------------------------------------------------------------
// GenerateStreaming
// ---------------------------------------------------------------------------

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []*protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.streamRequest(ctx, request, messages, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkTypeError, Error: p.wrapErr(err)}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) streamRequest(ctx context.Context, request openAIRequest, messages []*protocol.Message, outputCh chan<- StreamChunk) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := p.newHTTPRequest(ctx, "/chat/completions", requestBody)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return parseErrorBody(resp.StatusCode, body)
		}
	}
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("no response received")
	}

	reader := bufio.NewReader(resp.Body)

	// Tool call deltas arrive as an initial fragment carrying the id and
	// name, then argument fragments appended to the most recent call.
	var pending []openAIToolCall
	var usage TokenUsage
	var generated bytes.Buffer

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			usage = TokenUsage{
				InputTokens:  streamResp.Usage.PromptTokens,
				OutputTokens: streamResp.Usage.CompletionTokens,
			}
		}

		if len(streamResp.Choices) == 0 {
			continue
		}
		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			generated.WriteString(choice.Delta.Content)
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeText, Text: choice.Delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				pending = append(pending, deltaCall)
			} else if len(pending) > 0 {
				pending[len(pending)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}
	}

	if len(pending) > 0 {
		toolCalls, err := parseToolCalls(pending)
		if err != nil {
			return err
		}
		for _, tc := range toolCalls {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeToolCall, ToolCall: tc}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if usage == (TokenUsage{}) {
		usage = EstimateUsage(p.config.Model, messages, generated.String())
	}
	p.recordUsage(ctx, usage)

	select {
	case outputCh <- StreamChunk{Type: ChunkTypeDone, Usage: usage}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
