package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/httpclient"
)

// OpenAIEmbedder produces embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	config     config.EmbedderConfig
	httpClient *httpclient.Client
}

func NewOpenAIEmbedder(cfg config.EmbedderConfig) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimension
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *openAIError `json:"error"`
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody, err := json.Marshal(embeddingRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return nil, parseErrorBody(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", embResp.Error.Message)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embResp.Data))
	}

	// The API may return out of order; index is authoritative.
	embeddings := make([][]float32, len(texts))
	for _, item := range embResp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}

	return embeddings, nil
}
