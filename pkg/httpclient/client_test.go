package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 5 {
					t.Errorf("Expected maxRetries=5, got %d", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("Expected baseDelay=2s, got %v", client.baseDelay)
				}
				if client.strategyFunc == nil {
					t.Error("Expected strategyFunc to be set")
				}
			},
		},
		{
			name:    "custom_max_retries",
			options: []Option{WithMaxRetries(3)},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
			},
		},
		{
			name:    "custom_base_delay",
			options: []Option{WithBaseDelay(5 * time.Second)},
			validate: func(t *testing.T, client *Client) {
				if client.baseDelay != 5*time.Second {
					t.Errorf("Expected baseDelay=5s, got %v", client.baseDelay)
				}
			},
		},
		{
			name:    "custom_http_client",
			options: []Option{WithHTTPClient(&http.Client{Timeout: 30 * time.Second})},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.options...)
			tt.validate(t, client)
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		statusCode int
		want       RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusUnauthorized, NoRetry},
		{http.StatusNotFound, NoRetry},
	}

	for _, tt := range tests {
		if got := DefaultRetryStrategy(tt.statusCode); got != tt.want {
			t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.statusCode, got, tt.want)
		}
	}
}

func TestDo_SuccessNoRetry(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestDo_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 after retry, got %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected the 400 response to be returned, got %+v", resp)
	}
	resp.Body.Close()
	if calls.Load() != 1 {
		t.Errorf("Expected 1 call, got %d", calls.Load())
	}
}

func TestDo_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := New(
		WithMaxRetries(2),
		WithBaseDelay(time.Millisecond),
		WithHeaderParser(ParseOpenAIHeaders),
	)
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if resp != nil {
		resp.Body.Close()
	}
	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *RetryableError, got %T: %v", err, err)
	}
	if retryErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected StatusCode=503, got %d", retryErr.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", calls.Load())
	}
}

func TestParseHeaders(t *testing.T) {
	openai := http.Header{}
	openai.Set("Retry-After", "7")
	openai.Set("x-ratelimit-remaining-requests", "42")
	openai.Set("x-ratelimit-remaining-tokens", "9000")

	info := ParseOpenAIHeaders(openai)
	if info.RetryAfter != 7*time.Second {
		t.Errorf("Expected RetryAfter=7s, got %v", info.RetryAfter)
	}
	if info.RequestsRemaining != 42 {
		t.Errorf("Expected RequestsRemaining=42, got %d", info.RequestsRemaining)
	}
	if info.TokensRemaining != 9000 {
		t.Errorf("Expected TokensRemaining=9000, got %d", info.TokensRemaining)
	}

	anthropic := http.Header{}
	anthropic.Set("retry-after", "3")
	anthropic.Set("anthropic-ratelimit-requests-reset", "2026-01-02T15:04:05Z")
	anthropic.Set("anthropic-ratelimit-requests-remaining", "11")

	info = ParseAnthropicHeaders(anthropic)
	if info.RetryAfter != 3*time.Second {
		t.Errorf("Expected RetryAfter=3s, got %v", info.RetryAfter)
	}
	if info.ResetTime == 0 {
		t.Error("Expected ResetTime to be parsed from RFC3339 timestamp")
	}
	if info.RequestsRemaining != 11 {
		t.Errorf("Expected RequestsRemaining=11, got %d", info.RequestsRemaining)
	}
}
