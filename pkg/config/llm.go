package config

import (
	"fmt"
	"os"
)

// LLMConfig configures the model provider. Only OpenAI-compatible HTTP APIs
// are supported; BaseURL points the adapter at compatible gateways.
type LLMConfig struct {
	Model       string   `yaml:"model,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Timeout     int      `yaml:"timeout,omitempty"` // seconds
}

func (c *LLMConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
}

func (c *LLMConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// EmbedderConfig configures the embedding model used by the vector store.
type EmbedderConfig struct {
	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Dimension < 1 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}
