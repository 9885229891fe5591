package config

import "fmt"

// AgentConfig configures one agent: its prompt, tool surface, knowledge
// scope and memory behavior. Name is the map key in Config.Agents.
type AgentConfig struct {
	Name string `yaml:"-"`

	// Prompt is the system prompt template. It may contain a {history}
	// placeholder for the history block.
	Prompt string `yaml:"prompt,omitempty"`

	// KnowledgeIDs scopes retrieval; the retrieve_knowledge tool is exposed
	// only when this is non-empty.
	KnowledgeIDs []string `yaml:"knowledge_ids,omitempty"`

	// MCPServers lists the names of configured MCP servers this agent uses.
	MCPServers []string `yaml:"mcp_servers,omitempty"`

	// Tools lists enabled local tool names. Empty means all registered.
	Tools []string `yaml:"tools,omitempty"`

	// MemoryEnabled switches the history block from last-K messages to
	// episodic memory search.
	MemoryEnabled bool `yaml:"memory_enabled,omitempty"`

	// HistoryWindowK is the message window when memory is disabled.
	HistoryWindowK int `yaml:"history_window_k,omitempty"`

	// MaxToolsBeforeSearch collapses larger tool sets into the
	// search_available_tools strategy.
	MaxToolsBeforeSearch int `yaml:"max_tools_before_search,omitempty"`

	Loop      LoopConfig      `yaml:"loop,omitempty"`
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.HistoryWindowK == 0 {
		c.HistoryWindowK = 6
	}
	if c.MaxToolsBeforeSearch == 0 {
		c.MaxToolsBeforeSearch = 10
	}
	c.Loop.SetDefaults()
	c.Retrieval.SetDefaults()
}

func (c *AgentConfig) Validate() error {
	if c.HistoryWindowK < 1 {
		return fmt.Errorf("history_window_k must be positive")
	}
	if c.MaxToolsBeforeSearch < 1 {
		return fmt.Errorf("max_tools_before_search must be positive")
	}
	if err := c.Loop.Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	return nil
}

// LoopConfig bounds the agent loop.
type LoopConfig struct {
	// MaxToolCalls caps tool-execution rounds per turn.
	MaxToolCalls int `yaml:"max_tool_calls,omitempty"`
	// MaxModelCalls caps model calls per turn.
	MaxModelCalls int `yaml:"max_model_calls,omitempty"`
	// ToolTimeout is the per-tool-call timeout in seconds.
	ToolTimeout int `yaml:"tool_timeout,omitempty"`
	// ParallelTools runs tool calls of one assistant message concurrently.
	// Sequential execution is the default for deterministic event order.
	ParallelTools bool `yaml:"parallel_tools,omitempty"`
}

func (c *LoopConfig) SetDefaults() {
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 10
	}
	if c.MaxModelCalls == 0 {
		c.MaxModelCalls = 20
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = 60
	}
}

func (c *LoopConfig) Validate() error {
	if c.MaxToolCalls < 1 {
		return fmt.Errorf("max_tool_calls must be positive")
	}
	if c.MaxModelCalls < 1 {
		return fmt.Errorf("max_model_calls must be positive")
	}
	if c.ToolTimeout < 1 {
		return fmt.Errorf("tool_timeout must be positive")
	}
	return nil
}

// RetrievalConfig tunes the retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the post-rerank retention count.
	TopK int `yaml:"top_k,omitempty"`
	// MinScore is the per-chunk retention threshold after rerank.
	MinScore float32 `yaml:"min_score,omitempty"`
	// RewriteQueries is the number of LLM query rewrites; zero disables
	// rewriting and searches with the raw query.
	RewriteQueries int `yaml:"rewrite_queries,omitempty"`
	// RecallBudget bounds the merged candidate set fed to the reranker.
	RecallBudget int `yaml:"recall_budget,omitempty"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.MinScore == 0 {
		c.MinScore = 0.3
	}
	if c.RecallBudget == 0 {
		c.RecallBudget = 20
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return fmt.Errorf("min_score must be between 0 and 1")
	}
	if c.RewriteQueries < 0 {
		return fmt.Errorf("rewrite_queries cannot be negative")
	}
	return nil
}
