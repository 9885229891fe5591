// Package config defines the runtime configuration model. Every section
// follows the same contract: SetDefaults fills zero values, Validate rejects
// inconsistent ones. Load reads YAML with ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server,omitempty"`
	Logging     LoggingConfig          `yaml:"logging,omitempty"`
	LLM         LLMConfig              `yaml:"llm,omitempty"`
	Embedder    EmbedderConfig         `yaml:"embedder,omitempty"`
	Database    DatabaseConfig         `yaml:"database,omitempty"`
	VectorStore VectorStoreConfig      `yaml:"vector_store,omitempty"`
	Stream      StreamConfig           `yaml:"stream,omitempty"`
	MCPServers  []MCPServerConfig      `yaml:"mcp_servers,omitempty"`
	Agents      map[string]AgentConfig `yaml:"agents,omitempty"`
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.Database.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Stream.SetDefaults()

	for i := range c.MCPServers {
		c.MCPServers[i].SetDefaults()
	}

	if c.Agents == nil {
		c.Agents = make(map[string]AgentConfig)
	}
	// Zero-config mode: a single default agent with no tools or knowledge.
	if len(c.Agents) == 0 {
		c.Agents["assistant"] = AgentConfig{}
	}
	for name, agent := range c.Agents {
		agent.Name = name
		agent.SetDefaults()
		c.Agents[name] = agent
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vector_store: %w", err)
	}

	seen := make(map[string]bool)
	for _, server := range c.MCPServers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp server %q: %w", server.Name, err)
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate mcp server name %q", server.Name)
		}
		seen[server.Name] = true
	}

	for name, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		for _, ref := range agent.MCPServers {
			if !seen[ref] {
				return fmt.Errorf("agent %q references unknown mcp server %q", name, ref)
			}
		}
	}

	return nil
}

// AgentByName returns the agent config for name, falling back to the sole
// configured agent when name is empty and exactly one exists.
func (c *Config) AgentByName(name string) (AgentConfig, bool) {
	if name == "" && len(c.Agents) == 1 {
		for _, agent := range c.Agents {
			return agent, true
		}
	}
	agent, ok := c.Agents[name]
	return agent, ok
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, defaults and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a zero-config setup suitable for local runs: in-memory
// vector store, sqlite persistence, one default agent.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
