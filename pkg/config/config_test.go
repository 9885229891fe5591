package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_ZeroConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, VectorStoreChromem, cfg.VectorStore.Provider)

	require.Len(t, cfg.Agents, 1)
	agent, ok := cfg.AgentByName("assistant")
	require.True(t, ok)
	assert.Equal(t, "assistant", agent.Name)
	assert.Equal(t, 6, agent.HistoryWindowK)
	assert.Equal(t, 10, agent.Loop.MaxToolCalls)
	assert.Equal(t, 20, agent.Loop.MaxModelCalls)
	assert.False(t, agent.Loop.ParallelTools)
	assert.Equal(t, 5, agent.Retrieval.TopK)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9090
llm:
  model: gpt-4o-mini
  api_key: sk-test
mcp_servers:
  - name: files
    command: mcp-files
  - name: tickets
    url: https://tickets.example.com/mcp
    transport: http
    auth_params: [api_token]
agents:
  support:
    prompt: "You are a support agent. {history}"
    mcp_servers: [files, tickets]
    memory_enabled: true
    loop:
      max_tool_calls: 4
      parallel_tools: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Address())
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)

	require.Len(t, cfg.MCPServers, 2)
	// Transport is inferred from the fields present.
	assert.Equal(t, MCPTransportStdio, cfg.MCPServers[0].Transport)
	assert.Equal(t, MCPTransportHTTP, cfg.MCPServers[1].Transport)
	assert.Equal(t, []string{"api_token"}, cfg.MCPServers[1].AuthParams)

	agent, ok := cfg.AgentByName("support")
	require.True(t, ok)
	assert.True(t, agent.MemoryEnabled)
	assert.True(t, agent.Loop.ParallelTools)
	assert.Equal(t, 4, agent.Loop.MaxToolCalls)
	// Unset loop fields still get defaults.
	assert.Equal(t, 20, agent.Loop.MaxModelCalls)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_NIMBUS_KEY", "sk-from-env")

	path := writeConfig(t, `
llm:
  api_key: ${TEST_NIMBUS_KEY}
  model: gpt-4o
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
}

func TestLoad_UnknownMCPReference(t *testing.T) {
	path := writeConfig(t, `
agents:
  helper:
    mcp_servers: [ghost]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mcp server "ghost"`)
}

func TestLoad_DuplicateMCPServer(t *testing.T) {
	path := writeConfig(t, `
mcp_servers:
  - name: files
    command: a
  - name: files
    command: b
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate mcp server")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate_Ranges(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"bad temperature": func(c *Config) {
			bad := 3.5
			c.LLM.Temperature = &bad
		},
		"bad loop cap": func(c *Config) {
			agent := c.Agents["assistant"]
			agent.Loop.MaxToolCalls = -1
			c.Agents["assistant"] = agent
		},
		"bad vector provider": func(c *Config) {
			c.VectorStore.Provider = "pinecone"
		},
		"bad database driver": func(c *Config) {
			c.Database.Driver = "mysql"
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestMCPServerValidate_TransportRequirements(t *testing.T) {
	missingCommand := MCPServerConfig{Name: "s", Transport: MCPTransportStdio}
	require.Error(t, missingCommand.Validate())

	missingURL := MCPServerConfig{Name: "s", Transport: MCPTransportWebSocket}
	require.Error(t, missingURL.Validate())

	ok := MCPServerConfig{Name: "s", Transport: MCPTransportSSE, URL: "https://example.com"}
	require.NoError(t, ok.Validate())
}

func TestAgentByName_SoleAgentFallback(t *testing.T) {
	cfg := Default()

	agent, ok := cfg.AgentByName("")
	require.True(t, ok)
	assert.Equal(t, "assistant", agent.Name)

	cfg.Agents["second"] = AgentConfig{}
	_, ok = cfg.AgentByName("")
	assert.False(t, ok)
}
