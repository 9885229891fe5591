package config

import "fmt"

// MCPTransport identifies how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio      MCPTransport = "stdio"
	MCPTransportSSE        MCPTransport = "sse"
	MCPTransportHTTP       MCPTransport = "http"
	MCPTransportWebSocket  MCPTransport = "websocket"
)

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	Name      string       `yaml:"name"`
	Transport MCPTransport `yaml:"transport,omitempty"`

	// Command and Args apply to stdio transport.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`

	// URL applies to sse, http and websocket transports.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// AuthParams names credential-store keys merged into every tool call's
	// arguments for this server. Values never reach the model.
	AuthParams []string `yaml:"auth_params,omitempty"`
}

func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = MCPTransportStdio
		} else {
			c.Transport = MCPTransportHTTP
		}
	}
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Transport {
	case MCPTransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case MCPTransportSSE, MCPTransportHTTP, MCPTransportWebSocket:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	return nil
}
