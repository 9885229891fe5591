package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/tools"
)

// Pool holds the MCP server configs and the credential store. It opens no
// connections itself: each turn acquires its own TurnSessions, so sessions
// are never shared between turns.
type Pool struct {
	creds   *CredentialStore
	configs map[string]config.MCPServerConfig
}

// NewPool creates a pool over the given server configs. creds may be nil
// when no server declares auth params.
func NewPool(servers []config.MCPServerConfig, creds *CredentialStore) *Pool {
	configs := make(map[string]config.MCPServerConfig, len(servers))
	for _, s := range servers {
		configs[s.Name] = s
	}
	return &Pool{
		creds:   creds,
		configs: configs,
	}
}

// Acquire returns a session set owned by one turn. The caller must Close it
// when the turn finishes.
func (p *Pool) Acquire() *TurnSessions {
	return &TurnSessions{
		pool:     p,
		sessions: make(map[string]Session),
	}
}

// TurnSessions is the set of MCP connections belonging to a single turn.
// Sessions open lazily on first use and live until Close. A server that
// cannot be reached surfaces as protocol.ErrMCPUnavailable; the agent loop
// turns that into an error observation rather than failing the turn.
type TurnSessions struct {
	pool *Pool

	mu       sync.Mutex
	sessions map[string]Session
}

// session returns the turn's session for a server, connecting if needed.
func (t *TurnSessions) session(ctx context.Context, name string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[name]; ok {
		return s, nil
	}

	cfg, ok := t.pool.configs[name]
	if !ok {
		return nil, fmt.Errorf("unknown MCP server %q", name)
	}

	s, err := openSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrMCPUnavailable, name, err)
	}

	slog.Info("Connected to MCP server",
		"name", name,
		"transport", cfg.Transport,
	)

	t.sessions[name] = s
	return s, nil
}

// invalidate drops a session so the next call reconnects.
func (t *TurnSessions) invalidate(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[name]; ok {
		s.Close()
		delete(t.sessions, name)
	}
}

// Tools lists a server's tools wrapped for the agent loop. timeout bounds
// each individual tool call.
func (t *TurnSessions) Tools(ctx context.Context, serverName string, timeout time.Duration) ([]tools.Tool, error) {
	s, err := t.session(ctx, serverName)
	if err != nil {
		return nil, err
	}

	specs, err := s.ListTools(ctx)
	if err != nil {
		t.invalidate(serverName)
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrMCPUnavailable, serverName, err)
	}

	cfg := t.pool.configs[serverName]
	wrapped := make([]tools.Tool, 0, len(specs))
	for _, spec := range specs {
		wrapped = append(wrapped, &mcpTool{
			sessions:   t,
			server:     serverName,
			spec:       spec,
			authParams: cfg.AuthParams,
			timeout:    timeout,
		})
	}
	return wrapped, nil
}

// Close tears down every session the turn opened.
func (t *TurnSessions) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for name, s := range t.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.sessions, name)
	}
	return firstErr
}
