// Package usage records per-call token consumption, attributed from ambient
// context values set at turn entry.
package usage

import "context"

type contextKey int

const (
	userIDKey contextKey = iota
	agentNameKey
)

// WithIdentity sets the attribution values for everything executed under the
// returned context. The orchestrator calls this once at turn entry.
func WithIdentity(ctx context.Context, userID, agentName string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, agentNameKey, agentName)
}

// UserID returns the ambient user id, or "" when unset.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// AgentName returns the ambient agent name, or "" when unset.
func AgentName(ctx context.Context) string {
	name, _ := ctx.Value(agentNameKey).(string)
	return name
}
