// Package memory implements the episodic memory store: scope-filtered vector
// search plus LLM-arbitrated writes with an append-only change history.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/nimbuschat/nimbus/pkg/protocol"
)

// Scope restricts memory visibility. At least one field must be set; an
// empty scope is rejected with protocol.ErrScopeMissing.
type Scope struct {
	UserID  string
	AgentID string
	RunID   string
}

func (s Scope) Validate() error {
	if s.UserID == "" && s.AgentID == "" && s.RunID == "" {
		return protocol.ErrScopeMissing
	}
	return nil
}

// filter returns the metadata equality filter for the set fields.
func (s Scope) filter() map[string]any {
	f := make(map[string]any)
	if s.UserID != "" {
		f["user_id"] = s.UserID
	}
	if s.AgentID != "" {
		f["agent_id"] = s.AgentID
	}
	if s.RunID != "" {
		f["run_id"] = s.RunID
	}
	return f
}

// Item is one stored memory.
type Item struct {
	ID        string
	Text      string
	Hash      string
	Scope     Scope
	Score     float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is a reconciliation outcome for one fact.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Action is one applied reconciliation step, as recorded in the history.
type Action struct {
	Event    Event
	MemoryID string
	Text     string
	OldText  string
}

// hashText is the dedup key: one live item per (scope, hash).
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
