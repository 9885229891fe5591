package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimbuschat/nimbus/pkg/sqlstore"
)

// HistoryStore is the append-only log of memory changes. Rows are never
// updated or deleted.
type HistoryStore struct {
	db      *sql.DB
	dialect string
}

func NewHistoryStore(db *sql.DB, dialect string) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &HistoryStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize memory history schema: %w", err)
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_history (
    %s,
    memory_id VARCHAR(255) NOT NULL,
    event VARCHAR(20) NOT NULL,
    old_text TEXT,
    new_text TEXT,
    user_id VARCHAR(255),
    agent_id VARCHAR(255),
    run_id VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_history_memory ON memory_history(memory_id, created_at);
`, sqlstore.AutoIncrementPK(s.dialect))

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Record appends one history row for an applied action.
func (s *HistoryStore) Record(ctx context.Context, action Action, scope Scope) error {
	query := sqlstore.Rebind(s.dialect, `
INSERT INTO memory_history (memory_id, event, old_text, new_text, user_id, agent_id, run_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`)

	_, err := s.db.ExecContext(ctx, query,
		action.MemoryID, string(action.Event), action.OldText, action.Text,
		scope.UserID, scope.AgentID, scope.RunID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record memory history: %w", err)
	}
	return nil
}

// HistoryEntry is one row of the change log.
type HistoryEntry struct {
	MemoryID  string
	Event     Event
	OldText   string
	NewText   string
	CreatedAt time.Time
}

// History returns the change log of one memory, oldest first.
func (s *HistoryStore) History(ctx context.Context, memoryID string) ([]HistoryEntry, error) {
	query := sqlstore.Rebind(s.dialect, `
SELECT memory_id, event, COALESCE(old_text, ''), COALESCE(new_text, ''), created_at
FROM memory_history WHERE memory_id = ?
ORDER BY created_at, id
`)

	rows, err := s.db.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var event string
		if err := rows.Scan(&e.MemoryID, &event, &e.OldText, &e.NewText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Event = Event(event)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
