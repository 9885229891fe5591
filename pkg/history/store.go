// Package history persists dialogs and their message logs. Ordering is
// server-assigned: a per-dialog sequence number issued at insert.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nimbuschat/nimbus/pkg/protocol"
	"github.com/nimbuschat/nimbus/pkg/sqlstore"
)

// Dialog resolves a dialog id to the agent serving it and the user owning it.
type Dialog struct {
	ID        string
	AgentName string
	UserID    string
	CreatedAt time.Time
}

type Store struct {
	db      *sql.DB
	dialect string
}

func NewStore(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dialogsSQL := `
CREATE TABLE IF NOT EXISTS dialogs (
    id VARCHAR(255) PRIMARY KEY,
    agent_name VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

	messagesSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS dialog_messages (
    %s,
    dialog_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    tool_calls_json TEXT,
    events_json TEXT,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (dialog_id) REFERENCES dialogs(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_dialog_messages_seq ON dialog_messages(dialog_id, sequence_num);
`, sqlstore.AutoIncrementPK(s.dialect))

	if _, err := s.db.ExecContext(ctx, dialogsSQL); err != nil {
		return fmt.Errorf("failed to create dialogs table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, messagesSQL); err != nil {
		return fmt.Errorf("failed to create dialog_messages table: %w", err)
	}
	return nil
}

// CreateDialog registers a dialog. Creating an existing id is an error.
func (s *Store) CreateDialog(ctx context.Context, d Dialog) error {
	if d.ID == "" {
		return fmt.Errorf("dialog id is required")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	query := sqlstore.Rebind(s.dialect, `
INSERT INTO dialogs (id, agent_name, user_id, created_at) VALUES (?, ?, ?, ?)
`)
	if _, err := s.db.ExecContext(ctx, query, d.ID, d.AgentName, d.UserID, d.CreatedAt); err != nil {
		return fmt.Errorf("failed to create dialog: %w", err)
	}
	return nil
}

// Resolve looks a dialog up by id. Unknown ids return
// protocol.ErrDialogNotFound.
func (s *Store) Resolve(ctx context.Context, dialogID string) (*Dialog, error) {
	query := sqlstore.Rebind(s.dialect, `
SELECT id, agent_name, user_id, created_at FROM dialogs WHERE id = ?
`)

	var d Dialog
	err := s.db.QueryRowContext(ctx, query, dialogID).Scan(&d.ID, &d.AgentName, &d.UserID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, protocol.ErrDialogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve dialog: %w", err)
	}
	return &d, nil
}

// appendRetries bounds how often a concurrent append to the same dialog may
// lose the race for the next sequence number before Append gives up.
const appendRetries = 3

// Append writes one message at the end of the dialog's log and returns its
// sequence number. Ordering is enforced by a unique (dialog_id,
// sequence_num) index; a concurrent append that races for the same number
// hits the index and is retried with a fresh one.
func (s *Store) Append(ctx context.Context, dialogID string, msg *protocol.Message) (int64, error) {
	if dialogID == "" {
		return 0, fmt.Errorf("dialog id is required")
	}
	if msg == nil {
		return 0, fmt.Errorf("message is required")
	}

	var toolCallsJSON, eventsJSON sql.NullString
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCallsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	if len(msg.Events) > 0 {
		raw, err := json.Marshal(msg.Events)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal events: %w", err)
		}
		eventsJSON = sql.NullString{String: string(raw), Valid: true}
	}

	var seq int64
	var err error
	for attempt := 0; attempt <= appendRetries; attempt++ {
		seq, err = s.appendOnce(ctx, dialogID, msg, toolCallsJSON, eventsJSON)
		if err == nil {
			return seq, nil
		}
		if !isSequenceConflict(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("failed to append after %d sequence conflicts: %w", appendRetries, err)
}

func (s *Store) appendOnce(ctx context.Context, dialogID string, msg *protocol.Message, toolCallsJSON, eventsJSON sql.NullString) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	countQuery := sqlstore.Rebind(s.dialect, `
SELECT COALESCE(MAX(sequence_num), 0) FROM dialog_messages WHERE dialog_id = ?
`)
	if err = tx.QueryRowContext(ctx, countQuery, dialogID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to get sequence number: %w", err)
	}
	seq++

	insertQuery := sqlstore.Rebind(s.dialect, `
INSERT INTO dialog_messages (dialog_id, role, content, tool_calls_json, events_json, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	if _, err = tx.ExecContext(ctx, insertQuery,
		dialogID, string(msg.Role), msg.Content, toolCallsJSON, eventsJSON, seq, time.Now()); err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit message: %w", err)
	}
	return seq, nil
}

// isSequenceConflict recognizes a unique-index violation on the sequence
// column across both supported drivers.
func isSequenceConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// Recent returns the last k messages of a dialog in chronological order.
// k <= 0 returns the whole log.
func (s *Store) Recent(ctx context.Context, dialogID string, k int) ([]*protocol.Message, error) {
	query := `
SELECT role, content, tool_calls_json, events_json
FROM dialog_messages WHERE dialog_id = ?
ORDER BY sequence_num DESC
`
	args := []any{dialogID}
	if k > 0 {
		query += " LIMIT ?"
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, sqlstore.Rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var reversed []*protocol.Message
	for rows.Next() {
		var role, content string
		var toolCallsJSON, eventsJSON sql.NullString
		if err := rows.Scan(&role, &content, &toolCallsJSON, &eventsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg := &protocol.Message{Role: protocol.Role(role), Content: content}
		if toolCallsJSON.Valid {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if eventsJSON.Valid {
			if err := json.Unmarshal([]byte(eventsJSON.String), &msg.Events); err != nil {
				return nil, fmt.Errorf("failed to unmarshal events: %w", err)
			}
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make([]*protocol.Message, len(reversed))
	for i, msg := range reversed {
		messages[len(reversed)-1-i] = msg
	}
	return messages, nil
}
