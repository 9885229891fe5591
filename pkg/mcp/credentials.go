package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nimbuschat/nimbus/pkg/sqlstore"
)

// CredentialStore holds per-user secrets that MCP servers require, keyed by
// parameter name. Values are merged into tool call arguments server-side and
// never reach the model.
type CredentialStore struct {
	db      *sql.DB
	dialect string
}

func NewCredentialStore(db *sql.DB, dialect string) (*CredentialStore, error) {
	s := &CredentialStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize credential schema: %w", err)
	}
	return s, nil
}

func (s *CredentialStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS mcp_credentials (
	user_id TEXT NOT NULL,
	param_key TEXT NOT NULL,
	param_value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, param_key)
);`
	_, err := s.db.Exec(schema)
	return err
}

// Set stores or replaces one credential for a user.
func (s *CredentialStore) Set(ctx context.Context, userID, key, value string) error {
	if userID == "" || key == "" {
		return fmt.Errorf("user id and key are required")
	}
	query := sqlstore.Rebind(s.dialect, `
		INSERT INTO mcp_credentials (user_id, param_key, param_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, param_key)
		DO UPDATE SET param_value = excluded.param_value, updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query, userID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Get returns the credential value, or "" when none is stored.
func (s *CredentialStore) Get(ctx context.Context, userID, key string) (string, error) {
	query := sqlstore.Rebind(s.dialect,
		`SELECT param_value FROM mcp_credentials WHERE user_id = ? AND param_key = ?`)
	var value string
	err := s.db.QueryRowContext(ctx, query, userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return value, nil
}

// Delete removes one credential. Deleting a missing credential is not an
// error.
func (s *CredentialStore) Delete(ctx context.Context, userID, key string) error {
	query := sqlstore.Rebind(s.dialect,
		`DELETE FROM mcp_credentials WHERE user_id = ? AND param_key = ?`)
	if _, err := s.db.ExecContext(ctx, query, userID, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
