package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/sqlstore"
)

// Recorder appends one row per completed model call. Persistence failures
// are logged and discarded; usage accounting never fails a turn.
type Recorder struct {
	db      *sql.DB
	dialect string
}

func NewRecorder(db *sql.DB, dialect string) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	r := &Recorder{db: db, dialect: dialect}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return r, nil
}

func (r *Recorder) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS usage_records (
    %s,
    user_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(255) NOT NULL,
    model VARCHAR(255) NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, created_at);
`, sqlstore.AutoIncrementPK(r.dialect))

	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Record persists one usage row, attributed from the ambient context
// identity. Matches llms.UsageCallback.
func (r *Recorder) Record(ctx context.Context, model string, usage llms.TokenUsage) {
	userID := UserID(ctx)
	agentName := AgentName(ctx)

	query := sqlstore.Rebind(r.dialect, `
INSERT INTO usage_records (user_id, agent_name, model, input_tokens, output_tokens, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`)

	// Detached context: recording must survive turn cancellation.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(writeCtx, query,
		userID, agentName, model, usage.InputTokens, usage.OutputTokens, time.Now())
	if err != nil {
		slog.Warn("failed to record usage",
			"user_id", userID,
			"agent", agentName,
			"model", model,
			"error", err)
	}
}

// DailyTotal is aggregate usage for one user, model and day.
type DailyTotal struct {
	Day          string
	Model        string
	InputTokens  int
	OutputTokens int
}

// DailyTotals aggregates a user's usage per day and model since the given
// time.
func (r *Recorder) DailyTotals(ctx context.Context, userID string, since time.Time) ([]DailyTotal, error) {
	dayExpr := "strftime('%Y-%m-%d', created_at)"
	if r.dialect == "postgres" {
		dayExpr = "to_char(created_at, 'YYYY-MM-DD')"
	}

	query := sqlstore.Rebind(r.dialect, fmt.Sprintf(`
SELECT %s AS day, model, SUM(input_tokens), SUM(output_tokens)
FROM usage_records
WHERE user_id = ? AND created_at >= ?
GROUP BY day, model
ORDER BY day, model
`, dayExpr))

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	defer rows.Close()

	var totals []DailyTotal
	for rows.Next() {
		var t DailyTotal
		if err := rows.Scan(&t.Day, &t.Model, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
