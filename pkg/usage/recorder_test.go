package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/nimbus/pkg/config"
	"github.com/nimbuschat/nimbus/pkg/llms"
	"github.com/nimbuschat/nimbus/pkg/sqlstore"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, dialect, err := sqlstore.Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := NewRecorder(db, dialect)
	require.NoError(t, err)
	return r
}

func TestIdentityContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserID(ctx))
	assert.Empty(t, AgentName(ctx))

	ctx = WithIdentity(ctx, "u-1", "assistant")
	assert.Equal(t, "u-1", UserID(ctx))
	assert.Equal(t, "assistant", AgentName(ctx))
}

func TestRecordAndDailyTotals(t *testing.T) {
	r := openTestRecorder(t)
	ctx := WithIdentity(context.Background(), "u-1", "assistant")

	r.Record(ctx, "gpt-4o", llms.TokenUsage{InputTokens: 100, OutputTokens: 40})
	r.Record(ctx, "gpt-4o", llms.TokenUsage{InputTokens: 50, OutputTokens: 10})
	r.Record(ctx, "gpt-4o-mini", llms.TokenUsage{InputTokens: 7, OutputTokens: 3})

	// Another user's rows must not bleed in.
	other := WithIdentity(context.Background(), "u-2", "assistant")
	r.Record(other, "gpt-4o", llms.TokenUsage{InputTokens: 999, OutputTokens: 999})

	since := time.Now().Add(-time.Hour)
	totals, err := r.DailyTotals(context.Background(), "u-1", since)
	require.NoError(t, err)
	require.Len(t, totals, 2)

	byModel := map[string]DailyTotal{}
	for _, tt := range totals {
		byModel[tt.Model] = tt
	}
	assert.Equal(t, 150, byModel["gpt-4o"].InputTokens)
	assert.Equal(t, 50, byModel["gpt-4o"].OutputTokens)
	assert.Equal(t, 7, byModel["gpt-4o-mini"].InputTokens)
}

func TestRecord_SurvivesCancelledContext(t *testing.T) {
	r := openTestRecorder(t)

	ctx, cancel := context.WithCancel(WithIdentity(context.Background(), "u-1", "assistant"))
	cancel()
	r.Record(ctx, "gpt-4o", llms.TokenUsage{InputTokens: 5, OutputTokens: 5})

	totals, err := r.DailyTotals(context.Background(), "u-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 5, totals[0].InputTokens)
}

func TestDailyTotals_Empty(t *testing.T) {
	r := openTestRecorder(t)

	totals, err := r.DailyTotals(context.Background(), "nobody", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, totals)
}
