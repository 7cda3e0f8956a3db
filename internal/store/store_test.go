package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const sqlInsertDecision = `
        INSERT INTO policy_decisions (record_id, handler_id, task_id, tool, data_scope, risk_score, verdict, reason, decided_at, stored_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (record_id) DO NOTHING;
    `

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPersistAudit(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*Store, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
		t.Helper()
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		t.Cleanup(mockPool.Close)

		core, logs := observer.New(zapcore.ErrorLevel)
		mockPool.ExpectPing().WillReturnError(nil)
		store, err := New(ctx, mockPool, zap.New(core))
		require.NoError(t, err)
		return store, mockPool, logs
	}

	t.Run("should persist records and decisions in one transaction", func(t *testing.T) {
		store, mockPool, logs := newStore(t)

		record := schemas.ActionRecord{
			ID:        uuid.NewString(),
			HandlerID: "scheduling_agent",
			TaskID:    uuid.NewString(),
			Tool:      "book_appointment",
			DataScope: "center:SC001:slots",
			Timestamp: time.Now(),
		}
		decision := schemas.PolicyDecision{
			RecordID:  record.ID,
			HandlerID: record.HandlerID,
			TaskID:    record.TaskID,
			Tool:      record.Tool,
			DataScope: record.DataScope,
			RiskScore: 0,
			Verdict:   schemas.VerdictAllow,
			Reason:    "within learned baseline",
			DecidedAt: time.Now(),
		}

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(
			pgx.Identifier{"action_records"},
			[]string{"id", "handler_id", "task_id", "tool", "data_scope", "detail", "recorded_at"},
		).WillReturnResult(1)
		batch := mockPool.ExpectBatch()
		batch.ExpectExec(flexibleSQLMatcher(sqlInsertDecision)).
			WithArgs(decision.RecordID, decision.HandlerID, decision.TaskID, decision.Tool,
				decision.DataScope, decision.RiskScore, string(decision.Verdict), decision.Reason,
				pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback()

		err := store.PersistAudit(ctx, []schemas.ActionRecord{record}, []schemas.PolicyDecision{decision})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len(), "no error logs expected on the happy path")
	})

	t.Run("should be a no-op for an empty batch", func(t *testing.T) {
		store, mockPool, _ := newStore(t)
		require.NoError(t, store.PersistAudit(ctx, nil, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		store, mockPool, _ := newStore(t)

		copyErr := errors.New("copy failed")
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(
			pgx.Identifier{"action_records"},
			[]string{"id", "handler_id", "task_id", "tool", "data_scope", "detail", "recorded_at"},
		).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.PersistAudit(ctx, []schemas.ActionRecord{{ID: uuid.NewString()}}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestDecisionsByTask(t *testing.T) {
	ctx := context.Background()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(ctx, mockPool, zap.NewNop())
	require.NoError(t, err)

	taskID := uuid.NewString()
	decidedAt := time.Now().UTC().Truncate(time.Second)
	rows := pgxmock.NewRows([]string{
		"record_id", "handler_id", "tool", "data_scope", "risk_score", "verdict", "reason", "decided_at",
	}).AddRow("rec-1", "scheduling_agent", "telemetry_read", "vehicle:VH002:telemetry",
		10.0, "BLOCK", "tool is outside the handler's capability grant", decidedAt)

	mockPool.ExpectQuery(flexibleSQLMatcher(`
        SELECT record_id, handler_id, tool, data_scope, risk_score, verdict, reason, decided_at
        FROM policy_decisions
        WHERE task_id = $1
        ORDER BY decided_at ASC;
    `)).WithArgs(taskID).WillReturnRows(rows)

	decisions, err := store.DecisionsByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, schemas.VerdictBlock, decisions[0].Verdict)
	assert.Equal(t, taskID, decisions[0].TaskID)
	assert.Equal(t, 10.0, decisions[0].RiskScore)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
