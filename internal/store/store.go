// internal/store/store.go
// Optional PostgreSQL persistence for the audit trail. The in-memory audit
// log is authoritative for the running process; this store makes records
// and decisions durable for offline review.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/openfleetlabs/fleetmind/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL audit sink.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// PersistAudit writes a batch of action records and their decisions in one
// transaction. Records use COPY; decisions upsert on record_id so replayed
// deliveries stay idempotent.
func (s *Store) PersistAudit(ctx context.Context, records []schemas.ActionRecord, decisions []schemas.PolicyDecision) error {
	if len(records) == 0 && len(decisions) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if len(records) > 0 {
		if err := s.persistRecords(ctx, tx, records); err != nil {
			return err
		}
	}
	if len(decisions) > 0 {
		if err := s.persistDecisions(ctx, tx, decisions); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistRecords(ctx context.Context, tx pgx.Tx, records []schemas.ActionRecord) error {
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		rows[i] = []interface{}{
			r.ID, r.HandlerID, r.TaskID,
			r.Tool, r.DataScope, r.Detail,
			r.Timestamp.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"action_records"},
		[]string{"id", "handler_id", "task_id", "tool", "data_scope", "detail", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy action records: %w", err)
	}
	if int(copyCount) != len(records) {
		return fmt.Errorf("mismatch in copied record count: expected %d, got %d", len(records), copyCount)
	}
	return nil
}

func (s *Store) persistDecisions(ctx context.Context, tx pgx.Tx, decisions []schemas.PolicyDecision) error {
	sql := `
        INSERT INTO policy_decisions (record_id, handler_id, task_id, tool, data_scope, risk_score, verdict, reason, decided_at, stored_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (record_id) DO NOTHING;
    `
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, d := range decisions {
		batch.Queue(sql, d.RecordID, d.HandlerID, d.TaskID, d.Tool, d.DataScope,
			d.RiskScore, string(d.Verdict), d.Reason, d.DecidedAt.UTC(), now)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := range decisions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert decision for record %s (index %d): %w",
				decisions[i].RecordID, i, err)
		}
	}
	return nil
}

// DecisionsByTask returns the persisted decisions for one task, oldest
// first.
func (s *Store) DecisionsByTask(ctx context.Context, taskID string) ([]schemas.PolicyDecision, error) {
	query := `
        SELECT record_id, handler_id, tool, data_scope, risk_score, verdict, reason, decided_at
        FROM policy_decisions
        WHERE task_id = $1
        ORDER BY decided_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []schemas.PolicyDecision
	for rows.Next() {
		var d schemas.PolicyDecision
		var verdictStr string
		err := rows.Scan(
			&d.RecordID, &d.HandlerID, &d.Tool, &d.DataScope,
			&d.RiskScore, &verdictStr, &d.Reason, &d.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		d.Verdict = schemas.Verdict(verdictStr)
		d.TaskID = taskID
		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return decisions, nil
}

// RecordsByHandler returns the persisted action history for one handler.
func (s *Store) RecordsByHandler(ctx context.Context, handlerID string, limit int) ([]schemas.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT id, task_id, tool, data_scope, detail, recorded_at
        FROM action_records
        WHERE handler_id = $1
        ORDER BY recorded_at DESC
        LIMIT $2;
    `
	rows, err := s.pool.Query(ctx, query, handlerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action records: %w", err)
	}
	defer rows.Close()

	var records []schemas.ActionRecord
	for rows.Next() {
		var r schemas.ActionRecord
		err := rows.Scan(&r.ID, &r.TaskID, &r.Tool, &r.DataScope, &r.Detail, &r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		r.HandlerID = handlerID
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}
