// Package postgres implements store.Store on PostgreSQL via sqlx/pgx.
//
// Every user-visible mutation that needs real-time fan-out runs inside
// WithinTx, where Notify executes pg_notify on the dcm_events channel in
// the same transaction as the write.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/store"
)

// Store is the PostgreSQL-backed store.
type Store struct {
	queries
	db    *sqlx.DB
	log   *logger.Logger
	retry store.RetryConfig
}

// queries carries all per-entity operations. It is embedded both in Store
// (pooled execution) and in pgTx (transactional execution).
type queries struct {
	ext sqlx.ExtContext
}

// pgTx is a unit of work over a single transaction.
type pgTx struct {
	queries
	tx *sqlx.Tx
}

// Notify emits a {channel, event, data} payload on dcm_events inside the
// transaction, so listeners observe it iff the write commits.
func (t *pgTx) Notify(ctx context.Context, channel, event string, data map[string]any) error {
	payload, err := json.Marshal(store.NotifyEvent{Channel: channel, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, store.NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Open connects to PostgreSQL, configures the pool, and applies migrations.
func Open(dsn string, maxConns, minConns int, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{
		queries: queries{ext: db},
		db:      db,
		log:     log,
		retry:   store.DefaultRetry,
	}, nil
}

// WithinTx runs fn inside one transaction, retrying the whole unit of work
// on transient failures (serialization, deadlock, broken connection).
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.WithRetry(ctx, s.retry, transient, func() error {
		return s.runTx(ctx, fn)
	})
}

func (s *Store) runTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	t := &pgTx{queries: queries{ext: tx}, tx: tx}
	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// transient reports whether the error is worth retrying.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"08006", // connection_failure
			"08003": // connection_does_not_exist
			return true
		}
		return false
	}
	return errors.Is(err, sql.ErrConnDone)
}

// Health performs a trivial round-trip and returns its latency.
func (s *Store) Health(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := s.db.GetContext(ctx, &one, `SELECT 1`); err != nil {
		return 0, fmt.Errorf("health probe: %w", err)
	}
	return time.Since(start), nil
}

// Close drains the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var statTables = []string{
	"projects", "requests", "task_lists", "subtasks", "actions",
	"agent_messages", "agent_contexts", "sessions", "wave_states",
	"orchestration_batches", "agent_capacity", "token_consumption",
	"keyword_tool_scores", "blockings", "channel_subscriptions",
}

// Stats returns row counts per table plus dashboard aggregates.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{TableCounts: make(map[string]int64, len(statTables))}
	for _, table := range statTables {
		var count int64
		// Table names come from the fixed list above, never user input.
		if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM `+table); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats.TableCounts[table] = count
	}

	if err := s.db.GetContext(ctx, &stats.OpenBlockings,
		`SELECT COUNT(*) FROM blockings WHERE resolved_at IS NULL`); err != nil {
		return nil, fmt.Errorf("open blockings: %w", err)
	}
	if err := s.db.GetContext(ctx, &stats.UnreadDirect,
		`SELECT COUNT(*) FROM agent_messages
		 WHERE to_agent IS NOT NULL
		   AND NOT (read_by ? to_agent)
		   AND (expires_at IS NULL OR expires_at > NOW())`); err != nil {
		return nil, fmt.Errorf("unread direct: %w", err)
	}
	return stats, nil
}

// Metrics returns the compact aggregate behind the periodic metric.update.
func (s *Store) Metrics(ctx context.Context) (*store.Metrics, error) {
	var m store.Metrics
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL),
			(SELECT COUNT(DISTINCT agent_id) FROM actions WHERE created_at > NOW() - INTERVAL '10 minutes' AND agent_id <> ''),
			(SELECT COUNT(*) FROM subtasks WHERE status = 'pending'),
			(SELECT COUNT(*) FROM subtasks WHERE status = 'running'),
			(SELECT COUNT(*) FROM subtasks WHERE status = 'completed' AND completed_at > NOW() - INTERVAL '1 hour'),
			(SELECT COUNT(*) FROM agent_messages WHERE created_at > NOW() - INTERVAL '1 hour'),
			(SELECT COUNT(*)::float / 60.0 FROM actions WHERE created_at > NOW() - INTERVAL '1 hour'),
			(SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)
			   FROM subtasks WHERE completed_at IS NOT NULL AND started_at IS NOT NULL
			    AND completed_at > NOW() - INTERVAL '1 hour')
	`).Scan(
		&m.ActiveSessions, &m.ActiveAgents, &m.PendingTasks, &m.RunningTasks,
		&m.CompletedLastHour, &m.MessagesLastHour, &m.ActionsPerMinute, &m.AvgTaskDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("metrics aggregate: %w", err)
	}
	return &m, nil
}

// mapRowError converts sql.ErrNoRows to the shared sentinel.
func mapRowError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// jsonOrEmpty marshals v, falling back to an empty object. Nil maps land as
// {} rather than JSON null so jsonb operators keep working.
func jsonOrEmpty(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte("{}")
	}
	return data
}

// jsonOrEmptyArray marshals v, falling back to an empty array.
func jsonOrEmptyArray(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return []byte("[]")
	}
	return data
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func unmarshalStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
