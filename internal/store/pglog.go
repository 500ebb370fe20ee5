package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLog is the durable transaction log. The INSERT commits before the
// matching entity mutation is acknowledged, which gives the write-ahead
// ordering the recovery path depends on. The table doubles as the
// relational secondary index (by task_id and by agent+ts) but is never
// consulted as the source of entity state; Replay is.
type PostgresLog struct {
	db *sql.DB
}

const pgLogSchema = `
CREATE TABLE IF NOT EXISTS transaction_log (
	seq     BIGSERIAL PRIMARY KEY,
	ts      TIMESTAMPTZ NOT NULL DEFAULT now(),
	task_id TEXT NOT NULL,
	action  TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	amount  TEXT NOT NULL DEFAULT '',
	asset   TEXT NOT NULL DEFAULT '',
	from_id TEXT NOT NULL DEFAULT '',
	to_id   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_txlog_task ON transaction_log (task_id, seq);
CREATE INDEX IF NOT EXISTS idx_txlog_from ON transaction_log (from_id, ts);
CREATE INDEX IF NOT EXISTS idx_txlog_to   ON transaction_log (to_id, ts);
`

// NewPostgresLog opens the database and ensures the schema exists.
func NewPostgresLog(url string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgLogSchema); err != nil {
		return nil, fmt.Errorf("ensure txlog schema: %w", err)
	}
	return &PostgresLog{db: db}, nil
}

func (l *PostgresLog) Append(ctx context.Context, e LogEntry) (LogEntry, error) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	const q = `
		INSERT INTO transaction_log (ts, task_id, action, details, amount, asset, from_id, to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`
	err := l.db.QueryRowContext(ctx, q,
		e.TS, e.TaskID, string(e.Action), e.Details, e.Amount, e.Asset, e.From, e.To,
	).Scan(&e.Seq)
	if err != nil {
		return LogEntry{}, fmt.Errorf("append log entry: %w", err)
	}
	return e, nil
}

func (l *PostgresLog) ByTask(ctx context.Context, taskID string) ([]LogEntry, error) {
	const q = `
		SELECT seq, ts, task_id, action, details, amount, asset, from_id, to_id
		FROM transaction_log WHERE task_id = $1 ORDER BY seq`
	rows, err := l.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("query log by task: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (l *PostgresLog) ByAgent(ctx context.Context, agentID string, limit int) ([]LogEntry, error) {
	q := `
		SELECT seq, ts, task_id, action, details, amount, asset, from_id, to_id
		FROM transaction_log WHERE from_id = $1 OR to_id = $1 ORDER BY seq`
	args := []interface{}{agentID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query log by agent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (l *PostgresLog) Replay(ctx context.Context, fn func(LogEntry) bool) error {
	const q = `
		SELECT seq, ts, task_id, action, details, amount, asset, from_id, to_id
		FROM transaction_log ORDER BY seq`
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("query log for replay: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e LogEntry
		var action string
		if err := rows.Scan(&e.Seq, &e.TS, &e.TaskID, &action, &e.Details, &e.Amount, &e.Asset, &e.From, &e.To); err != nil {
			return fmt.Errorf("scan log entry: %w", err)
		}
		e.Action = Action(action)
		if !fn(e) {
			return nil
		}
	}
	return rows.Err()
}

// Ping reports log connectivity for health checks.
func (l *PostgresLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the connection pool.
func (l *PostgresLog) Close() error { return l.db.Close() }

func scanEntries(rows *sql.Rows) ([]LogEntry, error) {
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var action string
		if err := rows.Scan(&e.Seq, &e.TS, &e.TaskID, &action, &e.Details, &e.Amount, &e.Asset, &e.From, &e.To); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
