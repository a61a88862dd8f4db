package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/waterflow/internal/persistence"
)

// SQLQueue is a persistent queue in a waterflow_tasks table. Dequeue claims
// the earliest due row and deletes it in one transaction; on PostgreSQL the
// claim skips rows locked by other workers.
type SQLQueue struct {
	db           *sql.DB
	dialect      persistence.Dialect
	pollInterval time.Duration
	now          func() time.Time
}

// NewSQLQueue creates the tasks table if needed and returns a queue.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{
		db:           db,
		dialect:      dialect,
		pollInterval: 20 * time.Millisecond,
		now:          time.Now,
	}
	if dialect.Numbered {
		q.pollInterval = 100 * time.Millisecond
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("init task queue schema: %w", err)
	}
	return q, nil
}

// NewSQLiteQueue returns a queue on a modernc.org/sqlite database.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.SQLite)
}

// NewPostgresQueue returns a queue on a PostgreSQL database.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.Postgres)
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS waterflow_tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			body ` + q.dialect.Blob + ` NOT NULL,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_waterflow_tasks_due ON waterflow_tasks (not_before, enqueued_at)`,
	}
	for _, s := range stmts {
		if _, err := q.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO waterflow_tasks (id, kind, body, enqueued_at, not_before)
		VALUES (?, ?, ?, ?, ?)`),
		t.ID, string(t.Kind), body, t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*Task, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		t, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		timer.Reset(q.pollInterval)
	}
}

// claim removes and returns the earliest due task, or nil when none is due.
func (q *SQLQueue) claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, body FROM waterflow_tasks
		WHERE not_before <= ?
		ORDER BY not_before, enqueued_at, id
		LIMIT 1`
	if q.dialect.RowLock != "" {
		query += " " + q.dialect.RowLock
	}

	var (
		id   string
		body []byte
	)
	err = tx.QueryRowContext(ctx, q.dialect.Rebind(query), q.now().UnixNano()).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q.dialect.Rebind(`DELETE FROM waterflow_tasks WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return DecodeTask(body)
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM waterflow_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
