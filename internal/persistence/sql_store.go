package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/petrijr/waterflow/pkg/api"
)

// SQLStore is a Store backed by a relational database through
// database/sql.
//
// It expects an *sql.DB opened with a driver matching the dialect, for
// example "modernc.org/sqlite" for SQLite or
// "github.com/jackc/pgx/v5/stdlib" for PostgreSQL. The caller is
// responsible for importing the driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the schema in db and returns a new SQLStore.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init %s schema: %w", dialect.Name, err)
	}
	return s, nil
}

// NewSQLiteStore returns a SQLStore using the SQLite dialect.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLite)
}

// NewPostgresStore returns a SQLStore using the PostgreSQL dialect.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, Postgres)
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_traces (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			start_node TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			ended_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS flow_traces_status_idx ON flow_traces (status, ended_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flow_contexts (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			version TEXT NOT NULL,
			position TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			data %s,
			session TEXT NOT NULL DEFAULT '',
			window_key TEXT NOT NULL DEFAULT '',
			window_size INTEGER NOT NULL DEFAULT 0,
			parent_ids TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.dialect.Blob),
		`CREATE INDEX IF NOT EXISTS flow_contexts_trace_idx ON flow_contexts (trace_id, status)`,
		`CREATE TABLE IF NOT EXISTS flow_notifications (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			context_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			target TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at BIGINT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flow_notifications_due_idx ON flow_notifications (next_retry_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

//
// Contexts
//

const contextColumns = `id, trace_id, stream_id, version, position, event_id, status, data, session,
	window_key, window_size, parent_ids, attempt, last_error, created_at, updated_at`

func (s *SQLStore) CreateContexts(ctx context.Context, contexts []*api.FlowContext) error {
	if len(contexts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertContexts(ctx, tx, contexts)
	})
}

func (s *SQLStore) insertContexts(ctx context.Context, q queryer, contexts []*api.FlowContext) error {
	query := s.dialect.Rebind(`INSERT INTO flow_contexts (` + contextColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, c := range contexts {
		data, err := EncodeData(c.Data)
		if err != nil {
			return err
		}
		session, err := encodeSession(c.Session)
		if err != nil {
			return err
		}
		parents, err := encodeJSON(c.ParentIDs)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, query,
			c.ID, c.TraceID, c.StreamID, c.Version, c.Position, c.EventID, string(c.Status),
			data, session, c.WindowKey, c.WindowSize, parents, c.Attempt, c.LastError,
			unixNano(c.CreatedAt), unixNano(c.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert context %s: %w", c.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) UpdateContexts(ctx context.Context, contexts []*api.FlowContext) error {
	if len(contexts) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.updateContexts(ctx, tx, contexts)
	})
}

func (s *SQLStore) updateContexts(ctx context.Context, q queryer, contexts []*api.FlowContext) error {
	query := s.dialect.Rebind(`UPDATE flow_contexts
		SET position = ?, event_id = ?, status = ?, session = ?, attempt = ?, last_error = ?, updated_at = ?
		WHERE id = ?`)
	for _, c := range contexts {
		session, err := encodeSession(c.Session)
		if err != nil {
			return err
		}
		res, err := q.ExecContext(ctx, query,
			c.Position, c.EventID, string(c.Status), session, c.Attempt, c.LastError,
			unixNano(c.UpdatedAt), c.ID,
		)
		if err != nil {
			return fmt.Errorf("update context %s: %w", c.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("update context %s: %w", c.ID, api.ErrContextNotFound)
		}
	}
	return nil
}

func (s *SQLStore) GetContexts(ctx context.Context, ids []string) ([]*api.FlowContext, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := s.dialect.Rebind(`SELECT ` + contextColumns + ` FROM flow_contexts
		WHERE id IN (` + placeholders(len(ids)) + `)
		ORDER BY created_at, id`)
	return s.queryContexts(ctx, query, stringArgs(ids)...)
}

func (s *SQLStore) ListContextsByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	query := s.dialect.Rebind(`SELECT ` + contextColumns + ` FROM flow_contexts
		WHERE trace_id = ?
		ORDER BY created_at, id`)
	return s.queryContexts(ctx, query, traceID)
}

func (s *SQLStore) ListActiveContexts(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	query := s.dialect.Rebind(`SELECT ` + contextColumns + ` FROM flow_contexts
		WHERE trace_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at, id`)
	return s.queryContexts(ctx, query, traceID, string(api.NodeStatusArchived), string(api.NodeStatusError))
}

func (s *SQLStore) queryContexts(ctx context.Context, query string, args ...any) ([]*api.FlowContext, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.FlowContext
	for rows.Next() {
		var (
			c                    api.FlowContext
			status               string
			data                 []byte
			session, parents     string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(
			&c.ID, &c.TraceID, &c.StreamID, &c.Version, &c.Position, &c.EventID, &status,
			&data, &session, &c.WindowKey, &c.WindowSize, &parents, &c.Attempt, &c.LastError,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		c.Status = api.NodeStatus(status)
		if c.Data, err = DecodeData(data); err != nil {
			return nil, fmt.Errorf("context %s: %w", c.ID, err)
		}
		if c.Session, err = decodeSession(session); err != nil {
			return nil, fmt.Errorf("context %s: %w", c.ID, err)
		}
		if c.ParentIDs, err = decodeStrings(parents); err != nil {
			return nil, fmt.Errorf("context %s: decode parents: %w", c.ID, err)
		}
		c.CreatedAt = fromUnixNano(createdAt)
		c.UpdatedAt = fromUnixNano(updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountActiveContexts(ctx context.Context, traceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT COUNT(*) FROM flow_contexts
		WHERE trace_id = ? AND status NOT IN (?, ?)`),
		traceID, string(api.NodeStatusArchived), string(api.NodeStatusError),
	).Scan(&n)
	return n, err
}

func (s *SQLStore) DeleteContextsByTraces(ctx context.Context, traceIDs []string) (int, error) {
	return s.deleteByTraces(ctx, s.db, "flow_contexts", traceIDs)
}

func (s *SQLStore) deleteByTraces(ctx context.Context, q queryer, table string, traceIDs []string) (int, error) {
	if len(traceIDs) == 0 {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM `+table+` WHERE trace_id IN (`+placeholders(len(traceIDs))+`)`),
		stringArgs(traceIDs)...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

//
// Traces
//

const traceColumns = `id, stream_id, version, status, owner, start_node, error, created_at, updated_at, ended_at`

func (s *SQLStore) CreateTrace(ctx context.Context, t *api.FlowTrace) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO flow_traces (`+traceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.StreamID, t.Version, string(t.Status), t.Owner, t.StartNode, t.Error,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt), unixNano(t.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trace %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) GetTrace(ctx context.Context, id string) (*api.FlowTrace, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+traceColumns+` FROM flow_traces WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	traces, err := scanTraces(rows)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, api.ErrTraceNotFound
	}
	return traces[0], nil
}

func scanTraces(rows *sql.Rows) ([]*api.FlowTrace, error) {
	defer rows.Close()

	var out []*api.FlowTrace
	for rows.Next() {
		var (
			t                             api.FlowTrace
			status                        string
			createdAt, updatedAt, endedAt int64
		)
		if err := rows.Scan(&t.ID, &t.StreamID, &t.Version, &status, &t.Owner, &t.StartNode, &t.Error,
			&createdAt, &updatedAt, &endedAt); err != nil {
			return nil, err
		}
		t.Status = api.TraceStatus(status)
		t.CreatedAt = fromUnixNano(createdAt)
		t.UpdatedAt = fromUnixNano(updatedAt)
		t.EndedAt = fromUnixNano(endedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateTraceStatus(ctx context.Context, id string, status api.TraceStatus, errMsg string, at time.Time) (bool, error) {
	var ended int64
	if status.IsTerminal() {
		ended = at.UnixNano()
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE flow_traces SET status = ?, error = ?, updated_at = ?, ended_at = ?
		WHERE id = ? AND status = ?`),
		string(status), errMsg, at.UnixNano(), ended, id, string(api.TraceStatusRunning),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish "already terminal" from "missing".
	if _, err := s.GetTrace(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLStore) UpdateTraceOwner(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE flow_traces SET owner = ?, updated_at = ? WHERE id = ?`),
		owner, time.Now().UnixNano(), id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrTraceNotFound
	}
	return nil
}

func (s *SQLStore) ListRunningTraces(ctx context.Context, after string, limit int) ([]*api.FlowTrace, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+traceColumns+` FROM flow_traces
		WHERE status = ? AND id > ?
		ORDER BY id
		LIMIT ?`),
		string(api.TraceStatusRunning), after, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTraces(rows)
}

func (s *SQLStore) ListExpiredTraces(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT id FROM flow_traces
		WHERE status IN (?, ?, ?) AND ended_at < ?
		ORDER BY ended_at, id
		LIMIT ?`),
		string(api.TraceStatusArchived), string(api.TraceStatusError), string(api.TraceStatusTerminated),
		before.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) DeleteTraces(ctx context.Context, ids []string) (int, error) {
	return s.deleteTraces(ctx, s.db, ids)
}

func (s *SQLStore) deleteTraces(ctx context.Context, q queryer, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM flow_traces WHERE id IN (`+placeholders(len(ids))+`)`),
		stringArgs(ids)...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

//
// Notifications
//

const notificationColumns = `id, kind, trace_id, context_id, node_id, target, payload, retry_count, next_retry_at, last_error, created_at`

func (s *SQLStore) SaveNotification(ctx context.Context, n *api.Notification) error {
	return s.insertNotifications(ctx, s.db, []*api.Notification{n})
}

func (s *SQLStore) insertNotifications(ctx context.Context, q queryer, ns []*api.Notification) error {
	query := s.dialect.Rebind(`INSERT INTO flow_notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, n := range ns {
		payload, err := encodeJSON(n.Payload)
		if err != nil {
			return fmt.Errorf("encode notification %s: %w", n.ID, err)
		}
		if _, err := q.ExecContext(ctx, query,
			n.ID, string(n.Kind), n.TraceID, n.ContextID, n.NodeID, n.Target, payload,
			n.RetryCount, unixNano(n.NextRetryAt), n.LastError, unixNano(n.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert notification %s: %w", n.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) DueNotifications(ctx context.Context, now time.Time, limit int) ([]*api.Notification, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+notificationColumns+` FROM flow_notifications
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at, id
		LIMIT ?`),
		now.UnixNano(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Notification
	for rows.Next() {
		var (
			n                   api.Notification
			kind, payload       string
			nextRetry, creation int64
		)
		if err := rows.Scan(&n.ID, &kind, &n.TraceID, &n.ContextID, &n.NodeID, &n.Target, &payload,
			&n.RetryCount, &nextRetry, &n.LastError, &creation); err != nil {
			return nil, err
		}
		n.Kind = api.NotificationKind(kind)
		if n.Payload, err = decodeMap(payload); err != nil {
			return nil, fmt.Errorf("notification %s: %w", n.ID, err)
		}
		n.NextRetryAt = fromUnixNano(nextRetry)
		n.CreatedAt = fromUnixNano(creation)
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM flow_notifications WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return notificationAffected(res)
}

func (s *SQLStore) RescheduleNotification(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE flow_notifications SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`),
		retryCount, next.UnixNano(), lastErr, id,
	)
	if err != nil {
		return err
	}
	return notificationAffected(res)
}

func notificationAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrNotificationNotFound
	}
	return nil
}

//
// Transactions
//

func (s *SQLStore) Commit(ctx context.Context, t Transition) error {
	if t.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateContexts(ctx, tx, t.Update); err != nil {
			return err
		}
		if err := s.insertContexts(ctx, tx, t.Create); err != nil {
			return err
		}
		return s.insertNotifications(ctx, tx, t.Notify)
	})
}

func (s *SQLStore) PurgeTraces(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.deleteByTraces(ctx, tx, "flow_notifications", ids); err != nil {
			return err
		}
		if _, err := s.deleteByTraces(ctx, tx, "flow_contexts", ids); err != nil {
			return err
		}
		n, err := s.deleteTraces(ctx, tx, ids)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
