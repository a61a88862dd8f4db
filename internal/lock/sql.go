package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/waterflow/internal/persistence"
)

// SQLStore keeps leases in a flow_locks table. Acquisition is a single
// upsert guarded by owner and expiry, so it is safe across processes
// sharing the database.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the lock table and returns a new SQLStore.
func NewSQLStore(db *sql.DB, dialect persistence.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_locks (
			lock_key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("init lock schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO flow_locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE flow_locks.owner = excluded.owner OR flow_locks.expires_at <= ?`),
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE flow_locks SET expires_at = ?
		WHERE lock_key = ? AND owner = ? AND expires_at > ?`),
		now.Add(ttl).UnixNano(), key, owner, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM flow_locks WHERE lock_key = ? AND owner = ?`), key, owner)
	return err
}

func (s *SQLStore) Owner(ctx context.Context, key string) (string, bool, error) {
	var (
		owner   string
		expires int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT owner, expires_at FROM flow_locks WHERE lock_key = ?`), key,
	).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if expires <= time.Now().UnixNano() {
		return "", false, nil
	}
	return owner, true, nil
}
