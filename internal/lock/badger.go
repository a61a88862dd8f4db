package lock

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

const badgerKeyPrefix = "lock:"

type badgerRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BadgerStore keeps leases in an embedded Badger database. Concurrent
// acquisitions are serialized by Badger's optimistic transactions; a
// transaction conflict means another owner won.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore wraps an open Badger database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

var errLeaseTaken = errors.New("lease taken")

func (s *BadgerStore) read(txn *badger.Txn, key []byte) (badgerRecord, bool, error) {
	var rec badgerRecord
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *BadgerStore) write(txn *badger.Txn, key []byte, owner string, ttl time.Duration) error {
	payload, err := json.Marshal(badgerRecord{Owner: owner, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	// Badger expires entries at second granularity; the record's own
	// expiry is authoritative and the entry TTL only garbage-collects it.
	return txn.SetEntry(badger.NewEntry(key, payload).WithTTL(ttl + time.Second))
}

func (s *BadgerStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := []byte(badgerKeyPrefix + key)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, ok, err := s.read(txn, k)
		if err != nil {
			return err
		}
		if ok && rec.Owner != owner && rec.ExpiresAt.After(time.Now()) {
			return errLeaseTaken
		}
		return s.write(txn, k, owner, ttl)
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errLeaseTaken), errors.Is(err, badger.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

func (s *BadgerStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	k := []byte(badgerKeyPrefix + key)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, ok, err := s.read(txn, k)
		if err != nil {
			return err
		}
		if !ok || rec.Owner != owner || !rec.ExpiresAt.After(time.Now()) {
			return ErrNotHeld
		}
		return s.write(txn, k, owner, ttl)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrNotHeld
	}
	return err
}

func (s *BadgerStore) Release(ctx context.Context, key, owner string) error {
	k := []byte(badgerKeyPrefix + key)
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, ok, err := s.read(txn, k)
		if err != nil || !ok || rec.Owner != owner {
			return err
		}
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	return err
}

func (s *BadgerStore) Owner(ctx context.Context, key string) (string, bool, error) {
	var (
		rec badgerRecord
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = s.read(txn, []byte(badgerKeyPrefix+key))
		return err
	})
	if err != nil || !ok || !rec.ExpiresAt.After(time.Now()) {
		return "", false, err
	}
	return rec.Owner, true, nil
}
