// Package bbolt provides BBolt-backed implementations of storage.Store and
// storage.SecretStore.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/keysync/storage"
)

const secretsBucket = "__secrets"

// Store implements storage.Store backed by a BBolt database. Each
// collection is a bucket; records are JSON-encoded under their ID.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// Open opens a BBolt database at the given path and returns a new Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// DB exposes the underlying database so a SecretStore can share it.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, collection string, pred storage.Predicate) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, err = (&boltTx{tx: tx}).Get(collection, pred)
		return err
	})
	return out, err
}

func (s *Store) Upsert(ctx context.Context, collection string, records ...storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltTx{tx: tx}).Upsert(collection, records...)
	})
}

func (s *Store) Delete(ctx context.Context, collection string, pred storage.Predicate) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = (&boltTx{tx: tx}).Delete(collection, pred)
		return err
	})
	return n, err
}

// Batch runs fn inside a single read-write bbolt transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

// Get walks the bucket in key order, so results are sorted by ID.
func (t *boltTx) Get(collection string, pred storage.Predicate) ([]storage.Record, error) {
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return nil, nil
	}
	var out []storage.Record
	err := b.ForEach(func(k, v []byte) error {
		var rec storage.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", collection, k, err)
		}
		if pred(rec) {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) Upsert(collection string, records ...storage.Record) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return err
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(rec.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Delete(collection string, pred storage.Predicate) (int, error) {
	b := t.tx.Bucket([]byte(collection))
	if b == nil {
		return 0, nil
	}
	matches, err := t.Get(collection, pred)
	if err != nil {
		return 0, err
	}
	for _, rec := range matches {
		if err := b.Delete([]byte(rec.ID)); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

// SecretStore implements storage.SecretStore in a dedicated bucket.
type SecretStore struct {
	db *bbolt.DB
}

var _ storage.SecretStore = (*SecretStore)(nil)

// NewSecretStore returns a SecretStore backed by db.
func NewSecretStore(db *bbolt.DB) *SecretStore {
	return &SecretStore{db: db}
}

func (s *SecretStore) GetBytes(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(secretsBucket))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return out, err
}

func (s *SecretStore) SetBytes(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(secretsBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *SecretStore) RemoveBytes(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(secretsBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
