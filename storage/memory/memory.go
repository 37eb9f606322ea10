// Package memory provides thread-safe in-memory implementations of
// storage.Store and storage.SecretStore.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/jmcleod/keysync/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]storage.Record
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{data: make(map[string]map[string]storage.Record)}
}

func (s *Store) Get(_ context.Context, collection string, pred storage.Predicate) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(collection, pred), nil
}

func (s *Store) getLocked(collection string, pred storage.Predicate) []storage.Record {
	var out []storage.Record
	for _, rec := range s.data[collection] {
		if pred(rec) {
			out = append(out, rec.Clone())
		}
	}
	slices.SortFunc(out, func(a, b storage.Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) Upsert(_ context.Context, collection string, records ...storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(collection, records)
	return nil
}

func (s *Store) upsertLocked(collection string, records []storage.Record) {
	if _, ok := s.data[collection]; !ok {
		s.data[collection] = make(map[string]storage.Record)
	}
	for _, rec := range records {
		s.data[collection][rec.ID] = rec.Clone()
	}
}

func (s *Store) Delete(_ context.Context, collection string, pred storage.Predicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(collection, pred), nil
}

func (s *Store) deleteLocked(collection string, pred storage.Predicate) int {
	n := 0
	for id, rec := range s.data[collection] {
		if pred(rec) {
			delete(s.data[collection], id)
			n++
		}
	}
	return n
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (s *Store) Batch(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) snapshot() map[string]map[string]storage.Record {
	cp := make(map[string]map[string]storage.Record, len(s.data))
	for collection, records := range s.data {
		m := make(map[string]storage.Record, len(records))
		for id, rec := range records {
			m[id] = rec.Clone()
		}
		cp[collection] = m
	}
	return cp
}

// Count returns the number of records in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection])
}

type memoryTx struct {
	store *Store
}

func (tx *memoryTx) Get(collection string, pred storage.Predicate) ([]storage.Record, error) {
	return tx.store.getLocked(collection, pred), nil
}

func (tx *memoryTx) Upsert(collection string, records ...storage.Record) error {
	tx.store.upsertLocked(collection, records)
	return nil
}

func (tx *memoryTx) Delete(collection string, pred storage.Predicate) (int, error) {
	return tx.store.deleteLocked(collection, pred), nil
}

// SecretStore is an in-memory storage.SecretStore.
type SecretStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ storage.SecretStore = (*SecretStore)(nil)

// NewSecretStore creates an empty SecretStore.
func NewSecretStore() *SecretStore {
	return &SecretStore{values: make(map[string][]byte)}
}

func (s *SecretStore) GetBytes(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *SecretStore) SetBytes(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *SecretStore) RemoveBytes(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}
