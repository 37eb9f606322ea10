// Package storage provides the local persistence abstractions used by the
// sync engine: a predicate-based object store and a secure byte store.
package storage

import (
	"context"
	"errors"
	"maps"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Record is a single stored object. ID is unique within a collection. Attrs
// hold unencrypted values that predicates may filter on; Data is opaque and
// usually an encoded Envelope.
type Record struct {
	ID    string            `json:"id"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Data  []byte            `json:"data,omitempty"`
}

// Attr returns the named attribute or "".
func (r Record) Attr(name string) string {
	return r.Attrs[name]
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{ID: r.ID, Attrs: maps.Clone(r.Attrs)}
	if r.Data != nil {
		out.Data = append([]byte(nil), r.Data...)
	}
	return out
}

// Predicate selects records.
type Predicate func(Record) bool

// All matches every record.
func All() Predicate {
	return func(Record) bool { return true }
}

// WhereID matches the record with the given ID.
func WhereID(id string) Predicate {
	return func(r Record) bool { return r.ID == id }
}

// Where matches records whose attribute name equals value.
func Where(name, value string) Predicate {
	return func(r Record) bool { return r.Attrs[name] == value }
}

// And matches records accepted by every predicate.
func And(preds ...Predicate) Predicate {
	return func(r Record) bool {
		for _, p := range preds {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Tx exposes the object store operations inside an atomic batch.
type Tx interface {
	Get(collection string, pred Predicate) ([]Record, error)
	Upsert(collection string, records ...Record) error
	Delete(collection string, pred Predicate) (int, error)
}

// Store is the generic object store. Get returns records ordered by ID.
type Store interface {
	Get(ctx context.Context, collection string, pred Predicate) ([]Record, error)
	Upsert(ctx context.Context, collection string, records ...Record) error
	Delete(ctx context.Context, collection string, pred Predicate) (int, error)
	// Batch runs fn atomically. If fn returns an error nothing it wrote is kept.
	Batch(ctx context.Context, fn func(tx Tx) error) error
}

// SecretStore is secure device storage for small byte values.
// GetBytes returns ErrNotFound for a missing key.
type SecretStore interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte) error
	RemoveBytes(ctx context.Context, key string) error
}
