// Package docstore defines the contract of the transactional document store
// the core depends on: atomic read-modify-write transactions, point access by
// collection and id, and a per-collection change subscription that delivers
// one full snapshot followed by incremental batches.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned by point reads for an absent document.
	ErrNotFound = errors.New("document not found")
	// ErrTxConflict is returned when a transaction keeps aborting on
	// conflicting concurrent writes after the store's internal retries.
	ErrTxConflict = errors.New("transaction conflict")
)

// Document is one record as stored: an id plus its raw JSON body.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Batch is one change-feed delivery. The first batch on a subscription always
// has Snapshot set and carries the full collection in Added.
type Batch struct {
	Snapshot bool
	Added    []Document
	Modified []Document
	Removed  []Document
}

// Tx is the view of the store inside a transaction. All reads and writes made
// through a Tx commit or abort together.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Set(ctx context.Context, collection, id string, doc any) error
	Delete(ctx context.Context, collection, id string) error
}

// Store is the authoritative document store.
//
// RunTransaction executes fn atomically; the implementation retries fn on
// write conflicts and returns ErrTxConflict (possibly wrapped) once retries
// are exhausted. Any error returned by fn aborts the transaction and is
// propagated unchanged.
type Store interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Set(ctx context.Context, collection, id string, doc any) error
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers the current collection contents as one snapshot
	// batch, then every subsequent change in commit order. The channel is
	// closed when ctx is cancelled or the feed breaks; re-subscribing is the
	// caller's concern.
	Subscribe(ctx context.Context, collection string) (<-chan Batch, error)

	Close()
}

// Marshal normalizes a document body to raw JSON.
func Marshal(doc any) (json.RawMessage, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(doc)
}
