package storage

import (
	"context"
	"encoding/json"

	"lending-api/domain"
)

// Record is the state written for an entity by Tx.Put.
type Record struct {
	Class   string
	Payload json.RawMessage
	Deleted bool
}

// Tx is the view of the store inside a transaction. Writes become visible to
// other transactions only after commit.
type Tx interface {
	// Get returns the entity, including tombstones (Deleted set). It returns
	// domain.ErrNotFound when no row exists for id.
	Get(ctx context.Context, id string) (domain.Entity, error)
	// Put stores rec at version expectedVersion+1. expectedVersion 0 means the
	// id must not exist yet. A mismatch yields domain.ErrStaleVersion.
	Put(ctx context.Context, id string, rec Record, expectedVersion int64) (domain.Entity, error)
}

// Gateway is the narrow interface the state manager uses to reach durable
// storage. Implementations report connection failures as
// domain.ErrStoreUnavailable and never retry them.
type Gateway interface {
	// Transaction runs fn and commits when it returns nil. Errors, panics and
	// context cancellation roll back.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (domain.Entity, error)
	// List returns the live entities of class, or of every class when class
	// is empty.
	List(ctx context.Context, class string) ([]domain.Entity, error)
	Ping(ctx context.Context) error
	Close() error
}

func live(e domain.Entity, err error) (domain.Entity, error) {
	if err != nil {
		return domain.Entity{}, err
	}
	if e.Deleted {
		return domain.Entity{}, domain.ErrNotFound
	}
	return e, nil
}
