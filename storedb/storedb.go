// Package storedb defines the Database abstraction (C3): the external
// contract the storage engine depends on. Rows are typed per entity type;
// adapters that serialize the entity payload (pgstore, and the engine's
// Redis revision cache) look up its codec by entity type tag in the
// registry in this package.
package storedb

import (
	"context"
	"errors"

	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
)

// ErrRowNotFound is returned by GetOne when no row satisfies the predicate.
var ErrRowNotFound = errors.New("storedb: row not found")

// StoredEntity is one row of the entity table. Invariant:
// IsDeleted ⇔ Entity == nil.
type StoredEntity struct {
	Type             identity.TypeTag
	ID               string
	Scope            string
	Revision         identity.Revision
	ConcurrencyToken identity.ConcurrencyToken
	IsDeleted        bool
	Epoch            identity.Epoch
	Entity           any
}

// Identifier returns the EntityIdentifier this row is addressed by.
func (r StoredEntity) Identifier() identity.EntityIdentifier {
	return identity.EntityIdentifier{Type: r.Type, ID: r.ID}
}

// StoredDomainEventBatch is one row of the event-batch outbox. Its primary
// key is deterministically derived from (type, id, revision, epoch, scope);
// at most one batch exists per (epoch, revision) pair.
type StoredDomainEventBatch struct {
	ID             string
	EntityType     identity.TypeTag
	EntityID       string
	EntityRevision identity.Revision
	EntityEpoch    identity.Epoch
	Scope          string
	EntityDeleted  bool
	Events         []event.DomainEvent
}

// EntityPredicate selects stored-entity rows by primary key or by type.
type EntityPredicate struct {
	Type  identity.TypeTag
	ID    string // empty means "match all rows of Type"
	Scope string
}

// BatchPredicate selects stored event-batch rows, used for startup drain.
type BatchPredicate struct {
	Scope string
}

// Scope is a transactional handle returned by Database.CreateScope. All
// operations performed through a Scope are invisible to other readers
// until TryCommit succeeds.
type Scope interface {
	Store(ctx context.Context, row StoredEntity) error
	Remove(ctx context.Context, row StoredEntity) error
	GetOne(ctx context.Context, predicate EntityPredicate) (StoredEntity, error)
	StoreBatch(ctx context.Context, batch StoredDomainEventBatch) error
	// RemoveBatch removes a stored batch as part of the scope's
	// transaction, used by the dispatcher's deleted-entity cleanup path
	// which must remove the batch and the tombstoned entity row together.
	RemoveBatch(ctx context.Context, batch StoredDomainEventBatch) error
	Rollback(ctx context.Context) error
	// TryCommit attempts to commit the scope. A false return signals
	// optimistic-concurrency loss inside the database; the caller must
	// re-read and retry. An error return signals an unexpected database
	// fault, distinct from ordinary concurrency loss.
	TryCommit(ctx context.Context) (bool, error)
}

// Database is the storage engine's sole external dependency.
type Database interface {
	GetOne(ctx context.Context, predicate EntityPredicate) (StoredEntity, error)
	GetAll(ctx context.Context, predicate EntityPredicate) (RowIterator, error)
	Store(ctx context.Context, row StoredEntity) error
	// Remove is the unscoped delete used by simple dispatcher cleanup.
	Remove(ctx context.Context, row StoredEntity) error

	CreateScope(ctx context.Context) (Scope, error)

	GetAllBatches(ctx context.Context, predicate BatchPredicate) (BatchIterator, error)
	RemoveBatch(ctx context.Context, batch StoredDomainEventBatch) error
}

// RowIterator streams StoredEntity rows. Next returns false once exhausted
// or on error; Err reports which of the two occurred.
type RowIterator interface {
	Next(ctx context.Context) bool
	Row() StoredEntity
	Err() error
	Close() error
}

// BatchIterator streams StoredDomainEventBatch rows.
type BatchIterator interface {
	Next(ctx context.Context) bool
	Batch() StoredDomainEventBatch
	Err() error
	Close() error
}
