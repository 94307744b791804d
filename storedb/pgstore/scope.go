package pgstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-labs/entitystore/storedb"
)

type txKey struct{}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

// CreateScope implements storedb.Database by opening a database/sql
// transaction, grounded on the teacher stack's BaseStore.WithTx pattern but
// exposed here as an explicit handle rather than a context-threaded one, to
// match the specification's scope-handle contract.
func (s *Store) CreateScope(ctx context.Context) (storedb.Scope, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin tx: %w", err)
	}
	return &txScope{store: s, tx: tx}, nil
}

type txScope struct {
	store *Store
	tx    *sqlx.Tx
	done  bool
}

func (t *txScope) Store(ctx context.Context, row storedb.StoredEntity) error {
	return t.store.store(ctx, t.tx, row)
}

func (t *txScope) Remove(ctx context.Context, row storedb.StoredEntity) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE entity_type = $1 AND entity_id = $2 AND scope = $3`, entityTable)
	_, err := t.tx.ExecContext(ctx, query, string(row.Type), row.ID, row.Scope)
	if err != nil {
		return fmt.Errorf("pgstore: scoped remove: %w", err)
	}
	return nil
}

func (t *txScope) GetOne(ctx context.Context, predicate storedb.EntityPredicate) (storedb.StoredEntity, error) {
	return t.store.getOne(ctx, t.tx, predicate)
}

func (t *txScope) StoreBatch(ctx context.Context, batch storedb.StoredDomainEventBatch) error {
	eventsJSON, err := encodeEvents(batch.Events)
	if err != nil {
		return fmt.Errorf("pgstore: encode events: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, entity_type, entity_id, entity_revision, entity_epoch, scope, entity_deleted, events)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`, batchTable)
	_, err = t.tx.ExecContext(ctx, query, batch.ID, string(batch.EntityType), batch.EntityID,
		int64(batch.EntityRevision), int64(batch.EntityEpoch), batch.Scope, batch.EntityDeleted, eventsJSON)
	if err != nil {
		return fmt.Errorf("pgstore: store batch: %w", err)
	}
	return nil
}

func (t *txScope) RemoveBatch(ctx context.Context, batch storedb.StoredDomainEventBatch) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, batchTable)
	if _, err := t.tx.ExecContext(ctx, query, batch.ID); err != nil {
		return fmt.Errorf("pgstore: scoped remove batch: %w", err)
	}
	return nil
}

func (t *txScope) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// TryCommit attempts to commit the underlying transaction. A Postgres
// serialization/deadlock failure (class 40001/40P01) is reported as a
// false/nil result so the engine's commit loop retries from a fresh scope;
// any other error propagates as a fault.
func (t *txScope) TryCommit(context.Context) (bool, error) {
	if t.done {
		return false, fmt.Errorf("pgstore: scope already finished")
	}
	t.done = true
	err := t.tx.Commit()
	if err == nil {
		return true, nil
	}
	if IsSerializationFailure(err) {
		return false, nil
	}
	return false, fmt.Errorf("pgstore: commit: %w", err)
}
