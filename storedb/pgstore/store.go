// Package pgstore is a PostgreSQL-backed storedb.Database, grounded on the
// teacher stack's BaseStore/WithTx transaction plumbing and its
// Postgres-backed outbox store. Rows for every registered entity type share
// one table (entity_type is a column, not a table-name suffix); the codec
// registry still gives each type its own encode/decode schema for the
// opaque payload column.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/storedb"
)

const entityTable = "entitystore_rows"
const batchTable = "entitystore_event_batches"

// Store is a Postgres-backed storedb.Database.
type Store struct {
	db       *sqlx.DB
	registry *storedb.Registry
}

// New wraps an existing *sql.DB. registry supplies the per-type payload
// codec; callers must register every entity type before it is read or
// written.
func New(db *sql.DB, registry *storedb.Registry) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres"), registry: registry}
}

func (s *Store) querier(ctx context.Context) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// GetOne implements storedb.Database.
func (s *Store) GetOne(ctx context.Context, predicate storedb.EntityPredicate) (storedb.StoredEntity, error) {
	return s.getOne(ctx, s.querier(ctx), predicate)
}

func (s *Store) getOne(ctx context.Context, q sqlx.ExtContext, predicate storedb.EntityPredicate) (storedb.StoredEntity, error) {
	query := fmt.Sprintf(`SELECT entity_type, entity_id, scope, revision, concurrency_token, is_deleted, epoch, payload
		FROM %s WHERE entity_type = $1 AND entity_id = $2 AND scope = $3`, entityTable)
	row := q.QueryRowxContext(ctx, query, string(predicate.Type), predicate.ID, predicate.Scope)
	stored, err := s.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storedb.StoredEntity{}, storedb.ErrRowNotFound
	}
	return stored, err
}

// GetAll implements storedb.Database, returning only live rows.
func (s *Store) GetAll(ctx context.Context, predicate storedb.EntityPredicate) (storedb.RowIterator, error) {
	query := fmt.Sprintf(`SELECT entity_type, entity_id, scope, revision, concurrency_token, is_deleted, epoch, payload
		FROM %s WHERE entity_type = $1 AND scope = $2 AND is_deleted = false ORDER BY entity_id`, entityTable)
	rows, err := s.querier(ctx).QueryxContext(ctx, query, string(predicate.Type), predicate.Scope)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get all: %w", err)
	}
	return &rowIterator{store: s, rows: rows}, nil
}

// Store implements storedb.Database's direct (unscoped) upsert.
func (s *Store) Store(ctx context.Context, row storedb.StoredEntity) error {
	return s.store(ctx, s.querier(ctx), row)
}

func (s *Store) store(ctx context.Context, q sqlx.ExtContext, row storedb.StoredEntity) error {
	payload, err := s.encode(row)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (entity_type, entity_id, scope, revision, concurrency_token, is_deleted, epoch, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (entity_type, entity_id, scope) DO UPDATE SET
			revision = EXCLUDED.revision,
			concurrency_token = EXCLUDED.concurrency_token,
			is_deleted = EXCLUDED.is_deleted,
			epoch = EXCLUDED.epoch,
			payload = EXCLUDED.payload`, entityTable)
	_, err = q.ExecContext(ctx, query, string(row.Type), row.ID, row.Scope, int64(row.Revision),
		string(row.ConcurrencyToken), row.IsDeleted, int64(row.Epoch), payload)
	if err != nil {
		return fmt.Errorf("pgstore: store: %w", err)
	}
	return nil
}

// Remove implements storedb.Database's unscoped delete.
func (s *Store) Remove(ctx context.Context, row storedb.StoredEntity) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE entity_type = $1 AND entity_id = $2 AND scope = $3`, entityTable)
	_, err := s.querier(ctx).ExecContext(ctx, query, string(row.Type), row.ID, row.Scope)
	if err != nil {
		return fmt.Errorf("pgstore: remove: %w", err)
	}
	return nil
}

// GetAllBatches implements storedb.Database.
func (s *Store) GetAllBatches(ctx context.Context, predicate storedb.BatchPredicate) (storedb.BatchIterator, error) {
	query := fmt.Sprintf(`SELECT id, entity_type, entity_id, entity_revision, entity_epoch, scope, entity_deleted, events
		FROM %s WHERE scope = $1 ORDER BY id`, batchTable)
	rows, err := s.querier(ctx).QueryxContext(ctx, query, predicate.Scope)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get all batches: %w", err)
	}
	return &batchIterator{rows: rows}, nil
}

// RemoveBatch implements storedb.Database.
func (s *Store) RemoveBatch(ctx context.Context, batch storedb.StoredDomainEventBatch) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, batchTable)
	_, err := s.querier(ctx).ExecContext(ctx, query, batch.ID)
	if err != nil {
		return fmt.Errorf("pgstore: remove batch: %w", err)
	}
	return nil
}

func (s *Store) encode(row storedb.StoredEntity) ([]byte, error) {
	if row.Entity == nil {
		return nil, nil
	}
	codec, err := s.registry.Lookup(row.Type)
	if err != nil {
		return nil, err
	}
	return codec.Encode(row.Entity)
}

func (s *Store) scanRow(row *sqlx.Row) (storedb.StoredEntity, error) {
	var (
		entityType       string
		entityID         string
		scopeVal         string
		revision         int64
		concurrencyToken string
		isDeleted        bool
		epoch            int64
		payload          []byte
	)
	if err := row.Scan(&entityType, &entityID, &scopeVal, &revision, &concurrencyToken, &isDeleted, &epoch, &payload); err != nil {
		return storedb.StoredEntity{}, err
	}
	stored := storedb.StoredEntity{
		Type:             identity.TypeTag(entityType),
		ID:               entityID,
		Scope:            scopeVal,
		Revision:         identity.Revision(revision),
		ConcurrencyToken: identity.ConcurrencyToken(concurrencyToken),
		IsDeleted:        isDeleted,
		Epoch:            identity.Epoch(epoch),
	}
	if len(payload) > 0 {
		codec, err := s.registry.Lookup(stored.Type)
		if err != nil {
			return storedb.StoredEntity{}, err
		}
		entity, err := codec.Decode(payload)
		if err != nil {
			return storedb.StoredEntity{}, fmt.Errorf("pgstore: decode payload: %w", err)
		}
		stored.Entity = entity
	}
	return stored, nil
}

// IsSerializationFailure reports whether err is a Postgres serialization or
// deadlock failure class (40001/40P01), the class TryCommit maps to a
// false (retry) result rather than a propagated fault.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

type rowIterator struct {
	store *Store
	rows  *sqlx.Rows
	cur   storedb.StoredEntity
	err   error
}

func (it *rowIterator) Next(context.Context) bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		entityType       string
		entityID         string
		scopeVal         string
		revision         int64
		concurrencyToken string
		isDeleted        bool
		epoch            int64
		payload          []byte
	)
	if err := it.rows.Scan(&entityType, &entityID, &scopeVal, &revision, &concurrencyToken, &isDeleted, &epoch, &payload); err != nil {
		it.err = err
		return false
	}
	stored := storedb.StoredEntity{
		Type:             identity.TypeTag(entityType),
		ID:               entityID,
		Scope:            scopeVal,
		Revision:         identity.Revision(revision),
		ConcurrencyToken: identity.ConcurrencyToken(concurrencyToken),
		IsDeleted:        isDeleted,
		Epoch:            identity.Epoch(epoch),
	}
	if len(payload) > 0 {
		codec, err := it.store.registry.Lookup(stored.Type)
		if err != nil {
			it.err = err
			return false
		}
		entity, err := codec.Decode(payload)
		if err != nil {
			it.err = fmt.Errorf("pgstore: decode payload: %w", err)
			return false
		}
		stored.Entity = entity
	}
	it.cur = stored
	return true
}

func (it *rowIterator) Row() storedb.StoredEntity { return it.cur }
func (it *rowIterator) Err() error                { return it.err }
func (it *rowIterator) Close() error              { return it.rows.Close() }

type batchIterator struct {
	rows *sqlx.Rows
	cur  storedb.StoredDomainEventBatch
	err  error
}

func (it *batchIterator) Next(context.Context) bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		id             string
		entityType     string
		entityID       string
		entityRevision int64
		entityEpoch    int64
		scopeVal       string
		entityDeleted  bool
		eventsJSON     []byte
	)
	if err := it.rows.Scan(&id, &entityType, &entityID, &entityRevision, &entityEpoch, &scopeVal, &entityDeleted, &eventsJSON); err != nil {
		it.err = err
		return false
	}
	var events []eventRow
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &events); err != nil {
			it.err = fmt.Errorf("pgstore: decode events: %w", err)
			return false
		}
	}
	it.cur = storedb.StoredDomainEventBatch{
		ID:             id,
		EntityType:     identity.TypeTag(entityType),
		EntityID:       entityID,
		EntityRevision: identity.Revision(entityRevision),
		EntityEpoch:    identity.Epoch(entityEpoch),
		Scope:          scopeVal,
		EntityDeleted:  entityDeleted,
		Events:         decodeEvents(events),
	}
	return true
}

func (it *batchIterator) Batch() storedb.StoredDomainEventBatch { return it.cur }
func (it *batchIterator) Err() error                            { return it.err }
func (it *batchIterator) Close() error                          { return it.rows.Close() }
