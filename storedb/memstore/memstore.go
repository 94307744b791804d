// Package memstore is an in-process storedb.Database backed by a
// mutex-guarded map, grounded on the teacher stack's in-memory persistence
// backend (a single critical section protecting a map, with explicit
// version stamps standing in for that backend's key/value pairs). It
// simulates the database's optimistic-concurrency contract by stamping
// each row with a monotonically increasing store-version and comparing
// that stamp at TryCommit time against what the scope observed on entry.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/storedb"
)

type rowKey struct {
	Type  identity.TypeTag
	ID    string
	Scope string
}

type storedRow struct {
	row     storedb.StoredEntity
	version uint64
}

// Store is the in-memory Database implementation.
type Store struct {
	mu          sync.RWMutex
	rows        map[rowKey]storedRow
	batches     map[string]storedb.StoredDomainEventBatch
	nextVersion uint64
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		rows:    make(map[rowKey]storedRow),
		batches: make(map[string]storedb.StoredDomainEventBatch),
	}
}

func keyOf(typeTag identity.TypeTag, id string, scope string) rowKey {
	return rowKey{Type: typeTag, ID: id, Scope: scope}
}

// GetOne implements storedb.Database.
func (s *Store) GetOne(_ context.Context, predicate storedb.EntityPredicate) (storedb.StoredEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[keyOf(predicate.Type, predicate.ID, predicate.Scope)]
	if !ok {
		return storedb.StoredEntity{}, storedb.ErrRowNotFound
	}
	return r.row, nil
}

// GetAll implements storedb.Database, returning only live (not-deleted)
// rows matching the predicate's type.
func (s *Store) GetAll(_ context.Context, predicate storedb.EntityPredicate) (storedb.RowIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []storedb.StoredEntity
	for _, r := range s.rows {
		if r.row.Type != predicate.Type {
			continue
		}
		if r.row.IsDeleted {
			continue
		}
		if predicate.Scope != "" && r.row.Scope != predicate.Scope {
			continue
		}
		matched = append(matched, r.row)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return &rowIterator{rows: matched}, nil
}

// Store implements storedb.Database's direct (unscoped) upsert.
func (s *Store) Store(_ context.Context, row storedb.StoredEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVersion++
	s.rows[keyOf(row.Type, row.ID, row.Scope)] = storedRow{row: row, version: s.nextVersion}
	return nil
}

// Remove implements storedb.Database's unscoped delete, used by dispatcher
// cleanup.
func (s *Store) Remove(_ context.Context, row storedb.StoredEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, keyOf(row.Type, row.ID, row.Scope))
	return nil
}

// GetAllBatches implements storedb.Database.
func (s *Store) GetAllBatches(_ context.Context, predicate storedb.BatchPredicate) (storedb.BatchIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []storedb.StoredDomainEventBatch
	for _, b := range s.batches {
		if predicate.Scope != "" && b.Scope != predicate.Scope {
			continue
		}
		matched = append(matched, b)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return &batchIterator{batches: matched}, nil
}

// RemoveBatch implements storedb.Database.
func (s *Store) RemoveBatch(_ context.Context, batch storedb.StoredDomainEventBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, batch.ID)
	return nil
}

// CreateScope implements storedb.Database.
func (s *Store) CreateScope(context.Context) (storedb.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	observed := make(map[rowKey]uint64, len(s.rows))
	for k, v := range s.rows {
		observed[k] = v.version
	}
	return &txScope{
		store:       s,
		observed:    observed,
		writes:      make(map[rowKey]storedb.StoredEntity),
		removals:    make(map[rowKey]bool),
		newBatches:  nil,
	}, nil
}

type txScope struct {
	store          *Store
	observed       map[rowKey]uint64
	writes         map[rowKey]storedb.StoredEntity
	removals       map[rowKey]bool
	newBatches     []storedb.StoredDomainEventBatch
	removedBatches []string
	done           bool
}

func (t *txScope) Store(_ context.Context, row storedb.StoredEntity) error {
	if t.done {
		return fmt.Errorf("memstore: scope already finished")
	}
	k := keyOf(row.Type, row.ID, row.Scope)
	t.writes[k] = row
	delete(t.removals, k)
	return nil
}

func (t *txScope) Remove(_ context.Context, row storedb.StoredEntity) error {
	if t.done {
		return fmt.Errorf("memstore: scope already finished")
	}
	k := keyOf(row.Type, row.ID, row.Scope)
	t.removals[k] = true
	delete(t.writes, k)
	return nil
}

func (t *txScope) GetOne(_ context.Context, predicate storedb.EntityPredicate) (storedb.StoredEntity, error) {
	k := keyOf(predicate.Type, predicate.ID, predicate.Scope)
	if t.removals[k] {
		return storedb.StoredEntity{}, storedb.ErrRowNotFound
	}
	if row, ok := t.writes[k]; ok {
		return row, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	r, ok := t.store.rows[k]
	if !ok {
		return storedb.StoredEntity{}, storedb.ErrRowNotFound
	}
	return r.row, nil
}

func (t *txScope) StoreBatch(_ context.Context, batch storedb.StoredDomainEventBatch) error {
	t.newBatches = append(t.newBatches, batch)
	return nil
}

func (t *txScope) RemoveBatch(_ context.Context, batch storedb.StoredDomainEventBatch) error {
	t.removedBatches = append(t.removedBatches, batch.ID)
	return nil
}

func (t *txScope) Rollback(context.Context) error {
	t.done = true
	return nil
}

// TryCommit applies buffered writes/removals atomically if, and only if,
// every row this scope touched is still at the version it observed on
// scope creation (rows never seen by this scope, e.g. freshly created
// ones, are allowed through unconditionally).
func (t *txScope) TryCommit(_ context.Context) (bool, error) {
	if t.done {
		return false, fmt.Errorf("memstore: scope already finished")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for k := range t.writes {
		if observedVersion, seen := t.observed[k]; seen {
			if current, exists := t.store.rows[k]; !exists || current.version != observedVersion {
				return false, nil
			}
		}
	}
	for k := range t.removals {
		if observedVersion, seen := t.observed[k]; seen {
			if current, exists := t.store.rows[k]; !exists || current.version != observedVersion {
				return false, nil
			}
		}
	}

	for k, row := range t.writes {
		t.store.nextVersion++
		t.store.rows[k] = storedRow{row: row, version: t.store.nextVersion}
	}
	for k := range t.removals {
		delete(t.store.rows, k)
	}
	for _, b := range t.newBatches {
		t.store.batches[b.ID] = b
	}
	for _, id := range t.removedBatches {
		delete(t.store.batches, id)
	}
	t.done = true
	return true, nil
}

type rowIterator struct {
	rows []storedb.StoredEntity
	idx  int
	cur  storedb.StoredEntity
}

func (it *rowIterator) Next(context.Context) bool {
	if it.idx >= len(it.rows) {
		return false
	}
	it.cur = it.rows[it.idx]
	it.idx++
	return true
}

func (it *rowIterator) Row() storedb.StoredEntity { return it.cur }
func (it *rowIterator) Err() error                { return nil }
func (it *rowIterator) Close() error              { return nil }

type batchIterator struct {
	batches []storedb.StoredDomainEventBatch
	idx     int
	cur     storedb.StoredDomainEventBatch
}

func (it *batchIterator) Next(context.Context) bool {
	if it.idx >= len(it.batches) {
		return false
	}
	it.cur = it.batches[it.idx]
	it.idx++
	return true
}

func (it *batchIterator) Batch() storedb.StoredDomainEventBatch { return it.cur }
func (it *batchIterator) Err() error                            { return nil }
func (it *batchIterator) Close() error                          { return nil }
