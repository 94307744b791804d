// Package engine implements the Storage engine (C4): the revision-cached,
// transactionally-committing core that the unit of work and entity storage
// session sit on top of.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/pkg/metrics"
	"github.com/r3e-labs/entitystore/scope"
	"github.com/r3e-labs/entitystore/storedb"
)

// ErrDisposed is returned by any call made after the engine has disposed
// itself. Initialize disposes the engine when startup enqueueing fails and
// returns the wrapped underlying error, not ErrDisposed.
var ErrDisposed = errors.New("engine: disposed")

// BatchSink delivers every event of a stored batch, in order, retrying
// until each is acknowledged or the call is cancelled. dispatcher.Dispatcher
// satisfies this.
type BatchSink interface {
	Dispatch(ctx context.Context, msg event.Message) error
}

// Config controls the engine's behavior that is not a function of a single
// commit attempt.
type Config struct {
	// Scope partitions the rows and batches this engine instance reads and
	// writes to within a shared physical store.
	Scope string
	// SynchronousEventDispatch makes Commit await dispatch of a committed
	// batch's events before returning.
	SynchronousEventDispatch bool
}

// Engine is the Storage engine (C4).
type Engine struct {
	db    storedb.Database
	cache RevisionCache
	sink  BatchSink
	cfg   Config

	disposedMu sync.RWMutex
	disposed   bool
}

// New builds an Engine. sink may be nil if the caller never needs batches
// dispatched (e.g. tests exercising only Commit/QueryEntity).
func New(db storedb.Database, cache RevisionCache, sink BatchSink, cfg Config) *Engine {
	if cache == nil {
		cache = NewMemoryRevisionCache()
	}
	return &Engine{db: db, cache: cache, sink: sink, cfg: cfg}
}

func (e *Engine) isDisposed() bool {
	e.disposedMu.RLock()
	defer e.disposedMu.RUnlock()
	return e.disposed
}

func (e *Engine) dispose() {
	e.disposedMu.Lock()
	defer e.disposedMu.Unlock()
	e.disposed = true
}

// Initialize enumerates every event batch in the configured scope and
// enqueues each for dispatch. Any failure disposes the engine immediately:
// a half-initialized engine must not accept work.
func (e *Engine) Initialize(ctx context.Context) error {
	it, err := e.db.GetAllBatches(ctx, storedb.BatchPredicate{Scope: e.cfg.Scope})
	if err != nil {
		e.dispose()
		return fmt.Errorf("engine: initialize: list batches: %w", err)
	}
	defer it.Close()

	for it.Next(ctx) {
		if err := e.dispatchBatch(ctx, it.Batch()); err != nil {
			e.dispose()
			return fmt.Errorf("engine: initialize: dispatch batch: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		e.dispose()
		return fmt.Errorf("engine: initialize: %w", err)
	}
	return nil
}

// QueryEntity implements the cached single-entity read.
func (e *Engine) QueryEntity(ctx context.Context, id identity.EntityIdentifier, bypassCache bool) (loadresult.Result, error) {
	if e.isDisposed() {
		return loadresult.Result{}, ErrDisposed
	}

	if !bypassCache {
		if cached, _, ok := e.cache.Get(id); ok {
			return cached.AsCached(true), nil
		}
	}

	result, epoch, err := e.readEntity(ctx, id)
	if err != nil {
		return loadresult.Result{}, err
	}
	e.cache.Set(id, result, epoch)
	return result, nil
}

func (e *Engine) readEntity(ctx context.Context, id identity.EntityIdentifier) (loadresult.Result, identity.Epoch, error) {
	row, err := e.db.GetOne(ctx, storedb.EntityPredicate{Type: id.Type, ID: id.ID, Scope: e.cfg.Scope})
	if errors.Is(err, storedb.ErrRowNotFound) {
		return loadresult.FromNotFound(loadresult.NotFound{ID: id, Scope: scope.Global}), 0, nil
	}
	if err != nil {
		return loadresult.Result{}, 0, fmt.Errorf("engine: read entity: %w", err)
	}
	if row.IsDeleted {
		return loadresult.FromNotFound(loadresult.NotFound{ID: id, Scope: scope.Global}), row.Epoch, nil
	}
	return loadresult.FromFound(loadresult.Found{
		ID:               id,
		Entity:           row.Entity,
		ConcurrencyToken: row.ConcurrencyToken,
		Revision:         row.Revision,
		Scope:            scope.Global,
	}), row.Epoch, nil
}

// QueryEntities streams every live (non-tombstoned) row of entityType,
// updating the cache for each emission.
func (e *Engine) QueryEntities(ctx context.Context, entityType identity.TypeTag, bypassCache bool) ([]loadresult.Result, error) {
	if e.isDisposed() {
		return nil, ErrDisposed
	}

	it, err := e.db.GetAll(ctx, storedb.EntityPredicate{Type: entityType, Scope: e.cfg.Scope})
	if err != nil {
		return nil, fmt.Errorf("engine: query entities: %w", err)
	}
	defer it.Close()

	var out []loadresult.Result
	for it.Next(ctx) {
		row := it.Row()
		if row.IsDeleted {
			continue
		}
		id := identity.EntityIdentifier{Type: row.Type, ID: row.ID}
		result := loadresult.FromFound(loadresult.Found{
			ID:               id,
			Entity:           row.Entity,
			ConcurrencyToken: row.ConcurrencyToken,
			Revision:         row.Revision,
			Scope:            scope.Global,
		})
		e.cache.Set(id, result, row.Epoch)
		out = append(out, result)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("engine: query entities: %w", err)
	}
	return out, nil
}

// appliedEntry records what a commit entry actually did, once applied, so
// step 4 of the algorithm can update the cache and collect batches.
type appliedEntry struct {
	entry      commit.Entry
	epochAfter identity.Epoch
}

// Commit implements commit.Committer: the transactional commit algorithm.
func (e *Engine) Commit(ctx context.Context, attempt commit.Attempt) (commit.Result, error) {
	if e.isDisposed() {
		return commit.Result{}, ErrDisposed
	}

	if err := e.precheck(ctx, attempt); err != nil {
		if errors.Is(err, errConcurrencyFailure) {
			metrics.IncCommitAttempt("concurrency_failure")
			return commit.ConcurrencyFailure, nil
		}
		return commit.Result{}, err
	}

	retries := 0
	for {
		result, batches, ok, err := e.attemptOnce(ctx, attempt)
		if err != nil {
			return commit.Result{}, err
		}
		if !ok {
			// try_commit lost the optimistic race; retry the whole
			// transactional loop against a fresh scope.
			retries++
			continue
		}
		metrics.ObserveCommitRetries(retries)
		if !result.IsSuccess() {
			metrics.IncCommitAttempt("concurrency_failure")
			return result, nil
		}
		metrics.IncCommitAttempt("success")
		e.enqueueBatches(ctx, batches)
		return result, nil
	}
}

var errConcurrencyFailure = errors.New("engine: concurrency failure")

// precheck re-validates expected revisions against the cache before
// opening a database scope, bypassing the cache once on mismatch.
func (e *Engine) precheck(ctx context.Context, attempt commit.Attempt) error {
	for _, entry := range attempt {
		if entry.Operation == commit.AppendEventsOnly {
			continue
		}
		result, err := e.QueryEntity(ctx, entry.ID, false)
		if err != nil {
			return err
		}
		if effectiveRevision(result) == entry.ExpectedRevision {
			continue
		}
		result, err = e.QueryEntity(ctx, entry.ID, true)
		if err != nil {
			return err
		}
		if effectiveRevision(result) != entry.ExpectedRevision {
			return errConcurrencyFailure
		}
	}
	return nil
}

func effectiveRevision(r loadresult.Result) identity.Revision {
	if found, ok := r.AsFound(); ok {
		return found.Revision
	}
	return 0
}

// attemptOnce runs steps 2-3 of the commit algorithm once, over a single
// database scope. ok is false when try_commit lost the optimistic race and
// the whole loop must be retried; result is only meaningful when ok is
// true.
func (e *Engine) attemptOnce(ctx context.Context, attempt commit.Attempt) (commit.Result, []storedb.StoredDomainEventBatch, bool, error) {
	txn, err := e.db.CreateScope(ctx)
	if err != nil {
		return commit.Result{}, nil, false, fmt.Errorf("engine: create scope: %w", err)
	}

	var applied []appliedEntry
	var batches []storedb.StoredDomainEventBatch

	for _, entry := range attempt {
		pred := storedb.EntityPredicate{Type: entry.ID.Type, ID: entry.ID.ID, Scope: e.cfg.Scope}
		row, err := txn.GetOne(ctx, pred)
		rowExists := true
		if errors.Is(err, storedb.ErrRowNotFound) {
			rowExists = false
			err = nil
		}
		if err != nil {
			_ = txn.Rollback(ctx)
			return commit.Result{}, nil, false, fmt.Errorf("engine: read row: %w", err)
		}

		rowEffectiveRevision := identity.Revision(0)
		if rowExists && !row.IsDeleted {
			rowEffectiveRevision = row.Revision
		}

		if entry.Operation != commit.AppendEventsOnly && rowEffectiveRevision != entry.ExpectedRevision {
			_ = txn.Rollback(ctx)
			var freshResult loadresult.Result
			var epoch identity.Epoch
			if rowExists {
				epoch = row.Epoch
				if row.IsDeleted {
					freshResult = loadresult.FromNotFound(loadresult.NotFound{ID: entry.ID, Scope: scope.Global})
				} else {
					freshResult = loadresult.FromFound(loadresult.Found{
						ID: entry.ID, Entity: row.Entity, ConcurrencyToken: row.ConcurrencyToken,
						Revision: row.Revision, Scope: scope.Global,
					})
				}
			} else {
				freshResult = loadresult.FromNotFound(loadresult.NotFound{ID: entry.ID, Scope: scope.Global})
			}
			e.cache.Set(entry.ID, freshResult, epoch)
			return commit.ConcurrencyFailure, nil, true, nil
		}

		epochAfter := identity.Epoch(0)
		if rowExists {
			epochAfter = row.Epoch
		}
		deletedAfter := rowExists && row.IsDeleted

		switch entry.Operation {
		case commit.Delete:
			hasTombstone := rowExists && row.IsDeleted
			if len(entry.Events) > 0 || hasTombstone {
				if hasTombstone {
					epochAfter++
				}
				if err := txn.Store(ctx, storedb.StoredEntity{
					Type: entry.ID.Type, ID: entry.ID.ID, Scope: e.cfg.Scope,
					Revision: entry.NewRevision, ConcurrencyToken: entry.NewConcurrencyToken,
					IsDeleted: true, Epoch: epochAfter, Entity: nil,
				}); err != nil {
					_ = txn.Rollback(ctx)
					return commit.Result{}, nil, false, fmt.Errorf("engine: tombstone row: %w", err)
				}
				deletedAfter = true
			} else if rowExists {
				if err := txn.Remove(ctx, row); err != nil {
					_ = txn.Rollback(ctx)
					return commit.Result{}, nil, false, fmt.Errorf("engine: remove row: %w", err)
				}
				deletedAfter = true
			}
		case commit.Store:
			if rowExists && row.IsDeleted {
				epochAfter++
			}
			if err := txn.Store(ctx, storedb.StoredEntity{
				Type: entry.ID.Type, ID: entry.ID.ID, Scope: e.cfg.Scope,
				Revision: entry.NewRevision, ConcurrencyToken: entry.NewConcurrencyToken,
				IsDeleted: false, Epoch: epochAfter, Entity: entry.Entity,
			}); err != nil {
				_ = txn.Rollback(ctx)
				return commit.Result{}, nil, false, fmt.Errorf("engine: store row: %w", err)
			}
			deletedAfter = false
		case commit.AppendEventsOnly:
			// row untouched
		}

		if len(entry.Events) > 0 {
			batch := storedb.StoredDomainEventBatch{
				ID:             batchID(entry.ID, entry.NewRevision, epochAfter, e.cfg.Scope),
				EntityType:     entry.ID.Type,
				EntityID:       entry.ID.ID,
				EntityRevision: entry.NewRevision,
				EntityEpoch:    epochAfter,
				Scope:          e.cfg.Scope,
				EntityDeleted:  deletedAfter,
				Events:         entry.Events,
			}
			if err := txn.StoreBatch(ctx, batch); err != nil {
				_ = txn.Rollback(ctx)
				return commit.Result{}, nil, false, fmt.Errorf("engine: store batch: %w", err)
			}
			batches = append(batches, batch)
		}

		applied = append(applied, appliedEntry{entry: entry, epochAfter: epochAfter})
	}

	ok, err := txn.TryCommit(ctx)
	if err != nil {
		return commit.Result{}, nil, false, fmt.Errorf("engine: try commit: %w", err)
	}
	if !ok {
		return commit.Result{}, nil, false, nil
	}

	for _, a := range applied {
		switch a.entry.Operation {
		case commit.Store:
			e.cache.Set(a.entry.ID, loadresult.FromFound(loadresult.Found{
				ID: a.entry.ID, Entity: a.entry.Entity, ConcurrencyToken: a.entry.NewConcurrencyToken,
				Revision: a.entry.NewRevision, Scope: scope.Global,
			}), a.epochAfter)
		case commit.Delete:
			e.cache.Set(a.entry.ID, loadresult.FromNotFound(loadresult.NotFound{ID: a.entry.ID, Scope: scope.Global}), a.epochAfter)
		}
	}

	return commit.Success, batches, true, nil
}

func (e *Engine) enqueueBatches(ctx context.Context, batches []storedb.StoredDomainEventBatch) {
	if len(batches) == 0 {
		return
	}
	if e.cfg.SynchronousEventDispatch {
		for _, b := range batches {
			_ = e.dispatchBatch(ctx, b)
		}
		return
	}
	for _, b := range batches {
		b := b
		go func() { _ = e.dispatchBatch(context.Background(), b) }()
	}
}

// dispatchBatch delivers every event in order, then cleans up the batch
// row, and (if the entity was deleted) the tombstoned entity row as well.
func (e *Engine) dispatchBatch(ctx context.Context, batch storedb.StoredDomainEventBatch) error {
	if e.sink != nil {
		for _, ev := range batch.Events {
			msg := event.Message{
				EntityType:     string(batch.EntityType),
				EntityID:       batch.EntityID,
				EntityRevision: int64(batch.EntityRevision),
				Event:          ev,
			}
			if err := e.sink.Dispatch(ctx, msg); err != nil {
				return fmt.Errorf("engine: dispatch batch %s: %w", batch.ID, err)
			}
		}
	}

	if !batch.EntityDeleted {
		return e.db.RemoveBatch(ctx, batch)
	}

	for {
		txn, err := e.db.CreateScope(ctx)
		if err != nil {
			return fmt.Errorf("engine: dispatch cleanup scope: %w", err)
		}
		if err := txn.RemoveBatch(ctx, batch); err != nil {
			_ = txn.Rollback(ctx)
			return fmt.Errorf("engine: dispatch cleanup remove batch: %w", err)
		}
		if err := e.removeTombstoneIfStale(ctx, txn, batch); err != nil {
			_ = txn.Rollback(ctx)
			return err
		}
		ok, err := txn.TryCommit(ctx)
		if err != nil {
			return fmt.Errorf("engine: dispatch cleanup commit: %w", err)
		}
		if ok {
			return nil
		}
	}
}

// removeTombstoneIfStale removes the entity row if it is still a tombstone
// on the same epoch the dispatched batch was raised against; a newer Store
// (which bumps the epoch) means the entity came back to life and must not
// be touched.
func (e *Engine) removeTombstoneIfStale(ctx context.Context, txn storedb.Scope, batch storedb.StoredDomainEventBatch) error {
	pred := storedb.EntityPredicate{Type: batch.EntityType, ID: batch.EntityID, Scope: batch.Scope}
	row, err := txn.GetOne(ctx, pred)
	if errors.Is(err, storedb.ErrRowNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: dispatch cleanup read row: %w", err)
	}
	if row.IsDeleted && row.Epoch == batch.EntityEpoch {
		if err := txn.Remove(ctx, row); err != nil {
			return fmt.Errorf("engine: dispatch cleanup remove row: %w", err)
		}
	}
	return nil
}

// batchID deterministically derives an event-batch primary key from the
// entity identity, the entry's new revision, the row's post-update epoch,
// and the configured scope, so ids stay globally unique across
// delete-then-recreate cycles on the same entity id.
func batchID(id identity.EntityIdentifier, revision identity.Revision, epoch identity.Epoch, scopeName string) string {
	h := xxhash.New()
	_, _ = h.WriteString(string(id.Type))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(id.ID)
	_, _ = h.WriteString("\x00")
	writeInt64(h, int64(revision))
	writeInt64(h, int64(epoch))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(scopeName)
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeInt64(h *xxhash.Digest, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

// SortByID orders results by entity id, for callers that want a stable
// iteration order over QueryEntities' output.
func SortByID(results []loadresult.Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].ID().ID < results[j].ID().ID })
}
