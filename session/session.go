// Package session implements the Entity Storage session (C6): a façade
// over one unit of work and one query-result scope, the per-task entry
// point integrators call load/store/delete/commit through.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/metadata"
	"github.com/r3e-labs/entitystore/queryprocessor"
	"github.com/r3e-labs/entitystore/scope"
	"github.com/r3e-labs/entitystore/unitofwork"
)

// ErrMissingID is returned by Store/Delete when the entity has no id and
// no id-factory was configured to mint one.
var ErrMissingID = errors.New("session: entity has no id and no id factory is configured")

// Engine is the narrow view of the storage engine a session depends on.
type Engine interface {
	queryprocessor.Executor
	QueryEntities(ctx context.Context, entityType identity.TypeTag, bypassCache bool) ([]loadresult.Result, error)
}

// Session owns one unit of work and one scope; it is not safe for
// concurrent use, matching the engine's single-logical-task ownership
// rule.
type Session struct {
	engine    Engine
	committer commit.Committer
	uow       *unitofwork.UnitOfWork
	scope     *scope.Scope
	ids       identity.IDFactory
	meta      metadata.Accessor
}

// New builds a Session. committer is normally the storage engine itself,
// or a pipeline.Registry terminating in it. ids may be nil if every
// entity this session stores already carries an id.
func New(engine Engine, committer commit.Committer, tokens identity.TokenFactory, ids identity.IDFactory) *Session {
	return &Session{
		engine:    engine,
		committer: committer,
		uow:       unitofwork.New(tokens),
		scope:     scope.New(),
		ids:       ids,
	}
}

// sessionExecutor is the query-executor view a queryprocessor.Processor
// consults: unit-of-work first, falling through to the engine (scoping
// and tracking the result) on miss.
type sessionExecutor struct {
	session *Session
}

func (se *sessionExecutor) QueryEntity(ctx context.Context, id identity.EntityIdentifier, bypassCache bool) (loadresult.Result, error) {
	if tracked, ok := se.session.uow.Peek(id); ok {
		return tracked.Current, nil
	}

	result, err := se.session.engine.QueryEntity(ctx, id, bypassCache)
	if err != nil {
		return loadresult.Result{}, err
	}
	scoped := result.AsScopedTo(se.session.scope)
	tracked := se.session.uow.GetOrUpdate(scoped)
	if found, ok := tracked.Current.AsFound(); ok {
		if err := se.session.writeMetadata(found.Entity, id, found.ConcurrencyToken, found.Revision); err != nil {
			return loadresult.Result{}, err
		}
	}
	return tracked.Current, nil
}

// Load delegates id's lookup to processor (queryprocessor.FromContext(ctx)
// when nil), through a query-executor backed by this session's unit of
// work and scope.
func (s *Session) Load(ctx context.Context, id identity.EntityIdentifier, processor queryprocessor.Processor) (loadresult.Result, error) {
	if processor == nil {
		processor = queryprocessor.FromContext(ctx)
	}
	return processor.Process(ctx, id, &sessionExecutor{session: s})
}

// LoadAll streams every live row of entityType, scoping and tracking each
// one; entries a prior Delete in this session has marked Deleted are
// suppressed from the result.
func (s *Session) LoadAll(ctx context.Context, entityType identity.TypeTag) ([]loadresult.Result, error) {
	rows, err := s.engine.QueryEntities(ctx, entityType, false)
	if err != nil {
		return nil, err
	}

	out := make([]loadresult.Result, 0, len(rows))
	for _, row := range rows {
		scoped := row.AsScopedTo(s.scope)
		tracked := s.uow.GetOrUpdate(scoped)
		if tracked.State == loadresult.Deleted {
			continue
		}

		found, ok := tracked.Current.AsFound()
		if !ok {
			continue
		}
		if err := s.writeMetadata(found.Entity, found.ID, found.ConcurrencyToken, found.Revision); err != nil {
			return nil, err
		}
		out = append(out, tracked.Current)
	}
	return out, nil
}

// Store resolves entity's id (minting one via the id-factory if absent),
// records a create-or-update against the unit of work with the entity's
// uncommitted events, and writes the freshly-allocated metadata back onto
// entity.
func (s *Session) Store(ctx context.Context, entityType identity.TypeTag, entity any) (loadresult.Tracked, error) {
	id, err := s.resolveID(entityType, entity)
	if err != nil {
		return loadresult.Tracked{}, err
	}
	if _, ok := s.uow.Peek(id); !ok {
		loaded, err := s.Load(ctx, id, queryprocessor.Default())
		if err != nil {
			return loadresult.Tracked{}, err
		}
		if _, failed := loaded.AsVerificationFailed(); failed {
			return loadresult.Tracked{}, fmt.Errorf("session: store %s: unexpected verification failure on implicit load", id)
		}
	}

	events := s.meta.UncommittedEvents(entity)
	tracked, err := s.uow.RecordCreateOrUpdate(id, entity, events)
	if err != nil {
		return loadresult.Tracked{}, err
	}
	s.meta.CommitEvents(entity)
	if err := s.writeMetadata(entity, id, tracked.UpdatedConcurrencyToken, tracked.UpdatedRevision); err != nil {
		return loadresult.Tracked{}, err
	}
	return tracked, nil
}

// Delete records a delete against the unit of work for entity's id,
// carrying over its uncommitted events, and writes the entry's allocated
// metadata back onto entity.
func (s *Session) Delete(ctx context.Context, entityType identity.TypeTag, entity any) (loadresult.Tracked, error) {
	id, err := s.resolveID(entityType, entity)
	if err != nil {
		return loadresult.Tracked{}, err
	}
	if _, ok := s.uow.Peek(id); !ok {
		if _, err := s.Load(ctx, id, queryprocessor.Default()); err != nil {
			return loadresult.Tracked{}, err
		}
	}

	events := s.meta.UncommittedEvents(entity)
	tracked, err := s.uow.RecordDelete(id, events)
	if err != nil {
		return loadresult.Tracked{}, err
	}
	s.meta.CommitEvents(entity)
	if err := s.writeMetadata(entity, id, tracked.UpdatedConcurrencyToken, tracked.UpdatedRevision); err != nil {
		return loadresult.Tracked{}, err
	}
	return tracked, nil
}

// Commit delegates to the unit of work, which always resets afterward
// regardless of outcome.
func (s *Session) Commit(ctx context.Context) (commit.Result, error) {
	return s.uow.Commit(ctx, s.committer)
}

// Rollback discards every tracked entry without committing anything.
func (s *Session) Rollback() {
	s.uow.Reset()
}

func (s *Session) resolveID(entityType identity.TypeTag, entity any) (identity.EntityIdentifier, error) {
	rawID, err := s.meta.GetID(entity)
	if err != nil {
		return identity.EntityIdentifier{}, fmt.Errorf("session: resolve id: %w", err)
	}
	if rawID == "" {
		if s.ids == nil {
			return identity.EntityIdentifier{}, ErrMissingID
		}
		minted, err := s.ids.Create(entity)
		if err != nil {
			return identity.EntityIdentifier{}, fmt.Errorf("session: mint id: %w", err)
		}
		if err := s.meta.SetID(entity, minted); err != nil {
			return identity.EntityIdentifier{}, fmt.Errorf("session: write minted id: %w", err)
		}
		rawID = minted
	}
	return identity.New(entityType, rawID)
}

func (s *Session) writeMetadata(entity any, id identity.EntityIdentifier, token identity.ConcurrencyToken, revision identity.Revision) error {
	if entity == nil {
		return nil
	}
	if err := s.meta.SetID(entity, id.ID); err != nil {
		return fmt.Errorf("session: write id metadata: %w", err)
	}
	if err := s.meta.SetConcurrencyToken(entity, token); err != nil {
		return fmt.Errorf("session: write concurrency-token metadata: %w", err)
	}
	if err := s.meta.SetRevision(entity, revision); err != nil {
		return fmt.Errorf("session: write revision metadata: %w", err)
	}
	return nil
}

// LoadedEntities returns a snapshot of every entity instance currently
// tracked by the unit of work with live content (Created/Updated/
// Unchanged), for integrators that want to inspect the session's working
// set without re-querying.
func (s *Session) LoadedEntities() []any {
	var out []any
	for _, tracked := range s.uow.Snapshot() {
		if tracked.State == loadresult.Deleted {
			continue
		}
		if tracked.PendingEntity != nil {
			out = append(out, tracked.PendingEntity)
			continue
		}
		if found, ok := tracked.Current.AsFound(); ok {
			out = append(out, found.Entity)
		}
	}
	return out
}
