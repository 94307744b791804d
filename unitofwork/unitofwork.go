// Package unitofwork implements the Unit of Work (C5): per-session
// tracking of entities loaded, created, updated, and deleted, producing an
// ordered commit attempt at commit time.
package unitofwork

import (
	"context"
	"errors"
	"fmt"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
)

// ErrInvalidTransition is returned when a record_* call targets an entry
// with no legal transition for that operation (Untracked entries, or an
// entry GetOrUpdate was never called for).
var ErrInvalidTransition = errors.New("unitofwork: invalid transition")

// UnitOfWork maintains a map identifier -> tracked entry, in first-
// observation order, and builds commit attempts from it.
type UnitOfWork struct {
	tokens  identity.TokenFactory
	order   []identity.EntityIdentifier
	entries map[identity.EntityIdentifier]loadresult.Tracked
}

// New builds an empty UnitOfWork. tokens allocates the concurrency token
// eagerly assigned to every tracked entry.
func New(tokens identity.TokenFactory) *UnitOfWork {
	return &UnitOfWork{
		tokens:  tokens,
		entries: make(map[identity.EntityIdentifier]loadresult.Tracked),
	}
}

// GetOrUpdate returns the tracked entry for result's identifier, inserting
// a fresh one if none exists. An existing Untracked entry is replaced with
// a fresh Unchanged/NonExistent entry built from result, but its
// previously-allocated updated-concurrency-token, updated-revision, and
// events are preserved. Any other existing entry is returned untouched.
func (u *UnitOfWork) GetOrUpdate(result loadresult.Result) loadresult.Tracked {
	id := result.ID()

	existing, ok := u.entries[id]
	if !ok {
		tracked := result.AsTracked(u.tokens)
		u.entries[id] = tracked
		u.order = append(u.order, id)
		return tracked
	}
	if existing.State != loadresult.Untracked {
		return existing
	}

	fresh := result.AsTracked(u.tokens)
	fresh.UpdatedConcurrencyToken = existing.UpdatedConcurrencyToken
	fresh.UpdatedRevision = existing.UpdatedRevision
	fresh.Events = existing.Events
	u.entries[id] = fresh
	return fresh
}

// Peek returns the tracked entry for id without creating one, used by the
// entity storage session to check "is this id already part of the unit of
// work" before falling through to the storage engine.
func (u *UnitOfWork) Peek(id identity.EntityIdentifier) (loadresult.Tracked, bool) {
	entry, ok := u.entries[id]
	if !ok || entry.State == loadresult.Untracked {
		return loadresult.Tracked{}, false
	}
	return entry, true
}

// RecordCreateOrUpdate transitions the entry for id per the table: the
// entry must already exist (via GetOrUpdate). Events are appended; the
// entry's updated-revision is fixed at original-revision+1 the first time
// it is modified.
func (u *UnitOfWork) RecordCreateOrUpdate(id identity.EntityIdentifier, entity any, newEvents []event.DomainEvent) (loadresult.Tracked, error) {
	entry, ok := u.entries[id]
	if !ok {
		return loadresult.Tracked{}, fmt.Errorf("%w: %s/%s has no tracked entry", ErrInvalidTransition, id.Type, id.ID)
	}

	switch entry.State {
	case loadresult.Unchanged:
		entry.State = loadresult.Updated
	case loadresult.NonExistent:
		entry.State = loadresult.Created
	case loadresult.Created:
		// stays Created; events appended below.
	case loadresult.Updated:
		// stays Updated; events appended below.
	case loadresult.Deleted:
		entry.State = loadresult.Updated
	default:
		return loadresult.Tracked{}, fmt.Errorf("%w: create/update from %s", ErrInvalidTransition, entry.State)
	}

	if entry.UpdatedRevision == 0 {
		entry.UpdatedRevision = entry.Original.Revision() + 1
	}
	entry.Events = append(entry.Events, newEvents...)
	entry.PendingEntity = entity

	u.entries[id] = entry
	return entry, nil
}

// RecordDelete transitions the entry for id per the table. A Created entry
// being deleted drops out of the modifying set entirely (becomes
// Untracked) since the create and its cancellation are both invisible to
// commit, but its allocated token/revision/events are preserved for reuse.
func (u *UnitOfWork) RecordDelete(id identity.EntityIdentifier, newEvents []event.DomainEvent) (loadresult.Tracked, error) {
	entry, ok := u.entries[id]
	if !ok {
		return loadresult.Tracked{}, fmt.Errorf("%w: %s/%s has no tracked entry", ErrInvalidTransition, id.Type, id.ID)
	}

	switch entry.State {
	case loadresult.Unchanged:
		entry.State = loadresult.Deleted
		if entry.UpdatedRevision == 0 {
			entry.UpdatedRevision = entry.Original.Revision() + 1
		}
		entry.Events = append(entry.Events, newEvents...)
		entry.PendingEntity = nil
	case loadresult.NonExistent:
		// events appended only; state unchanged.
		entry.Events = append(entry.Events, newEvents...)
	case loadresult.Created:
		entry.State = loadresult.Untracked
		entry.PendingEntity = nil
	case loadresult.Updated:
		entry.State = loadresult.Deleted
		entry.PendingEntity = nil
		entry.Events = append(entry.Events, newEvents...)
	case loadresult.Deleted:
		entry.Events = append(entry.Events, newEvents...)
	default:
		return loadresult.Tracked{}, fmt.Errorf("%w: delete from %s", ErrInvalidTransition, entry.State)
	}

	u.entries[id] = entry
	return entry, nil
}

// Snapshot returns every tracked entry in first-observation order,
// including Untracked ones.
func (u *UnitOfWork) Snapshot() []loadresult.Tracked {
	out := make([]loadresult.Tracked, 0, len(u.order))
	for _, id := range u.order {
		if entry, ok := u.entries[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Reset clears every tracked entry.
func (u *UnitOfWork) Reset() {
	u.order = nil
	u.entries = make(map[identity.EntityIdentifier]loadresult.Tracked)
}

// Commit builds a commit attempt in insertion order from entries in
// modifying states, calls committer.Commit, then unconditionally resets.
func (u *UnitOfWork) Commit(ctx context.Context, committer commit.Committer) (commit.Result, error) {
	attempt := u.buildAttempt()
	defer u.Reset()

	if len(attempt) == 0 {
		return commit.Success, nil
	}
	return committer.Commit(ctx, attempt)
}

func (u *UnitOfWork) buildAttempt() commit.Attempt {
	var attempt commit.Attempt
	for _, id := range u.order {
		entry, ok := u.entries[id]
		if !ok {
			continue
		}

		var op commit.Operation
		switch entry.State {
		case loadresult.Created, loadresult.Updated:
			op = commit.Store
		case loadresult.Deleted:
			op = commit.Delete
		case loadresult.NonExistent:
			if len(entry.Events) == 0 {
				continue
			}
			op = commit.AppendEventsOnly
		default:
			continue
		}

		attempt = append(attempt, commit.Entry{
			ID:                  id,
			Operation:           op,
			NewRevision:         entry.UpdatedRevision,
			NewConcurrencyToken: entry.UpdatedConcurrencyToken,
			Events:              entry.Events,
			ExpectedRevision:    entry.Original.Revision(),
			Entity:              entry.PendingEntity,
		})
	}
	return attempt
}
