// Package loadresult implements the EntityLoadResult algebra: the tagged
// sum describing the outcome of loading one entity, plus the narrowing
// capability queries and transforms the rest of the engine composes with.
package loadresult

import (
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
)

// VerificationKind distinguishes why a VerificationFailed result was
// produced.
type VerificationKind int

const (
	// ConcurrencyIssue means the loaded entity's concurrency token did not
	// match the caller's expectation.
	ConcurrencyIssue VerificationKind = iota
	// UnexpectedRevision means the loaded entity's revision fell outside
	// a caller-supplied range.
	UnexpectedRevision
)

func (k VerificationKind) String() string {
	switch k {
	case ConcurrencyIssue:
		return "ConcurrencyIssue"
	case UnexpectedRevision:
		return "UnexpectedRevision"
	default:
		return "Unknown"
	}
}

// Found carries the loaded entity plus its stamping.
type Found struct {
	ID               identity.EntityIdentifier
	Entity           any
	ConcurrencyToken identity.ConcurrencyToken
	Revision         identity.Revision
	LoadedFromCache  bool
	Scope            Scope
}

// NotFound means no live row exists for the identifier.
type NotFound struct {
	ID              identity.EntityIdentifier
	LoadedFromCache bool
	Scope           Scope
}

// Failure carries a VerificationFailed outcome, with an optional underlying
// Found value (the entity was found, but failed the caller's check).
type Failure struct {
	ID         identity.EntityIdentifier
	Kind       VerificationKind
	Underlying *Found
	Reason     string // purely diagnostic, never consulted for control flow
}

// Scope is the narrow view of scope.Scope that loadresult needs, avoiding
// an import cycle with the scope package (which deep-clones Result values).
type Scope interface {
	ScopeEntity(original any) any
}

// TrackedState is the unit-of-work state machine position of a tracked
// entry, as laid out in the transition table (unitofwork owns the
// transitions; loadresult only defines the starting states a fresh Result
// maps onto).
type TrackedState int

const (
	// Untracked is not a reachable starting state; it only appears after
	// a Created entry is cancelled by a Delete.
	Untracked TrackedState = iota
	Unchanged
	NonExistent
	Created
	Updated
	Deleted
)

func (s TrackedState) String() string {
	switch s {
	case Untracked:
		return "Untracked"
	case Unchanged:
		return "Unchanged"
	case NonExistent:
		return "NonExistent"
	case Created:
		return "Created"
	case Updated:
		return "Updated"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// Tracked wraps a Result for unit-of-work tracking: it carries the original
// load result, the starting state it maps to, and an eagerly-allocated
// future concurrency token so the unit of work never needs to touch the
// token factory again while the entry lives.
type Tracked struct {
	ID                      identity.EntityIdentifier
	Original                Result
	Current                 Result
	State                   TrackedState
	UpdatedConcurrencyToken identity.ConcurrencyToken

	// UpdatedRevision is allocated the first time the entry transitions to
	// a modifying state (original.revision + 1) and never reassigned
	// afterward, since a unit of work produces a single revision delta per
	// entity no matter how many times it is modified before commit.
	UpdatedRevision identity.Revision

	// Events accumulates every domain event raised against this entry
	// since it entered the unit of work, across any number of
	// record_create_or_update/record_delete calls.
	Events []event.DomainEvent

	// PendingEntity is the most recently supplied entity value for a
	// Created/Updated entry; nil once the entry is Deleted.
	PendingEntity any
}

// AsTracked wraps r for unit-of-work tracking. Found maps to Unchanged,
// NotFound maps to NonExistent; VerificationFailed is not a valid state to
// track and AsTracked panics (the caller is expected to have already
// branched on AsFound/AsVerificationFailed before tracking).
func (r Result) AsTracked(factory identity.TokenFactory) Tracked {
	id := r.ID()
	switch {
	case r.found != nil:
		return Tracked{
			ID:                      id,
			Original:                r,
			Current:                 r,
			State:                   Unchanged,
			UpdatedConcurrencyToken: factory.Create(id),
		}
	case r.notFound != nil:
		return Tracked{
			ID:                      id,
			Original:                r,
			Current:                 r,
			State:                   NonExistent,
			UpdatedConcurrencyToken: factory.Create(id),
		}
	default:
		panic("loadresult: AsTracked called on a VerificationFailed result")
	}
}

// Result is the EntityLoadResult sum type. The zero value is not a valid
// Result; always obtain one via the constructors below.
type Result struct {
	found      *Found
	notFound   *NotFound
	failure    *Failure
}

// FromFound constructs a Result in the Found state.
func FromFound(f Found) Result {
	return Result{found: &f}
}

// FromNotFound constructs a Result in the NotFound state.
func FromNotFound(nf NotFound) Result {
	return Result{notFound: &nf}
}

// FromFailure constructs a Result in the VerificationFailed state.
func FromFailure(f Failure) Result {
	return Result{failure: &f}
}

// ID returns the identifier carried by whichever variant is active.
func (r Result) ID() identity.EntityIdentifier {
	switch {
	case r.found != nil:
		return r.found.ID
	case r.notFound != nil:
		return r.notFound.ID
	case r.failure != nil:
		return r.failure.ID
	default:
		return identity.EntityIdentifier{}
	}
}

// Revision returns the carried revision; NotFound and an empty
// VerificationFailed both report 0.
func (r Result) Revision() identity.Revision {
	switch {
	case r.found != nil:
		return r.found.Revision
	case r.failure != nil && r.failure.Underlying != nil:
		return r.failure.Underlying.Revision
	default:
		return 0
	}
}

// AsFound is the only way to observe Found data: the sole capability query
// for this variant.
func (r Result) AsFound() (Found, bool) {
	if r.found == nil {
		return Found{}, false
	}
	return *r.found, true
}

// AsVerificationFailed is the capability query for the VerificationFailed
// variant.
func (r Result) AsVerificationFailed() (Failure, bool) {
	if r.failure == nil {
		return Failure{}, false
	}
	return *r.failure, true
}

// IsNotFound reports whether r is in the NotFound state.
func (r Result) IsNotFound() bool {
	return r.notFound != nil
}

// AsCached returns a Result whose loaded-from-cache flag equals loaded. If
// the flag is already what's requested, r is returned unchanged.
func (r Result) AsCached(loaded bool) Result {
	switch {
	case r.found != nil:
		if r.found.LoadedFromCache == loaded {
			return r
		}
		f := *r.found
		f.LoadedFromCache = loaded
		return Result{found: &f}
	case r.notFound != nil:
		if r.notFound.LoadedFromCache == loaded {
			return r
		}
		nf := *r.notFound
		nf.LoadedFromCache = loaded
		return Result{notFound: &nf}
	default:
		return r
	}
}

// AsScopedTo returns a Result whose entity (if any) is the scope's clone of
// the original. Scoping a NotFound is metadata-only; scoping a Found
// obtains the scope's clone of the entity and also rewrites the Scope
// field so a second AsScopedTo call against the same scope is idempotent.
func (r Result) AsScopedTo(s Scope) Result {
	switch {
	case r.found != nil:
		f := *r.found
		f.Entity = s.ScopeEntity(f.Entity)
		f.Scope = s
		return Result{found: &f}
	case r.notFound != nil:
		nf := *r.notFound
		nf.Scope = s
		return Result{notFound: &nf}
	default:
		return r
	}
}
