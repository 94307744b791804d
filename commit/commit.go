// Package commit defines the shapes shared between the unit of work (which
// builds a commit attempt), the commit-attempt pipeline (which may
// transform it), and the storage engine (which is the terminal stage that
// actually applies it). Keeping these in their own package lets all three
// depend on the shape without depending on each other.
package commit

import (
	"context"

	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
)

// Operation is a struct-based named constant, grounded on the pack's
// CRUD-op enum idiom: equality-comparable, printable, and closed to the
// three values declared below.
type Operation struct{ name string }

func (o Operation) String() string { return o.name }

var (
	// Store upserts the entity with a new revision/token.
	Store = Operation{"Store"}
	// Delete removes or tombstones the row.
	Delete = Operation{"Delete"}
	// AppendEventsOnly raises events against an id with no live row
	// (events appended on a NonExistent entity); any tombstone row is left
	// untouched.
	AppendEventsOnly = Operation{"AppendEventsOnly"}
)

// Entry is one per-entity step of a commit attempt.
type Entry struct {
	ID                  identity.EntityIdentifier
	Operation           Operation
	NewRevision         identity.Revision
	NewConcurrencyToken identity.ConcurrencyToken
	Events              []event.DomainEvent
	ExpectedRevision    identity.Revision
	Entity              any // nil for Delete/AppendEventsOnly
}

// Attempt is an ordered list of commit entries. Ordering is preserved from
// unit-of-work insertion order; nothing downstream may reorder it.
type Attempt []Entry

// Result is the EntityCommitResult sum: Success or ConcurrencyFailure.
// ConcurrencyFailure is an expected outcome, not a fault; all other errors
// propagate as faults from Commit.
type Result struct {
	success bool
}

// Success is the successful commit result.
var Success = Result{success: true}

// ConcurrencyFailure is the optimistic-concurrency-loss result.
var ConcurrencyFailure = Result{success: false}

// IsSuccess reports whether r is Success.
func (r Result) IsSuccess() bool { return r.success }

// Committer is implemented by both the storage engine and the
// commit-attempt pipeline (which wraps a Committer and is itself one),
// letting unit-of-work code call either interchangeably.
type Committer interface {
	Commit(ctx context.Context, attempt Attempt) (Result, error)
}
