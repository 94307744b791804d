// Package queryprocessor implements the Domain-query Processor (C7): the
// pluggable predicate an Entity Storage session delegates single-entity
// loads to.
package queryprocessor

import (
	"context"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
)

// Executor is the narrow view of the storage engine a processor needs.
type Executor interface {
	QueryEntity(ctx context.Context, id identity.EntityIdentifier, bypassCache bool) (loadresult.Result, error)
}

// Processor is a pluggable load predicate.
type Processor interface {
	Process(ctx context.Context, id identity.EntityIdentifier, executor Executor) (loadresult.Result, error)
}

// defaultProcessor succeeds iff the first, cache-permitting read is Found;
// otherwise it re-reads bypassing the cache and returns whatever that
// yields.
type defaultProcessor struct{}

// Default is the reference policy used when a session is given none.
func Default() Processor { return defaultProcessor{} }

func (defaultProcessor) Process(ctx context.Context, id identity.EntityIdentifier, executor Executor) (loadresult.Result, error) {
	result, err := executor.QueryEntity(ctx, id, false)
	if err != nil {
		return loadresult.Result{}, err
	}
	if _, ok := result.AsFound(); ok {
		return result, nil
	}
	return executor.QueryEntity(ctx, id, true)
}

// ByConcurrencyToken additionally requires the loaded entity's concurrency
// token to match Expected (the Default sentinel token disables the check).
type ByConcurrencyToken struct {
	Expected identity.ConcurrencyToken
}

func (p ByConcurrencyToken) Process(ctx context.Context, id identity.EntityIdentifier, executor Executor) (loadresult.Result, error) {
	result, err := executor.QueryEntity(ctx, id, false)
	if err != nil {
		return loadresult.Result{}, err
	}
	found, ok := result.AsFound()
	if !ok {
		return executor.QueryEntity(ctx, id, true)
	}
	if p.Expected.IsDefault() || found.ConcurrencyToken == p.Expected {
		return result, nil
	}

	result, err = executor.QueryEntity(ctx, id, true)
	if err != nil {
		return loadresult.Result{}, err
	}
	found, ok = result.AsFound()
	if !ok {
		return result, nil
	}
	if p.Expected.IsDefault() || found.ConcurrencyToken == p.Expected {
		return result, nil
	}
	return loadresult.FromFailure(loadresult.Failure{
		ID:         id,
		Kind:       loadresult.ConcurrencyIssue,
		Underlying: &found,
	}), nil
}

// ByRevisionRange requires the loaded entity's revision to fall within
// [Min, Max]; either bound may be nil to mean unbounded. Min > Max (when
// both are set) short-circuits to VerificationFailed without reading
// anything.
type ByRevisionRange struct {
	Min, Max *identity.Revision
}

func (p ByRevisionRange) inRange(rev identity.Revision) bool {
	if p.Min != nil && rev < *p.Min {
		return false
	}
	if p.Max != nil && rev > *p.Max {
		return false
	}
	return true
}

func (p ByRevisionRange) Process(ctx context.Context, id identity.EntityIdentifier, executor Executor) (loadresult.Result, error) {
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return loadresult.FromFailure(loadresult.Failure{
			ID:     id,
			Kind:   loadresult.UnexpectedRevision,
			Reason: "min exceeds max",
		}), nil
	}

	result, err := executor.QueryEntity(ctx, id, false)
	if err != nil {
		return loadresult.Result{}, err
	}
	found, ok := result.AsFound()
	if !ok {
		return executor.QueryEntity(ctx, id, true)
	}
	if p.inRange(found.Revision) {
		return result, nil
	}

	result, err = executor.QueryEntity(ctx, id, true)
	if err != nil {
		return loadresult.Result{}, err
	}
	found, ok = result.AsFound()
	if !ok {
		return result, nil
	}
	if p.inRange(found.Revision) {
		return result, nil
	}
	return loadresult.FromFailure(loadresult.Failure{
		ID:         id,
		Kind:       loadresult.UnexpectedRevision,
		Underlying: &found,
	}), nil
}

type contextKey struct{}

// WithProcessor attaches p to ctx, propagating per async-flow the way an
// awaited call chain naturally threads a context.
func WithProcessor(ctx context.Context, p Processor) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the ambient processor, or Default() if none was set.
func FromContext(ctx context.Context) Processor {
	if p, ok := ctx.Value(contextKey{}).(Processor); ok {
		return p
	}
	return Default()
}
