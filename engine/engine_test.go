package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/engine"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/storedb"
	"github.com/r3e-labs/entitystore/storedb/memstore"
)

type widget struct {
	Name string
}

func TestQueryEntityMissingReturnsNotFound(t *testing.T) {
	e := engine.New(memstore.New(), nil, nil, engine.Config{})

	result, err := e.QueryEntity(context.Background(), identity.EntityIdentifier{Type: "widget", ID: "a1"}, false)
	require.NoError(t, err)
	assert.True(t, result.IsNotFound())
}

func TestCommitStoreThenQueryReturnsFound(t *testing.T) {
	e := engine.New(memstore.New(), nil, nil, engine.Config{})
	ctx := context.Background()
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}

	attempt := commit.Attempt{{
		ID:                  id,
		Operation:           commit.Store,
		NewRevision:         1,
		NewConcurrencyToken: "tok-1",
		Entity:              &widget{Name: "gizmo"},
		ExpectedRevision:    0,
	}}

	result, err := e.Commit(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())

	loaded, err := e.QueryEntity(ctx, id, false)
	require.NoError(t, err)
	found, ok := loaded.AsFound()
	require.True(t, ok, "expected Found, got %+v", loaded)
	assert.EqualValues(t, 1, found.Revision)
	assert.Equal(t, identity.ConcurrencyToken("tok-1"), found.ConcurrencyToken)

	w, ok := found.Entity.(*widget)
	require.True(t, ok, "unexpected entity type: %+v", found.Entity)
	assert.Equal(t, "gizmo", w.Name)
}

func TestCommitConcurrencyFailureOnStaleExpectedRevision(t *testing.T) {
	e := engine.New(memstore.New(), nil, nil, engine.Config{})
	ctx := context.Background()
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}

	first := commit.Attempt{{ID: id, Operation: commit.Store, NewRevision: 1, NewConcurrencyToken: "tok-1", Entity: &widget{Name: "a"}, ExpectedRevision: 0}}
	_, err := e.Commit(ctx, first)
	require.NoError(t, err)

	stale := commit.Attempt{{ID: id, Operation: commit.Store, NewRevision: 2, NewConcurrencyToken: "tok-2", Entity: &widget{Name: "b"}, ExpectedRevision: 0}}
	result, err := e.Commit(ctx, stale)
	require.NoError(t, err)
	assert.False(t, result.IsSuccess(), "expected ConcurrencyFailure, got success")
}

func TestCommitDeleteWithEventsLeavesTombstone(t *testing.T) {
	e := engine.New(memstore.New(), nil, nil, engine.Config{})
	ctx := context.Background()
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}

	create := commit.Attempt{{ID: id, Operation: commit.Store, NewRevision: 1, NewConcurrencyToken: "tok-1", Entity: &widget{Name: "a"}, ExpectedRevision: 0}}
	_, err := e.Commit(ctx, create)
	require.NoError(t, err)

	del := commit.Attempt{{
		ID: id, Operation: commit.Delete, NewRevision: 2, NewConcurrencyToken: "tok-2",
		Events:           []event.DomainEvent{{Type: "widget.deleted"}},
		ExpectedRevision: 1,
	}}
	result, err := e.Commit(ctx, del)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())

	loaded, err := e.QueryEntity(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, loaded.IsNotFound(), "expected NotFound after tombstoning delete, got %+v", loaded)
}

type recordingSink struct {
	dispatched []event.Message
}

func (s *recordingSink) Dispatch(_ context.Context, msg event.Message) error {
	s.dispatched = append(s.dispatched, msg)
	return nil
}

func TestSynchronousDispatchDeliversEventsAndDrainsBatch(t *testing.T) {
	store := memstore.New()
	sink := &recordingSink{}
	e := engine.New(store, nil, sink, engine.Config{SynchronousEventDispatch: true})
	ctx := context.Background()
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}

	attempt := commit.Attempt{{
		ID: id, Operation: commit.Store, NewRevision: 1, NewConcurrencyToken: "tok-1",
		Entity: &widget{Name: "a"}, ExpectedRevision: 0,
		Events: []event.DomainEvent{{Type: "widget.created"}},
	}}
	_, err := e.Commit(ctx, attempt)
	require.NoError(t, err)

	assert.Len(t, sink.dispatched, 1)

	it, err := store.GetAllBatches(ctx, storedb.BatchPredicate{})
	require.NoError(t, err)
	defer it.Close()
	assert.False(t, it.Next(ctx), "expected dispatched batch to have been removed, found %+v", it.Batch())
}
