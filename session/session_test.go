package session_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/engine"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/session"
	"github.com/r3e-labs/entitystore/storedb/memstore"
)

type widget struct {
	ID               string
	ConcurrencyToken identity.ConcurrencyToken
	Revision         identity.Revision
	Events           []event.DomainEvent
	Name             string
}

type incrementingTokens struct{ next int }

func (t *incrementingTokens) Create(identity.EntityIdentifier) identity.ConcurrencyToken {
	t.next++
	return identity.ConcurrencyToken("tok-" + strconv.Itoa(t.next))
}

type sequentialIDs struct{ next int }

func (f *sequentialIDs) Create(any) (string, error) {
	f.next++
	return "w" + strconv.Itoa(f.next), nil
}

func newSession(t *testing.T) (*session.Session, *engine.Engine) {
	t.Helper()
	e := engine.New(memstore.New(), nil, nil, engine.Config{})
	s := session.New(e, e, &incrementingTokens{}, &sequentialIDs{})
	return s, e
}

func TestStoreThenCommitPersistsEntity(t *testing.T) {
	s, e := newSession(t)
	ctx := context.Background()

	w := &widget{Name: "gizmo"}
	_, err := s.Store(ctx, "widget", w)
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID, "expected Store to mint an id")
	assert.EqualValues(t, 1, w.Revision)

	result, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())

	id := identity.EntityIdentifier{Type: "widget", ID: w.ID}
	loaded, err := e.QueryEntity(ctx, id, true)
	require.NoError(t, err)
	found, ok := loaded.AsFound()
	require.True(t, ok, "expected Found after commit, got %+v", loaded)
	assert.Equal(t, "gizmo", found.Entity.(*widget).Name)
}

func TestDeleteAfterStoreInSameSessionDropsEntry(t *testing.T) {
	s, e := newSession(t)
	ctx := context.Background()

	w := &widget{Name: "gizmo"}
	_, err := s.Store(ctx, "widget", w)
	require.NoError(t, err)

	_, err = s.Delete(ctx, "widget", w)
	require.NoError(t, err)

	_, err = s.Commit(ctx)
	require.NoError(t, err)

	id := identity.EntityIdentifier{Type: "widget", ID: w.ID}
	loaded, err := e.QueryEntity(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, loaded.IsNotFound(), "expected the cancelled create never to have existed, got %+v", loaded)
}

func TestLoadMissingEntityReturnsNotFound(t *testing.T) {
	s, _ := newSession(t)
	ctx := context.Background()
	id := identity.EntityIdentifier{Type: "widget", ID: "never-stored"}

	result, err := s.Load(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, result.IsNotFound())
}

func TestRollbackDiscardsUncommittedWork(t *testing.T) {
	s, e := newSession(t)
	ctx := context.Background()

	w := &widget{Name: "gizmo"}
	_, err := s.Store(ctx, "widget", w)
	require.NoError(t, err)
	s.Rollback()

	_, err = s.Commit(ctx)
	require.NoError(t, err)

	id := identity.EntityIdentifier{Type: "widget", ID: w.ID}
	loaded, err := e.QueryEntity(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, loaded.IsNotFound(), "expected rollback to have discarded the store, got %+v", loaded)
}
