package unitofwork_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/unitofwork"
)

type stubTokens struct{ next int }

func (s *stubTokens) Create(identity.EntityIdentifier) identity.ConcurrencyToken {
	s.next++
	return identity.ConcurrencyToken(fmt.Sprintf("tok-%d", s.next))
}

type recordingCommitter struct {
	attempt commit.Attempt
	result  commit.Result
	err     error
}

func (c *recordingCommitter) Commit(_ context.Context, attempt commit.Attempt) (commit.Result, error) {
	c.attempt = attempt
	if c.err != nil {
		return commit.Result{}, c.err
	}
	if (c.result == commit.Result{}) {
		return commit.Success, nil
	}
	return c.result, nil
}

func widgetID(id string) identity.EntityIdentifier {
	return identity.EntityIdentifier{Type: "widget", ID: id}
}

func TestRecordCreateOrUpdateOnNonExistentProducesStore(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	id := widgetID("a1")
	u.GetOrUpdate(loadresult.FromNotFound(loadresult.NotFound{ID: id}))

	_, err := u.RecordCreateOrUpdate(id, "entity-a", nil)
	require.NoError(t, err)

	committer := &recordingCommitter{}
	_, err = u.Commit(context.Background(), committer)
	require.NoError(t, err)
	require.Len(t, committer.attempt, 1)

	entry := committer.attempt[0]
	assert.Equal(t, commit.Store, entry.Operation)
	assert.EqualValues(t, 1, entry.NewRevision)
	assert.EqualValues(t, 0, entry.ExpectedRevision)
}

func TestRecordDeleteOnCreatedDropsEntry(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	id := widgetID("a1")
	u.GetOrUpdate(loadresult.FromNotFound(loadresult.NotFound{ID: id}))
	_, err := u.RecordCreateOrUpdate(id, "entity-a", nil)
	require.NoError(t, err)
	_, err = u.RecordDelete(id, nil)
	require.NoError(t, err)

	committer := &recordingCommitter{}
	_, err = u.Commit(context.Background(), committer)
	require.NoError(t, err)
	assert.Empty(t, committer.attempt, "expected the cancelled create to produce no commit entry")
}

func TestRecordCreateOrUpdateOnUnchangedProducesStoreWithExpectedRevision(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	id := widgetID("a1")
	u.GetOrUpdate(loadresult.FromFound(loadresult.Found{ID: id, Revision: 5}))
	_, err := u.RecordCreateOrUpdate(id, "entity-a", []event.DomainEvent{{Type: "widget.touched"}})
	require.NoError(t, err)

	committer := &recordingCommitter{}
	_, err = u.Commit(context.Background(), committer)
	require.NoError(t, err)

	entry := committer.attempt[0]
	assert.Equal(t, commit.Store, entry.Operation)
	assert.EqualValues(t, 5, entry.ExpectedRevision)
	assert.EqualValues(t, 6, entry.NewRevision)
	assert.Len(t, entry.Events, 1)
}

func TestRecordDeleteOnNonExistentAppendsEventsOnly(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	id := widgetID("a1")
	u.GetOrUpdate(loadresult.FromNotFound(loadresult.NotFound{ID: id}))
	_, err := u.RecordDelete(id, []event.DomainEvent{{Type: "widget.noop"}})
	require.NoError(t, err)

	committer := &recordingCommitter{}
	_, err = u.Commit(context.Background(), committer)
	require.NoError(t, err)
	require.Len(t, committer.attempt, 1)
	assert.Equal(t, commit.AppendEventsOnly, committer.attempt[0].Operation)
}

func TestCommitResetsEntries(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	id := widgetID("a1")
	u.GetOrUpdate(loadresult.FromNotFound(loadresult.NotFound{ID: id}))
	_, err := u.RecordCreateOrUpdate(id, "entity-a", nil)
	require.NoError(t, err)

	committer := &recordingCommitter{}
	_, err = u.Commit(context.Background(), committer)
	require.NoError(t, err)

	// A fresh GetOrUpdate after commit must not see the prior entry.
	tracked := u.GetOrUpdate(loadresult.FromNotFound(loadresult.NotFound{ID: id}))
	assert.Equal(t, loadresult.NonExistent, tracked.State, "expected a fresh NonExistent entry after reset")
}

func TestRecordCreateOrUpdateWithoutPriorTrackingIsInvalid(t *testing.T) {
	u := unitofwork.New(&stubTokens{})
	_, err := u.RecordCreateOrUpdate(widgetID("never-loaded"), "x", nil)
	assert.Error(t, err, "expected an error for an untracked identifier")
}
