package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/commit"
	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/pipeline"
)

type terminalCommitter struct {
	attempt commit.Attempt
}

func (t *terminalCommitter) Commit(_ context.Context, attempt commit.Attempt) (commit.Result, error) {
	t.attempt = attempt
	return commit.Success, nil
}

func taggingProcessor(tag string, order *[]string) pipeline.Processor {
	return pipeline.ProcessorFunc(func(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error) {
		*order = append(*order, tag)
		return next.Commit(ctx, attempt)
	})
}

func TestProcessorsRunInRegistrationOrder(t *testing.T) {
	terminal := &terminalCommitter{}
	reg := pipeline.New(terminal)

	var order []string
	reg.Register(taggingProcessor("first", &order))
	reg.Register(taggingProcessor("second", &order))

	_, err := reg.Commit(context.Background(), commit.Attempt{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg := pipeline.New(&terminalCommitter{})
	p := taggingProcessor("only", &[]string{})

	assert.True(t, reg.Register(p), "expected first registration to succeed")
	assert.False(t, reg.Register(p), "expected duplicate registration to be rejected")
}

func TestUnregisterRemovesProcessor(t *testing.T) {
	terminal := &terminalCommitter{}
	reg := pipeline.New(terminal)
	var order []string
	p := taggingProcessor("gone", &order)
	reg.Register(p)

	assert.True(t, reg.Unregister(p), "expected unregister to succeed")

	_, err := reg.Commit(context.Background(), commit.Attempt{})
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestProjectRewritesEntriesBeforeTerminal(t *testing.T) {
	terminal := &terminalCommitter{}
	reg := pipeline.New(terminal)
	reg.Register(pipeline.Project(func(e commit.Entry) commit.Entry {
		e.NewConcurrencyToken = "rewritten"
		return e
	}))

	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	attempt := commit.Attempt{{ID: id, Operation: commit.Store, NewConcurrencyToken: "original"}}
	_, err := reg.Commit(context.Background(), attempt)
	require.NoError(t, err)

	require.Len(t, terminal.attempt, 1)
	assert.Equal(t, identity.ConcurrencyToken("rewritten"), terminal.attempt[0].NewConcurrencyToken)
}

func TestShortCircuitSkipsTerminal(t *testing.T) {
	terminal := &terminalCommitter{}
	reg := pipeline.New(terminal)
	reg.Register(pipeline.ProcessorFunc(func(ctx context.Context, attempt commit.Attempt, next commit.Committer) (commit.Result, error) {
		return commit.ConcurrencyFailure, nil
	}))

	result, err := reg.Commit(context.Background(), commit.Attempt{})
	require.NoError(t, err)
	assert.False(t, result.IsSuccess(), "expected the short-circuiting processor's result to win")
	assert.Nil(t, terminal.attempt, "expected the terminal stage never to run")
}
