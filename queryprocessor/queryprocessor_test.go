package queryprocessor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/queryprocessor"
)

type stubExecutor struct {
	cached    loadresult.Result
	cachedOK  bool
	fresh     loadresult.Result
	freshCall int
}

func (s *stubExecutor) QueryEntity(_ context.Context, _ identity.EntityIdentifier, bypassCache bool) (loadresult.Result, error) {
	if !bypassCache && s.cachedOK {
		return s.cached, nil
	}
	s.freshCall++
	return s.fresh, nil
}

func TestDefaultReturnsCachedFound(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	exec := &stubExecutor{cachedOK: true, cached: loadresult.FromFound(loadresult.Found{ID: id, Revision: 3})}

	result, err := queryprocessor.Default().Process(context.Background(), id, exec)
	require.NoError(t, err)

	found, ok := result.AsFound()
	require.True(t, ok, "unexpected result: %+v", result)
	assert.EqualValues(t, 3, found.Revision)
	assert.Zero(t, exec.freshCall, "expected no bypass-cache read")
}

func TestDefaultFallsBackOnCacheMiss(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	exec := &stubExecutor{
		cachedOK: true,
		cached:   loadresult.FromNotFound(loadresult.NotFound{ID: id}),
		fresh:    loadresult.FromFound(loadresult.Found{ID: id, Revision: 1}),
	}

	result, err := queryprocessor.Default().Process(context.Background(), id, exec)
	require.NoError(t, err)

	found, ok := result.AsFound()
	require.True(t, ok, "unexpected result: %+v", result)
	assert.EqualValues(t, 1, found.Revision)
	assert.Equal(t, 1, exec.freshCall, "expected exactly one bypass-cache read")
}

func TestByConcurrencyTokenMismatchReturnsVerificationFailed(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	stale := loadresult.FromFound(loadresult.Found{ID: id, Revision: 1, ConcurrencyToken: "old"})
	exec := &stubExecutor{cachedOK: true, cached: stale, fresh: stale}

	policy := queryprocessor.ByConcurrencyToken{Expected: "new"}
	result, err := policy.Process(context.Background(), id, exec)
	require.NoError(t, err)

	failure, ok := result.AsVerificationFailed()
	require.True(t, ok, "expected VerificationFailed, got %+v", result)
	assert.Equal(t, loadresult.ConcurrencyIssue, failure.Kind)
}

func TestByConcurrencyTokenMatchReturnsFound(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	result := loadresult.FromFound(loadresult.Found{ID: id, Revision: 1, ConcurrencyToken: "tok"})
	exec := &stubExecutor{cachedOK: true, cached: result}

	policy := queryprocessor.ByConcurrencyToken{Expected: "tok"}
	got, err := policy.Process(context.Background(), id, exec)
	require.NoError(t, err)

	_, ok := got.AsFound()
	assert.True(t, ok, "expected Found, got %+v", got)
}

func TestByRevisionRangeMinExceedsMaxShortCircuits(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	min := identity.Revision(5)
	max := identity.Revision(1)
	exec := &stubExecutor{}

	policy := queryprocessor.ByRevisionRange{Min: &min, Max: &max}
	result, err := policy.Process(context.Background(), id, exec)
	require.NoError(t, err)

	failure, ok := result.AsVerificationFailed()
	require.True(t, ok, "expected UnexpectedRevision, got %+v", result)
	assert.Equal(t, loadresult.UnexpectedRevision, failure.Kind)
	assert.Zero(t, exec.freshCall, "expected no reads at all")
}

func TestByRevisionRangeOutOfRangeAfterReload(t *testing.T) {
	id := identity.EntityIdentifier{Type: "widget", ID: "a1"}
	min := identity.Revision(10)
	outOfRange := loadresult.FromFound(loadresult.Found{ID: id, Revision: 2})
	exec := &stubExecutor{cachedOK: true, cached: outOfRange, fresh: outOfRange}

	policy := queryprocessor.ByRevisionRange{Min: &min}
	result, err := policy.Process(context.Background(), id, exec)
	require.NoError(t, err)

	_, ok := result.AsVerificationFailed()
	assert.True(t, ok, "expected VerificationFailed, got %+v", result)
}

func TestFromContextDefaultsWhenUnset(t *testing.T) {
	p := queryprocessor.FromContext(context.Background())
	assert.NotNil(t, p, "expected a default processor")
}

func TestWithProcessorRoundTrips(t *testing.T) {
	custom := queryprocessor.ByConcurrencyToken{Expected: "tok"}
	ctx := queryprocessor.WithProcessor(context.Background(), custom)
	got := queryprocessor.FromContext(ctx)
	assert.IsType(t, queryprocessor.ByConcurrencyToken{}, got)
}
