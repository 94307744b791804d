package loadresult

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/entitystore/identity"
)

type stubScope struct{ calls int }

func (s *stubScope) ScopeEntity(original any) any {
	s.calls++
	return original
}

func TestFoundCapabilityQueries(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	r := FromFound(Found{ID: id, Entity: "v1", Revision: 1})

	found, ok := r.AsFound()
	require.True(t, ok)
	assert.Equal(t, "v1", found.Entity)

	_, ok = r.AsVerificationFailed()
	assert.False(t, ok, "Found must not report AsVerificationFailed")
}

func TestNotFoundRevisionIsZero(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	r := FromNotFound(NotFound{ID: id})
	assert.EqualValues(t, 0, r.Revision())
	assert.True(t, r.IsNotFound())
}

func TestAsCachedIsIdempotent(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	r := FromFound(Found{ID: id, LoadedFromCache: false})
	cached := r.AsCached(true)
	found, _ := cached.AsFound()
	assert.True(t, found.LoadedFromCache)

	again := cached.AsCached(true)
	f2, _ := again.AsFound()
	assert.True(t, f2.LoadedFromCache, "expected cache flag to remain true")
}

func TestAsScopedToFoundClonesEntity(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	r := FromFound(Found{ID: id, Entity: "v1"})
	s := &stubScope{}
	scoped := r.AsScopedTo(s)
	assert.Equal(t, 1, s.calls, "expected ScopeEntity to be called once")

	found, _ := scoped.AsFound()
	assert.Equal(t, s, found.Scope)
}

func TestAsScopedToNotFoundIsMetadataOnly(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	r := FromNotFound(NotFound{ID: id})
	s := &stubScope{}
	scoped := r.AsScopedTo(s)
	assert.Zero(t, s.calls, "expected no clone calls for NotFound")

	_, ok := scoped.AsFound()
	assert.False(t, ok, "expected NotFound to remain NotFound")
}

func TestAsTrackedMapsStartingStates(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	factory := identity.UUIDTokenFactory{}

	found := FromFound(Found{ID: id, Revision: 3}).AsTracked(factory)
	assert.Equal(t, Unchanged, found.State)
	assert.False(t, found.UpdatedConcurrencyToken.IsDefault(), "expected eagerly allocated token")

	notFound := FromNotFound(NotFound{ID: id}).AsTracked(factory)
	assert.Equal(t, NonExistent, notFound.State)
}

func TestAsTrackedPanicsOnVerificationFailed(t *testing.T) {
	id := identity.MustNew("widget", "a1")
	assert.Panics(t, func() {
		FromFailure(Failure{ID: id, Kind: ConcurrencyIssue}).AsTracked(identity.UUIDTokenFactory{})
	})
}
