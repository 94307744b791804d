package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name string
	Tags []string
	Meta map[string]string
}

func TestScopeEntityIsMemoized(t *testing.T) {
	s := New()
	w := &widget{Name: "gizmo"}

	first := s.ScopeEntity(w)
	second := s.ScopeEntity(w)
	assert.Same(t, first, second, "expected repeated scoping of the same original to return the same clone")
}

func TestScopeEntityDeepCopiesSliceField(t *testing.T) {
	s := New()
	original := &widget{Name: "gizmo", Tags: []string{"a", "b"}}

	cloned := s.ScopeEntity(original).(*widget)
	cloned.Tags[0] = "mutated"

	assert.Equal(t, "a", original.Tags[0], "mutating the clone's slice must not affect the original")
}

func TestScopeEntityDeepCopiesMapField(t *testing.T) {
	s := New()
	original := &widget{Name: "gizmo", Meta: map[string]string{"k": "v"}}

	cloned := s.ScopeEntity(original).(*widget)
	cloned.Meta["k"] = "mutated"

	assert.Equal(t, "v", original.Meta["k"], "mutating the clone's map must not affect the original")
}

func TestGlobalScopeNeverMemoizes(t *testing.T) {
	original := &widget{Name: "gizmo"}

	a := Global.ScopeEntity(original)
	b := Global.ScopeEntity(original)
	assert.NotSame(t, a, b, "the global scope must never memoize clones")
}

func TestScopeEntityNilIsNil(t *testing.T) {
	s := New()
	require.Nil(t, s.ScopeEntity(nil))
}
