// Package scope implements the query-result Scope (C2): a map from
// original entity reference to scope-local deep clone, guaranteeing that
// two sessions reading the same entity never share mutable sub-graph
// state.
package scope

import (
	"reflect"

	"dario.cat/mergo"
)

// Cloneable lets an entity type supply its own deep-clone logic instead of
// relying on the reflective mergo-based fallback.
type Cloneable interface {
	Clone() any
}

// Scope owns deep-cloned copies of entities so independent units of work
// cannot observe each other's mutations.
type Scope struct {
	clones map[any]any
}

// New returns an empty, memoizing scope.
func New() *Scope {
	return &Scope{clones: make(map[any]any)}
}

// ScopeEntity returns the scope-local clone of original. If original was
// already presented (as either the original or a previously returned
// clone), the earlier clone is returned; otherwise a fresh deep clone is
// produced and memoized under both keys so re-scoping a clone is
// idempotent.
func (s *Scope) ScopeEntity(original any) any {
	if original == nil {
		return nil
	}
	if s.clones == nil {
		s.clones = make(map[any]any)
	}
	if existing, ok := lookup(s.clones, original); ok {
		return existing
	}
	cloned := deepClone(original)
	store(s.clones, original, cloned)
	store(s.clones, cloned, cloned)
	return cloned
}

// lookup/store guard against using non-comparable values (slices, maps,
// funcs) as map keys, which would panic; entities are expected to be
// pointers or comparable values, but this keeps ScopeEntity total.
func lookup(m map[any]any, key any) (any, bool) {
	if !reflect.TypeOf(key).Comparable() {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func store(m map[any]any, key, value any) {
	if !reflect.TypeOf(key).Comparable() {
		return
	}
	m[key] = value
}

// global is the singleton scope used for cache-resident values: it returns
// a fresh deep clone per call with no memoization.
type global struct{}

// ScopeEntity always returns a fresh deep clone, never memoizing.
func (global) ScopeEntity(original any) any {
	if original == nil {
		return nil
	}
	return deepClone(original)
}

// Global is the scope singleton used by the storage engine's revision
// cache: callers clone into their own session scope on read.
var Global Scope_ = global{}

// Scope_ is the interface both *Scope and the global singleton satisfy;
// it matches loadresult.Scope.
type Scope_ interface {
	ScopeEntity(original any) any
}

// deepClone produces an independent copy of v. Entities implementing
// Cloneable use their own logic; everything else is deep-copied by merging
// v onto a fresh zero value of the same concrete type via mergo, which
// walks nested structs, maps and slices field by field.
func deepClone(v any) any {
	if c, ok := v.(Cloneable); ok {
		return c.Clone()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return v
		}
		elem := rv.Elem()
		dst := reflect.New(elem.Type())
		if elem.Kind() == reflect.Struct {
			_ = mergo.Merge(dst.Interface(), rv.Interface(), mergo.WithDeepCopy())
		} else {
			dst.Elem().Set(elem)
		}
		return dst.Interface()
	case reflect.Struct:
		dst := reflect.New(rv.Type())
		_ = mergo.Merge(dst.Interface(), v, mergo.WithDeepCopy())
		return dst.Elem().Interface()
	default:
		// Scalars, maps and slices of non-struct entities: mergo needs a
		// struct target, so fall back to a direct value copy. Go's
		// assignment semantics already deep-copy scalars; maps/slices
		// passed by an integrator as the entity type directly are a rare
		// shape we don't attempt to defend against further.
		return v
	}
}
