// Package metadata implements the metadata-accessor collaborator: reading
// and writing id/concurrency-token/revision and the uncommitted-events list
// on an entity instance. This collaborator is an external contract in the
// specification (stated-interface-only); this package supplies the
// reflective fallback integrators get for free, plus the well-known
// interface fast path.
package metadata

import (
	"fmt"
	"reflect"

	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/identity"
)

// Aware lets an entity type implement its own metadata accessors instead of
// relying on the reflective fallback.
type Aware interface {
	GetEntityID() string
	SetEntityID(string)
	GetConcurrencyToken() identity.ConcurrencyToken
	SetConcurrencyToken(identity.ConcurrencyToken)
	GetRevision() identity.Revision
	SetRevision(identity.Revision)
	UncommittedEvents() []event.DomainEvent
	CommitEvents()
}

// Accessor reads and writes metadata on an arbitrary entity value.
type Accessor struct{}

// GetID returns the entity's id, via Aware if implemented, else via
// reflection over an exported "ID" string field.
func (Accessor) GetID(entity any) (string, error) {
	if a, ok := entity.(Aware); ok {
		return a.GetEntityID(), nil
	}
	return reflectGetString(entity, "ID")
}

// SetID writes the entity's id.
func (Accessor) SetID(entity any, id string) error {
	if a, ok := entity.(Aware); ok {
		a.SetEntityID(id)
		return nil
	}
	return reflectSetString(entity, "ID", id)
}

// GetConcurrencyToken reads the entity's concurrency token.
func (Accessor) GetConcurrencyToken(entity any) (identity.ConcurrencyToken, error) {
	if a, ok := entity.(Aware); ok {
		return a.GetConcurrencyToken(), nil
	}
	v, err := reflectField(entity, "ConcurrencyToken")
	if err != nil {
		return identity.Default, err
	}
	if tok, ok := v.Interface().(identity.ConcurrencyToken); ok {
		return tok, nil
	}
	if s, ok := v.Interface().(string); ok {
		return identity.ConcurrencyToken(s), nil
	}
	return identity.Default, fmt.Errorf("metadata: ConcurrencyToken field has unsupported type %s", v.Type())
}

// SetConcurrencyToken writes the entity's concurrency token.
func (Accessor) SetConcurrencyToken(entity any, tok identity.ConcurrencyToken) error {
	if a, ok := entity.(Aware); ok {
		a.SetConcurrencyToken(tok)
		return nil
	}
	return reflectSetField(entity, "ConcurrencyToken", reflect.ValueOf(tok))
}

// GetRevision reads the entity's revision.
func (Accessor) GetRevision(entity any) (identity.Revision, error) {
	if a, ok := entity.(Aware); ok {
		return a.GetRevision(), nil
	}
	v, err := reflectField(entity, "Revision")
	if err != nil {
		return 0, err
	}
	if rev, ok := v.Interface().(identity.Revision); ok {
		return rev, nil
	}
	if i, ok := v.Interface().(int64); ok {
		return identity.Revision(i), nil
	}
	return 0, fmt.Errorf("metadata: Revision field has unsupported type %s", v.Type())
}

// SetRevision writes the entity's revision.
func (Accessor) SetRevision(entity any, rev identity.Revision) error {
	if a, ok := entity.(Aware); ok {
		a.SetRevision(rev)
		return nil
	}
	return reflectSetField(entity, "Revision", reflect.ValueOf(rev))
}

// UncommittedEvents returns events recorded on the entity since its last
// commit. Entities that do not implement Aware and have no "Events" field
// are assumed to raise no events.
func (Accessor) UncommittedEvents(entity any) []event.DomainEvent {
	if a, ok := entity.(Aware); ok {
		return a.UncommittedEvents()
	}
	v, err := reflectField(entity, "Events")
	if err != nil {
		return nil
	}
	events, ok := v.Interface().([]event.DomainEvent)
	if !ok {
		return nil
	}
	return events
}

// CommitEvents clears the entity's uncommitted-events list.
func (Accessor) CommitEvents(entity any) {
	if a, ok := entity.(Aware); ok {
		a.CommitEvents()
		return
	}
	_ = reflectSetField(entity, "Events", reflect.ValueOf([]event.DomainEvent(nil)))
}

func reflectStructValue(entity any) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("metadata: entity must be a non-nil pointer to struct, got %T", entity)
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("metadata: entity must point to a struct, got %T", entity)
	}
	return elem, nil
}

func reflectField(entity any, name string) (reflect.Value, error) {
	elem, err := reflectStructValue(entity)
	if err != nil {
		return reflect.Value{}, err
	}
	field := elem.FieldByName(name)
	if !field.IsValid() {
		return reflect.Value{}, fmt.Errorf("metadata: entity %T has no field %q", entity, name)
	}
	return field, nil
}

func reflectGetString(entity any, name string) (string, error) {
	field, err := reflectField(entity, name)
	if err != nil {
		return "", err
	}
	s, ok := field.Interface().(string)
	if !ok {
		return "", fmt.Errorf("metadata: field %q is not a string", name)
	}
	return s, nil
}

func reflectSetString(entity any, name, value string) error {
	return reflectSetField(entity, name, reflect.ValueOf(value))
}

func reflectSetField(entity any, name string, value reflect.Value) error {
	field, err := reflectField(entity, name)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("metadata: field %q is not settable", name)
	}
	field.Set(value)
	return nil
}
