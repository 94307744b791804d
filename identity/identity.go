// Package identity defines the identity and versioning primitives shared by
// every layer of the storage engine: entity identifiers, concurrency tokens,
// revisions and epochs.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentifier is returned (or panicked with, at construction sites
// that are purely programmer errors) when an EntityIdentifier is built from
// an empty or whitespace-only id.
var ErrInvalidIdentifier = errors.New("identity: id must be non-empty and non-whitespace")

// TypeTag names the aggregate type an EntityIdentifier belongs to. It is
// opaque to the engine beyond equality and is typically a Go type name or a
// short domain tag supplied by the integrator.
type TypeTag string

// EntityIdentifier names one aggregate: a type tag plus a string id. The
// pair uniquely names an aggregate within a single engine scope.
type EntityIdentifier struct {
	Type TypeTag
	ID   string
}

// New builds an EntityIdentifier, validating that id is non-empty and
// non-whitespace. Callers that can only fail fast (programmer error) should
// use MustNew.
func New(typeTag TypeTag, id string) (EntityIdentifier, error) {
	if strings.TrimSpace(id) == "" {
		return EntityIdentifier{}, fmt.Errorf("%w: type=%s", ErrInvalidIdentifier, typeTag)
	}
	return EntityIdentifier{Type: typeTag, ID: id}, nil
}

// MustNew panics on an invalid id; it exists for call sites that already
// hold an id obtained from a factory or from storage, where a failure is a
// programmer error, not an expected outcome.
func MustNew(typeTag TypeTag, id string) EntityIdentifier {
	identifier, err := New(typeTag, id)
	if err != nil {
		panic(err)
	}
	return identifier
}

// IsZero reports whether the identifier is the default, unnamed value.
func (e EntityIdentifier) IsZero() bool {
	return e.Type == "" && e.ID == ""
}

func (e EntityIdentifier) String() string {
	return string(e.Type) + "/" + e.ID
}

// Revision is a monotonically non-decreasing version counter. Zero means
// "does not exist yet".
type Revision int64

// Epoch counts tombstone<->live transitions of a stored row. Combined with
// (type, id, revision) it yields a globally unique name for an event batch.
type Epoch int64

// ConcurrencyToken is an opaque optimistic-concurrency stamp. The zero value
// is the sentinel "no expectation" token.
type ConcurrencyToken string

// Default is the sentinel concurrency token meaning "no expectation".
const Default ConcurrencyToken = ""

// IsDefault reports whether t is the sentinel "no expectation" token.
func (t ConcurrencyToken) IsDefault() bool {
	return t == Default
}

// TokenFactory produces fresh, never-reused concurrency tokens for a given
// identifier.
type TokenFactory interface {
	Create(id EntityIdentifier) ConcurrencyToken
}

// UUIDTokenFactory issues tokens from random UUIDv4 values. It never
// produces the Default sentinel.
type UUIDTokenFactory struct{}

// Create returns a fresh, non-default concurrency token.
func (UUIDTokenFactory) Create(EntityIdentifier) ConcurrencyToken {
	return ConcurrencyToken(uuid.NewString())
}

// IDFactory mints entity ids for newly created aggregates that arrive
// without one. descriptor is opaque integrator data (typically the entity
// value itself) that a factory implementation may inspect.
type IDFactory interface {
	Create(descriptor any) (string, error)
}

// UUIDIDFactory mints ids from random UUIDv4 values.
type UUIDIDFactory struct{}

// Create returns a fresh non-empty id, ignoring descriptor.
func (UUIDIDFactory) Create(any) (string, error) {
	return uuid.NewString(), nil
}
