package storedb

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/r3e-labs/entitystore/identity"
)

// RowCodec (de)serializes the opaque entity payload of a StoredEntity row
// for one registered entity type. Adapters that need a byte representation
// (Postgres, Redis) go through the registry instead of reflecting over the
// entity type directly.
type RowCodec struct {
	Encode func(entity any) ([]byte, error)
	Decode func(data []byte) (any, error)
}

// JSONCodec builds a RowCodec backed by encoding/json, decoding into a
// freshly allocated value shaped like sample: a pointer sample yields a new
// pointer of the same type, a non-pointer sample yields a pointer to a new
// value of its type.
func JSONCodec(sample any) RowCodec {
	return RowCodec{
		Encode: func(entity any) ([]byte, error) {
			return json.Marshal(entity)
		},
		Decode: func(data []byte) (any, error) {
			target := newLike(sample)
			if err := json.Unmarshal(data, target); err != nil {
				return nil, err
			}
			return target, nil
		},
	}
}

// Registry maps entity type tags to their RowCodec. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[identity.TypeTag]RowCodec
}

// NewRegistry returns an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[identity.TypeTag]RowCodec)}
}

// Register associates typeTag with codec, overwriting any prior
// registration.
func (r *Registry) Register(typeTag identity.TypeTag, codec RowCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[typeTag] = codec
}

// Lookup returns the codec registered for typeTag.
func (r *Registry) Lookup(typeTag identity.TypeTag) (RowCodec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[typeTag]
	if !ok {
		return RowCodec{}, fmt.Errorf("storedb: no row codec registered for type %q", typeTag)
	}
	return c, nil
}
