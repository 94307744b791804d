package engine

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/r3e-labs/entitystore/identity"
	"github.com/r3e-labs/entitystore/loadresult"
	"github.com/r3e-labs/entitystore/pkg/metrics"
	"github.com/r3e-labs/entitystore/storedb"
)

// redisRecord is the wire shape a RedisRevisionCache round-trips through
// Redis. Found entries carry their codec-encoded entity payload so a
// distributed cache can serve QueryEntity calls without a database read.
type redisRecord struct {
	Found            bool                     `json:"found"`
	Revision         identity.Revision        `json:"revision,omitempty"`
	ConcurrencyToken identity.ConcurrencyToken `json:"concurrency_token,omitempty"`
	Epoch            identity.Epoch           `json:"epoch"`
	Payload          []byte                   `json:"payload,omitempty"`
}

// RedisRevisionCache is the optional distributed alternative to
// memoryRevisionCache, for deployments running more than one engine
// instance against the same scope. It requires a storedb.Registry so it
// can decode a cached entity payload back into its concrete type.
type RedisRevisionCache struct {
	client   *goredis.Client
	registry *storedb.Registry
	prefix   string
}

// NewRedisRevisionCache builds a RevisionCache backed by a Redis client.
// keyPrefix namespaces keys (e.g. by configured scope) so multiple
// entity-store deployments can share one Redis instance.
func NewRedisRevisionCache(client *goredis.Client, registry *storedb.Registry, keyPrefix string) *RedisRevisionCache {
	return &RedisRevisionCache{client: client, registry: registry, prefix: keyPrefix}
}

func (c *RedisRevisionCache) key(id identity.EntityIdentifier) string {
	return fmt.Sprintf("%sentitystore:%s:%s", c.prefix, id.Type, id.ID)
}

func (c *RedisRevisionCache) Get(id identity.EntityIdentifier) (loadresult.Result, identity.Epoch, bool) {
	ctx := context.Background()
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		metrics.IncRevisionCacheOutcome("miss")
		return loadresult.Result{}, 0, false
	}

	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		metrics.IncRevisionCacheOutcome("miss")
		return loadresult.Result{}, 0, false
	}

	if !rec.Found {
		metrics.IncRevisionCacheOutcome("hit")
		return loadresult.FromNotFound(loadresult.NotFound{ID: id, Scope: loadresult.Scope(nil)}), rec.Epoch, true
	}

	codec, err := c.registry.Lookup(id.Type)
	if err != nil {
		metrics.IncRevisionCacheOutcome("miss")
		return loadresult.Result{}, 0, false
	}
	entity, err := codec.Decode(rec.Payload)
	if err != nil {
		metrics.IncRevisionCacheOutcome("miss")
		return loadresult.Result{}, 0, false
	}

	metrics.IncRevisionCacheOutcome("hit")
	return loadresult.FromFound(loadresult.Found{
		ID:               id,
		Entity:           entity,
		ConcurrencyToken: rec.ConcurrencyToken,
		Revision:         rec.Revision,
	}), rec.Epoch, true
}

func (c *RedisRevisionCache) Set(id identity.EntityIdentifier, result loadresult.Result, epoch identity.Epoch) {
	ctx := context.Background()

	var rec redisRecord
	rec.Epoch = epoch
	if found, ok := result.AsFound(); ok {
		rec.Found = true
		rec.Revision = found.Revision
		rec.ConcurrencyToken = found.ConcurrencyToken
		if codec, err := c.registry.Lookup(id.Type); err == nil {
			if payload, err := codec.Encode(found.Entity); err == nil {
				rec.Payload = payload
			}
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(id), raw, 0).Err()
}

func (c *RedisRevisionCache) Invalidate(id identity.EntityIdentifier) {
	_ = c.client.Del(context.Background(), c.key(id)).Err()
}
