// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyLock serializes work per string key over a fixed pool of shards, so
// memory stays bounded however many keys are seen. Distinct keys can share
// a shard. Locks are not reentrant. The zero value is ready to use.
type KeyLock struct {
	once   sync.Once
	shards [shardCount]chan struct{}
}

func (k *KeyLock) init() {
	k.once.Do(func() {
		for i := range k.shards {
			k.shards[i] = make(chan struct{}, 1)
		}
	})
}

// Lock blocks until key's shard is free or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.init()
	shard := k.shards[shardOf(key)]

	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
