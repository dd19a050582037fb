package session

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes work per key. Keys hash onto a fixed set of shards,
// so unrelated keys only contend when they share a shard.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}

// lock acquires the shard for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	mu := &k.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}
