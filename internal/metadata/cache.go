// Package metadata caches, per super-stream, the most recently resolved
// partition list, so a metadata-update signal can trigger a re-fetch and
// recompute without a metadata lookup on every send; each read still takes
// the cache's read lock.
package metadata

import (
	"context"
	"sync"
)

// PartitionLister is the subset of internal/transport.Transport the cache
// needs: a metadata lookup for a super-stream's current partition list.
type PartitionLister interface {
	Lookup(ctx context.Context, superStream string) ([]string, error)
}

// PartitionListCache holds, per super-stream, the most recently resolved
// ordered partition list. Reads (the super-stream producer's hot send
// path, indirectly via Get) take the read lock; writes (first lookup,
// invalidation) take the write lock.
type PartitionListCache struct {
	mu    sync.RWMutex
	lists map[string][]string
}

func NewPartitionListCache() *PartitionListCache {
	return &PartitionListCache{
		lists: make(map[string][]string),
	}
}

// Get returns the cached partition list for superStream, looking it up via
// lister on a cache miss and caching the result.
func (c *PartitionListCache) Get(ctx context.Context, superStream string, lister PartitionLister) ([]string, error) {
	c.mu.RLock()
	partitions, ok := c.lists[superStream]
	c.mu.RUnlock()
	if ok {
		return partitions, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if partitions, ok := c.lists[superStream]; ok {
		return partitions, nil
	}

	partitions, err := lister.Lookup(ctx, superStream)
	if err != nil {
		return nil, err
	}
	c.lists[superStream] = partitions
	return partitions, nil
}

// Invalidate drops the cached partition list for superStream, forcing the
// next Get to re-lookup. Called when a MetadataUpdate signals a partition
// was added, moved, or removed.
func (c *PartitionListCache) Invalidate(superStream string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, superStream)
}

// RemovePartition drops a single partition name from superStream's cached
// list without forcing a full re-lookup, the fast path for "partition
// deleted" metadata updates where the remaining partitions are still valid.
func (c *PartitionListCache) RemovePartition(superStream, partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	partitions, ok := c.lists[superStream]
	if !ok {
		return
	}
	filtered := partitions[:0:0]
	for _, p := range partitions {
		if p != partition {
			filtered = append(filtered, p)
		}
	}
	c.lists[superStream] = filtered
}
