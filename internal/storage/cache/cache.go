// Package cache provides a bounded, size-aware LRU for object metadata.
// Every entry remembers the data-last-modified timestamp it was cached
// against; a lookup whose timestamp no longer matches is a miss, so the
// cache can never serve metadata for data that has since been replaced.
package cache

import (
	"fmt"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/lamina-storage/lamina/internal/storage"
)

// Size accounting is a deterministic estimate, not a measurement: a fixed
// per-entry overhead, two bytes per string rune, and a per-pair overhead
// for map entries.
const (
	entryOverhead = 256
	pairOverhead  = 64
)

type entry struct {
	obj              *storage.ObjectInfo
	dataLastModified time.Time
	estSize          int
}

// Cache is a thread-safe LRU over object metadata keyed by bucket and key,
// bounded by estimated byte size rather than entry count.
type Cache struct {
	mu sync.RWMutex
	c  *simplelru.LRU[string, *entry]

	free, size int

	onEvict func(key string)
}

// New creates a cache holding at most size estimated bytes. onEvict, when
// non-nil, runs for every entry removed to make room for an insert.
func New(size int, onEvict func(key string)) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", size)
	}

	c := &Cache{
		size:    size,
		free:    size,
		onEvict: onEvict,
	}
	lru, err := simplelru.NewLRU(size, func(_ string, e *entry) {
		c.free += e.estSize
	})
	if err != nil {
		return nil, err
	}
	c.c = lru

	return c, nil
}

// Get returns a copy of the cached metadata for (bucket, key) when present
// and still current. dataLastModified is the data store's timestamp for the
// object right now; an entry cached against a different timestamp is stale
// and is dropped on the spot.
func (c *Cache) Get(bucket, key string, dataLastModified time.Time) (*storage.ObjectInfo, bool) {
	id := cacheKey(bucket, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.c.Get(id)
	if !ok {
		return nil, false
	}
	if !e.dataLastModified.Equal(dataLastModified) {
		c.c.Remove(id)
		return nil, false
	}
	return cloneInfo(e.obj), true
}

// Put stores a snapshot of obj, evicting least-recently-used entries until
// the estimate fits. Objects estimated larger than the whole cache are not
// stored at all.
func (c *Cache) Put(obj *storage.ObjectInfo, dataLastModified time.Time) {
	e := &entry{
		obj:              cloneInfo(obj),
		dataLastModified: dataLastModified,
		estSize:          estimateSize(obj),
	}
	if e.estSize > c.size {
		return
	}

	id := cacheKey(obj.Bucket, obj.Key)

	var evicted []string
	c.mu.Lock()
	c.c.Remove(id) // release the previous entry's budget before re-adding
	for e.estSize > c.free {
		old, _, ok := c.c.RemoveOldest()
		if !ok {
			break
		}
		evicted = append(evicted, old)
	}
	c.c.Add(id, e)
	c.free -= e.estSize
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, k := range evicted {
			c.onEvict(k)
		}
	}
}

// Invalidate drops the entry for (bucket, key), if any.
func (c *Cache) Invalidate(bucket, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.c.Remove(cacheKey(bucket, key))
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.c.Len()
}

func cacheKey(bucket, key string) string {
	// bucket names cannot contain a slash, so the join is unambiguous
	return bucket + "/" + key
}

func estimateSize(obj *storage.ObjectInfo) int {
	size := entryOverhead
	size += 2 * utf8.RuneCountInString(obj.Bucket)
	size += 2 * utf8.RuneCountInString(obj.Key)
	size += 2 * utf8.RuneCountInString(obj.ETag)
	size += 2 * utf8.RuneCountInString(obj.ContentType)
	for k, v := range obj.Metadata {
		size += pairOverhead + 2*utf8.RuneCountInString(k) + 2*utf8.RuneCountInString(v)
	}
	for k, v := range obj.Checksums {
		size += pairOverhead + 2*utf8.RuneCountInString(string(k)) + 2*utf8.RuneCountInString(v)
	}
	if obj.Owner != nil {
		size += 2*utf8.RuneCountInString(obj.Owner.ID) + 2*utf8.RuneCountInString(obj.Owner.DisplayName)
	}
	return size
}

func cloneInfo(obj *storage.ObjectInfo) *storage.ObjectInfo {
	out := *obj
	out.Metadata = maps.Clone(obj.Metadata)
	out.Checksums = maps.Clone(obj.Checksums)
	if obj.Owner != nil {
		o := *obj.Owner
		out.Owner = &o
	}
	return &out
}
