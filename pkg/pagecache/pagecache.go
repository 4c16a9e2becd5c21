// Package pagecache implements the materialized-page cache: a shared,
// size-capped cache of reconstructed page images keyed by tenant,
// timeline, key and LSN, consulted by the reconstruction engine before it
// walks the layer map.
package pagecache

import (
	"container/list"
	"sync"

	"github.com/nainya/pageserver/pkg/pageval"
)

// EntryKey identifies one cached page image.
type EntryKey struct {
	TenantID   string
	TimelineID string
	Key        pageval.Key
	Lsn        pageval.Lsn
}

type entry struct {
	key EntryKey
	img []byte
}

// Cache is a plain LRU bounded by total byte budget rather than entry
// count, since page images vary in size. Unlike the K-distance scheme it
// is grounded on, eviction here only needs the single most-recent-use
// ordering the reconstruction engine's access pattern actually rewards:
// a page just reconstructed is overwhelmingly likely to be requested
// again at a nearby LSN before anything colder is.
type Cache struct {
	mu sync.Mutex

	maxBytes     int64
	currentBytes int64

	order *list.List // back = most recently used
	index map[EntryKey]*list.Element
}

// New creates a cache that evicts least-recently-used entries once the
// total byte budget maxBytes is exceeded.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		index:    make(map[EntryKey]*list.Element),
	}
}

// Get looks up the exact (tenant, timeline, key, lsn) entry. The
// reconstruction engine is responsible for scanning lsn downward itself
// if it wants "nearest at or below" semantics; the cache only stores
// values under the LSN they were memoized at (see Lookup for that scan).
func (c *Cache) Get(k EntryKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[k]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*entry).img, true
}

// Lookup finds the entry for (tenantID, timelineID, key) with the
// greatest LSN not exceeding maxLsn. It is O(n) in cached entries for
// that key's distinct LSNs, which in practice is tiny (a handful of
// memoized LSNs per hot key).
func (c *Cache) Lookup(tenantID, timelineID string, key pageval.Key, maxLsn pageval.Lsn) (pageval.Lsn, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestLsn pageval.Lsn
	var bestImg []byte
	var bestEl *list.Element
	found := false

	for k, el := range c.index {
		if k.TenantID != tenantID || k.TimelineID != timelineID || k.Key != key {
			continue
		}
		if k.Lsn > maxLsn {
			continue
		}
		if !found || k.Lsn > bestLsn {
			bestLsn = k.Lsn
			bestImg = el.Value.(*entry).img
			bestEl = el
			found = true
		}
	}

	if found {
		c.order.MoveToBack(bestEl)
	}
	return bestLsn, bestImg, found
}

// Put memoizes a reconstructed image, evicting least-recently-used
// entries until the cache fits within its byte budget.
func (c *Cache) Put(k EntryKey, img []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[k]; ok {
		old := el.Value.(*entry)
		c.currentBytes += int64(len(img)) - int64(len(old.img))
		old.img = img
		c.order.MoveToBack(el)
	} else {
		el := c.order.PushBack(&entry{key: k, img: img})
		c.index[k] = el
		c.currentBytes += int64(len(img))
	}

	for c.currentBytes > c.maxBytes && c.order.Len() > 0 {
		front := c.order.Front()
		ev := front.Value.(*entry)
		c.order.Remove(front)
		delete(c.index, ev.key)
		c.currentBytes -= int64(len(ev.img))
	}
}

// Invalidate drops every cached entry for a timeline, used when a
// timeline is dropped or its ancestor chain changes.
func (c *Cache) Invalidate(tenantID, timelineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, el := range c.index {
		if k.TenantID == tenantID && k.TimelineID == timelineID {
			c.order.Remove(el)
			delete(c.index, k)
			c.currentBytes -= int64(len(el.Value.(*entry).img))
		}
	}
}

// Len returns the number of cached entries, for diagnostics and tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
