// Package stemcache is the thread-safe, memory-bounded store of decoded
// stems described in spec §4.1: "own decoded Stem instances, provide lookup
// by StemId, bound memory by configurable target."
package stemcache

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riffbeam/engine/internal/ident"
	"github.com/riffbeam/engine/internal/stem"
)

// DecodeFunc produces a Stem for a cache miss. It may block on disk or
// network I/O — the cache never calls it while holding the map mutex.
type DecodeFunc func(id ident.StemId) (*stem.Stem, error)

// entry is one cache-resident stem plus its bookkeeping. refs tracks
// outstanding Handles (the cache itself does not count as a ref — it is
// the strong-reference anchor per spec §9).
type entry struct {
	stem     *stem.Stem
	lastUsed atomic.Int64 // unix nanos, updated on every Lookup/GetOrInsert hit
	refs     atomic.Int32
}

func (e *entry) touch() { e.lastUsed.Store(time.Now().UnixNano()) }

// Handle is a shared reference to a cached stem. Callers (typically a Riff)
// must call Release when they stop needing the stem, so the LRU pruner can
// tell live references apart from idle ones.
type Handle struct {
	e    *entry
	c    *Cache
	id   ident.StemFingerprint
	once sync.Once
}

// Stem returns the decoded audio behind this handle.
func (h *Handle) Stem() *stem.Stem {
	if h == nil {
		return nil
	}
	return h.e.stem
}

// Release drops this handle's strong reference. Safe to call more than
// once; only the first call has effect.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.e.refs.Add(-1)
	})
}

// inflight represents a decode in progress for one stem id, so concurrent
// GetOrInsert calls for the same id de-duplicate into a single DecodeFunc
// invocation (spec §4.1: "internally ensures at-most-one decode per stem
// id").
type inflight struct {
	done chan struct{}
	st   *stem.Stem
	err  error
}

// Cache owns decoded Stem instances. All public methods are safe for
// concurrent use. One mutex guards the resident map; a second, independent
// mutex guards the in-flight-decode map, so a slow decode never blocks
// lookups of unrelated stems.
type Cache struct {
	mu      sync.RWMutex
	entries map[ident.StemFingerprint]*entry

	flightMu sync.Mutex
	flights  map[ident.StemFingerprint]*inflight
}

// New creates an empty stem cache.
func New() *Cache {
	return &Cache{
		entries: make(map[ident.StemFingerprint]*entry),
		flights: make(map[ident.StemFingerprint]*inflight),
	}
}

// Lookup is a non-blocking read; it never triggers a decode.
func (c *Cache) Lookup(id ident.StemId) (*Handle, bool) {
	fp := ident.Fingerprint(id)
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.touch()
	e.refs.Add(1)
	return &Handle{e: e, c: c, id: fp}, true
}

// GetOrInsert returns the cached stem for id, decoding it via decodeFn on a
// miss. Concurrent calls for the same id share one decode. The returned
// Handle carries one strong reference that the caller must Release.
func (c *Cache) GetOrInsert(id ident.StemId, decodeFn DecodeFunc) (*Handle, error) {
	fp := ident.Fingerprint(id)

	if h, ok := c.Lookup(id); ok {
		return h, nil
	}

	c.flightMu.Lock()
	fl, waiting := c.flights[fp]
	if !waiting {
		// Re-check under flightMu: a decoder publishes before it removes
		// its flight, so a miss here means nobody has decoded this id yet.
		if h, ok := c.Lookup(id); ok {
			c.flightMu.Unlock()
			return h, nil
		}
		fl = &inflight{done: make(chan struct{})}
		c.flights[fp] = fl
	}
	c.flightMu.Unlock()

	if waiting {
		// Someone else is decoding this id; wait for them.
		<-fl.done
		if fl.err != nil {
			return nil, fl.err
		}
		if h, ok := c.Lookup(id); ok {
			return h, nil
		}
		// Extremely unlikely race (evicted between publish and our lookup);
		// start over with a fresh GetOrInsert.
		return c.GetOrInsert(id, decodeFn)
	}

	st, err := decodeFn(id)
	var h *Handle
	if err == nil {
		h = c.publish(fp, st)
		fl.st = st
	}
	fl.err = err

	c.flightMu.Lock()
	delete(c.flights, fp)
	c.flightMu.Unlock()
	close(fl.done)
	return h, err
}

func (c *Cache) publish(fp ident.StemFingerprint, st *stem.Stem) *Handle {
	e := &entry{stem: st}
	e.touch()
	e.refs.Store(1)

	c.mu.Lock()
	if existing, ok := c.entries[fp]; ok {
		// Another goroutine published first; reuse its entry.
		existing.touch()
		existing.refs.Add(1)
		c.mu.Unlock()
		return &Handle{e: existing, c: c, id: fp}
	}
	c.entries[fp] = e
	c.mu.Unlock()
	return &Handle{e: e, c: c, id: fp}
}

// EstimateMemoryBytes sums the per-stem memory estimate across all resident
// entries (spec §4.1).
func (c *Cache) EstimateMemoryBytes() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total uint64
	for _, e := range c.entries {
		total += e.stem.EstimateMemoryBytes()
	}
	return total
}

// Len reports the number of resident entries, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Prune evicts least-recently-used stems until estimated usage is at or
// below targetBytes. A stem with outstanding Handles is never evicted; it
// is skipped (left "parked") and retried on the next Prune call (spec §4.1,
// §8 scenario 6, §9 "LRU with reference pinning").
func (c *Cache) Prune(targetBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	type candidate struct {
		fp       ident.StemFingerprint
		e        *entry
		lastUsed int64
	}
	candidates := make([]candidate, 0, len(c.entries))
	var usage uint64
	for fp, e := range c.entries {
		usage += e.stem.EstimateMemoryBytes()
		candidates = append(candidates, candidate{fp, e, e.lastUsed.Load()})
	}
	if usage <= targetBytes {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastUsed < candidates[j].lastUsed })

	for _, cand := range candidates {
		if usage <= targetBytes {
			return
		}
		if cand.e.refs.Load() > 0 {
			continue // pinned: parked until the next prune pass
		}
		usage -= cand.e.stem.EstimateMemoryBytes()
		delete(c.entries, cand.fp)
	}
}
