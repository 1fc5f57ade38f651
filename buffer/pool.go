package buffer

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/deltavfs/engine/metrics"
	"github.com/deltavfs/engine/xlog"
)

var log = xlog.New("component", "buffer")

type poolMetrics struct {
	hits, misses, evictions, exhausted, forks metricCounter
}

// metricCounter is the narrow slice of the rcrowley/go-metrics Counter
// interface this package needs, letting tests swap in a bare int64 if ever
// desired without dragging the registry in.
type metricCounter interface {
	Inc(int64)
}

func newPoolMetrics() poolMetrics {
	return poolMetrics{
		hits:      metrics.NewRegisteredCounter("buffer/hits", nil),
		misses:    metrics.NewRegisteredCounter("buffer/misses", nil),
		evictions: metrics.NewRegisteredCounter("buffer/evictions", nil),
		exhausted: metrics.NewRegisteredCounter("buffer/exhausted", nil),
		forks:     metrics.NewRegisteredCounter("buffer/forks", nil),
	}
}

// Pool is the process-scoped pool of fixed-size buffer slabs shared by
// every Map. It owns the free list and the clean/empty LRU; dirty lists
// live on each Map (spec.md §9 "Global mutable state").
type Pool struct {
	mu sync.Mutex

	blockSize int
	free      *Buffer // sentinel
	lru       *Buffer // sentinel, most-recently-used at front

	maps map[*Map]struct{}
	seq  uint64

	shadow  *fastcache.Cache // evicted-clean shadow cache, may be nil
	metrics poolMetrics
}

// NewPool preallocates poolSize buffers of blockSize bytes each. If
// shadowBytes > 0, evicted clean buffers are mirrored into a bounded
// fastcache so a subsequent cold read can skip the device (pure
// performance enrichment; correctness never depends on a shadow hit).
func NewPool(blockSize, poolSize, shadowBytes int) *Pool {
	p := &Pool{
		blockSize: blockSize,
		free:      newSentinel(),
		lru:       newSentinel(),
		maps:      make(map[*Map]struct{}),
		metrics:   newPoolMetrics(),
	}
	if shadowBytes > 0 {
		p.shadow = fastcache.New(shadowBytes)
	}
	for i := 0; i < poolSize; i++ {
		b := &Buffer{data: make([]byte, blockSize), state: Freed}
		listPushBack(p.free, b)
	}
	return p
}

func (p *Pool) registerMap(m *Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maps[m] = struct{}{}
}

// Maps returns every live Map the pool currently knows about, for a caller
// (delta.Coordinator) that needs to flush the whole volume without keeping
// its own parallel registry.
func (p *Pool) Maps() []*Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Map, 0, len(p.maps))
	for m := range p.maps {
		out = append(out, m)
	}
	return out
}

// shadowKey namespaces the fastcache by map identity + index, since the
// shadow cache is shared across every map in the pool.
func shadowKey(m *Map, index Block) []byte {
	key := make([]byte, 16)
	put64(key[0:8], m.mapSeq)
	put64(key[8:16], uint64(index))
	return key
}

func put64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Peek returns the live buffer for (m, index) without pinning it or
// performing any I/O, or nil if absent (spec.md §4.1 peekblk).
func (p *Pool) Peek(m *Map, index Block) *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.hashFind(index)
}

// Get returns the buffer for (m, index), allocating it in the Empty state
// on a cache miss without performing I/O (spec.md §4.1 blockget).
func (p *Pool) Get(m *Map, index Block) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b := m.hashFind(index); b != nil {
		p.metrics.hits.Inc(1)
		p.pinLocked(b)
		return b, nil
	}
	p.metrics.misses.Inc(1)
	b, err := p.acquireLocked()
	if err != nil {
		return nil, err
	}
	b.Map, b.Index, b.state, b.refcount = m, index, Empty, 1
	m.hashInsert(b)
	return b, nil
}

// Read returns the buffer for (m, index) with valid data, invoking
// m.Ops.BlockRead on a cache miss (spec.md §4.1 blockread). On a read
// failure the buffer is discarded and the error returned.
func (p *Pool) Read(m *Map, index Block) (*Buffer, error) {
	p.mu.Lock()
	if b := m.hashFind(index); b != nil {
		p.metrics.hits.Inc(1)
		p.pinLocked(b)
		p.mu.Unlock()
		return b, nil
	}
	p.metrics.misses.Inc(1)
	b, err := p.acquireLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	b.Map, b.Index, b.state, b.refcount = m, index, Empty, 1
	m.hashInsert(b)
	p.mu.Unlock()

	if p.shadow != nil {
		if blob := p.shadow.Get(nil, shadowKey(m, index)); len(blob) == len(b.data) {
			copy(b.data, blob)
			p.mu.Lock()
			b.state = Clean
			p.mu.Unlock()
			return b, nil
		}
	}

	if err := m.Ops.BlockRead(b); err != nil {
		p.mu.Lock()
		m.hashRemove(b)
		listPushBack(p.free, b)
		b.Map, b.state = nil, Freed
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrDeviceIO, err)
	}
	p.mu.Lock()
	b.state = Clean
	p.mu.Unlock()
	return b, nil
}

// pinLocked increments refcount, taking the buffer off the LRU if this is
// its first pin (dirty buffers are never on the LRU to begin with, so this
// is only observable for Clean/Empty buffers).
func (p *Pool) pinLocked(b *Buffer) {
	if b.refcount == 0 && !b.state.IsDirty() {
		listRemove(b)
	}
	b.refcount++
}

// Put decrements refcount; a buffer dropping to zero while Clean/Empty
// joins the LRU at the most-recently-used end.
func (p *Pool) Put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.putLocked(b)
}

func (p *Pool) putLocked(b *Buffer) {
	if b.refcount == 0 {
		return
	}
	b.refcount--
	if b.refcount == 0 && !b.state.IsDirty() {
		listPushFront(p.lru, b)
	}
}

// PutFree decrements refcount and immediately returns the buffer to the
// free pool, for callers who know no one else holds a reference
// (spec.md §4.1 blockput_free).
func (p *Pool) PutFree(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.refcount > 0 {
		b.refcount--
	}
	if b.refcount == 0 {
		p.reclaimLocked(b)
	}
}

// reclaimLocked removes b from its map's hash and stashes it back on the
// free list, mirroring it into the shadow cache first if it was Clean.
func (p *Pool) reclaimLocked(b *Buffer) {
	if b.state == Clean && p.shadow != nil && b.Map != nil {
		p.shadow.Set(shadowKey(b.Map, b.Index), b.data)
	}
	listRemove(b)
	if b.Map != nil {
		b.Map.hashRemove(b)
	}
	b.Map, b.state = nil, Freed
	listPushBack(p.free, b)
}

// acquireLocked returns a buffer with no identity, reclaiming one from the
// free list, the clean LRU tail, or — as a last resort — by synchronously
// flushing one unpinned dirty buffer (spec.md §4.1: "writing back any
// evicted dirty buffer first").
func (p *Pool) acquireLocked() (*Buffer, error) {
	if b := listFront(p.free); b != nil {
		listRemove(b)
		return b, nil
	}
	if b := p.evictCleanLocked(); b != nil {
		p.metrics.evictions.Inc(1)
		return b, nil
	}
	if b, err := p.evictDirtyLocked(); b != nil || err != nil {
		if b != nil {
			p.metrics.evictions.Inc(1)
		}
		return b, err
	}
	p.metrics.exhausted.Inc(1)
	return nil, ErrNoBuffer
}

// evictCleanLocked scans the LRU from the least-recently-used end for an
// unpinned buffer (every member of this list is unpinned by construction;
// see pinLocked/putLocked), reclaims it, and returns it ready for reuse.
func (p *Pool) evictCleanLocked() *Buffer {
	b := listBack(p.lru)
	if b == nil {
		return nil
	}
	if b.state == Clean && p.shadow != nil && b.Map != nil {
		p.shadow.Set(shadowKey(b.Map, b.Index), b.data)
	}
	listRemove(b)
	if b.Map != nil {
		b.Map.hashRemove(b)
	}
	b.Map, b.state = nil, Freed
	return b
}

// evictDirtyLocked flushes the first unpinned dirty buffer it finds across
// every registered map, reclaiming its slab once written back.
func (p *Pool) evictDirtyLocked() (*Buffer, error) {
	for m := range p.maps {
		for slot := 0; slot < dirtyStates; slot++ {
			var victim *Buffer
			listEach(m.dirty[slot], func(b *Buffer) bool {
				if b.refcount == 0 && !ForkedPendingInvalidate(b) {
					victim = b
					return false
				}
				return true
			})
			if victim == nil {
				continue
			}
			if err := p.flushOneLocked(m, victim); err != nil {
				return nil, fmt.Errorf("%w: evicting dirty buffer: %v", ErrNoBuffer, err)
			}
			log.Debug("evicted dirty buffer to reclaim pool slot", "index", victim.Index)
			listRemove(victim)
			m.hashRemove(victim)
			victim.Map, victim.state = nil, Freed
			return victim, nil
		}
	}
	return nil, nil
}
