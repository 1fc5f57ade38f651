package buffer

import "github.com/deltavfs/engine/device"

// hashBuckets is the bucket count for each map's per-buffer hash table
// (spec.md §3); 999 is not prime (27 * 37).
const hashBuckets = 999

// MapOps are the I/O operators an address space supplies to the cache for
// miss/flush handling (spec.md §3's "io_ops").
type MapOps interface {
	// BlockRead fills buf's data slab for its current Index, returning an
	// error on device failure. Called on a Read miss.
	BlockRead(buf *Buffer) error

	// BlockWrite translates a contiguous run of dirty buffers into extent
	// I/O, calling EndIO(buffer, err) exactly once per buffer.
	BlockWrite(bv *Bufvec) error
}

// InodeRef is the non-owning back-reference a Map may carry to the inode
// that owns it (spec.md §9 "Cyclic references"); the inode package
// implements it without buffer needing to import inode.
type InodeRef interface {
	Inum() uint64
}

// Map is one address space: either a per-inode file/table mapping or the
// raw device view. It owns the per-buffer hash table and the per-delta
// dirty lists; the buffer pool, LRU, and free list are shared globally via
// *Pool.
type Map struct {
	Device device.Device
	Ops    MapOps
	Inode  InodeRef

	pool    *Pool
	hash    [hashBuckets]*Buffer // per-bucket chain head, nil if empty
	dirty   [dirtyStates]*Buffer // sentinels
	mapSeq  uint64               // used only to key the shadow cache namespace
}

// NewMap creates an address space backed by dev, using ops for cache-miss
// and flush I/O. pool supplies and reclaims buffer slabs.
func (p *Pool) NewMap(dev device.Device, ops MapOps) *Map {
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	m := &Map{Device: dev, Ops: ops, pool: p, mapSeq: seq}
	for i := range m.dirty {
		m.dirty[i] = newSentinel()
	}
	p.registerMap(m)
	return m
}

func bucketOf(index Block) int {
	h := int64(index) % hashBuckets
	if h < 0 {
		h += hashBuckets
	}
	return int(h)
}

// hashFind returns the live buffer for index, or nil.
func (m *Map) hashFind(index Block) *Buffer {
	for b := m.hash[bucketOf(index)]; b != nil; b = b.hashNext {
		if b.Index == index {
			return b
		}
	}
	return nil
}

func (m *Map) hashInsert(b *Buffer) {
	bucket := bucketOf(b.Index)
	b.hashNext = m.hash[bucket]
	b.hashPrev = nil
	if b.hashNext != nil {
		b.hashNext.hashPrev = b
	}
	m.hash[bucket] = b
}

func (m *Map) hashRemove(b *Buffer) {
	if b.hashPrev != nil {
		b.hashPrev.hashNext = b.hashNext
	} else {
		m.hash[bucketOf(b.Index)] = b.hashNext
	}
	if b.hashNext != nil {
		b.hashNext.hashPrev = b.hashPrev
	}
	b.hashNext, b.hashPrev = nil, nil
}

// Invalidate drops every buffer belonging to m, discarding dirty content;
// callers must be certain no one still needs it (spec.md §4.1). A
// forked-away original still awaiting its owning flush is left alone
// regardless (spec.md §4.1 bufferfork_to_invalidate): it must not be
// destroyed before that flush drains.
func (m *Map) Invalidate() {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()

	for bucket := 0; bucket < hashBuckets; bucket++ {
		b := m.hash[bucket]
		for b != nil {
			next := b.hashNext
			if !ForkedPendingInvalidate(b) {
				m.pool.reclaimLocked(b)
			}
			b = next
		}
	}
}

// TruncateRange drops the unpinned buffers of m whose Index falls in the
// inclusive block range [startIndex, endIndex] (spec.md §4.1); pinned
// buffers are skipped. As with Invalidate, a
// forked-away original still awaiting its owning flush is never reclaimed
// here even if otherwise unpinned.
func (m *Map) TruncateRange(startIndex, endIndex Block) {
	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()

	for bucket := 0; bucket < hashBuckets; bucket++ {
		b := m.hash[bucket]
		for b != nil {
			next := b.hashNext
			if b.Index >= startIndex && b.Index <= endIndex && b.refcount == 0 && !ForkedPendingInvalidate(b) {
				m.pool.reclaimLocked(b)
			}
			b = next
		}
	}
}
