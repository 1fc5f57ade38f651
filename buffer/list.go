package buffer

// Intrusive doubly-linked ring over *Buffer, used for the pool's free list,
// the pool's clean LRU, and each map's per-delta dirty lists. A buffer is a
// member of exactly one such list at a time (invariant (b) of spec.md §3),
// so the same listNext/listPrev pair on Buffer serves all three roles. Each
// list is anchored by a dedicated sentinel *Buffer that is never otherwise
// used, avoiding a separate boxed element per entry.

func newSentinel() *Buffer {
	s := &Buffer{}
	s.listNext, s.listPrev = s, s
	return s
}

func listEmpty(sentinel *Buffer) bool {
	return sentinel.listNext == sentinel
}

func listPushBack(sentinel, b *Buffer) {
	last := sentinel.listPrev
	last.listNext = b
	b.listPrev = last
	b.listNext = sentinel
	sentinel.listPrev = b
}

func listPushFront(sentinel, b *Buffer) {
	first := sentinel.listNext
	sentinel.listNext = b
	b.listPrev = sentinel
	b.listNext = first
	first.listPrev = b
}

// listRemove detaches b from whatever list it is currently linked into. It
// is a no-op if b is not linked (listNext == nil).
func listRemove(b *Buffer) {
	if b.listNext == nil {
		return
	}
	b.listPrev.listNext = b.listNext
	b.listNext.listPrev = b.listPrev
	b.listNext, b.listPrev = nil, nil
}

func listFront(sentinel *Buffer) *Buffer {
	if listEmpty(sentinel) {
		return nil
	}
	return sentinel.listNext
}

func listBack(sentinel *Buffer) *Buffer {
	if listEmpty(sentinel) {
		return nil
	}
	return sentinel.listPrev
}

// listEach walks from front to back, stopping early if fn returns false.
func listEach(sentinel *Buffer, fn func(*Buffer) bool) {
	for b := sentinel.listNext; b != sentinel; b = b.listNext {
		if !fn(b) {
			return
		}
	}
}
