package buffer

// forkLocked implements the buffer fork protocol (spec.md §4.1): allocate a
// replacement buffer carrying the same (map, index) identity, copy the
// slab, unlink the original from the hash table (it stays on its dirty
// list, owned by the flush snapshot reading it), and insert the
// replacement dirtied for the new delta. All future lookups resolve to the
// replacement; the original is reclaimed once its owning flush completes
// (FreeForkedBuffers).
func (p *Pool) forkLocked(old *Buffer, delta uint64) (*Buffer, error) {
	newBuf, err := p.acquireLocked()
	if err != nil {
		return nil, err
	}
	copy(newBuf.data, old.data)

	m := old.Map
	m.hashRemove(old)
	old.isForkedOld = true

	target := dirtyState(delta)
	newBuf.Map, newBuf.Index, newBuf.state = m, old.Index, target
	m.hashInsert(newBuf)
	listPushBack(m.dirty[dirtySlot(target)], newBuf)

	// The caller's pin moves from the original onto the replacement; any
	// additional pin held by an in-flight flush on the original is
	// untouched.
	if old.refcount > 0 {
		old.refcount--
	}
	newBuf.refcount = 1

	p.metrics.forks.Inc(1)
	log.Debug("forked buffer", "index", old.Index, "delta", delta)
	return newBuf, nil
}

// ForkedPendingInvalidate reports whether b is a forked-away original still
// awaiting reclamation by its owning flush (spec.md §4.1
// bufferfork_to_invalidate): such a buffer must not be reused for any
// other purpose until that flush drains.
func ForkedPendingInvalidate(b *Buffer) bool {
	return b.isForkedOld && b.state.IsDirty()
}

// FreeForkedBuffers reclaims every unpinned forked-away original on m whose
// write has succeeded: a successful flush write moves it off its dirty list
// onto the clean LRU, which is where this looks. An original still on a
// dirty list (not yet written, or its write failed) is left alone. Call
// this after a backend flush completes (spec.md §4.1).
func (p *Pool) FreeForkedBuffers(m *Map, flushedDelta uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaim []*Buffer
	listEach(p.lru, func(b *Buffer) bool {
		if b.isForkedOld && b.Map == m && b.refcount == 0 {
			reclaim = append(reclaim, b)
		}
		return true
	})
	for _, b := range reclaim {
		listRemove(b)
		b.isForkedOld = false
		b.Map, b.state = nil, Freed
		listPushBack(p.free, b)
	}
}
