package buffer

// SetDirty transitions buf to the dirty state for delta, forking it first
// if it is already dirty for a different, older delta (spec.md §4.1). The
// returned buffer is the one callers must continue to use: ordinarily buf
// itself, but a freshly forked replacement when a fork occurred.
func (p *Pool) SetDirty(buf *Buffer, delta uint64) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target := dirtyState(delta)
	switch {
	case buf.state == target:
		return buf, nil
	case buf.state.IsDirty():
		// Buffer is dirty for an older delta that a backend flush may be
		// reading right now: fork rather than mutate in place.
		return p.forkLocked(buf, delta)
	default:
		// Empty or Clean: transition in place.
		if buf.state == Clean {
			listRemove(buf) // leaving the LRU; dirty buffers aren't on it
		}
		buf.state = target
		m := buf.Map
		listPushBack(m.dirty[dirtySlot(target)], buf)
		return buf, nil
	}
}

// SetClean removes buf from its dirty list and returns it to the Clean
// state, making it LRU-eligible once unpinned (spec.md §4.1).
func (p *Pool) SetClean(buf *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setCleanLocked(buf)
}

func (p *Pool) setCleanLocked(buf *Buffer) {
	listRemove(buf)
	buf.state = Clean
	if buf.refcount == 0 {
		listPushFront(p.lru, buf)
	}
}
