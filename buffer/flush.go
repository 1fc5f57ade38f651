package buffer

import (
	"sort"

	"github.com/deltavfs/engine/metrics"
)

var flushedBytes = metrics.NewRegisteredMeter("buffer/flush/bytes", nil)
var flushedBlocks = metrics.NewRegisteredMeter("buffer/flush/blocks", nil)

// Bufvec batches a contiguous run of same-map buffers being written out
// together, so a MapOps.BlockWrite implementation can translate the whole
// run into a single extent I/O instead of one transfer per block
// (spec.md §4.1, §6's bufvec_io).
type Bufvec struct {
	Map     *Map
	Buffers []*Buffer

	// EndIO must be called exactly once per buffer in Buffers by the
	// BlockWrite implementation, reporting success or failure for that
	// specific buffer (spec.md §6).
	EndIO func(buf *Buffer, err error)
}

// ContigAdd appends buf to the vec if it continues the current contiguous
// run (buf.Index one past the last buffer's Index). It reports false,
// leaving the vec untouched, when buf starts a new run.
func (bv *Bufvec) ContigAdd(buf *Buffer) bool {
	if n := len(bv.Buffers); n > 0 && buf.Index != bv.Buffers[n-1].Index+1 {
		return false
	}
	bv.Buffers = append(bv.Buffers, buf)
	return true
}

// FlushState writes back every buffer on m's dirty list for the given delta
// slot, pinning each for the duration of its write and batching contiguous index runs into Bufvecs
// (spec.md §4.1 flush_state). This includes forked-away originals sitting
// on the list: they are exactly the payload this delta's flush owns, and
// the flush that owns a delta is the only thing that ever writes it out
// (spec.md §4.1, invariant 8/S5) — FreeForkedBuffers only reclaims a
// forked original after its write has succeeded, never instead of one. A
// buffer that fails to write stays dirty (and, if forked, still pending
// invalidation) for a later retry; FlushState keeps draining the rest of
// the list and returns the first error it saw.
func (p *Pool) FlushState(m *Map, slot int) error {
	p.mu.Lock()
	var pending []*Buffer
	listEach(m.dirty[slot], func(b *Buffer) bool {
		b.refcount++ // pin for the duration of the write
		pending = append(pending, b)
		return true
	})
	p.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Index < pending[j].Index })

	var firstErr error
	for i := 0; i < len(pending); {
		j := i + 1
		for j < len(pending) && pending[j].Index == pending[j-1].Index+1 {
			j++
		}
		if err := p.writeRun(m, pending[i:j]); err != nil && firstErr == nil {
			firstErr = err
		}
		i = j
	}
	return firstErr
}

func (p *Pool) writeRun(m *Map, run []*Buffer) error {
	bv := &Bufvec{Map: m, Buffers: append([]*Buffer(nil), run...)}
	var runErr error
	bv.EndIO = func(b *Buffer, err error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			if runErr == nil {
				runErr = err
			}
			log.Error("flush write failed, buffer remains dirty", "index", b.Index, "err", err)
		} else {
			p.setCleanLocked(b)
			flushedBytes.Mark(int64(len(b.data)))
		}
		p.putLocked(b)
	}
	if err := m.Ops.BlockWrite(bv); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		flushedBlocks.Mark(int64(len(run)))
	}
	return runErr
}

// flushOneLocked synchronously writes back a single dirty buffer so its
// slot can be reclaimed (spec.md §4.1: "writing back any evicted dirty
// buffer first"). Called with p.mu held; releases it for the duration of
// the underlying I/O and reacquires it before returning.
func (p *Pool) flushOneLocked(m *Map, b *Buffer) error {
	b.refcount++
	bv := &Bufvec{Map: m, Buffers: []*Buffer{b}}
	var ioErr error
	bv.EndIO = func(buf *Buffer, err error) {
		ioErr = err
		if err == nil {
			p.setCleanLocked(buf)
		}
	}
	p.mu.Unlock()
	writeErr := m.Ops.BlockWrite(bv)
	p.mu.Lock()
	b.refcount--
	if writeErr != nil {
		return writeErr
	}
	return ioErr
}
