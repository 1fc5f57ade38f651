package alloc

import (
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/extent"
)

// FromRange finds the first clear bit in [start, start+count), sets it,
// marks the owning bitmap buffer dirty for delta, and returns its block
// number — a byte-skip-then-bit-scan search, matching
// user/test/balloc.c's balloc_range bit-for-bit in algorithm shape
// (spec.md §4.4), generalized to read bitmap blocks through buffer.Pool
// instead of a raw bread.
func (a *Allocator) FromRange(delta uint64, start, count buffer.Block) (buffer.Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fromRangeLocked(delta, start, count)
}

func (a *Allocator) fromRangeLocked(delta uint64, start, count buffer.Block) (buffer.Block, error) {
	mapShift := a.bitsPerBlock()
	mapMask := a.blockMask()
	blockSize := 1 << a.bits
	limit := start + count
	blocksLo := start >> mapShift
	blocksHi := (limit + mapMask) >> mapShift
	offset := int((start & mapMask) >> 3)
	startbit := uint(start & 7)
	tail := int((count + buffer.Block(startbit) + 7) >> 3)

	for blk := blocksLo; blk < blocksHi; blk++ {
		buf, err := a.Pool.Read(a.Map, blk)
		if err != nil {
			return buffer.NoBlock, err
		}
		bytes := blockSize - offset
		if bytes > tail {
			bytes = tail
		}
		data := buf.Data()
		for bp := offset; bp < offset+bytes; bp++ {
			c := data[bp]
			if c == 0xff {
				continue
			}
			sb := uint(0)
			if bp == offset {
				sb = startbit
			}
			for i := sb; i < 8; i++ {
				mask := byte(1 << i)
				if c&mask != 0 {
					continue
				}
				found := buffer.Block(i) + (buffer.Block(bp) << 3) + (blk << mapShift)
				if found >= limit {
					a.Pool.Put(buf)
					return buffer.NoBlock, ErrNoSpace
				}
				dirty, err := a.Pool.SetDirty(buf, delta)
				if err != nil {
					a.Pool.Put(buf)
					return buffer.NoBlock, err
				}
				dirty.Data()[bp] |= mask
				a.freeBlocks--
				a.Pool.Put(dirty)
				return found, nil
			}
		}
		a.Pool.Put(buf)
		tail -= bytes
		offset = 0
		startbit = 0
	}
	return buffer.NoBlock, ErrNoSpace
}

// Extent allocates a run of up to count contiguous blocks, trying forward
// from the last allocation point first and wrapping to the start of the
// volume on exhaustion, falling back to a shorter run when no full-length
// contiguous span is free (spec.md §4.4 Extent; no direct grounding
// source for the wraparound policy beyond the commented-out balloc() in
// balloc.c, which this generalizes from single blocks to runs).
func (a *Allocator) Extent(delta uint64, count int) (extent.Extent, error) {
	if count < 1 {
		count = 1
	}
	a.mu.Lock()
	start, vol := a.nextAlloc, a.volBlocks
	a.mu.Unlock()

	blk, n, err := a.contiguousRun(delta, start, vol-start, count)
	if err != nil {
		blk, n, err = a.contiguousRun(delta, 0, start, count)
		if err != nil {
			return extent.Extent{}, err
		}
	}
	a.mu.Lock()
	a.nextAlloc = blk + buffer.Block(n)
	a.mu.Unlock()
	return extent.Extent{Block: blk, Count: n}, nil
}

// contiguousRun greedily extends a single allocated bit into a run of up
// to want contiguous blocks, one FromRange(..., 1) call at a time; it
// returns as soon as the next bit isn't free rather than backtracking.
func (a *Allocator) contiguousRun(delta uint64, rangeStart, rangeCount buffer.Block, want int) (buffer.Block, int, error) {
	if rangeCount <= 0 {
		return 0, 0, ErrNoSpace
	}
	first, err := a.FromRange(delta, rangeStart, rangeCount)
	if err != nil {
		return 0, 0, err
	}
	n, next := 1, first+1
	for n < want && next < rangeStart+rangeCount {
		got, err := a.FromRange(delta, next, 1)
		if err != nil || got != next {
			break
		}
		n++
		next++
	}
	return first, n, nil
}

// Free enqueues ext on delta's deferred-free list; the underlying bits
// stay marked allocated until Drain runs, so a block freed mid-delta can
// never be handed back out before the data referencing it has been
// durably rolled up (spec.md §4.4, mirrors sb->defree in
// original_source/user/super.c).
func (a *Allocator) Free(delta uint64, ext extent.Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred[delta] = append(a.deferred[delta], ext)
}

// Drain clears every bit queued for delta and discards the queue; called
// by delta.Coordinator once delta's data has been durably rolled up.
func (a *Allocator) Drain(delta uint64) error {
	a.mu.Lock()
	exts := a.deferred[delta]
	delete(a.deferred, delta)
	a.mu.Unlock()

	for _, e := range exts {
		for i := 0; i < e.Count; i++ {
			if err := a.clearBit(delta, e.Block+buffer.Block(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Allocator) clearBit(delta uint64, block buffer.Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	mapShift := a.bitsPerBlock()
	mapMask := a.blockMask()
	blk := block >> mapShift
	bit := block & mapMask
	byteOff := bit >> 3
	mask := byte(1 << uint(bit&7))

	buf, err := a.Pool.Read(a.Map, blk)
	if err != nil {
		return err
	}
	dirty, err := a.Pool.SetDirty(buf, delta)
	if err != nil {
		a.Pool.Put(buf)
		return err
	}
	dirty.Data()[byteOff] &^= mask
	a.freeBlocks++
	a.Pool.Put(dirty)
	return nil
}

// FreeBlocks reports the allocator's current free-block count, including
// blocks still on a deferred-free queue (they are not yet reusable, but
// the superblock's FreeBlocks field tracks logical, not reusable, space).
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBlocks
}

// VolBlocks returns the volume's total block count.
func (a *Allocator) VolBlocks() buffer.Block { return a.volBlocks }
