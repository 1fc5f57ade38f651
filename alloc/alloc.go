// Package alloc implements the bitmap block allocator: a byte-skip,
// bit-scan free-space search over the volume's bitmap inode, contiguous
// extent allocation built on top of it, and deferred per-delta freeing
// (spec.md §4.4, ported from original_source/user/test/balloc.c and
// user/super.c's sb->defree).
package alloc

import (
	"errors"
	"sync"

	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/extent"
	"github.com/deltavfs/engine/xlog"
)

var log = xlog.New("component", "alloc")

// ErrNoSpace is returned when no free block exists in the requested range
// (spec.md §7's ENOSPC equivalent).
var ErrNoSpace = errors.New("alloc: no space left on device")

// reservedMinBits is the byte size of the region reserved at bootstrap:
// reservedMinBits>>bits leading blocks (at least one, at most the volume)
// have their bitmap bits pre-marked allocated, covering the superblock and
// bitmap inode's own first blocks regardless of block size (spec.md §6).
const reservedMinBits = 8192

// Allocator manages the volume's free-block bitmap, stored as ordinary
// blocks of a buffer.Map (the "bitmap inode"), and a per-delta deferred-free
// queue so blocks freed by a still-open delta cannot be reused before that
// delta's data has been durably rolled up.
type Allocator struct {
	mu sync.Mutex

	Map  *buffer.Map
	Pool *buffer.Pool

	bits       uint // log2 of the block size, shared with the device
	volBlocks  buffer.Block
	freeBlocks uint64
	nextAlloc  buffer.Block

	deferred map[uint64][]extent.Extent
}

// NewAllocator creates an allocator over an already-zeroed bitmap map
// spanning volBlocks blocks, pre-marking the reserved region allocated
// (mkfs-time bootstrap; spec.md §6).
func NewAllocator(m *buffer.Map, pool *buffer.Pool, bits uint, volBlocks buffer.Block) (*Allocator, error) {
	a := &Allocator{
		Map:        m,
		Pool:       pool,
		bits:       bits,
		volBlocks:  volBlocks,
		freeBlocks: uint64(volBlocks),
		deferred:   make(map[uint64][]extent.Extent),
	}
	reserved := buffer.Block(reservedMinBits >> bits)
	if reserved < 1 {
		reserved = 1
	}
	if reserved > volBlocks {
		reserved = volBlocks
	}
	for i := buffer.Block(0); i < reserved; i++ {
		found, err := a.fromRangeLocked(0, i, 1)
		if err != nil {
			return nil, err
		}
		if found != i {
			log.Error("bitmap bootstrap found unexpected bit", "want", i, "got", found)
		}
	}
	a.nextAlloc = reserved
	return a, nil
}

// bitsPerBlock is log2 of the number of bitmap bits one buffer holds
// (8 bits per byte of block data, so bits+3).
func (a *Allocator) bitsPerBlock() uint { return a.bits + 3 }

func (a *Allocator) blockMask() buffer.Block { return (1 << a.bitsPerBlock()) - 1 }
