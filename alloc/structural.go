package alloc

import (
	"github.com/deltavfs/engine/btree"
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/extent"
)

// StructuralAllocator adapts Allocator to btree.BlockAllocator for a
// tree's own index and leaf nodes. btree.BlockAllocator carries no delta
// parameter of its own — a tree's structural layout isn't fork-tracked the
// way file data is, only the buffer written through it is (via the
// explicit pool.SetDirty calls Expand/DeletePartial already make) — so
// callers attach a StructuralAllocator bound to whichever delta is current
// just before driving a tree mutation: `tree.Alloc =
// alloc.StructuralAllocator{A: a, Delta: delta}`.
type StructuralAllocator struct {
	A     *Allocator
	Delta uint64
}

var _ btree.BlockAllocator = StructuralAllocator{}

func (s StructuralAllocator) AllocBlock() (buffer.Block, error) {
	ext, err := s.A.Extent(s.Delta, 1)
	if err != nil {
		return buffer.NoBlock, err
	}
	return ext.Block, nil
}

func (s StructuralAllocator) FreeBlock(b buffer.Block) {
	s.A.Free(s.Delta, extent.Extent{Block: b, Count: 1})
}
