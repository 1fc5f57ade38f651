// Package extent maps an inode's logical blocks onto physical device
// blocks through a generic btree.Tree, and plans contiguous read/write I/O
// across runs of neighbouring buffers (spec.md §4.3, ported from
// original_source/user/filemap.c and user/test/filemap.c).
package extent

import (
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/xlog"
)

var log = xlog.New("component", "extent")

// HoleBlock marks a synthetic, unallocated run in a Plan (spec.md §4.3's
// "extent(-1, gap)").
const HoleBlock buffer.Block = -1

// Extent is a run of Count contiguous physical blocks starting at Block, or
// a hole when Block == HoleBlock. It is the unit both the allocator hands
// out and the leaf format stores.
type Extent struct {
	Block buffer.Block
	Count int
}

// IsHole reports whether e represents unallocated space rather than real
// device blocks.
func (e Extent) IsHole() bool { return e.Block == HoleBlock }

// Allocator is the narrow slice of alloc.Allocator the planner needs,
// declared here (rather than imported) so extent never depends on alloc —
// alloc depends on extent for the Extent type instead, avoiding a cycle.
type Allocator interface {
	Extent(delta uint64, count int) (Extent, error)
}

// Segment is one piece of a planned I/O: Logical is the starting logical
// block index, and Run is the physical extent (or hole) covering it.
type Segment struct {
	Logical uint64
	Run     Extent
}

// Plan is an ordered, gapless, non-overlapping cover of a logical block
// range built by Planner.ReadPlan or WritePlan (spec.md §8 invariant 9).
type Plan struct {
	Start, Limit uint64
	Segments     []Segment
}
