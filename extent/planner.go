package extent

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/deltavfs/engine/btree"
	"github.com/deltavfs/engine/buffer"
)

// maxExtentWindow bounds how far a single read's readahead or a single
// write's gap-fill will widen a request (spec.md's MAX_EXTENT).
const maxExtentWindow = 128

// Planner builds read and write I/O plans over one inode's data-extent
// tree, widening a single-block request into the largest contiguous run it
// safely can (spec.md §4.3, ported from user/test/filemap.c).
type Planner struct {
	Tree  *btree.Tree
	Pool  *buffer.Pool
	Map   *buffer.Map
	Alloc Allocator
}

// NewPlanner builds a Planner over tree, reading cache-presence hints from
// pool/m for readahead and allocating gaps for writes through alloc.
func NewPlanner(tree *btree.Tree, pool *buffer.Pool, m *buffer.Map, alloc Allocator) *Planner {
	return &Planner{Tree: tree, Pool: pool, Map: m, Alloc: alloc}
}

// ReadPlan builds a gapless, non-overlapping cover of the window around
// target, widened in both directions while the cache doesn't already hold
// the neighbour (pure readahead benefit) and clipped to fileBlocks
// (ported from filemap_extent_read's window-growing loop).
func (p *Planner) ReadPlan(target, fileBlocks uint64) (Plan, error) {
	if target >= fileBlocks {
		return Plan{Start: target, Limit: target}, nil
	}
	start, limit := target, target+1
	for limit-start < maxExtentWindow && limit < fileBlocks {
		if p.Pool.Peek(p.Map, buffer.Block(limit)) != nil {
			break
		}
		limit++
	}
	for limit-start < maxExtentWindow && start > 0 {
		if p.Pool.Peek(p.Map, buffer.Block(start-1)) != nil {
			break
		}
		start--
	}
	return p.planRange(start, limit)
}

// WritePlan ensures every logical block in [target, target+count) is
// mapped to a physical extent, allocating and recording runs for any gaps,
// then returns the resulting cover (ported from filemap_block_write's
// generate-extent/gap-fill/pack sequence; this module's Expand-based leaf
// format lets each gap be mapped directly rather than needing the
// original's dwalk mock-then-pack dry run).
func (p *Planner) WritePlan(delta uint64, target, count uint64) (Plan, error) {
	limit := target + count
	index := target
	for index < limit {
		mapped, err := p.isMapped(index)
		if err != nil {
			return Plan{}, err
		}
		if mapped {
			index++
			continue
		}

		gapLimit := index + 1
		for gapLimit < limit && gapLimit-index < maxExtentWindow {
			mapped, err := p.isMapped(gapLimit)
			if err != nil {
				return Plan{}, err
			}
			if mapped {
				break
			}
			gapLimit++
		}

		run, err := p.Alloc.Extent(delta, int(gapLimit-index))
		if err != nil {
			return Plan{}, err
		}
		if err := p.mapRun(delta, index, run); err != nil {
			return Plan{}, err
		}
		// Alloc.Extent may hand back fewer blocks than requested on a
		// fragmented volume; only advance past what it actually mapped so
		// the remainder of the gap is retried on the next loop iteration
		// instead of being silently left unmapped.
		index += uint64(run.Count)
	}
	return p.planRange(target, limit)
}

func (p *Planner) isMapped(key uint64) (bool, error) {
	path, err := btree.Probe(p.Tree, key)
	if err != nil {
		return false, err
	}
	_, count := p.Tree.Ops.Lookup(path.Leaf().Data(), key)
	path.Release(p.Pool)
	return count != 0, nil
}

// mapRun records a freshly-allocated physical run in the tree one logical
// block at a time via btree.Expand, relying on LeafOps.Expand's adjacency
// check to coalesce the insertions back into a single run entry.
func (p *Planner) mapRun(delta uint64, start uint64, run Extent) error {
	for i := 0; i < run.Count; i++ {
		key := start + uint64(i)
		path, err := btree.Probe(p.Tree, key)
		if err != nil {
			return err
		}
		slot, leaf, err := btree.Expand(p.Tree, path, delta, key, entrySize)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(slot, uint64(run.Block+buffer.Block(i)))
		p.Pool.Put(leaf)
	}
	return nil
}

// planRange reads back the tree's current mapping over [start, limit),
// coalescing consecutive same-kind segments (real or hole) into runs
// (spec.md §8 invariant 9: totality, no overlap, minimal hole runs).
func (p *Planner) planRange(start, limit uint64) (Plan, error) {
	plan := Plan{Start: start, Limit: limit}
	index := start
	for index < limit {
		path, err := btree.Probe(p.Tree, index)
		if err != nil {
			return Plan{}, fmt.Errorf("extent: plan probe: %w", err)
		}
		slot, count := p.Tree.Ops.Lookup(path.Leaf().Data(), index)
		path.Release(p.Pool)

		var run Extent
		var span uint64
		if count == 0 {
			run, span = Extent{Block: HoleBlock, Count: 1}, 1
		} else {
			n := uint64(count)
			if index+n > limit {
				n = limit - index
			}
			physical := buffer.Block(binary.LittleEndian.Uint64(slot))
			run, span = Extent{Block: physical, Count: int(n)}, n
		}

		if len(plan.Segments) > 0 {
			last := &plan.Segments[len(plan.Segments)-1]
			contiguous := run.IsHole() == last.Run.IsHole() &&
				last.Logical+uint64(last.Run.Count) == index &&
				(run.IsHole() || last.Run.Block+buffer.Block(last.Run.Count) == run.Block)
			if contiguous {
				last.Run.Count += run.Count
				index += span
				continue
			}
		}
		plan.Segments = append(plan.Segments, Segment{Logical: index, Run: run})
		index += span
	}
	return plan, nil
}

// Truncate drops every mapping at or beyond newSize blocks. free is called
// once per physical run that becomes unreferenced, so the caller (the
// inode layer, on behalf of delta.Coordinator) can queue it on the
// allocator's deferred-free list rather than this module reaching into
// rollup timing itself (spec.md §4.3 Truncate).
func (p *Planner) Truncate(delta uint64, newSize uint64, free func(block buffer.Block, count int)) error {
	if err := p.collectFreed(newSize, free); err != nil {
		return err
	}
	info := &btree.DeleteInfo{Resume: newSize}
	for {
		suspended, err := btree.DeletePartial(p.Tree, delta, info, math.MaxUint64, time.Time{}, false)
		if err != nil {
			return err
		}
		if !suspended {
			break
		}
	}
	return nil
}

// collectFreed walks every leaf reporting the portion of each run at or
// beyond newSize, since Chop itself only reports a freed block count, not
// which physical blocks were involved.
func (p *Planner) collectFreed(newSize uint64, free func(buffer.Block, int)) error {
	return btree.Walk(p.Tree, func(leaf []byte) error {
		n := entryCount(leaf)
		for i := 0; i < n; i++ {
			idx, blk, cnt := entryAt(leaf, i)
			end := idx + uint64(cnt)
			if end <= newSize {
				continue
			}
			start := idx
			if start < newSize {
				start = newSize
			}
			free(blk+buffer.Block(start-idx), int(end-start))
		}
		return nil
	})
}
