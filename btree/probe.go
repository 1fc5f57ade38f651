package btree

import (
	"fmt"
	"sort"

	"github.com/deltavfs/engine/buffer"
)

// Probe walks from the root to the leaf that would hold target, binary
// searching each index node for the first entry whose key exceeds target
// and descending to the prior child (spec.md §4.2). The returned path pins
// one buffer per level; callers must Release it.
func Probe(t *Tree, target uint64) (Path, error) {
	path := make(Path, t.Depth+1)
	blk := t.Root
	for level := 0; level < t.Depth; level++ {
		buf, err := t.Pool.Read(t.Map, blk)
		if err != nil {
			path[:level].Release(t.Pool)
			return nil, fmt.Errorf("btree: probe read index node: %w", err)
		}
		data := buf.Data()
		count := nodeCount(data)
		next := nextChildIndex(data, count, target)
		path[level] = PathEntry{Buffer: buf, Next: next}
		blk = nodeEntry(data, next-1).block
	}

	leafBuf, err := t.Pool.Read(t.Map, blk)
	if err != nil {
		path[:t.Depth].Release(t.Pool)
		return nil, fmt.Errorf("btree: probe read leaf: %w", err)
	}
	if !t.Ops.Sniff(leafBuf.Data()) {
		t.Pool.Put(leafBuf)
		path[:t.Depth].Release(t.Pool)
		log.Error("leaf failed sniff", "block", blk)
		return nil, ErrCorrupt
	}
	path[t.Depth] = PathEntry{Buffer: leafBuf}
	return path, nil
}

// nextChildIndex returns the first index i in [1,count) with
// entries[i].key > target, or count if none does (spec.md §4.2 probe).
func nextChildIndex(node []byte, count int, target uint64) int {
	if count <= 1 {
		return count
	}
	return sort.Search(count-1, func(i int) bool {
		return nodeEntry(node, i+1).key > target
	}) + 1
}

// descendBlock returns the child block a path's entry at level currently
// points at: entry next-1, the child most recently descended into.
func descendBlock(node []byte, next int) buffer.Block {
	return nodeEntry(node, next-1).block
}
