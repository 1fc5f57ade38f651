package btree

import (
	"fmt"

	"github.com/deltavfs/engine/buffer"
)

// Walk visits every leaf of the tree in key order, calling fn with each
// leaf's raw bytes. fn must not retain the slice past its call. Walk stops
// and returns fn's error if it returns one (spec.md §4.2 "Walk").
func Walk(t *Tree, fn func(leaf []byte) error) error {
	path, err := Probe(t, 0)
	if err != nil {
		return err
	}
	defer path.Release(t.Pool)

	if t.Depth == 0 {
		return fn(path.Leaf().Data())
	}

	levels := t.Depth
	level := levels - 1
	leafBuf := path.Leaf()
	for {
		if err := fn(leafBuf.Data()); err != nil {
			return err
		}

		for level >= 0 && finishedLevel(path, level) {
			level--
		}
		if level < 0 {
			return nil
		}

		for level < levels-1 {
			childBlk := nodeEntry(path[level].Buffer.Data(), path[level].Next).block
			path[level].Next++
			buf, err := t.Pool.Read(t.Map, childBlk)
			if err != nil {
				return err
			}
			level++
			path[level] = PathEntry{Buffer: buf, Next: 0}
		}

		nextBlk := nodeEntry(path[level].Buffer.Data(), path[level].Next).block
		path[level].Next++
		buf, err := t.Pool.Read(t.Map, nextBlk)
		if err != nil {
			return err
		}
		leafBuf = buf
	}
}

// DumpRange is a read-only recursive dumper over index nodes and leaves,
// useful only for diagnostics and tests (ported from
// original_source/user/test/btree.c's show_tree_range); it never runs on a
// hot path.
func DumpRange(t *Tree, w func(format string, args ...any)) error {
	return dumpNode(t, t.Root, t.Depth, 0, w)
}

// dumpNode walks one level of the index tree, printing each child's block
// number and recursing; leaves are reported via Ops.Used/Free so a reader
// can see capacity pressure without decoding the leaf format.
func dumpNode(t *Tree, blk buffer.Block, depth, indent int, w func(string, ...any)) error {
	buf, err := t.Pool.Read(t.Map, blk)
	if err != nil {
		return fmt.Errorf("btree: dump read: %w", err)
	}
	defer t.Pool.Put(buf)

	if depth == 0 {
		if !t.Ops.Sniff(buf.Data()) {
			return ErrCorrupt
		}
		w("%*sleaf block=%d used=%d free=%d", indent, "", blk, t.Ops.Used(buf.Data()), t.Ops.Free(buf.Data()))
		return nil
	}
	node := buf.Data()
	count := nodeCount(node)
	w("%*snode block=%d count=%d", indent, "", blk, count)
	for i := 0; i < count; i++ {
		e := nodeEntry(node, i)
		if err := dumpNode(t, e.block, depth-1, indent+2, w); err != nil {
			return err
		}
	}
	return nil
}
