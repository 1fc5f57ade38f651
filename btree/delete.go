package btree

import (
	"time"

	"github.com/deltavfs/engine/buffer"
)

// DeleteInfo drives an interruptible partial deletion of a key range
// (spec.md §3 "Delete state", §4.2 Chop). Resume must be initialized to
// the start of the range for a fresh delete; after a suspended call it
// holds the key a following call should continue from.
type DeleteInfo struct {
	Victim uint64 // tag of the snapshot/version being deleted; opaque to the engine
	NewTag uint64 // tag new writes should be attributed to; opaque to the engine
	Budget int64  // max freed units this call may perform; <0 is unlimited
	Resume uint64 // next key to process; caller seeds with range start
	Create bool   // reserved for leaf-operator use (e.g. snapshot create-on-write)
}

// DeletePartial deletes keys in [info.Resume, to) from the tree, merging
// emptied leaves and nodes with their left sibling, maintaining pivots, and
// dropping index levels that shrink to a single child (spec.md §4.2
// delete_tree_partial). It stops and returns suspended=true, with
// info.Resume updated, once budget is exhausted or deadline has passed;
// calling it again resumes from there. A single call over a tree that
// never needs to stop completes the whole range.
func DeletePartial(t *Tree, delta uint64, info *DeleteInfo, to uint64, deadline time.Time, hasDeadline bool) (bool, error) {
	path, err := Probe(t, info.Resume)
	if err != nil {
		return false, err
	}

	if t.Depth == 0 {
		return deleteSingleLeaf(t, delta, path, info, to)
	}

	levels := t.Depth
	level := levels - 1
	prev := make(Path, levels)
	var leafPrev *buffer.Buffer
	var freed int64
	suspend := 0

	release := func() {
		if leafPrev != nil {
			t.Pool.Put(leafPrev)
		}
		prev.Release(t.Pool)
	}

	leafBuf := path.Leaf()
	for {
		n, err := chopLeaf(t, delta, &leafBuf, info.Resume, to)
		if err != nil {
			release()
			return false, err
		}
		freed += int64(n)

		if leafPrev != nil {
			if t.Ops.Used(leafBuf.Data()) <= t.Ops.Free(leafPrev.Data()) {
				t.Ops.Merge(leafPrev.Data(), leafBuf.Data())
				if err := removeIndex(t, delta, path, level); err != nil {
					release()
					return false, err
				}
				freeLeaf(t, leafBuf)
				goto afterMerge
			}
			t.Pool.Put(leafPrev)
		}
		leafPrev = leafBuf
	afterMerge:

		if hasDeadline && time.Now().After(deadline) {
			suspend = -1
		}
		if info.Budget >= 0 && freed >= info.Budget {
			suspend = -1
		}

		for suspend != 0 || finishedLevel(path, level) {
			if prev[level].Buffer != nil {
				thisNode := path[level].Buffer.Data()
				thatNode := prev[level].Buffer.Data()
				if nodeCount(thisNode) <= t.Ops.EntriesPerNode()-nodeCount(thatNode) {
					prevBuf, err := t.Pool.SetDirty(prev[level].Buffer, delta)
					if err != nil {
						release()
						return false, err
					}
					prev[level].Buffer = prevBuf
					mergeNodes(prevBuf.Data(), thisNode)
					if err := removeIndex(t, delta, path, level-1); err != nil {
						release()
						return false, err
					}
					freeNode(t, path[level].Buffer)
					goto afterNodeMerge
				}
				t.Pool.Put(prev[level].Buffer)
			}
			prev[level].Buffer = path[level].Buffer
		afterNodeMerge:

			if suspend == -1 && !finishedLevel(path, level) {
				suspend = 1
				info.Resume = nodeEntry(path[level].Buffer.Data(), path[level].Next).key
			}

			if level == 0 {
				remaining := t.dropLevels(prev, levels)
				if leafPrev != nil {
					t.Pool.Put(leafPrev)
				}
				prev[:remaining].Release(t.Pool)
				return suspend == 1, nil
			}
			level--
		}

		for level < levels-1 {
			childBlk := nodeEntry(path[level].Buffer.Data(), path[level].Next).block
			path[level].Next++
			buf, err := t.Pool.Read(t.Map, childBlk)
			if err != nil {
				release()
				return false, err
			}
			level++
			path[level] = PathEntry{Buffer: buf, Next: 0}
		}

		nextLeafBlk := nodeEntry(path[level].Buffer.Data(), path[level].Next).block
		path[level].Next++
		buf, err := t.Pool.Read(t.Map, nextLeafBlk)
		if err != nil {
			release()
			return false, err
		}
		leafBuf = buf
	}
}

// deleteSingleLeaf handles a depth-0 tree (the root is itself a leaf): no
// index levels means no merging or suspension is possible, so the whole
// range is always deleted in one step.
func deleteSingleLeaf(t *Tree, delta uint64, path Path, info *DeleteInfo, to uint64) (bool, error) {
	leafBuf := path.Leaf()
	n, err := chopLeaf(t, delta, &leafBuf, info.Resume, to)
	if err != nil {
		t.Pool.Put(leafBuf)
		return false, err
	}
	_ = n
	t.Pool.Put(leafBuf)
	info.Resume = to
	return false, nil
}

func chopLeaf(t *Tree, delta uint64, leafBuf **buffer.Buffer, from, to uint64) (int, error) {
	buf, err := t.Pool.SetDirty(*leafBuf, delta)
	if err != nil {
		return 0, err
	}
	*leafBuf = buf
	n, _ := t.Ops.Chop(buf.Data(), from, to)
	return n, nil
}

func freeLeaf(t *Tree, buf *buffer.Buffer) {
	blk := buf.Index
	t.Pool.PutFree(buf)
	t.Alloc.FreeBlock(blk)
}

func freeNode(t *Tree, buf *buffer.Buffer) {
	blk := buf.Index
	t.Pool.PutFree(buf)
	t.Alloc.FreeBlock(blk)
}

func finishedLevel(path Path, level int) bool {
	return path[level].Next == nodeCount(path[level].Buffer.Data())
}

func mergeNodes(dst, src []byte) {
	dstCount := nodeCount(dst)
	srcCount := nodeCount(src)
	for i := 0; i < srcCount; i++ {
		setNodeEntry(dst, dstCount+i, nodeEntry(src, i))
	}
	setNodeCount(dst, dstCount+srcCount)
}

// removeIndex deletes the child pointer at path[level].Next-1 and, if that
// was the first entry of the node, climbs to the nearest ancestor that is
// not itself at entry 0 and overwrites its pivot with the deleted key
// (spec.md §4.2 "Pivot maintenance").
func removeIndex(t *Tree, delta uint64, path Path, level int) error {
	buf, err := t.Pool.SetDirty(path[level].Buffer, delta)
	if err != nil {
		return err
	}
	path[level].Buffer = buf
	node := buf.Data()
	at := path[level].Next - 1
	removeChildAt(node, at)
	path[level].Next--

	if path[level].Next == nodeCount(node) {
		return nil
	}
	if path[level].Next != 0 || level == 0 {
		return nil
	}
	deletedKey := nodeEntry(node, 0).key
	i := level - 1
	for path[i].Next == 1 {
		if i == 0 {
			return nil
		}
		i--
	}
	ancBuf, err := t.Pool.SetDirty(path[i].Buffer, delta)
	if err != nil {
		return err
	}
	path[i].Buffer = ancBuf
	anc := ancBuf.Data()
	e := nodeEntry(anc, path[i].Next-1)
	e.key = deletedKey
	setNodeEntry(anc, path[i].Next-1, e)
	return nil
}

// dropLevels shrinks the tree while its root index node has a single
// child, promoting that child to be the new root (spec.md §4.2: "When the
// root index shrinks to a single child, drop a level").
func (t *Tree) dropLevels(prev Path, levels int) int {
	for levels > 0 && nodeCount(prev[0].Buffer.Data()) == 1 {
		newRoot := nodeEntry(prev[0].Buffer.Data(), 0).block
		freeNode(t, prev[0].Buffer)
		t.Root = newRoot
		levels--
		t.Depth = levels
		copy(prev, prev[1:])
	}
	return levels
}
