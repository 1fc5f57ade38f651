package btree

import (
	"fmt"

	"github.com/deltavfs/engine/buffer"
)

// Expand reserves size bytes for key in the tree, splitting leaves and
// index nodes (and growing the root) as needed (spec.md §4.2 tree_expand).
// path must come from a prior Probe and is fully consumed: every pin it
// held, and every pin Expand itself took along the way, is released before
// returning except for the final leaf holding the slot, which callers must
// Put once they are done writing through it.
func Expand(t *Tree, path Path, delta uint64, key uint64, size int) (slot []byte, leaf *buffer.Buffer, err error) {
	leafBuf, err := t.Pool.SetDirty(path[t.Depth].Buffer, delta)
	if err != nil {
		path[:t.Depth].Release(t.Pool)
		t.Pool.Put(path[t.Depth].Buffer)
		return nil, nil, err
	}

	if s, ok := t.Ops.Expand(leafBuf.Data(), key, size); ok {
		path[:t.Depth].Release(t.Pool)
		return s, leafBuf, nil
	}

	log.Debug("splitting leaf to expand", "key", key)
	childBlk, err := t.Alloc.AllocBlock()
	if err != nil {
		path[:t.Depth].Release(t.Pool)
		t.Pool.Put(leafBuf)
		return nil, nil, fmt.Errorf("btree: alloc leaf: %w", err)
	}
	childBuf, err := t.Pool.Get(t.Map, childBlk)
	if err != nil {
		path[:t.Depth].Release(t.Pool)
		t.Pool.Put(leafBuf)
		return nil, nil, err
	}
	t.Ops.Init(childBuf.Data())
	childBuf, err = t.Pool.SetDirty(childBuf, delta)
	if err != nil {
		path[:t.Depth].Release(t.Pool)
		t.Pool.Put(leafBuf)
		t.Pool.Put(childBuf)
		return nil, nil, err
	}

	childKey := t.Ops.Split(leafBuf.Data(), childBuf.Data(), 0)
	childBlock := childBlk

	targetBuf, otherBuf := leafBuf, childBuf
	if key >= childKey {
		targetBuf, otherBuf = childBuf, leafBuf
	}
	t.Pool.Put(otherBuf)

	s, ok := t.Ops.Expand(targetBuf.Data(), key, size)
	if !ok {
		path[:t.Depth].Release(t.Pool)
		t.Pool.Put(targetBuf)
		return nil, nil, fmt.Errorf("btree: %w: leaf still full after split", ErrCorrupt)
	}

	if err := insertUpward(t, path, delta, childBlock, childKey); err != nil {
		t.Pool.Put(targetBuf)
		return nil, nil, err
	}
	return s, targetBuf, nil
}

// insertUpward inserts (childBlock, childKey) into the parent chain,
// splitting a full index node and recursing upward; if the root itself
// overflows it allocates a new root with two children and grows Depth.
// It releases every path entry it consumes.
func insertUpward(t *Tree, path Path, delta uint64, childBlock buffer.Block, childKey uint64) error {
	for level := t.Depth - 1; level >= 0; level-- {
		parentBuf, err := t.Pool.SetDirty(path[level].Buffer, delta)
		if err != nil {
			path[:level].Release(t.Pool)
			t.Pool.Put(path[level].Buffer)
			return err
		}
		parent := parentBuf.Data()
		count := nodeCount(parent)
		maxEntries := t.Ops.EntriesPerNode()

		if count < maxEntries {
			insertChild(parent, path[level].Next, childBlock, childKey)
			t.Pool.Put(parentBuf)
			path[:level].Release(t.Pool)
			return nil
		}

		half := count / 2
		newKey := nodeEntry(parent, half).key
		newBlk, err := t.Alloc.AllocBlock()
		if err != nil {
			t.Pool.Put(parentBuf)
			path[:level].Release(t.Pool)
			return fmt.Errorf("btree: alloc index node: %w", err)
		}
		newBuf, err := t.Pool.Get(t.Map, newBlk)
		if err != nil {
			t.Pool.Put(parentBuf)
			path[:level].Release(t.Pool)
			return err
		}
		initNode(newBuf.Data())
		newBuf, err = t.Pool.SetDirty(newBuf, delta)
		if err != nil {
			t.Pool.Put(parentBuf)
			t.Pool.Put(newBuf)
			path[:level].Release(t.Pool)
			return err
		}
		newCount := count - half
		for i := 0; i < newCount; i++ {
			setNodeEntry(newBuf.Data(), i, nodeEntry(parent, half+i))
		}
		setNodeCount(newBuf.Data(), newCount)
		setNodeCount(parent, half)

		next := path[level].Next
		if next > half {
			insertChild(newBuf.Data(), next-half, childBlock, childKey)
		} else {
			insertChild(parent, next, childBlock, childKey)
		}
		t.Pool.Put(parentBuf)
		t.Pool.Put(newBuf)
		childKey = newKey
		childBlock = newBlk
	}

	log.Debug("growing btree root", "depth", t.Depth+1)
	newRootBlk, err := t.Alloc.AllocBlock()
	if err != nil {
		return fmt.Errorf("btree: alloc new root: %w", err)
	}
	rootBuf, err := t.Pool.Get(t.Map, newRootBlk)
	if err != nil {
		return err
	}
	initNode(rootBuf.Data())
	rootBuf, err = t.Pool.SetDirty(rootBuf, delta)
	if err != nil {
		t.Pool.Put(rootBuf)
		return err
	}
	setNodeCount(rootBuf.Data(), 2)
	setNodeEntry(rootBuf.Data(), 0, indexEntry{key: 0, block: t.Root})
	setNodeEntry(rootBuf.Data(), 1, indexEntry{key: childKey, block: childBlock})
	t.Pool.Put(rootBuf)

	t.Root = newRootBlk
	t.Depth++
	return nil
}
