package inode

import (
	"fmt"

	"github.com/deltavfs/engine/alloc"
	"github.com/deltavfs/engine/btree"
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/device"
	"github.com/deltavfs/engine/extent"
)

// Inode is a live, open file: its table record plus its own data-extent
// tree, logical address-space Map and Planner (spec.md §4.5, ported from
// inode.c's struct inode + its mapping). A tree's index and leaf nodes are
// always raw, physical-block addressed, whether they belong to the shared
// inode table or to one inode's own data-extent tree — structMap serves
// all of them volume-wide. Only the logical, per-inode view of a file's
// content blocks goes through dataMap's extent.Mapper translation; dataMap
// is never the data tree's own Map.
type Inode struct {
	Table  *Table
	Record Record

	pool    *buffer.Pool
	dev     device.Device
	bits    uint
	blkSize uint64
	alloc   *alloc.Allocator

	dataTree *btree.Tree
	dataMap  *buffer.Map
	planner  *extent.Planner
}

// Inum satisfies buffer.InodeRef so dataMap can carry a back-reference to
// its owning inode without the buffer package importing this one.
func (in *Inode) Inum() uint64 { return in.Record.Inum }

// New creates a fresh inode via table, gives its data tree an initial
// empty root leaf (spec.md §4.2's "freshly-rooted tree of depth 0", since
// this inode's data tree is built by hand rather than via btree.New so it
// can share wire's Map/Planner setup), and persists the result.
func New(table *Table, pool *buffer.Pool, dev device.Device, bits uint, a *alloc.Allocator, structMap *buffer.Map, entriesPerNode int, delta uint64) (*Inode, error) {
	rec, err := table.Create(delta)
	if err != nil {
		return nil, err
	}
	in := wire(table, *rec, pool, dev, bits, a, structMap, entriesPerNode)
	in.bindDelta(delta)
	if err := in.initEmptyTree(delta); err != nil {
		return nil, err
	}
	if err := in.Sync(delta); err != nil {
		return nil, err
	}
	return in, nil
}

// initEmptyTree allocates and formats the data tree's first leaf,
// replicating btree.New's body on an already-wired Tree/Map pair.
func (in *Inode) initEmptyTree(delta uint64) error {
	blk, err := in.dataTree.Alloc.AllocBlock()
	if err != nil {
		return fmt.Errorf("inode: alloc root leaf: %w", err)
	}
	buf, err := in.pool.Get(in.dataTree.Map, blk)
	if err != nil {
		return err
	}
	in.dataTree.Ops.Init(buf.Data())
	dirty, err := in.pool.SetDirty(buf, delta)
	if err != nil {
		in.pool.Put(buf)
		return err
	}
	in.pool.Put(dirty)
	in.dataTree.Root = blk
	in.dataTree.Depth = 0
	return nil
}

// Open loads inum's record and wires it up, or returns nil, nil if no such
// inode exists.
func Open(table *Table, inum uint64, pool *buffer.Pool, dev device.Device, bits uint, a *alloc.Allocator, structMap *buffer.Map, entriesPerNode int) (*Inode, error) {
	rec, err := table.Load(inum)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return wire(table, *rec, pool, dev, bits, a, structMap, entriesPerNode), nil
}

// wire builds the live Inode around an already-loaded record. structMap is
// the volume-wide raw map every tree's index/leaf nodes are read and
// written through; dataMap is this inode's own logical file-content map,
// built fresh here since it is per-inode.
func wire(table *Table, rec Record, pool *buffer.Pool, dev device.Device, bits uint, a *alloc.Allocator, structMap *buffer.Map, entriesPerNode int) *Inode {
	in := &Inode{
		Table:   table,
		Record:  rec,
		pool:    pool,
		dev:     dev,
		bits:    bits,
		blkSize: uint64(1) << bits,
		alloc:   a,
	}
	ops := extent.NewLeafOps(entriesPerNode)
	in.dataTree = &btree.Tree{Map: structMap, Pool: pool, Ops: ops, Root: buffer.Block(rec.BtreeRoot), Depth: int(rec.BtreeDepth)}
	mapper := &extent.Mapper{Tree: in.dataTree, Device: dev, Bits: bits}
	in.dataMap = pool.NewMap(dev, mapper)
	in.dataMap.Inode = in
	in.planner = extent.NewPlanner(in.dataTree, pool, in.dataMap, a)
	return in
}

func (in *Inode) bindDelta(delta uint64) {
	in.dataTree.Alloc = alloc.StructuralAllocator{A: in.alloc, Delta: delta}
}

// persistTree copies the data tree's current root/depth back into the
// cached record; callers still must call Sync to write it to the table.
func (in *Inode) persistTree() {
	in.Record.BtreeRoot = int64(in.dataTree.Root)
	in.Record.BtreeDepth = uint32(in.dataTree.Depth)
}

// Sync writes the inode's current record (size, data-tree root/depth) back
// to the shared table (ported from save_inode's iroot write-back).
func (in *Inode) Sync(delta uint64) error {
	in.persistTree()
	return in.Table.Save(&in.Record, delta)
}

// ReadAt reads len(p) bytes starting at byte offset off, short of EOF, one
// logical block at a time (ported from tuxio's read path).
func (in *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("inode: negative offset")
	}
	pos := uint64(off)
	if pos >= in.Record.Size {
		return 0, nil
	}
	tail := uint64(len(p))
	if pos+tail > in.Record.Size {
		tail = in.Record.Size - pos
	}
	n := 0
	for tail > 0 {
		blockIdx := buffer.Block(pos >> in.bits)
		from := pos & (in.blkSize - 1)
		some := in.blkSize - from
		if some > tail {
			some = tail
		}
		buf, err := in.pool.Read(in.dataMap, blockIdx)
		if err != nil {
			return n, fmt.Errorf("inode: read block %d: %w", blockIdx, err)
		}
		copy(p[n:n+int(some)], buf.Data()[from:from+some])
		in.pool.Put(buf)
		tail -= some
		pos += some
		n += int(some)
	}
	return n, nil
}

// WriteAt writes len(p) bytes starting at byte offset off, mapping any
// logical holes in the range through the planner before transferring bytes
// (ported from tuxio's write path: full-block writes skip the read-before-
// write that blockget/blockread's distinction exists for).
func (in *Inode) WriteAt(p []byte, off int64, delta uint64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("inode: negative offset")
	}
	in.bindDelta(delta)
	pos := uint64(off)
	tail := uint64(len(p))
	startBlock := pos >> in.bits
	endBlock := (pos + tail + in.blkSize - 1) >> in.bits
	if tail > 0 {
		if _, err := in.planner.WritePlan(delta, startBlock, endBlock-startBlock); err != nil {
			return 0, fmt.Errorf("inode: write plan: %w", err)
		}
	}

	n := 0
	for tail > 0 {
		blockIdx := buffer.Block(pos >> in.bits)
		from := pos & (in.blkSize - 1)
		some := in.blkSize - from
		if some > tail {
			some = tail
		}
		full := some == in.blkSize
		var buf *buffer.Buffer
		var err error
		if full {
			buf, err = in.pool.Get(in.dataMap, blockIdx)
		} else {
			buf, err = in.pool.Read(in.dataMap, blockIdx)
		}
		if err != nil {
			return n, fmt.Errorf("inode: write block %d: %w", blockIdx, err)
		}
		dirty, err := in.pool.SetDirty(buf, delta)
		if err != nil {
			in.pool.Put(buf)
			return n, fmt.Errorf("inode: mark dirty block %d: %w", blockIdx, err)
		}
		copy(dirty.Data()[from:from+some], p[n:n+int(some)])
		in.pool.Put(dirty)
		tail -= some
		pos += some
		n += int(some)
	}
	if pos > in.Record.Size {
		in.Record.Size = pos
	}
	return n, nil
}

// Truncate drops every block at or beyond newSize, deferring each freed
// physical run to the allocator's per-delta queue, and updates the cached
// size (spec.md §4.5; ported from the kernel-side truncate path's use of
// the same map/tree this module's ReadAt/WriteAt share).
func (in *Inode) Truncate(newSize uint64, delta uint64) error {
	in.bindDelta(delta)
	err := in.planner.Truncate(delta, newSize>>in.bits, func(block buffer.Block, count int) {
		in.alloc.Free(delta, extent.Extent{Block: block, Count: count})
	})
	if err != nil {
		return fmt.Errorf("inode: truncate: %w", err)
	}
	in.Record.Size = newSize
	return nil
}

// Free truncates the inode to zero length and purges its table record
// (spec.md §4.5 Inode.Free; ported from free_inode).
func (in *Inode) Free(delta uint64) error {
	if err := in.Truncate(0, delta); err != nil {
		return err
	}
	return in.Table.Purge(in.Record.Inum, delta)
}

// Size returns the inode's cached byte length.
func (in *Inode) Size() uint64 { return in.Record.Size }
