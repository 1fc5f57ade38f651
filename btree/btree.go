// Package btree implements the generic copy-on-write B+ tree engine
// shared by the data-extent mapper and the inode table: probe, split-driven
// expand, partial delete with node merging, and a leaf walker, generic over
// a pluggable leaf-operator vtable (spec.md §4.2).
package btree

import (
	"encoding/binary"
	"errors"

	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/xlog"
)

var log = xlog.New("component", "btree")

// ErrCorrupt is returned when a leaf fails its operator's Sniff check after
// a probe; fatal per spec.md §7 ("caller must remount").
var ErrCorrupt = errors.New("btree: leaf failed sniff")

// LeafOps is the per-tree vtable a consumer supplies to encapsulate leaf
// format and capacity policy. The engine calls only through this
// interface; it never inspects leaf bytes itself (spec.md §4.2).
type LeafOps interface {
	// Sniff confirms leaf is a leaf of this kind (magic + header).
	Sniff(leaf []byte) bool
	// Init formats an empty leaf.
	Init(leaf []byte)
	// Split moves the upper half of src into empty dst, returning the
	// smallest key now in dst. fudge biases the split for anticipated
	// expansion at a known key.
	Split(src, dst []byte, fudge int) (pivot uint64)
	// Expand reserves size bytes inside leaf for an entry at key, returning
	// a writable slot, or ok=false if the leaf cannot fit it.
	Expand(leaf []byte, key uint64, size int) (slot []byte, ok bool)
	// Lookup locates the entry for key, reporting how many items it spans
	// (e.g. an extent run length); count == 0 means absent.
	Lookup(leaf []byte, key uint64) (slot []byte, count int)
	// Chop deletes keys in [from, to), returning how many underlying units
	// were freed and whether the leaf became empty.
	Chop(leaf []byte, from, to uint64) (freed int, emptied bool)
	// Free reports the number of bytes still available in leaf.
	Free(leaf []byte) int
	// Used reports the number of bytes already occupied in leaf.
	Used(leaf []byte) int
	// Merge appends src's entries onto dst (dst has already been checked
	// to have enough Free space).
	Merge(dst, src []byte)
	// EntriesPerNode bounds how many entries an index node may hold before
	// it must split; shared by every tree (mirrors sb->alloc_per_node).
	EntriesPerNode() int
}

// BlockAllocator supplies fresh blocks for new leaves and index nodes. The
// engine's alloc package satisfies this without btree importing alloc
// internals.
type BlockAllocator interface {
	AllocBlock() (buffer.Block, error)
	FreeBlock(b buffer.Block)
}

// Tree is a generic B+ tree rooted at Root, with Depth index-node levels
// above the leaf level (Depth == 0 means the root is itself a leaf).
type Tree struct {
	Map   *buffer.Map
	Pool  *buffer.Pool
	Ops   LeafOps
	Alloc BlockAllocator

	Root  buffer.Block
	Depth int
}

// New creates a tree with a single, empty leaf as its root (spec.md §4.2's
// "a freshly-rooted tree of depth 0").
func New(m *buffer.Map, pool *buffer.Pool, ops LeafOps, alloc BlockAllocator, delta uint64) (*Tree, error) {
	blk, err := alloc.AllocBlock()
	if err != nil {
		return nil, err
	}
	buf, err := pool.Get(m, blk)
	if err != nil {
		return nil, err
	}
	ops.Init(buf.Data())
	dirtyBuf, err := pool.SetDirty(buf, delta)
	if err != nil {
		pool.Put(buf)
		return nil, err
	}
	pool.Put(dirtyBuf)
	return &Tree{Map: m, Pool: pool, Ops: ops, Alloc: alloc, Root: blk, Depth: 0}, nil
}

// PathEntry is one pinned level of a root-to-leaf walk: Buffer is the node
// (or leaf, at the last entry) and Next is the index of the child pointer
// that would be taken on advance — the "next-pointer path" (spec.md §3, §9).
type PathEntry struct {
	Buffer *buffer.Buffer
	Next   int
}

// Path is a root-to-leaf pin chain of length Depth+1; entry Depth is the
// leaf and its Next field is unused.
type Path []PathEntry

// Leaf returns the pinned leaf buffer at the end of the path.
func (p Path) Leaf() *buffer.Buffer { return p[len(p)-1].Buffer }

// Release puts every pin held by the path.
func (p Path) Release(pool *buffer.Pool) {
	for _, e := range p {
		if e.Buffer != nil {
			pool.Put(e.Buffer)
		}
	}
}

// index node (bnode) binary layout: an 8-byte header (4-byte count, 4
// unused bytes) followed by count entries of {key uint64, block int64}. Entry 0's key is never
// read — keys lie strictly between children.
const (
	nodeHeaderSize = 8
	entrySize      = 16
)

type indexEntry struct {
	key   uint64
	block buffer.Block
}

func nodeCount(b []byte) int {
	return int(binary.LittleEndian.Uint32(b[0:4]))
}

func setNodeCount(b []byte, n int) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(n))
}

func nodeEntry(b []byte, i int) indexEntry {
	off := nodeHeaderSize + i*entrySize
	return indexEntry{
		key:   binary.LittleEndian.Uint64(b[off : off+8]),
		block: buffer.Block(binary.LittleEndian.Uint64(b[off+8 : off+16])),
	}
}

func setNodeEntry(b []byte, i int, e indexEntry) {
	off := nodeHeaderSize + i*entrySize
	binary.LittleEndian.PutUint64(b[off:off+8], e.key)
	binary.LittleEndian.PutUint64(b[off+8:off+16], uint64(e.block))
}

func initNode(b []byte) {
	setNodeCount(b, 0)
}

// insertChild shifts entries at and after `at` one slot to the right and
// writes a new entry at `at` (spec.md §4.2's insert_child).
func insertChild(node []byte, at int, block buffer.Block, key uint64) {
	count := nodeCount(node)
	for i := count; i > at; i-- {
		setNodeEntry(node, i, nodeEntry(node, i-1))
	}
	setNodeEntry(node, at, indexEntry{key: key, block: block})
	setNodeCount(node, count+1)
}

// removeChildAt deletes the entry at index `at`, shifting later entries
// left by one.
func removeChildAt(node []byte, at int) {
	count := nodeCount(node)
	for i := at; i < count-1; i++ {
		setNodeEntry(node, i, nodeEntry(node, i+1))
	}
	setNodeCount(node, count-1)
}
