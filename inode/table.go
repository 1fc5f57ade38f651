package inode

import (
	"fmt"
	"sync"
	"time"

	"github.com/deltavfs/engine/alloc"
	"github.com/deltavfs/engine/btree"
)

// Table is the volume's single shared inode table: a B+ tree keyed by
// inode number, holding one fixed-size Record per live inode (spec.md
// §4.5, grounded on inode.c's new_inode/free_inode and the iroot field
// load_sb/save_sb round-trip through the table's record).
type Table struct {
	Tree  *btree.Tree
	Alloc *alloc.Allocator

	mu       sync.Mutex
	nextInum uint64
}

// NewTable wraps tree as an inode table, handing out inode numbers
// starting at firstFreeInum (the volume's root/reserved inodes occupy the
// numbers below it). blockAlloc supplies fresh blocks for the table tree's
// own structural splits.
func NewTable(tree *btree.Tree, blockAlloc *alloc.Allocator, firstFreeInum uint64) *Table {
	return &Table{Tree: tree, Alloc: blockAlloc, nextInum: firstFreeInum}
}

func (t *Table) bindDelta(delta uint64) {
	t.Tree.Alloc = alloc.StructuralAllocator{A: t.Alloc, Delta: delta}
}

// Load returns inum's record, or nil if no such inode exists.
func (t *Table) Load(inum uint64) (*Record, error) {
	path, err := btree.Probe(t.Tree, inum)
	if err != nil {
		return nil, fmt.Errorf("inode: load probe: %w", err)
	}
	slot, count := t.Tree.Ops.Lookup(path.Leaf().Data(), inum)
	path.Release(t.Tree.Pool)
	if count == 0 {
		return nil, nil
	}
	return decodeRecord(inum, slot), nil
}

// Save writes rec back to the table, inserting it if it has no record yet.
func (t *Table) Save(rec *Record, delta uint64) error {
	t.bindDelta(delta)
	path, err := btree.Probe(t.Tree, rec.Inum)
	if err != nil {
		return fmt.Errorf("inode: save probe: %w", err)
	}
	slot, leaf, err := btree.Expand(t.Tree, path, delta, rec.Inum, payloadSize)
	if err != nil {
		return fmt.Errorf("inode: save expand: %w", err)
	}
	encodeRecord(slot, rec)
	t.Tree.Pool.Put(leaf)
	return nil
}

// Create allocates a fresh inode number, writes a new record for it (size
// 0, no data tree yet, one link) and returns it (spec.md §4.5 Inode.New; ported from new_inode's inum
// assignment, simplified to a monotonic counter since this module has no
// free-inode reuse list).
func (t *Table) Create(delta uint64) (*Record, error) {
	t.mu.Lock()
	inum := t.nextInum
	t.nextInum++
	t.mu.Unlock()

	rec := &Record{Inum: inum, BtreeRoot: -1, BtreeDepth: 0, Links: 1}
	if err := t.Save(rec, delta); err != nil {
		return nil, err
	}
	log.Debug("created inode", "inum", inum)
	return rec, nil
}

// Purge deletes inum's record entirely (spec.md §4.5 Inode.Free; ported
// from free_inode). The caller is responsible for first freeing the
// inode's own data blocks via its Planner.Truncate.
func (t *Table) Purge(inum uint64, delta uint64) error {
	t.bindDelta(delta)
	info := &btree.DeleteInfo{Resume: inum}
	for {
		suspended, err := btree.DeletePartial(t.Tree, delta, info, inum+1, time.Time{}, false)
		if err != nil {
			return fmt.Errorf("inode: purge: %w", err)
		}
		if !suspended {
			return nil
		}
	}
}
