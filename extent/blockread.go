package extent

import (
	"encoding/binary"
	"fmt"

	"github.com/deltavfs/engine/btree"
	"github.com/deltavfs/engine/buffer"
)

// Mapper is the per-inode glue between a data-extent btree.Tree and the raw
// device, implementing buffer.MapOps for the inode's logical address space
// (spec.md §4.3, ported from user/test/filemap.c's filemap_block_read /
// filemap_block_write).
type Mapper struct {
	Tree   *btree.Tree
	Device interface {
		ReadAt(p []byte, off int64) error
		WriteAt(p []byte, off int64) error
	}
	Bits uint // log2 of the device block size
}

// BlockRead satisfies buffer.MapOps: it probes the data tree for buf's
// logical index and either reads the mapped physical block or zero-fills
// an unmapped hole.
func (mp *Mapper) BlockRead(buf *buffer.Buffer) error {
	path, err := btree.Probe(mp.Tree, uint64(buf.Index))
	if err != nil {
		return fmt.Errorf("extent: block read probe: %w", err)
	}
	slot, count := mp.Tree.Ops.Lookup(path.Leaf().Data(), uint64(buf.Index))
	path.Release(mp.Tree.Pool)

	if count == 0 {
		log.Debug("unmapped block, zero-filling", "index", buf.Index)
		for i := range buf.Data() {
			buf.Data()[i] = 0
		}
		return nil
	}
	physical := buffer.Block(binary.LittleEndian.Uint64(slot))
	return mp.Device.ReadAt(buf.Data(), int64(physical)<<mp.Bits)
}

// BlockWrite satisfies buffer.MapOps: every buffer in bv was already
// mapped to a physical block by Planner.WritePlan at write time (the
// frontend establishes the mapping before marking a buffer dirty), so
// flush only needs to look each one up again and issue the device write
// (ported from filemap_block_read's lookup shape, reused for the write
// side since this module splits mapping from I/O rather than doing both
// inline as filemap_block_write does).
func (mp *Mapper) BlockWrite(bv *buffer.Bufvec) error {
	for _, b := range bv.Buffers {
		path, err := btree.Probe(mp.Tree, uint64(b.Index))
		if err != nil {
			bv.EndIO(b, fmt.Errorf("extent: block write probe: %w", err))
			continue
		}
		slot, count := mp.Tree.Ops.Lookup(path.Leaf().Data(), uint64(b.Index))
		path.Release(mp.Tree.Pool)

		if count == 0 {
			bv.EndIO(b, fmt.Errorf("extent: flush of never-mapped block %d", b.Index))
			continue
		}
		physical := buffer.Block(binary.LittleEndian.Uint64(slot))
		err = mp.Device.WriteAt(b.Data(), int64(physical)<<mp.Bits)
		bv.EndIO(b, err)
	}
	return nil
}
