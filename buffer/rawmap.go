package buffer

import (
	"fmt"

	"github.com/deltavfs/engine/device"
)

// RawMapOps is the identity MapOps: a block's index IS its physical
// address on the device, with no translation layer. Every btree's
// structural index/leaf nodes — for the inode table, the bitmap, and each
// inode's own data-extent tree alike — live behind a RawMapOps Map, since
// tree nodes are addressed by the physical block number the allocator
// handed out; only a file's logical data positions need the extent
// package's translating MapOps.
type RawMapOps struct {
	Dev  device.Device
	Bits uint
}

func (r RawMapOps) BlockRead(b *Buffer) error {
	return r.Dev.ReadAt(b.Data(), int64(b.Index)<<r.Bits)
}

func (r RawMapOps) BlockWrite(bv *Bufvec) error {
	for _, b := range bv.Buffers {
		err := r.Dev.WriteAt(b.Data(), int64(b.Index)<<r.Bits)
		if err != nil {
			err = fmt.Errorf("buffer: raw write block %d: %w", b.Index, err)
		}
		bv.EndIO(b, err)
	}
	return nil
}
