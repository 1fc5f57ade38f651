package inode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltavfs/engine/alloc"
	"github.com/deltavfs/engine/btree"
	"github.com/deltavfs/engine/buffer"
)

const testBlockSize = 256
const testBits = 8 // 1<<8 == 256
const testVolBlocks = 4096

type memDevice struct {
	blockSize int
	data      []byte
}

func newMemDevice(blockSize int, volBlocks buffer.Block) *memDevice {
	return &memDevice{blockSize: blockSize, data: make([]byte, int(volBlocks)*blockSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) error {
	copy(p, d.data[off:int(off)+len(p)])
	return nil
}

func (d *memDevice) WriteAt(p []byte, off int64) error {
	copy(d.data[off:int(off)+len(p)], p)
	return nil
}

func (d *memDevice) BlockSize() int { return d.blockSize }
func (d *memDevice) Close() error   { return nil }

// harness bundles the shared volume-level plumbing a test needs: one
// device, one pool, one raw structural map shared by every tree's own
// nodes, and an allocator and inode table built on top of them.
type harness struct {
	dev       *memDevice
	pool      *buffer.Pool
	structMap *buffer.Map
	alloc     *alloc.Allocator
	table     *Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := newMemDevice(testBlockSize, testVolBlocks)
	pool := buffer.NewPool(testBlockSize, 4096, 0)
	bitmapMap := pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})
	a, err := alloc.NewAllocator(bitmapMap, pool, testBits, testVolBlocks)
	require.NoError(t, err)

	structMap := pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})
	ops := NewLeafOps(8)
	tableTree, err := btree.New(structMap, pool, ops, alloc.StructuralAllocator{A: a, Delta: 0}, 0)
	require.NoError(t, err)
	table := NewTable(tableTree, a, 1)

	return &harness{dev: dev, pool: pool, structMap: structMap, alloc: a, table: table}
}

func (h *harness) newInode(t *testing.T, delta uint64) *Inode {
	t.Helper()
	in, err := New(h.table, h.pool, h.dev, testBits, h.alloc, h.structMap, 8, delta)
	require.NoError(t, err)
	return in
}

func TestCreateThenOpenRoundTrip(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)
	inum := in.Record.Inum

	reopened, err := Open(h.table, inum, h.pool, h.dev, testBits, h.alloc, h.structMap, 8)
	require.NoError(t, err)
	require.NotNil(t, reopened)
	require.Equal(t, inum, reopened.Record.Inum)
	require.Equal(t, in.Record.BtreeRoot, reopened.Record.BtreeRoot)
}

func TestOpenMissingInodeReturnsNil(t *testing.T) {
	h := newHarness(t)
	got, err := Open(h.table, 99999, h.pool, h.dev, testBits, h.alloc, h.structMap, 8)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)

	payload := []byte("hello world, this spans more than one block of data")
	n, err := in.WriteAt(payload, 0, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, uint64(len(payload)), in.Size())

	got := make([]byte, len(payload))
	n, err = in.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestWriteAtOffsetLeavesHoleZeroFilled(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)

	tail := []byte("tail-bytes")
	off := int64(3 * testBlockSize)
	_, err := in.WriteAt(tail, off, 0)
	require.NoError(t, err)

	got := make([]byte, testBlockSize)
	_, err = in.ReadAt(got, 0)
	require.NoError(t, err)
	for _, b := range got {
		require.EqualValues(t, 0, b, "unwritten hole block must read as zero")
	}
}

func TestReadPastEOFReturnsShortRead(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)

	payload := []byte("short")
	_, err := in.WriteAt(payload, 0, 0)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := in.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
}

func TestTruncateFreesBlocksForReuse(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)

	big := make([]byte, 4*testBlockSize)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := in.WriteAt(big, 0, 0)
	require.NoError(t, err)
	require.NoError(t, in.Sync(0))

	freeBefore := h.alloc.FreeBlocks()
	require.NoError(t, in.Truncate(testBlockSize, 0))
	require.NoError(t, h.alloc.Drain(0))
	require.Greater(t, h.alloc.FreeBlocks(), freeBefore)

	require.Equal(t, uint64(testBlockSize), in.Size())
	got := make([]byte, testBlockSize)
	_, err = in.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, big[:testBlockSize], got)
}

func TestFreePurgesTableRecord(t *testing.T) {
	h := newHarness(t)
	in := h.newInode(t, 0)
	payload := []byte("going away")
	_, err := in.WriteAt(payload, 0, 0)
	require.NoError(t, err)
	inum := in.Record.Inum

	require.NoError(t, in.Free(0))

	rec, err := h.table.Load(inum)
	require.NoError(t, err)
	require.Nil(t, rec)
}
