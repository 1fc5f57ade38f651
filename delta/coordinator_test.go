package delta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltavfs/engine/alloc"
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/extent"
)

const testBlockSize = 64
const testBits = 6 // 1<<6 == 64

type memDevice struct{ data []byte }

func newMemDevice(blocks int) *memDevice {
	return &memDevice{data: make([]byte, blocks*testBlockSize)}
}

func (d *memDevice) ReadAt(p []byte, off int64) error {
	copy(p, d.data[off:int(off)+len(p)])
	return nil
}
func (d *memDevice) WriteAt(p []byte, off int64) error {
	copy(d.data[off:int(off)+len(p)], p)
	return nil
}
func (d *memDevice) BlockSize() int { return testBlockSize }
func (d *memDevice) Close() error   { return nil }

func TestRollupWritesBackDirtyBuffers(t *testing.T) {
	dev := newMemDevice(16)
	pool := buffer.NewPool(testBlockSize, 64, 0)
	m := pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})

	c, err := New(pool, 4)
	require.NoError(t, err)
	defer c.Close()

	buf, err := pool.Get(m, 3)
	require.NoError(t, err)
	copy(buf.Data(), []byte("hello, delta"))
	dirty, err := pool.SetDirty(buf, c.Current())
	require.NoError(t, err)
	pool.Put(dirty)

	require.NoError(t, c.Rollup(context.Background()))

	got := make([]byte, len("hello, delta"))
	require.NoError(t, dev.ReadAt(got, 3<<testBits))
	require.Equal(t, "hello, delta", string(got))
}

func TestFlushDrainsRegisteredAllocators(t *testing.T) {
	dev := newMemDevice(1 << 10)
	pool := buffer.NewPool(testBlockSize, 4096, 0)
	bitmapMap := pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})
	a, err := alloc.NewAllocator(bitmapMap, pool, testBits, 1<<10)
	require.NoError(t, err)

	c, err := New(pool, 4)
	require.NoError(t, err)
	defer c.Close()
	c.RegisterAllocator(a)

	ext, err := a.Extent(0, 1)
	require.NoError(t, err)
	freeBefore := a.FreeBlocks()
	a.Free(0, extent.Extent{Block: ext.Block, Count: ext.Count})

	require.NoError(t, c.Flush(context.Background(), 0))
	require.Greater(t, a.FreeBlocks(), freeBefore)
}

func TestAdvanceRefusesSecondCloseBeforeFlush(t *testing.T) {
	dev := newMemDevice(16)
	pool := buffer.NewPool(testBlockSize, 64, 0)
	_ = pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})

	c, err := New(pool, 4)
	require.NoError(t, err)
	defer c.Close()

	closed, err := c.Advance()
	require.NoError(t, err)
	require.Equal(t, uint64(0), closed)

	_, err = c.Advance()
	require.ErrorIs(t, err, ErrFlushPending)

	require.NoError(t, c.Flush(context.Background(), closed))

	closed, err = c.Advance()
	require.NoError(t, err)
	require.Equal(t, uint64(1), closed)
}

// blockingDevice lets a test hold a WriteAt call open until released, so a
// frontend write can be driven concurrently with an in-flight backend
// write of the very same buffer.
type blockingDevice struct {
	data         []byte
	writeStarted chan struct{}
	proceed      chan struct{}
}

func (d *blockingDevice) ReadAt(p []byte, off int64) error {
	copy(p, d.data[off:int(off)+len(p)])
	return nil
}
func (d *blockingDevice) WriteAt(p []byte, off int64) error {
	d.writeStarted <- struct{}{}
	<-d.proceed
	copy(d.data[off:int(off)+len(p)], p)
	return nil
}
func (d *blockingDevice) BlockSize() int { return testBlockSize }
func (d *blockingDevice) Close() error   { return nil }

// TestFlushToleratesConcurrentFork exercises the fork-safety scenario
// (spec.md §9): a backend flush has already pinned a buffer and is mid
// write-back when the frontend writes the same block again under the new
// delta. SetDirty must fork rather than mutate the buffer the backend is
// writing, and the flush must still durably land the generation it was
// asked to flush, unaffected by the race.
func TestFlushToleratesConcurrentFork(t *testing.T) {
	dev := &blockingDevice{
		data:         make([]byte, 16*testBlockSize),
		writeStarted: make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	pool := buffer.NewPool(testBlockSize, 64, 0)
	m := pool.NewMap(dev, buffer.RawMapOps{Dev: dev, Bits: testBits})

	c, err := New(pool, 4)
	require.NoError(t, err)
	defer c.Close()

	buf, err := pool.Get(m, 2)
	require.NoError(t, err)
	copy(buf.Data(), []byte("generation zero"))
	dirty0, err := pool.SetDirty(buf, 0)
	require.NoError(t, err)
	pool.Put(dirty0)

	closed, err := c.Advance()
	require.NoError(t, err)
	require.Equal(t, uint64(0), closed)
	require.Equal(t, uint64(1), c.Current())

	flushErr := make(chan error, 1)
	go func() { flushErr <- c.Flush(context.Background(), closed) }()

	<-dev.writeStarted // the backend is now mid-write on generation zero's bytes

	buf1, err := pool.Read(m, 2)
	require.NoError(t, err)
	dirty1, err := pool.SetDirty(buf1, c.Current())
	require.NoError(t, err)
	copy(dirty1.Data(), []byte("generation one!!"))
	require.NotSame(t, dirty0, dirty1, "a write racing an in-flight flush must fork rather than mutate the buffer being written back")
	pool.Put(dirty1)

	close(dev.proceed)
	require.NoError(t, <-flushErr)

	got := make([]byte, len("generation zero"))
	require.NoError(t, dev.ReadAt(got, 2<<testBits))
	require.Equal(t, "generation zero", string(got), "the backend must durably write the bytes it was flushing, unaffected by the racing frontend write")
}
