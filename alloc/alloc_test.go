package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltavfs/engine/buffer"
)

type zeroFillMapOps struct{}

func (zeroFillMapOps) BlockRead(b *buffer.Buffer) error {
	for i := range b.Data() {
		b.Data()[i] = 0
	}
	return nil
}
func (zeroFillMapOps) BlockWrite(bv *buffer.Bufvec) error {
	for _, b := range bv.Buffers {
		bv.EndIO(b, nil)
	}
	return nil
}

func newTestAllocator(t *testing.T, blockSize int, volBlocks buffer.Block) *Allocator {
	t.Helper()
	pool := buffer.NewPool(blockSize, 256, 0)
	m := pool.NewMap(nil, zeroFillMapOps{})
	a, err := NewAllocator(m, pool, uint(blockSizeBits(blockSize)), volBlocks)
	require.NoError(t, err)
	return a
}

func blockSizeBits(size int) int {
	bits := 0
	for 1<<bits < size {
		bits++
	}
	return bits
}

func TestFromRangeFindsFirstClearBit(t *testing.T) {
	a := newTestAllocator(t, 64, 4096) // 8 bits/byte * 64 bytes = 512 bits/bitmap block
	reserved := a.nextAlloc
	blk, err := a.FromRange(0, reserved, a.volBlocks-reserved)
	require.NoError(t, err)
	require.Equal(t, reserved, blk)

	blk2, err := a.FromRange(0, reserved, a.volBlocks-reserved)
	require.NoError(t, err)
	require.Equal(t, reserved+1, blk2)
}

func TestExtentAllocatesContiguousRun(t *testing.T) {
	a := newTestAllocator(t, 64, 4096)
	ext, err := a.Extent(0, 10)
	require.NoError(t, err)
	require.Equal(t, 10, ext.Count)
	require.Equal(t, a.nextAlloc, ext.Block+buffer.Block(ext.Count))

	ext2, err := a.Extent(0, 5)
	require.NoError(t, err)
	require.Equal(t, ext.Block+buffer.Block(ext.Count), ext2.Block, "second extent should be contiguous with the first")
}

func TestDeferredFreeDoesNotReuseUntilDrain(t *testing.T) {
	a := newTestAllocator(t, 64, 4096)
	ext, err := a.Extent(0, 4)
	require.NoError(t, err)

	a.Free(0, ext)

	next, err := a.Extent(0, 4)
	require.NoError(t, err)
	for i := 0; i < ext.Count; i++ {
		require.NotEqual(t, ext.Block+buffer.Block(i), next.Block, "freed-but-undrained block must not be reused")
	}

	require.NoError(t, a.Drain(0))

	reusable, err := a.FromRange(0, ext.Block, buffer.Block(ext.Count))
	require.NoError(t, err)
	require.Equal(t, ext.Block, reusable, "after Drain the freed block should be allocatable again")
}

func TestExhaustionReturnsNoSpace(t *testing.T) {
	a := newTestAllocator(t, 64, 600)
	_, err := a.Extent(0, int(a.volBlocks))
	require.NoError(t, err, "a partial-length run covering whatever remains should still succeed")

	_, err = a.Extent(0, 1)
	require.ErrorIs(t, err, ErrNoSpace, "a fully allocated volume has nothing left to give out")
}
