package inode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newLeaf(t *testing.T, size int) []byte {
	t.Helper()
	leaf := make([]byte, size)
	ops := NewLeafOps(8)
	ops.Init(leaf)
	return leaf
}

func TestExpandLookupRoundTrip(t *testing.T) {
	leaf := newLeaf(t, 256)
	ops := NewLeafOps(8)

	for _, inum := range []uint64{5, 1, 3} {
		slot, ok := ops.Expand(leaf, inum, payloadSize)
		require.True(t, ok)
		encodeRecord(slot, &Record{Size: inum * 10, BtreeRoot: int64(inum), BtreeDepth: uint32(inum), Links: 1})
	}

	for _, inum := range []uint64{5, 1, 3} {
		slot, count := ops.Lookup(leaf, inum)
		require.Equal(t, 1, count)
		rec := decodeRecord(inum, slot)
		require.Equal(t, inum*10, rec.Size)
		require.Equal(t, int64(inum), rec.BtreeRoot)
	}

	_, count := ops.Lookup(leaf, 99)
	require.Equal(t, 0, count)
}

func TestExpandIsSortedByInum(t *testing.T) {
	leaf := newLeaf(t, 256)
	ops := NewLeafOps(8)
	for _, inum := range []uint64{9, 2, 7, 1} {
		_, ok := ops.Expand(leaf, inum, payloadSize)
		require.True(t, ok)
	}
	require.Equal(t, 4, entryCount(leaf))
	prev := uint64(0)
	for i := 0; i < entryCount(leaf); i++ {
		cur := inumAt(leaf, i)
		require.Greater(t, cur, prev)
		prev = cur
	}
}

func TestChopRemovesOnlyTargetInum(t *testing.T) {
	leaf := newLeaf(t, 256)
	ops := NewLeafOps(8)
	for _, inum := range []uint64{1, 2, 3} {
		_, ok := ops.Expand(leaf, inum, payloadSize)
		require.True(t, ok)
	}

	freed, emptied := ops.Chop(leaf, 2, 3)
	require.Equal(t, 1, freed)
	require.False(t, emptied)
	require.Equal(t, 2, entryCount(leaf))

	_, count := ops.Lookup(leaf, 2)
	require.Equal(t, 0, count)
	_, count = ops.Lookup(leaf, 1)
	require.Equal(t, 1, count)
	_, count = ops.Lookup(leaf, 3)
	require.Equal(t, 1, count)
}

func TestSplitDividesEntriesInHalf(t *testing.T) {
	src := newLeaf(t, 256)
	dst := newLeaf(t, 256)
	ops := NewLeafOps(8)
	for inum := uint64(0); inum < 6; inum++ {
		_, ok := ops.Expand(src, inum, payloadSize)
		require.True(t, ok)
	}

	pivot := ops.Split(src, dst, 0)
	require.Equal(t, 3, entryCount(src))
	require.Equal(t, 3, entryCount(dst))
	require.Equal(t, uint64(3), pivot)
	for inum := uint64(0); inum < 3; inum++ {
		_, count := ops.Lookup(src, inum)
		require.Equal(t, 1, count)
	}
	for inum := uint64(3); inum < 6; inum++ {
		_, count := ops.Lookup(dst, inum)
		require.Equal(t, 1, count)
	}
}
