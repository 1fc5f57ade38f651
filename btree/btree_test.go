package btree

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deltavfs/engine/buffer"
)

// recordOps is a toy LeafOps storing fixed-size (key uint64, value uint64)
// records sorted by key, used only to exercise the generic engine's
// invariants independent of any real leaf binary format.
type recordOps struct {
	entriesPerNode int
}

const (
	recMagic      = 0xBEEF
	recHeaderSize = 8 // magic uint16 + pad + count uint32
	recSize       = 16
)

func (recordOps) Sniff(leaf []byte) bool {
	return binary.LittleEndian.Uint16(leaf[0:2]) == recMagic
}

func (recordOps) Init(leaf []byte) {
	binary.LittleEndian.PutUint16(leaf[0:2], recMagic)
	binary.LittleEndian.PutUint32(leaf[4:8], 0)
}

func recCount(leaf []byte) int { return int(binary.LittleEndian.Uint32(leaf[4:8])) }
func setRecCount(leaf []byte, n int) {
	binary.LittleEndian.PutUint32(leaf[4:8], uint32(n))
}
func recAt(leaf []byte, i int) (key, val uint64) {
	off := recHeaderSize + i*recSize
	return binary.LittleEndian.Uint64(leaf[off : off+8]), binary.LittleEndian.Uint64(leaf[off+8 : off+16])
}
func setRecAt(leaf []byte, i int, key, val uint64) {
	off := recHeaderSize + i*recSize
	binary.LittleEndian.PutUint64(leaf[off:off+8], key)
	binary.LittleEndian.PutUint64(leaf[off+8:off+16], val)
}
func recCapacity(leaf []byte) int { return (len(leaf) - recHeaderSize) / recSize }

func (recordOps) Split(src, dst []byte, fudge int) uint64 {
	count := recCount(src)
	half := count / 2
	n := 0
	for i := half; i < count; i++ {
		k, v := recAt(src, i)
		setRecAt(dst, n, k, v)
		n++
	}
	setRecCount(dst, n)
	setRecCount(src, half)
	pivot, _ := recAt(dst, 0)
	return pivot
}

func (recordOps) Expand(leaf []byte, key uint64, size int) ([]byte, bool) {
	count := recCount(leaf)
	if count >= recCapacity(leaf) {
		return nil, false
	}
	at := count
	for i := 0; i < count; i++ {
		k, _ := recAt(leaf, i)
		if k == key {
			off := recHeaderSize + i*recSize + 8
			return leaf[off : off+8], true
		}
		if k > key {
			at = i
			break
		}
	}
	for i := count; i > at; i-- {
		k, v := recAt(leaf, i-1)
		setRecAt(leaf, i, k, v)
	}
	setRecAt(leaf, at, key, 0)
	setRecCount(leaf, count+1)
	off := recHeaderSize + at*recSize + 8
	return leaf[off : off+8], true
}

func (recordOps) Lookup(leaf []byte, key uint64) ([]byte, int) {
	count := recCount(leaf)
	for i := 0; i < count; i++ {
		k, _ := recAt(leaf, i)
		if k == key {
			off := recHeaderSize + i*recSize + 8
			return leaf[off : off+8], 1
		}
	}
	return nil, 0
}

func (recordOps) Chop(leaf []byte, from, to uint64) (int, bool) {
	count := recCount(leaf)
	kept := 0
	freed := 0
	for i := 0; i < count; i++ {
		k, v := recAt(leaf, i)
		if k >= from && k < to {
			freed++
			continue
		}
		setRecAt(leaf, kept, k, v)
		kept++
	}
	setRecCount(leaf, kept)
	return freed, kept == 0
}

func (o recordOps) Free(leaf []byte) int {
	return (recCapacity(leaf) - recCount(leaf)) * recSize
}
func (o recordOps) Used(leaf []byte) int { return recCount(leaf) * recSize }

func (recordOps) Merge(dst, src []byte) {
	dc, sc := recCount(dst), recCount(src)
	for i := 0; i < sc; i++ {
		k, v := recAt(src, i)
		setRecAt(dst, dc+i, k, v)
	}
	setRecCount(dst, dc+sc)
}

func (o recordOps) EntriesPerNode() int { return o.entriesPerNode }

// fakeAllocator hands out sequential block numbers; FreeBlock is a no-op
// since these tests never reuse freed blocks.
type fakeAllocator struct{ next buffer.Block }

func (a *fakeAllocator) AllocBlock() (buffer.Block, error) {
	a.next++
	return a.next, nil
}
func (a *fakeAllocator) FreeBlock(buffer.Block) {}

// noopMapOps satisfies buffer.MapOps for tests that never evict or flush:
// every block used is created directly via Pool.Get, so BlockRead is never
// actually invoked on the cache-hit path these tests exercise.
type noopMapOps struct{}

func (noopMapOps) BlockRead(b *buffer.Buffer) error {
	for i := range b.Data() {
		b.Data()[i] = 0
	}
	return nil
}
func (noopMapOps) BlockWrite(bv *buffer.Bufvec) error {
	for _, b := range bv.Buffers {
		bv.EndIO(b, nil)
	}
	return nil
}

// testBlockSize is small enough that a few dozen records force real leaf
// and index splits, exercising the engine's split/merge paths instead of
// degenerating to a single-leaf tree.
const testBlockSize = 256

func newTestTree(t *testing.T, entriesPerNode int) *Tree {
	t.Helper()
	pool := buffer.NewPool(testBlockSize, 4096, 0)
	m := pool.NewMap(nil, noopMapOps{})
	alloc := &fakeAllocator{}
	tree, err := New(m, pool, recordOps{entriesPerNode: entriesPerNode}, alloc, 0)
	require.NoError(t, err)
	return tree
}

func expandAndSet(t *testing.T, tree *Tree, key, val uint64) {
	t.Helper()
	path, err := Probe(tree, key)
	require.NoError(t, err)
	slot, leaf, err := Expand(tree, path, 0, key, 8)
	require.NoError(t, err)
	binary.LittleEndian.PutUint64(slot, val)
	tree.Pool.Put(leaf)
}

func lookup(t *testing.T, tree *Tree, key uint64) (uint64, bool) {
	t.Helper()
	path, err := Probe(tree, key)
	require.NoError(t, err)
	defer path.Release(tree.Pool)
	slot, count := tree.Ops.Lookup(path.Leaf().Data(), key)
	if count == 0 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(slot), true
}

func TestExpandLookupRoundTrip(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := uint64(0); i < 64; i++ {
		expandAndSet(t, tree, i, i*10)
	}
	for i := uint64(0); i < 64; i++ {
		v, ok := lookup(t, tree, i)
		require.True(t, ok, "key %d", i)
		require.Equal(t, i*10, v)
	}
	require.Greater(t, tree.Depth, 0, "64 tiny entries should have forced at least one split")
}

func TestChopThenLookup(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := uint64(0); i < 64; i++ {
		expandAndSet(t, tree, i, i*10)
	}
	info := &DeleteInfo{Resume: 0, Budget: -1}
	for {
		suspended, err := DeletePartial(tree, 0, info, 64, time.Time{}, false)
		require.NoError(t, err)
		if !suspended {
			break
		}
	}
	for i := uint64(0); i < 64; i++ {
		_, ok := lookup(t, tree, i)
		require.False(t, ok, "key %d should be gone", i)
	}
	require.Equal(t, 0, tree.Depth, "tree should collapse back to a single empty leaf")
}

func TestChopRangeLeavesOutsideUntouched(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := uint64(0); i < 40; i++ {
		expandAndSet(t, tree, i, i)
	}
	info := &DeleteInfo{Resume: 10, Budget: -1}
	for {
		suspended, err := DeletePartial(tree, 0, info, 20, time.Time{}, false)
		require.NoError(t, err)
		if !suspended {
			break
		}
	}
	for i := uint64(10); i < 20; i++ {
		_, ok := lookup(t, tree, i)
		require.False(t, ok)
	}
	for _, i := range []uint64{0, 5, 9, 20, 30, 39} {
		v, ok := lookup(t, tree, i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestDeleteInterruptibility(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := uint64(0); i < 100; i++ {
		expandAndSet(t, tree, i, i)
	}
	info := &DeleteInfo{Resume: 0, Budget: 3}
	rounds := 0
	for {
		suspended, err := DeletePartial(tree, 0, info, 100, time.Time{}, false)
		require.NoError(t, err)
		rounds++
		require.Less(t, rounds, 1000, "should converge")
		if !suspended {
			break
		}
	}
	for i := uint64(0); i < 100; i++ {
		_, ok := lookup(t, tree, i)
		require.False(t, ok)
	}
	require.Greater(t, rounds, 1, "a tight budget should force multiple resumes")
}
