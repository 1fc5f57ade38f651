// Package inode implements the inode table — a single shared B+ tree
// keyed by inode number — and the per-inode live object bundling a data
// extent tree with a tuxio-style unified read/write path (spec.md §4.5,
// ported from original_source/user/inode.c's new_inode/tuxio/load_sb
// family).
package inode

import (
	"encoding/binary"

	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/xlog"
)

var log = xlog.New("component", "inode")

// LeafOps is the btree.LeafOps implementation for the inode table: each
// leaf holds a sorted array of fixed-size Record entries keyed by inode
// number, one entry per key (no run-coalescing, unlike the data-extent
// tree's LeafOps) — grounded on the fixed iattr layout load_sb/save_sb
// read and write record-by-record.
type LeafOps struct {
	entriesPerNode int
}

// NewLeafOps returns the LeafOps for the inode table, sharing
// entriesPerNode with every tree on the volume.
func NewLeafOps(entriesPerNode int) LeafOps {
	return LeafOps{entriesPerNode: entriesPerNode}
}

const (
	leafMagic    = 0x1A0D
	headerSize   = 8 // magic uint16, pad uint16, count uint32
	recordSize   = 32
	payloadSize  = recordSize - 8 // everything after the inum key
	payloadStart = 8
)

func entryCount(leaf []byte) int { return int(binary.LittleEndian.Uint32(leaf[4:8])) }

func setEntryCount(leaf []byte, n int) {
	binary.LittleEndian.PutUint32(leaf[4:8], uint32(n))
}

func capacity(leaf []byte) int { return (len(leaf) - headerSize) / recordSize }

func recordOffset(i int) int { return headerSize + i*recordSize }

func inumAt(leaf []byte, i int) uint64 {
	off := recordOffset(i)
	return binary.LittleEndian.Uint64(leaf[off : off+8])
}

func setInumAt(leaf []byte, i int, inum uint64) {
	off := recordOffset(i)
	binary.LittleEndian.PutUint64(leaf[off:off+8], inum)
}

func payloadAt(leaf []byte, i int) []byte {
	off := recordOffset(i) + payloadStart
	return leaf[off : off+payloadSize]
}

func (LeafOps) Sniff(leaf []byte) bool {
	return binary.LittleEndian.Uint16(leaf[0:2]) == leafMagic
}

func (LeafOps) Init(leaf []byte) {
	binary.LittleEndian.PutUint16(leaf[0:2], leafMagic)
	setEntryCount(leaf, 0)
}

// Split moves the upper half of src's records into empty dst.
func (LeafOps) Split(src, dst []byte, fudge int) uint64 {
	n := entryCount(src)
	half := n / 2
	for i := half; i < n; i++ {
		copy(dst[recordOffset(i-half):recordOffset(i-half)+recordSize], src[recordOffset(i):recordOffset(i)+recordSize])
	}
	setEntryCount(dst, n-half)
	setEntryCount(src, half)
	return inumAt(dst, 0)
}

// Expand reserves the payload slot for inum, inserting a fresh
// all-zero record in sorted position if one doesn't already exist.
// Unlike the data-extent tree's Expand there is no run adjacency to
// coalesce: every inode number is its own standalone entry.
func (o LeafOps) Expand(leaf []byte, inum uint64, size int) ([]byte, bool) {
	n := entryCount(leaf)
	at := n
	for i := 0; i < n; i++ {
		v := inumAt(leaf, i)
		if v == inum {
			return payloadAt(leaf, i), true
		}
		if v > inum {
			at = i
			break
		}
	}
	if n >= capacity(leaf) {
		return nil, false
	}
	for i := n; i > at; i-- {
		copy(leaf[recordOffset(i):recordOffset(i)+recordSize], leaf[recordOffset(i-1):recordOffset(i-1)+recordSize])
	}
	setInumAt(leaf, at, inum)
	clear(payloadAt(leaf, at))
	setEntryCount(leaf, n+1)
	return payloadAt(leaf, at), true
}

// Lookup returns the record's payload (count 1) or count 0 if inum has no
// record in this leaf.
func (LeafOps) Lookup(leaf []byte, inum uint64) ([]byte, int) {
	n := entryCount(leaf)
	for i := 0; i < n; i++ {
		v := inumAt(leaf, i)
		if v == inum {
			cp := make([]byte, payloadSize)
			copy(cp, payloadAt(leaf, i))
			return cp, 1
		}
		if v > inum {
			break
		}
	}
	return nil, 0
}

// Chop deletes every record with inum in [from, to); Purge always calls it
// with a single-inode range.
func (LeafOps) Chop(leaf []byte, from, to uint64) (int, bool) {
	n := entryCount(leaf)
	kept := 0
	freed := 0
	for i := 0; i < n; i++ {
		v := inumAt(leaf, i)
		if v >= from && v < to {
			freed++
			continue
		}
		if kept != i {
			copy(leaf[recordOffset(kept):recordOffset(kept)+recordSize], leaf[recordOffset(i):recordOffset(i)+recordSize])
		}
		kept++
	}
	setEntryCount(leaf, kept)
	return freed, kept == 0
}

func (LeafOps) Free(leaf []byte) int {
	return (capacity(leaf) - entryCount(leaf)) * recordSize
}

func (LeafOps) Used(leaf []byte) int {
	return entryCount(leaf) * recordSize
}

// Merge appends src's records after dst's; valid only when dst is the
// left neighbour, so every src inum already sorts after every dst inum.
func (LeafOps) Merge(dst, src []byte) {
	dn, sn := entryCount(dst), entryCount(src)
	for i := 0; i < sn; i++ {
		copy(dst[recordOffset(dn+i):recordOffset(dn+i)+recordSize], src[recordOffset(i):recordOffset(i)+recordSize])
	}
	setEntryCount(dst, dn+sn)
}

func (o LeafOps) EntriesPerNode() int { return o.entriesPerNode }
