package inode

import "encoding/binary"

// Record is the inode table's per-inode on-disk record: the inode's byte
// size and the root/depth of its own data-extent tree (spec.md §4.5,
// mirroring load_sb/save_sb's iroot = depth<<48 | root packing, but split
// into separate fields here since the table already carries a fixed-width
// slot per record rather than a bit-packed superblock word).
type Record struct {
	Inum       uint64
	Size       uint64
	BtreeRoot  int64
	BtreeDepth uint32
	Links      uint32
}

func decodeRecord(inum uint64, payload []byte) *Record {
	return &Record{
		Inum:       inum,
		Size:       binary.LittleEndian.Uint64(payload[0:8]),
		BtreeRoot:  int64(binary.LittleEndian.Uint64(payload[8:16])),
		BtreeDepth: binary.LittleEndian.Uint32(payload[16:20]),
		Links:      binary.LittleEndian.Uint32(payload[20:24]),
	}
}

func encodeRecord(slot []byte, r *Record) {
	binary.LittleEndian.PutUint64(slot[0:8], r.Size)
	binary.LittleEndian.PutUint64(slot[8:16], uint64(r.BtreeRoot))
	binary.LittleEndian.PutUint32(slot[16:20], r.BtreeDepth)
	binary.LittleEndian.PutUint32(slot[20:24], r.Links)
}
