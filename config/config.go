// Package config holds the mount-time options an embedder supplies to the
// engine: device geometry, buffer pool sizing, and the well-known inode
// numbers reserved at mkfs. The mkfs/CLI front-end that would normally
// produce this configuration is out of scope for this module (spec.md §1);
// config exists so an embedder isn't forced to hand-build every field.
package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// Mount describes how the engine should open and cache a volume.
type Mount struct {
	// BlockBits is the device block size as a power of two (B = 1<<BlockBits).
	BlockBits uint `toml:"block_bits"`

	// PoolSize is the number of fixed-size buffer slabs preallocated at
	// mount time.
	PoolSize int `toml:"pool_size"`

	// CleanCacheBytes sizes the evicted-clean shadow cache; zero disables it.
	CleanCacheBytes int `toml:"clean_cache_bytes"`

	// FlushWorkers bounds the backend flush worker pool's concurrency.
	FlushWorkers int `toml:"flush_workers"`

	// EntriesPerNode bounds how many entries an index node holds before it
	// must split.
	EntriesPerNode int `toml:"entries_per_node"`

	// BitmapIno, VTableIno, ATableIno, RootDirIno are the well-known,
	// mkfs-reserved inode numbers (spec.md §6).
	BitmapIno  uint64 `toml:"bitmap_ino"`
	VTableIno  uint64 `toml:"vtable_ino"`
	ATableIno  uint64 `toml:"atable_ino"`
	RootDirIno uint64 `toml:"rootdir_ino"`
}

// Default returns the configuration used when an embedder doesn't override
// anything: 4096-byte blocks, a 256-buffer pool, a 16MiB clean shadow cache,
// four flush workers, and the conventional reserved inode numbers.
func Default() *Mount {
	return &Mount{
		BlockBits:       12,
		PoolSize:        256,
		CleanCacheBytes: 16 << 20,
		FlushWorkers:    4,
		EntriesPerNode:  64,
		BitmapIno:       1,
		VTableIno:       2,
		ATableIno:       3,
		RootDirIno:      4,
	}
}

// Validate rejects configurations the engine cannot operate under.
func (m *Mount) Validate() error {
	if m.BlockBits < 9 || m.BlockBits > 16 {
		return fmt.Errorf("config: block_bits %d out of range [9,16]", m.BlockBits)
	}
	if m.PoolSize < 8 {
		return fmt.Errorf("config: pool_size %d too small, need at least 8", m.PoolSize)
	}
	if m.FlushWorkers < 1 {
		return fmt.Errorf("config: flush_workers must be at least 1")
	}
	if m.EntriesPerNode < 3 {
		return fmt.Errorf("config: entries_per_node must be at least 3")
	}
	inums := map[uint64]string{
		m.BitmapIno:  "bitmap_ino",
		m.VTableIno:  "vtable_ino",
		m.ATableIno:  "atable_ino",
		m.RootDirIno: "rootdir_ino",
	}
	if len(inums) != 4 {
		return fmt.Errorf("config: well-known inode numbers must be distinct")
	}
	return nil
}

// BlockSize returns 1<<BlockBits.
func (m *Mount) BlockSize() int {
	return 1 << m.BlockBits
}

// Load reads a TOML mount configuration from path, starting from Default()
// so a file only needs to override the fields it cares about.
func Load(path string) (*Mount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
