// Package buffer implements the block-buffer cache: a hashed pool of
// fixed-size buffers keyed by (map, logical index), with LRU eviction of
// clean buffers and delta-indexed dirty lists. It is the lowest layer of
// the engine above the raw Device (spec.md §4.1).
package buffer

import "fmt"

// Block is a signed logical or physical block number; NoBlock is the
// "none" sentinel.
type Block int64

// NoBlock represents the absence of a block reference.
const NoBlock Block = -1

// State is the lifecycle state of a Buffer. Exactly one applies at a time.
type State int

const (
	// Freed buffers hold no identity and live on the pool's free list.
	Freed State = iota
	// Empty buffers have an identity but indeterminate data; a read must
	// fetch their contents before use.
	Empty
	// Clean buffers match the on-disk contents and sit on the pool's LRU.
	Clean
	// Dirty0 and Dirty1 are the two delta-indexed dirty states
	// (BUFFER_DIRTY_STATES = 2: one frontend slot, one backend slot).
	Dirty0
	Dirty1
)

func (s State) String() string {
	switch s {
	case Freed:
		return "freed"
	case Empty:
		return "empty"
	case Clean:
		return "clean"
	case Dirty0:
		return "dirty0"
	case Dirty1:
		return "dirty1"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsDirty reports whether s is one of the dirty states.
func (s State) IsDirty() bool {
	return s == Dirty0 || s == Dirty1
}

// dirtyStates is the number of dirty-list slots: one frontend delta and one
// backend delta in flight at steady state (spec.md §9's Open Question
// decision; see DESIGN.md).
const dirtyStates = 2

// dirtyState returns the buffer state corresponding to dirty slot d
// (d & (dirtyStates-1)).
func dirtyState(delta uint64) State {
	if delta&1 == 0 {
		return Dirty0
	}
	return Dirty1
}

// DirtyStateFor returns the dirty state a buffer written at delta would
// carry, letting callers outside this package (e.g. delta.Coordinator,
// deciding which dirty slot a delta being rolled up occupies) test this
// without reaching into Buffer internals.
func DirtyStateFor(delta uint64) State {
	return dirtyState(delta)
}

// SlotFor returns the dirty-list slot (0 or 1) a buffer written at delta
// would occupy, for callers that need Pool.FlushState's slot argument
// rather than the State itself.
func SlotFor(delta uint64) int {
	return dirtySlot(dirtyState(delta))
}

func dirtySlot(s State) int {
	switch s {
	case Dirty0:
		return 0
	case Dirty1:
		return 1
	default:
		return -1
	}
}

// Buffer is one fixed-size slab of the pool, addressed by (Map, Index).
type Buffer struct {
	Map   *Map
	Index Block
	data  []byte

	state    State
	refcount int32

	hashNext, hashPrev *Buffer
	listNext, listPrev *Buffer

	// isForkedOld is set on a forked-away original, one that a newer
	// replacement superseded in the hash table, so FreeForkedBuffers can
	// find originals awaiting reclaim. forkedDelta is not read anywhere.
	forkedDelta uint64
	isForkedOld bool
}

// Data returns the buffer's mutable byte slab. Callers must hold a
// reference (via Get/Read) for the duration of any access.
func (b *Buffer) Data() []byte { return b.data }

// State returns the buffer's current lifecycle state.
func (b *Buffer) State() State { return b.state }

// Refcount returns the buffer's current pin count.
func (b *Buffer) Refcount() int32 { return b.refcount }

// CanModify reports whether the buffer may be mutated in place by a write
// at the given delta: true if it is already dirty for this delta's slot,
// or currently clean/empty (spec.md §4.1).
func (b *Buffer) CanModify(delta uint64) bool {
	if b.state.IsDirty() {
		return b.state == dirtyState(delta)
	}
	return true
}
