// Package delta implements the volume's delta coordinator: the frontend/
// backend rollup protocol that turns a generation of dirty buffers into a
// durable point on disk (spec.md §5, §6.6). No single original_source file
// owns this concept outright; the closest analog is the deferred-free
// rollup glue in user/super.c's sb->defree, generalized here into an
// explicit Advance/Flush cycle over every live buffer.Map, with Flush also
// draining the flushed delta's deferred frees from each registered
// alloc.Allocator.
package delta

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/deltavfs/engine/alloc"
	"github.com/deltavfs/engine/buffer"
	"github.com/deltavfs/engine/xlog"
)

// ErrFlushPending is returned by Advance when a previously closed delta has
// not yet been flushed. The buffer package only ever tracks two dirty
// slots (spec.md §9's D = 2); a second Advance before the first closed
// delta's Flush completes would reuse that delta's slot out from under a
// flush that may still be reading it (buffer.dirtyState(delta) repeats
// with period 2).
var ErrFlushPending = errors.New("delta: previous delta not yet flushed")

var log = xlog.New("component", "delta")

// Coordinator owns the volume's current delta number and drives its
// frontend/backend rollup: Advance closes the frontend slot and opens a new
// one, Flush durably writes back the closed delta's dirty buffers across
// every registered Map and reclaims anything the buffer cache forked away
// to keep the new frontend writable during the flush, and then calls
// alloc.Allocator.Drain on every registered allocator to release that
// delta's deferred-free blocks.
//
// A Coordinator does not own the Pool's buffers directly; it asks the Pool
// for its live Map registry (buffer.Pool.Maps) rather than keeping a
// parallel list, since the Pool already tracks every Map for the lifetime
// of the volume.
type Coordinator struct {
	pool    *buffer.Pool
	allocs  []*alloc.Allocator
	workers *ants.Pool

	mu      sync.Mutex
	current uint64
	pending *uint64 // delta closed by Advance, not yet Flushed
}

// New creates a Coordinator over pool starting at delta 0, with a flush
// worker pool bounded to workers concurrent jobs (spec.md §6.6's ants.Pool).
func New(pool *buffer.Pool, workers int) (*Coordinator, error) {
	p, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("delta: new worker pool: %w", err)
	}
	return &Coordinator{pool: pool, workers: p}, nil
}

// RegisterAllocator adds a to the set drained on each Flush. A volume
// typically has exactly one (the bitmap allocator), but nothing here
// assumes that.
func (c *Coordinator) RegisterAllocator(a *alloc.Allocator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocs = append(c.allocs, a)
}

// Current returns the active frontend delta number.
func (c *Coordinator) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance closes the current frontend delta and opens the next one,
// returning the closed delta's number for the caller to pass to Flush
// (spec.md §6.6 Coordinator.Advance, §5's two-slot frontend/backend
// rotation). It refuses to run a second time while the previously closed
// delta is still awaiting its Flush, since that delta's dirty slot is
// still live and a third delta reusing it would corrupt the in-flight
// flush's view of it.
func (c *Coordinator) Advance() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return 0, ErrFlushPending
	}
	closed := c.current
	c.current++
	c.pending = &closed
	log.Debug("advanced delta", "closed", closed, "frontend", c.current, "state", buffer.DirtyStateFor(c.current))
	return closed, nil
}

// Flush durably writes back every buffer dirtied at delta across every Map
// the pool knows about, reclaims any buffers the fork protocol forked away
// during the flush, and drains delta's deferred-free blocks from every
// registered allocator (spec.md §6.6 Coordinator.Flush). Per-map writeback
// is fanned out across the bounded worker pool and joined with an
// errgroup.Group so the first failure is reported while the rest of the
// volume still gets a chance to flush cleanly.
func (c *Coordinator) Flush(ctx context.Context, delta uint64) error {
	slot := buffer.SlotFor(delta)
	maps := c.pool.Maps()

	g, _ := errgroup.WithContext(ctx)
	for _, m := range maps {
		m := m
		done := make(chan error, 1)
		if err := c.workers.Submit(func() {
			done <- c.pool.FlushState(m, slot)
		}); err != nil {
			return fmt.Errorf("delta: submit flush job: %w", err)
		}
		g.Go(func() error { return <-done })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delta: flush delta %d: %w", delta, err)
	}

	for _, m := range maps {
		c.pool.FreeForkedBuffers(m, delta)
	}

	c.mu.Lock()
	allocs := append([]*alloc.Allocator(nil), c.allocs...)
	c.mu.Unlock()
	for _, a := range allocs {
		if err := a.Drain(delta); err != nil {
			return fmt.Errorf("delta: drain delta %d: %w", delta, err)
		}
	}
	c.mu.Lock()
	if c.pending != nil && *c.pending == delta {
		c.pending = nil
	}
	c.mu.Unlock()

	log.Debug("flushed delta", "delta", delta, "maps", len(maps))
	return nil
}

// Rollup is the common case: Advance followed immediately by a Flush of the
// delta it closed, the sequence a backend performs on its own once it has
// decided to commit (spec.md §6.6).
func (c *Coordinator) Rollup(ctx context.Context) error {
	closed, err := c.Advance()
	if err != nil {
		return err
	}
	return c.Flush(ctx, closed)
}

// Close releases the worker pool. It does not flush any outstanding delta;
// callers that need a durable volume on shutdown must Rollup first.
func (c *Coordinator) Close() {
	c.workers.Release()
}
