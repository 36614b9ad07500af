package heap

import (
	"sync"
	"sync/atomic"
)

// Pool is the convenience layer backing the root package's C-style API: a
// small fixed set of shards, each an independent *Heap guarded by its own
// mutex, selected round-robin. This trades Heap's strict lock-freedom
// (which assumes one heap per OS thread, reached via TLS) for safety under
// Go's M:N goroutine scheduling, following the same
// shared-structure-behind-a-mutex idiom used elsewhere for infrequent or
// inherently-shared state. The Heap each shard wraps keeps its full
// single-owner behavior; only the sharing discipline around it differs.
//
// Shard heaps are created lazily on first allocation and speculatively
// deleted once fully empty: the heap's mappings are released and the slot
// holds only the carried deletion count until the next allocation recreates
// it. Past HeapDelThresh deletions the empty heap is retained instead, so
// an alloc/free oscillation stops churning mappings.
type Pool struct {
	shards []*shard
	next   uint64
	opts   []Option
}

type shard struct {
	mu       sync.Mutex
	h        *Heap
	delCount uint32
}

// NewPool returns a Pool of n shards (n<=0 defaults to 8), each heap built
// from opts on first use.
func NewPool(n int, opts ...Option) *Pool {
	if n <= 0 {
		n = 8
	}
	p := &Pool{shards: make([]*shard, n), opts: opts}
	for i := range p.shards {
		p.shards[i] = &shard{}
	}
	return p
}

func (p *Pool) pick() *shard {
	i := atomic.AddUint64(&p.next, 1) % uint64(len(p.shards))
	return p.shards[i]
}

// heap returns the shard's heap, recreating it (with the deletion count
// carried forward) if it was speculatively deleted. Caller holds s.mu.
func (s *shard) heap(opts []Option) *Heap {
	if s.h == nil {
		s.h = New(opts...)
		s.h.delCount = s.delCount
	}
	return s.h
}

// retire speculatively deletes the shard's heap if it has become fully
// empty, unless its deletion count has already crossed the oscillation
// threshold. Caller holds s.mu.
func (s *shard) retire() {
	h := s.h
	if h == nil || !h.IsEmpty() {
		return
	}
	if h.delCount > h.limits.HeapDelThresh {
		return
	}
	s.delCount = h.delCount + 1
	h.Teardown()
	s.h = nil
}

// Malloc allocates n bytes from a round-robin shard.
func (p *Pool) Malloc(n uintptr, clear bool) uintptr {
	s := p.pick()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap(p.opts).Malloc(n, clear)
}

// Calloc allocates count*size zero-filled bytes, overflow-checked.
func (p *Pool) Calloc(count, size uintptr) uintptr {
	s := p.pick()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap(p.opts).Calloc(count, size)
}

// shardFor finds the shard whose heap's directory recognizes ptr, since a
// free/realloc must run against the same shard the pointer was allocated
// from; the shards are tried in order starting from a cheap hash of the
// pointer to keep this O(1) in the common single-shard case. The returned
// shard's mutex is held.
func (p *Pool) shardFor(ptr uintptr) *shard {
	n := len(p.shards)
	start := int((ptr >> 4) % uintptr(n))
	for i := 0; i < n; i++ {
		s := p.shards[(start+i)%n]
		s.mu.Lock()
		if s.h != nil && (ptr == 0 || IsZeroBlock(ptr) || s.h.owns(ptr)) {
			return s
		}
		s.mu.Unlock()
	}
	// Not found anywhere: fall back to the start shard so Free/Realloc can
	// still run their diagnostic path under a held lock.
	s := p.shards[start]
	s.mu.Lock()
	return s
}

// Free releases ptr, locating the owning shard first.
func (p *Pool) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	s := p.shardFor(ptr)
	defer s.mu.Unlock()
	s.heap(p.opts).Free(ptr)
	s.retire()
}

// FreeSized releases ptr, verifying n against the recorded length.
func (p *Pool) FreeSized(ptr, n uintptr) {
	if ptr == 0 {
		return
	}
	s := p.shardFor(ptr)
	defer s.mu.Unlock()
	s.heap(p.opts).FreeSized(ptr, n)
	s.retire()
}

// Realloc resizes ptr, locating the owning shard first. If growth requires
// a fresh allocation, it is drawn from the same shard so the new block is
// always found by future Free calls through the same lookup.
func (p *Pool) Realloc(ptr, newLen uintptr) uintptr {
	if ptr == 0 {
		return p.Malloc(newLen, false)
	}
	s := p.shardFor(ptr)
	defer s.mu.Unlock()
	np := s.heap(p.opts).Realloc(ptr, newLen)
	s.retire()
	return np
}

// AlignedAlloc allocates n bytes aligned to a from a round-robin shard.
func (p *Pool) AlignedAlloc(a, n uintptr) uintptr {
	s := p.pick()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap(p.opts).AlignedAlloc(a, n)
}

// PosixMemalign allocates n bytes aligned to a from a round-robin shard.
func (p *Pool) PosixMemalign(a, n uintptr) (uintptr, bool) {
	s := p.pick()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap(p.opts).PosixMemalign(a, n)
}
