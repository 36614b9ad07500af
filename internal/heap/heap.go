// Package heap implements the per-thread heap orchestrator: it composes the
// region directory, the region descriptor pool, the buddy engine, the slab
// engine, the size-class policy and the recycle bin behind
// malloc/free/realloc/aligned_alloc entry points.
//
// Heap itself holds no internal lock and is meant to be owned by exactly
// one goroutine for its entire lifetime (see the Pool type for a
// convenience layer that shares heaps safely across goroutines instead).
package heap

import (
	"sync/atomic"
	"unsafe"

	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/diag"
	"github.com/Yalloc/yalloc/internal/directory"
	"github.com/Yalloc/yalloc/internal/recycle"
	"github.com/Yalloc/yalloc/internal/region"
	"github.com/Yalloc/yalloc/internal/sizeclass"
)

// The allocator's entire shared, process-wide mutable state: three relaxed
// atomics, nothing else. No operation on a Heap takes a lock; these three
// counters are the only cross-thread visible side effect a Heap has.
var (
	nextHeapID     uint64
	globalMapCount int64
	heapMemPos     uint64
)

// heapMem places the first few heap descriptors in static storage, indexed
// by the heapMemPos bump counter, so a program's earliest heaps need no
// dynamic allocation at all. Slots are handed out once and never recycled.
var heapMem [4]Heap

// GlobalMapCount reports the number of live OS mappings across every heap.
func GlobalMapCount() int64 {
	return atomic.LoadInt64(&globalMapCount)
}

// zeroBlockStorage is the process-wide shared sentinel malloc(0) returns. Its
// address, not its contents, is the contract: free(ZeroBlock()) is a no-op,
// and a write through it is diagnosable because the block's first byte must
// stay zero.
var zeroBlockStorage byte

// ZeroBlock returns the address of the shared malloc(0) sentinel.
func ZeroBlock() uintptr {
	return uintptrOf(&zeroBlockStorage)
}

// IsZeroBlock reports whether p is the shared malloc(0) sentinel.
func IsZeroBlock(p uintptr) bool {
	return p == ZeroBlock()
}

const reentryLimit = 5

// degradedStorage backs the pointer handed out when the reentry-depth guard
// engages. uint64-typed so the returned pointer satisfies BaseAlign. The
// path is process-wide and best-effort: it need not serve the caller well,
// only keep deep reentry from crashing.
var degradedStorage [512]uint64

func degradedPtr() uintptr {
	return uintptr(unsafe.Pointer(&degradedStorage[0]))
}

// grain is the directory's resolution: every region's user segment starts
// on a grain boundary and spans a whole number of grains, so no two live
// regions ever share a directory slot.
const grain = uintptr(1) << climits.MinRegion

type classState struct {
	len  uintptr
	ring *region.Descriptor // head of the intra-class slab ring, nil if none yet
	bin  recycle.Bin
}

// bumpSlot records one freed bump-arena cell so the next allocation that
// fits can reuse it, most recently freed first.
type bumpSlot struct {
	ptr uintptr
	len uintptr
}

// Heap is one thread-affine allocator root.
type Heap struct {
	id     uint64
	limits Limits

	dir  *directory.Directory
	pool *region.Pool
	pol  *sizeclass.Policy

	classes []*classState

	buddyRegions []*region.Descriptor // all buddy regions this heap owns, most recent first

	inimem    [climits.Inimem]byte
	inimemPos uintptr
	bumpFree  [8]bumpSlot
	bumpFreeN int

	reentry int

	delCount uint32
	live     int // outstanding allocation count, tracked for speculative deletion
}

// New creates a fresh heap, assigning it the next process-wide heap ID. The
// first few heaps are placed in static storage via the heapMemPos bump
// counter; later ones come from the ordinary Go heap.
func New(opts ...Option) *Heap {
	var h *Heap
	if idx := atomic.AddUint64(&heapMemPos, 1); idx <= uint64(len(heapMem)) {
		h = &heapMem[idx-1]
	} else {
		h = &Heap{}
	}
	h.id = atomic.AddUint64(&nextHeapID, 1)
	h.limits = newLimits(opts...)
	h.dir = directory.New()
	h.pool = region.NewPool()
	h.pol = sizeclass.New(h.limits.ClasThreshold)
	return h
}

// ID returns the heap's process-wide identifier.
func (h *Heap) ID() uint64 { return h.id }

// IsEmpty reports whether the heap currently has no outstanding
// allocations, the precondition for speculative deletion.
func (h *Heap) IsEmpty() bool { return h.live == 0 }

// enterReentry increments the nesting counter; degraded is true when the
// caller must hand back the static degraded pointer instead of proceeding.
func (h *Heap) enterReentry(site string) (degraded bool) {
	h.reentry++
	if h.reentry > reentryLimit {
		diag.ReentryExceeded(site, h.reentry)
		return true
	}
	return false
}

func (h *Heap) leaveReentry() {
	h.reentry--
}

// Malloc allocates n bytes, zeroed when clear is set, returning 0 only
// when memory is genuinely exhausted.
func (h *Heap) Malloc(n uintptr, clear bool) uintptr {
	if n == 0 {
		return ZeroBlock()
	}
	if h.enterReentry("heap.Malloc") {
		h.leaveReentry()
		return degradedPtr()
	}
	defer h.leaveReentry()

	p, ok := h.alloc(n, clear)
	if !ok {
		// A mapping failed; give the bins' hoarded cells back to their
		// slabs and retry once before reporting out of memory.
		h.trimBins()
		p, ok = h.alloc(n, clear)
	}
	if !ok {
		diag.OOM("heap.Malloc", n)
		return 0
	}
	return p
}

// alloc is one routing pass: large lengths map directly, class-eligible
// lengths try the bump arena then the slab machinery, everything else (and
// every fall-through) is served by buddy.
func (h *Heap) alloc(n uintptr, clear bool) (uintptr, bool) {
	if n >= h.limits.MmapThreshold {
		return h.mmapAlloc(n)
	}
	if n < h.limits.MaxClassLen {
		if p, ok := h.bumpAlloc(n); ok {
			if clear {
				zeroBytes(p, n)
			}
			h.live++
			return p, true
		}
		if p, ok := h.classAlloc(n, clear); ok {
			h.live++
			return p, true
		}
	}
	p, ok := h.buddyAlloc(n, clear)
	if !ok {
		return 0, false
	}
	h.live++
	return p, true
}

// trimBins genuinely returns every binned pointer to its slab, releasing
// whatever the bins were holding back before an out-of-memory retry.
func (h *Heap) trimBins() {
	for _, cs := range h.classes {
		if cs == nil {
			continue
		}
		for {
			e, ok := cs.bin.TakeMRU()
			if !ok {
				break
			}
			h.slabFreeNow(e.Region.(*region.Descriptor), e.Ptr)
		}
	}
}

// Calloc implements calloc(count, size): overflow-checked, zero-filled.
func (h *Heap) Calloc(count, size uintptr) uintptr {
	if count == 0 || size == 0 {
		return h.Malloc(0, false)
	}
	n, overflow := satMul(count, size)
	if overflow || n > (maxVMSize>>2) {
		diag.OOM("heap.Calloc", n)
		return 0
	}
	return h.Malloc(n, true)
}

func satMul(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	n := a * b
	if n/a != b {
		return 0, true
	}
	return n, false
}

const maxVMSize = uintptr(1) << climits.MaxVM

const bumpHdr = 4

// bumpAlloc serves the earliest, smallest allocations from the heap's
// fixed bump arena: payloads are 16-byte aligned, each prefixed by a
// 4-byte length so free/realloc against it works without a directory
// lookup. Freed cells are remembered in a small stack and reused most
// recently freed first.
func (h *Heap) bumpAlloc(n uintptr) (uintptr, bool) {
	for i := h.bumpFreeN - 1; i >= 0; i-- {
		s := h.bumpFree[i]
		if s.len >= n {
			h.bumpFreeN--
			h.bumpFree[i] = h.bumpFree[h.bumpFreeN]
			h.setBumpHeaderLen(s.ptr, uint32(s.len))
			return s.ptr, true
		}
	}

	base := uintptrOf(&h.inimem[0])
	limit := h.limits.Inimem
	if limit > uintptr(len(h.inimem)) {
		limit = uintptr(len(h.inimem))
	}
	payload := climits.AlignUp(base+h.inimemPos+bumpHdr, 16)
	if payload+n > base+limit {
		return 0, false
	}
	h.inimemPos = payload + n - base
	putU32(h.inimem[payload-bumpHdr-base:], uint32(n))
	return payload, true
}

func (h *Heap) inBumpArena(p uintptr) bool {
	base := uintptrOf(&h.inimem[0])
	return p >= base+bumpHdr && p < base+uintptr(len(h.inimem))
}

func (h *Heap) bumpHeaderLen(p uintptr) uintptr {
	base := uintptrOf(&h.inimem[0])
	off := p - base - bumpHdr
	return uintptr(getU32(h.inimem[off:]))
}

func (h *Heap) setBumpHeaderLen(p uintptr, n uint32) {
	base := uintptrOf(&h.inimem[0])
	off := p - base - bumpHdr
	putU32(h.inimem[off:], n)
}

// classAlloc runs the size-class policy, serving from the recycle bin or
// slab ring on success, creating a fresh slab region on promotion, or
// falling through to the buddy path if no class applies yet.
func (h *Heap) classAlloc(n uintptr, clear bool) (uintptr, bool) {
	clas, key, justPromoted := h.pol.Classify(n)
	if clas == sizeclass.NoClass {
		return 0, false
	}
	cellLen := sizeclass.ClassLen(key)
	if cellLen < h.limits.BaseAlign {
		cellLen = h.limits.BaseAlign
	}

	for clas >= len(h.classes) {
		h.classes = append(h.classes, nil)
	}
	cs := h.classes[clas]
	if cs == nil {
		cs = &classState{len: cellLen}
		h.classes[clas] = cs
	}

	if justPromoted {
		if _, ok := h.newSlabRegion(clas, cellLen); !ok {
			return 0, false
		}
	}

	if e, ok := cs.bin.TakeMRU(); ok {
		if clear {
			zeroBytes(e.Ptr, cellLen)
		}
		return e.Ptr, true
	}

	reg := cs.ring
	for reg != nil {
		if off, ok := slabAllocRegion(reg, clear); ok {
			if reg.Slab.FreeCount == 0 {
				h.rotateClassRing(cs)
			}
			return reg.UserBase + off, true
		}
		reg = reg.Slab.Next
		if reg == cs.ring {
			break
		}
	}

	reg, ok := h.newSlabRegion(clas, cellLen)
	if !ok {
		return 0, false
	}
	off, ok := slabAllocRegion(reg, clear)
	if !ok {
		return 0, false
	}
	return reg.UserBase + off, true
}
