package heap

import (
	"github.com/Yalloc/yalloc/internal/buddy"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/diag"
	"github.com/Yalloc/yalloc/internal/region"
)

// naturalAlign is the alignment every slab cell of the given length already
// satisfies: cell sizes are 16-byte rounded (or BaseAlign for the tiny
// table's classes), and the bump arena places payloads on 16-byte
// boundaries too.
func (h *Heap) naturalAlign(n uintptr) uintptr {
	if n <= 8 {
		return 8
	}
	return 16
}

// AlignedAlloc implements aligned_alloc(A, L): delegates to plain Malloc
// when A does not exceed the natural alignment a size-class cell already
// provides, otherwise carves an over-sized buddy block (or, above the mmap
// threshold, a dedicated mapping) and records an anchor so Free/Realloc can
// resolve the interior pointer.
func (h *Heap) AlignedAlloc(a, n uintptr) uintptr {
	if n == 0 {
		return ZeroBlock()
	}
	if a <= h.naturalAlign(n) && n < h.limits.MaxClassLen {
		return h.Malloc(n, false)
	}
	if h.enterReentry("heap.AlignedAlloc") {
		h.leaveReentry()
		return degradedPtr()
	}
	defer h.leaveReentry()

	var (
		p  uintptr
		ok bool
	)
	if n >= h.limits.MmapThreshold {
		p, ok = h.alignedMmapAlloc(a, n)
		if !ok {
			h.trimBins()
			p, ok = h.alignedMmapAlloc(a, n)
		}
	} else {
		p, ok = h.alignedBuddyAlloc(a, n)
		if !ok {
			h.trimBins()
			p, ok = h.alignedBuddyAlloc(a, n)
		}
	}
	if !ok {
		diag.OOM("heap.AlignedAlloc", n)
		return 0
	}
	return p
}

// alignedBuddyAlloc requests a buddy block large enough to contain an
// a-aligned span of n bytes, anchoring the aligned interior pointer on the
// region when it does not coincide with the block start.
func (h *Heap) alignedBuddyAlloc(a, n uintptr) (uintptr, bool) {
	want := n
	if want < a {
		want = a
	}
	needOrder := h.limits.MinOrder
	for uintptr(1)<<needOrder < want+a {
		needOrder++
	}

	for _, reg := range h.buddyRegions {
		if reg.Order < needOrder {
			continue
		}
		if off, ok := buddy.Alloc(reg, want+a, false); ok {
			return h.anchorAligned(reg, off, a), true
		}
	}

	order := newRegOrder(h.limits.MinOrder, h.limits.MaxOrder)
	if order < needOrder {
		order = needOrder
	}
	reg, ok := h.newBuddyRegion(order)
	if !ok {
		return 0, false
	}
	off, ok := buddy.Alloc(reg, want+a, false)
	if !ok {
		return 0, false
	}
	return h.anchorAligned(reg, off, a), true
}

func (h *Heap) anchorAligned(reg *region.Descriptor, blockOff, align uintptr) uintptr {
	blockAddr := reg.UserBase + blockOff
	alignedAddr := climits.AlignUp(blockAddr, align)
	if alignedAddr != blockAddr {
		buddy.AddAnchor(reg, alignedAddr-reg.UserBase, blockOff)
	}
	h.live++
	return alignedAddr
}

// PosixMemalign implements posix_memalign(memptr, a, n): returns the
// aligned pointer, with ok=false (ENOMEM) on failure.
func (h *Heap) PosixMemalign(a, n uintptr) (ptr uintptr, ok bool) {
	p := h.AlignedAlloc(a, n)
	return p, p != 0
}
