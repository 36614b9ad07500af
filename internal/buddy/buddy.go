// Package buddy implements power-of-two block allocation inside a single
// region: split-on-allocate, coalesce-on-free, with three-level occupancy
// accelerators (via internal/bitset) keeping free-block search to a few
// word scans regardless of region size.
package buddy

import (
	"github.com/Yalloc/yalloc/internal/bitset"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/region"
)

// ErrMustCopy is returned by Realloc when the requested size does not fit
// within the block's existing order; the caller must allocate fresh, copy,
// and free the old block.
var ErrMustCopy = mustCopyErr{}

type mustCopyErr struct{}

func (mustCopyErr) Error() string { return "buddy: block must be reallocated via copy" }

// NewMeta builds the bookkeeping for a fresh Buddy region of the given
// order: MinOrder..order inclusive, starting fully free at the top order.
func NewMeta(order uint) *region.BuddyMeta {
	norders := int(order-climits.MinOrder) + 1
	m := &region.BuddyMeta{
		Avail:    make([]*bitset.Set, norders),
		Alloc:    make([]*bitset.Set, norders),
		Freed:    make([]*bitset.Set, norders),
		Sums:     make([]int, norders),
		OrderMap: make([]uint8, 1<<(order-climits.MinOrder)),
		Anchors:  make(map[uintptr]uintptr),
	}
	for o := uint(climits.MinOrder); o <= order; o++ {
		n := blockCount(order, o)
		m.Avail[o-climits.MinOrder] = bitset.New(n)
		m.Alloc[o-climits.MinOrder] = bitset.New(n)
		m.Freed[o-climits.MinOrder] = bitset.New(n)
	}
	top := order - climits.MinOrder
	m.Avail[top].Set(0)
	m.Sums[top] = 1
	return m
}

// blockCount returns the number of blocks of order o that fit in a region
// of order regionOrder.
func blockCount(regionOrder, o uint) int {
	return 1 << (regionOrder - o)
}

// Alloc carves a block of at least length bytes out of region r, returning
// its user-segment offset. ok is false if the region has no free block of
// sufficient order (the caller must try another region or create one).
func Alloc(r *region.Descriptor, length uintptr, clear bool) (offset uintptr, ok bool) {
	m := r.Buddy
	o := climits.MinOrder
	for uintptr(1)<<uint(o) < length {
		o++
	}
	if uint(o) > r.Order {
		return 0, false
	}

	fit := -1
	for oo := o; oo <= int(r.Order); oo++ {
		if m.Sums[oo-climits.MinOrder] > 0 {
			fit = oo
			break
		}
	}
	if fit == -1 {
		return 0, false
	}

	blockIdx := m.Avail[fit-climits.MinOrder].FirstSet()
	splitDown(m, fit, blockIdx, o)

	finalIdx := blockIdx << uint(fit-o)
	markAllocated(m, o, finalIdx)

	off := uintptr(finalIdx) << uint(o)
	if clear {
		zero(r, off, uintptr(1)<<uint(o))
	}
	return off, true
}

// splitDown halves a free block at order `from` repeatedly down to order
// `to`, marking each upper half free at its new order and descending into
// the lower half. The lower block left at `to` is not marked free: the
// caller allocates it.
func splitDown(m *region.BuddyMeta, from, blockIdx, to int) {
	m.Avail[from-climits.MinOrder].Clear(blockIdx)
	m.Sums[from-climits.MinOrder]--
	for o := from; o > to; o-- {
		lower := blockIdx * 2
		upper := lower + 1
		m.Avail[o-1-climits.MinOrder].Set(upper)
		m.Sums[o-1-climits.MinOrder]++
		blockIdx = lower
	}
}

func markAllocated(m *region.BuddyMeta, o, blockIdx int) {
	m.Alloc[o-climits.MinOrder].Set(blockIdx)
	minBlockIdx := blockIdx << uint(o-climits.MinOrder)
	m.OrderMap[minBlockIdx] = uint8(o)
}

// Free releases the block starting at user-segment offset off, reading its
// order from OrderMap. full is true if the whole region is now free again
// (caller should erase it from the directory and release its memory).
// invalid means off never started an allocated block; alreadyFreed means it
// did once, but the block is free now. The OrderMap entry is kept on free
// so a repeat free still resolves to the right order for that distinction.
func Free(r *region.Descriptor, off uintptr) (alreadyFreed, invalid bool, full bool) {
	m := r.Buddy
	minBlockIdx := int(off >> climits.MinOrder)
	if minBlockIdx < 0 || minBlockIdx >= len(m.OrderMap) {
		return false, true, false
	}
	o := int(m.OrderMap[minBlockIdx])
	if o == 0 {
		return false, true, false
	}
	blockIdx := minBlockIdx >> uint(o-climits.MinOrder)

	oi := o - climits.MinOrder
	if !m.Alloc[oi].Test(blockIdx) {
		if m.Freed[oi].Test(blockIdx) {
			return true, false, false
		}
		return false, true, false
	}

	m.Alloc[oi].Clear(blockIdx)
	m.Freed[oi].Set(blockIdx)
	m.Avail[oi].Set(blockIdx)
	m.Sums[oi]++

	coalesce(m, o, blockIdx, int(r.Order))

	full = isFullyFree(m, int(r.Order))
	return false, false, full
}

// coalesce merges a freed block with its buddy, repeatedly, while the
// buddy is also free and unsplit, propagating up to the region's top order.
func coalesce(m *region.BuddyMeta, o, blockIdx, topOrder int) {
	for o < topOrder {
		buddyIdx := blockIdx ^ 1
		oi := o - climits.MinOrder
		if !m.Avail[oi].Test(buddyIdx) {
			return
		}
		m.Avail[oi].Clear(blockIdx)
		m.Avail[oi].Clear(buddyIdx)
		m.Sums[oi] -= 2
		parent := blockIdx / 2
		o++
		oi = o - climits.MinOrder
		m.Avail[oi].Set(parent)
		m.Sums[oi]++
		blockIdx = parent
	}
}

func isFullyFree(m *region.BuddyMeta, topOrder int) bool {
	top := topOrder - climits.MinOrder
	return m.Sums[top] == 1
}

// Realloc resolves an in-place resize request for the block at off: nil
// when the block's existing order already covers newLen, ErrMustCopy when
// the caller must allocate fresh, copy and free instead.
func Realloc(r *region.Descriptor, off, newLen uintptr) error {
	if CanGrowInPlace(r, off, newLen) {
		return nil
	}
	return ErrMustCopy
}

// CanGrowInPlace reports whether newLen still fits in the block's existing
// order: realloc only grows in place when the current block's order
// already covers the new length.
func CanGrowInPlace(r *region.Descriptor, off, newLen uintptr) bool {
	m := r.Buddy
	minBlockIdx := int(off >> climits.MinOrder)
	if minBlockIdx < 0 || minBlockIdx >= len(m.OrderMap) {
		return false
	}
	o := m.OrderMap[minBlockIdx]
	if o == 0 {
		return false
	}
	return newLen <= uintptr(1)<<o
}

// AddAnchor records an over-aligned interior pointer's offset against the
// offset of the real block the buddy engine carved for it. Unlike the
// single mmap-only align anchor field, a buddy region may host several
// concurrent aligned allocations, so each gets its own map entry.
func AddAnchor(r *region.Descriptor, alignedOff, blockOff uintptr) {
	r.Buddy.Anchors[alignedOff] = blockOff
}

// ResolveAnchor returns the real block offset for a previously recorded
// aligned interior pointer, and removes the entry (the anchor is consumed
// by the matching free/realloc).
func ResolveAnchor(r *region.Descriptor, alignedOff uintptr) (uintptr, bool) {
	off, ok := r.Buddy.Anchors[alignedOff]
	if ok {
		delete(r.Buddy.Anchors, alignedOff)
	}
	return off, ok
}

func zero(r *region.Descriptor, off, n uintptr) {
	b := bytesAt(r.UserBase+off, n)
	for i := range b {
		b[i] = 0
	}
}
