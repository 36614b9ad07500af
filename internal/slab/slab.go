// Package slab implements fixed-size cell allocation within one region:
// bit-per-cell occupancy with a cached live word for an O(1) fast path, and
// the three-level accelerator (via internal/bitset) for the slow path once
// the cached word saturates.
package slab

import (
	"math/bits"

	"github.com/Yalloc/yalloc/internal/bitset"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/region"
)

// NewMeta builds the bookkeeping for a fresh Slab region hosting cellCount
// cells of cellLen bytes each, all initially free.
func NewMeta(cellLen uintptr, cellCount int) *region.SlabMeta {
	var ord uint
	if climits.IsPowerOfTwo(cellLen) {
		ord = climits.Log2Ceil(cellLen)
	}
	m := &region.SlabMeta{
		Avail:     bitset.NewFull(cellCount),
		EverFreed: bitset.New(cellCount),
		CellLen:   cellLen,
		CellCount: cellCount,
		CellOrd:   ord,
		FreeCount: cellCount,
		LinOfs:    -1,
	}
	return m
}

// Alloc draws one free cell from region r, returning its user-segment
// offset. ok is false if the region is full.
func Alloc(r *region.Descriptor, clear bool) (offset uintptr, ok bool) {
	m := r.Slab
	if m.FreeCount == 0 {
		return 0, false
	}

	idx := -1
	if m.LinOfs >= 0 && m.LinMask != 0 {
		b := bits.TrailingZeros64(m.LinMask)
		idx = m.LinOfs*64 + b
		m.LinMask &^= 1 << uint(b)
	} else {
		word := m.Avail.FirstSet()
		if word < 0 {
			return 0, false
		}
		wordIdx := word / 64
		live := m.Avail.WordAndMask(wordIdx)
		b := bits.TrailingZeros64(live)
		idx = wordIdx*64 + b
		m.LinOfs = wordIdx
		m.LinMask = live &^ (1 << uint(b))
	}

	m.Avail.Clear(idx)
	m.FreeCount--

	off := cellOffset(m, idx)
	if clear && m.EverFreed.Test(idx) {
		// Cells never freed before are still zero from the fresh mapping.
		zero(r, off, m.CellLen)
	}
	return off, true
}

func cellOffset(m *region.SlabMeta, idx int) uintptr {
	if m.CellOrd != 0 {
		return uintptr(idx) << m.CellOrd
	}
	return uintptr(idx) * m.CellLen
}

func cellIndex(m *region.SlabMeta, off uintptr) int {
	if m.CellOrd != 0 {
		return int(off >> m.CellOrd)
	}
	return int(off / m.CellLen)
}

// Chk4Free runs the checks a slab pointer must pass before it may enter a
// recycle bin: in-bounds and at a cell boundary. invalid is true for
// anything that fails; the caller's IsAllocated/EverFreed checks stay
// separate so the recycle bin can distinguish a genuine double free from a
// recycled-but-not-yet-physically-freed hit.
func Chk4Free(r *region.Descriptor, p uintptr) (off uintptr, invalid bool) {
	if !r.Contains(p) {
		return 0, true
	}
	off = p - r.UserBase
	if off%r.Slab.CellLen != 0 {
		return 0, true
	}
	idx := cellIndex(r.Slab, off)
	if idx < 0 || idx >= r.Slab.CellCount {
		return 0, true
	}
	return off, false
}

// Free releases the cell at user-segment offset off. doubleFree reports
// that the cell's avail bit was already set (an actual double free, as
// opposed to a recycled-bin hit which the heap layer intercepts earlier).
// becameNonFull reports the full-to-nonfull transition that should move the
// region to the head of its class ring; becameEmpty reports that every cell
// is now free, so the caller can unmap the region and erase it from the
// directory, the same way the buddy engine's full return works.
func Free(r *region.Descriptor, off uintptr) (doubleFree, becameNonFull, becameEmpty bool) {
	m := r.Slab
	idx := cellIndex(m, off)
	if m.Avail.Test(idx) {
		return true, false, false
	}
	wasFull := m.FreeCount == 0
	m.Avail.Set(idx)
	m.EverFreed.Set(idx)
	m.FreeCount++
	return false, wasFull, m.FreeCount == m.CellCount
}

// EverFreed reports whether the cell at the given offset has previously
// been freed at least once (used for the zero-on-reuse optimization and
// for distinguishing a genuine double free from other invalid-free cases).
func EverFreed(r *region.Descriptor, off uintptr) bool {
	return r.Slab.EverFreed.Test(cellIndex(r.Slab, off))
}

// IsAllocated reports whether the cell at the given offset is currently in
// use (avail bit clear).
func IsAllocated(r *region.Descriptor, off uintptr) bool {
	return !r.Slab.Avail.Test(cellIndex(r.Slab, off))
}

func zero(r *region.Descriptor, off, n uintptr) {
	b := bytesAt(r.UserBase+off, n)
	for i := range b {
		b[i] = 0
	}
}
