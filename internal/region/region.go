// Package region defines the region descriptor — the single record type
// shared by the buddy engine, the slab engine, the direct-map path and the
// region directory — plus the descriptor pool that hands them out without
// ever calling back into the allocator it is part of.
package region

import "github.com/Yalloc/yalloc/internal/bitset"

// Kind identifies what a region's user segment is partitioned as.
type Kind int

const (
	// Nil marks a descriptor sitting on the free-descriptor list: owned by
	// no ring, describing no live memory.
	Nil Kind = iota
	// Buddy is a power-of-two region split by the buddy engine.
	Buddy
	// Slab is a region partitioned into equal-size cells of one class.
	Slab
	// Mmap is a single large allocation mapped directly, one region per
	// call, no internal partitioning.
	Mmap
)

// NoClass is the sentinel committed-class index for regions with no slab
// class (buddy, mmap, or a not-yet-classed descriptor).
const NoClass = -1

// BuddyMeta holds the per-order bookkeeping for a Buddy-kind region. Index
// o-MinOrder addresses order o, for MinOrder <= o <= Order.
type BuddyMeta struct {
	Avail []*bitset.Set // avail[o]: free & unsplit blocks at order o
	Alloc []*bitset.Set // alloc[o]: allocated (not further split) at order o
	Freed []*bitset.Set // freed[o]: ever-freed, for double-free detection
	Sums  []int         // sums[o]: count of free unsplit blocks at order o
	// OrderMap holds, per minimum-order block index, the order at which the
	// block most recently carved starting there was allocated. Entries
	// survive the block's free so a repeat free can still resolve its order
	// and be told apart from a free of a never-allocated offset.
	OrderMap []uint8
	// Anchors maps an aligned-interior-pointer's offset (from UserBase) to
	// the real block-start offset, so free/realloc of an over-aligned
	// pointer can resolve back to the block the buddy engine actually
	// carved. Populated by AlignedAlloc's buddy path, one entry per
	// outstanding aligned allocation.
	Anchors map[uintptr]uintptr
}

// SlabMeta holds the per-cell bookkeeping for a Slab-kind region.
type SlabMeta struct {
	Avail     *bitset.Set // one bit per cell, 1 = free
	EverFreed *bitset.Set // one bit per cell, 1 = has been freed at least once
	CellLen   uintptr
	CellCount int
	CellOrd   uint // log2(CellLen) if CellLen is a power of two, else 0
	FreeCount int
	// LinOfs/LinMask cache the last word drawn from, for the O(1)
	// count-trailing-zeros fast path described for slab allocate.
	LinOfs  int
	LinMask uint64
	Next    *Descriptor // intra-class ring
	Prev    *Descriptor
}

// Descriptor is one region: a contiguous power-of-two (for Buddy) or
// explicitly-sized (for Mmap) virtual address range, plus whichever of
// BuddyMeta/SlabMeta applies.
type Descriptor struct {
	UserBase uintptr
	UserLen  uintptr
	MetaBase uintptr
	MetaLen  uintptr

	// MapBase/MapLen describe the raw OS mapping backing the user segment.
	// They differ from UserBase/UserLen when the mapping was over-allocated
	// to place UserBase on a directory-granule (or stricter) boundary; Unmap
	// must always be given these, never the user values.
	MapBase uintptr
	MapLen  uintptr

	Order uint // log2(UserLen) for Buddy regions
	Kind  Kind

	Clas int // committed size-class index (Slab only), else NoClass

	Buddy *BuddyMeta
	Slab  *SlabMeta

	// AlignAnchor holds the user-visible aligned pointer for an Mmap region
	// that was over-allocated to satisfy an alignment request; zero if none.
	AlignAnchor uintptr

	ID uint64

	// BinNext links free descriptors together on the pool's free list; it
	// is the descriptor's only field still meaningful once Kind == Nil.
	BinNext *Descriptor
}

// Reset clears a descriptor back to its Nil, unowned state so the pool can
// safely hand it out again.
func (d *Descriptor) Reset() {
	*d = Descriptor{Kind: Nil, Clas: NoClass}
}

// Contains reports whether address a falls in this region's user segment.
func (d *Descriptor) Contains(a uintptr) bool {
	return a >= d.UserBase && a < d.UserBase+d.UserLen
}
