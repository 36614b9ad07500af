// Package recycle implements the per-class recycling bin: an MRU cache of
// up to Bin recently freed pointers, checked before the slab engine on
// allocate and used to detect duplicate/recycled frees before a pointer is
// genuinely returned to its slab.
package recycle

import "github.com/Yalloc/yalloc/internal/climits"

// Entry pairs a cached pointer with the region it belongs to, so the heap
// can hand it straight back to the slab engine on eviction without a
// directory lookup.
type Entry struct {
	Ptr    uintptr
	Region interface{} // *region.Descriptor; kept generic to avoid an import cycle
}

// Bin is one committed class's recycle bin: up to climits.Bin slots, slot 0
// the most-recently-freed, slot Bin-1 the least. occupied tracks which
// slots currently hold a live entry.
type Bin struct {
	slots    [climits.Bin]Entry
	occupied uint8
}

// Find reports whether ptr is currently cached (a recycled/duplicate free
// if the caller is about to free it again, or a hit if the caller is
// allocating).
func (b *Bin) Find(ptr uintptr) (slot int, found bool) {
	for i := 0; i < climits.Bin; i++ {
		if b.occupied&(1<<uint(i)) != 0 && b.slots[i].Ptr == ptr {
			return i, true
		}
	}
	return 0, false
}

// Full reports whether every slot is occupied.
func (b *Bin) Full() bool {
	return b.occupied == (1<<climits.Bin)-1
}

// TakeMRU removes and returns the most-recently-freed entry, for an
// allocation that wants to reuse a cached cell without touching the slab.
func (b *Bin) TakeMRU() (Entry, bool) {
	if b.occupied&1 == 0 {
		return Entry{}, false
	}
	e := b.slots[0]
	b.shiftOutFront()
	return e, true
}

// Insert pushes a freshly freed pointer to the front of the bin. If the bin
// is full, the caller must first evict the LRU slot via EvictLRU (genuinely
// freeing it through the slab engine) before calling Insert.
func (b *Bin) Insert(e Entry) {
	for i := climits.Bin - 1; i > 0; i-- {
		b.slots[i] = b.slots[i-1]
	}
	b.slots[0] = e
	b.occupied = (b.occupied << 1) | 1
}

// CountRegion reports how many cached entries belong to the given region.
func (b *Bin) CountRegion(r interface{}) int {
	n := 0
	for i := 0; i < climits.Bin; i++ {
		if b.occupied&(1<<uint(i)) != 0 && b.slots[i].Region == r {
			n++
		}
	}
	return n
}

// DrainRegion removes and returns every cached entry belonging to the
// given region, compacting the survivors toward the front with their
// recency order preserved; used when the heap is about to release the
// region and must not leave dangling bin entries behind.
func (b *Bin) DrainRegion(r interface{}) []Entry {
	var drained []Entry
	var kept [climits.Bin]Entry
	nk := 0
	for i := 0; i < climits.Bin; i++ {
		if b.occupied&(1<<uint(i)) == 0 {
			continue
		}
		if b.slots[i].Region == r {
			drained = append(drained, b.slots[i])
		} else {
			kept[nk] = b.slots[i]
			nk++
		}
	}
	b.slots = kept
	b.occupied = uint8((1 << uint(nk)) - 1)
	return drained
}

// EvictLRU returns the least-recently-freed entry (slot Bin-1) and clears
// its slot, making room for a new Insert. The caller is responsible for
// genuinely returning it to the slab engine.
func (b *Bin) EvictLRU() (Entry, bool) {
	const last = climits.Bin - 1
	if b.occupied&(1<<last) == 0 {
		return Entry{}, false
	}
	e := b.slots[last]
	b.occupied &^= 1 << last
	return e, true
}

func (b *Bin) shiftOutFront() {
	for i := 0; i < climits.Bin-1; i++ {
		b.slots[i] = b.slots[i+1]
	}
	b.occupied >>= 1
}
