package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/buddy"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/diag"
	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/recycle"
	"github.com/Yalloc/yalloc/internal/region"
	"github.com/Yalloc/yalloc/internal/slab"
)

// Free releases p, dispatching on the kind of region that owns it. Every
// invalid input is diagnosed and left untouched; Free never panics.
func (h *Heap) Free(p uintptr) {
	if p == 0 {
		return
	}
	if IsZeroBlock(p) {
		if zeroBlockStorage != 0 {
			diag.WrittenZeroBlock("heap.Free")
		}
		return
	}

	if h.inBumpArena(p) {
		h.freeBump(p)
		return
	}

	reg := h.dir.Lookup(p)
	if reg == nil {
		diag.InvalidFree("heap.Free", p)
		return
	}

	switch reg.Kind {
	case region.Slab:
		h.freeSlab(reg, p)
	case region.Buddy:
		h.freeBuddy(reg, p)
	case region.Mmap:
		h.freeMmap(reg, p)
	default:
		diag.InvalidFree("heap.Free", p)
	}
}

// freeBump releases a bump-arena cell: the header is zeroed so a repeat
// free is detectable, and the cell is remembered for reuse if the small
// free stack has room.
func (h *Heap) freeBump(p uintptr) {
	n := h.bumpHeaderLen(p)
	if n == 0 {
		diag.DoubleFree("heap.Free", p)
		return
	}
	h.setBumpHeaderLen(p, 0)
	if h.bumpFreeN < len(h.bumpFree) {
		h.bumpFree[h.bumpFreeN] = bumpSlot{ptr: p, len: n}
		h.bumpFreeN++
	}
	h.live--
}

func (h *Heap) freeSlab(reg *region.Descriptor, p uintptr) {
	off, invalid := slab.Chk4Free(reg, p)
	if invalid {
		diag.InvalidFree("heap.Free", p)
		return
	}
	if !slab.IsAllocated(reg, off) {
		diag.DoubleFree("heap.Free", p)
		return
	}

	cs := h.classes[reg.Clas]
	if _, found := cs.bin.Find(p); found {
		diag.RecycledFree("heap.Free", p)
		return
	}

	// If this free leaves reg with no live cells beyond those parked in
	// the bin, parking p too would keep an idle region mapped forever.
	// Flush the region's binned cells and free p for real instead; the
	// last of those frees empties the region and releases it.
	if reg.Slab.FreeCount+1+cs.bin.CountRegion(reg) == reg.Slab.CellCount {
		for _, e := range cs.bin.DrainRegion(reg) {
			h.slabFreeNow(reg, e.Ptr)
		}
		h.slabFreeNow(reg, p)
		h.live--
		return
	}

	if cs.bin.Full() {
		lru, ok := cs.bin.EvictLRU()
		if ok {
			h.slabFreeNow(lru.Region.(*region.Descriptor), lru.Ptr)
		}
	}
	cs.bin.Insert(recycle.Entry{Ptr: p, Region: reg})
	h.live--
}

// slabFreeNow genuinely returns a pointer to the slab engine, bypassing the
// recycle bin; used when the class heap.Free path evicts the bin's LRU
// entry, when a bin trim or flush wants cells released, and it is the one
// place a slab region's fully-free transition is acted on.
func (h *Heap) slabFreeNow(reg *region.Descriptor, p uintptr) {
	off := p - reg.UserBase
	doubleFree, becameNonFull, becameEmpty := slab.Free(reg, off)
	if doubleFree {
		diag.DoubleFree("heap.slabFreeNow", p)
		return
	}
	if becameEmpty {
		h.releaseSlabRegion(reg)
		return
	}
	if becameNonFull {
		h.promoteToHead(h.classes[reg.Clas], reg)
	}
}

func (h *Heap) freeBuddy(reg *region.Descriptor, p uintptr) {
	off := p - reg.UserBase
	if realOff, anchored := buddy.ResolveAnchor(reg, off); anchored {
		off = realOff
	}
	alreadyFreed, invalid, full := buddy.Free(reg, off)
	if invalid {
		diag.InvalidFree("heap.Free", p)
		return
	}
	if alreadyFreed {
		diag.DoubleFree("heap.Free", p)
		return
	}
	h.live--
	if full {
		h.releaseBuddyRegion(reg)
	}
}

func (h *Heap) freeMmap(reg *region.Descriptor, p uintptr) {
	want := reg.UserBase
	if reg.AlignAnchor != 0 {
		want = reg.AlignAnchor
	}
	if p != want {
		diag.InvalidFree("heap.Free", p)
		return
	}
	if reg.UserLen < h.limits.MmapThreshold {
		diag.Emit(diag.Validation, "heap.Free", "mmap region length %d below direct-map threshold", reg.UserLen)
	}
	h.dir.Erase(reg.UserBase, reg.UserLen)
	osmem.Unmap(reg.MapBase, reg.MapLen)
	atomic.AddInt64(&globalMapCount, -1)
	h.pool.Put(reg)
	h.live--
}

// FreeSized implements free_sized(p, n): equivalent to Free, but diagnoses
// first when the caller claims a length beyond what the region recorded.
// Claims below the recorded length are silent, since rounding to a cell or
// block size legitimately grows the recorded value past the request.
func (h *Heap) FreeSized(p uintptr, n uintptr) {
	if p == 0 || IsZeroBlock(p) {
		h.Free(p)
		return
	}
	if h.inBumpArena(p) {
		if recorded := h.bumpHeaderLen(p); recorded != 0 && n > recorded {
			diag.SizeMismatch("heap.FreeSized", p, n, recorded)
		}
		h.Free(p)
		return
	}
	if reg := h.dir.Lookup(p); reg != nil {
		recorded := recordedLen(reg, p)
		if recorded != 0 && n > recorded {
			diag.SizeMismatch("heap.FreeSized", p, n, recorded)
		}
	}
	h.Free(p)
}

func recordedLen(reg *region.Descriptor, p uintptr) uintptr {
	switch reg.Kind {
	case region.Slab:
		return reg.Slab.CellLen
	case region.Mmap:
		return reg.UserLen
	case region.Buddy:
		off := p - reg.UserBase
		if realOff, anchored := reg.Buddy.Anchors[off]; anchored {
			off = realOff
		}
		idx := int(off >> climits.MinOrder)
		if idx < 0 || idx >= len(reg.Buddy.OrderMap) {
			return 0
		}
		o := reg.Buddy.OrderMap[idx]
		if o == 0 {
			return 0
		}
		return uintptr(1) << o
	default:
		return 0
	}
}
