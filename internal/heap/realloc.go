package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/buddy"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/diag"
	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/region"
)

// Realloc implements realloc(p, newLen): p==0 behaves as Malloc, newLen==0
// behaves as Free, otherwise it dispatches by region kind, since a
// bump-arena, slab, buddy, or mmap pointer each has a genuinely different
// "can this grow in place" rule.
func (h *Heap) Realloc(p, newLen uintptr) uintptr {
	if p == 0 {
		return h.Malloc(newLen, false)
	}
	if newLen == 0 {
		h.Free(p)
		return 0
	}
	if IsZeroBlock(p) {
		return h.Malloc(newLen, false)
	}

	if h.inBumpArena(p) {
		oldLen := h.bumpHeaderLen(p)
		if oldLen == 0 {
			diag.DoubleFree("heap.Realloc", p)
			return 0
		}
		if newLen <= oldLen {
			return p
		}
		return h.reallocCopy(p, oldLen, newLen, true)
	}

	reg := h.dir.Lookup(p)
	if reg == nil {
		diag.InvalidFree("heap.Realloc", p)
		return 0
	}

	switch reg.Kind {
	case region.Slab:
		return h.reallocSlab(reg, p, newLen)
	case region.Buddy:
		return h.reallocBuddy(reg, p, newLen)
	case region.Mmap:
		return h.reallocMmap(reg, p, newLen)
	default:
		return 0
	}
}

func (h *Heap) reallocSlab(reg *region.Descriptor, p, newLen uintptr) uintptr {
	cs := h.classes[reg.Clas]
	if _, found := cs.bin.Find(p); found {
		diag.RecycledFree("heap.Realloc", p)
		return 0
	}
	orgLen := reg.Slab.CellLen
	if newLen <= orgLen {
		return p
	}
	return h.reallocCopy(p, orgLen, newLen, true)
}

func (h *Heap) reallocBuddy(reg *region.Descriptor, p, newLen uintptr) uintptr {
	off := p - reg.UserBase
	if realOff, anchored := reg.Buddy.Anchors[off]; anchored {
		off = realOff
	}
	if err := buddy.Realloc(reg, off, newLen); err == nil {
		return p
	}
	oldLen := recordedLen(reg, p)
	return h.reallocCopy(p, oldLen, newLen, true)
}

func (h *Heap) reallocMmap(reg *region.Descriptor, p, newLen uintptr) uintptr {
	want := reg.UserBase
	if reg.AlignAnchor != 0 {
		want = reg.AlignAnchor
	}
	if p != want {
		diag.InvalidFree("heap.Realloc", p)
		return 0
	}
	if newLen <= reg.UserLen {
		return p
	}
	mapLen := climits.AlignUp(newLen, grain)

	// A slack-free mapping can try the kernel's own remap first; a moved
	// result is only adoptable if it still lands on a grain boundary.
	if reg.MapBase == reg.UserBase && reg.MapLen == reg.UserLen {
		np, _, err := osmem.Remap(reg.UserBase, reg.UserLen, mapLen)
		if err != nil {
			diag.OOM("heap.Realloc", newLen)
			return 0
		}
		if np&(grain-1) == 0 {
			return h.adoptMmapMapping(reg, np, np, mapLen, mapLen)
		}
		// The kernel moved the block off grain alignment; migrate it once
		// more into a mapping whose user base this heap controls.
		nb, nraw, nrawLen, err := osmem.MapAligned(mapLen, grain)
		if err != nil {
			osmem.Unmap(np, mapLen)
			atomic.AddInt64(&globalMapCount, -1)
			h.dir.Erase(reg.UserBase, reg.UserLen)
			h.pool.Put(reg)
			h.live--
			diag.OOM("heap.Realloc", newLen)
			return 0
		}
		copy(bytesAt(nb, mapLen), bytesAt(np, mapLen))
		osmem.Unmap(np, mapLen)
		return h.adoptMmapMapping(reg, nb, nraw, nrawLen, mapLen)
	}

	// Over-allocated (alignment-slack) mapping: grow via fresh map + copy.
	nb, nraw, nrawLen, err := osmem.MapAligned(mapLen, grain)
	if err != nil {
		diag.OOM("heap.Realloc", newLen)
		return 0
	}
	atomic.AddInt64(&globalMapCount, 1)
	copy(bytesAt(nb, reg.UserLen), bytesAt(reg.UserBase, reg.UserLen))
	osmem.Unmap(reg.MapBase, reg.MapLen)
	atomic.AddInt64(&globalMapCount, -1)
	reg.AlignAnchor = 0
	return h.adoptMmapMapping(reg, nb, nraw, nrawLen, mapLen)
}

// adoptMmapMapping points reg at a (possibly new) mapping and re-registers
// it in the directory. The previous user range is erased first; the old
// mapping itself must already have been released or subsumed by the caller.
func (h *Heap) adoptMmapMapping(reg *region.Descriptor, base, raw, rawLen, userLen uintptr) uintptr {
	h.dir.Erase(reg.UserBase, reg.UserLen)
	reg.UserBase = base
	reg.UserLen = userLen
	reg.MapBase = raw
	reg.MapLen = rawLen
	if err := h.dir.Insert(reg, base, userLen); err != nil {
		osmem.Unmap(raw, rawLen)
		atomic.AddInt64(&globalMapCount, -1)
		h.pool.Put(reg)
		h.live--
		return 0
	}
	return base
}

func (h *Heap) reallocCopy(p, oldLen, newLen uintptr, doFree bool) uintptr {
	np := h.Malloc(newLen, false)
	if np == 0 {
		return 0
	}
	copy(bytesAt(np, oldLen), bytesAt(p, oldLen))
	if doFree {
		h.Free(p)
	}
	return np
}
