package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/region"
)

// mmapAlloc implements the large/direct-map path: lengths at or above
// MmapThreshold map a dedicated region directly. The OS guarantees
// zero-filled pages for a fresh anonymous mapping, so no explicit zeroing
// is needed regardless of the caller's clear request.
func (h *Heap) mmapAlloc(n uintptr) (uintptr, bool) {
	mapLen := climits.AlignUp(n, grain)
	base, raw, rawLen, err := osmem.MapAligned(mapLen, grain)
	if err != nil {
		return 0, false
	}
	atomic.AddInt64(&globalMapCount, 1)

	reg := h.pool.Get()
	reg.Kind = region.Mmap
	reg.UserBase = base
	reg.UserLen = mapLen
	reg.MapBase = raw
	reg.MapLen = rawLen
	reg.Clas = region.NoClass

	if err := h.dir.Insert(reg, base, mapLen); err != nil {
		osmem.Unmap(raw, rawLen)
		h.pool.Put(reg)
		atomic.AddInt64(&globalMapCount, -1)
		return 0, false
	}

	h.live++
	return base, true
}

// alignedMmapAlloc maps a dedicated region whose user base satisfies
// alignment a directly; the mapping carries slack when the kernel's own
// placement is not strict enough, recorded as the align anchor so free can
// validate the pointer it is given.
func (h *Heap) alignedMmapAlloc(a, n uintptr) (uintptr, bool) {
	if a < grain {
		a = grain
	}
	mapLen := climits.AlignUp(n, grain)
	base, raw, rawLen, err := osmem.MapAligned(mapLen, a)
	if err != nil {
		return 0, false
	}
	atomic.AddInt64(&globalMapCount, 1)

	reg := h.pool.Get()
	reg.Kind = region.Mmap
	reg.UserBase = base
	reg.UserLen = mapLen
	reg.MapBase = raw
	reg.MapLen = rawLen
	reg.Clas = region.NoClass
	if raw != base {
		reg.AlignAnchor = base
	}

	if err := h.dir.Insert(reg, base, mapLen); err != nil {
		osmem.Unmap(raw, rawLen)
		h.pool.Put(reg)
		atomic.AddInt64(&globalMapCount, -1)
		return 0, false
	}

	h.live++
	return base, true
}
