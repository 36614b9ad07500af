package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/buddy"
	"github.com/Yalloc/yalloc/internal/climits"
	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/region"
)

// mapShifts tabulates newRegOrder's monotone shift as a function of
// log2(globalMapCount): regions grow logarithmically with program
// footprint, bounding the total OS mapping count.
var mapShifts = [...]uint{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10}

// newRegOrder chooses the order of a newly created buddy region as
// MinRegion + shift(globalMapCount).
func newRegOrder(minOrder, maxOrder uint) uint {
	mc := atomic.LoadInt64(&globalMapCount)
	shift := uint(0)
	for mc > 0 && int(shift)+1 < len(mapShifts) {
		shift++
		mc >>= 1
	}
	o := climits.MinRegion + mapShifts[shift]
	if o < minOrder {
		o = minOrder
	}
	if o > maxOrder {
		o = maxOrder
	}
	return o
}

// buddyAlloc serves a length from the buddy path: length is padded up to
// 1<<MinOrder and carved from an existing buddy region that has room, or a
// freshly mapped one otherwise.
func (h *Heap) buddyAlloc(n uintptr, clear bool) (uintptr, bool) {
	needOrder := h.limits.MinOrder
	for uintptr(1)<<needOrder < n {
		needOrder++
	}

	for _, reg := range h.buddyRegions {
		if reg.Order < needOrder {
			continue
		}
		if off, ok := buddy.Alloc(reg, n, clear); ok {
			return reg.UserBase + off, true
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
	off, ok := buddy.Alloc(reg, n, clear)
	if !ok {
		return 0, false
	}
	return reg.UserBase + off, true
}

func (h *Heap) newBuddyRegion(order uint) (*region.Descriptor, bool) {
	userLen := uintptr(1) << order
	userBase, raw, rawLen, err := osmem.MapAligned(userLen, grain)
	if err != nil {
		return nil, false
	}
	atomic.AddInt64(&globalMapCount, 1)

	reg := h.pool.Get()
	reg.Kind = region.Buddy
	reg.UserBase = userBase
	reg.UserLen = userLen
	reg.MapBase = raw
	reg.MapLen = rawLen
	reg.Order = order
	reg.Clas = region.NoClass
	reg.Buddy = buddy.NewMeta(order)

	if err := h.dir.Insert(reg, userBase, userLen); err != nil {
		osmem.Unmap(raw, rawLen)
		h.pool.Put(reg)
		atomic.AddInt64(&globalMapCount, -1)
		return nil, false
	}

	h.buddyRegions = append([]*region.Descriptor{reg}, h.buddyRegions...)
	return reg, true
}

// releaseBuddyRegion unmaps a now fully-free buddy region and removes it
// from the heap's tracking slice and the directory.
func (h *Heap) releaseBuddyRegion(reg *region.Descriptor) {
	h.dir.Erase(reg.UserBase, reg.UserLen)
	osmem.Unmap(reg.MapBase, reg.MapLen)
	atomic.AddInt64(&globalMapCount, -1)
	for i, r := range h.buddyRegions {
		if r == reg {
			h.buddyRegions = append(h.buddyRegions[:i], h.buddyRegions[i+1:]...)
			break
		}
	}
	h.pool.Put(reg)
}
