package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/region"
	"github.com/Yalloc/yalloc/internal/slab"
)

// slabAllocRegion draws one cell from reg, returning its user-segment
// offset.
func slabAllocRegion(reg *region.Descriptor, clear bool) (uintptr, bool) {
	return slab.Alloc(reg, clear)
}

// newSlabRegion maps one directory grain's worth of memory, partitions it
// into cellLen-sized cells, registers it in the directory, and links it
// into the class's intra-class ring at the head (new regions start
// all-free, so they serve first).
func (h *Heap) newSlabRegion(clas int, cellLen uintptr) (*region.Descriptor, bool) {
	userLen := grain
	cellCount := int(userLen / cellLen)

	userBase, raw, rawLen, err := osmem.MapAligned(userLen, grain)
	if err != nil {
		return nil, false
	}
	atomic.AddInt64(&globalMapCount, 1)

	reg := h.pool.Get()
	reg.Kind = region.Slab
	reg.UserBase = userBase
	reg.UserLen = userLen
	reg.MapBase = raw
	reg.MapLen = rawLen
	reg.Clas = clas
	reg.Slab = slab.NewMeta(cellLen, cellCount)

	if err := h.dir.Insert(reg, userBase, userLen); err != nil {
		osmem.Unmap(raw, rawLen)
		h.pool.Put(reg)
		atomic.AddInt64(&globalMapCount, -1)
		return nil, false
	}

	cs := h.classes[clas]
	h.linkRingHead(cs, reg)
	return reg, true
}

// linkRingHead inserts reg at the head of the class's doubly linked ring.
func (h *Heap) linkRingHead(cs *classState, reg *region.Descriptor) {
	if cs.ring == nil {
		reg.Slab.Next = reg
		reg.Slab.Prev = reg
		cs.ring = reg
		return
	}
	head := cs.ring
	tail := head.Slab.Prev
	reg.Slab.Next = head
	reg.Slab.Prev = tail
	tail.Slab.Next = reg
	head.Slab.Prev = reg
	cs.ring = reg
}

// rotateClassRing moves the ring head to the next region once the current
// head has filled, so future allocations skip straight past it.
func (h *Heap) rotateClassRing(cs *classState) {
	if cs.ring == nil {
		return
	}
	cs.ring = cs.ring.Slab.Next
}

// promoteToHead re-links reg at the head of its class's ring after a
// full-to-nonfull free transition, so future allocations prefer it.
func (h *Heap) promoteToHead(cs *classState, reg *region.Descriptor) {
	if cs.ring == reg {
		return
	}
	h.unlinkRing(reg)
	h.linkRingHead(cs, reg)
}

func (h *Heap) unlinkRing(reg *region.Descriptor) {
	reg.Slab.Prev.Slab.Next = reg.Slab.Next
	reg.Slab.Next.Slab.Prev = reg.Slab.Prev
}

// releaseSlabRegion unmaps a now fully-free slab region, unlinking it from
// its class ring and erasing it from the directory, the slab counterpart
// of releaseBuddyRegion. The caller must already have drained any recycle
// bin entries pointing into the region.
func (h *Heap) releaseSlabRegion(reg *region.Descriptor) {
	cs := h.classes[reg.Clas]
	if reg.Slab.Next == reg {
		cs.ring = nil
	} else {
		if cs.ring == reg {
			cs.ring = reg.Slab.Next
		}
		h.unlinkRing(reg)
	}
	h.dir.Erase(reg.UserBase, reg.UserLen)
	osmem.Unmap(reg.MapBase, reg.MapLen)
	atomic.AddInt64(&globalMapCount, -1)
	h.pool.Put(reg)
}
