package heap

import (
	"sync/atomic"

	"github.com/Yalloc/yalloc/internal/osmem"
	"github.com/Yalloc/yalloc/internal/recycle"
	"github.com/Yalloc/yalloc/internal/region"
)

// Teardown releases every OS mapping the heap still holds: the retained
// slab regions of each committed class and any buddy regions that never
// emptied their way out. It is the terminal step of speculative heap
// deletion and must only run once the heap is empty; the heap is not
// usable afterward.
func (h *Heap) Teardown() {
	for _, cs := range h.classes {
		if cs == nil || cs.ring == nil {
			continue
		}
		head := cs.ring
		r := head
		for {
			next := r.Slab.Next
			h.unmapRegion(r)
			if next == head {
				break
			}
			r = next
		}
		cs.ring = nil
		cs.bin = recycle.Bin{}
	}
	for _, reg := range h.buddyRegions {
		h.unmapRegion(reg)
	}
	h.buddyRegions = nil
	h.dir.ReclaimAll()
}

func (h *Heap) unmapRegion(reg *region.Descriptor) {
	h.dir.Erase(reg.UserBase, reg.UserLen)
	osmem.Unmap(reg.MapBase, reg.MapLen)
	atomic.AddInt64(&globalMapCount, -1)
	h.pool.Put(reg)
}
