package heap

// owns reports whether ptr was allocated from this heap: either it falls
// inside the bump arena, or the directory recognizes it.
func (h *Heap) owns(ptr uintptr) bool {
	if h.inBumpArena(ptr) {
		return true
	}
	return h.dir.Lookup(ptr) != nil
}
