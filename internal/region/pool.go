package region

// chunkSize is the number of descriptors carved out of the Go heap each
// time the pool grows. Descriptors themselves live on the ordinary Go heap
// (unlike region user/meta segments, which always go through osmem): the
// reentrancy hazard the source avoids by mmap-backing its descriptor pool
// does not exist in Go, since make()/new() route through the Go runtime's
// own allocator rather than back into this one.
const chunkSize = 256

// Pool hands out Descriptor records without ever calling back into the
// heap it serves. It tracks an explicit singly linked free list,
// reused preferentially; once allocated, chunks are never released, and the
// pool never shrinks below whatever it has grown to.
type Pool struct {
	chunks [][]Descriptor
	free   *Descriptor
	nextID uint64
}

// NewPool returns an empty descriptor pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a zeroed, Nil-kind descriptor with a fresh heap-local ID,
// preferring the free list and growing by one chunk only when it is empty.
func (p *Pool) Get() *Descriptor {
	if p.free == nil {
		p.grow()
	}
	d := p.free
	p.free = d.BinNext
	d.Reset()
	p.nextID++
	d.ID = p.nextID
	return d
}

// Put returns a descriptor to the free list. Callers must have already torn
// down any region memory the descriptor referenced.
func (p *Pool) Put(d *Descriptor) {
	d.Reset()
	d.BinNext = p.free
	p.free = d
}

func (p *Pool) grow() {
	chunk := make([]Descriptor, chunkSize)
	p.chunks = append(p.chunks, chunk)
	for i := range chunk {
		chunk[i].Kind = Nil
		chunk[i].BinNext = p.free
		p.free = &chunk[i]
	}
}

// Live reports the number of descriptors currently allocated (not on the
// free list); used by tests and diagnostics only, walks the free list so it
// is not meant for a hot path.
func (p *Pool) Live() int {
	total := 0
	for _, c := range p.chunks {
		total += len(c)
	}
	free := 0
	for d := p.free; d != nil; d = d.BinNext {
		free++
	}
	return total - free
}
