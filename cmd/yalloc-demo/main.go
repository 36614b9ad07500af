// Command yalloc-demo exercises the yalloc allocator through a short
// sequence of malloc/realloc/free calls and reports what it observed,
// as a smoke test a developer can run by hand.
package main

import (
	"fmt"
	"unsafe"

	"github.com/Yalloc/yalloc"
)

func main() {
	fmt.Println("yalloc demo: basic round trip")

	p := yalloc.Malloc(128)
	if p == nil {
		fmt.Println("malloc(128) failed")
		return
	}
	b := unsafe.Slice((*byte)(p), 128)
	for i := range b {
		b[i] = byte(i)
	}
	fmt.Printf("malloc(128) = %p, first byte = %d, last byte = %d\n", p, b[0], b[127])

	q := yalloc.Realloc(p, 4096)
	if q == nil {
		fmt.Println("realloc(p, 4096) failed")
		return
	}
	nb := unsafe.Slice((*byte)(q), 128)
	fmt.Printf("realloc(p, 4096) = %p, leading bytes preserved = %v\n", q, nb[0] == 0 && nb[127] == 127)
	yalloc.Free(q)

	z := yalloc.Calloc(16, 32)
	if z == nil {
		fmt.Println("calloc(16, 32) failed")
		return
	}
	zb := unsafe.Slice((*byte)(z), 512)
	allZero := true
	for _, v := range zb {
		if v != 0 {
			allZero = false
			break
		}
	}
	fmt.Printf("calloc(16, 32) = %p, zero-filled = %v\n", z, allZero)
	yalloc.Free(z)

	var aligned unsafe.Pointer
	if err := yalloc.PosixMemalign(&aligned, 4096, 4000); err != nil {
		fmt.Println("posix_memalign failed:", err)
		return
	}
	fmt.Printf("posix_memalign(4096, 4000) = %p, aligned = %v\n", aligned, uintptr(aligned)%4096 == 0)
	yalloc.Free(aligned)

	fmt.Println("done")
}
