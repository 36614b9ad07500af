// Package sizeclass implements the two-level length classification policy:
// every rounded allocation length seen is assigned a tentative class, which
// is promoted to a committed (slab-backed) class once its observation
// count crosses a threshold. Uncommitted lengths fall back to the buddy
// path.
package sizeclass

import "github.com/Yalloc/yalloc/internal/climits"

// miniclas is the fixed class-key table for the smallest lengths,
// L in [0,8).
var miniclas = [8]uintptr{0, 2, 2, 4, 4, 8, 8, 8}

// ClassKey computes the canonical class-key for a requested length L: the
// fixed table for L<8, 8 for L==8, alignment to 16 for 8<L<=16, and
// alignUp(L,16)>>4 + 16 above that, compressing every length up to
// MaxClassLen into a dense table index.
func ClassKey(l uintptr) uintptr {
	if l < uintptr(len(miniclas)) {
		return miniclas[l]
	}
	if l == 8 {
		return 8
	}
	if l <= 16 {
		return 16
	}
	alen := climits.AlignUp(l, 16)
	return (alen >> 4) + 16
}

// ClassLen returns the actual cell size a class key serves, the inverse of
// the rounding ClassKey performs.
func ClassLen(key uintptr) uintptr {
	if key <= 16 {
		return key
	}
	return (key - 16) << 4
}

// NoTclass and NoClass are the "unknown"/"uncommitted" sentinels for the
// tentative and committed class tables respectively.
const (
	NoTclass = -1
	NoClass  = -1
)

// Policy tracks the key->tentative-class and tentative-class->committed
// -class tables, plus the saturating per-tentative-class observation
// counters used to decide promotion.
type Policy struct {
	key2tclas map[uintptr]int
	tclas2key []uintptr
	tclas2clas []int
	sizecount []uint8

	tclasCount int
	clasCount  int

	threshold uint8
}

// New returns an empty Policy. threshold is the observation count a
// tentative class must exceed before promotion (ClasThreshold; 0 promotes
// on first observation).
func New(threshold uint8) *Policy {
	return &Policy{
		key2tclas: make(map[uintptr]int, 64),
		threshold: threshold,
	}
}

// Classify runs one step of the length->class state machine for length l.
// clas is NoClass (fall through to buddy) unless a committed class already
// backs this length; justPromoted is true exactly on the call that crosses
// the promotion threshold, signaling the heap to create the class's first
// slab region.
func (p *Policy) Classify(l uintptr) (clas int, key uintptr, justPromoted bool) {
	key = ClassKey(l)
	if ClassLen(key) > climits.MaxClassLen {
		return NoClass, key, false
	}

	t, known := p.key2tclas[key]
	if !known {
		if p.tclasCount >= climits.MaxTclass {
			return NoClass, key, false
		}
		t = p.tclasCount
		p.tclasCount++
		p.key2tclas[key] = t
		p.tclas2key = append(p.tclas2key, key)
		p.tclas2clas = append(p.tclas2clas, NoTclass)
		p.sizecount = append(p.sizecount, 0)
	}

	if c := p.tclas2clas[t]; c != NoTclass {
		return c, key, false
	}

	if p.sizecount[t] < 0x7f {
		p.sizecount[t]++
	}
	if p.sizecount[t] <= p.threshold {
		return NoClass, key, false
	}
	if p.clasCount >= climits.MaxClass {
		return NoClass, key, false
	}

	c := p.clasCount
	p.clasCount++
	p.tclas2clas[t] = c
	return c, key, true
}

// ClassCount returns the number of committed classes assigned so far.
func (p *Policy) ClassCount() int { return p.clasCount }
