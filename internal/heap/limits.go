package heap

import "github.com/Yalloc/yalloc/internal/climits"

// Limits collects every tunable the allocator honors into one documented,
// overridable struct, so a heap can be built with non-default thresholds
// without touching the package constants.
type Limits struct {
	MinOrder      uint
	MaxOrder      uint
	MaxClassLen   uintptr
	MaxClass      int
	MaxTclass     int
	ClasThreshold uint8
	Bin           int
	MmapThreshold uintptr
	Page          uintptr
	BaseAlign     uintptr
	Inimem        uintptr
	HeapDelThresh uint32
}

// DefaultLimits returns the compiled-in default values.
func DefaultLimits() Limits {
	return Limits{
		MinOrder:      climits.MinOrder,
		MaxOrder:      climits.MaxOrder,
		MaxClassLen:   climits.MaxClassLen,
		MaxClass:      climits.MaxClass,
		MaxTclass:     climits.MaxTclass,
		ClasThreshold: climits.ClasThreshold,
		Bin:           climits.Bin,
		MmapThreshold: climits.MmapThreshold,
		Page:          climits.Page,
		BaseAlign:     climits.BaseAlign,
		Inimem:        climits.Inimem,
		HeapDelThresh: climits.HeapDelThreshold,
	}
}

// Option mutates a Limits value being built by New.
type Option func(*Limits)

// WithMmapThreshold overrides the large/direct-map path cutoff.
func WithMmapThreshold(n uintptr) Option {
	return func(l *Limits) { l.MmapThreshold = n }
}

// WithClasThreshold overrides how many observations a tentative class must
// exceed before it is promoted to a committed, slab-backed class.
func WithClasThreshold(n uint8) Option {
	return func(l *Limits) { l.ClasThreshold = n }
}

// WithInimem overrides the per-heap bump arena size, up to the compiled-in
// arena capacity.
func WithInimem(n uintptr) Option {
	return func(l *Limits) { l.Inimem = n }
}

// WithMaxClassLen overrides the length below which the bump arena and the
// slab path are tried. The size-class policy still refuses lengths above
// climits.MaxClassLen, so a value above that does not widen the slab path.
func WithMaxClassLen(n uintptr) Option {
	return func(l *Limits) { l.MaxClassLen = n }
}

func newLimits(opts ...Option) Limits {
	l := DefaultLimits()
	for _, opt := range opts {
		opt(&l)
	}
	return l
}
