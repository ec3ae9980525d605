package rtld

import "sync"

// tlsGrowthNumerator/tlsGrowthDenominator give the 1.3x over-allocation
// ratio applied when a new static TLS reservation would not fit the
// pool's current high-water mark, reducing how often growth forces a
// new backing region as libraries load over the process lifetime.
const (
	tlsGrowthNumerator   = 13
	tlsGrowthDenominator = 10
)

// freeRun is one reclaimed, unallocated span of the static TLS block,
// kept in a free list so that the allocator can reuse space released
// by Unref before growing the block further.
type freeRun struct {
	offset int64
	size   uint64
}

// StaticTLSPool hands out fixed offsets within the static TLS block
// reserved at process start for every module whose PT_TLS segment was
// chosen for static (rather than dynamic, dlopen-style) allocation.
// It is a bump allocator with a free list, over alignment-constrained
// TLS offsets rather than byte-granular slots.
type StaticTLSPool struct {
	mu    sync.Mutex
	size  int64 // current committed size of the block
	high  int64 // bump-allocation high-water mark
	free  []freeRun
}

// reserve hands out an offset at least `align`-aligned and `size`
// bytes long within the static block, growing the pool's reported
// size (by the configured growth ratio, rounded up to cover the new
// request exactly) if no free run is large enough.
func (p *StaticTLSPool) reserve(size uint64, align uint64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if align == 0 {
		align = 8
	}
	for i, f := range p.free {
		aligned := alignUp64(f.offset, align)
		pad := aligned - f.offset
		if int64(f.size) >= pad+int64(size) {
			p.free = append(p.free[:i], p.free[i+1:]...)
			if pad > 0 {
				p.free = append(p.free, freeRun{offset: f.offset, size: uint64(pad)})
			}
			rem := f.size - uint64(pad) - size
			if rem > 0 {
				p.free = append(p.free, freeRun{offset: aligned + int64(size), size: rem})
			}
			return aligned
		}
	}

	offset := alignUp64(p.high, align)
	need := offset + int64(size)
	if need > p.size {
		grown := p.size * tlsGrowthNumerator / tlsGrowthDenominator
		if grown < need {
			grown = need
		}
		p.size = grown
	}
	p.high = need
	return offset
}

// release returns a previously-reserved span to the free list, for
// reuse by a later reserve call (invoked by Linker.Unref at
// refcount zero).
func (p *StaticTLSPool) release(offset int64, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, freeRun{offset: offset, size: size})
}

// Size reports the pool's current committed size, the value a thread
// implementation needs to size each thread's static TLS block.
func (p *StaticTLSPool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func alignUp64(v int64, align uint64) int64 {
	a := int64(align)
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// AssignStaticTLS reserves space for obj's PT_TLS segment in l's
// static pool and records the resulting offset, for objects present at
// initial load time. Late-loaded objects via a hypothetical dlopen
// would instead go through dynamic TLS, which this package does not
// implement.
func (l *Linker) AssignStaticTLS(obj *Object, moduleIndex int) {
	if obj.TLS.Size == 0 {
		return
	}
	obj.TLS.Index = moduleIndex
	obj.TLS.StaticOffset = l.tls.reserve(obj.TLS.Size, obj.TLS.Align)
	obj.TLS.StaticAlloc = true
}
