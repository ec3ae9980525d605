package rtld

import "debug/elf"

// elfHash is the SysV ELF hash function, its exact bit-shifting defined
// by the ABI rather than chosen here; only the bucket+chain lookup
// shape is shared with an ordinary hash table, not the hash function
// itself.
func elfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// gnuHash is the GNU hash-style lookup's hash function, also ABI-fixed.
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// lookupLocal searches a single object's own symbol table for name,
// using whichever hash table it carries (SysV DT_HASH bucket/chain,
// or GNU-style DT_GNU_HASH with its bloom-filter prefilter), falling
// back to a linear scan if neither hash table could be recovered (a
// malformed-but-tolerable object).
func lookupLocal(obj *Object, name string) (Sym, bool) {
	switch obj.HashStyle {
	case hashSysV:
		if s, ok := lookupSysV(obj, name); ok {
			return s, true
		}
		return Sym{}, false
	case hashGNU:
		if s, ok := lookupGNU(obj, name); ok {
			return s, true
		}
		return Sym{}, false
	default:
		return lookupLinear(obj, name)
	}
}

func lookupLinear(obj *Object, name string) (Sym, bool) {
	for i := 0; i < obj.NumSyms; i++ {
		s, err := decodeSym(obj.SymTab, i)
		if err != nil {
			break
		}
		if cstring(obj.StrTab, s.NameOff) == name && symbolDefined(s) {
			return s, true
		}
	}
	return Sym{}, false
}

func lookupSysV(obj *Object, name string) (Sym, bool) {
	b := obj.HashTable
	if len(b) < 8 {
		return lookupLinear(obj, name)
	}
	nbucket := leUint32(b[0:4])
	nchain := leUint32(b[4:8])
	if nbucket == 0 {
		return Sym{}, false
	}
	bucketOff := 8
	chainOff := bucketOff + int(nbucket)*4
	h := elfHash(name)
	idx := leUint32(b[bucketOff+int(h%nbucket)*4:])
	for idx != 0 && uint32(idx) < nchain {
		s, err := decodeSym(obj.SymTab, int(idx))
		if err != nil {
			return Sym{}, false
		}
		if cstring(obj.StrTab, s.NameOff) == name && symbolDefined(s) {
			return s, true
		}
		off := chainOff + int(idx)*4
		if off+4 > len(b) {
			break
		}
		idx = leUint32(b[off:])
	}
	return Sym{}, false
}

func lookupGNU(obj *Object, name string) (Sym, bool) {
	b := obj.HashTable
	if len(b) < 16 {
		return lookupLinear(obj, name)
	}
	nbuckets := leUint32(b[0:4])
	symoffset := leUint32(b[4:8])
	bloomSize := leUint32(b[8:12])
	bloomShift := leUint32(b[12:16])
	if nbuckets == 0 || bloomSize == 0 {
		return Sym{}, false
	}
	const wordBits = 64
	bloomOff := 16
	bucketsOff := bloomOff + int(bloomSize)*8

	h := gnuHash(name)
	word := (h / wordBits) % bloomSize
	bit1 := uint(h % wordBits)
	bit2 := uint((h >> bloomShift) % wordBits)
	wOff := bloomOff + int(word)*8
	if wOff+8 > len(b) {
		return Sym{}, false
	}
	bloomWord := leUint64(b[wOff : wOff+8])
	if bloomWord&(uint64(1)<<bit1) == 0 || bloomWord&(uint64(1)<<bit2) == 0 {
		return Sym{}, false
	}

	bIdx := h % nbuckets
	bOff := bucketsOff + int(bIdx)*4
	if bOff+4 > len(b) {
		return Sym{}, false
	}
	symIdx := leUint32(b[bOff:])
	if symIdx < symoffset {
		return Sym{}, false
	}
	chainOff := bucketsOff + int(nbuckets)*4
	for {
		chEntryOff := chainOff + int(symIdx-symoffset)*4
		if chEntryOff+4 > len(b) {
			return Sym{}, false
		}
		chainHash := leUint32(b[chEntryOff:])
		if chainHash|1 == h|1 {
			s, err := decodeSym(obj.SymTab, int(symIdx))
			if err == nil && cstring(obj.StrTab, s.NameOff) == name && symbolDefined(s) {
				return s, true
			}
		}
		if chainHash&1 != 0 {
			return Sym{}, false // end of chain
		}
		symIdx++
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// resolveCacheKey and Resolver implement a per-generation lookup cache:
// a resolved defining object is cached per (name, caller) pair rather
// than re-walking the global list on every reference to the same
// symbol.
type resolveCacheKey struct {
	caller *Object
	name   string
}

// Resolver performs global symbol resolution across a Linker's object
// list.
type Resolver struct {
	l     *Linker
	cache map[resolveCacheKey]resolveCacheEntry
}

type resolveCacheEntry struct {
	obj   *Object
	sym   Sym
	found bool
}

// NewResolver returns a Resolver bound to l, with an empty cache.
func NewResolver(l *Linker) *Resolver {
	return &Resolver{l: l, cache: make(map[resolveCacheKey]resolveCacheEntry)}
}

// FindSym resolves name as seen from caller (the object whose
// relocation references it, used for the DT_SYMBOLIC self-first rule
// and for cache keying), returning the defining object and its symbol
// entry. Search order: if caller carries
// DT_SYMBOLIC, its own table is searched first; then every object in
// the global list in load order; a weak symbol with no strong
// definition anywhere in the scan is accepted only once the entire
// scan has completed with no strong hit.
func (r *Resolver) FindSym(caller *Object, name string) (*Object, Sym, bool) {
	key := resolveCacheKey{caller: caller, name: name}
	if e, ok := r.cache[key]; ok {
		return e.obj, e.sym, e.found
	}
	obj, sym, found := r.findSymUncached(caller, name)
	r.cache[key] = resolveCacheEntry{obj: obj, sym: sym, found: found}
	return obj, sym, found
}

func (r *Resolver) findSymUncached(caller *Object, name string) (*Object, Sym, bool) {
	if caller != nil && caller.hasFlag(FlagSymbolic) {
		if s, ok := lookupLocal(caller, name); ok {
			return caller, s, true
		}
	}

	objs := r.l.Objects()
	var weakObj *Object
	var weakSym Sym
	haveWeak := false

	for _, obj := range objs {
		s, ok := lookupLocal(obj, name)
		if !ok {
			continue
		}
		if s.Bind() == elf.STB_WEAK {
			if !haveWeak {
				weakObj, weakSym, haveWeak = obj, s, true
			}
			continue
		}
		return obj, s, true
	}
	if haveWeak {
		return weakObj, weakSym, true
	}
	return nil, Sym{}, false
}

// Invalidate drops every cached lookup. Callers must invoke this after
// any change to the registry's object list (a new Load or an Unref
// that actually unmapped something), since such a change can change
// which object answers a previously-cached name.
func (r *Resolver) Invalidate() {
	r.cache = make(map[resolveCacheKey]resolveCacheEntry)
}
