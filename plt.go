package rtld

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Binder resolves and writes PLT (JUMP_SLOT / IRELATIVE / FUNCDESC_VALUE)
// relocations, either eagerly at load time (BIND_NOW) or lazily on
// first call through a trampoline. Its GOT-priming layout generalizes
// the usual reserved-slot convention (identity token, then binder
// entry point) across a small per-Arch table instead of a single
// hardcoded target.
type Binder struct {
	l   *Linker
	res *Resolver
}

// NewBinder returns a Binder bound to l's registry and resolver.
func NewBinder(l *Linker, res *Resolver) *Binder { return &Binder{l: l, res: res} }

// BindAll resolves every JUMP_SLOT/FUNCDESC_VALUE entry in obj.JmpRelTab
// immediately, used for BIND_NOW objects and for IRELATIVE entries in
// the PLT (which must always be resolved eagerly, lazy binding of an
// ifunc stub being unsound: the stub itself doesn't know which
// implementation to run until the resolver has already been called).
func (b *Binder) BindAll(obj *Object, ifunc IFuncCaller) error {
	for i := 0; i < obj.JmpRelCount; i++ {
		if err := b.bindIndex(obj, i, ifunc); err != nil {
			return err
		}
	}
	return nil
}

// BindLazy primes obj's PLTGOT for lazy resolution: GOT[1] is set to
// an opaque identity for obj (so the binder can find it again from a
// bare GOT pointer) and GOT[2] to the binder entry point, mirroring
// plt_got.go's GenerateGOT reserving GOT[0..2] for the linker's own
// use. It writes only GOT[1] and GOT[2]; GOT[0] and every other PLTGOT
// slot keep the values they already hold, and are not displaced by
// the object's load base.
func (b *Binder) BindLazy(obj *Object, binderEntry RuntimeAddr) error {
	seg := segmentContaining(obj, obj.PLTGOT)
	if seg == nil {
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Message: "PLTGOT address outside any mapped segment"}
	}
	slot := sliceAt(seg, obj.PLTGOT, 24)
	if len(slot) < 24 {
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Message: "PLTGOT has no room for the reserved linker slots"}
	}
	putWordAt(slot, 8, uint64(objIdentity(obj)))
	putWordAt(slot, 16, uint64(binderEntry))
	return nil
}

// BindOne resolves a single lazily-bound PLT entry identified by the
// caller's PLTGOT slot and the relocation index encoded into the
// trampoline's argument (the same contract a real resolver stub
// establishes in assembly; here it's an ordinary function call). It
// writes the resolved address into the entry's PLT slot and returns
// it; any failure is reported through the Linker's fatal hook (which
// panics unless Linker.Fatal is set) before the error is returned. It
// acquires the registry's read lock for the duration of the resolve:
// readers (symbol lookups) vastly outnumber writers (new object
// insertion), so concurrent lazy binds on different
// objects proceed without contending each other, while a Load in
// progress excludes every bind attempt until it completes and the
// newly-inserted object becomes visible.
func (b *Binder) BindOne(pltgotIdentity uint64, relIndex int, ifunc IFuncCaller) (RuntimeAddr, error) {
	b.l.RLock()
	defer b.l.RUnlock()

	obj := b.findByIdentity(pltgotIdentity)
	if obj == nil {
		err := &LoaderError{Kind: ErrRelocation, Message: "lazy bind from an unrecognized PLTGOT identity"}
		b.l.fatal("lazy bind: %v", err)
		return 0, err
	}
	addr, err := b.resolveIndex(obj, relIndex, ifunc)
	if err == nil {
		var rela Rela
		if rela, err = decodeRela(obj.JmpRelTab, relIndex); err == nil {
			err = writeSlotAtomic(obj, rela.Offset, uint64(addr))
		}
	}
	if err != nil {
		b.l.fatal("lazy bind in %s: %v", obj.Path, err)
		return 0, err
	}
	return addr, nil
}

func (b *Binder) findByIdentity(identity uint64) *Object {
	for _, obj := range b.l.objects {
		if uint64(objIdentity(obj)) == identity {
			return obj
		}
	}
	return nil
}

// objIdentity derives a stable, collision-free-enough token for a
// loaded Object to stash in its own GOT[1], so that a bind trampoline
// landing back in Go code can find its way back to the right Object
// without the CPU having passed a Go pointer through assembly. The
// PLTGOT's own runtime address already uniquely identifies the
// object (two objects never share a PLTGOT), so it is reused directly
// rather than inventing a second identity scheme.
func objIdentity(obj *Object) RuntimeAddr { return obj.Runtime(obj.PLTGOT) }

func (b *Binder) bindIndex(obj *Object, relIndex int, ifunc IFuncCaller) error {
	addr, err := b.resolveIndex(obj, relIndex, ifunc)
	if err != nil {
		return err
	}
	rela, err := decodeRela(obj.JmpRelTab, relIndex)
	if err != nil {
		return &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "short JMPREL entry"}
	}
	return writeSlotAtomic(obj, rela.Offset, uint64(addr))
}

// resolveIndex resolves (but does not write) the implementation
// address for JMPREL entry relIndex: a JUMP_SLOT or FUNCDESC_VALUE
// resolves a named symbol through the Resolver exactly like a non-PLT
// ABS relocation; an IRELATIVE calls the ifunc resolver at the
// addend-encoded address.
func (b *Binder) resolveIndex(obj *Object, relIndex int, ifunc IFuncCaller) (RuntimeAddr, error) {
	rela, err := decodeRela(obj.JmpRelTab, relIndex)
	if err != nil {
		return 0, &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "short JMPREL entry"}
	}
	kind := classify(obj.Arch, rela.Type)
	switch kind {
	case relIrelative:
		if ifunc == nil {
			return 0, &LoaderError{Kind: ErrRelocation, Object: obj.Path, Message: "IRELATIVE PLT entry with no IFuncCaller configured"}
		}
		resolverVA := VirtualAddr(obj.Runtime(VirtualAddr(rela.Addend)))
		return ifunc.CallIFunc(resolverVA)
	case relAbsData, relFuncDescValue:
		sym, err := decodeSym(obj.SymTab, int(rela.Sym))
		if err != nil {
			return 0, &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "PLT relocation references an out-of-range symbol"}
		}
		name := cstring(obj.StrTab, sym.NameOff)
		defobj, defsym, ok := b.res.FindSym(obj, name)
		if !ok {
			return 0, &LoaderError{Kind: ErrNotFound, Object: obj.Path, Symbol: name, Message: "unresolved PLT symbol"}
		}
		return defobj.Runtime(defsym.Value), nil
	default:
		return 0, &LoaderError{Kind: ErrRelocation, Object: obj.Path, Message: fmt.Sprintf("unsupported PLT relocation type %d", rela.Type)}
	}
}

// writeSlotAtomic writes a resolved GOT slot using an atomic store of
// word granularity, the Go-level equivalent of a direct
// function-pointer-table rewrite. A plain store would be just as
// correct under this package's locking discipline
// (only one binder ever targets a given unresolved slot, per the Open
// Question resolution in DESIGN.md), but the atomic store additionally
// guarantees that a second thread racing in through the same stub
// before the first bind completes observes either the original
// PLT-relative value or the fully-resolved one, never a torn write.
func writeSlotAtomic(obj *Object, vaddr VirtualAddr, val uint64) error {
	seg := segmentContaining(obj, vaddr)
	if seg == nil {
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: vaddr, HasOff: true, Message: "PLT slot outside any mapped segment"}
	}
	start := uint64(vaddr - seg.VirtualAddr)
	if start+8 > uint64(len(seg.data)) {
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: vaddr, HasOff: true, Message: "PLT slot truncated by segment end"}
	}
	if start%8 == 0 {
		p := (*uint64)(wordPtr(seg.data[start : start+8]))
		atomic.StoreUint64(p, val)
		return nil
	}
	// Misaligned slot: fall back to a byte store; atomicity isn't
	// available for an unaligned word on most architectures anyway.
	putWordAt(seg.data, int(start), val)
	return nil
}

func wordPtr(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }
