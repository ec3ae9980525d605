package rtld

import (
	"debug/elf"
	"fmt"
)

// Relocator applies an object's non-PLT relocations, dispatching each
// entry's ABI-neutral kind through the closed relKind table of arch.go
// rather than an interface-based factory dispatch, since every kind
// here shares the same three inputs (addend, resolved value, slot
// width) and differs only in how they combine.
type Relocator struct {
	l   *Linker
	res *Resolver

	// deferredIFuncs accumulates IRELATIVE entries across every
	// Relocate call until ResolveDeferredIFuncs, so they can be resolved in a
	// second pass after every ordinary relocation everywhere has
	// already run — an ifunc resolver may itself depend on other
	// relocations having already completed.
	deferredIFuncs []deferredIFunc
}

type deferredIFunc struct {
	obj    *Object
	slotVA VirtualAddr
	resolverVA VirtualAddr
}

// NewRelocator returns a Relocator bound to l's registry and resolver.
func NewRelocator(l *Linker, res *Resolver) *Relocator {
	return &Relocator{l: l, res: res}
}

// Relocate applies every entry in obj.RelTab (DT_REL/DT_RELA), in
// order, and queues IRELATIVE entries for a later second pass. The
// caller is responsible for invoking ResolveDeferredIFuncs once every
// object in the current load batch has had Relocate called.
func (rl *Relocator) Relocate(obj *Object) error {
	n := obj.RelCount
	for i := 0; i < n; i++ {
		rela, err := rl.decodeEntry(obj, i)
		if err != nil {
			return err
		}
		if err := rl.applyOne(obj, rela); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntry normalizes a REL or RELA entry at index i into the
// common Rela shape, reading the addend from the slot itself for
// REL-style tables (none of this package's targets actually use
// REL-style non-PLT relocations, but the shape is kept general).
func (rl *Relocator) decodeEntry(obj *Object, i int) (Rela, error) {
	if obj.RelIsRela {
		return decodeRela(obj.RelTab, i)
	}
	const entsz = 16 // sizeof(Elf64_Rel)
	off := i * entsz
	if off+entsz > len(obj.RelTab) {
		return Rela{}, &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "REL index out of range"}
	}
	b := obj.RelTab[off : off+entsz]
	info := leUint64(b[8:16])
	r := Rela{Offset: VirtualAddr(leUint64(b[0:8])), Sym: uint32(info >> 32), Type: uint32(info)}
	if slot := rl.slot(obj, r.Offset); len(slot) >= 8 {
		r.Addend = int64(leUint64(slot))
	}
	return r, nil
}

func (rl *Relocator) applyOne(obj *Object, rela Rela) error {
	kind := classify(obj.Arch, rela.Type)
	slot := rl.slot(obj, rela.Offset)
	if slot == nil {
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: rela.Offset, HasOff: true, Message: "relocation offset outside any mapped segment"}
	}

	switch kind {
	case relNone:
		return nil

	case relRelative:
		// RELATIVE's addend is the link-time virtual address of the
		// relocated value; translate it through obj's own segment
		// map rather than a single object-wide bias, since an FDPIC
		// object's segments may each carry a different runtime
		// displacement from their virtual addresses.
		putWord(slot, uint64(obj.Runtime(VirtualAddr(rela.Addend))))
		return nil

	case relAbsData:
		sym, err := rl.symAt(obj, rela.Sym)
		if err != nil {
			return err
		}
		name := cstring(obj.StrTab, sym.NameOff)
		if name == "" {
			putWord(slot, uint64(obj.Runtime(sym.Value))+uint64(rela.Addend))
			return nil
		}
		defobj, defsym, ok := rl.res.FindSym(obj, name)
		if !ok {
			if sym.Bind() == elf.STB_WEAK {
				putWord(slot, uint64(rela.Addend))
				return nil
			}
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Symbol: name, Offset: rela.Offset, HasOff: true, Message: "undefined symbol"}
		}
		val := uint64(defobj.Runtime(defsym.Value)) + uint64(rela.Addend)
		if obj.Arch == ArchARMFDPIC && defsym.Value&thumbBit != 0 {
			val |= thumbBit
		}
		putWord(slot, val)
		return nil

	case relCopy:
		if !obj.hasFlag(FlagMainRef) {
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: rela.Offset, HasOff: true, Message: "R_*_COPY relocation outside the main program"}
		}
		sym, err := rl.symAt(obj, rela.Sym)
		if err != nil {
			return err
		}
		name := cstring(obj.StrTab, sym.NameOff)
		defobj, defsym, ok := rl.res.FindSym(obj, name)
		if !ok {
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Symbol: name, Offset: rela.Offset, HasOff: true, Message: "COPY relocation with no definition found"}
		}
		srcSeg := segmentContaining(defobj, defsym.Value)
		if srcSeg == nil {
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Symbol: name, Message: "COPY source not in a mapped segment"}
		}
		srcBytes := sliceAt(srcSeg, defsym.Value, int(sym.Size))
		copy(slot, srcBytes)
		return nil

	case relIrelative:
		rl.deferredIFuncs = append(rl.deferredIFuncs, deferredIFunc{
			obj:        obj,
			slotVA:     rela.Offset,
			resolverVA: VirtualAddr(obj.Runtime(VirtualAddr(rela.Addend))),
		})
		return nil

	case relTLSDTPMod:
		putWord(slot, uint64(obj.TLS.Index))
		return nil

	case relTLSDTPOff:
		sym, err := rl.symAt(obj, rela.Sym)
		if err != nil {
			return err
		}
		putWord(slot, uint64(int64(sym.Value)+rela.Addend))
		return nil

	case relTLSTPOff:
		if !obj.TLS.StaticAlloc {
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: rela.Offset, HasOff: true, Message: "TPOFF relocation against a module with no static TLS allocation"}
		}
		sym, err := rl.symAt(obj, rela.Sym)
		if err != nil {
			return err
		}
		putWord(slot, uint64(obj.TLS.StaticOffset+int64(sym.Value)+rela.Addend))
		return nil

	case relFuncDesc, relFuncDescValue:
		sym, err := rl.symAt(obj, rela.Sym)
		if err != nil {
			return err
		}
		name := cstring(obj.StrTab, sym.NameOff)
		defobj, defsym, ok := rl.res.FindSym(obj, name)
		if !ok {
			return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Symbol: name, Message: "undefined symbol for function descriptor relocation"}
		}
		desc := allocFuncDesc(defobj, defobj.Runtime(defsym.Value))
		if kind == relFuncDesc {
			putWord(slot, uint64(desc))
		} else {
			// FUNCDESC_VALUE writes the {entry, got} pair directly
			// into the slot instead of a pointer to one.
			if len(slot) < 16 {
				return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Message: "FUNCDESC_VALUE slot too small"}
			}
			putWordAt(slot, 0, uint64(defobj.Runtime(defsym.Value)))
			putWordAt(slot, 8, uint64(defobj.PLTGOT))
		}
		return nil

	default:
		return &LoaderError{Kind: ErrRelocation, Object: obj.Path, Offset: rela.Offset, HasOff: true, Message: fmt.Sprintf("unsupported relocation type %d", rela.Type)}
	}
}

// ResolveDeferredIFuncs runs every IRELATIVE entry queued by Relocate
// calls since the last invocation, calling each resolver function and
// writing its return value into the relocation's slot. This must run
// with every ordinary relocation across the whole load batch already
// applied, since an ifunc resolver is allowed to read other relocated
// data.
//
// Calling an arbitrary resolver function pointer requires a
// target-specific trampoline the portable parts of this package cannot
// express; IFuncCaller supplies it.
func (rl *Relocator) ResolveDeferredIFuncs(caller IFuncCaller) error {
	pending := rl.deferredIFuncs
	rl.deferredIFuncs = nil
	for _, d := range pending {
		slot := rl.slot(d.obj, d.slotVA)
		if slot == nil {
			return &LoaderError{Kind: ErrRelocation, Object: d.obj.Path, Message: "IRELATIVE slot outside any mapped segment"}
		}
		val, err := caller.CallIFunc(d.resolverVA)
		if err != nil {
			return &LoaderError{Kind: ErrRelocation, Object: d.obj.Path, Offset: d.slotVA, HasOff: true, Message: fmt.Sprintf("ifunc resolver failed: %v", err)}
		}
		putWord(slot, uint64(val))
	}
	return nil
}

// IFuncCaller invokes a resolved STT_GNU_IFUNC resolver function at
// the given runtime address and returns the resolved implementation
// address. Portable Go cannot call an arbitrary machine-code address
// directly; a real deployment supplies an architecture-specific
// trampoline. Tests supply a fake that just echoes back a canned
// value, since no real machine code ever runs there.
type IFuncCaller interface {
	CallIFunc(resolverAddr VirtualAddr) (RuntimeAddr, error)
}

func (rl *Relocator) slot(obj *Object, vaddr VirtualAddr) []byte {
	seg := segmentContaining(obj, vaddr)
	if seg == nil {
		return nil
	}
	start := uint64(vaddr - seg.VirtualAddr)
	if start >= uint64(len(seg.data)) {
		return nil
	}
	return seg.data[start:]
}

func (rl *Relocator) symAt(obj *Object, symIdx uint32) (Sym, error) {
	s, err := decodeSym(obj.SymTab, int(symIdx))
	if err != nil {
		return Sym{}, &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "relocation references an out-of-range symbol index"}
	}
	return s, nil
}

// putWord stores a little-endian 64-bit value at the start of slot,
// byte-at-a-time so it works even when slot isn't naturally aligned
// (a relocation offset has no alignment guarantee beyond what the
// producing toolchain happened to emit).
func putWord(slot []byte, v uint64) { putWordAt(slot, 0, v) }

func putWordAt(slot []byte, off int, v uint64) {
	for i := 0; i < 8 && off+i < len(slot); i++ {
		slot[off+i] = byte(v >> (8 * i))
	}
}
