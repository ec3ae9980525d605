package rtld

import (
	"debug/elf"
)

// Digest walks an Object's PT_DYNAMIC array and populates its table
// fields (symbol table, string table, hash table, relocation arrays,
// PLTGOT, NEEDED list, init/fini arrays, flags). Init, Fini and the
// init/fini array entries are translated through the object's own load
// map to runtime addresses; PLTGOT is stored as its virtual address.
// Map must already have run; Digest reads Object.Segments
// but does not map or unmap anything.
//
// Reads the same dynamic-tag vocabulary an ELF writer's dynamic-section
// builder would emit, just in the opposite direction.
func Digest(obj *Object) error {
	dynSeg := segmentContaining(obj, obj.DynamicAddr)
	if dynSeg == nil {
		return &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "PT_DYNAMIC address not covered by any PT_LOAD segment"}
	}
	raw := sliceAt(dynSeg, obj.DynamicAddr, 0)
	entries, err := decodeDynamic(raw)
	if err != nil {
		if le, ok := err.(*LoaderError); ok {
			le.Object = obj.Path
		}
		return err
	}
	obj.Dynamic = entries

	var (
		strtabVA, symtabVA, hashVA, gnuHashVA VirtualAddr
		strsz, syment                         uint64
		relVA, relaVA                         VirtualAddr
		relsz, relasz, relent, relaent        uint64
		jmprelVA                              VirtualAddr
		pltrelsz                              uint64
		pltRelIsRela                          bool = true
		initVA, finiVA                         VirtualAddr
		initArrVA, finiArrVA                  VirtualAddr
		initArrSz, finiArrSz                  uint64
		flags, flags1                         uint64
		neededOffs                             []uint32
	)

	for _, d := range obj.Dynamic {
		switch d.Tag {
		case elf.DT_STRTAB:
			strtabVA = VirtualAddr(d.Val)
		case elf.DT_STRSZ:
			strsz = d.Val
		case elf.DT_SYMTAB:
			symtabVA = VirtualAddr(d.Val)
		case elf.DT_SYMENT:
			syment = d.Val
		case elf.DT_HASH:
			hashVA = VirtualAddr(d.Val)
			obj.HashStyle = hashSysV
		case elf.DT_GNU_HASH:
			gnuHashVA = VirtualAddr(d.Val)
			obj.HashStyle = hashGNU
		case elf.DT_REL:
			relVA = VirtualAddr(d.Val)
		case elf.DT_RELSZ:
			relsz = d.Val
		case elf.DT_RELENT:
			relent = d.Val
		case elf.DT_RELA:
			relaVA = VirtualAddr(d.Val)
		case elf.DT_RELASZ:
			relasz = d.Val
		case elf.DT_RELAENT:
			relaent = d.Val
		case elf.DT_JMPREL:
			jmprelVA = VirtualAddr(d.Val)
		case elf.DT_PLTRELSZ:
			pltrelsz = d.Val
		case elf.DT_PLTREL:
			pltRelIsRela = elf.DynTag(d.Val) == elf.DT_RELA
		case elf.DT_PLTGOT:
			obj.PLTGOT = VirtualAddr(d.Val)
		case elf.DT_NEEDED:
			neededOffs = append(neededOffs, uint32(d.Val))
		case elf.DT_INIT:
			initVA = VirtualAddr(d.Val)
		case elf.DT_FINI:
			finiVA = VirtualAddr(d.Val)
		case elf.DT_INIT_ARRAY:
			initArrVA = VirtualAddr(d.Val)
		case elf.DT_INIT_ARRAYSZ:
			initArrSz = d.Val
		case elf.DT_FINI_ARRAY:
			finiArrVA = VirtualAddr(d.Val)
		case elf.DT_FINI_ARRAYSZ:
			finiArrSz = d.Val
		case elf.DT_FLAGS:
			flags = d.Val
		case elf.DT_FLAGS_1:
			flags1 = d.Val
		case elf.DT_SYMBOLIC:
			obj.setFlag(FlagSymbolic)
		case elf.DT_TEXTREL:
			obj.setFlag(FlagTextRelocs)
		}
	}

	if symtabVA == 0 || strtabVA == 0 {
		return &LoaderError{Kind: ErrMalformedImage, Object: obj.Path, Message: "missing DT_SYMTAB or DT_STRTAB"}
	}
	if syment == 0 {
		syment = 24 // sizeof(Elf64_Sym)
	}

	if seg := segmentContaining(obj, strtabVA); seg != nil {
		obj.StrTab = sliceAt(seg, strtabVA, int(strsz))
	}

	if seg := segmentContaining(obj, symtabVA); seg != nil {
		// The symbol table has no DT_SYMTABSZ tag; its true extent is
		// derived from the hash table's nchain (SysV) or estimated
		// from the distance to the next known table (GNU hash style
		// carries no count either, so we size defensively using the
		// segment's remaining bytes and let per-index bounds checks in
		// decodeSym guard against running past the real table).
		obj.SymTab = seg.data[uint64(symtabVA-seg.VirtualAddr):]
		obj.NumSyms = symCountFromHash(obj, hashVA, gnuHashVA)
	}

	if flags&uint64(elf.DF_SYMBOLIC) != 0 {
		obj.setFlag(FlagSymbolic)
	}
	if flags&uint64(elf.DF_TEXTREL) != 0 {
		obj.setFlag(FlagTextRelocs)
	}
	if flags1&dfP1BindNow != 0 || flags&uint64(elf.DF_BIND_NOW) != 0 {
		obj.setFlag(FlagBindNow)
	}
	if flags1&dfP1NoOpen != 0 {
		obj.setFlag(FlagNoOpen)
	}
	if flags1&dfP1NoDelete != 0 {
		obj.setFlag(FlagNoDelete)
	}
	if flags1&dfP1Global != 0 {
		obj.setFlag(FlagGlobalRef)
	}

	switch {
	case relaVA != 0 && relasz > 0:
		obj.RelIsRela = true
		if relaent == 0 {
			relaent = 24
		}
		if seg := segmentContaining(obj, relaVA); seg != nil {
			obj.RelTab = sliceAt(seg, relaVA, int(relasz))
			obj.RelCount = int(relasz / relaent)
		}
	case relVA != 0 && relsz > 0:
		obj.RelIsRela = false
		if relent == 0 {
			relent = 16
		}
		if seg := segmentContaining(obj, relVA); seg != nil {
			obj.RelTab = sliceAt(seg, relVA, int(relsz))
			obj.RelCount = int(relsz / relent)
		}
	}

	if jmprelVA != 0 && pltrelsz > 0 {
		entsz := uint64(24)
		if !pltRelIsRela {
			entsz = 16
		}
		if seg := segmentContaining(obj, jmprelVA); seg != nil {
			obj.JmpRelTab = sliceAt(seg, jmprelVA, int(pltrelsz))
			obj.JmpRelCount = int(pltrelsz / entsz)
		}
	}

	for _, off := range neededOffs {
		obj.Needed = append(obj.Needed, Needed{Name: cstring(obj.StrTab, off)})
	}

	if initVA != 0 {
		obj.Init = VirtualAddr(obj.Runtime(initVA))
	}
	if finiVA != 0 {
		obj.Fini = VirtualAddr(obj.Runtime(finiVA))
	}
	obj.InitArray = readPtrArray(obj, initArrVA, initArrSz)
	obj.FiniArray = readPtrArray(obj, finiArrVA, finiArrSz)

	if hashVA != 0 {
		if seg := segmentContaining(obj, hashVA); seg != nil {
			obj.HashTable = seg.data[uint64(hashVA-seg.VirtualAddr):]
		}
	} else if gnuHashVA != 0 {
		if seg := segmentContaining(obj, gnuHashVA); seg != nil {
			obj.HashTable = seg.data[uint64(gnuHashVA-seg.VirtualAddr):]
		}
	}

	PreallocDescs(obj, funcDescRelocCount(obj))

	return nil
}

// funcDescRelocCount counts the FUNCDESC/FUNCDESC_VALUE entries across
// obj.RelTab and obj.JmpRelTab, so PreallocDescs can size the
// descriptor slab to the object's real relocation load instead of
// leaving allocFuncDesc to always fall onto its overflow list.
func funcDescRelocCount(obj *Object) int {
	count := 0
	if obj.RelIsRela {
		for i := 0; i < obj.RelCount; i++ {
			r, err := decodeRela(obj.RelTab, i)
			if err != nil {
				break
			}
			if k := classify(obj.Arch, r.Type); k == relFuncDesc || k == relFuncDescValue {
				count++
			}
		}
	}
	for i := 0; i < obj.JmpRelCount; i++ {
		r, err := decodeRela(obj.JmpRelTab, i)
		if err != nil {
			break
		}
		if k := classify(obj.Arch, r.Type); k == relFuncDesc || k == relFuncDescValue {
			count++
		}
	}
	return count
}

// DF_1_* flag bits absent from some debug/elf versions' DF_1 naming;
// spelled out numerically to match the generic ABI's fixed values.
const (
	dfP1BindNow  = 0x00000001
	dfP1NoDelete = 0x00000008
	dfP1NoOpen   = 0x00000040
	dfP1Global   = 0x00000002
)

func segmentContaining(obj *Object, vaddr VirtualAddr) *Segment {
	for i := range obj.Segments {
		if obj.Segments[i].Contains(vaddr) {
			return &obj.Segments[i]
		}
	}
	return nil
}

func sliceAt(seg *Segment, vaddr VirtualAddr, size int) []byte {
	start := uint64(vaddr - seg.VirtualAddr)
	if size <= 0 || uint64(size) > uint64(len(seg.data))-start {
		return seg.data[start:]
	}
	return seg.data[start : start+uint64(size)]
}

// symCountFromHash recovers the dynamic symbol table's entry count
// from whichever hash table is present, since neither DT_HASH nor
// DT_GNU_HASH directly carries "number of symbols" but SysV DT_HASH's
// nchain field equals it by construction, and GNU hash style tables
// carry a symoffset plus enough structure to bound it similarly.
func symCountFromHash(obj *Object, hashVA, gnuHashVA VirtualAddr) int {
	if hashVA != 0 {
		if seg := segmentContaining(obj, hashVA); seg != nil {
			b := seg.data[uint64(hashVA-seg.VirtualAddr):]
			if len(b) >= 8 {
				nchain := leUint32(b[4:8])
				return int(nchain)
			}
		}
	}
	if gnuHashVA != 0 {
		if seg := segmentContaining(obj, gnuHashVA); seg != nil {
			b := seg.data[uint64(gnuHashVA-seg.VirtualAddr):]
			if len(b) >= 16 {
				nbuckets := leUint32(b[0:4])
				symoffset := leUint32(b[4:8])
				bloomSize := leUint32(b[8:12])
				bloomWords := 8
				bucketsOff := 16 + int(bloomSize)*bloomWords
				bucketsEnd := bucketsOff + int(nbuckets)*4
				if bucketsEnd <= len(b) {
					maxBucket := uint32(0)
					for i := 0; i < int(nbuckets); i++ {
						v := leUint32(b[bucketsOff+i*4 : bucketsOff+i*4+4])
						if v > maxBucket {
							maxBucket = v
						}
					}
					if maxBucket == 0 {
						return int(symoffset)
					}
					// Walk the chain from the largest bucket to its
					// terminator (low bit set) to find the last symbol
					// index.
					chainOff := bucketsEnd + int(maxBucket-symoffset)*4
					idx := maxBucket
					for chainOff+4 <= len(b) {
						v := leUint32(b[chainOff : chainOff+4])
						idx++
						if v&1 != 0 {
							break
						}
						chainOff += 4
					}
					return int(idx)
				}
			}
		}
	}
	return 0
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readPtrArray(obj *Object, va VirtualAddr, size uint64) []VirtualAddr {
	if va == 0 || size == 0 {
		return nil
	}
	seg := segmentContaining(obj, va)
	if seg == nil {
		return nil
	}
	b := sliceAt(seg, va, int(size))
	n := len(b) / 8
	out := make([]VirtualAddr, 0, n)
	for i := 0; i < n; i++ {
		v := uint64(0)
		for j := 0; j < 8; j++ {
			v |= uint64(b[i*8+j]) << (8 * j)
		}
		out = append(out, VirtualAddr(obj.Runtime(VirtualAddr(v))))
	}
	return out
}
