package rtld

import "debug/elf"

// ObjFlag records an object's single-bit lifecycle flags.
type ObjFlag uint16

const (
	FlagIsDynamic ObjFlag = 1 << iota
	FlagPhdrLoaded
	FlagMainRef
	FlagGlobalRef
	FlagNoDelete
	FlagTextRelocs
	FlagSymbolic
	FlagBindNow
	FlagNoOpen
)

// Needed is one DT_NEEDED entry: a string-table index naming a
// dependency, later resolved to an Object reference in load order.
type Needed struct {
	Name string
	Obj  *Object // nil until resolved by the registry
}

// TLSInfo is an object's thread-local-storage metadata.
type TLSInfo struct {
	Index        int // this object's module index, 0 if it has no PT_TLS
	Size         uint64
	Align        uint64
	InitImageSz  uint64
	InitImage    []byte
	StaticOffset int64 // only meaningful if StaticAlloc
	StaticAlloc  bool
}

// Object is the in-memory representation of one ELF file: the main
// executable or a shared library. Every other component reads and
// mutates its fields under the registry's lock discipline.
type Object struct {
	// identity
	Path string // canonical pathname
	Dev  uint64 // 0 for syspage images
	Ino  uint64 // 0 for syspage images
	IsSyspage bool

	// load map
	Segments []Segment // sorted by ascending VirtualAddr (invariant 2)

	// tables, populated by the digester (component B)
	Arch     Arch
	Dynamic  []DynEntry
	SymTab   []byte // raw .dynsym bytes, sliced from a mapped segment
	StrTab   []byte // raw .dynstr bytes
	NumSyms  int
	RelTab   []byte // DT_REL/DT_RELA array
	RelCount int
	RelIsRela bool
	JmpRelTab []byte // DT_JMPREL array (always RELA-shaped on our targets)
	JmpRelCount int
	PLTGOT   VirtualAddr

	HashStyle  hashStyle
	HashTable  []byte // raw DT_HASH or DT_GNU_HASH bytes

	Entry   VirtualAddr
	Interp  VirtualAddr
	Phdr    VirtualAddr
	PhdrNum int
	DynamicAddr VirtualAddr
	TLSPhdr     *ProgHeader
	RelroAddr   VirtualAddr
	RelroSize   uint64
	ExidxAddr   VirtualAddr // PT_ARM_EXIDX, ARM only
	ExidxSize   uint64

	Init     VirtualAddr
	Fini     VirtualAddr
	InitArray []VirtualAddr
	FiniArray []VirtualAddr

	// graph edges
	Needed []Needed

	// lifecycle
	Flags    ObjFlag
	RefCount int

	// TLS
	TLS TLSInfo

	// function-descriptor owner chain (component G)
	descHead    *funcDesc // lazily-allocated list head
	descPrealloc []funcDesc // sized exactly to this object's FUNCDESC count

	// ifunc bookkeeping for component E's deferred IRELATIVE pass
	pendingIFuncs int

	// mem is the MemorySource that produced this object's segments,
	// needed at Unmap time. nil for an Object that was never actually
	// mapped (can't happen outside of tests constructing partial
	// Objects).
	mem MemorySource
}

func (o *Object) hasFlag(f ObjFlag) bool { return o.Flags&f != 0 }
func (o *Object) setFlag(f ObjFlag)      { o.Flags |= f }

// Runtime converts a virtual address belonging to this object into its
// runtime address, per invariant 2.
func (o *Object) Runtime(vaddr VirtualAddr) RuntimeAddr {
	return RelocateSegments(o.Segments, vaddr)
}

type hashStyle int

const (
	hashNone hashStyle = iota
	hashSysV
	hashGNU
)

// symbolDefined reports whether a decoded Sym counts as a definition
// for lookup purposes: STB_GLOBAL or STB_WEAK, st_shndx != SHN_UNDEF.
func symbolDefined(s Sym) bool {
	if s.Shndx == elf.SHN_UNDEF {
		return false
	}
	switch s.Bind() {
	case elf.STB_GLOBAL, elf.STB_WEAK:
		return true
	default:
		return false
	}
}
