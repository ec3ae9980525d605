package rtld

import "unsafe"

// funcDesc is a FDPIC function descriptor: the {entry, got} pair that
// ARM FDPIC uses in place of a bare code pointer wherever a function's
// address is taken, since code and data are independently relocatable
// under that ABI. Each distinct kind of address gets its own named
// type rather than passing bare uint64 pairs around.
type funcDesc struct {
	Entry RuntimeAddr
	GOT   RuntimeAddr
	next  *funcDesc // intrusive free-list / owner-chain link
}

// allocFuncDesc hands out a descriptor for entry from defobj's
// preallocated slab, sized by PreallocDescs from the FUNCDESC
// relocation count Digest finds, or from an overflow list for any additional descriptor
// requests a conservative count estimate didn't anticipate (a
// malformed-but-tolerable input, or a count heuristic that undershot).
//
// Function descriptors live for as long as the defining object does:
// they're addresses taken against that object's own code and GOT, so
// they're owned by descPrealloc/descHead on the defobj — freed in bulk
// at Linker.Unref's refcount-zero cleanup, never individually.
func allocFuncDesc(defobj *Object, entry RuntimeAddr) VirtualAddr {
	for i := range defobj.descPrealloc {
		d := &defobj.descPrealloc[i]
		if d.Entry == 0 && d.GOT == 0 {
			d.Entry = entry
			d.GOT = RuntimeAddr(defobj.PLTGOT)
			return descAddr(defobj, d)
		}
	}
	// Overflow: prepend to the lazily-grown list. These entries are
	// not contiguous with descPrealloc and are addressed via their own
	// allocation's identity rather than an index into a backing array.
	d := &funcDesc{Entry: entry, GOT: RuntimeAddr(defobj.PLTGOT), next: defobj.descHead}
	defobj.descHead = d
	return descAddr(defobj, d)
}

// descAddr returns a stable address-like identity for a descriptor,
// suitable for writing into a FUNCDESC relocation's slot. Real
// dynamic loaders place these descriptors in mapped memory at a
// concrete runtime address the CPU can dereference directly; this
// package's descriptors live as ordinary heap-allocated Go values, so
// their "address" is an opaque token derived from the pointer rather
// than a guest-visible memory location. A deployment that needs a
// genuinely CPU-dereferenceable descriptor table allocates it as part
// of the object's own load map instead.
func descAddr(defobj *Object, d *funcDesc) VirtualAddr {
	return VirtualAddr(uintptr(unsafe.Pointer(d)))
}

// PreallocDescs sizes obj's descriptor slab to count entries, called
// once by Digest (or by a caller that already knows the FUNCDESC
// relocation count from a prior pass over JmpRelTab/RelTab) before any
// FUNCDESC relocation against this object is processed.
func PreallocDescs(obj *Object, count int) {
	if count <= 0 {
		return
	}
	obj.descPrealloc = make([]funcDesc, count)
}

// FreeList releases every descriptor owned by obj, called from
// Linker.Unref at refcount zero.
func FreeList(obj *Object) {
	obj.descPrealloc = nil
	obj.descHead = nil
}
