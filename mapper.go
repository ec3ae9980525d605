package rtld

import (
	"debug/elf"
	"fmt"
	"unsafe"
)

// MemorySource abstracts the kernel memory interface the loader needs:
// a minimal mmap/munmap/mprotect surface. mapper_unix.go backs it with
// golang.org/x/sys/unix and a raw mmap syscall on real targets;
// simmem.go backs it with a plain Go byte-slice arena standing in
// for either a host with no raw mmap access or a NOMMU target where the
// kernel, not this code, chooses each segment's placement.
type MemorySource interface {
	// MapAnon reserves a private anonymous region of the given size,
	// with the given protection. If fixed is true, addr is a
	// requested fixed placement (MAP_FIXED); otherwise addr is a
	// hint, or 0 for "anywhere."
	MapAnon(addr uintptr, size int, prot Prot, fixed bool) ([]byte, error)
	// MapFile maps length bytes of fd at fileOffset, at addr. A
	// non-zero addr is a fixed placement (the MMU segment-layout path
	// always requests one within its own reservation); addr 0 lets the
	// source choose (the NOMMU path).
	MapFile(addr uintptr, size int, prot Prot, fd int, fileOffset int64) ([]byte, error)
	// Unmap releases a mapping previously returned by MapAnon/MapFile.
	Unmap(b []byte) error
	// Protect changes the protection of an existing mapping in place
	// (used by the MMU path to drop write permission from segments
	// that are not writable; the loader opens no TEXTREL writable
	// window, so text relocations are applied without one).
	Protect(b []byte, prot Prot) error
}

// loadRequest is one PT_LOAD entry queued for placement.
type loadRequest struct {
	ph ProgHeader
}

// Map reads, validates, and maps an ELF image into memory, producing a
// fully-mapped but as-yet-unrelocated Object. fd is used only for
// file-backed MapFile calls; pass -1 for a pure in-memory (syspage)
// image, in which case image must already hold the complete file
// contents.
func Map(mem MemorySource, path string, fd int, image []byte, dev, ino uint64, isSyspage bool) (obj *Object, err error) {
	if len(image) == 0 {
		return nil, &LoaderError{Kind: ErrMalformedImage, Object: path, Message: "empty image"}
	}

	hdr, err := ParseHeader(image)
	if err != nil {
		if le, ok := err.(*LoaderError); ok {
			le.Object = path
		}
		return nil, err
	}

	obj = &Object{
		Path:      path,
		Dev:       dev,
		Ino:       ino,
		IsSyspage: isSyspage,
		Arch:      hdr.Arch,
		Entry:     hdr.Entry,
		mem:       mem,
	}

	var loads []loadRequest
	var dynPh, tlsPh *ProgHeader
	phdrCopy := append([]ProgHeader(nil), hdr.Phdrs...)
	for i := range phdrCopy {
		p := &phdrCopy[i]
		switch p.Type {
		case elf.PT_LOAD:
			loads = append(loads, loadRequest{ph: *p})
		case elf.PT_DYNAMIC:
			dynPh = p
			obj.setFlag(FlagIsDynamic)
		case elf.PT_INTERP:
			obj.Interp = p.Vaddr
		case elf.PT_PHDR:
			obj.Phdr = p.Vaddr
			obj.PhdrNum = hdr.Phnum
			obj.setFlag(FlagPhdrLoaded)
		case elf.PT_TLS:
			tlsPh = p
		case elf.PT_GNU_RELRO:
			obj.RelroAddr = p.Vaddr
			obj.RelroSize = p.Memsz
		case elf.PT_ARM_EXIDX:
			obj.ExidxAddr = p.Vaddr
			obj.ExidxSize = p.Memsz
		}
	}

	if len(loads) == 0 {
		return nil, &LoaderError{Kind: ErrMalformedImage, Object: path, Message: "no PT_LOAD segments"}
	}
	if dynPh == nil {
		return nil, &LoaderError{Kind: ErrMalformedImage, Object: path, Message: "not a dynamic object (no PT_DYNAMIC)"}
	}

	var segs []Segment
	var mapErr error
	if hdr.Arch.FDPIC() {
		segs, mapErr = mapNOMMU(mem, fd, image, loads)
	} else {
		segs, mapErr = mapMMU(mem, fd, image, loads)
	}
	if mapErr != nil {
		for i := range segs {
			_ = mem.Unmap(segs[i].data)
		}
		return nil, mapErr
	}

	obj.Segments = segs

	if tlsPh != nil {
		obj.TLS.Size = tlsPh.Memsz
		obj.TLS.Align = tlsPh.Align
		obj.TLS.InitImageSz = tlsPh.Filesz
		if tlsPh.Filesz > 0 {
			off := int(tlsPh.Offset)
			if off+int(tlsPh.Filesz) <= len(image) {
				obj.TLS.InitImage = append([]byte(nil), image[off:off+int(tlsPh.Filesz)]...)
			}
		}
	}

	// Finalize: relocate entry/interp/phdr pointers through the load
	// map. DynamicAddr and ExidxAddr stay virtual addresses.
	obj.Entry = VirtualAddr(obj.Runtime(obj.Entry))
	if obj.Interp != 0 {
		obj.Interp = VirtualAddr(obj.Runtime(obj.Interp))
	}
	if obj.hasFlag(FlagPhdrLoaded) {
		obj.Phdr = VirtualAddr(obj.Runtime(obj.Phdr))
	} else {
		// Program headers weren't named by a PT_PHDR; only their count
		// is recorded. No copy of the table is made and Phdr stays 0.
		obj.PhdrNum = hdr.Phnum
	}
	obj.DynamicAddr = dynPh.Vaddr

	return obj, nil
}

// mapMMU implements the MMU path: reserve one contiguous anonymous
// region spanning the load segments' extent
// (rounded to the largest requested alignment), then file-map each
// segment MAP_FIXED within it.
func mapMMU(mem MemorySource, fd int, image []byte, loads []loadRequest) ([]Segment, error) {
	minVaddr := ^uint64(0)
	maxVaddr := uint64(0)
	maxAlign := uint64(pageSize)
	for _, lr := range loads {
		if uint64(lr.ph.Vaddr) < minVaddr {
			minVaddr = uint64(lr.ph.Vaddr)
		}
		end := uint64(lr.ph.Vaddr) + lr.ph.Memsz
		if end > maxVaddr {
			maxVaddr = end
		}
		if lr.ph.Align > maxAlign {
			maxAlign = lr.ph.Align
		}
		if lr.ph.Align%pageSize != 0 && lr.ph.Align != 0 {
			return nil, &LoaderError{Kind: ErrMalformedImage, Message: fmt.Sprintf("PT_LOAD alignment 0x%x is not a multiple of the page size on an MMU target", lr.ph.Align)}
		}
	}
	minVaddr = roundDown(minVaddr, pageSize)
	span := roundUp(maxVaddr-minVaddr, maxAlign)

	// Over-reserve so we can trim to an aligned base, then munmap the
	// leading/trailing over-reservation.
	reserveSize := int(span + maxAlign)
	reservation, err := mem.MapAnon(0, reserveSize, ProtRead, false)
	if err != nil {
		return nil, &LoaderError{Kind: ErrAddressSpace, Message: "failed to reserve virtual address range"}
	}
	base := uintptr(addrOf(reservation))
	alignedBase := (base + uintptr(maxAlign) - 1) &^ (uintptr(maxAlign) - 1)
	frontTrim := int(alignedBase - base)
	backTrim := reserveSize - frontTrim - int(span)
	if frontTrim > 0 {
		_ = mem.Unmap(reservation[:frontTrim])
	}
	if backTrim > 0 {
		_ = mem.Unmap(reservation[frontTrim+int(span):])
	}

	segs := make([]Segment, 0, len(loads))
	for _, lr := range loads {
		ph := lr.ph
		segAddr := alignedBase + uintptr(uint64(ph.Vaddr)-minVaddr)
		prot := protFromFlags(ph.Flags)
		var data []byte
		var err error
		if ph.Memsz > ph.Filesz {
			data, err = mapSegmentWithBSS(mem, fd, image, segAddr, ph, true)
		} else {
			data, err = loadSegmentBytes(mem, fd, image, segAddr, ph, true)
		}
		if err != nil {
			return segs, &LoaderError{Kind: ErrAddressSpace, Message: fmt.Sprintf("failed to map segment at vaddr 0x%x", uint64(ph.Vaddr))}
		}
		seg := Segment{
			RuntimeAddr: RuntimeAddr(segAddr),
			VirtualAddr: ph.Vaddr,
			FileOffset:  ph.Offset,
			FileSize:    ph.Filesz,
			MemSize:     ph.Memsz,
			Prot:        prot,
			data:        data,
		}
		if prot&ProtWrite == 0 {
			_ = mem.Protect(seg.data, prot)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// mapNOMMU implements the NOMMU/FDPIC path: each segment is mapped
// independently with no address hint, and writable
// segments backed by a shared physical image are copied into a fresh
// anonymous mapping.
func mapNOMMU(mem MemorySource, fd int, image []byte, loads []loadRequest) ([]Segment, error) {
	segs := make([]Segment, 0, len(loads))
	for _, lr := range loads {
		ph := lr.ph
		prot := protFromFlags(ph.Flags)
		flag := SegmentFlag(0)
		var data []byte
		var err error
		if ph.Memsz > ph.Filesz {
			// A BSS-bearing segment is always mapped as one zeroed
			// anonymous allocation up front (see mapSegmentWithBSS), so
			// it's already private and needs no separate copy-out step.
			data, err = mapSegmentWithBSS(mem, fd, image, 0, ph, false)
			if err != nil {
				return segs, &LoaderError{Kind: ErrAddressSpace, Message: fmt.Sprintf("failed to map segment at vaddr 0x%x", uint64(ph.Vaddr))}
			}
		} else {
			data, err = loadSegmentBytes(mem, fd, image, 0, ph, false)
			if err != nil {
				return segs, &LoaderError{Kind: ErrAddressSpace, Message: fmt.Sprintf("failed to map segment at vaddr 0x%x", uint64(ph.Vaddr))}
			}
			if prot&ProtWrite != 0 {
				// Writable + physically-backed: copy out, since a writable
				// segment backed by a shared physical image must not let
				// this object's writes bleed into other mappers of it.
				cp, cerr := mem.MapAnon(0, len(data), prot, false)
				if cerr != nil {
					return segs, &LoaderError{Kind: ErrOutOfMemory, Message: "failed to copy writable NOMMU segment"}
				}
				copy(cp, data)
				_ = mem.Unmap(data)
				data = cp
				flag = SegCopied
			}
		}
		seg := Segment{
			RuntimeAddr: RuntimeAddr(addrOf(data)),
			VirtualAddr: ph.Vaddr,
			FileOffset:  ph.Offset,
			FileSize:    ph.Filesz,
			MemSize:     ph.Memsz,
			Prot:        prot,
			Flags:       flag,
			data:        data,
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// loadSegmentBytes maps ph's file-backed portion (or an empty anonymous
// region, for a segment with no file content) through mem, handling
// both a real fd (the common case: mem.MapFile reads straight from the
// descriptor) and a pure in-memory image with fd < 0 — a syspage
// object, or any Opener that only ever hands back bytes already read
// into memory — by mapping anonymous pages and copying the relevant
// slice of image in by hand.
func loadSegmentBytes(mem MemorySource, fd int, image []byte, addr uintptr, ph ProgHeader, fixed bool) ([]byte, error) {
	if ph.Filesz == 0 {
		return mem.MapAnon(addr, 0, protFromFlags(ph.Flags), fixed)
	}
	if fd >= 0 {
		return mem.MapFile(addr, int(ph.Filesz), protFromFlags(ph.Flags)|ProtWrite, fd, int64(ph.Offset))
	}
	data, err := mem.MapAnon(addr, int(ph.Filesz), protFromFlags(ph.Flags)|ProtWrite, fixed)
	if err != nil {
		return nil, err
	}
	off := int(ph.Offset)
	if off < len(image) {
		end := off + int(ph.Filesz)
		if end > len(image) {
			end = len(image)
		}
		copy(data, image[off:end])
	}
	return data, nil
}

// mapSegmentWithBSS maps a PT_LOAD segment whose memsz exceeds its
// filesz as a single zeroed anonymous allocation spanning the full
// memsz, then fills in the leading filesz bytes of file content. The
// BSS tail is part of the same backing slice from the start instead of
// a second mapping stitched on afterward: growing seg.data via append
// once it's full (len == cap, true of every slice MapAnon/MapFile
// hand back) always reallocates onto the Go heap, silently detaching
// the segment's storage from the address this package reports as its
// RuntimeAddr — and from the real mapped pages a genuine MMU target
// would execute against.
func mapSegmentWithBSS(mem MemorySource, fd int, image []byte, addr uintptr, ph ProgHeader, fixed bool) ([]byte, error) {
	data, err := mem.MapAnon(addr, int(ph.Memsz), protFromFlags(ph.Flags)|ProtWrite, fixed)
	if err != nil {
		return nil, err
	}
	if ph.Filesz == 0 {
		return data, nil
	}
	if fd >= 0 {
		n, err := readFullAt(fd, data[:ph.Filesz], int64(ph.Offset))
		if err != nil && n == 0 {
			return nil, err
		}
		return data, nil
	}
	off := int(ph.Offset)
	if off < len(image) {
		end := off + int(ph.Filesz)
		if end > len(image) {
			end = len(image)
		}
		copy(data, image[off:end])
	}
	return data, nil
}

func roundDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// addrOf returns a stable integer identity for a byte slice's backing
// array, used as its "runtime address" in both the real and simulated
// MemorySource implementations. This is an identity, not a real
// hardware address, when the simulated MemorySource is in play; the
// real unix MemorySource's mappings already live at their true address
// and this merely recovers it from the slice the kernel handed back.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Unmap releases every segment of obj, per the Object lifecycle
// destruction rule: "unmaps segments (unless the backing mapping is
// refusal-to-unmap on NOMMU with MAP_PHYSMEM)."
func Unmap(obj *Object) error {
	var first error
	for i := range obj.Segments {
		seg := &obj.Segments[i]
		if seg.Flags&SegPhysical != 0 {
			continue
		}
		if err := obj.mem.Unmap(seg.data); err != nil && first == nil {
			first = err
		}
	}
	return first
}
