//go:build linux || darwin || freebsd

package rtld

import (
	"fmt"
	"reflect"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixMemorySource backs MemorySource with real mmap/munmap/mprotect
// syscalls. Placing a segment at a caller-chosen fixed address requires
// passing that address straight to the mmap(2) syscall, which
// golang.org/x/sys/unix.Mmap does not expose (it always requests
// addr=NULL), so this falls back to a raw unix.Syscall6 call against
// unix.SYS_MMAP, with x/sys/unix supplying the PROT_*/MAP_*/SYS_MMAP
// constants for whichever of linux/darwin/freebsd this file is built
// for.
type unixMemorySource struct{}

// NewUnixMemorySource returns the real-mmap MemorySource used on any
// host with a working MMU and a real address space.
func NewUnixMemorySource() MemorySource { return unixMemorySource{} }

func protToUnix(p Prot) int {
	var u int
	if p&ProtRead != 0 {
		u |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		u |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		u |= unix.PROT_EXEC
	}
	return u
}

func rawMmap(addr uintptr, size int, prot int, flags int, fd int, offset int64) ([]byte, error) {
	if size == 0 {
		size = pageSize
	}
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return nil, fmt.Errorf("mmap addr=0x%x size=%d: %w", addr, size, errno)
	}
	var data []byte
	sh := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	sh.Data = r1
	sh.Len = size
	sh.Cap = size
	return data, nil
}

func (unixMemorySource) MapAnon(addr uintptr, size int, prot Prot, fixed bool) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if fixed {
		flags |= unix.MAP_FIXED
	}
	return rawMmap(addr, size, protToUnix(prot), flags, -1, 0)
}

func (unixMemorySource) MapFile(addr uintptr, size int, prot Prot, fd int, fileOffset int64) ([]byte, error) {
	flags := unix.MAP_PRIVATE
	if addr != 0 {
		flags |= unix.MAP_FIXED
	}
	return rawMmap(addr, size, protToUnix(prot), flags, fd, fileOffset)
}

func (unixMemorySource) Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

func (unixMemorySource) Protect(b []byte, prot Prot) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mprotect(b, protToUnix(prot))
}
