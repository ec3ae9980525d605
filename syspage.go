package rtld

import "strings"

// syspagePrefix is the name prefix that diverts library resolution to
// the platform catalog instead of a search-path lookup (SUPPLEMENTED
// FEATURES #1, grounded on the original rtld_syspage_libname prefix
// check in ld.elf_so/map_object.c).
const syspagePrefix = "syspage:"

// Syspage is the platform catalog contract: a fixed, link-time-known
// set of images that ship baked into the kernel or boot image rather
// than living on a mountable filesystem, the NOMMU/FDPIC equivalent of
// a shared library. Looking one up never touches the filesystem and
// never fails with ErrNotFound for a reason related to search paths.
type Syspage interface {
	// Lookup returns the raw image bytes for the syspage-relative name
	// (with the "syspage:" prefix already stripped), or ok=false if no
	// such image is baked in.
	Lookup(name string) (image []byte, ok bool)
}

// mapSyspage is a Syspage backed by an in-memory map, used by tests and
// by hosts that stage their baked-in images as ordinary []byte
// constants rather than reading them out of a real boot image.
type mapSyspage map[string][]byte

// NewMapSyspage returns a Syspage backed by the given name-to-image
// table, copying nothing — callers must not mutate the passed slices
// afterward.
func NewMapSyspage(images map[string][]byte) Syspage {
	return mapSyspage(images)
}

func (m mapSyspage) Lookup(name string) ([]byte, bool) {
	b, ok := m[name]
	return b, ok
}

// isSyspageName reports whether a dependency name should be resolved
// through the platform catalog rather than the search path, and
// returns the catalog-relative name with the prefix stripped.
func isSyspageName(name string) (rel string, ok bool) {
	if strings.HasPrefix(name, syspagePrefix) {
		return name[len(syspagePrefix):], true
	}
	return "", false
}
