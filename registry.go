package rtld

import (
	"fmt"
	"strings"
	"sync"
)

// Linker is the global loader state: the object list, the platform
// catalog, and the reader/writer lock that serializes load-time
// mutation against lazy PLT binding. A single struct owns the mutex
// plus the state it protects, using sync.RWMutex rather than
// sync.Mutex since readers (symbol lookups during lazy binding)
// vastly outnumber writers (object insertion at load time).
type Linker struct {
	mu      sync.RWMutex
	objects []*Object // insertion order = load order, never reordered
	byPath  map[string]*Object
	byInode map[inodeKey]*Object

	syspage Syspage
	search  []string // directory search path, kept for diagnostics; the Opener does the searching

	// Fatal is the diagnostic hook of fatal.go; nil means "panic".
	Fatal FatalFunc

	tls StaticTLSPool
}

type inodeKey struct{ dev, ino uint64 }

// NewLinker creates an empty registry. search is only recorded (the
// Opener walks the search path for names that aren't syspage: names);
// syspage may be nil if this target has no platform catalog.
func NewLinker(search []string, syspage Syspage) *Linker {
	return &Linker{
		byPath:  make(map[string]*Object),
		byInode: make(map[inodeKey]*Object),
		search:  search,
		syspage: syspage,
	}
}

// FindByPath returns the already-loaded object for the given canonical
// pathname, if any, under a read lock.
func (l *Linker) FindByPath(path string) *Object {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byPath[path]
}

// FindByInode returns the already-loaded object sharing this
// (dev, ino) pair, if any — the dedup rule that catches two different
// path strings (e.g. a symlink and its target) resolving to the same
// file (SUPPLEMENTED FEATURES #2).
func (l *Linker) FindByInode(dev, ino uint64) *Object {
	if dev == 0 && ino == 0 {
		return nil // syspage images carry no inode identity
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byInode[inodeKey{dev, ino}]
}

// insertTail appends obj to the object list and index maps. Caller
// must hold mu for writing.
func (l *Linker) insertTail(obj *Object) {
	l.objects = append(l.objects, obj)
	l.byPath[obj.Path] = obj
	if obj.Dev != 0 || obj.Ino != 0 {
		l.byInode[inodeKey{obj.Dev, obj.Ino}] = obj
	}
}

// removeTail undoes insertTail: it removes obj from the object list,
// wherever it sits, and from the index maps. Caller must hold mu for
// writing.
func (l *Linker) removeTail(obj *Object) {
	for i, o := range l.objects {
		if o == obj {
			l.objects = append(l.objects[:i], l.objects[i+1:]...)
			break
		}
	}
	delete(l.byPath, obj.Path)
	if obj.Dev != 0 || obj.Ino != 0 {
		delete(l.byInode, inodeKey{obj.Dev, obj.Ino})
	}
}

// Ref bumps an object's reference count. Caller must hold mu (any
// variant); RefCount is only ever touched under the registry lock.
func (l *Linker) ref(obj *Object) { obj.RefCount++ }

// Unref drops an object's reference count and, at zero, unmaps its
// segments and releases any static TLS block and function-descriptor
// scratch space it owned — the fix for the "descriptor-list/digester
// metadata leak" open question: these are per-Object allocations, not
// shared into the registry's own maps, so freeing them here cannot
// race any other Object's lookup.
func (l *Linker) Unref(obj *Object) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj.RefCount--
	if obj.RefCount > 0 || obj.hasFlag(FlagNoDelete) {
		return nil
	}
	if obj.TLS.StaticAlloc {
		l.tls.release(obj.TLS.StaticOffset, obj.TLS.Size)
	}
	FreeList(obj)
	l.removeTail(obj)
	return Unmap(obj)
}

// Load maps, digests, registers, and recursively loads the transitive
// NEEDED closure of the image at path (or, if path already names a
// loaded object, just bumps its refcount and returns it). This is
// component C's primary entry point, mirroring _rtld_load_object in
// the original load.c: build the object, push it onto the tail of the
// global list, then walk the growing list's NEEDED entries
// breadth-first — and if any dependency in that walk fails, unwind
// (Unref) everything this call itself loaded before returning the
// error (SUPPLEMENTED FEATURES #3).
func (l *Linker) Load(mem MemorySource, opener Opener, path string) (*Object, error) {
	obj, loadedHere, err := l.loadOne(mem, opener, path)
	if err != nil {
		return nil, err
	}
	if !loadedHere {
		l.mu.Lock()
		l.ref(obj)
		l.mu.Unlock()
		return obj, nil
	}

	var loadedByThisCall []*Object
	loadedByThisCall = append(loadedByThisCall, obj)

	if err := l.loadNeeded(mem, opener, &loadedByThisCall); err != nil {
		for i := len(loadedByThisCall) - 1; i >= 0; i-- {
			_ = l.Unref(loadedByThisCall[i])
		}
		return nil, err
	}
	return obj, nil
}

// loadNeeded resolves and loads every transitive NEEDED dependency of
// the objects already in *acc (acc[0] is the root object Load just
// mapped). It walks *acc by index rather than recursing into each
// dependency as soon as it's resolved, mirroring
// _rtld_load_needed_objects's `for (obj = first; obj != NULL;
// obj = obj->next)` walk over a list that grows while it's being
// walked: every object already queued gets its own NEEDED list
// processed, in queue order, before any of their dependencies' NEEDED
// lists are reached. For A needing B and C, with B and C both needing
// D, this produces load order [A, B, C, D]; a depth-first descent
// would instead reach D through B before C is ever loaded.
func (l *Linker) loadNeeded(mem MemorySource, opener Opener, acc *[]*Object) error {
	for i := 0; i < len(*acc); i++ {
		obj := (*acc)[i]
		for j := range obj.Needed {
			dep, loadedHere, err := l.loadOne(mem, opener, obj.Needed[j].Name)
			if err != nil {
				return &LoaderError{Kind: ErrNotFound, Object: obj.Path, Message: fmt.Sprintf("loading needed %q: %v", obj.Needed[j].Name, err)}
			}
			obj.Needed[j].Obj = dep
			l.mu.Lock()
			l.ref(dep)
			l.mu.Unlock()
			if loadedHere {
				*acc = append(*acc, dep)
			}
		}
	}
	return nil
}

// Opener resolves a dependency name that isn't already loaded into
// readable bytes plus identity (dev/ino, or 0/0 for a syspage image)
// and a file descriptor (or -1) for segment mapping.
type Opener interface {
	Open(resolvedPath string) (image []byte, fd int, dev, ino uint64, err error)
}

// loadOne resolves name to a canonical path, returns the existing
// Object if one is already registered for it, or maps+digests a new
// one and inserts it at the tail of the global list. loadedHere
// reports whether this call actually did the mapping (false means the
// object already existed and the caller is merely being handed a
// reference to it).
func (l *Linker) loadOne(mem MemorySource, opener Opener, name string) (obj *Object, loadedHere bool, err error) {
	resolved, image, fd, dev, ino, isSyspage, err := l.resolveName(opener, name)
	if err != nil {
		return nil, false, err
	}

	if existing := l.FindByPath(resolved); existing != nil {
		return existing, false, nil
	}
	if !isSyspage {
		if existing := l.FindByInode(dev, ino); existing != nil {
			l.mu.Lock()
			l.byPath[resolved] = existing
			l.mu.Unlock()
			return existing, false, nil
		}
	}

	newObj, err := Map(mem, resolved, fd, image, dev, ino, isSyspage)
	if err != nil {
		return nil, false, err
	}
	if err := Digest(newObj); err != nil {
		_ = Unmap(newObj)
		return nil, false, err
	}

	l.mu.Lock()
	l.insertTail(newObj)
	l.mu.Unlock()
	return newObj, true, nil
}

// resolveName implements the syspage: prefix dispatch rule
// (SUPPLEMENTED FEATURES #1): names with that prefix are looked up in
// the platform catalog and never touch the filesystem or search path;
// all other names go through the Opener, which is expected to walk the
// configured search path itself.
func (l *Linker) resolveName(opener Opener, name string) (resolved string, image []byte, fd int, dev, ino uint64, isSyspage bool, err error) {
	if rel, ok := isSyspageName(name); ok {
		if l.syspage == nil {
			return "", nil, -1, 0, 0, false, &LoaderError{Kind: ErrNotFound, Symbol: name, Message: "no syspage catalog configured"}
		}
		img, ok := l.syspage.Lookup(rel)
		if !ok {
			return "", nil, -1, 0, 0, false, &LoaderError{Kind: ErrNotFound, Object: name, Message: "not present in syspage catalog"}
		}
		return name, img, -1, 0, 0, true, nil
	}
	img, fdv, devv, inov, oerr := opener.Open(name)
	if oerr != nil {
		return "", nil, -1, 0, 0, false, &LoaderError{Kind: ErrNotFound, Object: name, Message: oerr.Error()}
	}
	return name, img, fdv, devv, inov, false, nil
}

// Objects returns a snapshot of the global list in load order, for
// iteration by the resolver and relocator. The slice is a copy; it is
// safe to range over without holding the lock, but entries may go
// stale if concurrent loads/unloads happen afterward.
func (l *Linker) Objects() []*Object {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Object, len(l.objects))
	copy(out, l.objects)
	return out
}

// RLock/RUnlock/Lock/Unlock expose the registry's lock to the resolver
// and PLT binder, which need finer-grained control than a single
// Objects() snapshot — lazy binding takes the shared lock for the
// whole resolve-and-bind sequence. No implementation here ever
// upgrades a held read lock to a write lock (that would deadlock
// against sync.RWMutex); any write to
// Object state during a bind is confined to the GOT slot itself, which
// is written with a single atomic word store (writeSlotAtomic) while
// only the shared lock is held, because only one binder will ever
// target a given unresolved slot (Open Question resolution, see
// DESIGN.md).
func (l *Linker) RLock()   { l.mu.RLock() }
func (l *Linker) RUnlock() { l.mu.RUnlock() }
func (l *Linker) Lock()    { l.mu.Lock() }
func (l *Linker) Unlock()  { l.mu.Unlock() }

// searchPathString returns the configured directory search path, joined for
// diagnostic messages.
func (l *Linker) searchPathString() string { return strings.Join(l.search, ":") }
