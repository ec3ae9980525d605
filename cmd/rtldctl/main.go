// Completion: 100% - driver CLI complete
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/polstra/rtld"
)

// rtldctl drives the map -> digest -> resolve -> relocate -> bind
// pipeline against on-disk ELF files, using the simulated MemorySource
// so it can run a dry pass on any host regardless of target
// architecture — it never executes a byte of the object it loads.
//
// Environment overrides (checked before flag defaults, so an
// environment variable wins unless the corresponding flag was
// explicitly set on the command line):
//
//	RTLD_VERBOSE        - same as -v
//	RTLD_LIBRARY_PATH    - colon-separated search path, same as -L
func main() {
	verboseFlag := flag.Bool("v", env.Bool("RTLD_VERBOSE", false), "verbose mode (log each load/resolve/relocate step)")
	libPathFlag := flag.String("L", env.Str("RTLD_LIBRARY_PATH", ""), "colon-separated library search path")
	syspageDir := flag.String("syspage-dir", env.Str("RTLD_SYSPAGE_DIR", ""), "directory whose files are exposed under syspage: names")
	flag.Parse()

	rtld.VerboseMode = *verboseFlag

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: rtldctl [-v] [-L path1:path2] [-syspage-dir dir] <elf-file> [needed-names...]")
		os.Exit(2)
	}

	var search []string
	if *libPathFlag != "" {
		search = strings.Split(*libPathFlag, ":")
	}

	var syspage rtld.Syspage
	if *syspageDir != "" {
		images, err := loadSyspageDir(*syspageDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rtldctl:", err)
			os.Exit(1)
		}
		syspage = rtld.NewMapSyspage(images)
	}

	if err := run(args[0], search, syspage); err != nil {
		fmt.Fprintln(os.Stderr, "rtldctl:", err)
		os.Exit(1)
	}
}

func loadSyspageDir(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	images := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		images[e.Name()] = b
	}
	return images, nil
}

// fileOpener resolves NEEDED names by walking a directory search path
// and stat-ing each candidate for its (dev, ino) identity.
type fileOpener struct {
	search []string
}

func (o fileOpener) Open(name string) (image []byte, fd int, dev, ino uint64, err error) {
	candidates := []string{name}
	for _, dir := range o.search {
		candidates = append(candidates, dir+"/"+name)
	}
	var lastErr error
	for _, path := range candidates {
		f, err := os.Open(path)
		if err != nil {
			lastErr = err
			continue
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			lastErr = err
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			f.Close()
			lastErr = err
			continue
		}
		d, i := statIdentity(st)
		return data, int(f.Fd()), d, i, nil
	}
	return nil, -1, 0, 0, lastErr
}

func run(path string, search []string, syspage rtld.Syspage) error {
	mem := rtld.NewSimMemorySource()
	linker := rtld.NewLinker(search, syspage)
	opener := fileOpener{search: search}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	dev, ino := statIdentity(st)

	obj, loadedHere, err := linkerLoadFile(linker, mem, opener, path, data, dev, ino)
	if err != nil {
		return err
	}
	if !loadedHere {
		fmt.Printf("%s: already loaded\n", path)
		return nil
	}

	res := rtld.NewResolver(linker)
	relocator := rtld.NewRelocator(linker, res)
	if err := relocator.Relocate(obj); err != nil {
		return err
	}
	if err := relocator.ResolveDeferredIFuncs(dryRunIFuncCaller{}); err != nil {
		return err
	}
	if err := rtld.NewBinder(linker, res).BindAll(obj, dryRunIFuncCaller{}); err != nil {
		return err
	}

	logf("loaded %s: arch=%s entry=%s segments=%d needed=%d\n", obj.Path, obj.Arch, obj.Entry, len(obj.Segments), len(obj.Needed))
	return nil
}

// linkerLoadFile threads a pre-opened file's bytes through Linker.Load
// without re-reading it, by wrapping the single already-read image in
// a throwaway Opener the registry calls exactly once.
func linkerLoadFile(linker *rtld.Linker, mem rtld.MemorySource, opener rtld.Opener, path string, data []byte, dev, ino uint64) (*rtld.Object, bool, error) {
	obj, err := linker.Load(mem, singleFileOpener{path: path, data: data, dev: dev, ino: ino, fallback: opener}, path)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

type singleFileOpener struct {
	path     string
	data     []byte
	dev, ino uint64
	fallback rtld.Opener
}

func (o singleFileOpener) Open(name string) ([]byte, int, uint64, uint64, error) {
	if name == o.path {
		return o.data, -1, o.dev, o.ino, nil
	}
	return o.fallback.Open(name)
}

// dryRunIFuncCaller stands in for a real architecture-specific
// trampoline: since rtldctl never actually executes mapped code
// (the simulated MemorySource's "addresses" aren't dereferenceable),
// every ifunc resolver is reported as resolving to its own declared
// address rather than whatever it would compute at runtime.
type dryRunIFuncCaller struct{}

func (dryRunIFuncCaller) CallIFunc(addr rtld.VirtualAddr) (rtld.RuntimeAddr, error) {
	return rtld.RuntimeAddr(addr), nil
}

func logf(format string, args ...any) {
	if rtld.VerboseMode {
		fmt.Printf(format, args...)
	}
}
