package rtld

import (
	"fmt"
	"os"
)

// FatalFunc is the diagnostic hook a host program installs on a Linker
// to control what happens when the loader hits an unrecoverable
// condition (a lazy PLT bind in Binder.BindOne that cannot complete,
// with no caller left to hand an error to) rather than an ordinary,
// recoverable LoaderError.
// It's an injectable function rather than a fixed os.Exit call so
// tests can observe it without killing the test binary.
type FatalFunc func(format string, args ...any)

// fatal invokes l.Fatal if set, otherwise writes to stderr and panics
// — the default behavior matching a loader that has no business
// continuing once this path is reached.
func (l *Linker) fatal(format string, args ...any) {
	if l.Fatal != nil {
		l.Fatal(format, args...)
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, "rtld: fatal:", msg)
	panic(msg)
}
