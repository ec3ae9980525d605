package rtld

import "fmt"

// ErrorKind classifies a load-time failure.
type ErrorKind int

const (
	// ErrNotFound: a needed library name could not be located in any
	// search path, nor in the syspage catalog.
	ErrNotFound ErrorKind = iota
	// ErrMalformedImage: any failure validating or decoding an ELF
	// image.
	ErrMalformedImage
	// ErrOutOfMemory: any allocation failure.
	ErrOutOfMemory
	// ErrAddressSpace: reservation of an object's virtual range
	// failed, or a fixed-base executable could not be placed at its
	// requested base.
	ErrAddressSpace
	// ErrRelocation: unsupported relocation type, unresolved
	// non-weak symbol, or COPY in a shared object.
	ErrRelocation
	// ErrPolicy: attempt to open an object marked NOOPEN or NOLOAD.
	ErrPolicy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNotFound:
		return "not found"
	case ErrMalformedImage:
		return "malformed image"
	case ErrOutOfMemory:
		return "out of memory"
	case ErrAddressSpace:
		return "address space"
	case ErrRelocation:
		return "relocation"
	case ErrPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// LoaderError is a structured load-time error carrying enough context
// (object pathname, symbol name, relocation offset) to diagnose a
// failure without a debugger.
type LoaderError struct {
	Kind    ErrorKind
	Object  string // canonical pathname of the object involved, if any
	Symbol  string // symbol name involved, if any
	Offset  VirtualAddr
	HasOff  bool
	Message string
}

func (e *LoaderError) Error() string {
	s := fmt.Sprintf("rtld: %s: %s", e.Kind, e.Message)
	if e.Object != "" {
		s += fmt.Sprintf(" (object %q)", e.Object)
	}
	if e.Symbol != "" {
		s += fmt.Sprintf(" (symbol %q)", e.Symbol)
	}
	if e.HasOff {
		s += fmt.Sprintf(" (offset %s)", e.Offset)
	}
	return s
}

// Is supports errors.Is(err, ErrNotFound) style checks against a bare
// ErrorKind sentinel by comparing Kind.
func (e *LoaderError) Is(target error) bool {
	k, ok := target.(errKindSentinel)
	return ok && e.Kind == k.kind
}

type errKindSentinel struct{ kind ErrorKind }

func (errKindSentinel) Error() string { return "" }

// Sentinel returns an error value suitable for errors.Is comparisons
// against a LoaderError of the given kind, e.g.:
//
//	if errors.Is(err, rtld.Sentinel(rtld.ErrNotFound)) { ... }
func Sentinel(k ErrorKind) error { return errKindSentinel{kind: k} }
