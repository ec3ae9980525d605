// Package rtld implements an ELF dynamic shared-object loader and runtime
// relocator for MMU and NOMMU (FDPIC) targets.
//
// Given a program's needed-library list, rtld locates and maps shared
// objects, parses their dynamic linking metadata, resolves inter-object
// symbol references, applies relocations (including lazy PLT binding via
// a runtime trampoline), and on FDPIC targets maintains per-object
// function-descriptor tables.
//
// rtld is a library, not a standalone linker: it is meant to be linked
// into a process and driven from whatever entry point maps the initial
// executable. See cmd/rtldctl for a small demonstration driver that
// walks a needed-library graph on disk without requiring the caller to
// actually be the OS's own interpreter.
package rtld

// VerboseMode turns on cmd/rtldctl's per-step log lines, printed to
// stdout; the package's own code does not read it. It is a package-level switch rather than a per-Linker
// field because it is meant to be toggled once, from a CLI flag or the
// RTLD_VERBOSE environment variable, for the lifetime of a process.
var VerboseMode bool
