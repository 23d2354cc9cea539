// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts filesystem operations (open, remove, rename, etc.)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using the standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate I/O errors)
//
// Production code should use fs.Default (which is [LocalFS]). Tests can
// inject [FaultyFS] to simulate failures, e.g. an unwritable repository
// directory:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule(".write-probe", fs.Fault{FailOnOpen: true})
//	// inject ffs into component under test
//
// Filesystem operations intentionally take no context.Context: they are
// fast and non-interruptible at the syscall level. Slow operations
// (archive fetches) live behind context-aware interfaces elsewhere.
package fs
