// Package kernel contains the small set of types and helpers that are shared
// by every other kernel package: the error type and the raw memory primitives
// in mem_util.go. The panic/halt path lives in kernel/kfmt (kfmt.Panic).
package kernel

// Error describes a kernel-internal error. All kernel errors are defined as
// package-level variables that are pointers to this structure. This mirrors
// the rest of the kernel's allocation discipline: until the Go runtime
// allocator has been bootstrapped (see kernel/goruntime) there is no heap
// available, so error values cannot be constructed with errors.New at the
// point of failure.
type Error struct {
	// Module is the package or subsystem that generated the error.
	Module string

	// Message describes what went wrong.
	Message string
}

// Error implements the error interface so that *Error values can be used
// anywhere a standard error is expected.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
