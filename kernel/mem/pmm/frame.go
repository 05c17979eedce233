// Package pmm implements the physical frame allocator: the lowest layer of
// the memory subsystem, responsible for handing out and reclaiming 4 KiB
// physical frames.
package pmm

import (
	"kestrel/kernel/mem"
	"math"
)

// Frame describes a physical memory page index. Multiplying by mem.PageSize
// (equivalently, shifting left by mem.PageShift) yields the frame's physical
// address.
type Frame uintptr

// InvalidFrame is returned by the allocator when it cannot satisfy a
// request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if f is not the InvalidFrame sentinel.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of this frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}
