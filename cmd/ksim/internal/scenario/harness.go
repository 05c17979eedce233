// Package scenario drives kernel/mem/pmm, kernel/pagecache and kernel/fs
// together as a hosted black box, the slice of the boot sequence that does
// not touch a privileged CPU instruction. kernel/mem/vmm and anything built
// on top of it (kernel/proc, kernel/exec, kernel/syscall) reach kernel/cpu's
// raw MOV-CR3/context-switch assembly with no Go-level seam to substitute,
// so they are out of reach for a hosted simulator and are not exercised
// here; see DESIGN.md.
package scenario

import (
	"fmt"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/fs"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/pagecache"
)

// alignPadding is extra slack given to the fake arena so that pmm.Init's
// page-alignment rounding of the region's reported Base never walks past
// the end of the backing slice.
const alignPadding = 4096

// memDevice is an in-memory pagecache.BlockDevice: a flat byte slice sliced
// up into pagecache.BlockSize chunks, standing in for the ramdisk kmain
// wires up for real.
type memDevice struct {
	blocks []byte
}

func newMemDevice(image []byte) *memDevice {
	return &memDevice{blocks: image}
}

func (d *memDevice) bytesAt(blockIndex, blockCount uint32) ([]byte, *kernel.Error) {
	off := uint64(blockIndex) * uint64(pagecache.BlockSize)
	n := uint64(blockCount) * uint64(pagecache.BlockSize)
	if off+n > uint64(len(d.blocks)) {
		return nil, &kernel.Error{Module: "ksim", Message: "block access out of range"}
	}
	return d.blocks[off : off+n], nil
}

func (d *memDevice) ReadBlocks(blockIndex, blockCount uint32, buf []byte) *kernel.Error {
	src, err := d.bytesAt(blockIndex, blockCount)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (d *memDevice) WriteBlocks(blockIndex, blockCount uint32, buf []byte) *kernel.Error {
	dst, err := d.bytesAt(blockIndex, blockCount)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// Harness owns one fake boot environment: a pinned host arena standing in
// for physical memory, and the image bytes standing in for the block
// device. New runs the same package-level Init sequence kmain does for
// this slice of the boot path, so a Harness can
// only ever be stood up once per process - pmm, pagecache and fs all keep
// package-level state, exactly like the kernel binary they are grounded
// on.
type Harness struct {
	arena []byte
	image *memDevice
}

// New brings up pmm, pagecache and fs against arenaBytes of fake physical
// memory and the given disk image, in the same order kmain.Kmain uses for
// this slice of the boot sequence.
func New(arenaBytes int, image []byte) (*Harness, error) {
	arena := make([]byte, arenaBytes+alignPadding)
	base := uintptr(unsafe.Pointer(&arena[0]))
	usable := (base + alignPadding) &^ (alignPadding - 1)

	boot.Set(boot.Info{
		HHDMOffset: 0,
		Memmap: []boot.MemoryMapEntry{
			{Base: uint64(usable), Length: uint64(arenaBytes), Type: boot.MemUsable},
		},
	})
	pmm.Init()

	dev := newMemDevice(image)
	pagecache.SetDevice(dev)

	if err := fs.Init(); err != nil {
		return nil, fmt.Errorf("ksim: fs.Init: %s", err.Message)
	}

	return &Harness{arena: arena, image: dev}, nil
}

// FreeFrames reports how many physical frames pmm currently has free,
// letting a scenario observe allocator exhaustion and page-cache stealing.
func (h *Harness) FreeFrames() uint64 {
	return pmm.FreeCount()
}

// RootNode is the file-system root, valid once New has returned
// successfully.
func (h *Harness) RootNode() uint32 {
	return fs.RootNode
}
