package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"unsafe"
)

const (
	// earlyReserveTop is the highest virtual address MapRegion and
	// EarlyReserveRegion may hand out. It sits in a fixed scratch range
	// used for kernel-only mappings (device MMIO, page-cache windows, …)
	// that is distinct from both the HHDM and the kernel's own image
	// range, and shrinks downward as regions are carved off it.
	earlyReserveTop uintptr = 0xffffff0000000000

	// pml4UserEntries is the number of top-level entries that address
	// user space (0..255); entries 256..511 address the shared kernel
	// half and are copied, never walked, when a new address space is
	// created or torn down.
	pml4UserEntries = 256
)

var (
	earlyReserveNext = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "no virtual address space left for a kernel reservation"}
)

// EarlyReserveRegion carves size bytes (rounded up to a page boundary) off
// the top of the kernel's scratch address range and returns its starting
// virtual address. Used by MapRegion to find space for a new mapping; the
// region is never reclaimed.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveNext {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveNext -= uintptr(size)
	return earlyReserveNext, nil
}

// pml4Table returns the 512-entry top-level page table backing a physical
// frame, viewed through the HHDM.
func pml4Table(frame pmm.Frame) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(unsafe.Pointer(boot.ToHHDM(frame.Address())))
}

// AddressSpace is a process's private page table tree: an isolated
// lower (user) half layered under the kernel's shared upper half.
type AddressSpace struct {
	pml4 pmm.Frame
}

// PML4Frame returns the physical frame backing this address space's
// top-level page table, e.g. for installing it in a freshly-forked
// process's saved CR3.
func (as AddressSpace) PML4Frame() pmm.Frame {
	return as.pml4
}

// CreateAddressSpace allocates a new top-level page table for a process,
// copies the kernel's shared upper-half entries into it and leaves the
// lower half empty for the exec loader to populate.
func CreateAddressSpace() (AddressSpace, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return AddressSpace{}, err
	}

	dst := pml4Table(frame)
	src := pml4Table(pmm.Frame(cpu.ActivePDT() >> mem.PageShift))

	for i := 0; i < pml4UserEntries; i++ {
		dst[i] = 0
	}
	for i := pml4UserEntries; i < 512; i++ {
		dst[i] = src[i]
	}

	return AddressSpace{pml4: frame}, nil
}

// Activate installs this address space as the active one on the calling
// core.
func (as AddressSpace) Activate() {
	cpu.SwitchPDT(as.pml4.Address())
}

// TeardownAddressSpace walks the lower (user) half of as, freeing every
// page table and privately-owned frame it reaches, then frees the
// top-level table itself. The caller must not be running inside as when
// calling this.
func TeardownAddressSpace(as AddressSpace) {
	root := pml4Table(as.pml4)

	for i := 0; i < pml4UserEntries; i++ {
		if root[i].HasFlags(FlagPresent) && !root[i].HasFlags(FlagHugePage) {
			teardownLevel(root[i].Frame(), 1)
		}
	}

	pmm.Free(as.pml4)
}

// teardownLevel recursively frees every page table reachable from frame,
// which holds a table at the given paging level, along with any leaf frame
// it maps that the process privately owns. ReservedZeroedFrame is shared
// across every address space via copy-on-write and is never freed here.
func teardownLevel(frame pmm.Frame, level uint8) {
	table := pml4Table(frame)

	for i := range table {
		if !table[i].HasFlags(FlagPresent) {
			continue
		}

		leafFrame := table[i].Frame()
		if level < pageLevels-1 {
			teardownLevel(leafFrame, level+1)
			continue
		}

		if leafFrame != ReservedZeroedFrame {
			pmm.Free(leafFrame)
		}
	}

	pmm.Free(frame)
}

// GrowHeap maps pageCount additional demand-zero pages starting at heapEnd
// into the calling address space, extending a process's heap. Every new
// page is mapped copy-on-write against the shared ReservedZeroedFrame, so
// growing the heap allocates no data frames (Map may still allocate missing
// page tables); the first
// write to a page takes the page fault that actually backs it with private
// memory.
func GrowHeap(heapEnd uintptr, pageCount uintptr) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		page := PageFromAddress(heapEnd + i*uintptr(mem.PageSize))
		if err := Map(page, ReservedZeroedFrame, FlagPresent|FlagUser|FlagCopyOnWrite); err != nil {
			return err
		}
	}
	return nil
}

// ShrinkHeap unmaps pageCount pages immediately below heapEnd, freeing
// whichever of them had actually been backed by private memory. Pages that
// were mapped but never written still point at the shared
// ReservedZeroedFrame and are simply unmapped.
func ShrinkHeap(heapEnd uintptr, pageCount uintptr) *kernel.Error {
	for i := uintptr(1); i <= pageCount; i++ {
		addr := heapEnd - i*uintptr(mem.PageSize)
		page := PageFromAddress(addr)

		if pte, err := pteForAddress(addr); err == nil && pte.Frame() != ReservedZeroedFrame {
			pmm.Free(pte.Frame())
		}

		if err := Unmap(page); err != nil {
			return err
		}
	}
	return nil
}
