package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
)

// FrameAllocatorFn is a function that can allocate a physical frame for use
// by the vmm package, e.g. to back a newly-created page table.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// frameAllocator is registered via SetFrameAllocator; kmain wires it to
// pmm.Alloc once the frame allocator has been initialized.
var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the function the vmm package uses whenever it
// needs a new physical frame, e.g. to materialize a missing page table.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

var (
	// ReservedZeroedFrame is a single zero-filled physical frame set aside
	// by Init. Mapping a page to it with FlagCopyOnWrite and without
	// FlagRW gives a demand-zero page: the first write takes a page
	// fault, the handler allocates a private frame, copies the zeroed
	// contents across and upgrades the mapping to RW.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is set once ReservedZeroedFrame has been
	// carved out, to reject any attempt to map it writable directly.
	protectReservedZeroedPage bool

	// flushTLBEntryFn lets tests intercept TLB invalidation instead of
	// executing an invlpg, which would fault outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// nextTableAddrFn resolves the HHDM virtual address backing a newly
	// allocated page-table frame, so its contents can be zeroed before
	// use. Tests substitute a fake HHDM.
	nextTableAddrFn = func(frame pmm.Frame) uintptr { return boot.ToHHDM(frame.Address()) }

	// mapFn indirects Map so MapRegion's loop can be swapped out in
	// tests without touching the real page tables.
	mapFn = Map

	// earlyReserveRegionFn resolves the next free virtual address range
	// for MapRegion. Tests substitute a deterministic allocator.
	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Map establishes a mapping between virtual page and physical frame in the
// currently active address space, allocating and zeroing any missing
// intermediate page table along the way.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			if newTableFrame, err = frameAllocator(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
			kernel.Memset(nextTableAddrFn(newTableFrame), 0, uintptr(mem.PageSize))
		}

		return true
	})

	return err
}

// MapRegion reserves the next free virtual address range large enough to
// hold size bytes (rounded up to a page boundary), maps it to the physical
// frames starting at frame, and returns the Page corresponding to the
// region's first byte.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startAddr), nil
}

// Unmap removes a mapping previously installed by Map or MapRegion.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// reserveZeroedFrame allocates and zero-fills ReservedZeroedFrame using its
// HHDM address directly; no temporary mapping is needed since every
// physical frame is already addressable through the direct map.
func reserveZeroedFrame() *kernel.Error {
	frame, err := frameAllocator()
	if err != nil {
		return err
	}

	kernel.Memset(addrTranslateFn(frame.Address()), 0, uintptr(mem.PageSize))

	ReservedZeroedFrame = frame
	protectReservedZeroedPage = true
	return nil
}
