package vmm

import (
	"kestrel/kernel/boot"
	"kestrel/kernel/cpu"
	"unsafe"
)

var (
	// rootTableFn returns the physical address of the currently active
	// top-level page table (PML4). Tests substitute a fake root so walk
	// can be exercised against a host-memory table tree.
	rootTableFn = func() uintptr { return cpu.ActivePDT() }

	// addrTranslateFn resolves a physical address to the virtual address
	// the walk can dereference. Tests substitute a fake HHDM.
	addrTranslateFn = func(phys uintptr) uintptr { return boot.ToHHDM(phys) }

	// ptePtrFn returns a pointer to the page table entry living at
	// entryAddr. It is mocked by tests; the kernel build inlines the
	// identity conversion.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked by walk with the page table entry at each
// level that corresponds to the requested virtual address. If it returns
// false the walk stops immediately, leaving any deeper level unvisited.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk resolves virtAddr one paging level at a time, starting from the
// active PML4, and invokes walkFn with the entry found at each level.
//
// Unlike a self-mapped page table scheme, each level's table is located by
// translating the *previous* level's entry (a physical frame number)
// through the HHDM rather than by synthesizing a recursive virtual address,
// so walk never needs the tables to map themselves.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := rootTableFn()

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := addrTranslateFn(tableAddr) + (entryIndex << 3)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}
