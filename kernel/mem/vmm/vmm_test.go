package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// withFakeMMU wires every vmm indirection function to a host-memory stand-in
// for physical memory so Map/Unmap/Translate/walk can be exercised without a
// real MMU. Frame 0 is reserved for the root page table; every subsequent
// call to the fake frame allocator hands out the next frame in arena order.
func withFakeMMU(t *testing.T, frames int) []byte {
	t.Helper()

	arena := make([]byte, frames*int(mem.PageSize))
	base := uintptr(unsafe.Pointer(&arena[0]))
	translate := func(phys uintptr) uintptr { return base + phys }

	origAddrTranslate, origRoot, origPtePtr := addrTranslateFn, rootTableFn, ptePtrFn
	origNextTableAddr, origFlush, origFrameAlloc := nextTableAddrFn, flushTLBEntryFn, frameAllocator
	origEarlyReserve := earlyReserveRegionFn

	addrTranslateFn = translate
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
	nextTableAddrFn = func(f pmm.Frame) uintptr { return translate(f.Address()) }
	flushTLBEntryFn = func(uintptr) {}
	rootTableFn = func() uintptr { return pmm.Frame(0).Address() }

	next := pmm.Frame(1)
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		if uintptr(next+1)*uintptr(mem.PageSize) > uintptr(len(arena)) {
			return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "fake arena exhausted"}
		}
		f := next
		next++
		return f, nil
	}

	reserveNext := uintptr(0x0000700000000000)
	earlyReserveRegionFn = func(size mem.Size) (uintptr, *kernel.Error) {
		size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
		addr := reserveNext
		reserveNext += uintptr(size)
		return addr, nil
	}

	t.Cleanup(func() {
		addrTranslateFn, rootTableFn, ptePtrFn = origAddrTranslate, origRoot, origPtePtr
		nextTableAddrFn, flushTLBEntryFn, frameAllocator = origNextTableAddr, origFlush, origFrameAlloc
		earlyReserveRegionFn = origEarlyReserve
		ReservedZeroedFrame, protectReservedZeroedPage = 0, false
	})

	return arena
}

func TestMapThenTranslate(t *testing.T) {
	withFakeMMU(t, 16)

	dataFrame, err := frameAllocator()
	if err != nil {
		t.Fatalf("unexpected error reserving data frame: %v", err)
	}

	const virt = uintptr(0x1000)
	if err := Map(PageFromAddress(virt), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	phys, err := Translate(virt + 0x234)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if want := dataFrame.Address() + 0x234; phys != want {
		t.Fatalf("expected physical address %#x; got %#x", want, phys)
	}
}

func TestUnmapInvalidatesTranslate(t *testing.T) {
	withFakeMMU(t, 16)

	dataFrame, _ := frameAllocator()
	const virt = uintptr(0x2000)

	if err := Map(PageFromAddress(virt), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if err := Unmap(PageFromAddress(virt)); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	if _, err := Translate(virt); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after Unmap; got %v", err)
	}
}

func TestMapRegionMapsContiguousFrames(t *testing.T) {
	withFakeMMU(t, 16)

	// Reserve 3 contiguous data frames up front, before MapRegion gets a
	// chance to hand out frames of its own for the intermediate page
	// tables it needs to build; otherwise the fake sequential allocator
	// would alias a table frame onto one of these data frames.
	dataFrame, _ := frameAllocator()
	_, _ = frameAllocator()
	_, _ = frameAllocator()

	page, err := MapRegion(dataFrame, 3*mem.PageSize, FlagPresent|FlagRW)
	if err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}

	for i := uintptr(0); i < 3; i++ {
		phys, err := Translate(page.Address() + i*uintptr(mem.PageSize))
		if err != nil {
			t.Fatalf("Translate failed for page %d: %v", i, err)
		}
		if want := (dataFrame + pmm.Frame(i)).Address(); phys != want {
			t.Fatalf("page %d: expected frame address %#x; got %#x", i, want, phys)
		}
	}
}

func TestHandlePageFaultCopiesOnWrite(t *testing.T) {
	arena := withFakeMMU(t, 16)

	sharedFrame, _ := frameAllocator()
	copy(arena[sharedFrame.Address():], []byte{0xCA, 0xFE})

	const virt = uintptr(0x3000)
	if err := Map(PageFromAddress(virt), sharedFrame, FlagPresent|FlagCopyOnWrite); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	if err := HandlePageFault(virt, PFPresent|PFWrite); err != nil {
		t.Fatalf("HandlePageFault failed: %v", err)
	}

	pte, err := pteForAddress(virt)
	if err != nil {
		t.Fatalf("pteForAddress failed: %v", err)
	}
	if !pte.HasFlags(FlagRW) {
		t.Fatal("expected page to be writable after CoW fault")
	}
	if pte.HasFlags(FlagCopyOnWrite) {
		t.Fatal("expected CoW flag to be cleared after fault")
	}
	if pte.Frame() == sharedFrame {
		t.Fatal("expected CoW fault to install a private frame distinct from the shared one")
	}

	phys, _ := Translate(virt)
	if arena[phys] != 0xCA || arena[phys+1] != 0xFE {
		t.Fatal("expected private frame to carry a copy of the shared frame's contents")
	}
}

func TestHandlePageFaultRejectsNonCoWFault(t *testing.T) {
	withFakeMMU(t, 16)

	dataFrame, _ := frameAllocator()
	const virt = uintptr(0x4000)
	if err := Map(PageFromAddress(virt), dataFrame, FlagPresent|FlagRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	if err := HandlePageFault(virt, PFPresent|PFWrite); err == nil {
		t.Fatal("expected an error for a fault against an already-writable page")
	}
}
