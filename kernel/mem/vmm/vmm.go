package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mem"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

// PageFaultErrorCode decodes the error code amd64 pushes on the stack for a
// page-fault exception (vector 14).
type PageFaultErrorCode uint64

const (
	// PFPresent is set if the fault was a protection violation on a
	// present page, clear if it was caused by a non-present page.
	PFPresent PageFaultErrorCode = 1 << 0

	// PFWrite is set if the fault was caused by a write, clear if by a
	// read.
	PFWrite PageFaultErrorCode = 1 << 1

	// PFUser is set if the fault occurred while running at ring 3.
	PFUser PageFaultErrorCode = 1 << 2
)

// Init prepares the vmm package for use: it carves out the shared
// demand-zero frame every copy-on-write and lazily-allocated mapping
// references. It must run after pmm.Init and after SetFrameAllocator have
// both completed.
func Init() *kernel.Error {
	return reserveZeroedFrame()
}

// HandlePageFault is kernel/trap's vector-14 handler. It implements
// copy-on-write: a write fault against a read-only page carrying
// FlagCopyOnWrite allocates a private frame, copies the shared page's
// contents into it and upgrades the mapping to RW, letting the faulting
// instruction simply retry. Every other fault is unrecoverable and reported
// back to the caller, which is expected to terminate the faulting process.
func HandlePageFault(faultAddr uintptr, errorCode PageFaultErrorCode) *kernel.Error {
	faultPage := PageFromAddress(faultAddr)

	var pageEntry *pageTableEntry
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if pteLevel == pageLevels-1 && present {
			pageEntry = pte
		}
		return present
	})

	if pageEntry == nil || pageEntry.HasFlags(FlagRW) || !pageEntry.HasFlags(FlagCopyOnWrite) {
		return errUnrecoverableFault
	}

	copyFrame, err := frameAllocator()
	if err != nil {
		return err
	}

	// Both the shared frame and the new, not yet mapped frame are reached
	// through the HHDM.
	kernel.Memcopy(addrTranslateFn(pageEntry.Frame().Address()), addrTranslateFn(copyFrame.Address()), uintptr(mem.PageSize))

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(copyFrame)
	flushTLBEntryFn(faultPage.Address())

	return nil
}
