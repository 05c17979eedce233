// Package boot holds the information the bootloader hands the kernel before
// kmain runs: the usable-memory map, the offset of the high-half direct map
// (HHDM), the kernel's own load addresses, and the set of cores to bring up.
//
// The kernel targets a Limine-style protocol: the bootloader maps every byte
// of physical memory once, contiguously, at a fixed virtual offset (the
// HHDM), in addition to mapping the kernel itself at a high canonical
// address. Unlike the tag-stream multiboot protocol this supersedes, each
// piece of boot information arrives as its own response struct; this
// package normalizes them into the slices and scalars the rest of the
// kernel consumes.
package boot

// MemoryType classifies a MemoryMapEntry the way the bootloader reports it.
type MemoryType uint32

const (
	// MemUsable marks memory free for the frame allocator to claim.
	MemUsable MemoryType = iota

	// MemReserved marks memory the kernel must never touch.
	MemReserved

	// MemACPIReclaimable marks memory holding ACPI tables that can be
	// reclaimed once they have been parsed. Unused while ACPI parsing is
	// out of scope, but reported faithfully so a future allocator can
	// reclaim it without a protocol change.
	MemACPIReclaimable

	// MemACPINVS marks memory that must be preserved across sleep states.
	MemACPINVS

	// MemBadMemory marks memory the firmware identified as faulty.
	MemBadMemory

	// MemBootloaderReclaimable marks memory used by the bootloader itself
	// that becomes free once the kernel no longer needs boot services.
	MemBootloaderReclaimable

	// MemKernelAndModules marks the memory holding the loaded kernel
	// image and any boot modules.
	MemKernelAndModules

	// MemFramebuffer marks memory backing a bootloader-initialized
	// framebuffer.
	MemFramebuffer
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "ACPI (reclaimable)"
	case MemACPINVS:
		return "ACPI NVS"
	case MemBadMemory:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel and modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physically contiguous region of a single
// type, as reported by the bootloader's memory map response.
type MemoryMapEntry struct {
	// Base is the physical start address of the region.
	Base uint64

	// Length is the size of the region in bytes.
	Length uint64

	// Type classifies the region.
	Type MemoryType
}

// CPUInfo describes one core the bootloader discovered via SMP enumeration.
type CPUInfo struct {
	// ID is the logical CPU id the kernel will assign this core (0 for
	// the boot core).
	ID uint32

	// LAPICID is the APIC id the firmware assigned this core, used to
	// target the INIT/SIPI sequence that starts it.
	LAPICID uint32
}

// Info aggregates everything kmain needs from the bootloader before memory
// management and SMP bring-up can proceed. A single instance is populated
// during early boot and never mutated afterwards.
type Info struct {
	// HHDMOffset is added to a physical address to obtain its linear
	// virtual address in the direct map. Every frame in Memmap is
	// addressable at Base+HHDMOffset without needing a page-table walk.
	HHDMOffset uintptr

	// Memmap enumerates every physical memory region the firmware
	// reported, in ascending Base order.
	Memmap []MemoryMapEntry

	// KernelPhysBase and KernelVirtBase are the physical and virtual load
	// addresses of the kernel image, as reported by the bootloader's
	// kernel-address response. KernelVirtBase - KernelPhysBase is the
	// kernel's link-time slide.
	KernelPhysBase, KernelVirtBase uintptr

	// CPUs enumerates every core the firmware found during SMP
	// enumeration, including the boot core.
	CPUs []CPUInfo

	// CmdLine holds the kernel command-line string passed by the
	// bootloader, unparsed.
	CmdLine string
}

var active Info

// Set installs the boot information gathered during early startup. kmain
// calls this exactly once, before anything else in the kernel runs.
func Set(info Info) {
	active = info
}

// Active returns the boot information installed by Set.
func Active() *Info {
	return &active
}

// ToHHDM converts a physical address to its linear virtual address in the
// direct map.
func ToHHDM(phys uintptr) uintptr {
	return phys + active.HHDMOffset
}

// MemRegionVisitor is invoked by VisitMemRegions for each usable region. It
// returns false to stop the scan early.
type MemRegionVisitor func(*MemoryMapEntry) bool

// VisitMemRegions invokes visitor for every usable region in the memory map,
// in ascending address order. Non-usable regions (reserved, ACPI, bad
// memory, the kernel image itself) are skipped: the frame allocator must
// never hand out frames backing them.
func VisitMemRegions(visitor MemRegionVisitor) {
	for i := range active.Memmap {
		if active.Memmap[i].Type != MemUsable {
			continue
		}
		if !visitor(&active.Memmap[i]) {
			return
		}
	}
}
