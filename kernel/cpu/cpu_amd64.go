package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory (CR3) to point to the
// specified physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table
// (the contents of CR3).
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register (the faulting address
// on the most recent page fault).
func ReadCR2() uint64

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Rdmsr reads the model-specific register identified by reg.
func Rdmsr(reg uint32) uint64

// Wrmsr writes value to the model-specific register identified by reg.
func Wrmsr(reg uint32, value uint64)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// ReadTSCAux returns the value of IA32_TSC_AUX, which this kernel uses to
// stash the logical CPU id (see InitSelf in percpu.go).
func ReadTSCAux() uint32

// ContextSwitch saves the callee-saved register window and the current stack
// pointer into *fromRSP, switches the stack pointer to toRSP, and resumes
// execution there by popping a fresh callee-saved window. It returns when the
// process whose context was switched to eventually calls ContextSwitch again
// naming the original caller's resume point.
//
// This is the entire "context" a process carries between runs: a saved
// register window living on its own interrupt stack, addressed by a single
// opaque stack-pointer value.
func ContextSwitch(toRSP uintptr, fromRSP *uintptr)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

const (
	// IA32TscAux is the MSR holding the per-core id this kernel assigns
	// to each logical CPU at bring-up.
	IA32TscAux = 0xC0000103
)
