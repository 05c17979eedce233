// Package trap implements the kernel side of exception, interrupt and
// syscall entry: the vector dispatch table invoked by the (out of scope)
// per-vector assembly stubs, the fast-syscall entry/exit bookkeeping, and
// the ring-3 trampoline a freshly exec'd process resumes into for the first
// time. Building the GDT, IDT and TSS themselves is out of scope; this
// package assumes they are already installed and only supplies the Go-level
// handler logic and MSR programming that make use of them.
package trap

import (
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt/early"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/proc"
)

// Vector numbers for the exceptions and interrupts this kernel handles by
// name. Every other vector either has no registered handler (and is
// reported as a fatal unhandled trap) or is routed generically by number.
const (
	VectorDivideError  = 0
	VectorDebug        = 1
	VectorNMI          = 2
	VectorBreakpoint   = 3
	VectorOverflow     = 4
	VectorBoundRange   = 5
	VectorInvalidOp    = 6
	VectorDeviceNA     = 7
	VectorDoubleFault  = 8
	VectorGPFault      = 13
	VectorPageFault    = 14
	VectorTimer        = 32

	// VectorYield is the software interrupt a process raises (INT
	// VectorYield) to voluntarily give up the core without waiting for
	// the next timer tick. DPL=3 in the IDT entry lets ring-3 code raise
	// it directly.
	VectorYield = 0x80
)

// DoubleFaultISTIndex is the TSS interrupt-stack-table slot the (out of
// scope) IDT setup must point the double-fault gate at. A double fault is
// assumed to always mean the current kernel stack is already corrupt, so
// its handler runs on a dedicated stack instead of the interrupted one.
const DoubleFaultISTIndex = 1

// Frame carries the state a trap handler needs: the vector that fired, the
// error code the CPU pushed (0 for vectors that don't push one) and, for
// page faults, the faulting address latched from CR2 by the assembly stub
// before C-equivalent dispatch runs.
type Frame struct {
	Vector    uint8
	ErrorCode uint64
	FaultAddr uintptr
}

// HandlerFunc processes one trap. It runs with interrupts still disabled
// and must not block.
type HandlerFunc func(f *Frame)

var handlers [256]HandlerFunc

// RegisterHandler installs fn as the handler for vector. Called from
// package init functions before interrupts are ever enabled.
func RegisterHandler(vector uint8, fn HandlerFunc) {
	handlers[vector] = fn
}

func init() {
	RegisterHandler(VectorPageFault, handlePageFault)
	RegisterHandler(VectorYield, handleYield)
	RegisterHandler(VectorTimer, handleTimer)
	RegisterHandler(VectorDoubleFault, handleDoubleFault)
}

// Dispatch is the single entry point every per-vector assembly stub calls
// into after saving the interrupted context. cpu.Self().IRQDepth brackets
// the call so nested-trap accounting stays correct even though this kernel
// does not support reentrant interrupts today.
func Dispatch(f *Frame) {
	cpu.Self().IRQDepth++
	defer func() { cpu.Self().IRQDepth-- }()

	if h := handlers[f.Vector]; h != nil {
		h(f)
		return
	}

	early.Printf("[trap] unhandled vector %d (error %#x)\n", f.Vector, f.ErrorCode)
	cpu.Halt()
}

// handlePageFault implements vector 14: it defers entirely to vmm, which
// knows how to resolve a copy-on-write fault, and treats any other fault as
// fatal to the faulting process.
func handlePageFault(f *Frame) {
	errorCode := vmm.PageFaultErrorCode(f.ErrorCode)
	if err := vmm.HandlePageFault(f.FaultAddr, errorCode); err != nil {
		early.Printf("[trap] unrecoverable page fault at %#x (error %#x): %s\n", f.FaultAddr, f.ErrorCode, err.Message)
		proc.Exit(-1)
		return
	}
}

// handleYield implements the software-interrupt yield point: mark the
// current process runnable again and switch back to the scheduler.
func handleYield(f *Frame) {
	proc.Yield()
}

// handleTimer wakes every sleeping process (proc.Tick) on every timer tick,
// so each one re-checks what it is waiting for. The (out of scope) LAPIC/IOAPIC bring-up code is responsible
// for actually delivering vector 32 at a fixed cadence and sending the
// end-of-interrupt signal; that hardware detail lives below this package.
func handleTimer(f *Frame) {
	proc.Tick()
}

// handleDoubleFault means kernel state is no longer trustworthy; there is
// no recovery path.
func handleDoubleFault(f *Frame) {
	early.Printf("[trap] double fault (error %#x)\n", f.ErrorCode)
	cpu.Halt()
}
