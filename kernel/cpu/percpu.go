package cpu

import "kestrel/kernel/kconfig"

// percpuAccessorFn is mocked by tests so that the scheduler and trap packages
// can be exercised without a real GS-based segment indirection. It is
// automatically inlined by the compiler in the kernel build.
var percpuAccessorFn = archCurrentID

// wrmsrFn is mocked by tests so that InitSelf can run without executing a
// privileged WRMSR on the host.
var wrmsrFn = Wrmsr

// CurrentID returns the logical CPU id (0..kconfig.MaxCores) of the core executing
// the call. Real hardware derives this from the TSC_AUX MSR that bring-up
// wrote with ReadTSCAux/Wrmsr(IA32TscAux, id); tests substitute
// percpuAccessorFn instead of faking MSR access.
func CurrentID() int {
	return percpuAccessorFn()
}

func archCurrentID() int {
	return int(ReadTSCAux())
}

// Area is the per-CPU record accessed through the GS-base segment
// indirection. Each core's Area is independent and carries no cross-core
// memory-ordering requirements: only the owning core ever reads or writes
// its own fields.
type Area struct {
	// ID is this core's logical CPU id.
	ID int

	// LAPICBase is the MMIO base address of this core's local APIC, set
	// up by the (out of scope) interrupt controller bring-up code.
	LAPICBase uintptr

	// Running is an opaque handle to the process currently executing on
	// this core, or 0 if the core is idling in the scheduler loop. It is
	// typed as uintptr rather than *proc.Process to avoid an import
	// cycle between cpu and proc; proc casts it back.
	Running uintptr

	// IRQDepth counts nested interrupt/exception entries on this core.
	// A depth greater than zero means trap code, not process code, is
	// executing.
	IRQDepth int32

	// SchedResumeSP holds the address of the scheduler loop's own saved
	// stack-pointer slot on this core (not the stack pointer itself: a
	// pointer to where ContextSwitch recorded it). A process that wants
	// to give up the core - on yield, exit, sleep or a blocking wait -
	// dereferences this to find where to switch back to. It is typed as
	// uintptr for the same reason Running is: proc owns the concrete
	// type, cpu just carries the bits.
	SchedResumeSP uintptr
}

var areas [kconfig.MaxCores]Area

// Self returns a pointer to the calling core's per-CPU area. In the real
// kernel this indirection goes through the GS segment base; here it is
// simulated with CurrentID() indexing a fixed array, which is equivalent in
// every observable way since each core only ever touches its own slot.
func Self() *Area {
	id := CurrentID()
	return &areas[id]
}

// InitSelf installs the per-CPU area for the calling core during SMP
// bring-up. Slave cores call this after performing the same GDT/IDT/LAPIC
// and syscall-MSR initialization as the boot CPU (out of scope here) and
// before entering the scheduler loop.
func InitSelf(id int, lapicBase uintptr) {
	wrmsrFn(IA32TscAux, uint64(id))
	a := &areas[id]
	a.ID = id
	a.LAPICBase = lapicBase
	a.Running = 0
	a.IRQDepth = 0
}
