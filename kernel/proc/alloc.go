package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/mem/vmm"
)

var errProcessTableFull = &kernel.Error{Module: "proc", Message: "process table is full"}

// Allocate claims a free slot, gives it a fresh PID and a fresh address
// space, and returns it in StateUsed: not yet schedulable until the caller
// (kernel/exec) finishes seeding it and flips it to StateRunnable. On any
// failure the slot is returned to StateUnused and the error is reported to
// the caller, exactly mirroring exec's own unwind-on-failure contract.
func Allocate() (*Process, *kernel.Error) {
	for i := range table {
		slot := &table[i]
		slot.Lock.Acquire()
		if slot.State != StateUnused {
			slot.Lock.Release()
			continue
		}

		slot.State = StateUsed
		slot.Lock.Release()

		as, err := vmm.CreateAddressSpace()
		if err != nil {
			slot.Lock.Acquire()
			slot.State = StateUnused
			slot.Lock.Release()
			return nil, err
		}

		slot.PID = allocatePID()
		slot.AddrSpace = as
		slot.HeapEnd = 0
		slot.Cwd = 0
		slot.ExitStatus = 0
		slot.ParentPID = 0
		for i := range slot.OpenFiles {
			slot.OpenFiles[i] = OpenFile{}
		}

		return slot, nil
	}

	return nil, errProcessTableFull
}

// Free rolls an exec failure back: the caller tears down whatever partial
// address space it built (if any) before calling this, since Free itself
// only resets bookkeeping.
func Free(p *Process) {
	p.Lock.Acquire()
	p.State = StateUnused
	p.PID = 0
	p.Lock.Release()
}
