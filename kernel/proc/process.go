// Package proc implements the process table and the cooperative,
// round-robin scheduler that runs on top of it. It is the coupling hub of
// the kernel: kernel/exec allocates and seeds process slots here, kernel/fs
// stores open files in them, kernel/syscall reads and mutates them on every
// trap, and kernel/trap resumes them. Nothing in this package touches a
// device directly; it only manages the bookkeeping that decides which
// address space is active and when.
package proc

import (
	"kestrel/kernel/kconfig"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/sync"
	"sync/atomic"
)

// State is the lifecycle stage of a process slot.
type State uint8

const (
	// StateUnused marks an empty slot, free for Allocate to claim.
	StateUnused State = iota

	// StateUsed marks a slot that Allocate has claimed but exec has not
	// yet finished seeding; it is never scheduled.
	StateUsed

	// StateSleeping marks a process blocked on a wait channel, e.g. a
	// condition variable, sleep() deadline or wait() for a child.
	StateSleeping

	// StateRunnable marks a process ready to run the next time the
	// scheduler loop reaches its slot.
	StateRunnable

	// StateRunning marks the process currently executing on some core.
	StateRunning

	// StateExited marks a process that has called exit but whose slot
	// the scheduler has not yet reclaimed; its exit status is still
	// readable by wait().
	StateExited
)

// OpenFileKind tags what an OpenFile record refers to.
type OpenFileKind uint8

const (
	// OpenFileEmpty marks an unused file-descriptor slot.
	OpenFileEmpty OpenFileKind = iota

	// OpenFileInode marks a descriptor backed by a file-system node.
	OpenFileInode

	// OpenFileDevice marks a descriptor backed by a device, e.g. the
	// console, opened with O_DEVICE.
	OpenFileDevice
)

// OpenFile is one entry in a process's file-descriptor table.
type OpenFile struct {
	Kind OpenFileKind

	// Inode identifies the open file-system node when Kind is
	// OpenFileInode; it is an opaque handle into kernel/fs's inode
	// cache.
	Inode uint32

	// Device identifies the open device when Kind is OpenFileDevice; it
	// indexes into kernel/fs's device table.
	Device int

	// Offset is the current read/write cursor for this descriptor.
	Offset int64

	Readable bool
	Writable bool
}

// Process is a single process-table slot. Every field is protected by Lock
// except PID, which is read-only for the lifetime of a non-StateUnused slot
// and only ever reassigned while the slot is StateUnused and not visible to
// any other core.
type Process struct {
	Lock sync.Spinlock

	// PID is this process's unique, monotonically increasing identifier.
	// Zero means the slot has never been assigned one, which only holds
	// true for a StateUnused slot.
	PID uint64

	State State

	// ResumeSP is the saved stack pointer ContextSwitch resumes into the
	// next time this process is scheduled. It addresses a saved
	// callee-saved register window on the process's own kernel/interrupt
	// stack; see kernel/trap for how a brand-new process's window is
	// constructed.
	ResumeSP uintptr

	// AddrSpace is this process's private page-table root.
	AddrSpace vmm.AddressSpace

	// HeapEnd is the current top of the process's break (data) segment,
	// the address sbrk grows and shrinks.
	HeapEnd uintptr

	// OpenFiles is this process's file-descriptor table.
	OpenFiles [kconfig.MaxOpenFiles]OpenFile

	// Cwd identifies the directory this process resolves relative paths
	// against: that directory's on-disk node id, as kernel/fs's path
	// functions take it.
	Cwd uint32

	// WaitChannel is the address this process is sleeping on, valid only
	// while State is StateSleeping. It is handed to Block and compared
	// against in WakeOne/WakeAll.
	WaitChannel uintptr

	// ExitStatus is the value passed to exit(), readable by wait() once
	// State is StateExited.
	ExitStatus int

	// ParentPID is the PID of the process that exec'd this one, or 0 if
	// none (the first process).
	ParentPID uint64

	// syscallScratch holds [saved_user_rsp, scratch_rax] for the fast
	// syscall entry path: SYSCALL clobbers RSP before the handler has a
	// safe kernel stack to spill onto, so kernel/trap swaps through a
	// pair of per-process scratch words here before doing anything else.
	syscallScratch [2]uint64
}

// SyscallScratch returns the per-process two-word scratch area the
// fast-syscall trampoline uses to stash the user stack pointer before
// switching onto a kernel stack. Exported for kernel/trap.
func (p *Process) SyscallScratch() *[2]uint64 {
	return &p.syscallScratch
}

var (
	table [kconfig.MaxProcesses]Process

	// nextPID is a monotonically increasing counter; PIDs are never
	// reused across the lifetime of the kernel.
	nextPID uint64 = 1
)

// allocatePID returns the next unique process id.
func allocatePID() uint64 {
	return atomic.AddUint64(&nextPID, 1) - 1
}

// ByPID scans the process table for a slot whose PID matches and whose
// State is not StateUnused, returning nil if none is found. Callers must
// not assume the returned slot stays matching once they release its Lock.
func ByPID(pid uint64) *Process {
	for i := range table {
		if atomic.LoadUint64(&table[i].PID) == pid {
			table[i].Lock.Acquire()
			stillValid := table[i].PID == pid && table[i].State != StateUnused
			table[i].Lock.Release()
			if stillValid {
				return &table[i]
			}
		}
	}
	return nil
}
