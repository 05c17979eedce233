package proc

import (
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/sync"
	"unsafe"
)

func init() {
	// Registering ourselves as the sync package's Waiter closes the loop
	// documented in sync.Condvar: any spinlock-guarded predicate in the
	// kernel can now park the calling process on a channel and have it
	// resumed by the scheduler instead of busy-waiting.
	sync.SetScheduler(waiter{})

	// A process spinning on a contended lock gives up the core instead of
	// burning it; Yield is already a no-op when called with no process
	// running (the scheduler loop's own passes over the table),
	// so this is safe to install unconditionally.
	sync.SetYield(Yield)
}

// kernelPML4 is the page table active before any process has ever run; the
// scheduler switches back to it when reclaiming an exited process's address
// space so the PDT it's about to free is never the one currently installed.
var kernelPML4 uintptr

// Init records the kernel's own page table so Run's StateExited branch knows
// what to switch back to before freeing a process's address space. It must
// run once, after vmm.Init and before the first call to Run.
func Init() {
	kernelPML4 = cpu.ActivePDT()
}

// self returns the Process currently running on the calling core, or nil if
// the core is idling in the scheduler loop itself.
func self() *Process {
	running := cpu.Self().Running
	if running == 0 {
		return nil
	}
	return (*Process)(unsafe.Pointer(running))
}

// Self is the exported form of self, for packages outside proc (chiefly
// kernel/syscall) that need to know which process issued the call they are
// currently handling.
func Self() *Process {
	return self()
}

// Run is the scheduler loop for one core. It never returns. Per iteration it
// makes one linear pass over the process table: a lock is taken on each slot
// in turn, briefly, and released before moving to the next, so a process
// blocking for a long time in one slot never stalls progress on any other.
func Run() {
	var schedSP uintptr
	cpu.Self().SchedResumeSP = uintptr(unsafe.Pointer(&schedSP))

	for {
		cpu.EnableInterrupts()
		cpu.DisableInterrupts()

		for i := range table {
			slot := &table[i]
			slot.Lock.Acquire()

			switch slot.State {
			case StateRunnable:
				slot.State = StateRunning
				cpu.Self().Running = uintptr(unsafe.Pointer(slot))
				slot.AddrSpace.Activate()

				cpu.ContextSwitch(slot.ResumeSP, &schedSP)

				cpu.Self().Running = 0

			case StateExited:
				if cpu.ActivePDT() == uintptr(slot.AddrSpace.PML4Frame().Address()) {
					cpu.SwitchPDT(kernelPML4)
				}
				vmm.TeardownAddressSpace(slot.AddrSpace)
				slot.AddrSpace = vmm.AddressSpace{}
				slot.State = StateUnused
				slot.PID = 0

			default:
				// StateUnused, StateUsed and StateSleeping slots are not
				// runnable; skip them.
			}

			slot.Lock.Release()
		}
	}
}

// switchBack gives up the calling core back to the scheduler loop that most
// recently context-switched into the current process. It is the single
// primitive every suspension point - yield, sleep, exit, condvar wait -
// funnels through.
func switchBack(p *Process) {
	schedSP := (*uintptr)(unsafe.Pointer(cpu.Self().SchedResumeSP))
	cpu.ContextSwitch(*schedSP, &p.ResumeSP)
}

// Yield voluntarily gives up the remainder of the calling process's turn,
// marking it runnable again so the scheduler revisits it on its next pass.
// kernel/trap calls this from the T_YIELD software-interrupt handler.
func Yield() {
	p := self()
	if p == nil {
		return
	}

	p.Lock.Acquire()
	p.State = StateRunnable
	p.Lock.Release()

	switchBack(p)
}

// Exit marks the calling process StateExited with the given status and
// never returns to it; the scheduler loop reclaims its address space and
// slot on its next pass over the table. The parent, if it is sleeping in
// Wait, is woken.
func Exit(status int) {
	p := self()
	if p == nil {
		return
	}

	p.Lock.Acquire()
	p.ExitStatus = status
	p.State = StateExited
	p.Lock.Release()

	waiter{}.WakeAll(exitChannel(p.ParentPID))

	switchBack(p)
}

// exitChannel derives the wait channel a parent blocks on while waiting for
// any of its children to exit. Keying by parent PID instead of by child
// means a single wait() call can be satisfied by whichever child exits
// first.
func exitChannel(parentPID uint64) uintptr {
	return uintptr(0xe00) | uintptr(parentPID)<<16
}

// Wait blocks the calling process until a direct child exits, then returns
// that child's PID and exit status. It returns (0, 0, false) if the calling
// process has no children at all.
func Wait() (pid uint64, status int, ok bool) {
	self := self()
	if self == nil {
		return 0, 0, false
	}

	for {
		found := false
		for i := range table {
			slot := &table[i]
			slot.Lock.Acquire()
			if slot.ParentPID == self.PID && slot.State != StateUnused {
				found = true
				if slot.State == StateExited {
					pid, status = slot.PID, slot.ExitStatus
					slot.Lock.Release()
					return pid, status, true
				}
			}
			slot.Lock.Release()
		}

		if !found {
			return 0, 0, false
		}

		self.Lock.Acquire()
		self.State = StateSleeping
		self.WaitChannel = exitChannel(self.PID)
		self.Lock.Release()
		switchBack(self)
	}
}

// Sleep blocks the calling process until at least the given number of
// milliseconds, measured against the TSC-derived monotonic clock passed in
// by kernel/trap's timer handler, have elapsed. nowFn abstracts the clock
// source so tests can drive it deterministically.
var nowFn = func() uint64 { return 0 }

// SetClock installs the monotonic millisecond clock kernel/trap's timer
// handler advances. Tests substitute a fake clock; the real kernel wires
// this to a TSC-calibrated counter.
func SetClock(fn func() uint64) {
	nowFn = fn
}

// Sleep puts the calling process to sleep for at least ms milliseconds.
// It never returns early: Tick wakes every sleeper, this one included, but
// Sleep re-checks its deadline after each wakeup and goes back to sleep
// until the deadline has passed.
func Sleep(ms uint64) {
	p := self()
	if p == nil {
		return
	}

	deadline := nowFn() + ms
	channel := uintptr(unsafe.Pointer(p)) ^ 0x5a5a

	for nowFn() < deadline {
		p.Lock.Acquire()
		p.State = StateSleeping
		p.WaitChannel = channel
		p.Lock.Release()
		switchBack(p)
	}
}

// Tick is called by kernel/trap's timer interrupt handler on every tick. It
// makes every StateSleeping process runnable again regardless of which
// channel it is waiting on, the same spurious-wakeup-is-legal contract
// sync.Condvar.Wait documents: Sleep re-checks its own deadline and a
// condvar or wait() waiter re-checks its own predicate before actually
// yielding the core again, so a sleeper that was not really ready simply
// goes straight back to sleep on its next pass through the scheduler.
func Tick() {
	for i := range table {
		slot := &table[i]
		slot.Lock.Acquire()
		if slot.State == StateSleeping {
			slot.State = StateRunnable
		}
		slot.Lock.Release()
	}
}

// waiter implements sync.Waiter on top of the process table's wait-channel
// field, closing the registration hook sync.Condvar documents.
type waiter struct{}

// Block marks the calling process StateSleeping on channel and switches
// away to the scheduler, returning once some WakeOne or WakeAll names the
// same channel, or once Tick wakes every sleeping process.
func (waiter) Block(channel uintptr) {
	p := self()
	if p == nil {
		return
	}

	p.Lock.Acquire()
	p.State = StateSleeping
	p.WaitChannel = channel
	p.Lock.Release()

	switchBack(p)
}

// WakeOne makes at most one process sleeping on channel runnable again.
func (waiter) WakeOne(channel uintptr) bool {
	for i := range table {
		slot := &table[i]
		slot.Lock.Acquire()
		if slot.State == StateSleeping && slot.WaitChannel == channel {
			slot.State = StateRunnable
			slot.Lock.Release()
			return true
		}
		slot.Lock.Release()
	}
	return false
}

// WakeAll makes every process sleeping on channel runnable again.
func (waiter) WakeAll(channel uintptr) {
	for i := range table {
		slot := &table[i]
		slot.Lock.Acquire()
		if slot.State == StateSleeping && slot.WaitChannel == channel {
			slot.State = StateRunnable
		}
		slot.Lock.Release()
	}
}
