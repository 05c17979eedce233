// Package sync provides the synchronization primitives every other kernel
// package builds on: a test-and-set spinlock with holder-CPU tracking and a
// condition variable layered on top of it.
package sync

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn is called by a spinning Acquire between CAS attempts. It is
	// nil until SetYield installs one; the kernel build wires it to
	// kernel/proc's scheduler once a process can meaningfully give up its
	// turn. Before that point (early boot, the scheduler loop itself with
	// no process context to yield from) spinning stays a plain busy-wait.
	yieldFn func()

	// holderIDFn identifies "the core calling right now" for recursive-
	// acquire detection. It is mocked by tests; the kernel build wires it
	// to cpu.CurrentID, which never returns a negative value. A negative
	// id disables the recursive-acquire check entirely, for tests that
	// exercise genuine multi-party contention without modeling per-core
	// identity.
	holderIDFn = cpu.CurrentID

	errRecursiveAcquire = &kernel.Error{Module: "sync", Message: "recursive spinlock acquire by same CPU"}
)

const noHolder int32 = -1

// SetYield installs the function a spinning Acquire calls between CAS
// attempts, giving contended locks a way to give up the core instead of
// burning it. kernel/proc's init registers its own Yield here, closing the
// loop the same way SetScheduler closes it for kernel/sync.Condvar.
func SetYield(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Lock operations do not disable
// interrupts; the kernel relies on the rule that interrupts stay masked for
// the whole of kernel execution except for the brief window the scheduler
// loop and the ring-3 trampoline explicitly enable them. A kernel that wants
// a preemptible core would need to layer interrupt-save discipline into
// Acquire/Release, which is out of scope here.
type Spinlock struct {
	state  uint32
	holder int32
}

// Acquire blocks until the lock can be acquired by the currently active
// core. Re-acquiring a lock already held by the current CPU is a fatal
// programming error: it means two codepaths on the same core both think
// they hold the lock, which can only happen if the kernel's "never hold two
// locks, never re-enter kernel code" discipline was already broken
// elsewhere.
func (l *Spinlock) Acquire() {
	id := int32(holderIDFn())
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if id >= 0 && atomic.LoadInt32(&l.holder) == id {
			panic(errRecursiveAcquire)
		}
		if yieldFn != nil {
			yieldFn()
		}
	}
	// The CompareAndSwap above is our acquire fence; record the holder
	// before anyone can observe the lock as free again.
	atomic.StoreInt32(&l.holder, id)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise. A failed attempt caused by the
// calling CPU already holding the lock is still a fatal recursive acquire,
// not a false return.
func (l *Spinlock) TryToAcquire() bool {
	id := int32(holderIDFn())
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		atomic.StoreInt32(&l.holder, id)
		return true
	}
	if id >= 0 && atomic.LoadInt32(&l.holder) == id {
		panic(errRecursiveAcquire)
	}
	return false
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreInt32(&l.holder, noHolder)
	// This store is our release fence: it must follow everything done
	// under the lock and precede the state store below that makes the
	// lock visible as free.
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held by the calling CPU. Used
// by condition variables to assert their wait precondition.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) == 1 && atomic.LoadInt32(&l.holder) == int32(holderIDFn())
}

