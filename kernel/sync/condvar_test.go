package sync

import (
	"testing"
)

// fakeScheduler is a minimal Waiter that resolves Block immediately if a
// Wake for the same channel already arrived, and otherwise queues itself for
// the next matching Wake. It is enough to exercise Condvar's call contract
// without a real process table.
type fakeScheduler struct {
	woken map[uintptr]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{woken: make(map[uintptr]int)}
}

func (f *fakeScheduler) Block(channel uintptr) {
	if f.woken[channel] > 0 {
		f.woken[channel]--
		return
	}
	// A real scheduler would context-switch away and resume once woken;
	// the fake has nothing to switch to, so it just busy-polls its own map.
	for f.woken[channel] == 0 {
	}
	f.woken[channel]--
}

func (f *fakeScheduler) WakeOne(channel uintptr) bool {
	f.woken[channel]++
	return true
}

func (f *fakeScheduler) WakeAll(channel uintptr) {
	f.woken[channel] += 1 << 20
}

func TestCondvarWaitRequiresLockHeld(t *testing.T) {
	defer func(orig Waiter) { scheduler = orig }(scheduler)
	scheduler = newFakeScheduler()

	var cv Condvar
	defer func() {
		if recover() == nil {
			t.Fatal("expected Wait without holding Lock to panic")
		}
	}()
	cv.Wait()
}

func TestCondvarWaitResumesAfterNotify(t *testing.T) {
	defer func(orig Waiter) { scheduler = orig }(scheduler)
	fs := newFakeScheduler()
	scheduler = fs

	var cv Condvar
	cv.Lock.Acquire()

	// Simulate a notification that already arrived by the time Wait calls
	// Block: the fake scheduler resolves immediately instead of spinning.
	fs.WakeOne(cv.channel())

	cv.Wait()

	if !cv.Lock.Held() {
		t.Fatal("expected Wait to reacquire Lock before returning")
	}
	cv.Lock.Release()
}

func TestCondvarRequiresRegisteredScheduler(t *testing.T) {
	defer func(orig Waiter) { scheduler = orig }(scheduler)
	scheduler = nil

	var cv Condvar
	cv.Lock.Acquire()
	defer func() {
		if recover() == nil {
			t.Fatal("expected NotifyOne without a registered scheduler to panic")
		}
	}()
	cv.NotifyOne()
}
