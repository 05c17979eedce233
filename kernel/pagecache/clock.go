package pagecache

import (
	"kestrel/kernel"
	"kestrel/kernel/mem/pmm"
)

// totalEntries counts every entry slot across the whole entry-frame chain.
// Walking the chain on every eviction is not the cheapest possible
// implementation, but eviction is already the slow, device-bound path; the
// two-wrap-around bound below is what actually matters for correctness.
func totalEntries() int {
	n := 0
	forEachEntry(func(*entry) bool { n++; return true })
	return n
}

// advance moves the Clock hand to the next slot in frame order, wrapping
// back to the first entry-frame once it runs off the end of the chain.
// Callers must hold eviction.lock.
func advance() {
	eviction.index++
	if eviction.index < len(eviction.frame.entries) {
		return
	}

	eviction.index = 0
	if eviction.frame.next.Valid() {
		eviction.frame = entryFrameAt(eviction.frame.next)
	} else {
		eviction.frame = &firstEntryFrame
	}
}

// current returns the entry the Clock hand currently points at. Callers
// must hold eviction.lock.
func current() *entry {
	return &eviction.frame.entries[eviction.index]
}

// bindFrame lazily gives a claimed slot a backing physical frame the first
// time it is ever used; Steal clears frame back to pmm.InvalidFrame when it
// repurposes a slot's frame for something else, so the same slot binds a
// fresh one next time it is claimed.
func bindFrame(e *entry) *kernel.Error {
	if e.frame.Valid() {
		return nil
	}
	f, err := pmm.Alloc()
	if err != nil {
		return err
	}
	e.frame = f
	return nil
}

// claimSlot returns a locked, frame-backed entry ready to cache a new
// block: an unused slot if one exists anywhere in the chain, otherwise
// whatever the Clock algorithm evicts, otherwise a freshly grown
// entry-frame's first slot.
func claimSlot() (*entry, *kernel.Error) {
	e := findEmpty()
	if e == nil {
		var err *kernel.Error
		if e, err = evictOne(); err != nil {
			if err := growChain(); err != nil {
				return nil, errCacheFull
			}
			if e = findEmpty(); e == nil {
				return nil, errCacheFull
			}
		}
	}

	if err := bindFrame(e); err != nil {
		e.lock.Release()
		return nil, err
	}
	return e, nil
}

// findEmpty locks and returns the first invalid entry found, or nil if
// every slot currently holds a cached block.
func findEmpty() *entry {
	var found *entry
	forEachEntry(func(e *entry) bool {
		if e.lock.TryToAcquire() {
			if !e.valid {
				found = e
				return false
			}
			e.lock.Release()
		}
		return true
	})
	return found
}

// evictOne runs the Clock algorithm: every entry gets at most one second
// chance, so a full circuit of the chain that finds nothing evictable (every
// slot freshly touched) is retried exactly once more before giving up. A
// dirty victim is written back before its slot is reused. The returned
// entry is still locked and still valid==false; it is the caller's job to
// decide what becomes of its now-orphaned frame.
func evictOne() (*entry, *kernel.Error) {
	eviction.lock.Acquire()
	defer eviction.lock.Release()

	n := totalEntries()
	if n == 0 {
		return nil, errCacheFull
	}

	for wrap := 0; wrap < 2; wrap++ {
		for i := 0; i < n; i++ {
			e := current()

			if !e.lock.TryToAcquire() {
				advance()
				continue
			}

			if !e.valid {
				advance()
				return e, nil
			}

			if e.secondChance {
				e.secondChance = false
				e.lock.Release()
				advance()
				continue
			}

			if e.dirty {
				if err := writeBack(e); err != nil {
					e.lock.Release()
					advance()
					continue
				}
			}

			e.valid = false
			advance()
			return e, nil
		}
	}

	return nil, errCacheFull
}

// writeBack flushes a dirty entry to the backing device. Callers must hold
// e.lock.
func writeBack(e *entry) *kernel.Error {
	if device == nil {
		return errNoDevice
	}
	if err := device.WriteBlocks(e.blockID, 1, frameBytes(e.frame)); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// Steal is the page cache's half of the frame-allocation cycle described in
// pmm.SetStealFn: when the general allocator's free list is exhausted, it
// calls here instead of failing outright. Steal evicts one entry via the
// ordinary Clock algorithm (writing it back first if dirty) and hands its
// now-orphaned frame back to pmm; the slot itself stays in the chain and
// simply binds a fresh frame the next time something claims it. Slots that
// hold no frame are skipped.
func Steal() (pmm.Frame, *kernel.Error) {
	for tries := totalEntries(); tries > 0; tries-- {
		e, err := evictOne()
		if err != nil {
			return pmm.InvalidFrame, err
		}

		f := e.frame
		e.frame = pmm.InvalidFrame
		e.lock.Release()
		if f.Valid() {
			return f, nil
		}
	}
	return pmm.InvalidFrame, errCacheFull
}
