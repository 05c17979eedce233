package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/kfmt/early"
	"kestrel/kernel/mem"
	"kestrel/kernel/sync"
	"unsafe"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}

	// addrTranslateFn resolves a frame to the virtual address through
	// which the allocator can read/write its contents before any
	// process page table exists. Tests substitute a fake HHDM so they
	// don't need a populated boot.Info.
	addrTranslateFn = boot.ToHHDM

	lock         sync.Spinlock
	freeListHead = InvalidFrame
	freeCount    uint64

	// stealFn is registered by kernel/pagecache: when the free list is
	// exhausted, Alloc calls back into the page cache to evict one
	// entry via its Clock algorithm and hand back the frame it was
	// using, instead of failing outright. AllocForCache never does
	// this, which is exactly what breaks the allocation cycle between
	// the two packages: the page cache growing its own entry-frame
	// chain can never recurse back into its own eviction path.
	stealFn func() (Frame, *kernel.Error)
)

// SetStealFn registers the page cache's eviction entry point as the pmm
// package's last resort when Alloc finds no free frame. Called once from
// kernel/pagecache's init.
func SetStealFn(fn func() (Frame, *kernel.Error)) {
	stealFn = fn
}

// next returns a pointer to the free-list link word embedded at the start of
// frame f's contents, viewed through the HHDM. Only valid while f is on the
// free list; once allocated, the caller owns the whole frame's contents.
func next(f Frame) *Frame {
	return (*Frame)(unsafe.Pointer(addrTranslateFn(f.Address())))
}

// Init populates the free list from the bootloader-reported usable memory
// regions. It must be called exactly once, before any call to Alloc.
func Init() {
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		base := (region.Base + uint64(mem.PageSize) - 1) &^ uint64(mem.PageSize-1)
		end := (region.Base + region.Length) &^ uint64(mem.PageSize-1)

		for addr := base; addr+uint64(mem.PageSize) <= end; addr += uint64(mem.PageSize) {
			push(Frame(addr >> mem.PageShift))
		}

		return true
	})

	early.Printf("[pmm] %d frames available\n", freeCount)
}

// push links f onto the head of the free list. Callers must hold lock.
func push(f Frame) {
	*next(f) = freeListHead
	freeListHead = f
	freeCount++
}

// pop removes and returns the frame at the head of the free list, or
// InvalidFrame if the list is empty. Callers must hold lock.
func pop() Frame {
	if freeListHead == InvalidFrame {
		return InvalidFrame
	}

	f := freeListHead
	freeListHead = *next(f)
	freeCount--
	return f
}

// Alloc reserves and returns a free frame. Its contents are left undefined.
func Alloc() (Frame, *kernel.Error) {
	lock.Acquire()
	f := pop()
	lock.Release()

	if f != InvalidFrame {
		return f, nil
	}

	if stealFn != nil {
		if f, err := stealFn(); err == nil {
			return f, nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// AllocZero behaves like Alloc but additionally zero-fills the frame, as
// required for new page-table pages.
func AllocZero() (Frame, *kernel.Error) {
	f, err := Alloc()
	if err != nil {
		return InvalidFrame, err
	}

	kernel.Memset(addrTranslateFn(f.Address()), 0, uintptr(mem.PageSize))
	return f, nil
}

// AllocForCache behaves like Alloc but never recurses into page-cache
// eviction to find a frame: it either succeeds immediately from the free
// list or fails. The page cache uses this to break the allocation cycle
// between itself and the general allocator (the cache cannot depend on
// itself to supply the frame it needs to shrink).
func AllocForCache() (Frame, *kernel.Error) {
	lock.Acquire()
	f := pop()
	lock.Release()

	if f == InvalidFrame {
		return InvalidFrame, errOutOfMemory
	}
	return f, nil
}

// Free returns frame f to the pool. f must be frame-aligned and must have
// been returned by a prior call to Alloc, AllocZero or AllocForCache.
func Free(f Frame) {
	lock.Acquire()
	push(f)
	lock.Release()
}

// FreeCount returns the number of frames currently on the free list.
func FreeCount() uint64 {
	lock.Acquire()
	defer lock.Release()
	return freeCount
}
