// Package pagecache sits between kernel/fs and the block device: every
// block read or write the file-system bridge issues passes through here
// first. Cached blocks live in physical frames borrowed from kernel/mem/pmm
// and tracked by a chain of fixed-size entry-frames, the same technique
// kernel/mem/vmm uses for page tables - a frame's contents are just a
// struct, viewed directly through the boot-time direct map.
package pagecache

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/sync"
	"unsafe"
)

// BlockDevice is the synchronous block-storage interface the page cache
// reads through on a miss and writes back through on eviction. kernel/fs
// never talks to a BlockDevice directly; every block access goes through
// Read/Write below.
type BlockDevice interface {
	ReadBlocks(blockIndex uint32, blockCount uint32, buf []byte) *kernel.Error
	WriteBlocks(blockIndex uint32, blockCount uint32, buf []byte) *kernel.Error
}

// BlockSize is the unit of caching: one page-cache entry holds exactly one
// block, and one block fits in exactly one physical frame.
const BlockSize = mem.PageSize

var (
	device BlockDevice

	errNoDevice  = &kernel.Error{Module: "pagecache", Message: "no block device registered"}
	errCacheFull = &kernel.Error{Module: "pagecache", Message: "every entry-frame slot is in use and nothing could be evicted"}
	errBadBuffer = &kernel.Error{Module: "pagecache", Message: "buffer size does not match the block size"}
)

// SetDevice registers the block device Read/Write fall through to.
// kernel/kmain calls this once, after the device's own driver has
// initialized, before the file-system bridge is brought up.
func SetDevice(d BlockDevice) {
	device = d
}

func init() {
	pmm.SetStealFn(Steal)
}

// entryFrame must fit in exactly one physical frame: kconfig.PageCacheEntriesPerFrame
// cannot be derived from unsafe.Sizeof(entry{}) at the kconfig layer, since
// kconfig must not import the package it is sizing for. This assertion
// catches the one way that could silently drift - entry growing a field and
// no longer fitting the constant kconfig was handed - at init time instead
// of at a much harder to diagnose page-cache corruption later.
func init() {
	if unsafe.Sizeof(entryFrame{}) > mem.PageSize {
		kfmt.Panic(errEntryFrameOversized)
	}
}

var errEntryFrameOversized = &kernel.Error{Module: "pagecache", Message: "entryFrame no longer fits kconfig.PageCacheEntriesPerFrame in one page"}

// entry is one page-cache slot's metadata. The 4 KiB of actual block data
// it describes lives in frame, addressed through the HHDM exactly the way
// vmm addresses page-table frames.
type entry struct {
	lock sync.Spinlock

	valid        bool
	dirty        bool
	secondChance bool
	blockID      uint32
	frame        pmm.Frame
}

// entryFrame is the chain link: a single physical frame reinterpreted as an
// array of entry records plus a pointer to the next frame in the chain, or
// pmm.InvalidFrame if this is the last one.
type entryFrame struct {
	entries [kconfig.PageCacheEntriesPerFrame]entry
	next    pmm.Frame
}

// firstEntryFrame is statically reserved: the page cache always needs at
// least one entry-frame to exist, so the first one is a package-level
// variable instead of something carved out of the frame allocator (which,
// before the cache has any capacity at all, would have nothing to evict if
// it ran out of memory trying to allocate the very structure meant to
// relieve that pressure).
var firstEntryFrame entryFrame

func init() {
	resetEntryFrame(&firstEntryFrame)
}

// resetEntryFrame puts every entry in fr into its empty, unbound state:
// invalid and without a backing frame of its own. pmm.Frame's own zero
// value (frame 0) is a real, allocatable frame, so every entry explicitly
// carries pmm.InvalidFrame until something actually binds one via
// bindFrame.
func resetEntryFrame(fr *entryFrame) {
	fr.next = pmm.InvalidFrame
	for i := range fr.entries {
		fr.entries[i] = entry{frame: pmm.InvalidFrame}
	}
}

// entryFrameAt views frame f's contents as an entryFrame through the HHDM.
func entryFrameAt(f pmm.Frame) *entryFrame {
	return (*entryFrame)(unsafe.Pointer(boot.ToHHDM(f.Address())))
}

// eviction tracks the Clock hand's position across calls: which frame in
// the chain, and which entry within it, evict should examine next. The
// hand only ever moves forward, wrapping back to the first entry-frame.
var eviction struct {
	lock  sync.Spinlock
	frame *entryFrame
	index int
}

func init() {
	eviction.frame = &firstEntryFrame
	eviction.index = 0
}

// forEachEntry calls fn for every entry in the chain, in frame order, until
// fn returns false or the chain is exhausted.
func forEachEntry(fn func(e *entry) bool) {
	for fr := &firstEntryFrame; fr != nil; {
		for i := range fr.entries {
			if !fn(&fr.entries[i]) {
				return
			}
		}
		if fr.next == pmm.InvalidFrame {
			return
		}
		fr = entryFrameAt(fr.next)
	}
}

// growChain appends a fresh entry-frame to the end of the chain, using
// pmm.AllocForCache so that growing the cache's own bookkeeping can never
// recurse back into the cache's eviction path.
func growChain() *kernel.Error {
	tail := &firstEntryFrame
	for tail.next != pmm.InvalidFrame {
		tail = entryFrameAt(tail.next)
	}

	f, err := pmm.AllocForCache()
	if err != nil {
		return err
	}

	fresh := entryFrameAt(f)
	resetEntryFrame(fresh)
	tail.next = f
	return nil
}

// frameBytes views a cached block's physical frame as a byte slice through
// the HHDM.
func frameBytes(f pmm.Frame) []byte {
	ptr := (*[BlockSize]byte)(unsafe.Pointer(boot.ToHHDM(f.Address())))
	return ptr[:]
}

// lookup returns the entry caching blockID, if any, already locked. The
// caller must Release it.
func lookup(blockID uint32) *entry {
	var found *entry
	forEachEntry(func(e *entry) bool {
		e.lock.Acquire()
		if e.valid && e.blockID == blockID {
			found = e
			return false
		}
		e.lock.Release()
		return true
	})
	return found
}

// Read loads the named block into dst, which must be exactly BlockSize
// bytes, going to the backing device only on a cache miss.
func Read(blockID uint32, dst []byte) *kernel.Error {
	if mem.Size(len(dst)) != BlockSize {
		return errBadBuffer
	}

	e, err := fetch(blockID)
	if err != nil {
		return err
	}
	defer e.lock.Release()

	copy(dst, frameBytes(e.frame))
	e.secondChance = true
	return nil
}

// Write updates the named block with the contents of src, which must be
// exactly BlockSize bytes. The write only lands in the cache; it reaches
// the device later, when the entry is written back on eviction (by the
// Clock hand or by Steal).
func Write(blockID uint32, src []byte) *kernel.Error {
	if mem.Size(len(src)) != BlockSize {
		return errBadBuffer
	}

	e, err := fetch(blockID)
	if err != nil {
		return err
	}
	defer e.lock.Release()

	copy(frameBytes(e.frame), src)
	e.dirty = true
	e.secondChance = true
	return nil
}

// fetch returns the (locked) entry caching blockID, loading it from the
// device on a miss. The caller must Release the returned entry's lock.
func fetch(blockID uint32) (*entry, *kernel.Error) {
	if e := lookup(blockID); e != nil {
		return e, nil
	}
	if device == nil {
		return nil, errNoDevice
	}

	e, err := claimSlot()
	if err != nil {
		return nil, err
	}

	if err := device.ReadBlocks(blockID, 1, frameBytes(e.frame)); err != nil {
		e.lock.Release()
		return nil, err
	}

	e.blockID = blockID
	e.valid = true
	e.dirty = false
	e.secondChance = false
	return e, nil
}
