// Package fs is the file-system bridge: it sits above kernel/pagecache and
// below kernel/syscall, translating path-based open/read/write/stat/mkdir/
// rename/unlink/readdir/chdir calls into block-level page-cache traffic,
// and tracking which file-system nodes are currently open through a
// reference-counted inode cache.
//
// The on-disk layout is a small, direct-block design: a superblock, a free
// block bitmap, a flat inode table and directories stored as arrays of
// fixed-size name/inode-id records. It exists to give the rest of this
// package something concrete to drive; the richer on-disk allocator the
// original system built on was not part of what this bridge was ported
// from; see DESIGN.md.
package fs

import (
	"kestrel/kernel"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/sync"
)

// NodeKind tags what a file-system node is.
type NodeKind uint8

const (
	// NodeFree marks an unused inode-table slot.
	NodeFree NodeKind = iota
	NodeFile
	NodeDirectory
)

// InodeCacheEntry is one open file-system node: a cached, reference-counted
// view of an on-disk inode. Multiple concurrent opens of the same node
// share one entry and one refcount, exactly as kernel/proc's per-process
// OpenFile table expects when two descriptors alias the same underlying
// file.
type InodeCacheEntry struct {
	lock sync.Spinlock

	// NodeID is this inode's on-disk index. Zero is never valid; it
	// marks an InodeCacheEntry that hasn't been bound to anything.
	NodeID uint32

	// ParentID is the directory node this entry was looked up under,
	// used by rename/unlink to locate and rewrite the containing
	// directory's entry.
	ParentID uint32

	Kind NodeKind
	Size uint32

	// RefCount is how many open descriptors, across every process,
	// currently reference this entry. Close decrements it and reclaims
	// the slot at zero.
	RefCount uint32
}

var (
	inodeCacheLock sync.Spinlock
	inodeCache     [kconfig.MaxInodes]InodeCacheEntry

	errNoFreeInodeSlot = &kernel.Error{Module: "fs", Message: "inode cache has no free slot"}
	errNotFound        = &kernel.Error{Module: "fs", Message: "no such file or directory"}
	errNotDirectory    = &kernel.Error{Module: "fs", Message: "path component is not a directory"}
	errIsDirectory     = &kernel.Error{Module: "fs", Message: "operation not valid on a directory"}
	errExists          = &kernel.Error{Module: "fs", Message: "name already exists in directory"}
	errDirNotEmpty     = &kernel.Error{Module: "fs", Message: "directory is not empty"}
	errNameTooLong     = &kernel.Error{Module: "fs", Message: "path component exceeds the name length limit"}
	errBadPath         = &kernel.Error{Module: "fs", Message: "path is empty or malformed"}
)

// RootNode is the on-disk node id of the file-system root, valid once Init
// has run.
var RootNode uint32

// Init reads the superblock and brings up the inode table and free-block
// bitmap. It must run once, after kernel/pagecache.SetDevice, before any
// other call into this package.
func Init() *kernel.Error {
	if err := readSuperblock(); err != nil {
		return err
	}
	RootNode = superblock.RootInode

	for i := range inodeCache {
		inodeCache[i] = InodeCacheEntry{}
	}
	return nil
}

// acquireCacheEntry returns the InodeCacheEntry already bound to nodeID
// with its refcount bumped, or binds a free slot to it (refcount 1) after
// reading the on-disk inode. Concurrent opens of the same node always
// observe the same entry, which is what lets two file descriptors share one
// file offset's backing metadata consistently.
func acquireCacheEntry(nodeID, parentID uint32) (*InodeCacheEntry, *kernel.Error) {
	inodeCacheLock.Acquire()
	defer inodeCacheLock.Release()

	var free *InodeCacheEntry
	for i := range inodeCache {
		e := &inodeCache[i]
		if e.Kind != NodeFree && e.NodeID == nodeID {
			e.RefCount++
			return e, nil
		}
		if e.Kind == NodeFree && free == nil {
			free = e
		}
	}

	if free == nil {
		return nil, errNoFreeInodeSlot
	}

	di, err := readInode(nodeID)
	if err != nil {
		return nil, err
	}

	free.NodeID = nodeID
	free.ParentID = parentID
	free.Kind = NodeKind(di.Kind)
	free.Size = di.Size
	free.RefCount = 1
	return free, nil
}

// release drops a reference to entry, reclaiming its cache slot once the
// refcount reaches zero. It does not touch the on-disk inode, not even for a
// node that was unlinked while open; only Unlink frees storage, and only for
// a node nothing has open at that moment.
func release(entry *InodeCacheEntry) {
	inodeCacheLock.Acquire()
	defer inodeCacheLock.Release()

	entry.RefCount--
	if entry.RefCount == 0 {
		*entry = InodeCacheEntry{}
	}
}

// EntryByNodeID returns the inode-cache entry currently bound to nodeID, or
// nil if nothing has it open. kernel/syscall uses this to turn the raw node
// id a process's OpenFile record carries back into a live entry without
// keeping its own duplicate bookkeeping.
func EntryByNodeID(nodeID uint32) *InodeCacheEntry {
	inodeCacheLock.Acquire()
	defer inodeCacheLock.Release()

	for i := range inodeCache {
		if inodeCache[i].Kind != NodeFree && inodeCache[i].NodeID == nodeID {
			return &inodeCache[i]
		}
	}
	return nil
}

// Stat describes a node's kind and size, the information the stat(2)
// syscall handler reports back to userspace.
type Stat struct {
	Kind NodeKind
	Size uint32
}

// StatEntry reports entry's current kind and size.
func StatEntry(entry *InodeCacheEntry) Stat {
	entry.lock.Acquire()
	defer entry.lock.Release()
	return Stat{Kind: entry.Kind, Size: entry.Size}
}
