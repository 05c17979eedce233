package fs

import (
	"kestrel/kernel"
	"kestrel/kernel/pagecache"
	"strings"
)

// Open flags, mirroring the syscall ABI's O_* bits (kernel/syscall passes
// open(2)'s flags through unchanged; this package only cares about these
// four).
const (
	OpenCreate = 1 << iota
	OpenTrunc
	OpenAppend
	OpenDirectory
)

// splitPath breaks path into its directory components and final name. A
// leading '/' is not itself returned as a component; resolve below decides
// whether to start from the root or from cwd based on whether path began
// with one.
func splitPath(path string) (components []string, absolute bool) {
	absolute = strings.HasPrefix(path, "/")
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			components = append(components, c)
		}
	}
	return components, absolute
}

// resolveParent walks every component of path except the last, returning
// the node id of the directory the last component should be looked up or
// created in, along with that final component's name.
func resolveParent(cwd uint32, path string) (parent uint32, leaf string, err *kernel.Error) {
	components, absolute := splitPath(path)
	if len(components) == 0 {
		return 0, "", errBadPath
	}

	cur := cwd
	if absolute {
		cur = RootNode
	}

	for _, c := range components[:len(components)-1] {
		next, err := lookupInDir(cur, c)
		if err != nil {
			return 0, "", err
		}
		di, err := readInode(next)
		if err != nil {
			return 0, "", err
		}
		if NodeKind(di.Kind) != NodeDirectory {
			return 0, "", errNotDirectory
		}
		cur = next
	}

	return cur, components[len(components)-1], nil
}

// Resolve walks path to its final node id, starting from cwd for a
// relative path or from RootNode for an absolute one.
func Resolve(cwd uint32, path string) (uint32, *kernel.Error) {
	parent, leaf, err := resolveParent(cwd, path)
	if err != nil {
		return 0, err
	}
	return lookupInDir(parent, leaf)
}

// Open resolves path relative to cwd and returns a reference-counted handle
// to it, creating a new file if OpenCreate is set and nothing exists there
// yet.
func Open(cwd uint32, path string, flags uint32) (*InodeCacheEntry, *kernel.Error) {
	parent, leaf, err := resolveParent(cwd, path)
	if err != nil {
		return nil, err
	}

	nodeID, lookupErr := lookupInDir(parent, leaf)
	if lookupErr != nil {
		if lookupErr != errNotFound || flags&OpenCreate == 0 {
			return nil, lookupErr
		}
		nodeID, err = allocInode(NodeFile)
		if err != nil {
			return nil, err
		}
		if err := addDirEntry(parent, leaf, nodeID); err != nil {
			freeInode(nodeID)
			return nil, err
		}
	}

	entry, err := acquireCacheEntry(nodeID, parent)
	if err != nil {
		return nil, err
	}

	if flags&OpenDirectory != 0 && entry.Kind != NodeDirectory {
		release(entry)
		return nil, errNotDirectory
	}

	if flags&OpenTrunc != 0 && entry.Kind == NodeFile {
		entry.lock.Acquire()
		entry.Size = 0
		entry.lock.Release()
		di, err := readInode(nodeID)
		if err == nil {
			di.Size = 0
			writeInode(nodeID, di)
		}
	}

	return entry, nil
}

// Close releases entry; once its refcount reaches zero the cache slot is
// reclaimed. Close never frees the on-disk node: a node unlinked while it
// was open keeps its storage after its last Close.
func Close(entry *InodeCacheEntry) {
	release(entry)
}

// Read copies up to len(buf) bytes from entry starting at offset, returning
// the number of bytes actually read (short at end-of-file).
func Read(entry *InodeCacheEntry, offset int64, buf []byte) (int, *kernel.Error) {
	entry.lock.Acquire()
	defer entry.lock.Release()

	if entry.Kind != NodeFile {
		return 0, errIsDirectory
	}
	if offset >= int64(entry.Size) {
		return 0, nil
	}

	di, err := readInode(entry.NodeID)
	if err != nil {
		return 0, err
	}

	n := len(buf)
	if int64(n) > int64(entry.Size)-offset {
		n = int(int64(entry.Size) - offset)
	}

	block := make([]byte, pagecache.BlockSize)
	read := 0
	for read < n {
		abs := uint64(offset) + uint64(read)
		blockNo, err := blockAt(&di, uint32(abs), false)
		if err != nil {
			return read, err
		}
		inBlockOff := uint32(abs) % uint32(pagecache.BlockSize)

		if blockNo == 0 {
			for i := inBlockOff; i < uint32(pagecache.BlockSize) && read < n; i++ {
				buf[read] = 0
				read++
			}
			continue
		}

		if err := pagecache.Read(blockNo, block); err != nil {
			return read, err
		}
		for i := inBlockOff; i < uint32(pagecache.BlockSize) && read < n; i++ {
			buf[read] = block[i]
			read++
		}
	}
	return read, nil
}

// Write copies buf into entry starting at offset, growing the file (and
// allocating new data blocks) as needed, and returns the number of bytes
// written.
func Write(entry *InodeCacheEntry, offset int64, buf []byte) (int, *kernel.Error) {
	entry.lock.Acquire()
	defer entry.lock.Release()

	if entry.Kind != NodeFile {
		return 0, errIsDirectory
	}

	di, err := readInode(entry.NodeID)
	if err != nil {
		return 0, err
	}

	block := make([]byte, pagecache.BlockSize)
	written := 0
	for written < len(buf) {
		abs := uint64(offset) + uint64(written)
		blockNo, err := blockAt(&di, uint32(abs), true)
		if err != nil {
			return written, err
		}
		inBlockOff := uint32(abs) % uint32(pagecache.BlockSize)

		if err := pagecache.Read(blockNo, block); err != nil {
			return written, err
		}
		for i := inBlockOff; i < uint32(pagecache.BlockSize) && written < len(buf); i++ {
			block[i] = buf[written]
			written++
		}
		if err := pagecache.Write(blockNo, block); err != nil {
			return written, err
		}
	}

	if newSize := uint32(offset) + uint32(written); newSize > entry.Size {
		entry.Size = newSize
		di.Size = newSize
	}
	if err := writeInode(entry.NodeID, di); err != nil {
		return written, err
	}
	return written, nil
}

// Mkdir creates an empty directory at path.
func Mkdir(cwd uint32, path string) *kernel.Error {
	parent, leaf, err := resolveParent(cwd, path)
	if err != nil {
		return err
	}
	if len(leaf) > 0 {
		if _, lookupErr := lookupInDir(parent, leaf); lookupErr == nil {
			return errExists
		}
	}

	nodeID, err := allocInode(NodeDirectory)
	if err != nil {
		return err
	}
	if err := addDirEntry(parent, leaf, nodeID); err != nil {
		freeInode(nodeID)
		return err
	}
	return nil
}

// Unlink removes the name at path from its containing directory and frees
// the underlying node's storage if nothing has it open at that moment. A
// node that is still open keeps its storage, and closing it later does not
// free it.
func Unlink(cwd uint32, path string) *kernel.Error {
	parent, leaf, err := resolveParent(cwd, path)
	if err != nil {
		return err
	}

	nodeID, err := lookupInDir(parent, leaf)
	if err != nil {
		return err
	}

	di, err := readInode(nodeID)
	if err != nil {
		return err
	}
	if NodeKind(di.Kind) == NodeDirectory {
		empty, err := dirIsEmpty(nodeID)
		if err != nil {
			return err
		}
		if !empty {
			return errDirNotEmpty
		}
	}

	if err := removeDirEntry(parent, leaf); err != nil {
		return err
	}

	if !isOpen(nodeID) {
		return freeInode(nodeID)
	}
	return nil
}

// Rename moves the entry at oldPath to newPath, which may be in a different
// directory.
func Rename(cwd uint32, oldPath, newPath string) *kernel.Error {
	oldParent, oldLeaf, err := resolveParent(cwd, oldPath)
	if err != nil {
		return err
	}
	newParent, newLeaf, err := resolveParent(cwd, newPath)
	if err != nil {
		return err
	}

	nodeID, err := lookupInDir(oldParent, oldLeaf)
	if err != nil {
		return err
	}

	if err := addDirEntry(newParent, newLeaf, nodeID); err != nil {
		return err
	}
	return removeDirEntry(oldParent, oldLeaf)
}

// isOpen reports whether any inode-cache entry currently references nodeID.
func isOpen(nodeID uint32) bool {
	inodeCacheLock.Acquire()
	defer inodeCacheLock.Release()
	for i := range inodeCache {
		if inodeCache[i].Kind != NodeFree && inodeCache[i].NodeID == nodeID {
			return true
		}
	}
	return false
}

// Chdir resolves path to a directory node id, for the syscall handler to
// store as the calling process's new working directory.
func Chdir(cwd uint32, path string) (uint32, *kernel.Error) {
	nodeID, err := Resolve(cwd, path)
	if err != nil {
		return 0, err
	}
	di, err := readInode(nodeID)
	if err != nil {
		return 0, err
	}
	if NodeKind(di.Kind) != NodeDirectory {
		return 0, errNotDirectory
	}
	return nodeID, nil
}
