package fs

import (
	"encoding/binary"
	"kestrel/kernel"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/pagecache"
)

// Dirent is one directory entry as reported to readdir(2) callers.
type Dirent struct {
	NodeID uint32
	Name   string
}

func entriesPerBlock() int {
	return int(pagecache.BlockSize) / direntSize
}

func decodeDirent(b []byte) Dirent {
	id := binary.LittleEndian.Uint32(b[0:4])
	name := b[4:direntSize]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	return Dirent{NodeID: id, Name: string(name[:n])}
}

func encodeDirent(b []byte, d Dirent) {
	binary.LittleEndian.PutUint32(b[0:4], d.NodeID)
	name := b[4:direntSize]
	for i := range name {
		name[i] = 0
	}
	copy(name, d.Name)
}

// walkDirBlocks calls fn for every occupied directory-entry slot across
// dirNode's direct blocks, stopping early if fn returns false. block and
// slotOff let callers that want to rewrite or clear a specific slot do so
// without re-deriving its location.
func walkDirBlocks(dirNode uint32, fn func(d Dirent, block uint32, slotOff uint32) bool) *kernel.Error {
	di, err := readInode(dirNode)
	if err != nil {
		return err
	}

	perBlock := entriesPerBlock()
	buf := make([]byte, pagecache.BlockSize)

	for _, block := range di.Direct {
		if block == 0 {
			continue
		}
		if err := pagecache.Read(block, buf); err != nil {
			return err
		}
		for slot := 0; slot < perBlock; slot++ {
			off := uint32(slot * direntSize)
			d := decodeDirent(buf[off : off+direntSize])
			if d.NodeID == 0 {
				continue
			}
			if !fn(d, block, off) {
				return nil
			}
		}
	}
	return nil
}

// lookupInDir returns the node id name resolves to within dirNode, or
// errNotFound.
func lookupInDir(dirNode uint32, name string) (uint32, *kernel.Error) {
	var found uint32
	err := walkDirBlocks(dirNode, func(d Dirent, _ uint32, _ uint32) bool {
		if d.Name == name {
			found = d.NodeID
			return false
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if found == 0 {
		return 0, errNotFound
	}
	return found, nil
}

// addDirEntry writes a new name -> nodeID mapping into dirNode, growing its
// block chain if every existing block's slots are full.
func addDirEntry(dirNode uint32, name string, nodeID uint32) *kernel.Error {
	if len(name) > kconfig.MaxDirentName {
		return errNameTooLong
	}
	if _, err := lookupInDir(dirNode, name); err == nil {
		return errExists
	}

	di, err := readInode(dirNode)
	if err != nil {
		return err
	}

	perBlock := entriesPerBlock()
	buf := make([]byte, pagecache.BlockSize)

	for blockIdx := range di.Direct {
		block, err := blockAt(&di, uint32(blockIdx)*uint32(pagecache.BlockSize), true)
		if err != nil {
			return err
		}
		if err := pagecache.Read(block, buf); err != nil {
			return err
		}

		for slot := 0; slot < perBlock; slot++ {
			off := uint32(slot * direntSize)
			if binary.LittleEndian.Uint32(buf[off:off+4]) == 0 {
				encodeDirent(buf[off:off+direntSize], Dirent{NodeID: nodeID, Name: name})
				if err := pagecache.Write(block, buf); err != nil {
					return err
				}
				di.Size += direntSize
				return writeInode(dirNode, di)
			}
		}
	}
	return &kernel.Error{Module: "fs", Message: "directory has no room for another entry"}
}

// removeDirEntry clears name's slot in dirNode.
func removeDirEntry(dirNode uint32, name string) *kernel.Error {
	buf := make([]byte, pagecache.BlockSize)
	var targetBlock, targetOff uint32
	var hit bool

	err := walkDirBlocks(dirNode, func(d Dirent, block uint32, off uint32) bool {
		if d.Name == name {
			targetBlock, targetOff, hit = block, off, true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if !hit {
		return errNotFound
	}

	if err := pagecache.Read(targetBlock, buf); err != nil {
		return err
	}
	for i := 0; i < direntSize; i++ {
		buf[targetOff+uint32(i)] = 0
	}
	return pagecache.Write(targetBlock, buf)
}

// dirIsEmpty reports whether dirNode has no entries left.
func dirIsEmpty(dirNode uint32) (bool, *kernel.Error) {
	empty := true
	err := walkDirBlocks(dirNode, func(Dirent, uint32, uint32) bool {
		empty = false
		return false
	})
	return empty, err
}

// Readdir lists every entry in dirNode.
func Readdir(dirNode uint32) ([]Dirent, *kernel.Error) {
	var out []Dirent
	err := walkDirBlocks(dirNode, func(d Dirent, _ uint32, _ uint32) bool {
		out = append(out, d)
		return true
	})
	return out, err
}
