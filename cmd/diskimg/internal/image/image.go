// Package image builds the flat block-device image kernel/fs mounts: a
// superblock, a free-block bitmap, a flat inode table, and a root directory
// built from an ordinary directory tree on the host.
//
// This package deliberately does not import kernel/fs: that package pulls
// in kernel/pagecache and, transitively, the rest of the dependency-free
// kernel core, none of which this hosted tool needs or can safely link
// against (several of those packages assume they are running in ring 0).
// Instead the on-disk layout constants below are kept in lock-step with
// kernel/fs/disk.go and kernel/fs/dir.go by hand; see DESIGN.md.
package image

import (
	"encoding/binary"
	"fmt"
	"path"
	"sort"

	"github.com/spf13/afero"
)

const (
	// blockSize mirrors kernel/pagecache.BlockSize (one physical page).
	blockSize = 4096

	// fsMagic mirrors kernel/fs's on-disk superblock magic ("KSRL").
	fsMagic = 0x4b53524c

	// diskInodeSize mirrors kernel/fs/disk.go's diskInode record layout:
	// 1 byte kind, 3 bytes padding, 4 bytes size, 10 direct block
	// pointers of 4 bytes each.
	diskInodeSize = 1 + 3 + 4 + directBlocks*4
	directBlocks  = 10

	// direntSize mirrors kernel/fs/dir.go's directory entry record: a
	// 4-byte node id plus a fixed-width name field.
	direntSize    = 4 + maxDirentName
	maxDirentName = 28

	// rootInode is the first inode id kernel/fs's allocInode ever hands
	// out; node id 0 is reserved as the "empty slot" sentinel both the
	// inode table and directory entries use.
	rootInode = 1

	kindFree = 0
	kindFile = 1
	kindDir  = 2
)

// Options configures Build.
type Options struct {
	// TotalBlocks sizes the image; must be large enough to hold the
	// superblock, bitmap, inode table and every file in SourceDir.
	TotalBlocks uint32

	// InodeCount bounds how many files and directories the image can
	// hold, mirroring kconfig.MaxInodes.
	InodeCount uint32

	// SourceDir is a host directory tree whose contents become the image's
	// root directory, recursively.
	SourceDir string
}

// inode is the builder's in-memory staging record for one file-system node,
// before it is laid out into the final byte buffer.
type inode struct {
	kind    uint8
	size    uint32
	data    []byte                   // file contents, for kindFile
	entries []dirent                 // child name -> node id, for kindDir
	direct  [directBlocks]uint32     // assigned by layout once blocks are allocated
}

type dirent struct {
	nodeID uint32
	name   string
}

// Build reads opts.SourceDir through hostFS and returns the complete image
// bytes, ready to be written to a block device or disk file.
func Build(hostFS afero.Fs, opts Options) ([]byte, error) {
	if opts.TotalBlocks == 0 {
		return nil, fmt.Errorf("image: TotalBlocks must be non-zero")
	}
	if opts.InodeCount < 2 {
		return nil, fmt.Errorf("image: InodeCount must allow at least the free slot and the root")
	}

	nodes := make([]inode, opts.InodeCount)
	nodes[rootInode] = inode{kind: kindDir}

	if err := populateDir(hostFS, opts.SourceDir, rootInode, nodes); err != nil {
		return nil, err
	}

	return layout(nodes, opts.TotalBlocks)
}

// populateDir recursively walks dir on hostFS, allocating an inode for
// every entry it finds and wiring it into parentID's directory listing.
func populateDir(hostFS afero.Fs, dir string, parentID uint32, nodes []inode) error {
	entries, err := afero.ReadDir(hostFS, dir)
	if err != nil {
		return fmt.Errorf("image: reading %s: %w", dir, err)
	}

	// Stable output regardless of the host filesystem's own directory
	// order, so two builds from the same tree produce byte-identical
	// images.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		childPath := path.Join(dir, e.Name())
		childID, err := allocInode(nodes)
		if err != nil {
			return err
		}

		if e.IsDir() {
			nodes[childID] = inode{kind: kindDir}
			if err := populateDir(hostFS, childPath, childID, nodes); err != nil {
				return err
			}
		} else {
			data, err := afero.ReadFile(hostFS, childPath)
			if err != nil {
				return fmt.Errorf("image: reading %s: %w", childPath, err)
			}
			if len(data) > directBlocks*blockSize {
				return fmt.Errorf("image: %s is %d bytes, exceeds the %d byte direct-block limit", childPath, len(data), directBlocks*blockSize)
			}
			nodes[childID] = inode{kind: kindFile, size: uint32(len(data)), data: data}
		}

		nodes[parentID].entries = append(nodes[parentID].entries, dirent{nodeID: childID, name: e.Name()})
		if len(e.Name()) > maxDirentName {
			return fmt.Errorf("image: name %q exceeds %d bytes", e.Name(), maxDirentName)
		}
	}
	return nil
}

func allocInode(nodes []inode) (uint32, error) {
	for id := uint32(rootInode + 1); id < uint32(len(nodes)); id++ {
		if nodes[id].kind == kindFree {
			return id, nil
		}
	}
	return 0, fmt.Errorf("image: out of inodes (InodeCount too small)")
}

// layout assigns every node's data to concrete block numbers and renders
// the superblock, bitmap, inode table and data region into one byte slice.
func layout(nodes []inode, totalBlocks uint32) ([]byte, error) {
	bitmapBlocks := ceilDiv(totalBlocks, blockSize*8)
	inodesPerBlock := uint32(blockSize / diskInodeSize)
	inodeTableBlocks := ceilDiv(uint32(len(nodes)), inodesPerBlock)

	bitmapStart := uint32(1)
	inodeTableStart := bitmapStart + bitmapBlocks
	dataStart := inodeTableStart + inodeTableBlocks

	buf := make([]byte, uint64(totalBlocks)*blockSize)
	bitmap := newBitmap(buf, bitmapStart, bitmapBlocks)

	// Every block before the data region is permanently "allocated" in
	// the free-block bitmap kernel/fs's own allocBlock scans: that
	// function returns the absolute bit index as the block number, with
	// no separate data-region offset, so pre-marking the metadata region
	// as in-use is what keeps it from ever being handed out as a data
	// block.
	for b := uint32(0); b < dataStart; b++ {
		bitmap.set(b)
	}

	nextBlock := dataStart
	allocBlock := func() (uint32, error) {
		if nextBlock >= totalBlocks {
			return 0, fmt.Errorf("image: TotalBlocks (%d) is too small for this source tree", totalBlocks)
		}
		b := nextBlock
		bitmap.set(b)
		nextBlock++
		return b, nil
	}

	for id := range nodes {
		n := &nodes[id]
		switch n.kind {
		case kindFile:
			if err := writeFileBlocks(buf, n, allocBlock); err != nil {
				return nil, err
			}
		case kindDir:
			if err := writeDirBlocks(buf, n, allocBlock); err != nil {
				return nil, err
			}
		}
	}

	for id, n := range nodes {
		writeInode(buf, inodeTableStart, uint32(id), n)
	}

	writeSuperblock(buf, superblockLayout{
		Magic:                fsMagic,
		TotalBlocks:          totalBlocks,
		BitmapStartBlock:     bitmapStart,
		BitmapBlocks:         bitmapBlocks,
		InodeTableStartBlock: inodeTableStart,
		InodeTableBlocks:     inodeTableBlocks,
		InodeCount:           uint32(len(nodes)),
		RootInode:            rootInode,
	})

	return buf, nil
}

func writeFileBlocks(buf []byte, n *inode, allocBlock func() (uint32, error)) error {
	direct := [directBlocks]uint32{}
	for off, i := 0, 0; off < len(n.data); off, i = off+blockSize, i+1 {
		b, err := allocBlock()
		if err != nil {
			return err
		}
		direct[i] = b
		end := off + blockSize
		if end > len(n.data) {
			end = len(n.data)
		}
		copy(blockBytes(buf, b), n.data[off:end])
	}
	n.direct = direct
	return nil
}

func writeDirBlocks(buf []byte, n *inode, allocBlock func() (uint32, error)) error {
	perBlock := blockSize / direntSize
	direct := [directBlocks]uint32{}

	for i, d := range n.entries {
		blockIdx := i / perBlock
		if blockIdx >= directBlocks {
			return fmt.Errorf("image: directory has more entries than the direct-block layout supports")
		}
		if direct[blockIdx] == 0 {
			b, err := allocBlock()
			if err != nil {
				return err
			}
			direct[blockIdx] = b
		}
		slot := (i % perBlock) * direntSize
		encodeDirent(blockBytes(buf, direct[blockIdx])[slot:slot+direntSize], d)
	}

	n.direct = direct
	n.size = uint32(len(n.entries)) * direntSize
	return nil
}

func encodeDirent(b []byte, d dirent) {
	binary.LittleEndian.PutUint32(b[0:4], d.nodeID)
	copy(b[4:4+maxDirentName], d.name)
}

func writeInode(buf []byte, inodeTableStart, id uint32, n inode) {
	inodesPerBlock := uint32(blockSize / diskInodeSize)
	block := inodeTableStart + id/inodesPerBlock
	off := (id % inodesPerBlock) * diskInodeSize
	b := blockBytes(buf, block)[off : off+diskInodeSize]

	b[0] = n.kind
	binary.LittleEndian.PutUint32(b[4:8], n.size)
	for i, d := range n.direct {
		binary.LittleEndian.PutUint32(b[8+i*4:12+i*4], d)
	}
}

type superblockLayout struct {
	Magic                uint32
	TotalBlocks          uint32
	BitmapStartBlock     uint32
	BitmapBlocks         uint32
	InodeTableStartBlock uint32
	InodeTableBlocks     uint32
	InodeCount           uint32
	RootInode            uint32
}

func writeSuperblock(buf []byte, sb superblockLayout) {
	b := blockBytes(buf, 0)
	binary.LittleEndian.PutUint32(b[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.BitmapStartBlock)
	binary.LittleEndian.PutUint32(b[12:16], sb.BitmapBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.InodeTableStartBlock)
	binary.LittleEndian.PutUint32(b[20:24], sb.InodeTableBlocks)
	binary.LittleEndian.PutUint32(b[24:28], sb.InodeCount)
	binary.LittleEndian.PutUint32(b[28:32], sb.RootInode)
}

func blockBytes(buf []byte, block uint32) []byte {
	start := uint64(block) * blockSize
	return buf[start : start+blockSize]
}

type bitmapView struct {
	buf   []byte
	start uint32
}

func newBitmap(buf []byte, start, count uint32) bitmapView {
	return bitmapView{buf: buf, start: start}
}

func (bm bitmapView) set(block uint32) {
	bitsPerBlock := uint32(blockSize * 8)
	bmBlock, bit := block/bitsPerBlock, block%bitsPerBlock
	byteIdx, bitIdx := bit/8, bit%8
	blockBytes(bm.buf, bm.start+bmBlock)[byteIdx] |= 1 << bitIdx
}

// isSet reports whether block's bit is set; used by tests to assert the
// metadata region was pre-marked allocated.
func (bm bitmapView) isSet(block uint32) bool {
	bitsPerBlock := uint32(blockSize * 8)
	bmBlock, bit := block/bitsPerBlock, block%bitsPerBlock
	byteIdx, bitIdx := bit/8, bit%8
	return blockBytes(bm.buf, bm.start+bmBlock)[byteIdx]&(1<<bitIdx) != 0
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}
