package fs

import (
	"encoding/binary"
	"kestrel/kernel"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/pagecache"
)

const (
	fsMagic = 0x4b53524c // "KSRL"

	// diskInodeSize is the on-disk footprint of one diskInode record:
	// 1 byte kind + 3 bytes padding + 4 bytes size + 10*4 bytes of
	// direct block pointers.
	diskInodeSize = 1 + 3 + 4 + 10*4

	// directBlocks is how many direct block pointers a diskInode holds;
	// there is no indirect block, capping a file's size at
	// directBlocks * pagecache.BlockSize.
	directBlocks = 10

	// direntSize is the on-disk footprint of one directory entry: a
	// 4-byte node id plus a fixed-width, NUL-padded name.
	direntSize = 4 + kconfig.MaxDirentName
)

var errBadSuperblock = &kernel.Error{Module: "fs", Message: "superblock magic does not match"}

// superblockLayout is the block-0 record every other on-disk structure is
// addressed relative to.
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

var superblock superblockLayout

// readSuperblock loads and validates block 0.
func readSuperblock() *kernel.Error {
	buf := make([]byte, pagecache.BlockSize)
	if err := pagecache.Read(0, buf); err != nil {
		return err
	}

	superblock = superblockLayout{
		Magic:                binary.LittleEndian.Uint32(buf[0:4]),
		TotalBlocks:          binary.LittleEndian.Uint32(buf[4:8]),
		BitmapStartBlock:     binary.LittleEndian.Uint32(buf[8:12]),
		BitmapBlocks:         binary.LittleEndian.Uint32(buf[12:16]),
		InodeTableStartBlock: binary.LittleEndian.Uint32(buf[16:20]),
		InodeTableBlocks:     binary.LittleEndian.Uint32(buf[20:24]),
		InodeCount:           binary.LittleEndian.Uint32(buf[24:28]),
		RootInode:            binary.LittleEndian.Uint32(buf[28:32]),
	}

	if superblock.Magic != fsMagic {
		return errBadSuperblock
	}
	return nil
}

// diskInode is the on-disk metadata record for one file-system node.
type diskInode struct {
	Kind   uint8
	Size   uint32
	Direct [directBlocks]uint32
}

// inodesPerBlock returns how many diskInode records fit in one cache block.
func inodesPerBlock() uint32 {
	return uint32(pagecache.BlockSize) / diskInodeSize
}

// inodeLocation resolves nodeID to the block holding it and its byte offset
// within that block.
func inodeLocation(nodeID uint32) (block uint32, offset uint32) {
	perBlock := inodesPerBlock()
	return superblock.InodeTableStartBlock + nodeID/perBlock, (nodeID % perBlock) * diskInodeSize
}

func readInode(nodeID uint32) (diskInode, *kernel.Error) {
	block, offset := inodeLocation(nodeID)
	buf := make([]byte, pagecache.BlockSize)
	if err := pagecache.Read(block, buf); err != nil {
		return diskInode{}, err
	}
	return decodeInode(buf[offset : offset+diskInodeSize]), nil
}

func writeInode(nodeID uint32, di diskInode) *kernel.Error {
	block, offset := inodeLocation(nodeID)
	buf := make([]byte, pagecache.BlockSize)
	if err := pagecache.Read(block, buf); err != nil {
		return err
	}
	encodeInode(buf[offset:offset+diskInodeSize], di)
	return pagecache.Write(block, buf)
}

func decodeInode(b []byte) diskInode {
	var di diskInode
	di.Kind = b[0]
	di.Size = binary.LittleEndian.Uint32(b[4:8])
	for i := 0; i < directBlocks; i++ {
		off := 8 + i*4
		di.Direct[i] = binary.LittleEndian.Uint32(b[off : off+4])
	}
	return di
}

func encodeInode(b []byte, di diskInode) {
	b[0] = di.Kind
	binary.LittleEndian.PutUint32(b[4:8], di.Size)
	for i := 0; i < directBlocks; i++ {
		off := 8 + i*4
		binary.LittleEndian.PutUint32(b[off:off+4], di.Direct[i])
	}
}

// allocInode scans the inode table for a NodeFree slot, claims it and
// returns its id.
func allocInode(kind NodeKind) (uint32, *kernel.Error) {
	for id := uint32(1); id < superblock.InodeCount; id++ {
		di, err := readInode(id)
		if err != nil {
			return 0, err
		}
		if NodeKind(di.Kind) == NodeFree {
			di.Kind = uint8(kind)
			di.Size = 0
			di.Direct = [directBlocks]uint32{}
			if err := writeInode(id, di); err != nil {
				return 0, err
			}
			return id, nil
		}
	}
	return 0, errNoFreeInodeSlot
}

// freeInode returns every data block a node owns to the free bitmap and
// marks its slot free.
func freeInode(nodeID uint32) *kernel.Error {
	di, err := readInode(nodeID)
	if err != nil {
		return err
	}
	for _, b := range di.Direct {
		if b != 0 {
			freeBlock(b)
		}
	}
	di = diskInode{}
	return writeInode(nodeID, di)
}

// blockAt returns the data block holding byte offset off within a node,
// allocating one if grow is true and the slot is currently a hole.
func blockAt(di *diskInode, off uint32, grow bool) (uint32, *kernel.Error) {
	idx := off / uint32(pagecache.BlockSize)
	if int(idx) >= directBlocks {
		return 0, &kernel.Error{Module: "fs", Message: "offset exceeds maximum direct-block file size"}
	}

	if di.Direct[idx] != 0 {
		return di.Direct[idx], nil
	}
	if !grow {
		return 0, nil
	}

	b, err := allocBlock()
	if err != nil {
		return 0, err
	}

	// allocBlock only claims a bit in the free-block bitmap; the frame
	// backing it in the page cache can still hold whatever its previous
	// owner left there, so a freshly grown block needs an explicit
	// zero-fill before anything scans it for empty slots or treats
	// unwritten bytes as holes.
	zero := make([]byte, pagecache.BlockSize)
	if err := pagecache.Write(b, zero); err != nil {
		freeBlock(b)
		return 0, err
	}

	di.Direct[idx] = b
	return b, nil
}

// allocBlock scans the free-block bitmap for a clear bit, sets it and
// returns the block number it now owns.
func allocBlock() (uint32, *kernel.Error) {
	bitsPerBlock := uint32(pagecache.BlockSize) * 8
	buf := make([]byte, pagecache.BlockSize)

	for bm := uint32(0); bm < superblock.BitmapBlocks; bm++ {
		if err := pagecache.Read(superblock.BitmapStartBlock+bm, buf); err != nil {
			return 0, err
		}
		for bit := uint32(0); bit < bitsPerBlock; bit++ {
			byteIdx, bitIdx := bit/8, bit%8
			if buf[byteIdx]&(1<<bitIdx) == 0 {
				buf[byteIdx] |= 1 << bitIdx
				if err := pagecache.Write(superblock.BitmapStartBlock+bm, buf); err != nil {
					return 0, err
				}
				return bm*bitsPerBlock + bit, nil
			}
		}
	}
	return 0, &kernel.Error{Module: "fs", Message: "no free data blocks"}
}

// freeBlock clears block's bit in the free-block bitmap.
func freeBlock(block uint32) {
	bitsPerBlock := uint32(pagecache.BlockSize) * 8
	bm, bit := block/bitsPerBlock, block%bitsPerBlock
	byteIdx, bitIdx := bit/8, bit%8

	buf := make([]byte, pagecache.BlockSize)
	if err := pagecache.Read(superblock.BitmapStartBlock+bm, buf); err != nil {
		return
	}
	buf[byteIdx] &^= 1 << bitIdx
	_ = pagecache.Write(superblock.BitmapStartBlock+bm, buf)
}
