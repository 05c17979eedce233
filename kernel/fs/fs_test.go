package fs

import (
	"encoding/binary"
	"os"
	"testing"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/pagecache"
)

// testArena anchors the fake physical memory format hands to pmm so the
// garbage collector never reclaims it out from under a raw address pmm
// still has on its free list.
var testArena []byte

// fakeDevice is a pagecache.BlockDevice backed by a plain byte slice, the
// same role kmain's ramdisk type plays for the real kernel.
type fakeDevice struct {
	blocks []byte
}

func newFakeDevice(totalBlocks uint32) *fakeDevice {
	return &fakeDevice{blocks: make([]byte, uint64(totalBlocks)*uint64(pagecache.BlockSize))}
}

func (d *fakeDevice) bytesAt(blockIndex, blockCount uint32) []byte {
	off := uint64(blockIndex) * uint64(pagecache.BlockSize)
	n := uint64(blockCount) * uint64(pagecache.BlockSize)
	return d.blocks[off : off+n]
}

func (d *fakeDevice) ReadBlocks(blockIndex, blockCount uint32, buf []byte) *kernel.Error {
	copy(buf, d.bytesAt(blockIndex, blockCount))
	return nil
}

func (d *fakeDevice) WriteBlocks(blockIndex, blockCount uint32, buf []byte) *kernel.Error {
	copy(d.bytesAt(blockIndex, blockCount), buf)
	return nil
}

// TestMain formats one image and mounts it once for the whole package:
// kernel/pagecache caches block contents in package-level state with no
// invalidate-on-remount hook (mirroring the real kernel, which only ever
// calls kernel/pagecache.SetDevice once), so every test below shares one
// mount and uses its own top-level path to avoid interfering with the
// others, the same discipline a single long-lived boot session would need.
func TestMain(m *testing.M) {
	format()
	os.Exit(m.Run())
}

// format lays out the minimum valid image this package's own
// Init/readSuperblock expect: a superblock at block 0, an all-free bitmap
// with the metadata region pre-marked used, an all-free inode table, and a
// root directory inode with no entries yet.
func format() {
	const (
		totalBlocks      = 64
		bitmapStartBlock = 1
		bitmapBlocks     = 1
		inodeTableStart  = 2
		inodeTableBlocks = 1
		inodeCount       = 32
		dataStart        = inodeTableStart + inodeTableBlocks
	)

	// kernel/pagecache.bindFrame backs every cached block with a real
	// pmm.Frame, so pmm needs frames to hand out even in a host test; a
	// pinned arena standing in for physical memory, addressed through an
	// HHDM offset of zero, is the same trick cmd/ksim's harness uses.
	// Held in a package var for the rest of the test binary's life: pmm
	// only remembers raw addresses into it, not a Go reference, so
	// letting it go out of scope here would leave the allocator pointing
	// at memory the garbage collector is then free to reclaim.
	const arenaBytes = 1 << 20
	testArena = make([]byte, arenaBytes+4096)
	base := (uintptr(unsafe.Pointer(&testArena[0])) + 4096) &^ 4095
	boot.Set(boot.Info{
		Memmap: []boot.MemoryMapEntry{
			{Base: uint64(base), Length: arenaBytes, Type: boot.MemUsable},
		},
	})
	pmm.Init()

	dev := newFakeDevice(totalBlocks)
	pagecache.SetDevice(dev)

	sb := make([]byte, pagecache.BlockSize)
	binary.LittleEndian.PutUint32(sb[0:4], fsMagic)
	binary.LittleEndian.PutUint32(sb[4:8], totalBlocks)
	binary.LittleEndian.PutUint32(sb[8:12], bitmapStartBlock)
	binary.LittleEndian.PutUint32(sb[12:16], bitmapBlocks)
	binary.LittleEndian.PutUint32(sb[16:20], inodeTableStart)
	binary.LittleEndian.PutUint32(sb[20:24], inodeTableBlocks)
	binary.LittleEndian.PutUint32(sb[24:28], inodeCount)
	binary.LittleEndian.PutUint32(sb[28:32], 1)
	copy(dev.bytesAt(0, 1), sb)

	bitmap := make([]byte, pagecache.BlockSize)
	for b := uint32(0); b < dataStart; b++ {
		bitmap[b/8] |= 1 << (b % 8)
	}
	copy(dev.bytesAt(bitmapStartBlock, bitmapBlocks), bitmap)

	rootInode := make([]byte, diskInodeSize)
	rootInode[0] = uint8(NodeDirectory)
	copy(dev.bytesAt(inodeTableStart, inodeTableBlocks), rootInode)

	if err := Init(); err != nil {
		panic("fs_test: format: Init: " + err.Message)
	}
}

func TestOpenWriteCloseOpenReadStat(t *testing.T) {
	entry, kerr := Open(RootNode, "/greeting", OpenCreate)
	if kerr != nil {
		t.Fatalf("Open(create): %s", kerr.Message)
	}
	payload := []byte("hello, disk\n")
	n, kerr := Write(entry, 0, payload)
	if kerr != nil || n != len(payload) {
		t.Fatalf("Write: n=%d err=%v", n, kerr)
	}
	Close(entry)

	entry, kerr = Open(RootNode, "/greeting", 0)
	if kerr != nil {
		t.Fatalf("Open(read): %s", kerr.Message)
	}
	defer Close(entry)

	stat := StatEntry(entry)
	if stat.Size != uint32(len(payload)) {
		t.Fatalf("Size = %d, want %d", stat.Size, len(payload))
	}

	buf := make([]byte, stat.Size)
	n, kerr = Read(entry, 0, buf)
	if kerr != nil {
		t.Fatalf("Read: %s", kerr.Message)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("Read = %q, want %q", buf[:n], payload)
	}
}

func TestOpenWithoutCreateFailsOnMissingPath(t *testing.T) {
	if _, kerr := Open(RootNode, "/nope", 0); kerr != errNotFound {
		t.Fatalf("Open(missing) = %v, want errNotFound", kerr)
	}
}

func TestMkdirOpenRenameUnlinkReaddir(t *testing.T) {
	if kerr := Mkdir(RootNode, "/tmp1"); kerr != nil {
		t.Fatalf("Mkdir: %s", kerr.Message)
	}

	entry, kerr := Open(RootNode, "/tmp1/scratch", OpenCreate)
	if kerr != nil {
		t.Fatalf("Open(create child): %s", kerr.Message)
	}
	Close(entry)

	tmpNode, kerr := Resolve(RootNode, "/tmp1")
	if kerr != nil {
		t.Fatalf("Resolve: %s", kerr.Message)
	}
	entries, kerr := Readdir(tmpNode)
	if kerr != nil || len(entries) != 1 || entries[0].Name != "scratch" {
		t.Fatalf("Readdir = %+v, err %v", entries, kerr)
	}

	if kerr := Rename(RootNode, "/tmp1/scratch", "/tmp1/renamed"); kerr != nil {
		t.Fatalf("Rename: %s", kerr.Message)
	}
	entries, _ = Readdir(tmpNode)
	if len(entries) != 1 || entries[0].Name != "renamed" {
		t.Fatalf("Readdir after rename = %+v", entries)
	}

	if kerr := Unlink(RootNode, "/tmp1/renamed"); kerr != nil {
		t.Fatalf("Unlink: %s", kerr.Message)
	}
	entries, _ = Readdir(tmpNode)
	if len(entries) != 0 {
		t.Fatalf("Readdir after unlink = %+v, want empty", entries)
	}

	if kerr := Unlink(RootNode, "/tmp1"); kerr != nil {
		t.Fatalf("Unlink(empty dir): %s", kerr.Message)
	}
}

func TestUnlinkNonEmptyDirectoryFails(t *testing.T) {
	if kerr := Mkdir(RootNode, "/tmp2"); kerr != nil {
		t.Fatalf("Mkdir: %s", kerr.Message)
	}
	entry, kerr := Open(RootNode, "/tmp2/file", OpenCreate)
	if kerr != nil {
		t.Fatalf("Open(create): %s", kerr.Message)
	}
	Close(entry)

	if kerr := Unlink(RootNode, "/tmp2"); kerr != errDirNotEmpty {
		t.Fatalf("Unlink(non-empty) = %v, want errDirNotEmpty", kerr)
	}
}

func TestWriteGrowsFileAcrossMultipleBlocks(t *testing.T) {
	entry, kerr := Open(RootNode, "/big", OpenCreate)
	if kerr != nil {
		t.Fatalf("Open(create): %s", kerr.Message)
	}
	defer Close(entry)

	payload := make([]byte, pagecache.BlockSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, kerr := Write(entry, 0, payload)
	if kerr != nil || n != len(payload) {
		t.Fatalf("Write: n=%d err=%v", n, kerr)
	}

	buf := make([]byte, len(payload))
	n, kerr = Read(entry, 0, buf)
	if kerr != nil || n != len(payload) {
		t.Fatalf("Read: n=%d err=%v", n, kerr)
	}
	for i := range payload {
		if buf[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, buf[i], payload[i])
		}
	}
}
