// Package kmain wires every kernel package into a running system. It is the
// one place allowed to know about all of them: boot info parsing happens
// before it runs (the rt0 assembly stub populates boot.Info and calls
// Kmain), and everything after is strictly ordered by what each subsystem
// depends on already being live.
package kmain

import (
	"reflect"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/boot"
	"kestrel/kernel/exec"
	"kestrel/kernel/fs"
	"kestrel/kernel/goruntime"
	"kestrel/kernel/hal"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/kfmt/early"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/pagecache"
	"kestrel/kernel/proc"
	"kestrel/kernel/trap"

	_ "kestrel/device/tty"
	_ "kestrel/device/video/console"
)

// unsafeView overlays a []byte on top of an already-mapped physical/HHDM
// address range, the same reflect.SliceHeader technique kernel.Memcopy uses
// internally; ramdisk has no allocation of its own to hand out slices from.
func unsafeView(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// initProcessPath is the file the first process exec's; cmd/diskimg writes
// it into every image it builds.
const initProcessPath = "/init"

// ramdisk presents a bootloader-loaded module as a pagecache.BlockDevice:
// the module's bytes already sit in ordinary, HHDM-addressable memory, so
// serving block reads and writes out of it is a slice copy, not a driver.
// Building an actual storage-controller driver (AHCI, NVMe, virtio-blk) is
// out of scope; this is the minimal thing that can stand in for one so the
// page cache and file-system bridge above it have something real to drive.
type ramdisk struct {
	base uintptr
	size uintptr
}

func (r ramdisk) bytesAt(blockIndex, blockCount uint32) ([]byte, *kernel.Error) {
	off := uintptr(blockIndex) * uintptr(pagecache.BlockSize)
	n := uintptr(blockCount) * uintptr(pagecache.BlockSize)
	if off+n > r.size {
		return nil, errRamdiskRange
	}
	return unsafeView(r.base+off, n), nil
}

var errRamdiskRange = &kernel.Error{Module: "kmain", Message: "ramdisk access out of range"}

func (r ramdisk) ReadBlocks(blockIndex uint32, blockCount uint32, buf []byte) *kernel.Error {
	src, err := r.bytesAt(blockIndex, blockCount)
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (r ramdisk) WriteBlocks(blockIndex uint32, blockCount uint32, buf []byte) *kernel.Error {
	dst, err := r.bytesAt(blockIndex, blockCount)
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// Kmain is the only Go symbol the rt0 assembly stub calls into, once the
// GDT, a minimal g0 and the boot-time stack are all in place. It is not
// expected to return; if every subsystem comes up cleanly it hands off to
// the scheduler loop, which runs forever.
//
//go:noinline
func Kmain(info boot.Info, ramdiskBase, ramdiskSize uintptr) {
	boot.Set(info)

	hal.DetectHardware()
	early.Printf("[kmain] booting\n")

	var err *kernel.Error
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	pmm.Init()
	vmm.SetFrameAllocator(pmm.Alloc)
	if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	}

	pagecache.SetDevice(ramdisk{base: ramdiskBase, size: ramdiskSize})

	if err = fs.Init(); err != nil {
		kfmt.Panic(err)
	}

	registerConsoleDevice()

	proc.Init()
	trap.InitSyscallMSRs()

	if _, err = exec.Exec(fs.RootNode, initProcessPath, nil, 0); err != nil {
		kfmt.Panic(err)
	}

	proc.Run()

	kfmt.Panic(errKmainReturned)
}

// registerConsoleDevice exposes the active terminal as the "console"
// character device, the one every freshly exec'd process's fds 0-2 are
// wired to by kernel/exec.
func registerConsoleDevice() {
	_ = fs.RegisterDevice(fs.DeviceFile{
		Name: "console",
		Read: func(buf []byte) (int, *kernel.Error) {
			return 0, nil
		},
		Write: func(buf []byte) (int, *kernel.Error) {
			n, _ := hal.ActiveTerminal.Write(buf)
			return n, nil
		},
	})
}

// APEntry is invoked by the (out of scope) SMP trampoline on every
// application processor once it reaches long mode. It brings the core far
// enough up to join the scheduler's round-robin without repeating any of
// the boot-core-only steps (frame allocator init, file-system mount, ...).
//
//go:noinline
func APEntry(coreID uint32) {
	trap.InitSyscallMSRs()
	proc.Run()
	kfmt.Panic(errKmainReturned)
}
