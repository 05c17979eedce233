// Package syscall implements the numbered system-call dispatch table: the
// Go-level body kernel/trap's fast-syscall entry stub calls into once it has
// recovered the syscall number and three argument words from the
// interrupted ring-3 registers.
//
// Every handler here validates its file descriptor against the calling
// process's own open-file table before touching kernel/fs or a device,
// exactly as the syscall layer this was bridged from does: a descriptor
// that was never opened, or was opened without the permission the call
// needs, fails before anything downstream ever sees it.
package syscall

import (
	"kestrel/kernel"
	"kestrel/kernel/exec"
	"kestrel/kernel/fs"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/proc"
	"kestrel/kernel/trap"
)

// pageSize mirrors kernel/exec's own alias; sbrk(2) deals in bytes but
// GrowHeap/ShrinkHeap deal in whole pages.
const pageSize = uintptr(mem.PageSize)

// deviceFlag is the O_DEVICE bit open(2) callers set to route through the
// device table instead of the backing file system.
const deviceFlag = 1 << 31

// Numbers, in the order the original syscall switch listed them.
const (
	NumRead = iota
	NumWrite
	NumOpen
	NumClose
	NumLseek
	NumIoctl
	NumSbrk
	NumExec
	NumExit
	NumWait
	NumSleep
	NumMkdir
	NumUnlink
	NumRename
	NumChdir
)

// errno-style negative return codes. Every handler returns either a
// non-negative result or one of these, never panics: a malformed syscall
// from userspace is that process's problem, not the kernel's.
const (
	errBadFD    = -1
	errNoPerm   = -2
	errFault    = -3
	errNoEnt    = -4
	errGeneric  = -5
	pathBufSize = kconfig.MaxPathLen
)

func init() {
	trap.RegisterSyscallDispatch(Dispatch)
}

// Dispatch is the single entry point kernel/trap's syscall_entry stub
// forwards into. It never blocks the core indefinitely: handlers that need
// to wait (sleep, wait4) do so by yielding back to the scheduler exactly the
// way any other blocking kernel path does.
func Dispatch(num, a1, a2, a3 uint64) int64 {
	switch num {
	case NumRead:
		return sysRead(int(a1), uintptr(a2), uint64(a3))
	case NumWrite:
		return sysWrite(int(a1), uintptr(a2), uint64(a3))
	case NumOpen:
		return sysOpen(uintptr(a1), uint32(a2))
	case NumClose:
		return sysClose(int(a1))
	case NumLseek:
		return sysLseek(int(a1), int64(a2), int(a3))
	case NumSbrk:
		return sysSbrk(int64(a1))
	case NumExec:
		return sysExec(uintptr(a1))
	case NumExit:
		proc.Exit(int(int32(a1)))
		return 0
	case NumWait:
		return sysWait()
	case NumSleep:
		proc.Sleep(a1)
		return 0
	case NumMkdir:
		return sysMkdir(uintptr(a1))
	case NumUnlink:
		return sysUnlink(uintptr(a1))
	case NumRename:
		return sysRename(uintptr(a1), uintptr(a2))
	case NumChdir:
		return sysChdir(uintptr(a1))
	default:
		return errGeneric
	}
}

// copyPathIn reads a NUL-terminated path string out of the calling
// process's address space.
func copyPathIn(userAddr uintptr) (string, bool) {
	buf := make([]byte, pathBufSize)
	if err := vmm.MemcpyUserIn(buf, userAddr, pathBufSize); err != nil {
		return "", false
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	if n == len(buf) {
		return "", false
	}
	return string(buf[:n]), true
}

// inodeEntryFor resolves an OpenFileInode descriptor back to the live,
// reference-counted cache entry fs.Open bound it to.
func inodeEntryFor(f *proc.OpenFile) *fs.InodeCacheEntry {
	return fs.EntryByNodeID(f.Inode)
}

// freeFD returns the index of p's first unused descriptor slot, or -1 if
// its open-file table is full.
func freeFD(p *proc.Process) int {
	for i := range p.OpenFiles {
		if p.OpenFiles[i].Kind == proc.OpenFileEmpty {
			return i
		}
	}
	return -1
}

// fdFile validates fd against p's open-file table for the requested
// direction and returns the live descriptor.
func fdFile(p *proc.Process, fd int, wantRead bool) (*proc.OpenFile, int64) {
	f, errCode := fdExists(p, fd)
	if f == nil {
		return nil, errCode
	}
	if wantRead && !f.Readable {
		return nil, errNoPerm
	}
	if !wantRead && !f.Writable {
		return nil, errNoPerm
	}
	return f, 0
}

// fdExists validates that fd names a live descriptor in p's table, without
// regard to which direction it was opened for - the check lseek and close
// need.
func fdExists(p *proc.Process, fd int) (*proc.OpenFile, int64) {
	if fd < 0 || fd >= len(p.OpenFiles) {
		return nil, errBadFD
	}
	f := &p.OpenFiles[fd]
	if f.Kind == proc.OpenFileEmpty {
		return nil, errBadFD
	}
	return f, 0
}

func sysRead(fd int, bufAddr uintptr, n uint64) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	f, errCode := fdFile(p, fd, true)
	if f == nil {
		return errCode
	}

	buf := make([]byte, n)
	var got int
	var err *kernel.Error

	switch f.Kind {
	case proc.OpenFileInode:
		entry := inodeEntryFor(f)
		got, err = fs.Read(entry, f.Offset, buf)
	case proc.OpenFileDevice:
		dev, devErr := fs.DeviceByIndex(f.Device)
		if devErr != nil {
			return errFault
		}
		got, err = dev.Read(buf)
	default:
		return errGeneric
	}
	if err != nil {
		return errGeneric
	}

	if err := vmm.MemcpyUserOut(bufAddr, buf, got); err != nil {
		return errFault
	}
	f.Offset += int64(got)
	return int64(got)
}

func sysWrite(fd int, bufAddr uintptr, n uint64) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	f, errCode := fdFile(p, fd, false)
	if f == nil {
		return errCode
	}

	buf := make([]byte, n)
	if err := vmm.MemcpyUserIn(buf, bufAddr, int(n)); err != nil {
		return errFault
	}

	var put int
	var err *kernel.Error

	switch f.Kind {
	case proc.OpenFileInode:
		entry := inodeEntryFor(f)
		put, err = fs.Write(entry, f.Offset, buf)
	case proc.OpenFileDevice:
		dev, devErr := fs.DeviceByIndex(f.Device)
		if devErr != nil {
			return errFault
		}
		put, err = dev.Write(buf)
	default:
		return errGeneric
	}
	if err != nil {
		return errGeneric
	}

	f.Offset += int64(put)
	return int64(put)
}

func sysOpen(pathAddr uintptr, flags uint32) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	path, ok := copyPathIn(pathAddr)
	if !ok {
		return errFault
	}

	fd := freeFD(p)
	if fd < 0 {
		return errGeneric
	}

	if flags&uint32(deviceFlag) != 0 {
		idx, err := fs.LookupDevice(path)
		if err != nil {
			return errNoEnt
		}
		dev, _ := fs.DeviceByIndex(idx)
		p.OpenFiles[fd] = proc.OpenFile{
			Kind:     proc.OpenFileDevice,
			Device:   idx,
			Readable: dev.Readable,
			Writable: dev.Writable,
		}
		return int64(fd)
	}

	entry, err := fs.Open(p.Cwd, path, flags)
	if err != nil {
		return errNoEnt
	}
	p.OpenFiles[fd] = proc.OpenFile{
		Kind:     proc.OpenFileInode,
		Inode:    entry.NodeID,
		Readable: true,
		Writable: true,
	}
	return int64(fd)
}

func sysClose(fd int) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	f, errCode := fdExists(p, fd)
	if f == nil {
		return errCode
	}
	if f.Kind == proc.OpenFileInode {
		if entry := inodeEntryFor(f); entry != nil {
			fs.Close(entry)
		}
	}
	*f = proc.OpenFile{}
	return 0
}

func sysLseek(fd int, offset int64, whence int) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	f, errCode := fdExists(p, fd)
	if f == nil {
		return errCode
	}

	switch whence {
	case 0:
		f.Offset = offset
	case 1:
		f.Offset += offset
	case 2:
		if f.Kind == proc.OpenFileInode {
			if entry := inodeEntryFor(f); entry != nil {
				f.Offset = int64(fs.StatEntry(entry).Size) + offset
			}
		}
	default:
		return errGeneric
	}
	return f.Offset
}

func sysSbrk(delta int64) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}

	p.Lock.Acquire()
	defer p.Lock.Release()

	prevBreak := p.HeapEnd
	var pages int64

	if delta > 0 {
		pages = (delta + int64(pageSize) - 1) / int64(pageSize)
		if err := vmm.GrowHeap(p.HeapEnd, uintptr(pages)); err != nil {
			return errGeneric
		}
	} else if delta < 0 {
		pages = -((-delta + int64(pageSize) - 1) / int64(pageSize))
		if err := vmm.ShrinkHeap(p.HeapEnd, uintptr(-pages)); err != nil {
			return errGeneric
		}
	}

	p.HeapEnd = uintptr(int64(p.HeapEnd) + pages*int64(pageSize))
	return int64(prevBreak)
}

func sysExec(pathAddr uintptr) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	path, ok := copyPathIn(pathAddr)
	if !ok {
		return errFault
	}

	child, err := exec.Exec(p.Cwd, path, nil, p.PID)
	if err != nil {
		return errNoEnt
	}
	return int64(child.PID)
}

func sysWait() int64 {
	pid, status, ok := proc.Wait()
	if !ok {
		return errGeneric
	}
	return int64(pid)<<32 | int64(uint32(status))
}

func sysMkdir(pathAddr uintptr) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	path, ok := copyPathIn(pathAddr)
	if !ok {
		return errFault
	}
	if err := fs.Mkdir(p.Cwd, path); err != nil {
		return errGeneric
	}
	return 0
}

func sysUnlink(pathAddr uintptr) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	path, ok := copyPathIn(pathAddr)
	if !ok {
		return errFault
	}
	if err := fs.Unlink(p.Cwd, path); err != nil {
		return errGeneric
	}
	return 0
}

func sysRename(oldAddr, newAddr uintptr) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	oldPath, ok := copyPathIn(oldAddr)
	if !ok {
		return errFault
	}
	newPath, ok := copyPathIn(newAddr)
	if !ok {
		return errFault
	}
	if err := fs.Rename(p.Cwd, oldPath, newPath); err != nil {
		return errGeneric
	}
	return 0
}

func sysChdir(pathAddr uintptr) int64 {
	p := proc.Self()
	if p == nil {
		return errGeneric
	}
	path, ok := copyPathIn(pathAddr)
	if !ok {
		return errFault
	}
	nodeID, err := fs.Chdir(p.Cwd, path)
	if err != nil {
		return errGeneric
	}
	p.Lock.Acquire()
	p.Cwd = nodeID
	p.Lock.Release()
	return 0
}
