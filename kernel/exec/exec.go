// Package exec loads an ELF64 image from the file-system bridge into a
// freshly allocated process's address space and seeds it to run: it is the
// one place kernel/proc, kernel/fs, kernel/mem/vmm and kernel/trap all meet.
//
// Building a process's address space means mapping pages that are not yet
// the active page table's pages. Rather than give vmm a second,
// address-space-parameterized copy of Map/Unmap, this package follows the
// same approach the ported C loader took: install the new address space as
// the active one for the duration of the load, map and populate its
// segments and stack through the ordinary (active-table) vmm entry points,
// then restore the caller's own table, on success and on failure alike.
package exec

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/fs"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/proc"
	"kestrel/kernel/trap"
	"unsafe"
)

const pageSize = uintptr(mem.PageSize)

var (
	errTooManyArgs  = &kernel.Error{Module: "exec", Message: "too many command-line arguments"}
	errArgTooLong   = &kernel.Error{Module: "exec", Message: "command-line argument exceeds the length limit"}
	errNoStackSpace = &kernel.Error{Module: "exec", Message: "argument list does not fit in the user stack"}
)

// consoleDeviceName is the device kernel/kmain registers the active TTY
// under; Exec wires a new process's stdin/stdout/stderr to it when present.
const consoleDeviceName = "console"

// Exec loads the ELF image at path and returns a new, runnable process.
// parentPID records who to notify when the new process exits, or 0 for a
// process with no parent (the very first one, started by kernel/kmain).
func Exec(cwd uint32, path string, args []string, parentPID uint64) (*proc.Process, *kernel.Error) {
	if len(args) > kconfig.MaxExecArgs {
		return nil, errTooManyArgs
	}
	for _, a := range args {
		if len(a) > kconfig.MaxExecArgLen {
			return nil, errArgTooLong
		}
	}

	file, err := fs.Open(cwd, path, 0)
	if err != nil {
		return nil, err
	}
	defer fs.Close(file)

	hdrBuf := make([]byte, headerSize)
	if _, err := fs.Read(file, 0, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	phTable := make([]byte, uint64(hdr.phentsz)*uint64(hdr.phnum))
	if _, err := fs.Read(file, int64(hdr.phoff), phTable); err != nil {
		return nil, errBadProgramTable
	}

	p, err := proc.Allocate()
	if err != nil {
		return nil, err
	}

	prevPDT := cpu.ActivePDT()
	p.AddrSpace.Activate()

	heapEnd, err := loadSegments(file, hdr, phTable)
	if err != nil {
		abort(p, prevPDT)
		return nil, err
	}

	userRSP, argv, err := buildArgv(args)
	if err != nil {
		abort(p, prevPDT)
		return nil, err
	}

	resumeSP, err := buildKernelStack(uintptr(hdr.entry), userRSP, len(args), argv)
	if err != nil {
		abort(p, prevPDT)
		return nil, err
	}

	p.Lock.Acquire()
	p.HeapEnd = heapEnd
	p.ResumeSP = resumeSP
	p.ParentPID = parentPID
	p.Cwd = cwd
	seedStdio(p)
	p.State = proc.StateRunnable
	p.Lock.Release()

	cpu.SwitchPDT(prevPDT)
	return p, nil
}

// abort unwinds a failed load: restore the caller's page table and tear
// down the half-built address space instead of leaving a used process-table
// slot with nothing runnable in it.
func abort(p *proc.Process, prevPDT uintptr) {
	cpu.SwitchPDT(prevPDT)
	vmm.TeardownAddressSpace(p.AddrSpace)
	proc.Free(p)
}

// loadSegments maps and populates every PT_LOAD program header, returning
// the address immediately above the highest byte any segment occupies -
// the process's initial heap break.
func loadSegments(file *fs.InodeCacheEntry, hdr header, phTable []byte) (uintptr, *kernel.Error) {
	var heapEnd uintptr

	for i := 0; i < int(hdr.phnum); i++ {
		raw := phTable[i*programHeaderSize : (i+1)*programHeaderSize]
		ph := decodeProgramHeader(raw)
		if ph.kind != ptLoad {
			continue
		}
		if err := ph.validate(); err != nil {
			return 0, err
		}

		flags := vmm.FlagPresent | vmm.FlagUser | vmm.FlagRW
		if ph.flags&pfExec == 0 {
			flags |= vmm.FlagNoExecute
		}

		pageCount := (ph.memsz + uint64(pageSize) - 1) / uint64(pageSize)
		for pg := uint64(0); pg < pageCount; pg++ {
			frame, err := pmm.AllocZero()
			if err != nil {
				return 0, err
			}
			page := vmm.PageFromAddress(uintptr(ph.vaddr) + uintptr(pg)*pageSize)
			if err := vmm.Map(page, frame, flags); err != nil {
				return 0, err
			}
		}

		if err := copySegmentData(file, ph); err != nil {
			return 0, err
		}

		segEnd := (uintptr(ph.vaddr) + uintptr(ph.memsz) + pageSize - 1) &^ (pageSize - 1)
		if segEnd > heapEnd {
			heapEnd = segEnd
		}
	}

	return heapEnd, nil
}

// copySegmentData reads filesz bytes at offset from file straight into the
// mapped virtual range starting at vaddr. loadSegments calls this for every
// PT_LOAD entry once that segment's pages are mapped.
func copySegmentData(file *fs.InodeCacheEntry, ph programHeader) *kernel.Error {
	if ph.filesz == 0 {
		return nil
	}
	buf := make([]byte, ph.filesz)
	if _, err := fs.Read(file, int64(ph.offset), buf); err != nil {
		return err
	}
	kernel.Memcopy(uintptr(unsafe.Pointer(&buf[0])), uintptr(ph.vaddr), uintptr(ph.filesz))
	return nil
}

// buildArgv marshals args onto the top of the (already mapped) user stack
// and returns the resulting user stack pointer together with the address
// of the argv pointer table.
func buildArgv(args []string) (userRSP uintptr, argv uintptr, err *kernel.Error) {
	stackBase := kconfig.UserStackTop - uintptr(kconfig.UserStackPages)*pageSize

	for pg := uintptr(0); pg < uintptr(kconfig.UserStackPages); pg++ {
		frame, allocErr := pmm.AllocZero()
		if allocErr != nil {
			return 0, 0, allocErr
		}
		page := vmm.PageFromAddress(stackBase + pg*pageSize)
		if mapErr := vmm.Map(page, frame, vmm.FlagPresent|vmm.FlagUser|vmm.FlagRW|vmm.FlagNoExecute); mapErr != nil {
			return 0, 0, mapErr
		}
	}

	cur := kconfig.UserStackTop
	strAddrs := make([]uintptr, len(args))

	for i, a := range args {
		n := uintptr(len(a)) + 1
		if cur-n < stackBase {
			return 0, 0, errNoStackSpace
		}
		cur -= n
		dst := (*[kconfig.MaxExecArgLen + 1]byte)(unsafe.Pointer(cur))
		copy(dst[:], a)
		dst[len(a)] = 0
		strAddrs[i] = cur
	}

	cur &^= 0xf

	tableBytes := uintptr(len(args)+1) * 8
	if cur-tableBytes < stackBase {
		return 0, 0, errNoStackSpace
	}
	cur -= tableBytes
	table := (*[kconfig.MaxExecArgs + 1]uintptr)(unsafe.Pointer(cur))
	for i, addr := range strAddrs {
		table[i] = addr
	}
	table[len(args)] = 0

	argv = cur
	userRSP = cur &^ 0xf
	return userRSP, argv, nil
}

// buildKernelStack carves a dedicated ring-0 stack for the new process out
// of the shared kernel address range (mapping into it works regardless of
// which address space is currently active, since every address space's
// top-level table shares the same upper-half entries) and seeds it with the
// saved context BuildInitialContext plants for the scheduler's first
// ContextSwitch into this process.
func buildKernelStack(entry, userRSP uintptr, argc int, argv uintptr) (uintptr, *kernel.Error) {
	size := mem.Size(kconfig.KernelStackPages) * mem.PageSize

	base, err := vmm.EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	for pg := uintptr(0); pg < uintptr(kconfig.KernelStackPages); pg++ {
		frame, allocErr := pmm.AllocZero()
		if allocErr != nil {
			return 0, allocErr
		}
		page := vmm.PageFromAddress(base + pg*pageSize)
		if mapErr := vmm.Map(page, frame, vmm.FlagPresent|vmm.FlagRW); mapErr != nil {
			return 0, mapErr
		}
	}

	stackTop := base + uintptr(size)
	return trap.BuildInitialContext(stackTop, entry, userRSP, argc, argv), nil
}

// seedStdio wires descriptors 0-2 to the registered console device, when
// one has been registered; a process exec'd before any console driver has
// come up simply starts with no usable stdio, rather than Exec itself
// failing over a missing optional device.
func seedStdio(p *proc.Process) {
	idx, err := fs.LookupDevice(consoleDeviceName)
	if err != nil {
		return
	}
	for fd := 0; fd < 3; fd++ {
		p.OpenFiles[fd] = proc.OpenFile{
			Kind:     proc.OpenFileDevice,
			Device:   idx,
			Readable: fd == 0,
			Writable: fd != 0,
		}
	}
}
