package syscall

import (
	"testing"

	"kestrel/kernel/proc"
)

func TestFreeFDFindsFirstEmptySlot(t *testing.T) {
	var p proc.Process
	p.OpenFiles[0].Kind = proc.OpenFileInode
	p.OpenFiles[1].Kind = proc.OpenFileDevice

	if got := freeFD(&p); got != 2 {
		t.Fatalf("freeFD = %d, want 2", got)
	}
}

func TestFreeFDReturnsNegativeOneWhenTableFull(t *testing.T) {
	var p proc.Process
	for i := range p.OpenFiles {
		p.OpenFiles[i].Kind = proc.OpenFileInode
	}
	if got := freeFD(&p); got != -1 {
		t.Fatalf("freeFD = %d, want -1", got)
	}
}

func TestFdExistsRejectsOutOfRangeDescriptor(t *testing.T) {
	var p proc.Process
	if f, code := fdExists(&p, -1); f != nil || code != errBadFD {
		t.Fatalf("fdExists(-1) = (%v, %d), want (nil, errBadFD)", f, code)
	}
	if f, code := fdExists(&p, len(p.OpenFiles)); f != nil || code != errBadFD {
		t.Fatalf("fdExists(len) = (%v, %d), want (nil, errBadFD)", f, code)
	}
}

func TestFdExistsRejectsEmptySlot(t *testing.T) {
	var p proc.Process
	if f, code := fdExists(&p, 3); f != nil || code != errBadFD {
		t.Fatalf("fdExists(empty) = (%v, %d), want (nil, errBadFD)", f, code)
	}
}

func TestFdExistsReturnsLiveDescriptor(t *testing.T) {
	var p proc.Process
	p.OpenFiles[5].Kind = proc.OpenFileInode
	p.OpenFiles[5].Inode = 42

	f, code := fdExists(&p, 5)
	if f == nil || code != 0 {
		t.Fatalf("fdExists(5) = (%v, %d), want live descriptor", f, code)
	}
	if f.Inode != 42 {
		t.Fatalf("Inode = %d, want 42", f.Inode)
	}
}

func TestFdFileEnforcesReadDirection(t *testing.T) {
	var p proc.Process
	p.OpenFiles[0] = proc.OpenFile{Kind: proc.OpenFileInode, Writable: true}

	if f, code := fdFile(&p, 0, true); f != nil || code != errNoPerm {
		t.Fatalf("fdFile(read-only check on write-only fd) = (%v, %d), want errNoPerm", f, code)
	}
	if f, code := fdFile(&p, 0, false); f == nil || code != 0 {
		t.Fatalf("fdFile(write check on write-only fd) = (%v, %d), want success", f, code)
	}
}

func TestFdFileEnforcesWriteDirection(t *testing.T) {
	var p proc.Process
	p.OpenFiles[0] = proc.OpenFile{Kind: proc.OpenFileInode, Readable: true}

	if f, code := fdFile(&p, 0, false); f != nil || code != errNoPerm {
		t.Fatalf("fdFile(write check on read-only fd) = (%v, %d), want errNoPerm", f, code)
	}
	if f, code := fdFile(&p, 0, true); f == nil || code != 0 {
		t.Fatalf("fdFile(read check on read-only fd) = (%v, %d), want success", f, code)
	}
}

func TestDispatchRejectsUnknownSyscallNumber(t *testing.T) {
	if got := Dispatch(999, 0, 0, 0); got != errGeneric {
		t.Fatalf("Dispatch(unknown) = %d, want errGeneric", got)
	}
}
