package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/boot"
	"unsafe"
)

// errUserFault is returned by MemcpyUser when the requested user-space
// range touches a page that is not present, so the copy could not be
// completed safely from kernel context.
var errUserFault = &kernel.Error{Module: "vmm", Message: "user address range is not fully mapped"}

// translateFn is mocked by tests to avoid depending on a live page table.
var translateFn = Translate

// hhdmPtr views a physical address through the direct map.
func hhdmPtr(phys uintptr) unsafe.Pointer {
	return unsafe.Pointer(boot.ToHHDM(phys))
}

// MemcpyUserIn copies n bytes from a user-space virtual address into a
// kernel buffer, a byte at a time, failing safely instead of faulting the
// kernel if any page in the range is not present. Syscall argument-copying
// paths (e.g. write(2) reading a userspace buffer) use this instead of
// dereferencing the user pointer directly, since a user process can pass
// any address it likes.
func MemcpyUserIn(dst []byte, userAddr uintptr, n int) *kernel.Error {
	for i := 0; i < n; i++ {
		addr := userAddr + uintptr(i)
		phys, err := translateFn(addr)
		if err != nil {
			return errUserFault
		}
		dst[i] = *(*byte)(hhdmPtr(phys))
	}
	return nil
}

// MemcpyUserOut copies n bytes from a kernel buffer to a user-space virtual
// address, failing safely instead of faulting the kernel if any page in the
// range is not present.
func MemcpyUserOut(userAddr uintptr, src []byte, n int) *kernel.Error {
	for i := 0; i < n; i++ {
		addr := userAddr + uintptr(i)
		phys, err := translateFn(addr)
		if err != nil {
			return errUserFault
		}
		*(*byte)(hhdmPtr(phys)) = src[i]
	}
	return nil
}
