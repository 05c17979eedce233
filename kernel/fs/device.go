package fs

import (
	"kestrel/kernel"
	"kestrel/kernel/kconfig"
	"kestrel/kernel/sync"
)

// DeviceFile is a named character device a process can open instead of a
// path on the backing file system, the O_DEVICE side of open(2). It mirrors
// the read/write function-pointer pair the original device table kept per
// entry, just as Go func values instead of bare function pointers.
type DeviceFile struct {
	Name     string
	Read     func(buf []byte) (int, *kernel.Error)
	Write    func(buf []byte) (int, *kernel.Error)
	Readable bool
	Writable bool
}

var (
	deviceLock sync.Spinlock
	devices    [kconfig.MaxDevices]DeviceFile

	errNoDeviceSlot = &kernel.Error{Module: "fs", Message: "device table is full"}
	errNoSuchDevice = &kernel.Error{Module: "fs", Message: "no such device"}
)

// RegisterDevice installs a character device under name, for kernel/kmain
// to call once per driver (console, null, zero...) during boot, before any
// process can reach an open(2) that might name it.
func RegisterDevice(d DeviceFile) *kernel.Error {
	deviceLock.Acquire()
	defer deviceLock.Release()

	for i := range devices {
		if devices[i].Name == "" {
			d.Readable = d.Read != nil
			d.Writable = d.Write != nil
			devices[i] = d
			return nil
		}
	}
	return errNoDeviceSlot
}

// LookupDevice resolves name to its device index, for sys_open's O_DEVICE
// path to store in a process's OpenFile.Device field.
func LookupDevice(name string) (int, *kernel.Error) {
	deviceLock.Acquire()
	defer deviceLock.Release()

	for i := range devices {
		if devices[i].Name == name {
			return i, nil
		}
	}
	return 0, errNoSuchDevice
}

// DeviceByIndex returns the device installed at index, the form
// kernel/syscall's read/write handlers use once a descriptor's
// OpenFile.Device field has already been resolved once at open time.
func DeviceByIndex(index int) (*DeviceFile, *kernel.Error) {
	deviceLock.Acquire()
	defer deviceLock.Release()

	if index < 0 || index >= len(devices) || devices[index].Name == "" {
		return nil, errNoSuchDevice
	}
	return &devices[index], nil
}
