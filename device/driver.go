package device

import (
	"io"
	"kestrel/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output about
	// the init process is written to w.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn is a function that checks for the presence of a particular piece
// of hardware and, if found, returns a Driver for it. A nil return means the
// hardware is not present.
type ProbeFn func() Driver

// DetectOrder specifies the priority with which the HAL should run a
// driver's probe function. Lower values run first.
type DetectOrder uint8

const (
	// DetectOrderEarly is used by drivers that must be probed before
	// everything else (e.g. the console, so early boot output works).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI is used by drivers that must run before any
	// ACPI-dependent driver probe.
	DetectOrderBeforeACPI

	// DetectOrderACPI is reserved for drivers that depend on having
	// already parsed the ACPI tables.
	DetectOrderACPI

	// DetectOrderLast is used by drivers that have no ordering
	// constraints and should run after everything else.
	DetectOrderLast
)

// DriverInfo bundles a probe function together with the priority the HAL
// should give it.
type DriverInfo struct {
	// Order controls when this driver's Probe is invoked relative to
	// other registered drivers.
	Order DetectOrder

	// Probe checks for the hardware this driver supports.
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of drivers the HAL will probe during
// DetectHardware. Drivers register themselves from an init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the full set of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
