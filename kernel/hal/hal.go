package hal

import (
	"bytes"
	"kestrel/device"
	"kestrel/device/tty"
	"kestrel/device/video/console"
	"kestrel/kernel/kfmt"
	"sort"
)

var (
	// ActiveTerminal is the TTY device early boot code and kfmt write to.
	// It starts out pointing at a no-op sink so that calls to Printf
	// before hardware detection runs do not crash; DetectHardware
	// replaces it with a real TTY once a console has been found.
	ActiveTerminal tty.Device = discardTTY{}

	activeConsole console.Device
	activeDrivers []device.Driver
	strBuf        bytes.Buffer
)

// discardTTY implements tty.Device by dropping everything written to it.
type discardTTY struct{}

func (discardTTY) Write(p []byte) (int, error)     { return len(p), nil }
func (discardTTY) WriteByte(byte) error            { return nil }
func (discardTTY) AttachTo(console.Device)         {}
func (discardTTY) State() tty.State                { return tty.StateInactive }
func (discardTTY) SetState(tty.State)              {}
func (discardTTY) CursorPosition() (uint32, uint32) { return 1, 1 }
func (discardTTY) SetCursorPosition(uint32, uint32) {}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers, in ascending device.DetectOrder.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)
	probe(drivers)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		activeDrivers = append(activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is detected
// and successfully initialized.
func onDriverInit(drv device.Driver) {
	switch drvImpl := drv.(type) {
	case console.Device:
		onConsoleInit(drvImpl)
	case tty.Device:
		if _, ok := ActiveTerminal.(discardTTY); !ok {
			return
		}
		ActiveTerminal = drvImpl
		if activeConsole != nil {
			linkTTYToConsole()
		}
	}
}

// onConsoleInit is invoked whenever a console is initialized. If this is the
// first found console it automatically becomes the active console, and any
// already-active TTY is linked to it.
func onConsoleInit(cons console.Device) {
	if activeConsole != nil {
		return
	}

	activeConsole = cons
	if _, ok := ActiveTerminal.(discardTTY); !ok {
		linkTTYToConsole()
	}
}

// linkTTYToConsole connects the active TTY device to the active console
// device and makes it the sink kfmt writes to.
func linkTTYToConsole() {
	ActiveTerminal.AttachTo(activeConsole)
	kfmt.SetOutputSink(ActiveTerminal)
	ActiveTerminal.SetState(tty.StateActive)
}
