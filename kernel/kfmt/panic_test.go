package kfmt

import (
	"bytes"
	"errors"
	"image/color"
	"kestrel/device/tty"
	"kestrel/device/video/console"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/hal"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with *kernel.Error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := &kernel.Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := errors.New("go error")

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with string", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()
		err := "string error"

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		fb := mockTTY()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------"

		if got := readTTY(fb); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

func readTTY(fb []byte) string {
	var buf bytes.Buffer
	for i := 0; i < len(fb); i += 2 {
		ch := fb[i]
		if ch == 0 {
			if i+2 < len(fb) && fb[i+2] != 0 {
				buf.WriteByte('\n')
			}
			continue
		}

		buf.WriteByte(ch)
	}

	return buf.String()
}

func mockTTY() []byte {
	// Mock a tty to handle Printf output
	mockConsoleFb := make([]byte, 160*25)
	cons := &mockConsole{fb: mockConsoleFb, width: 80, height: 25}

	vt := tty.NewVT(tty.DefaultTabWidth, tty.DefaultScrollback)
	vt.AttachTo(cons)
	vt.SetState(tty.StateActive)

	hal.ActiveTerminal = vt
	SetOutputSink(vt)

	return mockConsoleFb
}

// mockConsole is a minimal console.Device backed by a flat byte buffer using
// the same 2-bytes-per-cell (char, attr) layout as VgaTextConsole.
type mockConsole struct {
	fb            []byte
	width, height uint32
}

func (c *mockConsole) Dimensions(_ console.Dimension) (uint32, uint32) { return c.width, c.height }
func (c *mockConsole) DefaultColors() (uint8, uint8)                   { return 7, 0 }
func (c *mockConsole) Fill(_, _, _, _ uint32, _, _ uint8)              {}
func (c *mockConsole) Scroll(_ console.ScrollDir, _ uint32)            {}
func (c *mockConsole) Palette() color.Palette                          { return nil }
func (c *mockConsole) SetPaletteColor(uint8, color.RGBA)               {}

func (c *mockConsole) Write(ch byte, _, _ uint8, x, y uint32) {
	c.fb[((y-1)*c.width+(x-1))*2] = ch
}
