package trap

import (
	"reflect"
	"unsafe"
)

// funcAddr resolves the entry address of a hand-written assembly function
// declared with no body, the same trick syscallEntryAddr uses for
// SyscallEntry.
func funcAddr(fn func()) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// contextWords is the number of 8-byte slots cpu.ContextSwitch pops off a
// target's stack to resume it: the six callee-saved GP registers
// (BP, BX, R12, R13, R14, R15 - six words) plus the return address CALL
// pushed before ContextSwitch ever ran. Six registers, one return address,
// seven words total.
const contextWords = 7

// JumpToRing3 is the first thing a freshly exec'd process runs. It is
// reached not by a call but by ContextSwitch's own RET, because
// BuildInitialContext plants its address as the saved return address on a
// brand-new resume stack. It expects the four general-purpose values a
// process needs to start (entry point, user stack pointer, argc, argv) to
// already be sitting in R12-R15 - exactly the registers ContextSwitch just
// popped off the stack on its way here - loads the user data/code
// selectors, and IRETQs into ring 3.
func JumpToRing3()

// BuildInitialContext writes a ContextSwitch-compatible saved register
// window at the top of a process's freshly allocated interrupt stack and
// returns the resulting resume stack pointer: the value kernel/exec stores
// into Process.ResumeSP so the scheduler's first ContextSwitch into this
// process lands in JumpToRing3 instead of anywhere a real process would
// ever naturally have called ContextSwitch from.
//
// stackTop must be 16-byte aligned and point one past the end of the
// interrupt stack (the usual convention for a stack that grows down).
func BuildInitialContext(stackTop, entry, userRSP uintptr, argc int, argv uintptr) uintptr {
	sp := stackTop - contextWords*8
	words := (*[contextWords]uintptr)(unsafe.Pointer(sp))

	words[0] = argv                            // popped into R15
	words[1] = uintptr(argc)                   // popped into R14
	words[2] = userRSP                         // popped into R13
	words[3] = entry                           // popped into R12
	words[4] = 0                               // popped into BX
	words[5] = 0                               // popped into BP
	words[6] = funcAddr(JumpToRing3)           // consumed by RET

	return sp
}
