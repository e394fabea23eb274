package jit

// AArch64 register roles. As on x86-64, argument and return roles follow
// the Go internal ABI (which on arm64 coincides with the integer AAPCS
// slots: R0-R2 and the low vector registers). R28 carries the goroutine
// pointer and R18 is platform-reserved, so neither ever gets a role. X16
// carries helper entry addresses; X17 is the wide-offset scratch the
// encoder itself uses.
const (
	a64Free1 = regX9
	a64Free2 = regX10
	a64Free3 = regX11

	a64FFree1 = 0 // S0/D0
	a64FFree2 = 1 // S1/D1

	a64Arg1  = regX0
	a64Arg2  = regX1
	a64Arg3  = regX2
	a64FArg1 = 0
	a64FArg2 = 1
	a64Ret   = regX0
	a64FRet  = 0

	a64Restore = regX8

	a64VMFrame   = regX3
	a64VMStack   = regX4
	a64VMValue   = regX5
	a64VMObject  = regX6
	a64VMObjType = regX7

	a64CallScratch = regX16
)

// a64FrameSize is the native frame: saved FP/LR pair plus the spilled
// register-block pointer.
const a64FrameSize = 32

// a64RegsSlot is the frame offset of the register-block pointer.
const a64RegsSlot = int32(16)
