package jit

// x86-64 register roles. Lowering routines refer to these names only; this
// file is the single place where the target's ABI shows.
//
// Compiled routines are entered through Go function values and call leaf Go
// helpers, so the argument and return roles follow the Go internal ABI:
// integer arguments in AX, BX, CX, float arguments in X0, X1. R14 carries
// the goroutine pointer and X15 must stay zero, so neither is ever assigned
// a role. The value mirrors stay on the caller-saved side and are written
// back around every helper call.
const (
	x64StackPtr = regRSP
	x64BasePtr  = regRBP

	// Scratch registers free within a single opcode lowering.
	x64Free1 = regRAX
	x64Free2 = regRBX
	x64Free3 = regR15

	// Scratch vector registers.
	x64XmmFree1 = 0
	x64XmmFree2 = 1

	// Helper-call argument and return roles.
	x64Arg1  = regRAX
	x64Arg2  = regRBX
	x64Arg3  = regRCX
	x64FArg1 = 0
	x64FArg2 = 1
	x64Ret   = regRAX
	x64FRet  = 0

	// Hardware divide fixes its operands.
	x64DivLo  = regRAX
	x64DivRem = regRDX

	// Variable shift counts travel in CL.
	x64Shift = regRCX

	// Scratch holding the register-block pointer in the prologue/epilogue.
	x64Restore = regR13

	// Mirrors of the VM register block.
	x64VMFrame   = regR8
	x64VMStack   = regR9
	x64VMValue   = regR10
	x64VMObject  = regR11
	x64VMObjType = regR12

	// Indirect-call scratch for helper addresses.
	x64CallScratch = regR15
)

// x64RegsSlot is the frame offset where the prologue spills the incoming
// register-block pointer.
const x64RegsSlot = int32(-8)
