package jit

import (
	"math"

	"github.com/pkg/errors"

	"github.com/vexlang/vex/vm"
)

// X64Compiler translates bytecode into x86-64 machine code. One lowering
// per opcode; mirrors of the VM register block live in R8-R12 and are
// flushed at every yield and around every helper call.
type X64Compiler struct {
	compilerBase
}

// NewX64 builds the x86-64 translator.
func NewX64(opts Options) *X64Compiler {
	return &X64Compiler{compilerBase: newCompilerBase(opts)}
}

type x64Info struct {
	asm        *x64Asm
	code       []uint32
	addr       uint32
	op         vm.Op
	labels     []labelInfo
	headerSize int
}

func (in *x64Info) off(i int) int32   { return vm.ArgOffset(in.code, in.addr, i) }
func (in *x64Info) short(i int) int16 { return vm.ShortArg(in.code, in.addr, i) }
func (in *x64Info) word(i int) uint16 { return vm.WordArg(in.code, in.addr, i) }
func (in *x64Info) i32() int32        { return vm.Int32Arg(in.code, in.addr) }
func (in *x64Info) dw() uint32        { return vm.DwordArg(in.code, in.addr) }
func (in *x64Info) qw() uint64        { return vm.QwordArg(in.code, in.addr) }
func (in *x64Info) ptr() uintptr      { return vm.PtrArg(in.code, in.addr) }
func (in *x64Info) fl() float32       { return vm.FloatArg(in.code, in.addr) }

// CompileFunction translates fn and returns the native entry. It refuses
// (ErrRefused) functions carrying a skip marker or no bytecode.
func (c *X64Compiler) CompileFunction(fn *vm.Function) (vm.JITFunc, error) {
	code, err := c.Translate(fn)
	if err != nil {
		return nil, err
	}
	return c.install(code)
}

// Translate produces the raw machine code for fn without mapping it
// executable. JitEntry operands in fn.Code are patched as a side effect.
func (c *X64Compiler) Translate(fn *vm.Function) ([]byte, error) {
	if nameSkipsCompilation(fn.Name) || len(fn.Code) == 0 {
		return nil, ErrRefused
	}
	c.log.WithField("function", fn.Name).Debug("compiling")

	asm := newX64Asm(c.asmError)
	in := &x64Info{asm: asm, code: fn.Code}

	c.emitPrologue(in)
	in.labels = scanLabels(fn.Code, asm.newLabel)

	index := uint(0)
	for in.addr < uint32(len(fn.Code)) {
		index++
		in.op = vm.Decode(fn.Code, in.addr)
		if c.skipsIndex(fn.Name, index) {
			c.emitYield(in)
		} else {
			bindLabelAt(in.labels, in.addr, asm.bind)
			if err := c.emitInstr(in); err != nil {
				return nil, errors.Wrapf(err, "%s at word %d", in.op, in.addr)
			}
		}
		in.addr += vm.InstrSize(in.op)
	}

	code, err := asm.finalize()
	if err != nil {
		return nil, err
	}
	c.log.WithField("function", fn.Name).WithField("bytes", len(code)).Debug("compiled")
	return code, nil
}

// emitPrologue establishes the native frame, spills the register-block
// pointer, loads the mirrors and performs the computed jump to the entry
// offset supplied by the VM.
func (c *X64Compiler) emitPrologue(in *x64Info) {
	a := in.asm
	a.pushR(x64BasePtr)
	a.movRR64(x64BasePtr, x64StackPtr)
	a.subRI64(x64StackPtr, 16)
	a.movMR64(x64BasePtr, x64RegsSlot, x64Arg1)
	c.emitRestore(in)

	a.movRR32(x64Arg2, x64Arg2) // entry offset arrives 32-bit
	a.leaRip(x64Free1)
	in.headerSize = a.offset()
	a.aluRR64(0x01, x64Free1, x64Arg2)
	a.jmpR(x64Free1)
}

// emitRestore reloads the mirror registers from the VM register block.
func (c *X64Compiler) emitRestore(in *x64Info) {
	a := in.asm
	a.movRM64(x64Restore, x64BasePtr, x64RegsSlot)
	a.movRM64(x64VMFrame, x64Restore, vm.RegsOffFrame)
	a.movRM64(x64VMStack, x64Restore, vm.RegsOffStack)
	a.movRM64(x64VMValue, x64Restore, vm.RegsOffValue)
	a.movRM64(x64VMObject, x64Restore, vm.RegsOffObject)
	a.movRM64(x64VMObjType, x64Restore, vm.RegsOffObjectType)
}

// emitSave writes the mirrors back. withPC also records the current
// bytecode index so the interpreter resumes at the yielding instruction.
func (c *X64Compiler) emitSave(in *x64Info, withPC bool) {
	a := in.asm
	a.movRM64(x64Restore, x64BasePtr, x64RegsSlot)
	if withPC {
		a.movMI32(x64Restore, vm.RegsOffPC, in.addr)
	}
	a.movMR64(x64Restore, vm.RegsOffFrame, x64VMFrame)
	a.movMR64(x64Restore, vm.RegsOffStack, x64VMStack)
	a.movMR64(x64Restore, vm.RegsOffValue, x64VMValue)
	a.movMR64(x64Restore, vm.RegsOffObject, x64VMObject)
	a.movMR64(x64Restore, vm.RegsOffObjectType, x64VMObjType)
}

// emitYield flushes the mirrors and returns control to the VM.
func (c *X64Compiler) emitYield(in *x64Info) {
	a := in.asm
	c.emitSave(in, true)
	a.nop()
	a.leave()
	a.ret()
}

// emitNullFault records a null-pointer exception and yields. Mirrors are
// flushed before the helper runs, so the VM observes consistent state.
func (c *X64Compiler) emitNullFault(in *x64Info) {
	a := in.asm
	c.emitSave(in, true)
	a.movRM64(x64Arg1, x64BasePtr, x64RegsSlot)
	c.emitCall(in, helpers.raiseNull)
	a.leave()
	a.ret()
}

// emitCall performs an indirect call to a helper entry address.
func (c *X64Compiler) emitCall(in *x64Info, target uintptr) {
	in.asm.movRI64(x64CallScratch, uint64(target))
	in.asm.callR(x64CallScratch)
}

// emitNullCheck branches to a fault exit when reg is zero.
func (c *X64Compiler) emitNullCheck(in *x64Info, reg int) {
	a := in.asm
	ok := a.newLabel()
	a.cmpRI64(reg, 0)
	a.jccLabel(ccNE, ok)
	c.emitNullFault(in)
	a.bind(ok)
}

// emitCmp3 writes the three-way comparison outcome (-1, 0, +1) into the
// value mirror. cmp must have set the flags; lessCC picks signed or
// unsigned ordering for the negative branch.
func (c *X64Compiler) emitCmp3(in *x64Info, lessCC byte) {
	a := in.asm
	greater := a.newLabel()
	less := a.newLabel()
	end := a.newLabel()
	a.jccLabel(ccNE, greater)
	a.movRI32(x64VMValue, 0)
	a.jmpLabel(end)
	a.bind(greater)
	a.jccLabel(lessCC, less)
	a.movRI32(x64VMValue, 1)
	a.jmpLabel(end)
	a.bind(less)
	a.movRI32(x64VMValue, 0xffffffff)
	a.bind(end)
}

// emitTest writes 1 into the value mirror when cc holds against
// `cmp value, 0`, else 0.
func (c *X64Compiler) emitTest(in *x64Info, cc byte) {
	a := in.asm
	hit := a.newLabel()
	end := a.newLabel()
	a.cmpRI32(x64VMValue, 0)
	a.jccLabel(cc, hit)
	a.movRI32(x64VMValue, 0)
	a.jmpLabel(end)
	a.bind(hit)
	a.movRI32(x64VMValue, 1)
	a.bind(end)
}

// emitBranch lowers a conditional branch on the 32-bit value mirror.
func (c *X64Compiler) emitBranch(in *x64Info, cc byte) error {
	l, err := findLabelForJump(in.labels, in.code, in.addr)
	if err != nil {
		return err
	}
	in.asm.cmpRI32(x64VMValue, 0)
	in.asm.jccLabel(cc, l)
	return nil
}

func (c *X64Compiler) emitInstr(in *x64Info) error {
	a := in.asm

	switch in.op {

	// --- escapes ---

	case vm.OpCall, vm.OpCallSys, vm.OpCallBnd, vm.OpCallIntf, vm.OpCallPtr,
		vm.OpThiscall1, vm.OpAlloc, vm.OpFree, vm.OpRefCpy, vm.OpRefCpyV,
		vm.OpCast, vm.OpAllocMem, vm.OpJmpP, vm.OpRet:
		c.emitYield(in)
	case vm.OpSuspend:
		if c.opts.WithSuspend {
			c.emitYield(in)
		}
	case vm.OpStr:
		return errors.New("deprecated bytecode STR")

	case vm.OpJitEntry:
		in.code[in.addr+1] = uint32(a.offset() - in.headerSize)

	// --- stack manipulation ---

	case vm.OpPopPtr:
		a.addRI64(x64VMStack, 8)
	case vm.OpPshC4, vm.OpTypeID:
		a.subRI64(x64VMStack, 4)
		a.movMI32(x64VMStack, 0, in.dw())
	case vm.OpPshV4:
		a.subRI64(x64VMStack, 4)
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.movMR32(x64VMStack, 0, x64Free1)
	case vm.OpPshV8, vm.OpPshVPtr:
		a.subRI64(x64VMStack, 8)
		a.movRM64(x64Free2, x64VMFrame, in.off(0))
		a.movMR64(x64VMStack, 0, x64Free2)
	case vm.OpPshC8:
		a.subRI64(x64VMStack, 8)
		a.movRI64(x64Free1, in.qw())
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpPshGPtr:
		a.subRI64(x64VMStack, 8)
		a.movRI64(x64Free1, uint64(in.ptr()))
		a.movRM64(x64Free1, x64Free1, 0)
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpPshG4:
		a.subRI64(x64VMStack, 4)
		a.movRI64(x64Free1, uint64(in.ptr()))
		a.movRM32(x64Free1, x64Free1, 0)
		a.movMR32(x64VMStack, 0, x64Free1)
	case vm.OpPshNull:
		a.subRI64(x64VMStack, 8)
		a.movMI64(x64VMStack, 0, 0)
	case vm.OpPGA, vm.OpObjType, vm.OpFuncPtr:
		a.subRI64(x64VMStack, 8)
		a.movRI64(x64Free1, uint64(in.ptr()))
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpVar:
		a.subRI64(x64VMStack, 8)
		a.movRI64(x64Free1, uint64(int64(in.short(0))))
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpPSF:
		a.subRI64(x64VMStack, 8)
		a.movRR64(x64Free1, x64VMFrame)
		a.addRI64(x64Free1, in.off(0))
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpSwapPtr:
		a.movRM64(x64Free1, x64VMStack, 0)
		a.movRM64(x64Free2, x64VMStack, 8)
		a.movMR64(x64VMStack, 0, x64Free2)
		a.movMR64(x64VMStack, 8, x64Free1)
	case vm.OpPopRPtr:
		a.movRM64(x64VMValue, x64VMStack, 0)
		a.addRI64(x64VMStack, 8)
	case vm.OpPshRPtr:
		a.subRI64(x64VMStack, 8)
		a.movMR64(x64VMStack, 0, x64VMValue)
	case vm.OpRDSPtr:
		a.movRM64(x64Free1, x64VMStack, 0)
		c.emitNullCheck(in, x64Free1)
		a.movRM64(x64Free1, x64Free1, 0)
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpCopy:
		a.movRM64(x64Arg1, x64VMStack, 0)
		a.addRI64(x64VMStack, 8)
		a.movRM64(x64Arg2, x64VMStack, 0)
		a.addRI64(x64VMStack, 8)
		fault := a.newLabel()
		ok := a.newLabel()
		a.cmpRI64(x64Arg1, 0)
		a.jccLabel(ccE, fault)
		a.cmpRI64(x64Arg2, 0)
		a.jccLabel(ccE, fault)
		a.jmpLabel(ok)
		a.bind(fault)
		c.emitNullFault(in)
		a.bind(ok)
		a.movRI32(x64Arg3, uint32(in.i32())*4)
		c.emitSave(in, false)
		c.emitCall(in, helpers.copyMem)
		c.emitRestore(in)

	// --- value-register tests ---

	case vm.OpNot:
		c.emitTest(in, ccE)
	case vm.OpTZ:
		c.emitTest(in, ccE)
	case vm.OpTNZ:
		c.emitTest(in, ccNE)
	case vm.OpTS:
		c.emitTest(in, ccL)
	case vm.OpTNS:
		c.emitTest(in, ccGE)
	case vm.OpTP:
		c.emitTest(in, ccG)
	case vm.OpTNP:
		c.emitTest(in, ccLE)
	case vm.OpClrHi:
		a.movzxRR8(x64VMValue, x64VMValue)

	// --- branches ---

	case vm.OpJmp:
		l, err := findLabelForJump(in.labels, in.code, in.addr)
		if err != nil {
			return err
		}
		a.jmpLabel(l)
	case vm.OpJZ:
		return c.emitBranch(in, ccE)
	case vm.OpJNZ:
		return c.emitBranch(in, ccNE)
	case vm.OpJS:
		return c.emitBranch(in, ccL)
	case vm.OpJNS:
		return c.emitBranch(in, ccGE)
	case vm.OpJP:
		return c.emitBranch(in, ccG)
	case vm.OpJNP:
		return c.emitBranch(in, ccLE)
	case vm.OpJLowZ, vm.OpJLowNZ:
		l, err := findLabelForJump(in.labels, in.code, in.addr)
		if err != nil {
			return err
		}
		a.cmpRI8(x64VMValue, 0)
		if in.op == vm.OpJLowZ {
			a.jccLabel(ccE, l)
		} else {
			a.jccLabel(ccNE, l)
		}

	// --- comparisons ---

	case vm.OpCmpI:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.aluRM32(0x3b, x64Free1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccL)
	case vm.OpCmpU:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.aluRM32(0x3b, x64Free1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccB)
	case vm.OpCmpI64:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		a.aluRM64(0x3b, x64Free1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccL)
	case vm.OpCmpU64, vm.OpCmpPtr:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		a.aluRM64(0x3b, x64Free1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccB)
	case vm.OpCmpF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(0))
		a.comissM(x64XmmFree1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccB)
	case vm.OpCmpD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(0))
		a.comisdM(x64XmmFree1, x64VMFrame, in.off(1))
		c.emitCmp3(in, ccB)
	case vm.OpCmpIC:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.cmpRI32(x64Free1, in.i32())
		c.emitCmp3(in, ccL)
	case vm.OpCmpUC:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.cmpRI32(x64Free1, in.i32())
		c.emitCmp3(in, ccB)
	case vm.OpCmpFC:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(0))
		a.comissConst(x64XmmFree1, math.Float32bits(in.fl()))
		c.emitCmp3(in, ccB)

	// --- register-mirror moves ---

	case vm.OpSetV1, vm.OpSetV2, vm.OpSetV4:
		a.movMI32(x64VMFrame, in.off(0), in.dw())
	case vm.OpSetV8:
		a.movRI64(x64Free2, in.qw())
		a.movMR64(x64VMFrame, in.off(0), x64Free2)
	case vm.OpClrVPtr:
		a.movMI64(x64VMFrame, in.off(0), 0)
	case vm.OpCpyVtoV4:
		a.movRM32(x64Free2, x64VMFrame, in.off(1))
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpCpyVtoV8:
		a.movRM64(x64Free2, x64VMFrame, in.off(1))
		a.movMR64(x64VMFrame, in.off(0), x64Free2)
	case vm.OpCpyVtoR4:
		a.movRM32(x64VMValue, x64VMFrame, in.off(0))
	case vm.OpCpyVtoR8:
		a.movRM64(x64VMValue, x64VMFrame, in.off(0))
	case vm.OpCpyRtoV4:
		a.movMR32(x64VMFrame, in.off(0), x64VMValue)
	case vm.OpCpyRtoV8:
		a.movMR64(x64VMFrame, in.off(0), x64VMValue)
	case vm.OpCpyVtoG4:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.movRI64(x64Free2, uint64(in.ptr()))
		a.movMR32(x64Free2, 0, x64Free1)
	case vm.OpCpyGtoV4:
		a.movRI64(x64Free1, uint64(in.ptr()))
		a.movRM32(x64Free1, x64Free1, 0)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpSetG4:
		a.movRI64(x64Free1, uint64(in.ptr()))
		a.movMI32(x64Free1, 0, in.code[in.addr+3])
	case vm.OpLdG:
		a.movRI64(x64VMValue, uint64(in.ptr()))
	case vm.OpLdV:
		a.movRR64(x64Free1, x64VMFrame)
		a.addRI64(x64Free1, in.off(0))
		a.movRR64(x64VMValue, x64Free1)
	case vm.OpLdGRdR4:
		a.movRI64(x64VMValue, uint64(in.ptr()))
		a.movRM32(x64Free1, x64VMValue, 0)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpWrtV1:
		a.movzxRM8(x64Free1, x64VMFrame, in.off(0))
		a.movMR8(x64VMValue, 0, x64Free1)
	case vm.OpWrtV2:
		a.movzxRM16(x64Free1, x64VMFrame, in.off(0))
		a.movMR16(x64VMValue, 0, x64Free1)
	case vm.OpWrtV4:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		a.movMR32(x64VMValue, 0, x64Free1)
	case vm.OpWrtV8:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		a.movMR64(x64VMValue, 0, x64Free1)
	case vm.OpRdR1:
		a.movzxRM8(x64Free1, x64VMValue, 0)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpRdR2:
		a.movzxRM16(x64Free1, x64VMValue, 0)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpRdR4:
		a.movRM32(x64Free1, x64VMValue, 0)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpRdR8:
		a.movRM64(x64Free1, x64VMValue, 0)
		a.movMR64(x64VMFrame, in.off(0), x64Free1)

	// --- object-register affordances ---

	case vm.OpLoadObj:
		a.movRI32(x64VMObjType, 0)
		a.movRM64(x64VMObject, x64VMFrame, in.off(0))
		a.movMI64(x64VMFrame, in.off(0), 0)
	case vm.OpStoreObj:
		a.movMR64(x64VMFrame, in.off(0), x64VMObject)
		a.movRI32(x64VMObject, 0)
	case vm.OpGetObj:
		a.movRR64(x64Free1, x64VMStack)
		a.addRI64(x64Free1, int32(in.short(0))*4)
		a.movRM64(x64Free2, x64Free1, 0)
		a.imulRI64(x64Free2, -4)
		a.movRMIdx64(x64Free3, x64VMStack, x64Free2)
		a.movMR64(x64Free1, 0, x64Free3)
		a.movMIdxI64(x64VMStack, x64Free2, 0)
	case vm.OpGetObjRef:
		a.movRR64(x64Free1, x64VMStack)
		a.addRI64(x64Free1, int32(in.short(0))*4)
		a.movRM64(x64Free3, x64Free1, 0)
		a.imulRI64(x64Free3, 4)
		a.movRR64(x64Free2, x64VMFrame)
		a.aluRR64(0x29, x64Free2, x64Free3)
		a.movRM64(x64Free2, x64Free2, 0)
		a.movMR64(x64Free1, 0, x64Free2)
	case vm.OpGetRef:
		a.movRR64(x64Free1, x64VMStack)
		a.addRI64(x64Free1, int32(in.word(0))*4)
		a.movsxdRM(x64Free2, x64Free1, 0)
		a.imulRI64(x64Free2, 4)
		a.movRR64(x64Free3, x64VMFrame)
		a.aluRR64(0x29, x64Free3, x64Free2)
		a.movMR64(x64Free1, 0, x64Free3)

	// --- reference checks ---

	case vm.OpChkRef:
		a.movRM64(x64Free1, x64VMStack, 0)
		c.emitNullCheck(in, x64Free1)
	case vm.OpChkRefS:
		a.movRM64(x64Free1, x64VMStack, 0)
		a.movRM64(x64Free1, x64Free1, 0)
		c.emitNullCheck(in, x64Free1)
	case vm.OpChkNullV:
		a.movRM32(x64Free1, x64VMFrame, in.off(0))
		c.emitNullCheck(in, x64Free1)
	case vm.OpChkNullS:
		ok := a.newLabel()
		a.cmpMI64(x64VMStack, in.off(0), 0)
		a.jccLabel(ccNE, ok)
		c.emitNullFault(in)
		a.bind(ok)
	case vm.OpAddSi:
		a.movRM64(x64Free2, x64VMStack, 0)
		c.emitNullCheck(in, x64Free2)
		a.addRI64(x64Free2, int32(in.short(0)))
		a.movMR64(x64VMStack, 0, x64Free2)
	case vm.OpLoadThisR:
		a.movRM64(x64VMValue, x64VMFrame, 0)
		c.emitNullCheck(in, x64VMValue)
		a.addRI64(x64VMValue, int32(in.short(0)))
	case vm.OpLoadRObjR:
		a.movRR64(x64Free1, x64VMFrame)
		a.addRI64(x64Free1, in.off(0))
		a.movRM64(x64Free2, x64Free1, 0)
		c.emitNullCheck(in, x64Free2)
		a.addRI64(x64Free2, int32(in.short(1)))
		a.movRR64(x64VMValue, x64Free2)
	case vm.OpLoadVObjR:
		a.movRR64(x64VMValue, x64VMFrame)
		a.addRI64(x64VMValue, in.off(0)+int32(in.short(1)))
	case vm.OpSetListSize:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		c.emitNullCheck(in, x64Free1)
		a.movMI32(x64Free1, int32(in.code[in.addr+1]), in.code[in.addr+2])
	case vm.OpPshListElmnt:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		c.emitNullCheck(in, x64Free1)
		a.addRI64(x64Free1, int32(in.dw()))
		a.subRI64(x64VMStack, 8)
		a.movMR64(x64VMStack, 0, x64Free1)
	case vm.OpSetListType:
		a.movRM64(x64Free1, x64VMFrame, in.off(0))
		c.emitNullCheck(in, x64Free1)
		a.movMI32(x64Free1, int32(in.code[in.addr+1]), in.code[in.addr+2])

	// --- increment / decrement ---

	case vm.OpIncI8:
		a.incDecM(1, 0, x64VMValue, 0)
	case vm.OpDecI8:
		a.incDecM(1, 1, x64VMValue, 0)
	case vm.OpIncI16:
		a.incDecM(2, 0, x64VMValue, 0)
	case vm.OpDecI16:
		a.incDecM(2, 1, x64VMValue, 0)
	case vm.OpIncI:
		a.incDecM(4, 0, x64VMValue, 0)
	case vm.OpDecI:
		a.incDecM(4, 1, x64VMValue, 0)
	case vm.OpIncI64:
		a.incDecM(8, 0, x64VMValue, 0)
	case vm.OpDecI64:
		a.incDecM(8, 1, x64VMValue, 0)
	case vm.OpIncVi:
		a.incDecM(4, 0, x64VMFrame, in.off(0))
	case vm.OpDecVi:
		a.incDecM(4, 1, x64VMFrame, in.off(0))
	case vm.OpIncF:
		a.movssLoad(x64XmmFree1, x64VMValue, 0)
		a.addssConst(x64XmmFree1, math.Float32bits(1))
		a.movssStore(x64VMValue, 0, x64XmmFree1)
	case vm.OpDecF:
		a.movssLoad(x64XmmFree1, x64VMValue, 0)
		a.subssConst(x64XmmFree1, math.Float32bits(1))
		a.movssStore(x64VMValue, 0, x64XmmFree1)
	case vm.OpIncD:
		a.movsdLoad(x64XmmFree1, x64VMValue, 0)
		a.addsdConst(x64XmmFree1, math.Float64bits(1))
		a.movsdStore(x64VMValue, 0, x64XmmFree1)
	case vm.OpDecD:
		a.movsdLoad(x64XmmFree1, x64VMValue, 0)
		a.subsdConst(x64XmmFree1, math.Float64bits(1))
		a.movsdStore(x64VMValue, 0, x64XmmFree1)

	// --- unary arithmetic on frame slots ---

	case vm.OpNegI:
		a.grp3M32(grpNeg, x64VMFrame, in.off(0))
	case vm.OpNegI64:
		a.grp3M64(grpNeg, x64VMFrame, in.off(0))
	case vm.OpNegF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(0))
		a.xorpsConst(x64XmmFree1, 0x80000000)
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpNegD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(0))
		a.xorpdConst(x64XmmFree1, 1<<63)
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpBNot:
		a.grp3M32(grpNot, x64VMFrame, in.off(0))
	case vm.OpBNot64:
		a.grp3M64(grpNot, x64VMFrame, in.off(0))

	// --- binary integer arithmetic ---

	case vm.OpAddI:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRM32(0x03, x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpSubI:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRM32(0x2b, x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpMulI:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.imulRM32(x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBAnd:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRM32(0x23, x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBOr:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRM32(0x0b, x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBXor:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRM32(0x33, x64Free1, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpDivI:
		a.movRM32(x64DivLo, x64VMFrame, in.off(1))
		a.cdq()
		a.grp3M32(grpIdiv, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64DivLo)
	case vm.OpModI:
		a.movRM32(x64DivLo, x64VMFrame, in.off(1))
		a.cdq()
		a.grp3M32(grpIdiv, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64DivRem)
	case vm.OpDivU:
		a.movRM32(x64DivLo, x64VMFrame, in.off(1))
		a.xorRR32(x64DivRem)
		a.grp3M32(grpDiv, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64DivLo)
	case vm.OpModU:
		a.movRM32(x64DivLo, x64VMFrame, in.off(1))
		a.xorRR32(x64DivRem)
		a.grp3M32(grpDiv, x64VMFrame, in.off(2))
		a.movMR32(x64VMFrame, in.off(0), x64DivRem)
	case vm.OpBSLL:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.movRM32(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl32(shShl, x64Free1)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBSRL:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.movRM32(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl32(shShr, x64Free1)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBSRA:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.movRM32(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl32(shSar, x64Free1)
		a.movMR32(x64VMFrame, in.off(0), x64Free1)

	case vm.OpAddI64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.aluRM64(0x03, x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpSubI64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.aluRM64(0x2b, x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpMulI64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.imulRM64(x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBAnd64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.aluRM64(0x23, x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBOr64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.aluRM64(0x0b, x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBXor64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.aluRM64(0x33, x64Free1, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpDivI64:
		a.movRM64(x64DivLo, x64VMFrame, in.off(1))
		a.cqo()
		a.grp3M64(grpIdiv, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64DivLo)
	case vm.OpModI64:
		a.movRM64(x64DivLo, x64VMFrame, in.off(1))
		a.cqo()
		a.grp3M64(grpIdiv, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64DivRem)
	case vm.OpDivU64:
		a.movRM64(x64DivLo, x64VMFrame, in.off(1))
		a.xorRR32(x64DivRem)
		a.grp3M64(grpDiv, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64DivLo)
	case vm.OpModU64:
		a.movRM64(x64DivLo, x64VMFrame, in.off(1))
		a.xorRR32(x64DivRem)
		a.grp3M64(grpDiv, x64VMFrame, in.off(2))
		a.movMR64(x64VMFrame, in.off(0), x64DivRem)
	case vm.OpBSLL64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.movRM64(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl64(shShl, x64Free1)
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBSRL64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.movRM64(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl64(shShr, x64Free1)
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpBSRA64:
		a.movRM64(x64Free1, x64VMFrame, in.off(1))
		a.movRM64(x64Shift, x64VMFrame, in.off(2))
		a.shiftCl64(shSar, x64Free1)
		a.movMR64(x64VMFrame, in.off(0), x64Free1)

	// --- immediate integer arithmetic ---

	case vm.OpAddIC:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRI32(aluAdd, x64Free1, int32(in.code[in.addr+2]))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpSubIC:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.aluRI32(aluSub, x64Free1, int32(in.code[in.addr+2]))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpMulIC:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.imulRI32(x64Free1, int32(in.code[in.addr+2]))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)

	// --- float arithmetic ---

	case vm.OpAddF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.ssOpM(0x58, x64XmmFree1, x64VMFrame, in.off(2))
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpSubF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.ssOpM(0x5c, x64XmmFree1, x64VMFrame, in.off(2))
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpMulF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.ssOpM(0x59, x64XmmFree1, x64VMFrame, in.off(2))
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpDivF:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.ssOpM(0x5e, x64XmmFree1, x64VMFrame, in.off(2))
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpModF:
		c.emitSave(in, false)
		a.movssLoad(x64FArg1, x64VMFrame, in.off(1))
		a.movssLoad(x64FArg2, x64VMFrame, in.off(2))
		c.emitCall(in, helpers.modFloat)
		c.emitRestore(in)
		a.movssStore(x64VMFrame, in.off(0), x64FRet)
	case vm.OpAddD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.sdOpM(0x58, x64XmmFree1, x64VMFrame, in.off(2))
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpSubD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.sdOpM(0x5c, x64XmmFree1, x64VMFrame, in.off(2))
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpMulD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.sdOpM(0x59, x64XmmFree1, x64VMFrame, in.off(2))
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpDivD:
		a.movsdLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.sdOpM(0x5e, x64XmmFree1, x64VMFrame, in.off(2))
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpModD:
		c.emitSave(in, false)
		a.movsdLoad(x64FArg1, x64VMFrame, in.off(1))
		a.movsdLoad(x64FArg2, x64VMFrame, in.off(2))
		c.emitCall(in, helpers.modDouble)
		c.emitRestore(in)
		a.movsdStore(x64VMFrame, in.off(0), x64FRet)
	case vm.OpAddFC:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.addssConst(x64XmmFree1, in.code[in.addr+2])
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpSubFC:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.subssConst(x64XmmFree1, in.code[in.addr+2])
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpMulFC:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.mulssConst(x64XmmFree1, in.code[in.addr+2])
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)

	// --- powers ---

	case vm.OpPowI:
		c.emitPowCall(in, helpers.ipow, powII32)
	case vm.OpPowU:
		c.emitPowCall(in, helpers.upow, powII32)
	case vm.OpPowI64:
		c.emitPowCall(in, helpers.i64pow, powII64)
	case vm.OpPowU64:
		c.emitPowCall(in, helpers.u64pow, powII64)
	case vm.OpPowF:
		c.emitPowCall(in, helpers.fpow, powFF32)
	case vm.OpPowD:
		c.emitPowCall(in, helpers.dpow, powFF64)
	case vm.OpPowDI:
		c.emitSave(in, false)
		a.movsdLoad(x64FArg1, x64VMFrame, in.off(1))
		a.movRM32(x64Arg1, x64VMFrame, in.off(2))
		c.emitCall(in, helpers.dipow)
		c.emitRestore(in)
		a.movsdStore(x64VMFrame, in.off(0), x64FRet)

	// --- conversions ---

	case vm.OpIToF:
		a.cvtsi2ssM(x64XmmFree1, x64VMFrame, in.off(0), false)
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpFToI:
		a.cvttss2siM(x64Free2, x64VMFrame, in.off(0), false)
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpUToF:
		c.emitSave(in, false)
		a.movRM32(x64Arg1, x64VMFrame, in.off(0))
		c.emitCall(in, helpers.uToFloat)
		c.emitRestore(in)
		a.movssStore(x64VMFrame, in.off(0), x64FRet)
	case vm.OpFToU:
		a.cvttss2siM(x64Free2, x64VMFrame, in.off(0), true)
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpSBToI:
		a.movsxRM8(x64Free2, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpSWToI:
		a.movsxRM16(x64Free2, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpUBToI:
		a.movzxRM8(x64Free2, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpUWToI:
		a.movzxRM16(x64Free2, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpIToB:
		a.movzxRM8(x64Free1, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpIToW:
		a.movzxRM16(x64Free1, x64VMFrame, in.off(0))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpDToI:
		a.cvttsd2siM(x64Free2, x64VMFrame, in.off(1), false)
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpDToU:
		a.cvttsd2siM(x64Free2, x64VMFrame, in.off(1), true)
		a.movMR32(x64VMFrame, in.off(0), x64Free2)
	case vm.OpDToF:
		a.cvtsd2ssM(x64XmmFree1, x64VMFrame, in.off(1))
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpIToD:
		a.cvtsi2sdM(x64XmmFree1, x64VMFrame, in.off(1), false)
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpUToD:
		c.emitSave(in, false)
		a.movRM32(x64Arg1, x64VMFrame, in.off(1))
		c.emitCall(in, helpers.uToDouble)
		c.emitRestore(in)
		a.movsdStore(x64VMFrame, in.off(0), x64FRet)
	case vm.OpFToD:
		a.cvtss2sdM(x64XmmFree1, x64VMFrame, in.off(1))
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpI64ToI:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.movMR32(x64VMFrame, in.off(0), x64Free1)
	case vm.OpUToI64:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpIToI64:
		a.movRM32(x64Free1, x64VMFrame, in.off(1))
		a.cdqe()
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpFToI64:
		a.movssLoad(x64XmmFree1, x64VMFrame, in.off(1))
		a.cvttss2siR(x64Free1, x64XmmFree1, true)
		a.movMR64(x64VMFrame, in.off(0), x64Free1)
	case vm.OpDToI64:
		a.cvttsd2siM(x64Free2, x64VMFrame, in.off(1), true)
		a.movMR64(x64VMFrame, in.off(0), x64Free2)
	case vm.OpFToU64:
		c.emitSave(in, false)
		a.movssLoad(x64FArg1, x64VMFrame, in.off(1))
		c.emitCall(in, helpers.fToU64)
		c.emitRestore(in)
		a.movMR64(x64VMFrame, in.off(0), x64Ret)
	case vm.OpDToU64:
		c.emitSave(in, false)
		a.movsdLoad(x64FArg1, x64VMFrame, in.off(0))
		c.emitCall(in, helpers.dToU64)
		c.emitRestore(in)
		a.movMR64(x64VMFrame, in.off(0), x64Ret)
	case vm.OpI64ToF:
		a.cvtsi2ssM(x64XmmFree1, x64VMFrame, in.off(1), true)
		a.movssStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpU64ToF:
		c.emitSave(in, false)
		a.movRM64(x64Arg1, x64VMFrame, in.off(1))
		c.emitCall(in, helpers.u64ToFloat)
		c.emitRestore(in)
		a.movssStore(x64VMFrame, in.off(0), x64FRet)
	case vm.OpI64ToD:
		a.cvtsi2sdM(x64XmmFree1, x64VMFrame, in.off(0), true)
		a.movsdStore(x64VMFrame, in.off(0), x64XmmFree1)
	case vm.OpU64ToD:
		c.emitSave(in, false)
		a.movRM64(x64Arg1, x64VMFrame, in.off(0))
		c.emitCall(in, helpers.u64ToDouble)
		c.emitRestore(in)
		a.movsdStore(x64VMFrame, in.off(0), x64FRet)

	default:
		// The dispatch table is dense over the opcode set; anything left is
		// a table defect.
		return errors.Errorf("no lowering for opcode %d", in.op)
	}
	return nil
}

// Pow helper argument shapes.
type powShape int

const (
	powII32 powShape = iota
	powII64
	powFF32
	powFF64
)

// emitPowCall lowers the pow family: save mirrors, marshal both operands,
// call the type-specialized helper, restore, store the result.
func (c *X64Compiler) emitPowCall(in *x64Info, target uintptr, shape powShape) {
	a := in.asm
	c.emitSave(in, false)
	switch shape {
	case powII32:
		a.movRM32(x64Arg1, x64VMFrame, in.off(1))
		a.movRM32(x64Arg2, x64VMFrame, in.off(2))
	case powII64:
		a.movRM64(x64Arg1, x64VMFrame, in.off(1))
		a.movRM64(x64Arg2, x64VMFrame, in.off(2))
	case powFF32:
		a.movssLoad(x64FArg1, x64VMFrame, in.off(1))
		a.movssLoad(x64FArg2, x64VMFrame, in.off(2))
	case powFF64:
		a.movsdLoad(x64FArg1, x64VMFrame, in.off(1))
		a.movsdLoad(x64FArg2, x64VMFrame, in.off(2))
	}
	c.emitCall(in, target)
	c.emitRestore(in)
	switch shape {
	case powII32:
		a.movMR32(x64VMFrame, in.off(0), x64Ret)
	case powII64:
		a.movMR64(x64VMFrame, in.off(0), x64Ret)
	case powFF32:
		a.movssStore(x64VMFrame, in.off(0), x64FRet)
	case powFF64:
		a.movsdStore(x64VMFrame, in.off(0), x64FRet)
	}
}
