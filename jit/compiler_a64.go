package jit

import (
	"math"

	"github.com/pkg/errors"

	"github.com/vexlang/vex/vm"
)

// A64Compiler translates bytecode into AArch64 machine code. The mirrors of
// the VM register block live in X3-X7; X9-X11 are the per-opcode scratch
// set.
type A64Compiler struct {
	compilerBase
}

// NewA64 builds the AArch64 translator.
func NewA64(opts Options) *A64Compiler {
	return &A64Compiler{compilerBase: newCompilerBase(opts)}
}

type a64Info struct {
	asm        *a64Asm
	code       []uint32
	addr       uint32
	op         vm.Op
	labels     []labelInfo
	headerSize int
}

func (in *a64Info) off(i int) int32   { return vm.ArgOffset(in.code, in.addr, i) }
func (in *a64Info) short(i int) int16 { return vm.ShortArg(in.code, in.addr, i) }
func (in *a64Info) word(i int) uint16 { return vm.WordArg(in.code, in.addr, i) }
func (in *a64Info) i32() int32        { return vm.Int32Arg(in.code, in.addr) }
func (in *a64Info) dw() uint32        { return vm.DwordArg(in.code, in.addr) }
func (in *a64Info) qw() uint64        { return vm.QwordArg(in.code, in.addr) }
func (in *a64Info) ptr() uintptr      { return vm.PtrArg(in.code, in.addr) }
func (in *a64Info) fl() float32       { return vm.FloatArg(in.code, in.addr) }

// CompileFunction translates fn and returns the native entry.
func (c *A64Compiler) CompileFunction(fn *vm.Function) (vm.JITFunc, error) {
	code, err := c.Translate(fn)
	if err != nil {
		return nil, err
	}
	return c.install(code)
}

// Translate produces the raw machine code for fn without mapping it
// executable. JitEntry operands in fn.Code are patched as a side effect.
func (c *A64Compiler) Translate(fn *vm.Function) ([]byte, error) {
	if nameSkipsCompilation(fn.Name) || len(fn.Code) == 0 {
		return nil, ErrRefused
	}
	c.log.WithField("function", fn.Name).Debug("compiling")

	asm := newA64Asm(c.asmError)
	in := &a64Info{asm: asm, code: fn.Code}

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

func (c *A64Compiler) emitPrologue(in *a64Info) {
	a := in.asm
	a.stpPre(regFP, regLR, regSP, -a64FrameSize)
	a.movRR(regFP, regSP)
	a.strX(a64Arg1, regFP, a64RegsSlot)
	c.emitRestore(in)

	a.movRR32(a64Arg2, a64Arg2) // entry offset arrives 32-bit
	in.headerSize = a.offset()
	a.adrSelf(a64Free1)
	a.addRR(a64Free1, a64Free1, a64Arg2)
	a.br(a64Free1)
}

func (c *A64Compiler) emitRestore(in *a64Info) {
	a := in.asm
	a.ldrX(a64Restore, regFP, a64RegsSlot)
	a.ldrX(a64VMFrame, a64Restore, vm.RegsOffFrame)
	a.ldrX(a64VMStack, a64Restore, vm.RegsOffStack)
	a.ldrX(a64VMValue, a64Restore, vm.RegsOffValue)
	a.ldrX(a64VMObject, a64Restore, vm.RegsOffObject)
	a.ldrX(a64VMObjType, a64Restore, vm.RegsOffObjectType)
}

func (c *A64Compiler) emitSave(in *a64Info, withPC bool) {
	a := in.asm
	a.ldrX(a64Restore, regFP, a64RegsSlot)
	if withPC {
		a.loadImm32(a64Free1, in.addr)
		a.strW(a64Free1, a64Restore, vm.RegsOffPC)
	}
	a.strX(a64VMFrame, a64Restore, vm.RegsOffFrame)
	a.strX(a64VMStack, a64Restore, vm.RegsOffStack)
	a.strX(a64VMValue, a64Restore, vm.RegsOffValue)
	a.strX(a64VMObject, a64Restore, vm.RegsOffObject)
	a.strX(a64VMObjType, a64Restore, vm.RegsOffObjectType)
}

func (c *A64Compiler) emitYield(in *a64Info) {
	a := in.asm
	c.emitSave(in, true)
	a.nop()
	a.ldpPost(regFP, regLR, regSP, a64FrameSize)
	a.ret()
}

func (c *A64Compiler) emitNullFault(in *a64Info) {
	a := in.asm
	c.emitSave(in, true)
	a.ldrX(a64Arg1, regFP, a64RegsSlot)
	c.emitCall(in, helpers.raiseNull)
	a.ldpPost(regFP, regLR, regSP, a64FrameSize)
	a.ret()
}

func (c *A64Compiler) emitCall(in *a64Info, target uintptr) {
	in.asm.loadImm64(a64CallScratch, uint64(target))
	in.asm.blr(a64CallScratch)
}

// emitNullCheck branches to a fault exit when reg is zero.
func (c *A64Compiler) emitNullCheck(in *a64Info, reg int) {
	a := in.asm
	ok := a.newLabel()
	a.cmpImm(reg, 0)
	a.bCond(condNE, ok)
	c.emitNullFault(in)
	a.bind(ok)
}

// emitCmp3 writes -1, 0 or +1 into the value mirror after a compare.
func (c *A64Compiler) emitCmp3(in *a64Info, lessCond int) {
	a := in.asm
	greater := a.newLabel()
	less := a.newLabel()
	end := a.newLabel()
	a.bCond(condNE, greater)
	a.movZ32(a64VMValue, 0, 0)
	a.b(end)
	a.bind(greater)
	a.bCond(lessCond, less)
	a.movZ32(a64VMValue, 1, 0)
	a.b(end)
	a.bind(less)
	a.movN32(a64VMValue, 0, 0)
	a.bind(end)
}

// emitTest writes 1 into the value mirror when cond holds against
// `cmp value, 0`, else 0.
func (c *A64Compiler) emitTest(in *a64Info, cond int) {
	a := in.asm
	hit := a.newLabel()
	end := a.newLabel()
	a.cmpImm32(a64VMValue, 0)
	a.bCond(cond, hit)
	a.movZ32(a64VMValue, 0, 0)
	a.b(end)
	a.bind(hit)
	a.movZ32(a64VMValue, 1, 0)
	a.bind(end)
}

func (c *A64Compiler) emitBranch(in *a64Info, cond int) error {
	l, err := findLabelForJump(in.labels, in.code, in.addr)
	if err != nil {
		return err
	}
	in.asm.cmpImm32(a64VMValue, 0)
	in.asm.bCond(cond, l)
	return nil
}

func (c *A64Compiler) pushPtrReg(in *a64Info, reg int) {
	a := in.asm
	a.addImm(a64VMStack, a64VMStack, -8)
	a.strX(reg, a64VMStack, 0)
}

func (c *A64Compiler) emitInstr(in *a64Info) error {
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
		a.addImm(a64VMStack, a64VMStack, 8)
	case vm.OpPshC4, vm.OpTypeID:
		a.addImm(a64VMStack, a64VMStack, -4)
		a.loadImm32(a64Free1, in.dw())
		a.strW(a64Free1, a64VMStack, 0)
	case vm.OpPshV4:
		a.addImm(a64VMStack, a64VMStack, -4)
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMStack, 0)
	case vm.OpPshV8, vm.OpPshVPtr:
		a.ldrX(a64Free2, a64VMFrame, in.off(0))
		c.pushPtrReg(in, a64Free2)
	case vm.OpPshC8:
		a.loadImm64(a64Free1, in.qw())
		c.pushPtrReg(in, a64Free1)
	case vm.OpPshGPtr:
		a.loadImm64(a64Free1, uint64(in.ptr()))
		a.ldrX(a64Free1, a64Free1, 0)
		c.pushPtrReg(in, a64Free1)
	case vm.OpPshG4:
		a.addImm(a64VMStack, a64VMStack, -4)
		a.loadImm64(a64Free1, uint64(in.ptr()))
		a.ldrW(a64Free1, a64Free1, 0)
		a.strW(a64Free1, a64VMStack, 0)
	case vm.OpPshNull:
		a.addImm(a64VMStack, a64VMStack, -8)
		a.strX(regXZR, a64VMStack, 0)
	case vm.OpPGA, vm.OpObjType, vm.OpFuncPtr:
		a.loadImm64(a64Free1, uint64(in.ptr()))
		c.pushPtrReg(in, a64Free1)
	case vm.OpVar:
		a.loadImm64(a64Free1, uint64(int64(in.short(0))))
		c.pushPtrReg(in, a64Free1)
	case vm.OpPSF:
		a.addImm(a64Free1, a64VMFrame, in.off(0))
		c.pushPtrReg(in, a64Free1)
	case vm.OpSwapPtr:
		a.ldrX(a64Free1, a64VMStack, 0)
		a.ldrX(a64Free2, a64VMStack, 8)
		a.strX(a64Free2, a64VMStack, 0)
		a.strX(a64Free1, a64VMStack, 8)
	case vm.OpPopRPtr:
		a.ldrX(a64VMValue, a64VMStack, 0)
		a.addImm(a64VMStack, a64VMStack, 8)
	case vm.OpPshRPtr:
		c.pushPtrReg(in, a64VMValue)
	case vm.OpRDSPtr:
		a.ldrX(a64Free1, a64VMStack, 0)
		c.emitNullCheck(in, a64Free1)
		a.ldrX(a64Free1, a64Free1, 0)
		a.strX(a64Free1, a64VMStack, 0)
	case vm.OpCopy:
		a.ldrX(a64Arg1, a64VMStack, 0)
		a.addImm(a64VMStack, a64VMStack, 8)
		a.ldrX(a64Arg2, a64VMStack, 0)
		a.addImm(a64VMStack, a64VMStack, 8)
		fault := a.newLabel()
		ok := a.newLabel()
		a.cmpImm(a64Arg1, 0)
		a.bCond(condEQ, fault)
		a.cmpImm(a64Arg2, 0)
		a.bCond(condEQ, fault)
		a.b(ok)
		a.bind(fault)
		c.emitNullFault(in)
		a.bind(ok)
		a.loadImm32(a64Arg3, uint32(in.i32())*4)
		c.emitSave(in, false)
		c.emitCall(in, helpers.copyMem)
		c.emitRestore(in)

	// --- value-register tests ---

	case vm.OpNot, vm.OpTZ:
		c.emitTest(in, condEQ)
	case vm.OpTNZ:
		c.emitTest(in, condNE)
	case vm.OpTS:
		c.emitTest(in, condLT)
	case vm.OpTNS:
		c.emitTest(in, condGE)
	case vm.OpTP:
		c.emitTest(in, condGT)
	case vm.OpTNP:
		c.emitTest(in, condLE)
	case vm.OpClrHi:
		a.uxtb32(a64VMValue, a64VMValue)

	// --- branches ---

	case vm.OpJmp:
		l, err := findLabelForJump(in.labels, in.code, in.addr)
		if err != nil {
			return err
		}
		a.b(l)
	case vm.OpJZ:
		return c.emitBranch(in, condEQ)
	case vm.OpJNZ:
		return c.emitBranch(in, condNE)
	case vm.OpJS:
		return c.emitBranch(in, condLT)
	case vm.OpJNS:
		return c.emitBranch(in, condGE)
	case vm.OpJP:
		return c.emitBranch(in, condGT)
	case vm.OpJNP:
		return c.emitBranch(in, condLE)
	case vm.OpJLowZ, vm.OpJLowNZ:
		l, err := findLabelForJump(in.labels, in.code, in.addr)
		if err != nil {
			return err
		}
		a.uxtb32(a64Free1, a64VMValue)
		a.cmpImm32(a64Free1, 0)
		if in.op == vm.OpJLowZ {
			a.bCond(condEQ, l)
		} else {
			a.bCond(condNE, l)
		}

	// --- comparisons ---

	case vm.OpCmpI:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.ldrW(a64Free2, a64VMFrame, in.off(1))
		a.cmpRR32(a64Free1, a64Free2)
		c.emitCmp3(in, condLT)
	case vm.OpCmpU:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.ldrW(a64Free2, a64VMFrame, in.off(1))
		a.cmpRR32(a64Free1, a64Free2)
		c.emitCmp3(in, condCC)
	case vm.OpCmpI64:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.ldrX(a64Free2, a64VMFrame, in.off(1))
		a.cmpRR(a64Free1, a64Free2)
		c.emitCmp3(in, condLT)
	case vm.OpCmpU64, vm.OpCmpPtr:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.ldrX(a64Free2, a64VMFrame, in.off(1))
		a.cmpRR(a64Free1, a64Free2)
		c.emitCmp3(in, condCC)
	case vm.OpCmpF:
		a.ldrS(a64FFree1, a64VMFrame, in.off(0))
		a.ldrS(a64FFree2, a64VMFrame, in.off(1))
		a.fcmpS(a64FFree1, a64FFree2)
		c.emitCmp3(in, condCC)
	case vm.OpCmpD:
		a.ldrD(a64FFree1, a64VMFrame, in.off(0))
		a.ldrD(a64FFree2, a64VMFrame, in.off(1))
		a.fcmpD(a64FFree1, a64FFree2)
		c.emitCmp3(in, condCC)
	case vm.OpCmpIC:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.loadImm32(a64Free2, uint32(in.i32()))
		a.cmpRR32(a64Free1, a64Free2)
		c.emitCmp3(in, condLT)
	case vm.OpCmpUC:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.loadImm32(a64Free2, in.dw())
		a.cmpRR32(a64Free1, a64Free2)
		c.emitCmp3(in, condCC)
	case vm.OpCmpFC:
		a.ldrS(a64FFree1, a64VMFrame, in.off(0))
		a.ldrSLit(a64FFree2, math.Float32bits(in.fl()))
		a.fcmpS(a64FFree1, a64FFree2)
		c.emitCmp3(in, condCC)

	// --- register-mirror moves ---

	case vm.OpSetV1, vm.OpSetV2, vm.OpSetV4:
		a.loadImm32(a64Free1, in.dw())
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpSetV8:
		a.loadImm64(a64Free1, in.qw())
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpClrVPtr:
		a.strX(regXZR, a64VMFrame, in.off(0))
	case vm.OpCpyVtoV4:
		a.ldrW(a64Free2, a64VMFrame, in.off(1))
		a.strW(a64Free2, a64VMFrame, in.off(0))
	case vm.OpCpyVtoV8:
		a.ldrX(a64Free2, a64VMFrame, in.off(1))
		a.strX(a64Free2, a64VMFrame, in.off(0))
	case vm.OpCpyVtoR4:
		a.ldrW(a64VMValue, a64VMFrame, in.off(0))
	case vm.OpCpyVtoR8:
		a.ldrX(a64VMValue, a64VMFrame, in.off(0))
	case vm.OpCpyRtoV4:
		a.strW(a64VMValue, a64VMFrame, in.off(0))
	case vm.OpCpyRtoV8:
		a.strX(a64VMValue, a64VMFrame, in.off(0))
	case vm.OpCpyVtoG4:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.loadImm64(a64Free2, uint64(in.ptr()))
		a.strW(a64Free1, a64Free2, 0)
	case vm.OpCpyGtoV4:
		a.loadImm64(a64Free1, uint64(in.ptr()))
		a.ldrW(a64Free1, a64Free1, 0)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpSetG4:
		a.loadImm64(a64Free1, uint64(in.ptr()))
		a.loadImm32(a64Free2, in.code[in.addr+3])
		a.strW(a64Free2, a64Free1, 0)
	case vm.OpLdG:
		a.loadImm64(a64VMValue, uint64(in.ptr()))
	case vm.OpLdV:
		a.addImm(a64VMValue, a64VMFrame, in.off(0))
	case vm.OpLdGRdR4:
		a.loadImm64(a64VMValue, uint64(in.ptr()))
		a.ldrW(a64Free1, a64VMValue, 0)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpWrtV1:
		a.ldrB(a64Free1, a64VMFrame, in.off(0))
		a.strB(a64Free1, a64VMValue, 0)
	case vm.OpWrtV2:
		a.ldrH(a64Free1, a64VMFrame, in.off(0))
		a.strH(a64Free1, a64VMValue, 0)
	case vm.OpWrtV4:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMValue, 0)
	case vm.OpWrtV8:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.strX(a64Free1, a64VMValue, 0)
	case vm.OpRdR1:
		a.ldrB(a64Free1, a64VMValue, 0)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpRdR2:
		a.ldrH(a64Free1, a64VMValue, 0)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpRdR4:
		a.ldrW(a64Free1, a64VMValue, 0)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpRdR8:
		a.ldrX(a64Free1, a64VMValue, 0)
		a.strX(a64Free1, a64VMFrame, in.off(0))

	// --- object-register affordances ---

	case vm.OpLoadObj:
		a.movZ(a64VMObjType, 0, 0)
		a.ldrX(a64VMObject, a64VMFrame, in.off(0))
		a.strX(regXZR, a64VMFrame, in.off(0))
	case vm.OpStoreObj:
		a.strX(a64VMObject, a64VMFrame, in.off(0))
		a.movZ(a64VMObject, 0, 0)
	case vm.OpGetObj:
		a.addImm(a64Free1, a64VMStack, int32(in.short(0))*4)
		a.ldrX(a64Free2, a64Free1, 0)
		a.lslImm(a64Free2, a64Free2, 2)
		a.neg(a64Free2, a64Free2)
		a.ldrXIdx(a64Free3, a64VMStack, a64Free2)
		a.strX(a64Free3, a64Free1, 0)
		a.strXIdx(regXZR, a64VMStack, a64Free2)
	case vm.OpGetObjRef:
		a.addImm(a64Free1, a64VMStack, int32(in.short(0))*4)
		a.ldrX(a64Free3, a64Free1, 0)
		a.lslImm(a64Free3, a64Free3, 2)
		a.subRR(a64Free2, a64VMFrame, a64Free3)
		a.ldrX(a64Free2, a64Free2, 0)
		a.strX(a64Free2, a64Free1, 0)
	case vm.OpGetRef:
		a.addImm(a64Free1, a64VMStack, int32(in.word(0))*4)
		a.ldrW(a64Free2, a64Free1, 0)
		a.sxtw(a64Free2, a64Free2)
		a.lslImm(a64Free2, a64Free2, 2)
		a.subRR(a64Free3, a64VMFrame, a64Free2)
		a.strX(a64Free3, a64Free1, 0)

	// --- reference checks ---

	case vm.OpChkRef:
		a.ldrX(a64Free1, a64VMStack, 0)
		c.emitNullCheck(in, a64Free1)
	case vm.OpChkRefS:
		a.ldrX(a64Free1, a64VMStack, 0)
		a.ldrX(a64Free1, a64Free1, 0)
		c.emitNullCheck(in, a64Free1)
	case vm.OpChkNullV:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		c.emitNullCheck(in, a64Free1)
	case vm.OpChkNullS:
		a.ldrX(a64Free1, a64VMStack, in.off(0))
		c.emitNullCheck(in, a64Free1)
	case vm.OpAddSi:
		a.ldrX(a64Free2, a64VMStack, 0)
		c.emitNullCheck(in, a64Free2)
		a.addImm(a64Free2, a64Free2, int32(in.short(0)))
		a.strX(a64Free2, a64VMStack, 0)
	case vm.OpLoadThisR:
		a.ldrX(a64VMValue, a64VMFrame, 0)
		c.emitNullCheck(in, a64VMValue)
		a.addImm(a64VMValue, a64VMValue, int32(in.short(0)))
	case vm.OpLoadRObjR:
		a.ldrX(a64Free2, a64VMFrame, in.off(0))
		c.emitNullCheck(in, a64Free2)
		a.addImm(a64VMValue, a64Free2, int32(in.short(1)))
	case vm.OpLoadVObjR:
		a.addImm(a64VMValue, a64VMFrame, in.off(0)+int32(in.short(1)))
	case vm.OpSetListSize:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		c.emitNullCheck(in, a64Free1)
		a.loadImm32(a64Free2, in.code[in.addr+2])
		a.strW(a64Free2, a64Free1, int32(in.code[in.addr+1]))
	case vm.OpPshListElmnt:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		c.emitNullCheck(in, a64Free1)
		a.addImm(a64Free1, a64Free1, int32(in.dw()))
		c.pushPtrReg(in, a64Free1)
	case vm.OpSetListType:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		c.emitNullCheck(in, a64Free1)
		a.loadImm32(a64Free2, in.code[in.addr+2])
		a.strW(a64Free2, a64Free1, int32(in.code[in.addr+1]))

	// --- increment / decrement ---

	case vm.OpIncI8, vm.OpDecI8:
		a.ldrB(a64Free1, a64VMValue, 0)
		a.addImm32(a64Free1, a64Free1, incDelta(in.op == vm.OpIncI8))
		a.strB(a64Free1, a64VMValue, 0)
	case vm.OpIncI16, vm.OpDecI16:
		a.ldrH(a64Free1, a64VMValue, 0)
		a.addImm32(a64Free1, a64Free1, incDelta(in.op == vm.OpIncI16))
		a.strH(a64Free1, a64VMValue, 0)
	case vm.OpIncI, vm.OpDecI:
		a.ldrW(a64Free1, a64VMValue, 0)
		a.addImm32(a64Free1, a64Free1, incDelta(in.op == vm.OpIncI))
		a.strW(a64Free1, a64VMValue, 0)
	case vm.OpIncI64, vm.OpDecI64:
		a.ldrX(a64Free1, a64VMValue, 0)
		a.addImm(a64Free1, a64Free1, incDelta(in.op == vm.OpIncI64))
		a.strX(a64Free1, a64VMValue, 0)
	case vm.OpIncVi, vm.OpDecVi:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.addImm32(a64Free1, a64Free1, incDelta(in.op == vm.OpIncVi))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpIncF, vm.OpDecF:
		a.ldrS(a64FFree1, a64VMValue, 0)
		a.ldrSLit(a64FFree2, math.Float32bits(1))
		if in.op == vm.OpIncF {
			a.faddS(a64FFree1, a64FFree1, a64FFree2)
		} else {
			a.fsubS(a64FFree1, a64FFree1, a64FFree2)
		}
		a.strS(a64FFree1, a64VMValue, 0)
	case vm.OpIncD, vm.OpDecD:
		a.ldrD(a64FFree1, a64VMValue, 0)
		a.ldrDLit(a64FFree2, math.Float64bits(1))
		if in.op == vm.OpIncD {
			a.faddD(a64FFree1, a64FFree1, a64FFree2)
		} else {
			a.fsubD(a64FFree1, a64FFree1, a64FFree2)
		}
		a.strD(a64FFree1, a64VMValue, 0)

	// --- unary arithmetic on frame slots ---

	case vm.OpNegI:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.neg32(a64Free1, a64Free1)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpNegI64:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.neg(a64Free1, a64Free1)
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpNegF:
		a.ldrS(a64FFree1, a64VMFrame, in.off(0))
		a.fnegS(a64FFree1, a64FFree1)
		a.strS(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpNegD:
		a.ldrD(a64FFree1, a64VMFrame, in.off(0))
		a.fnegD(a64FFree1, a64FFree1)
		a.strD(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpBNot:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.mvn32(a64Free1, a64Free1)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpBNot64:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.mvn(a64Free1, a64Free1)
		a.strX(a64Free1, a64VMFrame, in.off(0))

	// --- binary integer arithmetic ---

	case vm.OpAddI, vm.OpSubI, vm.OpMulI, vm.OpBAnd, vm.OpBOr, vm.OpBXor,
		vm.OpBSLL, vm.OpBSRL, vm.OpBSRA, vm.OpDivI, vm.OpModI, vm.OpDivU,
		vm.OpModU:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.ldrW(a64Free2, a64VMFrame, in.off(2))
		switch in.op {
		case vm.OpAddI:
			a.addRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpSubI:
			a.subRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpMulI:
			a.mul32(a64Free1, a64Free1, a64Free2)
		case vm.OpBAnd:
			a.andRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpBOr:
			a.orrRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpBXor:
			a.eorRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpBSLL:
			a.lslRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpBSRL:
			a.lsrRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpBSRA:
			a.asrRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpDivI:
			a.sdiv32(a64Free1, a64Free1, a64Free2)
		case vm.OpDivU:
			a.udiv32(a64Free1, a64Free1, a64Free2)
		case vm.OpModI:
			a.sdiv32(a64Free3, a64Free1, a64Free2)
			a.msub32(a64Free1, a64Free3, a64Free2, a64Free1)
		case vm.OpModU:
			a.udiv32(a64Free3, a64Free1, a64Free2)
			a.msub32(a64Free1, a64Free3, a64Free2, a64Free1)
		}
		a.strW(a64Free1, a64VMFrame, in.off(0))

	case vm.OpAddI64, vm.OpSubI64, vm.OpMulI64, vm.OpBAnd64, vm.OpBOr64,
		vm.OpBXor64, vm.OpBSLL64, vm.OpBSRL64, vm.OpBSRA64, vm.OpDivI64,
		vm.OpModI64, vm.OpDivU64, vm.OpModU64:
		a.ldrX(a64Free1, a64VMFrame, in.off(1))
		a.ldrX(a64Free2, a64VMFrame, in.off(2))
		switch in.op {
		case vm.OpAddI64:
			a.addRR(a64Free1, a64Free1, a64Free2)
		case vm.OpSubI64:
			a.subRR(a64Free1, a64Free1, a64Free2)
		case vm.OpMulI64:
			a.mul(a64Free1, a64Free1, a64Free2)
		case vm.OpBAnd64:
			a.andRR(a64Free1, a64Free1, a64Free2)
		case vm.OpBOr64:
			a.orrRR(a64Free1, a64Free1, a64Free2)
		case vm.OpBXor64:
			a.eorRR(a64Free1, a64Free1, a64Free2)
		case vm.OpBSLL64:
			a.lslRR(a64Free1, a64Free1, a64Free2)
		case vm.OpBSRL64:
			a.lsrRR(a64Free1, a64Free1, a64Free2)
		case vm.OpBSRA64:
			a.asrRR(a64Free1, a64Free1, a64Free2)
		case vm.OpDivI64:
			a.sdiv(a64Free1, a64Free1, a64Free2)
		case vm.OpDivU64:
			a.udiv(a64Free1, a64Free1, a64Free2)
		case vm.OpModI64:
			a.sdiv(a64Free3, a64Free1, a64Free2)
			a.msub(a64Free1, a64Free3, a64Free2, a64Free1)
		case vm.OpModU64:
			a.udiv(a64Free3, a64Free1, a64Free2)
			a.msub(a64Free1, a64Free3, a64Free2, a64Free1)
		}
		a.strX(a64Free1, a64VMFrame, in.off(0))

	// --- immediate integer arithmetic ---

	case vm.OpAddIC, vm.OpSubIC, vm.OpMulIC:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.loadImm32(a64Free2, in.code[in.addr+2])
		switch in.op {
		case vm.OpAddIC:
			a.addRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpSubIC:
			a.subRR32(a64Free1, a64Free1, a64Free2)
		case vm.OpMulIC:
			a.mul32(a64Free1, a64Free1, a64Free2)
		}
		a.strW(a64Free1, a64VMFrame, in.off(0))

	// --- float arithmetic ---

	case vm.OpAddF, vm.OpSubF, vm.OpMulF, vm.OpDivF:
		a.ldrS(a64FFree1, a64VMFrame, in.off(1))
		a.ldrS(a64FFree2, a64VMFrame, in.off(2))
		switch in.op {
		case vm.OpAddF:
			a.faddS(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpSubF:
			a.fsubS(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpMulF:
			a.fmulS(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpDivF:
			a.fdivS(a64FFree1, a64FFree1, a64FFree2)
		}
		a.strS(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpAddD, vm.OpSubD, vm.OpMulD, vm.OpDivD:
		a.ldrD(a64FFree1, a64VMFrame, in.off(1))
		a.ldrD(a64FFree2, a64VMFrame, in.off(2))
		switch in.op {
		case vm.OpAddD:
			a.faddD(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpSubD:
			a.fsubD(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpMulD:
			a.fmulD(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpDivD:
			a.fdivD(a64FFree1, a64FFree1, a64FFree2)
		}
		a.strD(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpModF:
		c.emitSave(in, false)
		a.ldrS(a64FArg1, a64VMFrame, in.off(1))
		a.ldrS(a64FArg2, a64VMFrame, in.off(2))
		c.emitCall(in, helpers.modFloat)
		c.emitRestore(in)
		a.strS(a64FRet, a64VMFrame, in.off(0))
	case vm.OpModD:
		c.emitSave(in, false)
		a.ldrD(a64FArg1, a64VMFrame, in.off(1))
		a.ldrD(a64FArg2, a64VMFrame, in.off(2))
		c.emitCall(in, helpers.modDouble)
		c.emitRestore(in)
		a.strD(a64FRet, a64VMFrame, in.off(0))
	case vm.OpAddFC, vm.OpSubFC, vm.OpMulFC:
		a.ldrS(a64FFree1, a64VMFrame, in.off(1))
		a.ldrSLit(a64FFree2, in.code[in.addr+2])
		switch in.op {
		case vm.OpAddFC:
			a.faddS(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpSubFC:
			a.fsubS(a64FFree1, a64FFree1, a64FFree2)
		case vm.OpMulFC:
			a.fmulS(a64FFree1, a64FFree1, a64FFree2)
		}
		a.strS(a64FFree1, a64VMFrame, in.off(0))

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
		a.ldrD(a64FArg1, a64VMFrame, in.off(1))
		a.ldrW(a64Arg1, a64VMFrame, in.off(2))
		c.emitCall(in, helpers.dipow)
		c.emitRestore(in)
		a.strD(a64FRet, a64VMFrame, in.off(0))

	// --- conversions ---

	case vm.OpIToF:
		a.ldrW(a64Free1, a64VMFrame, in.off(0))
		a.scvtfS(a64FFree1, a64Free1, false)
		a.strS(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpFToI:
		a.ldrS(a64FFree1, a64VMFrame, in.off(0))
		a.fcvtzsS(a64Free1, a64FFree1, false)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpUToF:
		c.emitSave(in, false)
		a.ldrW(a64Arg1, a64VMFrame, in.off(0))
		c.emitCall(in, helpers.uToFloat)
		c.emitRestore(in)
		a.strS(a64FRet, a64VMFrame, in.off(0))
	case vm.OpFToU:
		a.ldrS(a64FFree1, a64VMFrame, in.off(0))
		a.fcvtzsS(a64Free1, a64FFree1, true)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpSBToI:
		a.ldrSB(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpSWToI:
		a.ldrSH(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpUBToI, vm.OpIToB:
		a.ldrB(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpUWToI, vm.OpIToW:
		a.ldrH(a64Free1, a64VMFrame, in.off(0))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpDToI:
		a.ldrD(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtzsD(a64Free1, a64FFree1, false)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpDToU:
		a.ldrD(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtzsD(a64Free1, a64FFree1, true)
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpDToF:
		a.ldrD(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtDS(a64FFree1, a64FFree1)
		a.strS(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpIToD:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.scvtfD(a64FFree1, a64Free1, false)
		a.strD(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpUToD:
		c.emitSave(in, false)
		a.ldrW(a64Arg1, a64VMFrame, in.off(1))
		c.emitCall(in, helpers.uToDouble)
		c.emitRestore(in)
		a.strD(a64FRet, a64VMFrame, in.off(0))
	case vm.OpFToD:
		a.ldrS(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtSD(a64FFree1, a64FFree1)
		a.strD(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpI64ToI:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.strW(a64Free1, a64VMFrame, in.off(0))
	case vm.OpUToI64:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpIToI64:
		a.ldrW(a64Free1, a64VMFrame, in.off(1))
		a.sxtw(a64Free1, a64Free1)
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpFToI64:
		a.ldrS(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtzsS(a64Free1, a64FFree1, true)
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpDToI64:
		a.ldrD(a64FFree1, a64VMFrame, in.off(1))
		a.fcvtzsD(a64Free1, a64FFree1, true)
		a.strX(a64Free1, a64VMFrame, in.off(0))
	case vm.OpFToU64:
		c.emitSave(in, false)
		a.ldrS(a64FArg1, a64VMFrame, in.off(1))
		c.emitCall(in, helpers.fToU64)
		c.emitRestore(in)
		a.strX(a64Ret, a64VMFrame, in.off(0))
	case vm.OpDToU64:
		c.emitSave(in, false)
		a.ldrD(a64FArg1, a64VMFrame, in.off(0))
		c.emitCall(in, helpers.dToU64)
		c.emitRestore(in)
		a.strX(a64Ret, a64VMFrame, in.off(0))
	case vm.OpI64ToF:
		a.ldrX(a64Free1, a64VMFrame, in.off(1))
		a.scvtfS(a64FFree1, a64Free1, true)
		a.strS(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpU64ToF:
		c.emitSave(in, false)
		a.ldrX(a64Arg1, a64VMFrame, in.off(1))
		c.emitCall(in, helpers.u64ToFloat)
		c.emitRestore(in)
		a.strS(a64FRet, a64VMFrame, in.off(0))
	case vm.OpI64ToD:
		a.ldrX(a64Free1, a64VMFrame, in.off(0))
		a.scvtfD(a64FFree1, a64Free1, true)
		a.strD(a64FFree1, a64VMFrame, in.off(0))
	case vm.OpU64ToD:
		c.emitSave(in, false)
		a.ldrX(a64Arg1, a64VMFrame, in.off(0))
		c.emitCall(in, helpers.u64ToDouble)
		c.emitRestore(in)
		a.strD(a64FRet, a64VMFrame, in.off(0))

	default:
		return errors.Errorf("no lowering for opcode %d", in.op)
	}
	return nil
}

func incDelta(inc bool) int32 {
	if inc {
		return 1
	}
	return -1
}

// emitPowCall lowers the pow family on AArch64.
func (c *A64Compiler) emitPowCall(in *a64Info, target uintptr, shape powShape) {
	a := in.asm
	c.emitSave(in, false)
	switch shape {
	case powII32:
		a.ldrW(a64Arg1, a64VMFrame, in.off(1))
		a.ldrW(a64Arg2, a64VMFrame, in.off(2))
	case powII64:
		a.ldrX(a64Arg1, a64VMFrame, in.off(1))
		a.ldrX(a64Arg2, a64VMFrame, in.off(2))
	case powFF32:
		a.ldrS(a64FArg1, a64VMFrame, in.off(1))
		a.ldrS(a64FArg2, a64VMFrame, in.off(2))
	case powFF64:
		a.ldrD(a64FArg1, a64VMFrame, in.off(1))
		a.ldrD(a64FArg2, a64VMFrame, in.off(2))
	}
	c.emitCall(in, target)
	c.emitRestore(in)
	switch shape {
	case powII32:
		a.strW(a64Ret, a64VMFrame, in.off(0))
	case powII64:
		a.strX(a64Ret, a64VMFrame, in.off(0))
	case powFF32:
		a.strS(a64FRet, a64VMFrame, in.off(0))
	case powFF64:
		a.strD(a64FRet, a64VMFrame, in.off(0))
	}
}
