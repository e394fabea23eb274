package vm

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

// Errors surfaced by script execution.
var (
	ErrNullPointerAccess = errors.New("attempting to access a null pointer")
	ErrDivideByZero      = errors.New("divide by zero")
	ErrDeprecatedOpcode  = errors.New("deprecated bytecode")
	ErrStackOverflow     = errors.New("script stack overflow")
)

// Context executes script functions. It owns the script stack and the
// register block, and drives the handshake with compiled code: a jit-entry
// instruction with a nonzero operand transfers control to the function's
// compiled routine, and a yield transfers it back with ProgramPointer
// naming the instruction to resume at.
type Context struct {
	Regs Registers

	prog  *Program
	stack []uint32
	base  unsafe.Pointer
	limit unsafe.Pointer

	frames []frame

	// UseJIT gates entry into compiled code; the equivalence tests run the
	// same bytecode with it off and on.
	UseJIT bool
}

type frame struct {
	fn    *Function
	retPC uint32
	fp    unsafe.Pointer
}

// NewContext creates an execution context with a script stack of stackWords
// 4-byte slots.
func NewContext(prog *Program, stackWords int) *Context {
	ctx := &Context{
		prog:   prog,
		stack:  make([]uint32, stackWords),
		UseJIT: true,
	}
	ctx.base = unsafe.Pointer(&ctx.stack[0])
	ctx.limit = unsafe.Add(ctx.base, stackWords*4)
	return ctx
}

// Program returns the program this context executes.
func (ctx *Context) Program() *Program { return ctx.prog }

func (ctx *Context) sp() unsafe.Pointer      { return ctx.Regs.StackPointer }
func (ctx *Context) setSP(p unsafe.Pointer)  { ctx.Regs.StackPointer = p }
func (ctx *Context) fp() unsafe.Pointer      { return ctx.Regs.StackFramePointer }
func (ctx *Context) setFP(p unsafe.Pointer)  { ctx.Regs.StackFramePointer = p }
func (ctx *Context) valueD() uint32          { return uint32(ctx.Regs.ValueRegister) }
func (ctx *Context) setValueD(v uint32)      { ctx.Regs.ValueRegister = uint64(v) }
func (ctx *Context) valuePtr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(ctx.Regs.ValueRegister))
}

func (ctx *Context) varAddr(code []uint32, pc uint32, i int) unsafe.Pointer {
	return addPtr(ctx.fp(), ArgOffset(code, pc, i))
}

func (ctx *Context) push4(v uint32) {
	ctx.setSP(addPtr(ctx.sp(), -4))
	st32(ctx.sp(), v)
}

func (ctx *Context) pushPtr(v uintptr) {
	ctx.setSP(addPtr(ctx.sp(), -PtrSize))
	stPtr(ctx.sp(), v)
}

func (ctx *Context) popPtr() uintptr {
	v := ldPtr(ctx.sp())
	ctx.setSP(addPtr(ctx.sp(), PtrSize))
	return v
}

// StackArg32 reads the i-th 4-byte word above the stack pointer; host
// functions use it to fetch their arguments.
func (ctx *Context) StackArg32(i int) uint32 {
	return ld32(addPtr(ctx.sp(), int32(i)*4))
}

// StackArgPtr reads a pointer-sized argument starting at word i.
func (ctx *Context) StackArgPtr(i int) uintptr {
	return ldPtr(addPtr(ctx.sp(), int32(i)*4))
}

// SetReturn32 places a 32-bit return value in the value register.
func (ctx *Context) SetReturn32(v uint32) { ctx.setValueD(v) }

// Run executes fn to completion, starting with an empty frame stack.
func (ctx *Context) Run(fn *Function) error {
	fp := addPtr(ctx.limit, -16)
	st64(fp, 0)
	ctx.setFP(fp)
	ctx.setSP(addPtr(fp, -int32(fn.FrameSize)*4))
	ctx.Regs.ValueRegister = 0
	ctx.Regs.ObjectRegister = nil
	ctx.Regs.ObjectType = nil
	ctx.Regs.Exception = ExceptNone
	ctx.frames = ctx.frames[:0]
	return ctx.exec(fn, 0)
}

func cmp3[T int32 | uint32 | int64 | uint64 | float32 | float64](a, b T) uint32 {
	switch {
	case a == b:
		return 0
	case a < b:
		return uint32(0xffffffff)
	default:
		return 1
	}
}

func (ctx *Context) exec(fn *Function, pc uint32) error {
	code := fn.Code

	for {
		if ctx.Regs.Exception != ExceptNone {
			return ctx.exceptionError()
		}
		if pc >= uint32(len(code)) {
			return errors.Errorf("program pointer out of range in %s", fn.Name)
		}
		op := Decode(code, pc)
		next := pc + InstrSize(op)

		switch op {
		case OpJitEntry:
			if ctx.UseJIT && fn.JIT != nil && DwordArg(code, pc) != 0 {
				ctx.Regs.ProgramPointer = pc
				fn.JIT(&ctx.Regs, DwordArg(code, pc))
				if ctx.Regs.Exception != ExceptNone {
					return ctx.exceptionError()
				}
				pc = ctx.Regs.ProgramPointer
				continue
			}

		case OpSuspend:
			// Cooperative suspension is a host affordance; the reference
			// interpreter treats it as a no-op.

		// --- stack manipulation ---

		case OpPopPtr:
			ctx.setSP(addPtr(ctx.sp(), PtrSize))
		case OpPshC4:
			ctx.push4(DwordArg(code, pc))
		case OpTypeID:
			ctx.push4(DwordArg(code, pc))
		case OpPshV4:
			ctx.push4(ld32(ctx.varAddr(code, pc, 0)))
		case OpPshV8, OpPshVPtr:
			v := ld64(ctx.varAddr(code, pc, 0))
			ctx.setSP(addPtr(ctx.sp(), -PtrSize))
			st64(ctx.sp(), v)
		case OpPshC8:
			ctx.setSP(addPtr(ctx.sp(), -PtrSize))
			st64(ctx.sp(), QwordArg(code, pc))
		case OpPshGPtr:
			ctx.pushPtr(ldPtr(unsafe.Pointer(PtrArg(code, pc))))
		case OpPshG4:
			ctx.push4(ld32(unsafe.Pointer(PtrArg(code, pc))))
		case OpPshNull:
			ctx.pushPtr(0)
		case OpPGA, OpObjType, OpFuncPtr:
			ctx.pushPtr(PtrArg(code, pc))
		case OpVar:
			ctx.pushPtr(uintptr(int64(ShortArg(code, pc, 0))))
		case OpPSF:
			ctx.pushPtr(uintptr(ctx.fp()) + uintptr(int64(ArgOffset(code, pc, 0))))
		case OpSwapPtr:
			a := ldPtr(ctx.sp())
			b := ldPtr(addPtr(ctx.sp(), PtrSize))
			stPtr(ctx.sp(), b)
			stPtr(addPtr(ctx.sp(), PtrSize), a)
		case OpPopRPtr:
			ctx.Regs.ValueRegister = uint64(ctx.popPtr())
		case OpPshRPtr:
			ctx.pushPtr(uintptr(ctx.Regs.ValueRegister))
		case OpRDSPtr:
			p := ldPtr(ctx.sp())
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			stPtr(ctx.sp(), ldPtr(unsafe.Pointer(p)))
		case OpCopy:
			n := uintptr(Int32Arg(code, pc)) * 4
			dst := ctx.popPtr()
			src := ctx.popPtr()
			if dst == 0 || src == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			CopyMem(unsafe.Pointer(dst), unsafe.Pointer(src), n)

		// --- value-register tests ---

		case OpNot:
			if ctx.valueD() == 0 {
				ctx.setValueD(1)
			} else {
				ctx.setValueD(0)
			}
		case OpTZ:
			ctx.setValueD(b2u(ctx.valueD() == 0))
		case OpTNZ:
			ctx.setValueD(b2u(ctx.valueD() != 0))
		case OpTS:
			ctx.setValueD(b2u(int32(ctx.valueD()) < 0))
		case OpTNS:
			ctx.setValueD(b2u(int32(ctx.valueD()) >= 0))
		case OpTP:
			ctx.setValueD(b2u(int32(ctx.valueD()) > 0))
		case OpTNP:
			ctx.setValueD(b2u(int32(ctx.valueD()) <= 0))
		case OpClrHi:
			ctx.setValueD(uint32(uint8(ctx.Regs.ValueRegister)))

		// --- branches ---

		case OpJmp:
			pc = BranchTarget(code, pc)
			continue
		case OpJZ:
			if int32(ctx.valueD()) == 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJNZ:
			if int32(ctx.valueD()) != 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJS:
			if int32(ctx.valueD()) < 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJNS:
			if int32(ctx.valueD()) >= 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJP:
			if int32(ctx.valueD()) > 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJNP:
			if int32(ctx.valueD()) <= 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJLowZ:
			if uint8(ctx.Regs.ValueRegister) == 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJLowNZ:
			if uint8(ctx.Regs.ValueRegister) != 0 {
				pc = BranchTarget(code, pc)
				continue
			}
		case OpJmpP:
			v := int32(ld32(ctx.varAddr(code, pc, 0)))
			pc += 1 + uint32(v)*2
			continue

		// --- comparisons ---

		case OpCmpI:
			a := int32(ld32(ctx.varAddr(code, pc, 0)))
			b := int32(ld32(ctx.varAddr(code, pc, 1)))
			ctx.setValueD(cmp3(a, b))
		case OpCmpU:
			ctx.setValueD(cmp3(ld32(ctx.varAddr(code, pc, 0)), ld32(ctx.varAddr(code, pc, 1))))
		case OpCmpF:
			a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 0)))
			b := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			ctx.setValueD(cmp3(a, b))
		case OpCmpD:
			a := math.Float64frombits(ld64(ctx.varAddr(code, pc, 0)))
			b := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			ctx.setValueD(cmp3(a, b))
		case OpCmpI64:
			a := int64(ld64(ctx.varAddr(code, pc, 0)))
			b := int64(ld64(ctx.varAddr(code, pc, 1)))
			ctx.setValueD(cmp3(a, b))
		case OpCmpU64, OpCmpPtr:
			ctx.setValueD(cmp3(ld64(ctx.varAddr(code, pc, 0)), ld64(ctx.varAddr(code, pc, 1))))
		case OpCmpIC:
			a := int32(ld32(ctx.varAddr(code, pc, 0)))
			ctx.setValueD(cmp3(a, Int32Arg(code, pc)))
		case OpCmpUC:
			ctx.setValueD(cmp3(ld32(ctx.varAddr(code, pc, 0)), DwordArg(code, pc)))
		case OpCmpFC:
			a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 0)))
			ctx.setValueD(cmp3(a, FloatArg(code, pc)))

		// --- register-mirror moves ---

		case OpSetV1, OpSetV2, OpSetV4:
			st32(ctx.varAddr(code, pc, 0), DwordArg(code, pc))
		case OpSetV8:
			st64(ctx.varAddr(code, pc, 0), QwordArg(code, pc))
		case OpClrVPtr:
			st64(ctx.varAddr(code, pc, 0), 0)
		case OpCpyVtoV4:
			st32(ctx.varAddr(code, pc, 0), ld32(ctx.varAddr(code, pc, 1)))
		case OpCpyVtoV8:
			st64(ctx.varAddr(code, pc, 0), ld64(ctx.varAddr(code, pc, 1)))
		case OpCpyVtoR4:
			ctx.setValueD(ld32(ctx.varAddr(code, pc, 0)))
		case OpCpyVtoR8:
			ctx.Regs.ValueRegister = ld64(ctx.varAddr(code, pc, 0))
		case OpCpyRtoV4:
			st32(ctx.varAddr(code, pc, 0), ctx.valueD())
		case OpCpyRtoV8:
			st64(ctx.varAddr(code, pc, 0), ctx.Regs.ValueRegister)
		case OpCpyVtoG4:
			st32(unsafe.Pointer(PtrArg(code, pc)), ld32(ctx.varAddr(code, pc, 0)))
		case OpCpyGtoV4:
			st32(ctx.varAddr(code, pc, 0), ld32(unsafe.Pointer(PtrArg(code, pc))))
		case OpSetG4:
			st32(unsafe.Pointer(PtrArg(code, pc)), code[pc+3])
		case OpLdG:
			ctx.Regs.ValueRegister = uint64(PtrArg(code, pc))
		case OpLdV:
			ctx.Regs.ValueRegister = uint64(uintptr(ctx.varAddr(code, pc, 0)))
		case OpLdGRdR4:
			addr := PtrArg(code, pc)
			ctx.Regs.ValueRegister = uint64(addr)
			st32(ctx.varAddr(code, pc, 0), ld32(unsafe.Pointer(addr)))
		case OpWrtV1:
			st8(ctx.valuePtr(), ld8(ctx.varAddr(code, pc, 0)))
		case OpWrtV2:
			st16(ctx.valuePtr(), ld16(ctx.varAddr(code, pc, 0)))
		case OpWrtV4:
			st32(ctx.valuePtr(), ld32(ctx.varAddr(code, pc, 0)))
		case OpWrtV8:
			st64(ctx.valuePtr(), ld64(ctx.varAddr(code, pc, 0)))
		case OpRdR1:
			st32(ctx.varAddr(code, pc, 0), uint32(ld8(ctx.valuePtr())))
		case OpRdR2:
			st32(ctx.varAddr(code, pc, 0), uint32(ld16(ctx.valuePtr())))
		case OpRdR4:
			st32(ctx.varAddr(code, pc, 0), ld32(ctx.valuePtr()))
		case OpRdR8:
			st64(ctx.varAddr(code, pc, 0), ld64(ctx.valuePtr()))

		// --- object-register affordances ---

		case OpLoadObj:
			v := ctx.varAddr(code, pc, 0)
			ctx.Regs.ObjectType = nil
			ctx.Regs.ObjectRegister = unsafe.Pointer(ldPtr(v))
			st64(v, 0)
		case OpStoreObj:
			stPtr(ctx.varAddr(code, pc, 0), uintptr(ctx.Regs.ObjectRegister))
			ctx.Regs.ObjectRegister = nil
		case OpGetObj:
			slot := addPtr(ctx.sp(), int32(ShortArg(code, pc, 0))*4)
			idx := ldPtr(slot)
			src := addPtr(ctx.sp(), -int32(idx)*4)
			stPtr(slot, ldPtr(src))
			stPtr(src, 0)
		case OpGetObjRef:
			slot := addPtr(ctx.sp(), int32(ShortArg(code, pc, 0))*4)
			idx := ldPtr(slot)
			stPtr(slot, ldPtr(addPtr(ctx.fp(), -int32(idx)*4)))
		case OpGetRef:
			slot := addPtr(ctx.sp(), int32(WordArg(code, pc, 0))*4)
			idx := int32(ld32(slot))
			stPtr(slot, uintptr(ctx.fp())-uintptr(idx)*4)

		// --- reference checks ---

		case OpChkRef:
			if ldPtr(ctx.sp()) == 0 {
				RaiseNullAccess(&ctx.Regs)
			}
		case OpChkRefS:
			ref := ldPtr(ctx.sp())
			if ldPtr(unsafe.Pointer(ref)) == 0 {
				RaiseNullAccess(&ctx.Regs)
			}
		case OpChkNullV:
			if ld32(ctx.varAddr(code, pc, 0)) == 0 {
				RaiseNullAccess(&ctx.Regs)
			}
		case OpChkNullS:
			if ld64(addPtr(ctx.sp(), ArgOffset(code, pc, 0))) == 0 {
				RaiseNullAccess(&ctx.Regs)
			}
		case OpAddSi:
			p := ldPtr(ctx.sp())
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			stPtr(ctx.sp(), p+uintptr(int64(ShortArg(code, pc, 0))))
		case OpLoadThisR:
			p := ldPtr(ctx.fp())
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			ctx.Regs.ValueRegister = uint64(p + uintptr(int64(ShortArg(code, pc, 0))))
		case OpLoadRObjR:
			p := ldPtr(ctx.varAddr(code, pc, 0))
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			ctx.Regs.ValueRegister = uint64(p + uintptr(int64(ShortArg(code, pc, 1))))
		case OpLoadVObjR:
			ctx.Regs.ValueRegister = uint64(uintptr(ctx.fp()) +
				uintptr(int64(ArgOffset(code, pc, 0)+int32(ShortArg(code, pc, 1)))))
		case OpSetListSize:
			p := ldPtr(ctx.varAddr(code, pc, 0))
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			st32(unsafe.Pointer(p+uintptr(code[pc+1])), code[pc+2])
		case OpPshListElmnt:
			p := ldPtr(ctx.varAddr(code, pc, 0))
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			ctx.pushPtr(p + uintptr(DwordArg(code, pc)))
		case OpSetListType:
			p := ldPtr(ctx.varAddr(code, pc, 0))
			if p == 0 {
				RaiseNullAccess(&ctx.Regs)
				continue
			}
			st32(unsafe.Pointer(p+uintptr(code[pc+1])), code[pc+2])

		// --- increment / decrement ---

		case OpIncI8:
			st8(ctx.valuePtr(), ld8(ctx.valuePtr())+1)
		case OpDecI8:
			st8(ctx.valuePtr(), ld8(ctx.valuePtr())-1)
		case OpIncI16:
			st16(ctx.valuePtr(), ld16(ctx.valuePtr())+1)
		case OpDecI16:
			st16(ctx.valuePtr(), ld16(ctx.valuePtr())-1)
		case OpIncI:
			st32(ctx.valuePtr(), ld32(ctx.valuePtr())+1)
		case OpDecI:
			st32(ctx.valuePtr(), ld32(ctx.valuePtr())-1)
		case OpIncI64:
			st64(ctx.valuePtr(), ld64(ctx.valuePtr())+1)
		case OpDecI64:
			st64(ctx.valuePtr(), ld64(ctx.valuePtr())-1)
		case OpIncF:
			p := ctx.valuePtr()
			st32(p, math.Float32bits(math.Float32frombits(ld32(p))+1))
		case OpDecF:
			p := ctx.valuePtr()
			st32(p, math.Float32bits(math.Float32frombits(ld32(p))-1))
		case OpIncD:
			p := ctx.valuePtr()
			st64(p, math.Float64bits(math.Float64frombits(ld64(p))+1))
		case OpDecD:
			p := ctx.valuePtr()
			st64(p, math.Float64bits(math.Float64frombits(ld64(p))-1))
		case OpIncVi:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ld32(p)+1)
		case OpDecVi:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ld32(p)-1)

		// --- unary arithmetic on frame slots ---

		case OpNegI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(-int32(ld32(p))))
		case OpNegI64:
			p := ctx.varAddr(code, pc, 0)
			st64(p, uint64(-int64(ld64(p))))
		case OpNegF:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ld32(p)^0x80000000)
		case OpNegD:
			p := ctx.varAddr(code, pc, 0)
			st64(p, ld64(p)^0x8000000000000000)
		case OpBNot:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ^ld32(p))
		case OpBNot64:
			p := ctx.varAddr(code, pc, 0)
			st64(p, ^ld64(p))

		// --- binary arithmetic and bit operations ---

		case OpAddI, OpSubI, OpMulI, OpDivI, OpModI, OpBAnd, OpBOr, OpBXor,
			OpBSLL, OpBSRL, OpBSRA, OpDivU, OpModU, OpPowI, OpPowU:
			if err := ctx.binop32(code, pc, op); err != nil {
				return err
			}
		case OpAddI64, OpSubI64, OpMulI64, OpDivI64, OpModI64, OpBAnd64,
			OpBOr64, OpBXor64, OpBSLL64, OpBSRL64, OpBSRA64, OpDivU64,
			OpModU64, OpPowI64, OpPowU64:
			if err := ctx.binop64(code, pc, op); err != nil {
				return err
			}
		case OpAddF, OpSubF, OpMulF, OpDivF, OpModF, OpPowF:
			ctx.binopF32(code, pc, op)
		case OpAddD, OpSubD, OpMulD, OpDivD, OpModD, OpPowD:
			ctx.binopF64(code, pc, op)
		case OpPowDI:
			a := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			b := int32(ld32(ctx.varAddr(code, pc, 2)))
			st64(ctx.varAddr(code, pc, 0), math.Float64bits(PowFloat64Int(a, b)))

		case OpAddIC:
			a := int32(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), uint32(a+int32(code[pc+2])))
		case OpSubIC:
			a := int32(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), uint32(a-int32(code[pc+2])))
		case OpMulIC:
			a := int32(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), uint32(a*int32(code[pc+2])))
		case OpAddFC:
			a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(a+math.Float32frombits(code[pc+2])))
		case OpSubFC:
			a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(a-math.Float32frombits(code[pc+2])))
		case OpMulFC:
			a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(a*math.Float32frombits(code[pc+2])))

		// --- conversions ---

		case OpIToF:
			p := ctx.varAddr(code, pc, 0)
			st32(p, math.Float32bits(float32(int32(ld32(p)))))
		case OpFToI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(int32(math.Float32frombits(ld32(p)))))
		case OpUToF:
			p := ctx.varAddr(code, pc, 0)
			st32(p, math.Float32bits(Uint32ToFloat32(ld32(p))))
		case OpFToU:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(int64(math.Float32frombits(ld32(p)))))
		case OpSBToI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(int32(int8(ld8(p)))))
		case OpSWToI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(int32(int16(ld16(p)))))
		case OpUBToI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(ld8(p)))
		case OpUWToI:
			p := ctx.varAddr(code, pc, 0)
			st32(p, uint32(ld16(p)))
		case OpIToB:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ld32(p)&0xff)
		case OpIToW:
			p := ctx.varAddr(code, pc, 0)
			st32(p, ld32(p)&0xffff)
		case OpDToI:
			v := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), uint32(int32(v)))
		case OpDToU:
			v := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), uint32(int64(v)))
		case OpDToF:
			v := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(float32(v)))
		case OpIToD:
			v := int32(ld32(ctx.varAddr(code, pc, 1)))
			st64(ctx.varAddr(code, pc, 0), math.Float64bits(float64(v)))
		case OpUToD:
			v := ld32(ctx.varAddr(code, pc, 1))
			st64(ctx.varAddr(code, pc, 0), math.Float64bits(Uint32ToFloat64(v)))
		case OpFToD:
			v := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st64(ctx.varAddr(code, pc, 0), math.Float64bits(float64(v)))
		case OpI64ToI:
			st32(ctx.varAddr(code, pc, 0), uint32(ld64(ctx.varAddr(code, pc, 1))))
		case OpUToI64:
			st64(ctx.varAddr(code, pc, 0), uint64(ld32(ctx.varAddr(code, pc, 1))))
		case OpIToI64:
			st64(ctx.varAddr(code, pc, 0), uint64(int64(int32(ld32(ctx.varAddr(code, pc, 1))))))
		case OpFToI64:
			v := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st64(ctx.varAddr(code, pc, 0), uint64(int64(v)))
		case OpDToI64:
			v := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
			st64(ctx.varAddr(code, pc, 0), uint64(int64(v)))
		case OpFToU64:
			v := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
			st64(ctx.varAddr(code, pc, 0), Float32ToUint64(v))
		case OpDToU64:
			p := ctx.varAddr(code, pc, 0)
			st64(p, Float64ToUint64(math.Float64frombits(ld64(p))))
		case OpI64ToF:
			v := int64(ld64(ctx.varAddr(code, pc, 1)))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(float32(v)))
		case OpU64ToF:
			v := ld64(ctx.varAddr(code, pc, 1))
			st32(ctx.varAddr(code, pc, 0), math.Float32bits(Uint64ToFloat32(v)))
		case OpI64ToD:
			p := ctx.varAddr(code, pc, 0)
			st64(p, math.Float64bits(float64(int64(ld64(p)))))
		case OpU64ToD:
			p := ctx.varAddr(code, pc, 0)
			st64(p, math.Float64bits(Uint64ToFloat64(ld64(p))))

		// --- calls and termination ---

		case OpRet:
			w := int32(WordArg(code, pc, 0))
			ctx.setSP(addPtr(ctx.fp(), (w-int32(fn.ArgWords))*4))
			if len(ctx.frames) == 0 {
				return nil
			}
			top := ctx.frames[len(ctx.frames)-1]
			ctx.frames = ctx.frames[:len(ctx.frames)-1]
			ctx.setFP(top.fp)
			fn, code, pc = top.fn, top.fn.Code, top.retPC
			continue
		case OpCall:
			callee := ctx.prog.FunctionByIndex(Int32Arg(code, pc))
			if callee == nil {
				return errors.Errorf("call to unknown function index %d", Int32Arg(code, pc))
			}
			if uintptr(ctx.sp())-uintptr(callee.FrameSize*4) < uintptr(ctx.base) {
				return ErrStackOverflow
			}
			ctx.frames = append(ctx.frames, frame{fn: fn, retPC: next, fp: ctx.fp()})
			newFP := addPtr(ctx.sp(), int32(callee.ArgWords)*4)
			ctx.setFP(newFP)
			ctx.setSP(addPtr(newFP, -int32(callee.FrameSize)*4))
			fn, code, pc = callee, callee.Code, 0
			continue
		case OpCallSys:
			h := ctx.prog.Host(Int32Arg(code, pc))
			if h.Fn == nil {
				return errors.Errorf("call to unbound host function %d", Int32Arg(code, pc))
			}
			h.Fn(ctx)
			ctx.setSP(addPtr(ctx.sp(), int32(h.Args)*4))
		case OpStr:
			return errors.Wrapf(ErrDeprecatedOpcode, "STR at %d", pc)
		case OpCallBnd, OpCallIntf, OpCallPtr, OpThiscall1, OpAlloc, OpFree,
			OpRefCpy, OpRefCpyV, OpCast, OpAllocMem:
			return errors.Errorf("%s requires the full VM runtime", op)

		default:
			return errors.Errorf("unhandled opcode %s at %d", op, pc)
		}

		pc = next
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (ctx *Context) exceptionError() error {
	switch ctx.Regs.Exception {
	case ExceptNullPointer:
		return ErrNullPointerAccess
	default:
		return errors.Errorf("script exception %d", ctx.Regs.Exception)
	}
}

func (ctx *Context) binop32(code []uint32, pc uint32, op Op) error {
	d := ctx.varAddr(code, pc, 0)
	a := ld32(ctx.varAddr(code, pc, 1))
	b := ld32(ctx.varAddr(code, pc, 2))
	switch op {
	case OpAddI:
		st32(d, uint32(int32(a)+int32(b)))
	case OpSubI:
		st32(d, uint32(int32(a)-int32(b)))
	case OpMulI:
		st32(d, uint32(int32(a)*int32(b)))
	case OpDivI:
		if b == 0 {
			return ErrDivideByZero
		}
		st32(d, uint32(int32(a)/int32(b)))
	case OpModI:
		if b == 0 {
			return ErrDivideByZero
		}
		st32(d, uint32(int32(a)%int32(b)))
	case OpDivU:
		if b == 0 {
			return ErrDivideByZero
		}
		st32(d, a/b)
	case OpModU:
		if b == 0 {
			return ErrDivideByZero
		}
		st32(d, a%b)
	case OpBAnd:
		st32(d, a&b)
	case OpBOr:
		st32(d, a|b)
	case OpBXor:
		st32(d, a^b)
	case OpBSLL:
		st32(d, a<<(b&31))
	case OpBSRL:
		st32(d, a>>(b&31))
	case OpBSRA:
		st32(d, uint32(int32(a)>>(b&31)))
	case OpPowI:
		st32(d, uint32(PowInt32(int32(a), int32(b))))
	case OpPowU:
		st32(d, PowUint32(a, b))
	}
	return nil
}

func (ctx *Context) binop64(code []uint32, pc uint32, op Op) error {
	d := ctx.varAddr(code, pc, 0)
	a := ld64(ctx.varAddr(code, pc, 1))
	b := ld64(ctx.varAddr(code, pc, 2))
	switch op {
	case OpAddI64:
		st64(d, a+b)
	case OpSubI64:
		st64(d, a-b)
	case OpMulI64:
		st64(d, a*b)
	case OpDivI64:
		if b == 0 {
			return ErrDivideByZero
		}
		st64(d, uint64(int64(a)/int64(b)))
	case OpModI64:
		if b == 0 {
			return ErrDivideByZero
		}
		st64(d, uint64(int64(a)%int64(b)))
	case OpDivU64:
		if b == 0 {
			return ErrDivideByZero
		}
		st64(d, a/b)
	case OpModU64:
		if b == 0 {
			return ErrDivideByZero
		}
		st64(d, a%b)
	case OpBAnd64:
		st64(d, a&b)
	case OpBOr64:
		st64(d, a|b)
	case OpBXor64:
		st64(d, a^b)
	case OpBSLL64:
		st64(d, a<<(b&63))
	case OpBSRL64:
		st64(d, a>>(b&63))
	case OpBSRA64:
		st64(d, uint64(int64(a)>>(b&63)))
	case OpPowI64:
		st64(d, uint64(PowInt64(int64(a), int64(b))))
	case OpPowU64:
		st64(d, PowUint64(a, b))
	}
	return nil
}

func (ctx *Context) binopF32(code []uint32, pc uint32, op Op) {
	d := ctx.varAddr(code, pc, 0)
	a := math.Float32frombits(ld32(ctx.varAddr(code, pc, 1)))
	b := math.Float32frombits(ld32(ctx.varAddr(code, pc, 2)))
	var r float32
	switch op {
	case OpAddF:
		r = a + b
	case OpSubF:
		r = a - b
	case OpMulF:
		r = a * b
	case OpDivF:
		r = a / b
	case OpModF:
		r = ModFloat32(a, b)
	case OpPowF:
		r = PowFloat32(a, b)
	}
	st32(d, math.Float32bits(r))
}

func (ctx *Context) binopF64(code []uint32, pc uint32, op Op) {
	d := ctx.varAddr(code, pc, 0)
	a := math.Float64frombits(ld64(ctx.varAddr(code, pc, 1)))
	b := math.Float64frombits(ld64(ctx.varAddr(code, pc, 2)))
	var r float64
	switch op {
	case OpAddD:
		r = a + b
	case OpSubD:
		r = a - b
	case OpMulD:
		r = a * b
	case OpDivD:
		r = a / b
	case OpModD:
		r = ModFloat64(a, b)
	case OpPowD:
		r = PowFloat64(a, b)
	}
	st64(d, math.Float64bits(r))
}
