package vm

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFn(t *testing.T, b *Assembler, name string, frame int) *Function {
	t.Helper()
	fn, err := b.Function(name, frame, 0)
	require.NoError(t, err)
	return fn
}

func runFn(t *testing.T, fn *Function) *Context {
	t.Helper()
	prog := NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	require.NoError(t, ctx.Run(fn))
	return ctx
}

func TestInterpAdd(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 2)
	b.OpWDW(OpSetV4, 2, 3)
	b.OpWWW(OpAddI, 3, 1, 2)
	b.OpW(OpCpyVtoR4, 3)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "add", 4))
	assert.Equal(t, uint64(5), ctx.Regs.ValueRegister)
}

func TestInterpModulo(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 7)
	b.OpWDW(OpSetV4, 2, 3)
	b.OpWWW(OpModI, 3, 1, 2)
	b.OpW(OpCpyVtoR4, 3)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "mod", 4))
	assert.Equal(t, uint64(1), ctx.Regs.ValueRegister)
}

func TestInterpForwardBranch(t *testing.T) {
	// int x = 0; if (x == 0) x = 1; return x;
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 0)
	b.OpW(OpCpyVtoR4, 1)
	skip := b.Label()
	b.Branch(OpJNZ, skip)
	b.OpWDW(OpSetV4, 1, 1)
	b.Bind(skip)
	b.OpW(OpCpyVtoR4, 1)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "branch", 4))
	assert.Equal(t, uint64(1), ctx.Regs.ValueRegister)
}

func TestInterpFloatMul(t *testing.T) {
	b := NewAssembler()
	b.OpWF(OpSetV4, 1, 3.5)
	b.OpWF(OpSetV4, 2, 2.0)
	b.OpWWW(OpMulF, 3, 1, 2)
	b.OpW(OpCpyVtoR4, 3)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "fmul", 4))
	assert.Equal(t, math.Float32bits(7.0), uint32(ctx.Regs.ValueRegister))
}

func TestInterpComparisons(t *testing.T) {
	cases := []struct {
		a, b uint32
		want uint32
	}{
		{2, 3, 0xffffffff},
		{3, 3, 0},
		{4, 3, 1},
	}
	for _, tc := range cases {
		b := NewAssembler()
		b.OpWDW(OpSetV4, 1, tc.a)
		b.OpWDW(OpSetV4, 2, tc.b)
		b.OpWW(OpCmpI, 1, 2)
		b.OpW(OpRet, 0)
		ctx := runFn(t, mustFn(t, b, "cmp", 4))
		assert.Equal(t, tc.want, uint32(ctx.Regs.ValueRegister), "%d <=> %d", tc.a, tc.b)
	}
}

func TestInterpPow(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 2)
	b.OpWDW(OpSetV4, 2, 10)
	b.OpWWW(OpPowI, 3, 1, 2)
	b.OpW(OpCpyVtoR4, 3)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "pow", 4))
	assert.Equal(t, uint64(1024), ctx.Regs.ValueRegister)
}

func TestInterpConversionChain(t *testing.T) {
	// double d = 2.5; float f = (float)d; int i = (int)f;
	b := NewAssembler()
	b.OpWQW(OpSetV8, 2, math.Float64bits(2.5))
	b.OpWW(OpDToF, 3, 2)
	b.OpW(OpFToI, 3)
	b.OpW(OpCpyVtoR4, 3)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "convert", 4))
	assert.Equal(t, uint64(2), ctx.Regs.ValueRegister)
}

func TestInterpIncThroughRegister(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 41)
	b.OpW(OpLdV, 1)
	b.Op(OpIncI)
	b.OpW(OpCpyVtoR4, 1)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "incvia", 4))
	assert.Equal(t, uint64(42), ctx.Regs.ValueRegister)
}

func TestInterpHostCall(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 7)
	b.OpW(OpPshV4, 1)
	b.OpDW(OpCallSys, 3)
	b.OpW(OpRet, 0)
	fn := mustFn(t, b, "host", 4)

	prog := NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	var got uint32
	prog.BindHost(3, 1, func(ctx *Context) {
		got = ctx.StackArg32(0)
		ctx.SetReturn32(got * 2)
	})
	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	require.NoError(t, ctx.Run(fn))
	assert.Equal(t, uint32(7), got)
	assert.Equal(t, uint64(14), ctx.Regs.ValueRegister)
}

func TestInterpScriptCall(t *testing.T) {
	// callee(a, b) -> value register = a + b; caller pushes 10 and 32.
	cb := NewAssembler()
	cb.OpWWW(OpAddI, 3, 1, 2)
	cb.OpW(OpCpyVtoR4, 3)
	cb.OpW(OpRet, 2)
	callee, err := cb.Function("sum", 4, 2)
	require.NoError(t, err)

	prog := NewProgram()
	require.NoError(t, prog.AddFunction(callee))

	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 10)
	b.OpWDW(OpSetV4, 2, 32)
	b.OpW(OpPshV4, 1)
	b.OpW(OpPshV4, 2)
	b.OpDW(OpCall, uint32(prog.IndexOf(callee)))
	b.OpW(OpRet, 0)
	caller, err := b.Function("caller", 4, 0)
	require.NoError(t, err)
	require.NoError(t, prog.AddFunction(caller))

	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	require.NoError(t, ctx.Run(caller))
	assert.Equal(t, uint64(42), ctx.Regs.ValueRegister)
}

func TestInterpNullDeref(t *testing.T) {
	b := NewAssembler()
	b.Op(OpPshNull)
	b.Op(OpRDSPtr)
	b.OpW(OpRet, 0)
	fn := mustFn(t, b, "null", 4)

	prog := NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	err := ctx.Run(fn)
	assert.ErrorIs(t, err, ErrNullPointerAccess)
}

func TestInterpGlobals(t *testing.T) {
	var global uint32
	addr := uintptr(unsafe.Pointer(&global))

	b := NewAssembler()
	b.OpPtrDW(OpSetG4, addr, 99)
	b.OpWPtr(OpCpyGtoV4, 1, addr)
	b.OpW(OpCpyVtoR4, 1)
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "globals", 4))
	assert.Equal(t, uint32(99), global)
	assert.Equal(t, uint64(99), ctx.Regs.ValueRegister)
}

func TestInterpStackOps(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 5)
	b.OpW(OpPSF, 1)   // push &v1
	b.Op(OpRDSPtr)    // deref -> 5 (low word of the pointer-wide read)
	b.Op(OpPopRPtr)   // value = read
	b.OpW(OpRet, 0)
	ctx := runFn(t, mustFn(t, b, "stackops", 4))
	assert.Equal(t, uint32(5), uint32(ctx.Regs.ValueRegister))
}

func TestInterpDivideByZero(t *testing.T) {
	b := NewAssembler()
	b.OpWDW(OpSetV4, 1, 1)
	b.OpWDW(OpSetV4, 2, 0)
	b.OpWWW(OpDivI, 3, 1, 2)
	b.OpW(OpRet, 0)
	fn := mustFn(t, b, "divzero", 4)
	prog := NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	assert.ErrorIs(t, ctx.Run(fn), ErrDivideByZero)
}

func TestInterpDeprecatedOpcode(t *testing.T) {
	b := NewAssembler()
	b.OpW(OpStr, 0)
	fn := mustFn(t, b, "oldstr", 1)
	prog := NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	ctx := NewContext(prog, 1024)
	ctx.UseJIT = false
	assert.ErrorIs(t, ctx.Run(fn), ErrDeprecatedOpcode)
}
