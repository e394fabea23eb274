package jit

import (
	"math"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexlang/vex/vm"
)

// hostCompiler returns a compiler for the running machine or skips.
func hostCompiler(t *testing.T, opts Options) Compiler {
	t.Helper()
	if opts.Logger == nil {
		opts = quietOpts()
	}
	c, err := New(opts)
	if err != nil {
		t.Skipf("no code generator on %s", runtime.GOARCH)
	}
	return c
}

type execCase struct {
	name  string
	build func(t *testing.T, b *vm.Assembler)
	frame int
}

// runEquivalence executes the program under the interpreter and under the
// compiled code and compares the observable VM state.
func runEquivalence(t *testing.T, tc execCase) {
	t.Helper()

	build := func() *vm.Function {
		b := vm.NewAssembler()
		b.JitEntry()
		tc.build(t, b)
		frame := tc.frame
		if frame == 0 {
			frame = 8
		}
		fn, err := b.Function(tc.name, frame, 0)
		require.NoError(t, err)
		return fn
	}

	ref := build()
	prog := vm.NewProgram()
	require.NoError(t, prog.AddFunction(ref))
	ctx := vm.NewContext(prog, 4096)
	ctx.UseJIT = false
	interpErr := ctx.Run(ref)
	wantValue := ctx.Regs.ValueRegister
	wantObj := ctx.Regs.ObjectRegister

	c := hostCompiler(t, Options{})
	jf, err := c.CompileFunction(ref)
	require.NoError(t, err)
	defer c.ReleaseFunction(jf)
	ref.JIT = jf

	ctx2 := vm.NewContext(prog, 4096)
	jitErr := ctx2.Run(ref)

	if interpErr != nil {
		require.Error(t, jitErr)
		assert.ErrorIs(t, jitErr, interpErr)
		return
	}
	require.NoError(t, jitErr)
	assert.Equal(t, wantValue, ctx2.Regs.ValueRegister, "value register")
	assert.Equal(t, wantObj, ctx2.Regs.ObjectRegister, "object register")
}

func TestEquivalenceInteger(t *testing.T) {
	cases := []execCase{
		{name: "add_i", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 2)
			b.OpWDW(vm.OpSetV4, 2, 3)
			b.OpWWW(vm.OpAddI, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "sub_mul", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 100)
			b.OpWDW(vm.OpSetV4, 2, 7)
			b.OpWWW(vm.OpSubI, 3, 1, 2)
			b.OpWWW(vm.OpMulI, 3, 3, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "div_mod", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xfffffff9) // -7
			b.OpWDW(vm.OpSetV4, 2, 3)
			b.OpWWW(vm.OpDivI, 3, 1, 2)
			b.OpWWW(vm.OpModI, 4, 1, 2)
			b.OpWWW(vm.OpAddI, 3, 3, 4)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "div_mod_u", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xfffffff9)
			b.OpWDW(vm.OpSetV4, 2, 10)
			b.OpWWW(vm.OpDivU, 3, 1, 2)
			b.OpWWW(vm.OpModU, 4, 1, 2)
			b.OpWWW(vm.OpBXor, 3, 3, 4)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "bits", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xf0f0f0f0)
			b.OpWDW(vm.OpSetV4, 2, 0x0ff00ff0)
			b.OpWWW(vm.OpBAnd, 3, 1, 2)
			b.OpWWW(vm.OpBOr, 4, 1, 2)
			b.OpWWW(vm.OpBXor, 3, 3, 4)
			b.OpW(vm.OpBNot, 3)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "shifts", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0x80000001)
			b.OpWDW(vm.OpSetV4, 2, 3)
			b.OpWWW(vm.OpBSLL, 3, 1, 2)
			b.OpWWW(vm.OpBSRL, 4, 1, 2)
			b.OpWWW(vm.OpBSRA, 5, 1, 2)
			b.OpWWW(vm.OpBXor, 3, 3, 4)
			b.OpWWW(vm.OpBXor, 3, 3, 5)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "neg_inc", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 21)
			b.OpW(vm.OpNegI, 1)
			b.OpW(vm.OpIncVi, 1)
			b.OpW(vm.OpDecVi, 1)
			b.OpW(vm.OpLdV, 1)
			b.Op(vm.OpIncI)
			b.OpW(vm.OpCpyVtoR4, 1)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "imm_forms", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 10)
			b.OpWWDW(vm.OpAddIC, 2, 1, 5)
			b.OpWWDW(vm.OpSubIC, 3, 2, 4)
			b.OpWWDW(vm.OpMulIC, 3, 3, 100)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "pow_i", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 3)
			b.OpWDW(vm.OpSetV4, 2, 7)
			b.OpWWW(vm.OpPowI, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { runEquivalence(t, tc) })
	}
}

func TestEquivalenceInt64(t *testing.T) {
	cases := []execCase{
		{name: "arith64", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWQW(vm.OpSetV8, 2, 0x1_0000_0001)
			b.OpWQW(vm.OpSetV8, 4, 0x2_0000_0003)
			b.OpWWW(vm.OpAddI64, 6, 2, 4)
			b.OpWWW(vm.OpMulI64, 6, 6, 4)
			b.OpW(vm.OpCpyVtoR8, 6)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "div64", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWQW(vm.OpSetV8, 2, uint64(0xffffffffffffff85)) // -123
			b.OpWQW(vm.OpSetV8, 4, 10)
			b.OpWWW(vm.OpDivI64, 6, 2, 4)
			b.OpWWW(vm.OpModI64, 2, 2, 4)
			b.OpWWW(vm.OpBXor64, 6, 6, 2)
			b.OpW(vm.OpCpyVtoR8, 6)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "shift64", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWQW(vm.OpSetV8, 2, 0x8000000000000001)
			b.OpWQW(vm.OpSetV8, 4, 7)
			b.OpWWW(vm.OpBSRL64, 6, 2, 4)
			b.OpWWW(vm.OpBSRA64, 2, 2, 4)
			b.OpWWW(vm.OpBXor64, 6, 6, 2)
			b.OpW(vm.OpCpyVtoR8, 6)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "pow64", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWQW(vm.OpSetV8, 2, 6)
			b.OpWQW(vm.OpSetV8, 4, 19)
			b.OpWWW(vm.OpPowI64, 6, 2, 4)
			b.OpW(vm.OpCpyVtoR8, 6)
			b.OpW(vm.OpRet, 0)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { runEquivalence(t, tc) })
	}
}

func TestEquivalenceFloat(t *testing.T) {
	cases := []execCase{
		{name: "fmul", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWF(vm.OpSetV4, 1, 3.5)
			b.OpWF(vm.OpSetV4, 2, 2.0)
			b.OpWWW(vm.OpMulF, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "fdiv_fsub", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWF(vm.OpSetV4, 1, 10.0)
			b.OpWF(vm.OpSetV4, 2, 4.0)
			b.OpWWW(vm.OpDivF, 3, 1, 2)
			b.OpWWW(vm.OpSubF, 3, 3, 2)
			b.OpWWW(vm.OpAddF, 3, 3, 1)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "fmod", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWF(vm.OpSetV4, 1, 7.75)
			b.OpWF(vm.OpSetV4, 2, 2.5)
			b.OpWWW(vm.OpModF, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "fpow", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWF(vm.OpSetV4, 1, 2.0)
			b.OpWF(vm.OpSetV4, 2, 0.5)
			b.OpWWW(vm.OpPowF, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "fneg_imm", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWF(vm.OpSetV4, 1, 1.25)
			b.OpW(vm.OpNegF, 1)
			b.OpWWDW(vm.OpAddFC, 2, 1, math.Float32bits(10))
			b.OpWWDW(vm.OpMulFC, 2, 2, math.Float32bits(3))
			b.OpW(vm.OpCpyVtoR4, 2)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "double", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWQW(vm.OpSetV8, 2, math.Float64bits(1.5))
			b.OpWQW(vm.OpSetV8, 4, math.Float64bits(0.25))
			b.OpWWW(vm.OpAddD, 6, 2, 4)
			b.OpWWW(vm.OpDivD, 6, 6, 4)
			b.OpWWW(vm.OpModD, 6, 6, 2)
			b.OpW(vm.OpNegD, 6)
			b.OpW(vm.OpCpyVtoR8, 6)
			b.OpW(vm.OpRet, 0)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { runEquivalence(t, tc) })
	}
}

func TestEquivalenceConversions(t *testing.T) {
	cases := []execCase{
		{name: "i_f_d", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xffffffe0) // -32
			b.OpW(vm.OpIToF, 1)
			b.OpWW(vm.OpFToD, 2, 1)
			b.OpWW(vm.OpDToI64, 4, 2)
			b.OpW(vm.OpCpyVtoR8, 4)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "narrowing", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0x12345678)
			b.OpW(vm.OpIToB, 1)
			b.OpWDW(vm.OpSetV4, 2, 0x0000ccaa)
			b.OpW(vm.OpSBToI, 2)
			b.OpWWW(vm.OpAddI, 3, 1, 2)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "unsigned_helpers", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xf0000000)
			b.OpW(vm.OpUToF, 1)
			b.OpWQW(vm.OpSetV8, 2, 0xf000000000000000)
			b.OpW(vm.OpU64ToD, 2)
			b.OpW(vm.OpDToU64, 2)
			b.OpW(vm.OpCpyVtoR8, 2)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "widening", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0xfffffffe)
			b.OpWW(vm.OpIToI64, 2, 1)
			b.OpWW(vm.OpUToI64, 4, 1)
			b.OpWWW(vm.OpSubI64, 2, 4, 2)
			b.OpW(vm.OpCpyVtoR8, 2)
			b.OpW(vm.OpRet, 0)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { runEquivalence(t, tc) })
	}
}

func TestEquivalenceBranchesAndCompares(t *testing.T) {
	// for (i = 10; i > 0; --i) s += i  → exercises JNP and a backward JMP.
	sum := execCase{name: "loop", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 0)
		b.OpWDW(vm.OpSetV4, 2, 10)
		top := b.Label()
		done := b.Label()
		b.Bind(top)
		b.OpW(vm.OpCpyVtoR4, 2)
		b.Branch(vm.OpJNP, done)
		b.OpWWW(vm.OpAddI, 1, 1, 2)
		b.OpW(vm.OpDecVi, 2)
		b.Branch(vm.OpJmp, top)
		b.Bind(done)
		b.OpW(vm.OpCpyVtoR4, 1)
		b.OpW(vm.OpRet, 0)
	}}
	runEquivalence(t, sum)

	for _, vals := range [][2]uint32{{2, 3}, {3, 3}, {7, 3}, {0x80000000, 1}} {
		vals := vals
		runEquivalence(t, execCase{name: "cmp_matrix", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, vals[0])
			b.OpWDW(vm.OpSetV4, 2, vals[1])
			b.OpWW(vm.OpCmpI, 1, 2)
			b.OpW(vm.OpCpyRtoV4, 3)
			b.OpWW(vm.OpCmpU, 1, 2)
			b.OpW(vm.OpCpyRtoV4, 4)
			b.OpWDW(vm.OpCmpIC, 1, 3)
			b.OpW(vm.OpCpyRtoV4, 5)
			b.OpWWW(vm.OpBXor, 3, 3, 4)
			b.OpWWW(vm.OpBXor, 3, 3, 5)
			b.OpW(vm.OpCpyVtoR4, 3)
			b.OpW(vm.OpRet, 0)
		}})
	}

	runEquivalence(t, execCase{name: "cmp_float", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWF(vm.OpSetV4, 1, 1.5)
		b.OpWF(vm.OpSetV4, 2, 2.5)
		b.OpWW(vm.OpCmpF, 1, 2)
		b.OpW(vm.OpCpyRtoV4, 3)
		b.OpWDW(vm.OpCmpFC, 2, math.Float32bits(2.5))
		b.OpWW(vm.OpCmpI, 3, 1) // mix in the stored outcome
		b.OpW(vm.OpRet, 0)
	}})

	// int x = 0; if (x == 0) x = 1; return x;  — a single forward branch.
	runEquivalence(t, execCase{name: "forward_branch", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 0)
		b.OpW(vm.OpCpyVtoR4, 1)
		skip := b.Label()
		b.Branch(vm.OpJNZ, skip)
		b.OpWDW(vm.OpSetV4, 1, 1)
		b.Bind(skip)
		b.OpW(vm.OpCpyVtoR4, 1)
		b.OpW(vm.OpRet, 0)
	}})

	// return 7 % 3;
	runEquivalence(t, execCase{name: "modulo", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 7)
		b.OpWDW(vm.OpSetV4, 2, 3)
		b.OpWWW(vm.OpModI, 3, 1, 2)
		b.OpW(vm.OpCpyVtoR4, 3)
		b.OpW(vm.OpRet, 0)
	}})

	runEquivalence(t, execCase{name: "tests_family", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 0xffffffff)
		b.OpW(vm.OpCpyVtoR4, 1)
		b.Op(vm.OpTS)
		b.OpW(vm.OpCpyRtoV4, 2)
		b.Op(vm.OpTZ)
		b.OpW(vm.OpCpyRtoV4, 3)
		b.Op(vm.OpTNP)
		b.OpWWW(vm.OpAddI, 2, 2, 3)
		b.OpW(vm.OpCpyVtoR4, 2)
		b.OpW(vm.OpRet, 0)
	}})
}

func TestEquivalenceStackAndPointers(t *testing.T) {
	runEquivalence(t, execCase{name: "psf_rds", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 5)
		b.OpW(vm.OpPSF, 1)
		b.Op(vm.OpRDSPtr)
		b.Op(vm.OpPopRPtr)
		b.OpW(vm.OpRet, 0)
	}})

	runEquivalence(t, execCase{name: "getref", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 77)
		b.OpW(vm.OpVar, 1)
		b.OpW(vm.OpGetRef, 0)
		b.Op(vm.OpRDSPtr)
		b.Op(vm.OpPopRPtr)
		b.OpW(vm.OpRet, 0)
	}})

	runEquivalence(t, execCase{name: "wrtv_rdr", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 1, 0x11223344)
		b.OpWDW(vm.OpSetV4, 2, 0)
		b.OpW(vm.OpLdV, 2)
		b.OpW(vm.OpWrtV4, 1)
		b.OpW(vm.OpRdR4, 3)
		b.OpW(vm.OpCpyVtoR4, 3)
		b.OpW(vm.OpRet, 0)
	}})

	runEquivalence(t, execCase{name: "swap_pop", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWDW(vm.OpSetV4, 2, 0xaaaa)
		b.OpWDW(vm.OpSetV4, 4, 0xbbbb)
		b.OpW(vm.OpPshV8, 2)
		b.OpW(vm.OpPshV8, 4)
		b.Op(vm.OpSwapPtr)
		b.Op(vm.OpPopRPtr)
		b.Op(vm.OpPopPtr)
		b.OpW(vm.OpRet, 0)
	}})

	runEquivalence(t, execCase{name: "loadobj", build: func(t *testing.T, b *vm.Assembler) {
		b.OpWQW(vm.OpSetV8, 2, 0x1234)
		b.OpW(vm.OpLoadObj, 2)
		b.OpW(vm.OpStoreObj, 4)
		b.OpW(vm.OpCpyVtoR8, 4)
		b.OpW(vm.OpRet, 0)
	}})
}

func TestEquivalenceGlobals(t *testing.T) {
	var g1, g2 uint32
	a1 := uintptr(unsafe.Pointer(&g1))
	a2 := uintptr(unsafe.Pointer(&g2))

	tc := execCase{name: "globals", build: func(t *testing.T, b *vm.Assembler) {
		b.OpPtrDW(vm.OpSetG4, a1, 1234)
		b.OpWPtr(vm.OpCpyGtoV4, 1, a1)
		b.OpWPtr(vm.OpCpyVtoG4, 1, a2)
		b.OpWPtr(vm.OpLdGRdR4, 2, a2)
		b.OpW(vm.OpCpyVtoR4, 2)
		b.OpW(vm.OpRet, 0)
	}}
	runEquivalence(t, tc)
	assert.Equal(t, uint32(1234), g1)
	assert.Equal(t, uint32(1234), g2)
}

func TestEquivalenceCopy(t *testing.T) {
	src := [4]uint32{1, 2, 3, 4}
	var dst [4]uint32
	srcAddr := uintptr(unsafe.Pointer(&src[0]))
	dstAddr := uintptr(unsafe.Pointer(&dst[0]))

	tc := execCase{name: "blockcopy", build: func(t *testing.T, b *vm.Assembler) {
		b.OpPtr(vm.OpPGA, srcAddr)
		b.OpPtr(vm.OpPGA, dstAddr)
		b.OpWDW(vm.OpCopy, 0, 4)
		b.OpW(vm.OpRet, 0)
	}}
	runEquivalence(t, tc)
	assert.Equal(t, src, dst)
}

// A compiled function must yield at CALLSYS with every mirror flushed, let
// the interpreter run the host call, and resume at the following jit entry.
func TestHostCallYieldAndResume(t *testing.T) {
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 21)
	b.OpW(vm.OpCpyVtoR4, 1)
	b.OpW(vm.OpPshV4, 1)
	b.OpDW(vm.OpCallSys, 9)
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 2, 2)
	b.OpWWW(vm.OpMulI, 3, 1, 2)
	b.OpW(vm.OpCpyVtoR4, 3)
	b.OpW(vm.OpRet, 0)
	fn, err := b.Function("hosted", 4, 0)
	require.NoError(t, err)

	prog := vm.NewProgram()
	require.NoError(t, prog.AddFunction(fn))

	var sawArg uint32
	var sawValue uint64
	prog.BindHost(9, 1, func(ctx *vm.Context) {
		sawArg = ctx.StackArg32(0)
		sawValue = ctx.Regs.ValueRegister
	})

	c := hostCompiler(t, Options{})
	require.NoError(t, prog.Compile(c))
	require.NotNil(t, fn.JIT)

	ctx := vm.NewContext(prog, 4096)
	require.NoError(t, ctx.Run(fn))

	assert.Equal(t, uint32(21), sawArg, "stack mirror flushed before the yield")
	assert.Equal(t, uint64(21), sawValue, "value mirror flushed before the yield")
	assert.Equal(t, uint64(42), ctx.Regs.ValueRegister, "resumed after the host call")
}

func TestNullCheckCoverage(t *testing.T) {
	cases := []execCase{
		{name: "rdsptr", build: func(t *testing.T, b *vm.Assembler) {
			b.Op(vm.OpPshNull)
			b.Op(vm.OpRDSPtr)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "chkref", build: func(t *testing.T, b *vm.Assembler) {
			b.Op(vm.OpPshNull)
			b.Op(vm.OpChkRef)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "chknullv", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpSetV4, 1, 0)
			b.OpW(vm.OpChkNullV, 1)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "addsi", build: func(t *testing.T, b *vm.Assembler) {
			b.Op(vm.OpPshNull)
			b.OpWDW(vm.OpAddSi, 8, 0)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "loadthisr", build: func(t *testing.T, b *vm.Assembler) {
			b.OpWDW(vm.OpLoadThisR, 8, 0)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "loadrobjr", build: func(t *testing.T, b *vm.Assembler) {
			b.OpW(vm.OpClrVPtr, 2)
			b.OpWWDW(vm.OpLoadRObjR, 2, 8, 0)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "setlistsize", build: func(t *testing.T, b *vm.Assembler) {
			b.OpW(vm.OpClrVPtr, 2)
			b.OpWDWDW(vm.OpSetListSize, 2, 0, 4)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "pshlistelmnt", build: func(t *testing.T, b *vm.Assembler) {
			b.OpW(vm.OpClrVPtr, 2)
			b.OpWDW(vm.OpPshListElmnt, 2, 8)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "setlisttype", build: func(t *testing.T, b *vm.Assembler) {
			b.OpW(vm.OpClrVPtr, 2)
			b.OpWDWDW(vm.OpSetListType, 2, 0, 7)
			b.OpW(vm.OpRet, 0)
		}},
		{name: "copy_null", build: func(t *testing.T, b *vm.Assembler) {
			b.Op(vm.OpPshNull)
			b.Op(vm.OpPshNull)
			b.OpWDW(vm.OpCopy, 0, 1)
			b.OpW(vm.OpRet, 0)
		}},
	}

	c := hostCompiler(t, Options{})
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := vm.NewAssembler()
			b.JitEntry()
			tc.build(t, b)
			fn, err := b.Function("null_"+tc.name, 8, 0)
			require.NoError(t, err)

			prog := vm.NewProgram()
			require.NoError(t, prog.AddFunction(fn))
			jf, err := c.CompileFunction(fn)
			require.NoError(t, err)
			defer c.ReleaseFunction(jf)
			fn.JIT = jf

			ctx := vm.NewContext(prog, 4096)
			assert.ErrorIs(t, ctx.Run(fn), vm.ErrNullPointerAccess)
		})
	}
}

func TestSkipSetYieldsToInterpreter(t *testing.T) {
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 2)
	b.OpWDW(vm.OpSetV4, 2, 3)
	b.OpWWW(vm.OpAddI, 3, 1, 2)
	b.OpW(vm.OpCpyVtoR4, 3)
	b.OpW(vm.OpRet, 0)
	fn, err := b.Function("skippy", 4, 0)
	require.NoError(t, err)

	c := hostCompiler(t, Options{})
	c.PushInstructionIndexForSkip("skippy", 4) // the ADDi runs interpreted

	prog := vm.NewProgram()
	require.NoError(t, prog.AddFunction(fn))
	require.NoError(t, prog.Compile(c))
	require.NotNil(t, fn.JIT)

	ctx := vm.NewContext(prog, 4096)
	require.NoError(t, ctx.Run(fn))
	assert.Equal(t, uint64(5), ctx.Regs.ValueRegister)
}

func TestReleaseFunction(t *testing.T) {
	c := hostCompiler(t, Options{})
	fn := sampleFunction(t, "shortlived")
	jf, err := c.CompileFunction(fn)
	require.NoError(t, err)
	c.ReleaseFunction(jf)
	c.ReleaseFunction(jf) // double release is a no-op
}
