package jit

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexlang/vex/vm"
)

type translator interface {
	Translate(fn *vm.Function) ([]byte, error)
	PushInstructionIndexForSkip(name string, index uint)
}

func quietOpts() Options {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return Options{Logger: log}
}

func bothTargets(t *testing.T, run func(t *testing.T, c translator)) {
	t.Run("x64", func(t *testing.T) { run(t, NewX64(quietOpts())) })
	t.Run("a64", func(t *testing.T) { run(t, NewA64(quietOpts())) })
}

func sampleFunction(t *testing.T, name string) *vm.Function {
	t.Helper()
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 2)
	b.OpWDW(vm.OpSetV4, 2, 3)
	b.OpWWW(vm.OpAddI, 3, 1, 2)
	b.OpW(vm.OpCpyVtoR4, 3)
	b.OpW(vm.OpRet, 0)
	fn, err := b.Function(name, 4, 0)
	require.NoError(t, err)
	return fn
}

func TestRefusals(t *testing.T) {
	bothTargets(t, func(t *testing.T, c translator) {
		_, err := c.Translate(sampleFunction(t, "main_nojit"))
		assert.True(t, vm.IsRefusal(err))

		_, err = c.Translate(sampleFunction(t, "Thing::$fact"))
		assert.True(t, vm.IsRefusal(err))

		_, err = c.Translate(&vm.Function{Name: "empty"})
		assert.True(t, vm.IsRefusal(err))
	})
}

func TestDeprecatedOpcodeFailsCompilation(t *testing.T) {
	bothTargets(t, func(t *testing.T, c translator) {
		b := vm.NewAssembler()
		b.OpW(vm.OpStr, 0)
		fn, err := b.Function("legacy", 1, 0)
		require.NoError(t, err)
		_, err = c.Translate(fn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "deprecated")
	})
}

func TestScanPassLabelUniqueness(t *testing.T) {
	b := vm.NewAssembler()
	top := b.Label()
	out := b.Label()
	b.Bind(top)
	b.OpW(vm.OpCpyVtoR4, 1)
	b.Branch(vm.OpJZ, out)
	b.OpW(vm.OpDecVi, 1)
	b.Branch(vm.OpJmp, top)
	b.Bind(out)
	b.OpW(vm.OpRet, 0)
	fn, err := b.Function("looping", 4, 0)
	require.NoError(t, err)

	next := 0
	labels := scanLabels(fn.Code, func() int { next++; return next - 1 })

	// One entry per branch opcode, and for every branch exactly one entry
	// matches its computed target.
	assert.Len(t, labels, 2)
	for addr := uint32(0); addr < uint32(len(fn.Code)); {
		op := vm.Decode(fn.Code, addr)
		if vm.IsBranch(op) {
			matches := 0
			target := vm.BranchTarget(fn.Code, addr)
			for _, li := range labels {
				if li.target == target {
					matches++
				}
			}
			assert.Equal(t, 1, matches, "branch at %d", addr)
		}
		addr += vm.InstrSize(op)
	}
}

func TestUnresolvableBranchTarget(t *testing.T) {
	bothTargets(t, func(t *testing.T, c translator) {
		// A displacement landing inside the SetV4 operand word: the scan
		// pass records the target but the emit pass never reaches it, so
		// the label stays unbound.
		b := vm.NewAssembler()
		b.OpDW(vm.OpJmp, 1)
		b.OpWDW(vm.OpSetV4, 1, 7)
		b.OpW(vm.OpRet, 0)
		fn, err := b.Function("crooked", 4, 0)
		require.NoError(t, err)
		_, err = c.Translate(fn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "label")
	})
}

func TestJitEntryPatching(t *testing.T) {
	bothTargets(t, func(t *testing.T, c translator) {
		b := vm.NewAssembler()
		b.JitEntry()
		b.OpWDW(vm.OpSetV4, 1, 1)
		b.OpDW(vm.OpCallSys, 0)
		b.JitEntry()
		b.OpW(vm.OpRet, 0)
		fn, err := b.Function("entries", 4, 0)
		require.NoError(t, err)

		_, err = c.Translate(fn)
		require.NoError(t, err)

		first := fn.Code[1]
		secondAddr := uint32(0) +
			vm.InstrSize(vm.OpJitEntry) + vm.InstrSize(vm.OpSetV4) + vm.InstrSize(vm.OpCallSys)
		second := fn.Code[secondAddr+1]
		assert.NotZero(t, first)
		assert.Greater(t, second, first, "entry offsets must grow with the stream")
	})
}

func TestSkipSetForcesYield(t *testing.T) {
	bothTargets(t, func(t *testing.T, c translator) {
		plain, err := c.Translate(sampleFunction(t, "victim"))
		require.NoError(t, err)

		c.PushInstructionIndexForSkip("victim", 4) // the ADDi
		skipped, err := c.Translate(sampleFunction(t, "victim"))
		require.NoError(t, err)

		assert.NotEqual(t, plain, skipped)
	})
}

func TestSuspendCompilesToNothingByDefault(t *testing.T) {
	with := NewX64(Options{WithSuspend: true, Logger: quietOpts().Logger})
	without := NewX64(quietOpts())

	build := func() *vm.Function {
		b := vm.NewAssembler()
		b.Op(vm.OpSuspend)
		b.OpW(vm.OpRet, 0)
		fn, err := b.Function("pausable", 1, 0)
		require.NoError(t, err)
		return fn
	}

	plain, err := without.Translate(build())
	require.NoError(t, err)
	suspending, err := with.Translate(build())
	require.NoError(t, err)
	assert.Greater(t, len(suspending), len(plain))
}

func TestSizeTableAgreement(t *testing.T) {
	// The emit loop advances with the same size function the scan pass
	// uses; walking any compiled stream with InstrSize must land exactly on
	// the end.
	fn := sampleFunction(t, "sizes")
	var addr uint32
	for addr < uint32(len(fn.Code)) {
		addr += vm.InstrSize(vm.Decode(fn.Code, addr))
	}
	assert.Equal(t, uint32(len(fn.Code)), addr)
}

func TestCompilerSelection(t *testing.T) {
	c, err := New(quietOpts())
	if err != nil {
		t.Skipf("no code generator for this host: %v", err)
	}
	assert.NotNil(t, c)
}
