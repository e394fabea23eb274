package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperandPacking(t *testing.T) {
	b := NewAssembler()
	b.OpWWW(OpAddI, 3, 1, 2)
	b.OpWDW(OpSetV4, 7, 0xdeadbeef)
	b.OpWQW(OpSetV8, 9, 0x1122334455667788)
	fn, err := b.Function("packing", 16, 0)
	require.NoError(t, err)

	code := fn.Code
	assert.Equal(t, OpAddI, Decode(code, 0))
	assert.Equal(t, int16(3), ShortArg(code, 0, 0))
	assert.Equal(t, int16(1), ShortArg(code, 0, 1))
	assert.Equal(t, int16(2), ShortArg(code, 0, 2))
	assert.Equal(t, int32(-12), ArgOffset(code, 0, 0))

	addr := InstrSize(OpAddI)
	assert.Equal(t, OpSetV4, Decode(code, addr))
	assert.Equal(t, int16(7), ShortArg(code, addr, 0))
	assert.Equal(t, uint32(0xdeadbeef), DwordArg(code, addr))

	addr += InstrSize(OpSetV4)
	assert.Equal(t, uint64(0x1122334455667788), QwordArg(code, addr))
}

func TestInstrSizeCoversAllOpcodes(t *testing.T) {
	for op := Op(0); op < OpCount; op++ {
		assert.NotEmpty(t, op.Info().Name, "opcode %d has no table entry", op)
		size := InstrSize(op)
		assert.GreaterOrEqual(t, size, uint32(1), "%s", op)
		assert.LessOrEqual(t, size, uint32(4), "%s", op)
	}
}

func TestBranchTarget(t *testing.T) {
	b := NewAssembler()
	l := b.Label()
	b.Branch(OpJmp, l) // 2 words
	b.OpWDW(OpSetV4, 1, 0)
	b.Bind(l)
	b.OpW(OpRet, 0)
	fn, err := b.Function("branches", 4, 0)
	require.NoError(t, err)

	assert.True(t, IsBranch(OpJmp))
	assert.False(t, IsBranch(OpRet))
	assert.Equal(t, uint32(4), BranchTarget(fn.Code, 0))
	assert.Equal(t, OpRet, Decode(fn.Code, 4))
}

func TestAssemblerRejectsUnboundLabel(t *testing.T) {
	b := NewAssembler()
	l := b.Label()
	b.Branch(OpJZ, l)
	_, err := b.Function("dangling", 1, 0)
	require.Error(t, err)
}
