package jit

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/arm64/arm64asm"
)

func words(a *a64Asm) []uint32 {
	out := make([]uint32, 0, len(a.code)/4)
	for i := 0; i+4 <= len(a.code); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(a.code[i:]))
	}
	return out
}

func TestA64GoldenEncodings(t *testing.T) {
	a := newA64Asm(nil)
	a.movZ(9, 0x2a, 0)
	a.addRR(0, 1, 2)
	a.ldrX(3, 8, 16)
	a.strX(0, 3, -8)
	a.fcmpS(0, 1)
	a.ret()
	assert.Equal(t, []uint32{
		0xd2800549, // MOVZ X9, #42
		0x8b020020, // ADD X0, X1, X2
		0xf9400903, // LDR X3, [X8, #16]
		0xf81f8060, // STUR X0, [X3, #-8]
		0x1e212000, // FCMP S0, S1
		0xd65f03c0, // RET
	}, words(a))
}

func TestA64Decodes(t *testing.T) {
	a := newA64Asm(nil)
	a.stpPre(regFP, regLR, regSP, -32)
	a.movRR(regFP, regSP)
	a.ldrX(a64Restore, regFP, 16)
	a.ldrW(a64Free1, a64VMFrame, -4)
	a.sdiv32(a64Free1, a64Free1, a64Free2)
	a.msub32(a64Free1, a64Free3, a64Free2, a64Free1)
	a.scvtfD(0, a64Free1, false)
	a.fcvtzsS(a64Free1, 0, true)
	a.blr(regX16)
	a.ldpPost(regFP, regLR, regSP, 32)
	a.ret()

	for i, w := range words(a) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		_, err := arm64asm.Decode(buf[:])
		assert.NoError(t, err, "instruction %d (%#08x)", i, w)
	}
}

func TestA64BranchFixups(t *testing.T) {
	a := newA64Asm(nil)
	l := a.newLabel()
	a.bCond(condEQ, l)
	a.nop()
	a.bind(l)
	a.ret()
	code, err := a.finalize()
	require.NoError(t, err)

	got := binary.LittleEndian.Uint32(code[0:])
	assert.Equal(t, uint32(0x54000040), got, "B.EQ over one instruction")
}

func TestA64BackwardBranch(t *testing.T) {
	a := newA64Asm(nil)
	l := a.newLabel()
	a.bind(l)
	a.nop()
	a.b(l)
	code, err := a.finalize()
	require.NoError(t, err)

	got := binary.LittleEndian.Uint32(code[4:])
	assert.Equal(t, uint32(0x14000000|0x03ffffff), got, "B #-4")
}

func TestA64LiteralPool(t *testing.T) {
	a := newA64Asm(nil)
	a.ldrSLit(1, 0x40e00000) // 7.0f
	a.ret()
	code, err := a.finalize()
	require.NoError(t, err)

	// Code is 8 bytes, so the literal lands at +8: imm19 = 2.
	got := binary.LittleEndian.Uint32(code[0:])
	assert.Equal(t, uint32(0x1c000000|2<<5|1), got)
	assert.Equal(t, []byte{0x00, 0x00, 0xe0, 0x40}, code[8:12])
}

func TestA64WideOffsetFallback(t *testing.T) {
	a := newA64Asm(nil)
	a.ldrW(a64Free1, a64VMFrame, -131068) // beyond the unscaled range
	for i, w := range words(a) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], w)
		_, err := arm64asm.Decode(buf[:])
		assert.NoError(t, err, "instruction %d (%#08x)", i, w)
	}
	assert.Greater(t, len(a.code), 4, "large offsets need a materialized address")
}

func TestA64CmpImmediateRange(t *testing.T) {
	var seen error
	a := newA64Asm(func(err error) { seen = err })
	a.cmpImm32(a64Free1, 5000)
	require.Error(t, seen)
	_, err := a.finalize()
	require.NoError(t, err, "diagnosed encodings still finalize")
}
