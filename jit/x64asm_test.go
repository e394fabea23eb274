package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func disasmAll(t *testing.T, code []byte) []string {
	t.Helper()
	var ops []string
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err, "undecodable tail % x", code)
		ops = append(ops, inst.Op.String())
		code = code[inst.Len:]
	}
	return ops
}

func TestX64PrologueShape(t *testing.T) {
	a := newX64Asm(nil)
	a.pushR(regRBP)
	a.movRR64(regRBP, regRSP)
	a.subRI64(regRSP, 16)
	a.movMR64(regRBP, -8, regRAX)
	a.leave()
	a.ret()
	assert.Equal(t,
		[]string{"PUSH", "MOV", "SUB", "MOV", "LEAVE", "RET"},
		disasmAll(t, a.code))
}

func TestX64AwkwardBases(t *testing.T) {
	// R12 forces a SIB byte, R13 forces a displacement; both must still
	// decode as plain moves.
	a := newX64Asm(nil)
	a.movRM64(regRAX, regR12, 0)
	a.movRM64(regRAX, regR13, 0)
	a.movMR32(regR12, 24, regRBX)
	a.movMR32(regR13, -300, regRBX)
	assert.Equal(t, []string{"MOV", "MOV", "MOV", "MOV"}, disasmAll(t, a.code))
}

func TestX64ScalarSSE(t *testing.T) {
	a := newX64Asm(nil)
	a.movssLoad(0, regR8, -4)
	a.ssOpM(0x58, 0, regR8, -8)
	a.movssStore(regR8, -4, 0)
	a.movsdLoad(1, regR9, -16)
	a.cvtsi2sdM(1, regR8, -4, false)
	a.cvttsd2siM(regRBX, regR8, -8, true)
	a.comisdM(1, regR8, -8)
	assert.Equal(t,
		[]string{"MOVSS", "ADDSS", "MOVSS", "MOVSD", "CVTSI2SD", "CVTTSD2SI", "COMISD"},
		disasmAll(t, a.code))
}

func TestX64LabelResolution(t *testing.T) {
	a := newX64Asm(nil)
	l := a.newLabel()
	a.jccLabel(ccE, l)
	a.nop()
	a.bind(l)
	a.ret()
	code, err := a.finalize()
	require.NoError(t, err)

	// jcc is 6 bytes, the nop 1: the rel32 must skip exactly the nop.
	assert.Equal(t, byte(0x0f), code[0])
	assert.Equal(t, byte(ccE), code[1])
	assert.Equal(t, []byte{1, 0, 0, 0}, code[2:6])
}

func TestX64UnresolvedLabel(t *testing.T) {
	var seen error
	a := newX64Asm(func(err error) { seen = err })
	a.jmpLabel(a.newLabel())
	_, err := a.finalize()
	require.Error(t, err)
	assert.Equal(t, err, seen)
}

func TestX64ConstantPool(t *testing.T) {
	a := newX64Asm(nil)
	a.movssConst(0, 0x40e00000) // 7.0f
	a.movssConst(1, 0x40e00000) // shared entry
	a.ret()
	code, err := a.finalize()
	require.NoError(t, err)

	// Pool holds exactly one 4-byte entry, shared by both loads.
	assert.Equal(t, []byte{0x00, 0x00, 0xe0, 0x40}, code[len(code)-4:])

	// Both loads decode and resolve to the same rip-relative target.
	inst1, err := x86asm.Decode(code, 64)
	require.NoError(t, err)
	inst2, err := x86asm.Decode(code[inst1.Len:], 64)
	require.NoError(t, err)
	m1 := inst1.Args[1].(x86asm.Mem)
	m2 := inst2.Args[1].(x86asm.Mem)
	assert.Equal(t, x86asm.RIP, m1.Base)
	target1 := int64(inst1.Len) + m1.Disp
	target2 := int64(inst1.Len) + int64(inst2.Len) + m2.Disp
	assert.Equal(t, target1, target2)
}

func TestX64IndexedAccess(t *testing.T) {
	a := newX64Asm(nil)
	a.movRMIdx64(regR15, regR9, regRBX)
	a.movMIdxR64(regR9, regRBX, regR15)
	a.movMIdxI64(regR9, regRBX, 0)
	assert.Equal(t, []string{"MOV", "MOV", "MOV"}, disasmAll(t, a.code))
}

func TestX64DivideSequence(t *testing.T) {
	a := newX64Asm(nil)
	a.movRM32(regRAX, regR8, -4)
	a.cdq()
	a.grp3M32(grpIdiv, regR8, -8)
	a.movMR32(regR8, -12, regRAX)
	assert.Equal(t, []string{"MOV", "CDQ", "IDIV", "MOV"}, disasmAll(t, a.code))
}
