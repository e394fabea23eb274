package jit

import (
	"github.com/pkg/errors"
)

// AArch64 assembler: fixed-width 32-bit instructions, little-endian.
// Branches and literal-pool loads resolve through fixups at finalize.

// General-purpose register numbers (X0-X30; 31 is SP or XZR by context).
const (
	regX0  = 0
	regX1  = 1
	regX2  = 2
	regX3  = 3
	regX4  = 4
	regX5  = 5
	regX6  = 6
	regX7  = 7
	regX8  = 8
	regX9  = 9
	regX10 = 10
	regX11 = 11
	regX16 = 16 // IP0
	regX17 = 17 // IP1
	regFP  = 29
	regLR  = 30
	regSP  = 31
	regXZR = 31
)

// Condition codes for B.cond.
const (
	condEQ = 0x0
	condNE = 0x1
	condCS = 0x2
	condCC = 0x3 // unsigned lower
	condMI = 0x4
	condPL = 0x5
	condHI = 0x8
	condLS = 0x9
	condGE = 0xa
	condLT = 0xb
	condGT = 0xc
	condLE = 0xd
)

type a64FixKind uint8

const (
	fixB a64FixKind = iota
	fixBCond
	fixLit // LDR (literal): imm19 in words
)

type a64Fixup struct {
	pos   int
	label int // label index, or pool offset for fixLit
	kind  a64FixKind
}

type a64Asm struct {
	code []byte

	labels []int
	fixups []a64Fixup
	pool   constPool

	onError func(error)
}

func newA64Asm(onError func(error)) *a64Asm {
	return &a64Asm{code: make([]byte, 0, 1024), onError: onError}
}

func (a *a64Asm) offset() int { return len(a.code) }

// emit32 appends one instruction word.
func (a *a64Asm) emit32(inst uint32) {
	a.code = append(a.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

func (a *a64Asm) fail(format string, args ...interface{}) {
	if a.onError != nil {
		a.onError(errors.Errorf(format, args...))
	}
	a.emit32(0xd503201f) // NOP placeholder keeps the buffer finalizable
}

// === labels ===

func (a *a64Asm) newLabel() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

func (a *a64Asm) bind(l int) { a.labels[l] = len(a.code) }

// b emits an unconditional branch to a label.
func (a *a64Asm) b(l int) {
	a.fixups = append(a.fixups, a64Fixup{pos: len(a.code), label: l, kind: fixB})
	a.emit32(0x14000000)
}

// bCond emits B.cond to a label.
func (a *a64Asm) bCond(cond int, l int) {
	a.fixups = append(a.fixups, a64Fixup{pos: len(a.code), label: l, kind: fixBCond})
	a.emit32(0x54000000 | uint32(cond&0xf))
}

// === immediates ===

// movZ emits MOVZ Rd, #imm16, LSL #shift.
func (a *a64Asm) movZ(rd int, imm16 uint16, shift int) {
	a.emit32(0xd2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// movK emits MOVK Rd, #imm16, LSL #shift.
func (a *a64Asm) movK(rd int, imm16 uint16, shift int) {
	a.emit32(0xf2800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// movN emits MOVN Rd, #imm16, LSL #shift.
func (a *a64Asm) movN(rd int, imm16 uint16, shift int) {
	a.emit32(0x92800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// movZ32 / movN32 / movK32 are the W-register wide-move forms.
func (a *a64Asm) movZ32(rd int, imm16 uint16, shift int) {
	a.emit32(0x52800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

func (a *a64Asm) movN32(rd int, imm16 uint16, shift int) {
	a.emit32(0x12800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

func (a *a64Asm) movK32(rd int, imm16 uint16, shift int) {
	a.emit32(0x72800000 | uint32(shift/16)<<21 | uint32(imm16)<<5 | uint32(rd&0x1f))
}

// loadImm32 materializes a 32-bit constant into Wd.
func (a *a64Asm) loadImm32(rd int, val uint32) {
	if val>>16 == 0 {
		a.movZ32(rd, uint16(val), 0)
		return
	}
	if inv := ^val; inv>>16 == 0 {
		a.movN32(rd, uint16(inv), 0)
		return
	}
	a.movZ32(rd, uint16(val), 0)
	a.movK32(rd, uint16(val>>16), 16)
}

// loadImm64 materializes a 64-bit constant: a single MOVN when the inverted
// value fits in 16 bits, otherwise MOVZ plus one MOVK per further nonzero
// 16-bit chunk.
func (a *a64Asm) loadImm64(rd int, val uint64) {
	if val == 0 {
		a.movZ(rd, 0, 0)
		return
	}
	if inv := ^val; inv&0xffff == inv {
		a.movN(rd, uint16(inv), 0)
		return
	}
	first := true
	for shift := 0; shift < 64; shift += 16 {
		chunk := uint16(val >> uint(shift))
		if chunk != 0 || (shift == 48 && first) {
			if first {
				a.movZ(rd, chunk, shift)
				first = false
			} else {
				a.movK(rd, chunk, shift)
			}
		}
	}
}

// === register moves ===

// movRR emits MOV Xd, Xm (ADD #0 when SP is involved).
func (a *a64Asm) movRR(rd, rm int) {
	if rd == regSP || rm == regSP {
		a.addImm(rd, rm, 0)
		return
	}
	a.emit32(0xaa0003e0 | uint32(rm&0x1f)<<16 | uint32(rd&0x1f))
}

// movRR32 emits MOV Wd, Wm, zero-extending into the X register.
func (a *a64Asm) movRR32(rd, rm int) {
	a.emit32(0x2a0003e0 | uint32(rm&0x1f)<<16 | uint32(rd&0x1f))
}

// === arithmetic ===

func (a *a64Asm) rrr(base uint32, rd, rn, rm int) {
	a.emit32(base | uint32(rm&0x1f)<<16 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
}

func (a *a64Asm) addRR(rd, rn, rm int)   { a.rrr(0x8b000000, rd, rn, rm) }
func (a *a64Asm) subRR(rd, rn, rm int)   { a.rrr(0xcb000000, rd, rn, rm) }
func (a *a64Asm) addRR32(rd, rn, rm int) { a.rrr(0x0b000000, rd, rn, rm) }
func (a *a64Asm) subRR32(rd, rn, rm int) { a.rrr(0x4b000000, rd, rn, rm) }
func (a *a64Asm) mul(rd, rn, rm int)     { a.rrr(0x9b007c00, rd, rn, rm) }
func (a *a64Asm) mul32(rd, rn, rm int)   { a.rrr(0x1b007c00, rd, rn, rm) }
func (a *a64Asm) sdiv(rd, rn, rm int)    { a.rrr(0x9ac00c00, rd, rn, rm) }
func (a *a64Asm) sdiv32(rd, rn, rm int)  { a.rrr(0x1ac00c00, rd, rn, rm) }
func (a *a64Asm) udiv(rd, rn, rm int)    { a.rrr(0x9ac00800, rd, rn, rm) }
func (a *a64Asm) udiv32(rd, rn, rm int)  { a.rrr(0x1ac00800, rd, rn, rm) }
func (a *a64Asm) andRR(rd, rn, rm int)   { a.rrr(0x8a000000, rd, rn, rm) }
func (a *a64Asm) andRR32(rd, rn, rm int) { a.rrr(0x0a000000, rd, rn, rm) }
func (a *a64Asm) orrRR(rd, rn, rm int)   { a.rrr(0xaa000000, rd, rn, rm) }
func (a *a64Asm) orrRR32(rd, rn, rm int) { a.rrr(0x2a000000, rd, rn, rm) }
func (a *a64Asm) eorRR(rd, rn, rm int)   { a.rrr(0xca000000, rd, rn, rm) }
func (a *a64Asm) eorRR32(rd, rn, rm int) { a.rrr(0x4a000000, rd, rn, rm) }
func (a *a64Asm) lslRR(rd, rn, rm int)   { a.rrr(0x9ac02000, rd, rn, rm) }
func (a *a64Asm) lslRR32(rd, rn, rm int) { a.rrr(0x1ac02000, rd, rn, rm) }
func (a *a64Asm) lsrRR(rd, rn, rm int)   { a.rrr(0x9ac02400, rd, rn, rm) }
func (a *a64Asm) lsrRR32(rd, rn, rm int) { a.rrr(0x1ac02400, rd, rn, rm) }
func (a *a64Asm) asrRR(rd, rn, rm int)   { a.rrr(0x9ac02800, rd, rn, rm) }
func (a *a64Asm) asrRR32(rd, rn, rm int) { a.rrr(0x1ac02800, rd, rn, rm) }

// msub emits MSUB Xd, Xn, Xm, Xa (Xd = Xa - Xn*Xm).
func (a *a64Asm) msub(rd, rn, rm, ra int) {
	a.emit32(0x9b008000 | uint32(rm&0x1f)<<16 | uint32(ra&0x1f)<<10 |
		uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
}

func (a *a64Asm) msub32(rd, rn, rm, ra int) {
	a.emit32(0x1b008000 | uint32(rm&0x1f)<<16 | uint32(ra&0x1f)<<10 |
		uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
}

// mvn emits MVN Xd, Xm; mvn32 the W form.
func (a *a64Asm) mvn(rd, rm int)   { a.emit32(0xaa2003e0 | uint32(rm&0x1f)<<16 | uint32(rd&0x1f)) }
func (a *a64Asm) mvn32(rd, rm int) { a.emit32(0x2a2003e0 | uint32(rm&0x1f)<<16 | uint32(rd&0x1f)) }

// neg emits NEG via SUB from the zero register.
func (a *a64Asm) neg(rd, rm int)   { a.subRR(rd, regXZR, rm) }
func (a *a64Asm) neg32(rd, rm int) { a.subRR32(rd, regXZR, rm) }

// addImm / subImm with the imm12 form; larger values go through X17.
func (a *a64Asm) addImm(rd, rn int, imm int32) {
	switch {
	case imm >= 0 && imm < 4096:
		a.emit32(0x91000000 | uint32(imm)<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
	case imm < 0 && -imm < 4096:
		a.emit32(0xd1000000 | uint32(-imm)<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
	default:
		a.loadImm64(regX17, uint64(int64(imm)))
		a.addRR(rd, rn, regX17)
	}
}

// addImm32 is the W-register form of addImm.
func (a *a64Asm) addImm32(rd, rn int, imm int32) {
	switch {
	case imm >= 0 && imm < 4096:
		a.emit32(0x11000000 | uint32(imm)<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
	case imm < 0 && -imm < 4096:
		a.emit32(0x51000000 | uint32(-imm)<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
	default:
		a.loadImm32(regX17, uint32(imm))
		a.addRR32(rd, rn, regX17)
	}
}

// lslImm emits LSL Xd, Xn, #shift (UBFM alias).
func (a *a64Asm) lslImm(rd, rn int, shift uint32) {
	immr := (64 - shift) & 0x3f
	imms := (63 - shift) & 0x3f
	a.emit32(0xd3400000 | immr<<16 | imms<<10 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f))
}

// cmpImm32 emits CMP Wn, #imm12 (32-bit flags).
func (a *a64Asm) cmpImm32(rn int, imm uint32) {
	if imm >= 4096 {
		a.fail("cmp immediate out of range: %d", imm)
		return
	}
	a.emit32(0x7100001f | imm<<10 | uint32(rn&0x1f)<<5)
}

// cmpImm emits CMP Xn, #imm12.
func (a *a64Asm) cmpImm(rn int, imm uint32) {
	if imm >= 4096 {
		a.fail("cmp immediate out of range: %d", imm)
		return
	}
	a.emit32(0xf100001f | imm<<10 | uint32(rn&0x1f)<<5)
}

// cmpRR / cmpRR32 compare two registers.
func (a *a64Asm) cmpRR(rn, rm int)   { a.rrr(0xeb000000, regXZR, rn, rm) }
func (a *a64Asm) cmpRR32(rn, rm int) { a.rrr(0x6b000000, regXZR, rn, rm) }

// === sign/zero extension ===

func (a *a64Asm) sxtb32(rd, rn int) { a.emit32(0x13001c00 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)) }
func (a *a64Asm) sxth32(rd, rn int) { a.emit32(0x13003c00 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)) }
func (a *a64Asm) sxtw(rd, rn int)   { a.emit32(0x93407c00 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)) }
func (a *a64Asm) uxtb32(rd, rn int) { a.emit32(0x53001c00 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)) }
func (a *a64Asm) uxth32(rd, rn int) { a.emit32(0x53003c00 | uint32(rn&0x1f)<<5 | uint32(rd&0x1f)) }

// === loads and stores ===

// memAccess encodes a width-scaled access: unsigned-offset form when the
// offset is positive and aligned, unscaled (LDUR/STUR family) when it fits
// in simm9, and a computed address through X17 otherwise.
func (a *a64Asm) memAccess(unsigned, unscaled uint32, scale uint, rt, rn int, off int32) {
	switch {
	case off >= 0 && off%(1<<scale) == 0 && (off>>scale) < 4096:
		a.emit32(unsigned | uint32(off>>scale)<<10 | uint32(rn&0x1f)<<5 | uint32(rt&0x1f))
	case off >= -256 && off <= 255:
		a.emit32(unscaled | (uint32(off)&0x1ff)<<12 | uint32(rn&0x1f)<<5 | uint32(rt&0x1f))
	default:
		a.loadImm64(regX17, uint64(int64(off)))
		a.addRR(regX17, rn, regX17)
		a.emit32(unsigned | uint32(regX17&0x1f)<<5 | uint32(rt&0x1f))
	}
}

func (a *a64Asm) ldrX(rt, rn int, off int32)  { a.memAccess(0xf9400000, 0xf8400000, 3, rt, rn, off) }
func (a *a64Asm) strX(rt, rn int, off int32)  { a.memAccess(0xf9000000, 0xf8000000, 3, rt, rn, off) }
func (a *a64Asm) ldrW(rt, rn int, off int32)  { a.memAccess(0xb9400000, 0xb8400000, 2, rt, rn, off) }
func (a *a64Asm) strW(rt, rn int, off int32)  { a.memAccess(0xb9000000, 0xb8000000, 2, rt, rn, off) }
func (a *a64Asm) ldrH(rt, rn int, off int32)  { a.memAccess(0x79400000, 0x78400000, 1, rt, rn, off) }
func (a *a64Asm) strH(rt, rn int, off int32)  { a.memAccess(0x79000000, 0x78000000, 1, rt, rn, off) }
func (a *a64Asm) ldrB(rt, rn int, off int32)  { a.memAccess(0x39400000, 0x38400000, 0, rt, rn, off) }
func (a *a64Asm) strB(rt, rn int, off int32)  { a.memAccess(0x39000000, 0x38000000, 0, rt, rn, off) }
func (a *a64Asm) ldrSB(rt, rn int, off int32) { a.memAccess(0x39c00000, 0x38c00000, 0, rt, rn, off) }
func (a *a64Asm) ldrSH(rt, rn int, off int32) { a.memAccess(0x79c00000, 0x78c00000, 1, rt, rn, off) }

// FP scalar loads/stores.
func (a *a64Asm) ldrS(vt, rn int, off int32) { a.memAccess(0xbd400000, 0xbc400000, 2, vt, rn, off) }
func (a *a64Asm) strS(vt, rn int, off int32) { a.memAccess(0xbd000000, 0xbc000000, 2, vt, rn, off) }
func (a *a64Asm) ldrD(vt, rn int, off int32) { a.memAccess(0xfd400000, 0xfc400000, 3, vt, rn, off) }
func (a *a64Asm) strD(vt, rn int, off int32) { a.memAccess(0xfd000000, 0xfc000000, 3, vt, rn, off) }

// ldrXIdx emits LDR Xt, [Xn, Xm].
func (a *a64Asm) ldrXIdx(rt, rn, rm int) {
	a.emit32(0xf8606800 | uint32(rm&0x1f)<<16 | uint32(rn&0x1f)<<5 | uint32(rt&0x1f))
}

// strXIdx emits STR Xt, [Xn, Xm].
func (a *a64Asm) strXIdx(rt, rn, rm int) {
	a.emit32(0xf8206800 | uint32(rm&0x1f)<<16 | uint32(rn&0x1f)<<5 | uint32(rt&0x1f))
}

// stpPre emits STP Xt1, Xt2, [Xn, #off]! ; ldpPost emits LDP ..., [Xn], #off.
func (a *a64Asm) stpPre(rt1, rt2, rn int, off int32) {
	imm7 := uint32(off/8) & 0x7f
	a.emit32(0xa9800000 | imm7<<15 | uint32(rt2&0x1f)<<10 | uint32(rn&0x1f)<<5 | uint32(rt1&0x1f))
}

func (a *a64Asm) ldpPost(rt1, rt2, rn int, off int32) {
	imm7 := uint32(off/8) & 0x7f
	a.emit32(0xa8c00000 | imm7<<15 | uint32(rt2&0x1f)<<10 | uint32(rn&0x1f)<<5 | uint32(rt1&0x1f))
}

// === literal pool ===

func (a *a64Asm) litFixup(off int) {
	a.fixups = append(a.fixups, a64Fixup{pos: len(a.code), label: off, kind: fixLit})
}

// ldrSLit emits LDR St, <literal> against a pool entry.
func (a *a64Asm) ldrSLit(vt int, bits uint32) {
	a.litFixup(a.pool.add4(bits))
	a.emit32(0x1c000000 | uint32(vt&0x1f))
}

// ldrDLit emits LDR Dt, <literal> against a pool entry.
func (a *a64Asm) ldrDLit(vt int, bits uint64) {
	a.litFixup(a.pool.add8(bits))
	a.emit32(0x5c000000 | uint32(vt&0x1f))
}

// === FP scalar arithmetic ===

func (a *a64Asm) fpRRR(base uint32, vd, vn, vm int) {
	a.emit32(base | uint32(vm&0x1f)<<16 | uint32(vn&0x1f)<<5 | uint32(vd&0x1f))
}

func (a *a64Asm) faddS(vd, vn, vm int) { a.fpRRR(0x1e202800, vd, vn, vm) }
func (a *a64Asm) faddD(vd, vn, vm int) { a.fpRRR(0x1e602800, vd, vn, vm) }
func (a *a64Asm) fsubS(vd, vn, vm int) { a.fpRRR(0x1e203800, vd, vn, vm) }
func (a *a64Asm) fsubD(vd, vn, vm int) { a.fpRRR(0x1e603800, vd, vn, vm) }
func (a *a64Asm) fmulS(vd, vn, vm int) { a.fpRRR(0x1e200800, vd, vn, vm) }
func (a *a64Asm) fmulD(vd, vn, vm int) { a.fpRRR(0x1e600800, vd, vn, vm) }
func (a *a64Asm) fdivS(vd, vn, vm int) { a.fpRRR(0x1e201800, vd, vn, vm) }
func (a *a64Asm) fdivD(vd, vn, vm int) { a.fpRRR(0x1e601800, vd, vn, vm) }

// fcmpS / fcmpD compare two scalar registers.
func (a *a64Asm) fcmpS(vn, vm int) {
	a.emit32(0x1e202000 | uint32(vm&0x1f)<<16 | uint32(vn&0x1f)<<5)
}

func (a *a64Asm) fcmpD(vn, vm int) {
	a.emit32(0x1e602000 | uint32(vm&0x1f)<<16 | uint32(vn&0x1f)<<5)
}

func (a *a64Asm) fnegS(vd, vn int) { a.emit32(0x1e214000 | uint32(vn&0x1f)<<5 | uint32(vd&0x1f)) }
func (a *a64Asm) fnegD(vd, vn int) { a.emit32(0x1e614000 | uint32(vn&0x1f)<<5 | uint32(vd&0x1f)) }

// fcvtSD widens float to double; fcvtDS narrows.
func (a *a64Asm) fcvtSD(vd, vn int) { a.emit32(0x1e22c000 | uint32(vn&0x1f)<<5 | uint32(vd&0x1f)) }
func (a *a64Asm) fcvtDS(vd, vn int) { a.emit32(0x1e624000 | uint32(vn&0x1f)<<5 | uint32(vd&0x1f)) }

// scvtf converts signed integer to float/double; wide selects the 64-bit
// source register.
func (a *a64Asm) scvtfS(vd, rn int, wide bool) {
	base := uint32(0x1e220000)
	if wide {
		base = 0x9e220000
	}
	a.emit32(base | uint32(rn&0x1f)<<5 | uint32(vd&0x1f))
}

func (a *a64Asm) scvtfD(vd, rn int, wide bool) {
	base := uint32(0x1e620000)
	if wide {
		base = 0x9e620000
	}
	a.emit32(base | uint32(rn&0x1f)<<5 | uint32(vd&0x1f))
}

// fcvtzs converts float/double to signed integer, truncating.
func (a *a64Asm) fcvtzsS(rd, vn int, wide bool) {
	base := uint32(0x1e380000)
	if wide {
		base = 0x9e380000
	}
	a.emit32(base | uint32(vn&0x1f)<<5 | uint32(rd&0x1f))
}

func (a *a64Asm) fcvtzsD(rd, vn int, wide bool) {
	base := uint32(0x1e780000)
	if wide {
		base = 0x9e780000
	}
	a.emit32(base | uint32(vn&0x1f)<<5 | uint32(rd&0x1f))
}

// === control ===

// adrSelf emits ADR Rd, #0: the register receives the address of the ADR
// instruction itself.
func (a *a64Asm) adrSelf(rd int) { a.emit32(0x10000000 | uint32(rd&0x1f)) }

func (a *a64Asm) br(rn int)  { a.emit32(0xd61f0000 | uint32(rn&0x1f)<<5) }
func (a *a64Asm) blr(rn int) { a.emit32(0xd63f0000 | uint32(rn&0x1f)<<5) }
func (a *a64Asm) ret()       { a.emit32(0xd65f03c0) }
func (a *a64Asm) nop()       { a.emit32(0xd503201f) }

// === finalize ===

// finalize resolves branch and literal fixups and appends the pool.
func (a *a64Asm) finalize() ([]byte, error) {
	poolBase := alignUp(len(a.code), 8)
	for _, f := range a.fixups {
		var target int
		switch f.kind {
		case fixLit:
			target = poolBase + f.label
		default:
			target = a.labels[f.label]
			if target < 0 {
				err := errors.Errorf("unresolved label %d at %#x", f.label, f.pos)
				if a.onError != nil {
					a.onError(err)
				}
				return nil, err
			}
		}
		delta := (target - f.pos) / 4
		inst := getU32(a.code[f.pos:])
		switch f.kind {
		case fixB:
			inst = inst&0xfc000000 | uint32(delta)&0x03ffffff
		case fixBCond, fixLit:
			inst = inst&^uint32(0x00ffffe0) | (uint32(delta)&0x7ffff)<<5
		}
		putU32(a.code[f.pos:], inst)
	}
	for len(a.code) < poolBase {
		a.code = append(a.code, 0)
	}
	a.code = append(a.code, a.pool.buf...)
	return a.code, nil
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
