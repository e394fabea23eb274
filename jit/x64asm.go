package jit

import (
	"github.com/pkg/errors"
)

// x86-64 assembler: mnemonic-level instruction encoding into a flat byte
// buffer. Branches go through symbolic labels resolved at Finalize; literal
// float/double operands go through the constant pool appended after the code.

// x86-64 register numbers.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
	regR8  = 8
	regR9  = 9
	regR10 = 10
	regR11 = 11
	regR12 = 12
	regR13 = 13
	regR14 = 14
	regR15 = 15
)

// Condition codes as the second opcode byte of jcc rel32.
const (
	ccE  = 0x84 // equal / zero
	ccNE = 0x85 // not equal / not zero
	ccB  = 0x82 // below (unsigned)
	ccAE = 0x83 // above or equal (unsigned)
	ccA  = 0x87 // above (unsigned)
	ccL  = 0x8C // less (signed)
	ccGE = 0x8D // greater or equal (signed)
	ccLE = 0x8E // less or equal (signed)
	ccG  = 0x8F // greater (signed)
	ccS  = 0x88 // sign
	ccNS = 0x89 // not sign
)

type rel32Fixup struct {
	pos   int // offset of the rel32 field
	label int
}

type poolFixup struct {
	pos int // offset of the disp32 field
	off int // offset inside the constant pool
}

type x64Asm struct {
	code []byte

	labels     []int // byte offset, -1 while unbound
	fixups     []rel32Fixup
	pool       constPool
	poolFixups []poolFixup

	onError func(error)
}

func newX64Asm(onError func(error)) *x64Asm {
	return &x64Asm{code: make([]byte, 0, 1024), onError: onError}
}

func (a *x64Asm) offset() int { return len(a.code) }

func (a *x64Asm) emit(bs ...byte) { a.code = append(a.code, bs...) }

func (a *x64Asm) emitU32(v uint32) {
	a.code = append(a.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *x64Asm) emitU64(v uint64) {
	a.emitU32(uint32(v))
	a.emitU32(uint32(v >> 32))
}

// === labels ===

func (a *x64Asm) newLabel() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

func (a *x64Asm) bind(l int) { a.labels[l] = len(a.code) }

// jmpLabel emits `jmp rel32` against a label.
func (a *x64Asm) jmpLabel(l int) {
	a.emit(0xe9)
	a.fixups = append(a.fixups, rel32Fixup{pos: len(a.code), label: l})
	a.emitU32(0)
}

// jccLabel emits `jCC rel32` against a label.
func (a *x64Asm) jccLabel(cc byte, l int) {
	a.emit(0x0f, cc)
	a.fixups = append(a.fixups, rel32Fixup{pos: len(a.code), label: l})
	a.emitU32(0)
}

// === encoding helpers ===

func rexBits(w bool, reg, base int) byte {
	r := byte(0x40)
	if w {
		r |= 0x08
	}
	if reg >= 8 {
		r |= 0x04
	}
	if base >= 8 {
		r |= 0x01
	}
	return r
}

// rexOpt emits a REX prefix only when one is required.
func (a *x64Asm) rexOpt(w bool, reg, base int) {
	r := rexBits(w, reg, base)
	if r != 0x40 {
		a.emit(r)
	}
}

// modrmMem emits the ModR/M (+SIB, +disp) bytes for [base+disp]. RSP/R12
// bases force a SIB byte, RBP/R13 bases force a displacement.
func (a *x64Asm) modrmMem(regField, base int, disp int32) {
	b := byte(base & 7)
	rf := byte(regField&7) << 3
	sib := b == 4
	switch {
	case disp == 0 && b != 5:
		a.emit(rf | b)
		if sib {
			a.emit(0x24)
		}
	case disp >= -128 && disp <= 127:
		a.emit(0x40 | rf | b)
		if sib {
			a.emit(0x24)
		}
		a.emit(byte(disp))
	default:
		a.emit(0x80 | rf | b)
		if sib {
			a.emit(0x24)
		}
		a.emitU32(uint32(disp))
	}
}

func modrmRR(regField, rm int) byte {
	return byte(0xc0 | (regField&7)<<3 | rm&7)
}

// === moves ===

// movRR64 emits `mov dst, src` (64-bit).
func (a *x64Asm) movRR64(dst, src int) {
	a.emit(rexBits(true, src, dst), 0x89, modrmRR(src, dst))
}

// movRR32 emits `mov dst32, src32`, zero-extending into the full register.
func (a *x64Asm) movRR32(dst, src int) {
	a.rexOpt(false, src, dst)
	a.emit(0x89, modrmRR(src, dst))
}

// movRI32 emits `mov r32, imm32` (zero-extends).
func (a *x64Asm) movRI32(reg int, v uint32) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(byte(0xb8 + reg&7))
	a.emitU32(v)
}

// movRI64 emits `movabs reg, imm64`.
func (a *x64Asm) movRI64(reg int, v uint64) {
	a.emit(rexBits(true, 0, reg), byte(0xb8+reg&7))
	a.emitU64(v)
}

// movRM64 emits `mov dst, [base+disp]`.
func (a *x64Asm) movRM64(dst, base int, disp int32) {
	a.emit(rexBits(true, dst, base), 0x8b)
	a.modrmMem(dst, base, disp)
}

// movMR64 emits `mov [base+disp], src`.
func (a *x64Asm) movMR64(base int, disp int32, src int) {
	a.emit(rexBits(true, src, base), 0x89)
	a.modrmMem(src, base, disp)
}

// movRM32 emits `mov dst32, [base+disp]`.
func (a *x64Asm) movRM32(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x8b)
	a.modrmMem(dst, base, disp)
}

// movMR32 emits `mov [base+disp], src32`.
func (a *x64Asm) movMR32(base int, disp int32, src int) {
	a.rexOpt(false, src, base)
	a.emit(0x89)
	a.modrmMem(src, base, disp)
}

// movMR16 emits `mov [base+disp], src16`.
func (a *x64Asm) movMR16(base int, disp int32, src int) {
	a.emit(0x66)
	a.rexOpt(false, src, base)
	a.emit(0x89)
	a.modrmMem(src, base, disp)
}

// movMR8 emits `mov [base+disp], src8`.
func (a *x64Asm) movMR8(base int, disp int32, src int) {
	a.rexOpt(false, src, base)
	a.emit(0x88)
	a.modrmMem(src, base, disp)
}

// movzxRM8 emits `movzx dst32, byte [base+disp]`.
func (a *x64Asm) movzxRM8(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x0f, 0xb6)
	a.modrmMem(dst, base, disp)
}

// movzxRM16 emits `movzx dst32, word [base+disp]`.
func (a *x64Asm) movzxRM16(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x0f, 0xb7)
	a.modrmMem(dst, base, disp)
}

// movsxRM8 emits `movsx dst32, byte [base+disp]`.
func (a *x64Asm) movsxRM8(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x0f, 0xbe)
	a.modrmMem(dst, base, disp)
}

// movsxRM16 emits `movsx dst32, word [base+disp]`.
func (a *x64Asm) movsxRM16(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x0f, 0xbf)
	a.modrmMem(dst, base, disp)
}

// movzxRR8 emits `movzx dst32, src8`.
func (a *x64Asm) movzxRR8(dst, src int) {
	a.rexOpt(false, dst, src)
	a.emit(0x0f, 0xb6, modrmRR(dst, src))
}

// cdqe emits `cdqe` (sign-extend eax into rax).
func (a *x64Asm) cdqe() { a.emit(0x48, 0x98) }

// movMI32 emits `mov dword [base+disp], imm32`.
func (a *x64Asm) movMI32(base int, disp int32, v uint32) {
	a.rexOpt(false, 0, base)
	a.emit(0xc7)
	a.modrmMem(0, base, disp)
	a.emitU32(v)
}

// movMI64 emits `mov qword [base+disp], imm32` (sign-extended store).
func (a *x64Asm) movMI64(base int, disp int32, v int32) {
	a.emit(rexBits(true, 0, base), 0xc7)
	a.modrmMem(0, base, disp)
	a.emitU32(uint32(v))
}

// movMI16 emits `mov word [base+disp], imm16`.
func (a *x64Asm) movMI16(base int, disp int32, v uint16) {
	a.emit(0x66)
	a.rexOpt(false, 0, base)
	a.emit(0xc7)
	a.modrmMem(0, base, disp)
	a.emit(byte(v), byte(v>>8))
}

// === ALU ===

// aluRR emits a 64-bit reg,reg ALU op (0x01 add, 0x29 sub, 0x21 and,
// 0x09 or, 0x31 xor, 0x39 cmp).
func (a *x64Asm) aluRR64(op byte, dst, src int) {
	a.emit(rexBits(true, src, dst), op, modrmRR(src, dst))
}

func (a *x64Asm) aluRR32(op byte, dst, src int) {
	a.rexOpt(false, src, dst)
	a.emit(op, modrmRR(src, dst))
}

// aluRM emits `op reg, [base+disp]` (0x03 add, 0x2b sub, 0x23 and, 0x0b or,
// 0x33 xor, 0x3b cmp).
func (a *x64Asm) aluRM64(op byte, reg, base int, disp int32) {
	a.emit(rexBits(true, reg, base), op)
	a.modrmMem(reg, base, disp)
}

func (a *x64Asm) aluRM32(op byte, reg, base int, disp int32) {
	a.rexOpt(false, reg, base)
	a.emit(op)
	a.modrmMem(reg, base, disp)
}

// aluRI emits `op reg, imm` with the /digit group-1 encoding.
func (a *x64Asm) aluRI64(digit byte, reg int, v int32) {
	if v >= -128 && v <= 127 {
		a.emit(rexBits(true, 0, reg), 0x83, 0xc0|digit<<3|byte(reg&7), byte(v))
	} else {
		a.emit(rexBits(true, 0, reg), 0x81, 0xc0|digit<<3|byte(reg&7))
		a.emitU32(uint32(v))
	}
}

func (a *x64Asm) aluRI32(digit byte, reg int, v int32) {
	if reg >= 8 {
		a.emit(0x41)
	}
	if v >= -128 && v <= 127 {
		a.emit(0x83, 0xc0|digit<<3|byte(reg&7), byte(v))
	} else {
		a.emit(0x81, 0xc0|digit<<3|byte(reg&7))
		a.emitU32(uint32(v))
	}
}

const (
	aluAdd = 0
	aluOr  = 1
	aluAnd = 4
	aluSub = 5
	aluXor = 6
	aluCmp = 7
)

func (a *x64Asm) addRI64(reg int, v int32) { a.aluRI64(aluAdd, reg, v) }
func (a *x64Asm) subRI64(reg int, v int32) { a.aluRI64(aluSub, reg, v) }
func (a *x64Asm) cmpRI64(reg int, v int32) { a.aluRI64(aluCmp, reg, v) }
func (a *x64Asm) cmpRI32(reg int, v int32) { a.aluRI32(aluCmp, reg, v) }
func (a *x64Asm) andRI32(reg int, v int32) { a.aluRI32(aluAnd, reg, v) }

// cmpMI64 emits `cmp qword [base+disp], imm8`.
func (a *x64Asm) cmpMI64(base int, disp int32, v int8) {
	a.emit(rexBits(true, 0, base), 0x83)
	a.modrmMem(7, base, disp)
	a.emit(byte(v))
}

// cmpRI8 emits `cmp reg8, imm8` against the register's low byte.
func (a *x64Asm) cmpRI8(reg int, v int8) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x80, byte(0xf8|reg&7), byte(v))
}

// movsxdRM emits `movsxd dst, dword [base+disp]`.
func (a *x64Asm) movsxdRM(dst, base int, disp int32) {
	a.emit(rexBits(true, dst, base), 0x63)
	a.modrmMem(dst, base, disp)
}

// sibIdx emits the ModR/M+SIB pair for [base+index] with no displacement.
func (a *x64Asm) sibIdx(regField, base, index int) {
	rf := byte(regField&7) << 3
	sib := byte((index&7)<<3 | base&7)
	if base&7 == 5 {
		a.emit(0x44|rf, sib, 0)
	} else {
		a.emit(0x04|rf, sib)
	}
}

func rexIdx(w bool, reg, index, base int) byte {
	r := byte(0x40)
	if w {
		r |= 0x08
	}
	if reg >= 8 {
		r |= 0x04
	}
	if index >= 8 {
		r |= 0x02
	}
	if base >= 8 {
		r |= 0x01
	}
	return r
}

// movRMIdx64 emits `mov dst, [base+index]`.
func (a *x64Asm) movRMIdx64(dst, base, index int) {
	a.emit(rexIdx(true, dst, index, base), 0x8b)
	a.sibIdx(dst, base, index)
}

// movMIdxR64 emits `mov [base+index], src`.
func (a *x64Asm) movMIdxR64(base, index, src int) {
	a.emit(rexIdx(true, src, index, base), 0x89)
	a.sibIdx(src, base, index)
}

// movMIdxI64 emits `mov qword [base+index], imm32` (sign-extended).
func (a *x64Asm) movMIdxI64(base, index int, v int32) {
	a.emit(rexIdx(true, 0, index, base), 0xc7)
	a.sibIdx(0, base, index)
	a.emitU32(uint32(v))
}

// imulRR64 emits `imul dst, src`.
func (a *x64Asm) imulRR64(dst, src int) {
	a.emit(rexBits(true, dst, src), 0x0f, 0xaf, modrmRR(dst, src))
}

// imulRM32 emits `imul dst32, [base+disp]`.
func (a *x64Asm) imulRM32(dst, base int, disp int32) {
	a.rexOpt(false, dst, base)
	a.emit(0x0f, 0xaf)
	a.modrmMem(dst, base, disp)
}

// imulRM64 emits `imul dst, [base+disp]`.
func (a *x64Asm) imulRM64(dst, base int, disp int32) {
	a.emit(rexBits(true, dst, base), 0x0f, 0xaf)
	a.modrmMem(dst, base, disp)
}

// imulRI32 emits `imul dst32, dst32, imm32`.
func (a *x64Asm) imulRI32(reg int, v int32) {
	a.rexOpt(false, reg, reg)
	a.emit(0x69, modrmRR(reg, reg))
	a.emitU32(uint32(v))
}

// imulRI64 emits `imul dst, dst, imm32`.
func (a *x64Asm) imulRI64(reg int, v int32) {
	a.emit(rexBits(true, reg, reg), 0x69, modrmRR(reg, reg))
	a.emitU32(uint32(v))
}

// === group-3 and inc/dec memory forms ===

// grp3M emits the F7 group on a memory operand (/2 not, /3 neg, /6 div,
// /7 idiv).
func (a *x64Asm) grp3M32(digit int, base int, disp int32) {
	a.rexOpt(false, 0, base)
	a.emit(0xf7)
	a.modrmMem(digit, base, disp)
}

func (a *x64Asm) grp3M64(digit int, base int, disp int32) {
	a.emit(rexBits(true, 0, base), 0xf7)
	a.modrmMem(digit, base, disp)
}

const (
	grpNot  = 2
	grpNeg  = 3
	grpDiv  = 6
	grpIdiv = 7
)

// incDecM emits inc (digit 0) / dec (digit 1) on [base+disp] for widths
// 1, 2, 4 or 8 bytes.
func (a *x64Asm) incDecM(width int, digit int, base int, disp int32) {
	switch width {
	case 1:
		a.rexOpt(false, 0, base)
		a.emit(0xfe)
	case 2:
		a.emit(0x66)
		a.rexOpt(false, 0, base)
		a.emit(0xff)
	case 4:
		a.rexOpt(false, 0, base)
		a.emit(0xff)
	case 8:
		a.emit(rexBits(true, 0, base), 0xff)
	}
	a.modrmMem(digit, base, disp)
}

// cdq emits `cdq`; cqo emits `cqo`.
func (a *x64Asm) cdq() { a.emit(0x99) }
func (a *x64Asm) cqo() { a.emit(0x48, 0x99) }

// xorRR32 emits `xor r32, r32` (zeroes the full register).
func (a *x64Asm) xorRR32(reg int) {
	a.rexOpt(false, reg, reg)
	a.emit(0x31, modrmRR(reg, reg))
}

// === shifts (count in CL) ===

// shiftCl emits shl (/4), shr (/5) or sar (/7) by CL.
func (a *x64Asm) shiftCl64(digit, reg int) {
	a.emit(rexBits(true, 0, reg), 0xd3, byte(0xc0|digit<<3|reg&7))
}

func (a *x64Asm) shiftCl32(digit, reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xd3, byte(0xc0|digit<<3|reg&7))
}

const (
	shShl = 4
	shShr = 5
	shSar = 7
)

// === stack, control ===

func (a *x64Asm) pushR(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(byte(0x50 + reg&7))
}

func (a *x64Asm) popR(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(byte(0x58 + reg&7))
}

func (a *x64Asm) ret()   { a.emit(0xc3) }
func (a *x64Asm) nop()   { a.emit(0x90) }
func (a *x64Asm) leave() { a.emit(0xc9) }

// jmpR emits `jmp reg`.
func (a *x64Asm) jmpR(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xff, byte(0xe0|reg&7))
}

// callR emits `call reg`.
func (a *x64Asm) callR(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xff, byte(0xd0|reg&7))
}

// leaRip emits `lea reg, [rip+0]`, loading the address of the following
// instruction.
func (a *x64Asm) leaRip(reg int) {
	a.emit(rexBits(true, reg, 0), 0x8d, byte(0x05|(reg&7)<<3))
	a.emitU32(0)
}

// === SSE scalar ===

// sseM emits prefix+REX+0F for an SSE op with a memory operand.
func (a *x64Asm) sseM(prefix byte, op byte, xmm, base int, disp int32) {
	if prefix != 0 {
		a.emit(prefix)
	}
	a.rexOpt(false, xmm, base)
	a.emit(0x0f, op)
	a.modrmMem(xmm, base, disp)
}

func (a *x64Asm) sseRR(prefix byte, op byte, dst, src int) {
	if prefix != 0 {
		a.emit(prefix)
	}
	a.emit(0x0f, op, modrmRR(dst, src))
}

// movssLoad emits `movss xmm, dword [base+disp]`.
func (a *x64Asm) movssLoad(xmm, base int, disp int32) { a.sseM(0xf3, 0x10, xmm, base, disp) }

// movssStore emits `movss dword [base+disp], xmm`.
func (a *x64Asm) movssStore(base int, disp int32, xmm int) { a.sseM(0xf3, 0x11, xmm, base, disp) }

// movsdLoad emits `movsd xmm, qword [base+disp]`.
func (a *x64Asm) movsdLoad(xmm, base int, disp int32) { a.sseM(0xf2, 0x10, xmm, base, disp) }

// movsdStore emits `movsd qword [base+disp], xmm`.
func (a *x64Asm) movsdStore(base int, disp int32, xmm int) { a.sseM(0xf2, 0x11, xmm, base, disp) }

// ssOp emits a float32 arithmetic op (0x58 add, 0x5c sub, 0x59 mul, 0x5e
// div) with a memory source.
func (a *x64Asm) ssOpM(op byte, xmm, base int, disp int32) { a.sseM(0xf3, op, xmm, base, disp) }

// sdOpM is the float64 counterpart of ssOpM.
func (a *x64Asm) sdOpM(op byte, xmm, base int, disp int32) { a.sseM(0xf2, op, xmm, base, disp) }

// comissM emits `comiss xmm, dword [base+disp]`.
func (a *x64Asm) comissM(xmm, base int, disp int32) { a.sseM(0, 0x2f, xmm, base, disp) }

// comisdM emits `comisd xmm, qword [base+disp]`.
func (a *x64Asm) comisdM(xmm, base int, disp int32) {
	a.emit(0x66)
	a.rexOpt(false, xmm, base)
	a.emit(0x0f, 0x2f)
	a.modrmMem(xmm, base, disp)
}

// pxor emits `pxor xmm, xmm`.
func (a *x64Asm) pxor(dst, src int) {
	a.emit(0x66)
	a.sseRR(0, 0xef, dst, src)
}

// xorps emits `xorps dst, src`.
func (a *x64Asm) xorps(dst, src int) { a.sseRR(0, 0x57, dst, src) }

// xorpd emits `xorpd dst, src`.
func (a *x64Asm) xorpd(dst, src int) {
	a.emit(0x66)
	a.sseRR(0, 0x57, dst, src)
}

// cvtsi2ssM emits `cvtsi2ss xmm, dword/qword [base+disp]`.
func (a *x64Asm) cvtsi2ssM(xmm, base int, disp int32, wide bool) {
	a.emit(0xf3)
	if wide {
		a.emit(rexBits(true, xmm, base))
	} else {
		a.rexOpt(false, xmm, base)
	}
	a.emit(0x0f, 0x2a)
	a.modrmMem(xmm, base, disp)
}

// cvtsi2sdM emits `cvtsi2sd xmm, dword/qword [base+disp]`.
func (a *x64Asm) cvtsi2sdM(xmm, base int, disp int32, wide bool) {
	a.emit(0xf2)
	if wide {
		a.emit(rexBits(true, xmm, base))
	} else {
		a.rexOpt(false, xmm, base)
	}
	a.emit(0x0f, 0x2a)
	a.modrmMem(xmm, base, disp)
}

// cvttss2siM emits `cvttss2si reg, dword [base+disp]` (reg 32 or 64-bit).
func (a *x64Asm) cvttss2siM(reg, base int, disp int32, wide bool) {
	a.emit(0xf3)
	if wide {
		a.emit(rexBits(true, reg, base))
	} else {
		a.rexOpt(false, reg, base)
	}
	a.emit(0x0f, 0x2c)
	a.modrmMem(reg, base, disp)
}

// cvttsd2siM emits `cvttsd2si reg, qword [base+disp]`.
func (a *x64Asm) cvttsd2siM(reg, base int, disp int32, wide bool) {
	a.emit(0xf2)
	if wide {
		a.emit(rexBits(true, reg, base))
	} else {
		a.rexOpt(false, reg, base)
	}
	a.emit(0x0f, 0x2c)
	a.modrmMem(reg, base, disp)
}

// cvttss2siR / cvttsd2siR are the register-source forms.
func (a *x64Asm) cvttss2siR(reg, xmm int, wide bool) {
	a.emit(0xf3)
	if wide {
		a.emit(rexBits(true, reg, xmm))
	} else {
		a.rexOpt(false, reg, xmm)
	}
	a.emit(0x0f, 0x2c, modrmRR(reg, xmm))
}

// cvtss2sdM emits `cvtss2sd xmm, dword [base+disp]`.
func (a *x64Asm) cvtss2sdM(xmm, base int, disp int32) { a.sseM(0xf3, 0x5a, xmm, base, disp) }

// cvtsd2ssM emits `cvtsd2ss xmm, qword [base+disp]`.
func (a *x64Asm) cvtsd2ssM(xmm, base int, disp int32) { a.sseM(0xf2, 0x5a, xmm, base, disp) }

// === constant-pool operands ===

// sseRip emits an SSE op whose memory operand is a constant-pool entry,
// recording a RIP-relative fixup.
func (a *x64Asm) sseRip(prefix byte, op byte, xmm int, poolOff int) {
	if prefix != 0 {
		a.emit(prefix)
	}
	a.emit(0x0f, op, byte(0x05|(xmm&7)<<3))
	a.poolFixups = append(a.poolFixups, poolFixup{pos: len(a.code), off: poolOff})
	a.emitU32(0)
}

func (a *x64Asm) movssConst(xmm int, bits uint32) { a.sseRip(0xf3, 0x10, xmm, a.pool.add4(bits)) }
func (a *x64Asm) movsdConst(xmm int, bits uint64) { a.sseRip(0xf2, 0x10, xmm, a.pool.add8(bits)) }
func (a *x64Asm) addssConst(xmm int, bits uint32) { a.sseRip(0xf3, 0x58, xmm, a.pool.add4(bits)) }
func (a *x64Asm) subssConst(xmm int, bits uint32) { a.sseRip(0xf3, 0x5c, xmm, a.pool.add4(bits)) }
func (a *x64Asm) mulssConst(xmm int, bits uint32) { a.sseRip(0xf3, 0x59, xmm, a.pool.add4(bits)) }
func (a *x64Asm) addsdConst(xmm int, bits uint64) { a.sseRip(0xf2, 0x58, xmm, a.pool.add8(bits)) }
func (a *x64Asm) subsdConst(xmm int, bits uint64) { a.sseRip(0xf2, 0x5c, xmm, a.pool.add8(bits)) }
func (a *x64Asm) comissConst(xmm int, bits uint32) { a.sseRip(0, 0x2f, xmm, a.pool.add4(bits)) }

func (a *x64Asm) comisdConst(xmm int, bits uint64) {
	a.emit(0x66)
	a.sseRip(0, 0x2f, xmm, a.pool.add8(bits))
}

func (a *x64Asm) xorpsConst(xmm int, bits uint32) {
	// xorps reads 16 bytes; pad the entry to keep the load in-pool.
	off := a.pool.add16(uint64(bits), 0)
	a.sseRip(0, 0x57, xmm, off)
}

func (a *x64Asm) xorpdConst(xmm int, bits uint64) {
	off := a.pool.add16(bits, 0)
	a.emit(0x66)
	a.sseRip(0, 0x57, xmm, off)
}

// === finalize ===

// finalize resolves label and pool fixups and returns the code with the
// constant pool appended.
func (a *x64Asm) finalize() ([]byte, error) {
	for _, f := range a.fixups {
		t := a.labels[f.label]
		if t < 0 {
			err := errors.Errorf("unresolved label %d at %#x", f.label, f.pos)
			if a.onError != nil {
				a.onError(err)
			}
			return nil, err
		}
		rel := int32(t - (f.pos + 4))
		putU32(a.code[f.pos:], uint32(rel))
	}
	poolBase := alignUp(len(a.code), 16)
	for len(a.code) < poolBase {
		a.emit(0xcc)
	}
	a.code = append(a.code, a.pool.buf...)
	for _, f := range a.poolFixups {
		rel := int32(poolBase + f.off - (f.pos + 4))
		putU32(a.code[f.pos:], uint32(rel))
	}
	return a.code, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func alignUp(v, align int) int { return (v + align - 1) &^ (align - 1) }
