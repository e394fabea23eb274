package vm

import (
	"math"
	"unsafe"
)

// The bytecode stream is a sequence of 32-bit words. The first byte of each
// instruction is the opcode; operand words follow. 16-bit operands are packed
// starting at the upper half of the opcode word, so a three-variable
// instruction still fits in two words.

// Op identifies a bytecode instruction.
type Op uint8

const (
	OpPopPtr Op = iota
	OpPshGPtr
	OpPshC4
	OpPshV4
	OpPSF
	OpSwapPtr
	OpNot
	OpPshG4
	OpLdGRdR4
	OpCall
	OpRet
	OpJmp
	OpJZ
	OpJNZ
	OpJS
	OpJNS
	OpJP
	OpJNP
	OpTZ
	OpTNZ
	OpTS
	OpTNS
	OpTP
	OpTNP
	OpNegI
	OpNegF
	OpNegD
	OpIncI16
	OpIncI8
	OpDecI16
	OpDecI8
	OpIncI
	OpDecI
	OpIncF
	OpDecF
	OpIncD
	OpDecD
	OpIncVi
	OpDecVi
	OpBNot
	OpBAnd
	OpBOr
	OpBXor
	OpBSLL
	OpBSRL
	OpBSRA
	OpCopy
	OpPshC8
	OpPshVPtr
	OpRDSPtr
	OpCmpD
	OpCmpU
	OpCmpF
	OpCmpI
	OpCmpIC
	OpCmpFC
	OpCmpUC
	OpJmpP
	OpPopRPtr
	OpPshRPtr
	OpStr
	OpCallSys
	OpCallBnd
	OpSuspend
	OpAlloc
	OpFree
	OpLoadObj
	OpStoreObj
	OpGetObj
	OpRefCpy
	OpChkRef
	OpGetObjRef
	OpGetRef
	OpPshNull
	OpClrVPtr
	OpObjType
	OpTypeID
	OpSetV4
	OpSetV8
	OpAddSi
	OpCpyVtoV4
	OpCpyVtoV8
	OpCpyVtoR4
	OpCpyVtoR8
	OpCpyVtoG4
	OpCpyRtoV4
	OpCpyRtoV8
	OpCpyGtoV4
	OpWrtV1
	OpWrtV2
	OpWrtV4
	OpWrtV8
	OpRdR1
	OpRdR2
	OpRdR4
	OpRdR8
	OpLdG
	OpLdV
	OpPGA
	OpCmpPtr
	OpVar
	OpIToF
	OpFToI
	OpUToF
	OpFToU
	OpSBToI
	OpSWToI
	OpUBToI
	OpUWToI
	OpDToI
	OpDToU
	OpDToF
	OpIToD
	OpUToD
	OpFToD
	OpAddI
	OpSubI
	OpMulI
	OpDivI
	OpModI
	OpAddF
	OpSubF
	OpMulF
	OpDivF
	OpModF
	OpAddD
	OpSubD
	OpMulD
	OpDivD
	OpModD
	OpAddIC
	OpSubIC
	OpMulIC
	OpAddFC
	OpSubFC
	OpMulFC
	OpSetG4
	OpChkRefS
	OpChkNullV
	OpCallIntf
	OpIToB
	OpIToW
	OpSetV1
	OpSetV2
	OpCast
	OpI64ToI
	OpUToI64
	OpIToI64
	OpFToI64
	OpDToI64
	OpFToU64
	OpDToU64
	OpI64ToF
	OpU64ToF
	OpI64ToD
	OpU64ToD
	OpNegI64
	OpIncI64
	OpDecI64
	OpBNot64
	OpAddI64
	OpSubI64
	OpMulI64
	OpDivI64
	OpModI64
	OpBAnd64
	OpBOr64
	OpBXor64
	OpBSLL64
	OpBSRL64
	OpBSRA64
	OpCmpI64
	OpCmpU64
	OpChkNullS
	OpClrHi
	OpJitEntry
	OpCallPtr
	OpFuncPtr
	OpLoadThisR
	OpPshV8
	OpDivU
	OpModU
	OpDivU64
	OpModU64
	OpLoadRObjR
	OpLoadVObjR
	OpRefCpyV
	OpJLowZ
	OpJLowNZ
	OpAllocMem
	OpSetListSize
	OpPshListElmnt
	OpSetListType
	OpPowI
	OpPowU
	OpPowF
	OpPowD
	OpPowDI
	OpPowI64
	OpPowU64
	OpThiscall1

	OpCount
)

// ArgLayout classifies an instruction's operand words. The layout alone
// determines the instruction size; the scan and emit passes of the compiler
// and the interpreter all advance through InstrSize.
type ArgLayout uint8

const (
	LayoutNone   ArgLayout = iota // no operands
	LayoutW                       // one 16-bit operand in the opcode word
	LayoutDW                      // one 32-bit operand
	LayoutW_DW                    // 16-bit + 32-bit
	LayoutW_W                     // two 16-bit operands
	LayoutW_W_W                   // three 16-bit operands
	LayoutQW                      // one 64-bit operand
	LayoutW_QW                    // 16-bit + 64-bit
	LayoutW_W_DW                  // two 16-bit + one 32-bit
	LayoutW_DW_DW                 // 16-bit + two 32-bit
	LayoutPTR                     // one pointer-sized operand
	LayoutW_PTR                   // 16-bit + pointer
	LayoutPTR_DW                  // pointer + 32-bit
)

var layoutSize = [...]uint32{
	LayoutNone:    1,
	LayoutW:       1,
	LayoutDW:      2,
	LayoutW_DW:    2,
	LayoutW_W:     2,
	LayoutW_W_W:   2,
	LayoutQW:      3,
	LayoutW_QW:    3,
	LayoutW_W_DW:  3,
	LayoutW_DW_DW: 3,
	LayoutPTR:     3,
	LayoutW_PTR:   3,
	LayoutPTR_DW:  4,
}

// OpInfo describes one opcode.
type OpInfo struct {
	Name   string
	Layout ArgLayout
}

var opInfo = [OpCount]OpInfo{
	OpPopPtr:       {"PopPtr", LayoutNone},
	OpPshGPtr:      {"PshGPtr", LayoutPTR},
	OpPshC4:        {"PshC4", LayoutDW},
	OpPshV4:        {"PshV4", LayoutW},
	OpPSF:          {"PSF", LayoutW},
	OpSwapPtr:      {"SwapPtr", LayoutNone},
	OpNot:          {"NOT", LayoutW},
	OpPshG4:        {"PshG4", LayoutPTR},
	OpLdGRdR4:      {"LdGRdR4", LayoutW_PTR},
	OpCall:         {"CALL", LayoutDW},
	OpRet:          {"RET", LayoutW},
	OpJmp:          {"JMP", LayoutDW},
	OpJZ:           {"JZ", LayoutDW},
	OpJNZ:          {"JNZ", LayoutDW},
	OpJS:           {"JS", LayoutDW},
	OpJNS:          {"JNS", LayoutDW},
	OpJP:           {"JP", LayoutDW},
	OpJNP:          {"JNP", LayoutDW},
	OpTZ:           {"TZ", LayoutNone},
	OpTNZ:          {"TNZ", LayoutNone},
	OpTS:           {"TS", LayoutNone},
	OpTNS:          {"TNS", LayoutNone},
	OpTP:           {"TP", LayoutNone},
	OpTNP:          {"TNP", LayoutNone},
	OpNegI:         {"NEGi", LayoutW},
	OpNegF:         {"NEGf", LayoutW},
	OpNegD:         {"NEGd", LayoutW},
	OpIncI16:       {"INCi16", LayoutNone},
	OpIncI8:        {"INCi8", LayoutNone},
	OpDecI16:       {"DECi16", LayoutNone},
	OpDecI8:        {"DECi8", LayoutNone},
	OpIncI:         {"INCi", LayoutNone},
	OpDecI:         {"DECi", LayoutNone},
	OpIncF:         {"INCf", LayoutNone},
	OpDecF:         {"DECf", LayoutNone},
	OpIncD:         {"INCd", LayoutNone},
	OpDecD:         {"DECd", LayoutNone},
	OpIncVi:        {"IncVi", LayoutW},
	OpDecVi:        {"DecVi", LayoutW},
	OpBNot:         {"BNOT", LayoutW},
	OpBAnd:         {"BAND", LayoutW_W_W},
	OpBOr:          {"BOR", LayoutW_W_W},
	OpBXor:         {"BXOR", LayoutW_W_W},
	OpBSLL:         {"BSLL", LayoutW_W_W},
	OpBSRL:         {"BSRL", LayoutW_W_W},
	OpBSRA:         {"BSRA", LayoutW_W_W},
	OpCopy:         {"COPY", LayoutW_DW},
	OpPshC8:        {"PshC8", LayoutQW},
	OpPshVPtr:      {"PshVPtr", LayoutW},
	OpRDSPtr:       {"RDSPtr", LayoutNone},
	OpCmpD:         {"CMPd", LayoutW_W},
	OpCmpU:         {"CMPu", LayoutW_W},
	OpCmpF:         {"CMPf", LayoutW_W},
	OpCmpI:         {"CMPi", LayoutW_W},
	OpCmpIC:        {"CMPIi", LayoutW_DW},
	OpCmpFC:        {"CMPIf", LayoutW_DW},
	OpCmpUC:        {"CMPIu", LayoutW_DW},
	OpJmpP:         {"JMPP", LayoutW},
	OpPopRPtr:      {"PopRPtr", LayoutNone},
	OpPshRPtr:      {"PshRPtr", LayoutNone},
	OpStr:          {"STR", LayoutW},
	OpCallSys:      {"CALLSYS", LayoutDW},
	OpCallBnd:      {"CALLBND", LayoutDW},
	OpSuspend:      {"SUSPEND", LayoutNone},
	OpAlloc:        {"ALLOC", LayoutPTR_DW},
	OpFree:         {"FREE", LayoutW_PTR},
	OpLoadObj:      {"LOADOBJ", LayoutW},
	OpStoreObj:     {"STOREOBJ", LayoutW},
	OpGetObj:       {"GETOBJ", LayoutW},
	OpRefCpy:       {"REFCPY", LayoutPTR},
	OpChkRef:       {"CHKREF", LayoutNone},
	OpGetObjRef:    {"GETOBJREF", LayoutW},
	OpGetRef:       {"GETREF", LayoutW},
	OpPshNull:      {"PshNull", LayoutNone},
	OpClrVPtr:      {"ClrVPtr", LayoutW},
	OpObjType:      {"OBJTYPE", LayoutPTR},
	OpTypeID:       {"TYPEID", LayoutDW},
	OpSetV4:        {"SetV4", LayoutW_DW},
	OpSetV8:        {"SetV8", LayoutW_QW},
	OpAddSi:        {"ADDSi", LayoutW_DW},
	OpCpyVtoV4:     {"CpyVtoV4", LayoutW_W},
	OpCpyVtoV8:     {"CpyVtoV8", LayoutW_W},
	OpCpyVtoR4:     {"CpyVtoR4", LayoutW},
	OpCpyVtoR8:     {"CpyVtoR8", LayoutW},
	OpCpyVtoG4:     {"CpyVtoG4", LayoutW_PTR},
	OpCpyRtoV4:     {"CpyRtoV4", LayoutW},
	OpCpyRtoV8:     {"CpyRtoV8", LayoutW},
	OpCpyGtoV4:     {"CpyGtoV4", LayoutW_PTR},
	OpWrtV1:        {"WRTV1", LayoutW},
	OpWrtV2:        {"WRTV2", LayoutW},
	OpWrtV4:        {"WRTV4", LayoutW},
	OpWrtV8:        {"WRTV8", LayoutW},
	OpRdR1:         {"RDR1", LayoutW},
	OpRdR2:         {"RDR2", LayoutW},
	OpRdR4:         {"RDR4", LayoutW},
	OpRdR8:         {"RDR8", LayoutW},
	OpLdG:          {"LDG", LayoutPTR},
	OpLdV:          {"LDV", LayoutW},
	OpPGA:          {"PGA", LayoutPTR},
	OpCmpPtr:       {"CmpPtr", LayoutW_W},
	OpVar:          {"VAR", LayoutW},
	OpIToF:         {"iTOf", LayoutW},
	OpFToI:         {"fTOi", LayoutW},
	OpUToF:         {"uTOf", LayoutW},
	OpFToU:         {"fTOu", LayoutW},
	OpSBToI:        {"sbTOi", LayoutW},
	OpSWToI:        {"swTOi", LayoutW},
	OpUBToI:        {"ubTOi", LayoutW},
	OpUWToI:        {"uwTOi", LayoutW},
	OpDToI:         {"dTOi", LayoutW_W},
	OpDToU:         {"dTOu", LayoutW_W},
	OpDToF:         {"dTOf", LayoutW_W},
	OpIToD:         {"iTOd", LayoutW_W},
	OpUToD:         {"uTOd", LayoutW_W},
	OpFToD:         {"fTOd", LayoutW_W},
	OpAddI:         {"ADDi", LayoutW_W_W},
	OpSubI:         {"SUBi", LayoutW_W_W},
	OpMulI:         {"MULi", LayoutW_W_W},
	OpDivI:         {"DIVi", LayoutW_W_W},
	OpModI:         {"MODi", LayoutW_W_W},
	OpAddF:         {"ADDf", LayoutW_W_W},
	OpSubF:         {"SUBf", LayoutW_W_W},
	OpMulF:         {"MULf", LayoutW_W_W},
	OpDivF:         {"DIVf", LayoutW_W_W},
	OpModF:         {"MODf", LayoutW_W_W},
	OpAddD:         {"ADDd", LayoutW_W_W},
	OpSubD:         {"SUBd", LayoutW_W_W},
	OpMulD:         {"MULd", LayoutW_W_W},
	OpDivD:         {"DIVd", LayoutW_W_W},
	OpModD:         {"MODd", LayoutW_W_W},
	OpAddIC:        {"ADDIi", LayoutW_W_DW},
	OpSubIC:        {"SUBIi", LayoutW_W_DW},
	OpMulIC:        {"MULIi", LayoutW_W_DW},
	OpAddFC:        {"ADDIf", LayoutW_W_DW},
	OpSubFC:        {"SUBIf", LayoutW_W_DW},
	OpMulFC:        {"MULIf", LayoutW_W_DW},
	OpSetG4:        {"SetG4", LayoutPTR_DW},
	OpChkRefS:      {"ChkRefS", LayoutNone},
	OpChkNullV:     {"ChkNullV", LayoutW},
	OpCallIntf:     {"CALLINTF", LayoutDW},
	OpIToB:         {"iTOb", LayoutW},
	OpIToW:         {"iTOw", LayoutW},
	OpSetV1:        {"SetV1", LayoutW_DW},
	OpSetV2:        {"SetV2", LayoutW_DW},
	OpCast:         {"Cast", LayoutDW},
	OpI64ToI:       {"i64TOi", LayoutW_W},
	OpUToI64:       {"uTOi64", LayoutW_W},
	OpIToI64:       {"iTOi64", LayoutW_W},
	OpFToI64:       {"fTOi64", LayoutW_W},
	OpDToI64:       {"dTOi64", LayoutW_W},
	OpFToU64:       {"fTOu64", LayoutW_W},
	OpDToU64:       {"dTOu64", LayoutW},
	OpI64ToF:       {"i64TOf", LayoutW_W},
	OpU64ToF:       {"u64TOf", LayoutW_W},
	OpI64ToD:       {"i64TOd", LayoutW},
	OpU64ToD:       {"u64TOd", LayoutW},
	OpNegI64:       {"NEGi64", LayoutW},
	OpIncI64:       {"INCi64", LayoutNone},
	OpDecI64:       {"DECi64", LayoutNone},
	OpBNot64:       {"BNOT64", LayoutW},
	OpAddI64:       {"ADDi64", LayoutW_W_W},
	OpSubI64:       {"SUBi64", LayoutW_W_W},
	OpMulI64:       {"MULi64", LayoutW_W_W},
	OpDivI64:       {"DIVi64", LayoutW_W_W},
	OpModI64:       {"MODi64", LayoutW_W_W},
	OpBAnd64:       {"BAND64", LayoutW_W_W},
	OpBOr64:        {"BOR64", LayoutW_W_W},
	OpBXor64:       {"BXOR64", LayoutW_W_W},
	OpBSLL64:       {"BSLL64", LayoutW_W_W},
	OpBSRL64:       {"BSRL64", LayoutW_W_W},
	OpBSRA64:       {"BSRA64", LayoutW_W_W},
	OpCmpI64:       {"CMPi64", LayoutW_W},
	OpCmpU64:       {"CMPu64", LayoutW_W},
	OpChkNullS:     {"ChkNullS", LayoutW},
	OpClrHi:        {"ClrHi", LayoutNone},
	OpJitEntry:     {"JitEntry", LayoutPTR},
	OpCallPtr:      {"CallPtr", LayoutW},
	OpFuncPtr:      {"FuncPtr", LayoutPTR},
	OpLoadThisR:    {"LoadThisR", LayoutW_DW},
	OpPshV8:        {"PshV8", LayoutW},
	OpDivU:         {"DIVu", LayoutW_W_W},
	OpModU:         {"MODu", LayoutW_W_W},
	OpDivU64:       {"DIVu64", LayoutW_W_W},
	OpModU64:       {"MODu64", LayoutW_W_W},
	OpLoadRObjR:    {"LoadRObjR", LayoutW_W_DW},
	OpLoadVObjR:    {"LoadVObjR", LayoutW_W_DW},
	OpRefCpyV:      {"RefCpyV", LayoutW_PTR},
	OpJLowZ:        {"JLowZ", LayoutDW},
	OpJLowNZ:       {"JLowNZ", LayoutDW},
	OpAllocMem:     {"AllocMem", LayoutW_DW},
	OpSetListSize:  {"SetListSize", LayoutW_DW_DW},
	OpPshListElmnt: {"PshListElmnt", LayoutW_DW},
	OpSetListType:  {"SetListType", LayoutW_DW_DW},
	OpPowI:         {"POWi", LayoutW_W_W},
	OpPowU:         {"POWu", LayoutW_W_W},
	OpPowF:         {"POWf", LayoutW_W_W},
	OpPowD:         {"POWd", LayoutW_W_W},
	OpPowDI:        {"POWdi", LayoutW_W_W},
	OpPowI64:       {"POWi64", LayoutW_W_W},
	OpPowU64:       {"POWu64", LayoutW_W_W},
	OpThiscall1:    {"Thiscall1", LayoutDW},
}

// Info returns the opcode descriptor.
func (op Op) Info() OpInfo { return opInfo[op] }

func (op Op) String() string {
	if op < OpCount {
		return opInfo[op].Name
	}
	return "Op(?)"
}

// InstrSize reports the instruction's total size in 32-bit words.
func InstrSize(op Op) uint32 { return layoutSize[opInfo[op].Layout] }

// Decode extracts the opcode from the instruction word at code[pc].
func Decode(code []uint32, pc uint32) Op { return Op(code[pc] & 0xff) }

// Operand accessors. addr is the index of the instruction's opcode word.

// Int32Arg returns the 32-bit word following the opcode word.
func Int32Arg(code []uint32, addr uint32) int32 { return int32(code[addr+1]) }

// DwordArg returns the 32-bit word following the opcode word, unsigned.
func DwordArg(code []uint32, addr uint32) uint32 { return code[addr+1] }

// QwordArg returns the 64-bit value in the two words after the opcode word.
func QwordArg(code []uint32, addr uint32) uint64 {
	return uint64(code[addr+1]) | uint64(code[addr+2])<<32
}

// FloatArg reinterprets the word after the opcode word as float32.
func FloatArg(code []uint32, addr uint32) float32 {
	return math.Float32frombits(code[addr+1])
}

// PtrArg returns the pointer-sized value in the two words after the opcode.
func PtrArg(code []uint32, addr uint32) uintptr {
	return uintptr(QwordArg(code, addr))
}

// ShortArg returns the i-th signed 16-bit operand slot. Slot 0 occupies the
// upper half of the opcode word.
func ShortArg(code []uint32, addr uint32, i int) int16 {
	w := code[addr+uint32(i+1)/2]
	if (i+1)%2 == 1 {
		return int16(w >> 16)
	}
	return int16(w)
}

// WordArg returns the i-th unsigned 16-bit operand slot.
func WordArg(code []uint32, addr uint32, i int) uint16 {
	return uint16(ShortArg(code, addr, i))
}

// ArgOffset converts the i-th 16-bit operand into a byte offset within the
// script stack frame. The frame grows downward in 4-byte units.
func ArgOffset(code []uint32, addr uint32, i int) int32 {
	return -int32(ShortArg(code, addr, i)) * 4
}

// PtrSize is the operand size of pointer-typed slots in the stream.
const PtrSize = int32(unsafe.Sizeof(uintptr(0)))

// IsBranch reports whether the opcode transfers control with a relative
// 32-bit word displacement.
func IsBranch(op Op) bool {
	switch op {
	case OpJmp, OpJZ, OpJNZ, OpJS, OpJNS, OpJP, OpJNP, OpJLowZ, OpJLowNZ:
		return true
	}
	return false
}

// BranchTarget computes the absolute word index a branch at addr refers to.
// The displacement is measured from the end of the branch instruction.
func BranchTarget(code []uint32, addr uint32) uint32 {
	return addr + uint32(Int32Arg(code, addr)) + InstrSize(Decode(code, addr))
}
