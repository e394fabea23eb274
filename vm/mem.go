package vm

import "unsafe"

// Raw-memory accessors shared by the interpreter and the tests. The script
// stack and globals are addressed by raw pointers because compiled code
// addresses them the same way; keeping both execution paths on the same
// arithmetic is what makes per-opcode equivalence meaningful.

func addPtr(p unsafe.Pointer, off int32) unsafe.Pointer {
	return unsafe.Add(p, int(off))
}

func ld8(p unsafe.Pointer) uint8       { return *(*uint8)(p) }
func ld16(p unsafe.Pointer) uint16     { return *(*uint16)(p) }
func ld32(p unsafe.Pointer) uint32     { return *(*uint32)(p) }
func ld64(p unsafe.Pointer) uint64     { return *(*uint64)(p) }
func ldPtr(p unsafe.Pointer) uintptr   { return *(*uintptr)(p) }
func st8(p unsafe.Pointer, v uint8)    { *(*uint8)(p) = v }
func st16(p unsafe.Pointer, v uint16)  { *(*uint16)(p) = v }
func st32(p unsafe.Pointer, v uint32)  { *(*uint32)(p) = v }
func st64(p unsafe.Pointer, v uint64)  { *(*uint64)(p) = v }
func stPtr(p unsafe.Pointer, v uintptr) { *(*uintptr)(p) = v }
