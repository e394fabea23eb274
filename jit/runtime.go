package jit

import (
	"unsafe"

	"github.com/vexlang/vex/vm"
)

// Bridging between Go function values and raw code addresses. A Go func
// value is a pointer to a funcval whose first word is the entry PC, so a
// compiled buffer becomes callable by pointing a funcval at it, and a
// helper's entry address is read back out the same way.

type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// funcEntry returns the entry address of a Go function value.
func funcEntry(fn interface{}) uintptr {
	e := (*eface)(unsafe.Pointer(&fn))
	return *(*uintptr)(e.data)
}

// makeJITFunc wraps a code address as a callable compiled function.
func makeJITFunc(entry uintptr) vm.JITFunc {
	p := new(uintptr)
	*p = entry
	return *(*vm.JITFunc)(unsafe.Pointer(&p))
}

// jitFuncEntry recovers the code address backing a compiled function.
func jitFuncEntry(fn vm.JITFunc) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// helperTable holds the resolved entry addresses of the runtime helpers the
// lowering tables emit calls to. Helpers are leaf Go functions; emitted code
// saves the mirror registers before and reloads them after every call.
type helperTable struct {
	modFloat    uintptr
	modDouble   uintptr
	ipow        uintptr
	upow        uintptr
	i64pow      uintptr
	u64pow      uintptr
	fpow        uintptr
	dpow        uintptr
	dipow       uintptr
	uToFloat    uintptr
	uToDouble   uintptr
	u64ToFloat  uintptr
	u64ToDouble uintptr
	fToU64      uintptr
	dToU64      uintptr
	copyMem     uintptr
	raiseNull   uintptr
}

var helpers = helperTable{
	modFloat:    funcEntry(vm.ModFloat32),
	modDouble:   funcEntry(vm.ModFloat64),
	ipow:        funcEntry(vm.PowInt32),
	upow:        funcEntry(vm.PowUint32),
	i64pow:      funcEntry(vm.PowInt64),
	u64pow:      funcEntry(vm.PowUint64),
	fpow:        funcEntry(vm.PowFloat32),
	dpow:        funcEntry(vm.PowFloat64),
	dipow:       funcEntry(vm.PowFloat64Int),
	uToFloat:    funcEntry(vm.Uint32ToFloat32),
	uToDouble:   funcEntry(vm.Uint32ToFloat64),
	u64ToFloat:  funcEntry(vm.Uint64ToFloat32),
	u64ToDouble: funcEntry(vm.Uint64ToFloat64),
	fToU64:      funcEntry(vm.Float32ToUint64),
	dToU64:      funcEntry(vm.Float64ToUint64),
	copyMem:     funcEntry(vm.CopyMem),
	raiseNull:   funcEntry(vm.RaiseNullAccess),
}
