package vm

import (
	"math"
	"unsafe"
)

// Runtime helpers shared between the interpreter and compiled code. The code
// generators call these through their resolved entry addresses, so every
// function here must stay a plain leaf: no allocation, no interface calls,
// no writes that need a barrier. The interpreter calls them directly, which
// pins both execution paths to one definition of the edge cases.

// ModFloat32 is the float remainder used by MODf.
//
//go:nosplit
func ModFloat32(a, b float32) float32 {
	return float32(ModFloat64(float64(a), float64(b)))
}

// ModFloat64 is the double remainder used by MODd.
//
//go:nosplit
func ModFloat64(a, b float64) float64 {
	return a - math.Trunc(a/b)*b
}

// PowInt32 raises a to the power b with truncating integer semantics.
//
//go:nosplit
func PowInt32(a, b int32) int32 {
	if b < 0 {
		switch a {
		case 1:
			return 1
		case -1:
			if b&1 != 0 {
				return -1
			}
			return 1
		}
		return 0
	}
	var r int32 = 1
	for b > 0 {
		if b&1 != 0 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

//go:nosplit
func PowUint32(a, b uint32) uint32 {
	var r uint32 = 1
	for b > 0 {
		if b&1 != 0 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

//go:nosplit
func PowInt64(a, b int64) int64 {
	if b < 0 {
		switch a {
		case 1:
			return 1
		case -1:
			if b&1 != 0 {
				return -1
			}
			return 1
		}
		return 0
	}
	var r int64 = 1
	for b > 0 {
		if b&1 != 0 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

//go:nosplit
func PowUint64(a, b uint64) uint64 {
	var r uint64 = 1
	for b > 0 {
		if b&1 != 0 {
			r *= a
		}
		a *= a
		b >>= 1
	}
	return r
}

// PowFloat32 raises a to the power b.
func PowFloat32(a, b float32) float32 {
	return float32(math.Pow(float64(a), float64(b)))
}

// PowFloat64 raises a to the power b.
func PowFloat64(a, b float64) float64 {
	return math.Pow(a, b)
}

// PowFloat64Int raises a to an integer power.
func PowFloat64Int(a float64, b int32) float64 {
	return math.Pow(a, float64(b))
}

// Unsigned-to-float and float-to-unsigned conversions are routed through
// helpers because neither target ISA has a single-instruction form for all
// of them; both execution paths share the Go conversion semantics.

//go:nosplit
func Uint32ToFloat32(v uint32) float32 { return float32(v) }

//go:nosplit
func Uint32ToFloat64(v uint32) float64 { return float64(v) }

//go:nosplit
func Uint64ToFloat32(v uint64) float32 { return float32(v) }

//go:nosplit
func Uint64ToFloat64(v uint64) float64 { return float64(v) }

//go:nosplit
func Float32ToUint64(v float32) uint64 { return uint64(v) }

//go:nosplit
func Float64ToUint64(v float64) uint64 { return uint64(v) }

// CopyMem copies n bytes between script objects. Compiled COPY lowers to a
// call here with mirrors saved around it.
//
//go:nosplit
func CopyMem(dst, src unsafe.Pointer, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		*(*byte)(unsafe.Add(dst, i)) = *(*byte)(unsafe.Add(src, i))
	}
}

// RaiseNullAccess records a null-pointer fault in the register block. The
// emitted call site yields immediately afterwards, so the VM observes the
// fault with every mirror already written back.
//
//go:nosplit
func RaiseNullAccess(regs *Registers) {
	regs.Exception = ExceptNullPointer
}
