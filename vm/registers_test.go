package vm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// The code generators bake these offsets into emitted instructions; the
// struct layout must never drift from the constants.
func TestRegisterBlockLayout(t *testing.T) {
	var r Registers
	assert.Equal(t, uintptr(RegsOffPC), unsafe.Offsetof(r.ProgramPointer))
	assert.Equal(t, uintptr(RegsOffFrame), unsafe.Offsetof(r.StackFramePointer))
	assert.Equal(t, uintptr(RegsOffStack), unsafe.Offsetof(r.StackPointer))
	assert.Equal(t, uintptr(RegsOffValue), unsafe.Offsetof(r.ValueRegister))
	assert.Equal(t, uintptr(RegsOffObject), unsafe.Offsetof(r.ObjectRegister))
	assert.Equal(t, uintptr(RegsOffObjectType), unsafe.Offsetof(r.ObjectType))
	assert.Equal(t, uintptr(RegsOffException), unsafe.Offsetof(r.Exception))
}
