package vm

import (
	"math"

	"github.com/pkg/errors"
)

// Assembler builds bytecode streams for tests and demo programs. Branch
// targets are symbolic labels patched when the function is sealed.
type Assembler struct {
	code   []uint32
	labels []int32 // word index, -1 while unbound
	fixups []asmFixup
}

type asmFixup struct {
	addr  uint32 // word index of the branch opcode
	label int
}

func NewAssembler() *Assembler { return &Assembler{} }

// Label allocates an unbound label.
func (a *Assembler) Label() int {
	a.labels = append(a.labels, -1)
	return len(a.labels) - 1
}

// Bind points the label at the next emitted instruction.
func (a *Assembler) Bind(l int) { a.labels[l] = int32(len(a.code)) }

func (a *Assembler) word0(op Op, s0 int16) {
	a.code = append(a.code, uint32(op)|uint32(uint16(s0))<<16)
}

// Op emits an instruction without operands.
func (a *Assembler) Op(op Op) { a.word0(op, 0) }

// OpW emits an instruction with one 16-bit operand.
func (a *Assembler) OpW(op Op, s0 int16) { a.word0(op, s0) }

// OpDW emits an instruction with one 32-bit operand.
func (a *Assembler) OpDW(op Op, dw uint32) {
	a.word0(op, 0)
	a.code = append(a.code, dw)
}

// OpWDW emits a 16-bit operand followed by a 32-bit operand.
func (a *Assembler) OpWDW(op Op, s0 int16, dw uint32) {
	a.word0(op, s0)
	a.code = append(a.code, dw)
}

// OpWF emits a 16-bit operand followed by a float32 operand.
func (a *Assembler) OpWF(op Op, s0 int16, f float32) {
	a.OpWDW(op, s0, math.Float32bits(f))
}

// OpWW emits two 16-bit operands.
func (a *Assembler) OpWW(op Op, s0, s1 int16) {
	a.word0(op, s0)
	a.code = append(a.code, uint32(uint16(s1)))
}

// OpWWW emits three 16-bit operands.
func (a *Assembler) OpWWW(op Op, s0, s1, s2 int16) {
	a.word0(op, s0)
	a.code = append(a.code, uint32(uint16(s1))|uint32(uint16(s2))<<16)
}

// OpWWDW emits two 16-bit operands and a trailing 32-bit operand.
func (a *Assembler) OpWWDW(op Op, s0, s1 int16, dw uint32) {
	a.OpWW(op, s0, s1)
	a.code = append(a.code, dw)
}

// OpWDWDW emits one 16-bit operand and two 32-bit operands.
func (a *Assembler) OpWDWDW(op Op, s0 int16, dw0, dw1 uint32) {
	a.word0(op, s0)
	a.code = append(a.code, dw0, dw1)
}

// OpQW emits a 64-bit operand.
func (a *Assembler) OpQW(op Op, q uint64) {
	a.word0(op, 0)
	a.code = append(a.code, uint32(q), uint32(q>>32))
}

// OpWQW emits a 16-bit operand followed by a 64-bit operand.
func (a *Assembler) OpWQW(op Op, s0 int16, q uint64) {
	a.word0(op, s0)
	a.code = append(a.code, uint32(q), uint32(q>>32))
}

// OpPtr emits a pointer-sized operand.
func (a *Assembler) OpPtr(op Op, p uintptr) { a.OpQW(op, uint64(p)) }

// OpWPtr emits a 16-bit operand followed by a pointer operand.
func (a *Assembler) OpWPtr(op Op, s0 int16, p uintptr) { a.OpWQW(op, s0, uint64(p)) }

// OpPtrDW emits a pointer operand followed by a 32-bit operand.
func (a *Assembler) OpPtrDW(op Op, p uintptr, dw uint32) {
	a.OpQW(op, uint64(p))
	a.code = append(a.code, dw)
}

// JitEntry emits a jit-entry slot with a zero operand; compilers patch it.
func (a *Assembler) JitEntry() { a.OpPtr(OpJitEntry, 0) }

// Branch emits a branch opcode targeting a label.
func (a *Assembler) Branch(op Op, l int) {
	a.fixups = append(a.fixups, asmFixup{addr: uint32(len(a.code)), label: l})
	a.OpDW(op, 0)
}

// Function seals the stream into a descriptor, resolving branch fixups.
// frameSize is the variable-slot count, argWords the caller-pushed words.
func (a *Assembler) Function(name string, frameSize, argWords int) (*Function, error) {
	for _, f := range a.fixups {
		t := a.labels[f.label]
		if t < 0 {
			return nil, errors.Errorf("%s: unbound label %d", name, f.label)
		}
		end := f.addr + InstrSize(Decode(a.code, f.addr))
		a.code[f.addr+1] = uint32(int32(uint32(t) - end))
	}
	code := make([]uint32, len(a.code))
	copy(code, a.code)
	return &Function{
		Name:      name,
		Code:      code,
		FrameSize: frameSize,
		ArgWords:  argWords,
	}, nil
}
