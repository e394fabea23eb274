package vm

import (
	"github.com/pkg/errors"
)

// Function is a script function descriptor: a name, its bytecode and,
// once a code generator has processed it, the compiled entry point.
// Compilers may patch jit-entry operands inside Code in place.
type Function struct {
	Name string
	Code []uint32

	// FrameSize is the number of 4-byte variable slots the function reserves
	// below the frame pointer.
	FrameSize int

	// ArgWords is the number of stack words the caller pushed; RET pops them.
	ArgWords int

	// JIT is the compiled routine, nil while the function is interpreted.
	JIT JITFunc
}

// HostFunc is a host-registered function reachable through CALLSYS. It runs
// inside the interpreter; compiled code always yields before a host call.
type HostFunc func(ctx *Context)

// HostBinding couples a host function with the number of stack words the
// interpreter pops after the call returns.
type HostBinding struct {
	Args int
	Fn   HostFunc
}

// Compiler is the code-generator interface the VM drives. CompileFunction
// returns ErrRefused-compatible errors when it declines a function; the VM
// then keeps interpreting it.
type Compiler interface {
	CompileFunction(fn *Function) (JITFunc, error)
	ReleaseFunction(fn JITFunc)
}

// Program is a set of script functions plus the host-function registry.
type Program struct {
	funcs map[string]*Function
	order []*Function
	hosts map[int32]HostBinding
}

func NewProgram() *Program {
	return &Program{
		funcs: make(map[string]*Function),
		hosts: make(map[int32]HostBinding),
	}
}

// AddFunction registers a script function.
func (p *Program) AddFunction(fn *Function) error {
	if _, dup := p.funcs[fn.Name]; dup {
		return errors.Errorf("function %q already defined", fn.Name)
	}
	p.funcs[fn.Name] = fn
	p.order = append(p.order, fn)
	return nil
}

// Function looks a function up by name.
func (p *Program) Function(name string) *Function { return p.funcs[name] }

// Functions returns the functions in registration order.
func (p *Program) Functions() []*Function { return p.order }

// FunctionByIndex resolves the CALL operand.
func (p *Program) FunctionByIndex(i int32) *Function {
	if i < 0 || int(i) >= len(p.order) {
		return nil
	}
	return p.order[i]
}

// IndexOf returns the CALL operand for a function, or -1.
func (p *Program) IndexOf(fn *Function) int32 {
	for i, f := range p.order {
		if f == fn {
			return int32(i)
		}
	}
	return -1
}

// BindHost registers a host function under an id used by CALLSYS operands.
// argWords is the number of stack words the call consumes.
func (p *Program) BindHost(id int32, argWords int, fn HostFunc) {
	p.hosts[id] = HostBinding{Args: argWords, Fn: fn}
}

// Host resolves a CALLSYS operand.
func (p *Program) Host(id int32) HostBinding { return p.hosts[id] }

// Compile runs every function through the compiler. Refusals leave the
// function interpreted; hard errors abort.
func (p *Program) Compile(c Compiler) error {
	for _, fn := range p.order {
		jf, err := c.CompileFunction(fn)
		if err != nil {
			if IsRefusal(err) {
				continue
			}
			return errors.Wrapf(err, "compile %s", fn.Name)
		}
		fn.JIT = jf
	}
	return nil
}

// refusal is implemented by the compiler's "declined, not failed" error.
type refusal interface{ Refused() bool }

// IsRefusal reports whether err marks a declined compilation.
func IsRefusal(err error) bool {
	var r refusal
	return errors.As(err, &r) && r.Refused()
}
