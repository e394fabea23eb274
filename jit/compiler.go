package jit

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vexlang/vex/vm"
)

// Options configures a compiler instance.
type Options struct {
	// WithSuspend makes SUSPEND opcodes yield to the VM; when false they
	// compile to nothing.
	WithSuspend bool

	// Logger receives the compile trace and assembler diagnostics. Defaults
	// to the standard logrus logger.
	Logger *logrus.Logger
}

// ErrRefused marks a function the compiler declined to translate (skip
// marker in the name, or empty bytecode). The VM falls back to
// interpretation.
var ErrRefused = refusedError{}

type refusedError struct{}

func (refusedError) Error() string { return "compilation refused" }
func (refusedError) Refused() bool { return true }

// Skip markers: functions whose name contains one of these substrings are
// never compiled.
var skipMarkers = []string{"nojit", "$fact"}

func nameSkipsCompilation(name string) bool {
	for _, m := range skipMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// labelInfo pairs a bytecode target address with a native label.
type labelInfo struct {
	target uint32
	label  int
}

// scanLabels walks the stream once and allocates one label per branch
// target. A label must exist before a forward jump can be encoded, which is
// why translation is two-pass.
func scanLabels(code []uint32, newLabel func() int) []labelInfo {
	var labels []labelInfo
	for addr := uint32(0); addr < uint32(len(code)); {
		op := vm.Decode(code, addr)
		if vm.IsBranch(op) {
			labels = append(labels, labelInfo{
				target: vm.BranchTarget(code, addr),
				label:  newLabel(),
			})
		}
		addr += vm.InstrSize(op)
	}
	return labels
}

// bindLabelAt binds the label whose target equals addr, if any.
func bindLabelAt(labels []labelInfo, addr uint32, bind func(int)) {
	for i := range labels {
		if labels[i].target == addr {
			bind(labels[i].label)
			return
		}
	}
}

// findLabelForJump resolves the label for the branch instruction at addr.
func findLabelForJump(labels []labelInfo, code []uint32, addr uint32) (int, error) {
	target := vm.BranchTarget(code, addr)
	for i := range labels {
		if labels[i].target == target {
			return labels[i].label, nil
		}
	}
	return 0, errors.Errorf("undefined label for target %d", target)
}

// compilerBase carries the target-independent compiler state.
type compilerBase struct {
	opts  Options
	log   *logrus.Logger
	skip  map[string]map[uint]struct{}
	alloc *execAllocator
}

func newCompilerBase(opts Options) compilerBase {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return compilerBase{
		opts:  opts,
		log:   log,
		skip:  make(map[string]map[uint]struct{}),
		alloc: newExecAllocator(),
	}
}

// PushInstructionIndexForSkip forces the 1-based instruction index of the
// named function to compile as a yield to the VM. Testing affordance.
func (c *compilerBase) PushInstructionIndexForSkip(name string, index uint) {
	s := c.skip[name]
	if s == nil {
		s = make(map[uint]struct{})
		c.skip[name] = s
	}
	s[index] = struct{}{}
}

func (c *compilerBase) skipsIndex(name string, index uint) bool {
	_, ok := c.skip[name][index]
	return ok
}

// asmError is the assembler diagnostic sink: encoding failures are logged
// and emission continues, producing a finalizable but broken buffer to
// inspect.
func (c *compilerBase) asmError(err error) {
	c.log.WithError(err).Error("assembler failure")
}

// install maps the finalized code into executable memory and wraps it as a
// callable.
func (c *compilerBase) install(code []byte) (vm.JITFunc, error) {
	entry, err := c.alloc.alloc(code)
	if err != nil {
		return nil, err
	}
	return makeJITFunc(entry), nil
}

// ReleaseFunction frees the native buffer backing fn.
func (c *compilerBase) ReleaseFunction(fn vm.JITFunc) {
	if fn == nil {
		return
	}
	c.alloc.release(jitFuncEntry(fn))
}

// Compiler is a bytecode-to-native translator for one target architecture.
type Compiler interface {
	vm.Compiler
	PushInstructionIndexForSkip(name string, index uint)
}

// New returns the compiler for the host architecture.
func New(opts Options) (Compiler, error) {
	switch runtime.GOARCH {
	case "amd64":
		return NewX64(opts), nil
	case "arm64":
		return NewA64(opts), nil
	default:
		return nil, errors.Errorf("no code generator for %s", runtime.GOARCH)
	}
}
