// vexrun builds a few sample programs, executes them interpreted and
// compiled, and reports the outcomes and timings side by side.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vexlang/vex/jit"
	"github.com/vexlang/vex/vm"
)

var (
	flagTrace   = flag.Bool("trace", false, "log the compile trace")
	flagNoJIT   = flag.Bool("nojit", false, "interpret only")
	flagRepeat  = flag.Int("n", 100000, "iterations per timing loop")
	flagSuspend = flag.Bool("with-suspend", false, "make SUSPEND yield to the VM")
)

func buildArith() (*vm.Function, error) {
	// int main() { int a = 2, b = 3; return a + b; }
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 2)
	b.OpWDW(vm.OpSetV4, 2, 3)
	b.OpWWW(vm.OpAddI, 3, 1, 2)
	b.OpW(vm.OpCpyVtoR4, 3)
	b.OpW(vm.OpRet, 0)
	return b.Function("arith", 4, 0)
}

func buildLoop() (*vm.Function, error) {
	// int main() { int s = 0; for (int i = 1000; i > 0; --i) s += i; return s; }
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 0)    // s
	b.OpWDW(vm.OpSetV4, 2, 1000) // i
	top := b.Label()
	done := b.Label()
	b.Bind(top)
	b.OpW(vm.OpCpyVtoR4, 2)
	b.Branch(vm.OpJNP, done)
	b.OpWWW(vm.OpAddI, 1, 1, 2)
	b.OpW(vm.OpDecVi, 2)
	b.Branch(vm.OpJmp, top)
	b.Bind(done)
	b.OpW(vm.OpCpyVtoR4, 1)
	b.OpW(vm.OpRet, 0)
	return b.Function("loop", 4, 0)
}

func buildFloat() (*vm.Function, error) {
	// float main() { return 3.5f * 2.0f; }
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWF(vm.OpSetV4, 1, 3.5)
	b.OpWF(vm.OpSetV4, 2, 2.0)
	b.OpWWW(vm.OpMulF, 3, 1, 2)
	b.OpW(vm.OpCpyVtoR4, 3)
	b.OpW(vm.OpRet, 0)
	return b.Function("fmul", 4, 0)
}

func buildPrint() (*vm.Function, error) {
	// void main() { print(42); }
	b := vm.NewAssembler()
	b.JitEntry()
	b.OpWDW(vm.OpSetV4, 1, 42)
	b.OpW(vm.OpPshV4, 1)
	b.OpDW(vm.OpCallSys, 0)
	b.JitEntry()
	b.OpW(vm.OpRet, 0)
	return b.Function("greet", 2, 0)
}

func run() error {
	log := logrus.New()
	if *flagTrace {
		log.SetLevel(logrus.DebugLevel)
	}

	prog := vm.NewProgram()
	prog.BindHost(0, 1, func(ctx *vm.Context) {
		fmt.Printf("script says: %d\n", ctx.StackArg32(0))
	})

	builders := []func() (*vm.Function, error){buildArith, buildLoop, buildFloat, buildPrint}
	for _, build := range builders {
		fn, err := build()
		if err != nil {
			return err
		}
		if err := prog.AddFunction(fn); err != nil {
			return err
		}
	}

	if !*flagNoJIT {
		c, err := jit.New(jit.Options{WithSuspend: *flagSuspend, Logger: log})
		if err != nil {
			log.WithError(err).Warnf("running interpreted on %s", runtime.GOARCH)
		} else if err := prog.Compile(c); err != nil {
			return err
		}
	}

	ctx := vm.NewContext(prog, 4096)
	for _, fn := range prog.Functions() {
		for _, useJIT := range []bool{false, true} {
			if useJIT && fn.JIT == nil {
				continue
			}
			ctx.UseJIT = useJIT
			start := time.Now()
			for i := 0; i < *flagRepeat; i++ {
				if err := ctx.Run(fn); err != nil {
					return err
				}
				if fn.Name == "greet" {
					break // chatty; once is enough
				}
			}
			mode := "interp"
			if useJIT {
				mode = "jit"
			}
			fmt.Printf("%-8s %-7s result=%#x elapsed=%v\n",
				fn.Name, mode, uint32(ctx.Regs.ValueRegister), time.Since(start))
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vexrun:", err)
		os.Exit(1)
	}
}
