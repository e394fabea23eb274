//go:build windows

package jit

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// execAllocator commits compiled code into pages flipped to execute-read
// before the entry address escapes.
type execAllocator struct {
	mu      sync.Mutex
	regions map[uintptr]uintptr
}

func newExecAllocator() *execAllocator {
	return &execAllocator{regions: make(map[uintptr]uintptr)}
}

func (e *execAllocator) alloc(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, errors.New("empty code buffer")
	}
	size := uintptr(len(code))
	base, err := windows.VirtualAlloc(0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return 0, errors.Wrap(err, "VirtualAlloc")
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(base)), len(code))
	copy(dst, code)
	var old uint32
	if err := windows.VirtualProtect(base, size, windows.PAGE_EXECUTE_READ, &old); err != nil {
		_ = windows.VirtualFree(base, 0, windows.MEM_RELEASE)
		return 0, errors.Wrap(err, "VirtualProtect")
	}
	e.mu.Lock()
	e.regions[base] = size
	e.mu.Unlock()
	return base, nil
}

func (e *execAllocator) release(entry uintptr) {
	e.mu.Lock()
	_, ok := e.regions[entry]
	if ok {
		delete(e.regions, entry)
	}
	e.mu.Unlock()
	if ok {
		_ = windows.VirtualFree(entry, 0, windows.MEM_RELEASE)
	}
}
