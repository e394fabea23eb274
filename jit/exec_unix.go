//go:build unix

package jit

import (
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// execAllocator maps compiled code into anonymous executable pages. Pages
// are written while mapped read-write and flipped to read-execute before
// the entry address escapes.
type execAllocator struct {
	mu      sync.Mutex
	regions map[uintptr]mmap.MMap
}

func newExecAllocator() *execAllocator {
	return &execAllocator{regions: make(map[uintptr]mmap.MMap)}
}

func (e *execAllocator) alloc(code []byte) (uintptr, error) {
	if len(code) == 0 {
		return 0, errors.New("empty code buffer")
	}
	m, err := mmap.MapRegion(nil, len(code), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return 0, errors.Wrap(err, "map executable region")
	}
	copy(m, code)
	if err := unix.Mprotect(m, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = m.Unmap()
		return 0, errors.Wrap(err, "mprotect")
	}
	entry := uintptr(unsafe.Pointer(&m[0]))
	e.mu.Lock()
	e.regions[entry] = m
	e.mu.Unlock()
	return entry, nil
}

func (e *execAllocator) release(entry uintptr) {
	e.mu.Lock()
	m, ok := e.regions[entry]
	if ok {
		delete(e.regions, entry)
	}
	e.mu.Unlock()
	if ok {
		_ = unix.Mprotect(m, unix.PROT_READ|unix.PROT_WRITE)
		_ = m.Unmap()
	}
}
