//go:build !unix && !windows

package jit

import "github.com/pkg/errors"

type execAllocator struct{}

func newExecAllocator() *execAllocator { return &execAllocator{} }

func (e *execAllocator) alloc(code []byte) (uintptr, error) {
	return 0, errors.New("executable memory is not supported on this platform")
}

func (e *execAllocator) release(entry uintptr) {}
