package host

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/safety"
)

// LockedBox is one T in page-locked host memory.
type LockedBox[T any] struct {
	drv device.Driver
	buf []byte
}

// NewLockedBox allocates page-locked memory holding v.
func NewLockedBox[T any](drv device.Driver, v T) (*LockedBox[T], error) {
	if err := safety.Check[T](); err != nil {
		return nil, err
	}
	buf, err := drv.AllocHost(allocSize(sizeOf[T]()))
	if err != nil {
		return nil, fmt.Errorf("allocate locked box: %w", err)
	}
	b := &LockedBox[T]{drv: drv, buf: buf}
	*b.Get() = v
	return b, nil
}

// Get points into the locked memory. It is nil after Free.
func (b *LockedBox[T]) Get() *T {
	if b.buf == nil {
		return nil
	}
	return (*T)(unsafe.Pointer(&b.buf[0]))
}

func (b *LockedBox[T]) Free() error {
	if b.buf == nil {
		return nil
	}
	buf := b.buf
	b.buf = nil
	return b.drv.FreeHost(buf)
}

func (b *LockedBox[T]) Empty() bool {
	return false
}

// LockedBuffer is a slice of T in page-locked host memory.
type LockedBuffer[T any] struct {
	drv device.Driver
	buf []byte
	n   int
}

// NewLockedBuffer allocates n zeroed elements.
func NewLockedBuffer[T any](drv device.Driver, n int) (*LockedBuffer[T], error) {
	if err := safety.Check[T](); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative buffer length %d", n)
	}
	buf, err := drv.AllocHost(allocSize(n * sizeOf[T]()))
	if err != nil {
		return nil, fmt.Errorf("allocate locked buffer of %d elements: %w", n, err)
	}
	clear(buf)
	return &LockedBuffer[T]{drv: drv, buf: buf, n: n}, nil
}

// NewLockedBufferFrom copies src into a new locked buffer.
func NewLockedBufferFrom[T any](drv device.Driver, src []T) (*LockedBuffer[T], error) {
	b, err := NewLockedBuffer[T](drv, len(src))
	if err != nil {
		return nil, err
	}
	copy(b.Slice(), src)
	return b, nil
}

func (b *LockedBuffer[T]) Len() int {
	return b.n
}

// Slice views the locked memory. It is nil after Free.
func (b *LockedBuffer[T]) Slice() []T {
	if b.buf == nil || b.n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.buf[0])), b.n)
}

func (b *LockedBuffer[T]) Free() error {
	if b.buf == nil {
		return nil
	}
	buf := b.buf
	b.buf = nil
	return b.drv.FreeHost(buf)
}

func (b *LockedBuffer[T]) Empty() bool {
	return false
}
