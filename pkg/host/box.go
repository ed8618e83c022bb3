// Package host holds typed device and page-locked allocations and the
// scoped host/device references handed to lending closures.
package host

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/safety"
)

func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// allocSize keeps zero-sized values addressable on the device.
func allocSize(n int) int {
	return max(n, 1)
}

// DeviceBox is a device allocation holding one T.
type DeviceBox[T any] struct {
	drv   device.Driver
	ptr   device.Ptr
	freed bool
}

// NewDeviceBox allocates device memory and copies *v into it.
func NewDeviceBox[T any](drv device.Driver, v *T) (*DeviceBox[T], error) {
	if err := safety.Check[T](); err != nil {
		return nil, err
	}
	ptr, err := drv.Alloc(allocSize(sizeOf[T]()))
	if err != nil {
		return nil, fmt.Errorf("allocate device box: %w", err)
	}
	b := &DeviceBox[T]{drv: drv, ptr: ptr}
	if err := b.CopyFrom(v); err != nil {
		_ = drv.Free(ptr)
		return nil, err
	}
	return b, nil
}

// Ptr is the device address of the value.
func (b *DeviceBox[T]) Ptr() device.Ptr {
	return b.ptr
}

func (b *DeviceBox[T]) CopyFrom(v *T) error {
	if b.freed {
		return ErrReleased
	}
	return b.drv.CopyHtoD(b.ptr, safety.Bytes(v))
}

func (b *DeviceBox[T]) CopyTo(v *T) error {
	if b.freed {
		return ErrReleased
	}
	return b.drv.CopyDtoH(safety.Bytes(v), b.ptr)
}

// AsyncCopyFrom enqueues a copy from src on s. src must stay alive until
// the stream has passed the copy.
func (b *DeviceBox[T]) AsyncCopyFrom(src *LockedBox[T], s device.Stream) error {
	if b.freed || src.buf == nil {
		return ErrReleased
	}
	return s.CopyHtoDAsync(b.ptr, src.buf[:sizeOf[T]()])
}

// AsyncCopyTo enqueues a copy into dst on s.
func (b *DeviceBox[T]) AsyncCopyTo(dst *LockedBox[T], s device.Stream) error {
	if b.freed || dst.buf == nil {
		return ErrReleased
	}
	return s.CopyDtoHAsync(dst.buf[:sizeOf[T]()], b.ptr)
}

// Free releases the device memory. Later calls are no-ops.
func (b *DeviceBox[T]) Free() error {
	if b.freed {
		return nil
	}
	b.freed = true
	return b.drv.Free(b.ptr)
}

func (b *DeviceBox[T]) Empty() bool {
	return false
}

// DeviceBuffer is a device allocation holding Len elements of T.
type DeviceBuffer[T any] struct {
	drv   device.Driver
	ptr   device.Ptr
	n     int
	freed bool
}

// NewDeviceBuffer allocates n zeroed elements.
func NewDeviceBuffer[T any](drv device.Driver, n int) (*DeviceBuffer[T], error) {
	if err := safety.Check[T](); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("negative buffer length %d", n)
	}
	size := allocSize(n * sizeOf[T]())
	ptr, err := drv.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("allocate device buffer of %d elements: %w", n, err)
	}
	if err := drv.Memset(ptr, 0, size); err != nil {
		_ = drv.Free(ptr)
		return nil, err
	}
	return &DeviceBuffer[T]{drv: drv, ptr: ptr, n: n}, nil
}

// NewDeviceBufferFrom allocates a buffer holding a copy of src.
func NewDeviceBufferFrom[T any](drv device.Driver, src []T) (*DeviceBuffer[T], error) {
	b, err := NewDeviceBuffer[T](drv, len(src))
	if err != nil {
		return nil, err
	}
	if err := b.CopyFromSlice(src); err != nil {
		_ = b.Free()
		return nil, err
	}
	return b, nil
}

func (b *DeviceBuffer[T]) Ptr() device.Ptr {
	return b.ptr
}

func (b *DeviceBuffer[T]) Len() int {
	return b.n
}

func (b *DeviceBuffer[T]) checkLen(n int) error {
	if b.freed {
		return ErrReleased
	}
	if n != b.n {
		return fmt.Errorf("%w: slice of %d elements, buffer of %d", device.ErrInvalidValue, n, b.n)
	}
	return nil
}

func (b *DeviceBuffer[T]) CopyFromSlice(src []T) error {
	if err := b.checkLen(len(src)); err != nil {
		return err
	}
	return b.drv.CopyHtoD(b.ptr, safety.SliceBytes(src))
}

func (b *DeviceBuffer[T]) CopyToSlice(dst []T) error {
	if err := b.checkLen(len(dst)); err != nil {
		return err
	}
	return b.drv.CopyDtoH(safety.SliceBytes(dst), b.ptr)
}

func (b *DeviceBuffer[T]) AsyncCopyFrom(src *LockedBuffer[T], s device.Stream) error {
	if src.buf == nil {
		return ErrReleased
	}
	if err := b.checkLen(src.Len()); err != nil {
		return err
	}
	return s.CopyHtoDAsync(b.ptr, safety.SliceBytes(src.Slice()))
}

func (b *DeviceBuffer[T]) AsyncCopyTo(dst *LockedBuffer[T], s device.Stream) error {
	if dst.buf == nil {
		return ErrReleased
	}
	if err := b.checkLen(dst.Len()); err != nil {
		return err
	}
	return s.CopyDtoHAsync(safety.SliceBytes(dst.Slice()), b.ptr)
}

func (b *DeviceBuffer[T]) Free() error {
	if b.freed {
		return nil
	}
	b.freed = true
	return b.drv.Free(b.ptr)
}

func (b *DeviceBuffer[T]) Empty() bool {
	return false
}
