package lend

import (
	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/safety"
)

// SliceRepr is the device representation of a slice: the address of its
// device copy and the element count.
type SliceRepr struct {
	Data device.Ptr
	Len  uint64
}

// Slice lends a host slice through a device buffer of the same length.
// LendMut copies device-side writes back into the slice.
type Slice[T any] struct {
	data []T
}

// SliceOf wraps data. Its length is fixed for the borrow.
func SliceOf[T any](data []T) *Slice[T] {
	return &Slice[T]{data: data}
}

func (s *Slice[T]) Borrow(drv device.Driver, a alloc.Alloc) (SliceRepr, alloc.Alloc, error) {
	if err := safety.Check[T](); err != nil {
		return SliceRepr{}, a, err
	}
	buf, err := host.NewDeviceBufferFrom(drv, s.data)
	if err != nil {
		return SliceRepr{}, a, err
	}
	return SliceRepr{Data: buf.Ptr(), Len: uint64(len(s.data))}, alloc.Combine(buf, a), nil
}

func (s *Slice[T]) Restore(_ device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	front, tail, err := splitOwn(a)
	if err != nil {
		return nil, err
	}
	buf, ok := front.(*host.DeviceBuffer[T])
	if !ok {
		return nil, ErrChainMismatch
	}
	copyErr := buf.CopyToSlice(s.data)
	return tail, host.FirstError(copyErr, host.Release("slice restore", buf))
}

func (s *Slice[T]) BorrowAsync(drv device.Driver, st device.Stream, a alloc.Alloc) (SliceRepr, alloc.Alloc, error) {
	if err := safety.Check[T](); err != nil {
		return SliceRepr{}, a, err
	}
	buf, err := host.NewDeviceBuffer[T](drv, len(s.data))
	if err != nil {
		return SliceRepr{}, a, err
	}
	if len(s.data) > 0 {
		if err := st.CopyHtoDAsync(buf.Ptr(), safety.SliceBytes(s.data)); err != nil {
			return SliceRepr{}, a, host.FirstError(err, host.Release("slice borrow async", buf))
		}
	}
	return SliceRepr{Data: buf.Ptr(), Len: uint64(len(s.data))}, alloc.Combine(buf, a), nil
}

// RestoreAsync queues the copy back on st. The device buffer is freed from
// a stream callback once the copy has run.
func (s *Slice[T]) RestoreAsync(_ device.Driver, st device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	front, tail, err := splitOwn(a)
	if err != nil {
		return nil, err
	}
	buf, ok := front.(*host.DeviceBuffer[T])
	if !ok {
		return nil, ErrChainMismatch
	}
	if len(s.data) > 0 {
		if err := st.CopyDtoHAsync(safety.SliceBytes(s.data), buf.Ptr()); err != nil {
			return tail, host.FirstError(err, host.Release("slice restore async", buf))
		}
	}
	if err := st.AddCallback(func(error) { _ = host.Release("slice restore async", buf) }); err != nil {
		return tail, host.FirstError(err, host.Release("slice restore async", buf))
	}
	return tail, nil
}
