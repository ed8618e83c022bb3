package lend

import (
	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/safety"
)

// Value lends a device-copy value as itself. Borrowing makes no
// allocation, so a Value can also be moved.
type Value[T any] struct {
	v *T
}

// ValueOf wraps *v. v must be safe to bit copy to the device.
func ValueOf[T any](v *T) *Value[T] {
	return &Value[T]{v: v}
}

func (v *Value[T]) Borrow(_ device.Driver, a alloc.Alloc) (T, alloc.Alloc, error) {
	if err := safety.Check[T](); err != nil {
		var zero T
		return zero, a, err
	}
	return *v.v, alloc.Combine(alloc.None, a), nil
}

// Restore does not copy back: the device representation is a copy of the
// value, not a reference to host memory.
func (v *Value[T]) Restore(_ device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	_, tail, err := splitOwn(a)
	return tail, err
}

func (v *Value[T]) BorrowAsync(drv device.Driver, _ device.Stream, a alloc.Alloc) (T, alloc.Alloc, error) {
	return v.Borrow(drv, a)
}

func (v *Value[T]) RestoreAsync(drv device.Driver, _ device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	return v.Restore(drv, a)
}
