package lend

import (
	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
)

// Final lends Inner read-only even through LendMut: device-side writes
// are discarded on restore and the host value never changes.
type Final[R any] struct {
	Inner Lendable[R]
}

// Freeze wraps inner as a Final.
func Freeze[R any](inner Lendable[R]) *Final[R] {
	return &Final[R]{Inner: inner}
}

func (f *Final[R]) Borrow(drv device.Driver, a alloc.Alloc) (R, alloc.Alloc, error) {
	v, own, err := f.Inner.Borrow(drv, alloc.None)
	if err != nil {
		return v, a, err
	}
	return v, alloc.Combine(own, a), nil
}

// Restore frees the inner allocations without copying back.
func (f *Final[R]) Restore(_ device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	own, tail, err := splitOwn(a)
	if err != nil {
		return nil, err
	}
	return tail, host.Release("final restore", own)
}

func (f *Final[R]) BorrowAsync(drv device.Driver, s device.Stream, a alloc.Alloc) (R, alloc.Alloc, error) {
	inner, ok := f.Inner.(AsyncLendable[R])
	if !ok {
		return f.Borrow(drv, a)
	}
	v, own, err := inner.BorrowAsync(drv, s, alloc.None)
	if err != nil {
		return v, a, err
	}
	return v, alloc.Combine(own, a), nil
}

// RestoreAsync frees the inner allocations once s has drained up to this
// point.
func (f *Final[R]) RestoreAsync(_ device.Driver, s device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	own, tail, err := splitOwn(a)
	if err != nil {
		return nil, err
	}
	if err := s.AddCallback(func(error) { _ = host.Release("final restore async", own) }); err != nil {
		return tail, host.FirstError(err, host.Release("final restore async", own))
	}
	return tail, nil
}
