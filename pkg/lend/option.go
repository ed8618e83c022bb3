package lend

import (
	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
)

// OptionRepr is the device representation of an optional value. Value is
// zero when Present is false.
type OptionRepr[R any] struct {
	Present bool
	Value   R
}

// Optional lends Inner when it is set.
type Optional[R any] struct {
	Inner Lendable[R]
}

// Some wraps a present value.
func Some[R any](inner Lendable[R]) *Optional[R] {
	return &Optional[R]{Inner: inner}
}

// Nothing returns an absent value.
func Nothing[R any]() *Optional[R] {
	return &Optional[R]{}
}

func (o *Optional[R]) Borrow(drv device.Driver, a alloc.Alloc) (OptionRepr[R], alloc.Alloc, error) {
	if o.Inner == nil {
		return OptionRepr[R]{}, a, nil
	}
	v, chain, err := o.Inner.Borrow(drv, a)
	if err != nil {
		return OptionRepr[R]{}, chain, err
	}
	return OptionRepr[R]{Present: true, Value: v}, chain, nil
}

func (o *Optional[R]) Restore(drv device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	if o.Inner == nil {
		return a, nil
	}
	return o.Inner.Restore(drv, a)
}

func (o *Optional[R]) BorrowAsync(drv device.Driver, s device.Stream, a alloc.Alloc) (OptionRepr[R], alloc.Alloc, error) {
	if o.Inner == nil {
		return OptionRepr[R]{}, a, nil
	}
	inner, ok := o.Inner.(AsyncLendable[R])
	if !ok {
		return o.Borrow(drv, a)
	}
	v, chain, err := inner.BorrowAsync(drv, s, a)
	if err != nil {
		return OptionRepr[R]{}, chain, err
	}
	return OptionRepr[R]{Present: true, Value: v}, chain, nil
}

func (o *Optional[R]) RestoreAsync(drv device.Driver, s device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	if inner, ok := o.Inner.(AsyncLendable[R]); ok {
		return inner.RestoreAsync(drv, s, a)
	}
	return o.Restore(drv, a)
}
