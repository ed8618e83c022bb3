// Package lend implements the lending protocol: a host value is borrowed
// into a pointer-free device representation R plus a chain of device
// allocations, exposed to a closure, and then restored or released.
package lend

import (
	"errors"
	"fmt"

	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/safety"
)

var (
	// ErrNotMovable is returned by Move for values whose borrow allocates.
	ErrNotMovable = errors.New("value owns device allocations and cannot be moved")
	// ErrChainMismatch is returned by Restore when handed a chain that its
	// Borrow did not produce.
	ErrChainMismatch = errors.New("allocation chain does not match borrow")
)

// Lendable is a host value with a device representation R.
//
// Borrow builds R, prepending any allocations it makes to a. Restore takes
// the chain Borrow returned, reflects device-side changes back into the
// host value, frees its own allocations and returns the remaining tail.
type Lendable[R any] interface {
	Borrow(drv device.Driver, a alloc.Alloc) (R, alloc.Alloc, error)
	Restore(drv device.Driver, a alloc.Alloc) (alloc.Alloc, error)
}

// AsyncLendable borrows and restores with copies queued on a stream.
type AsyncLendable[R any] interface {
	Lendable[R]
	BorrowAsync(drv device.Driver, s device.Stream, a alloc.Alloc) (R, alloc.Alloc, error)
	RestoreAsync(drv device.Driver, s device.Stream, a alloc.Alloc) (alloc.Alloc, error)
}

func checkRepr[R any]() error {
	if err := safety.Check[R](); err != nil {
		return fmt.Errorf("device representation: %w", err)
	}
	return nil
}

// Lend exposes a read-only device copy of v's representation to fn. v is
// unchanged afterwards.
func Lend[R any](drv device.Driver, v Lendable[R], fn func(host.ConstRef[R]) error) error {
	if err := checkRepr[R](); err != nil {
		return err
	}
	repr, chain, err := v.Borrow(drv, alloc.None)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	err = host.WithConstRef(drv, &repr, fn)
	return host.FirstError(err, host.Release("lend", chain))
}

// LendMut exposes a mutable device copy of v's representation to fn and
// restores v afterwards. Changes to memory the representation points to
// are reflected in v; changes to the representation itself are not.
func LendMut[R any](drv device.Driver, v Lendable[R], fn func(host.MutRef[R]) error) error {
	if err := checkRepr[R](); err != nil {
		return err
	}
	repr, chain, err := v.Borrow(drv, alloc.None)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	err = host.WithMutRef(drv, &repr, fn)
	rest, restoreErr := v.Restore(drv, chain)
	return host.FirstError(err, restoreErr, releaseRestored("lend mut", chain, rest, restoreErr))
}

// releaseRestored frees what a restore left over. A failed restore that
// returned no tail did not unwind the chain, so all of it is freed.
func releaseRestored(op string, chain, rest alloc.Alloc, restoreErr error) error {
	if restoreErr != nil && rest == nil {
		return host.Release(op, chain)
	}
	return host.Release(op, rest)
}

// Move moves v's representation to the device for fn's duration. Only
// values whose borrow makes no allocation can be moved.
func Move[R any](drv device.Driver, v Lendable[R], fn func(host.Owned[R]) error) error {
	if err := checkRepr[R](); err != nil {
		return err
	}
	repr, chain, err := v.Borrow(drv, alloc.None)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	if !chain.Empty() {
		return host.FirstError(ErrNotMovable, host.Release("move", chain))
	}
	return host.WithOwned(drv, repr, fn)
}

func borrowOn[R any](drv device.Driver, s device.Stream, v Lendable[R]) (R, alloc.Alloc, error) {
	if av, ok := v.(AsyncLendable[R]); ok {
		return av.BorrowAsync(drv, s, alloc.None)
	}
	return v.Borrow(drv, alloc.None)
}

// LendAsync is Lend with the borrow queued on s. It returns once the work
// fn submitted to s has completed.
func LendAsync[R any](drv device.Driver, s device.Stream, v Lendable[R], fn func(host.ConstRefAsync[R]) error) error {
	if err := checkRepr[R](); err != nil {
		return err
	}
	repr, chain, err := borrowOn(drv, s, v)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	// the representation is copied synchronously, so it must not read
	// device memory the borrow is still filling
	if err := s.Synchronize(); err != nil {
		return host.FirstError(err, host.Release("lend async", chain))
	}
	err = host.WithConstRef(drv, &repr, func(r host.ConstRef[R]) error {
		return errors.Join(fn(r.AsAsync(s)), s.Synchronize())
	})
	return host.FirstError(err, host.Release("lend async", chain))
}

// LendMutAsync is LendMut with borrow and restore queued on s. It returns
// once the restore has completed.
func LendMutAsync[R any](drv device.Driver, s device.Stream, v Lendable[R], fn func(host.MutRefAsync[R]) error) error {
	if err := checkRepr[R](); err != nil {
		return err
	}
	repr, chain, err := borrowOn(drv, s, v)
	if err != nil {
		return fmt.Errorf("borrow: %w", err)
	}
	if err := s.Synchronize(); err != nil {
		return host.FirstError(err, host.Release("lend mut async", chain))
	}
	err = host.WithMutRef(drv, &repr, func(r host.MutRef[R]) error {
		return errors.Join(fn(r.AsAsync(s)), s.Synchronize())
	})

	var (
		rest       alloc.Alloc
		restoreErr error
	)
	if av, ok := v.(AsyncLendable[R]); ok {
		rest, restoreErr = av.RestoreAsync(drv, s, chain)
		restoreErr = errors.Join(restoreErr, s.Synchronize())
	} else {
		rest, restoreErr = v.Restore(drv, chain)
	}
	return host.FirstError(err, restoreErr, releaseRestored("lend mut async", chain, rest, restoreErr))
}

// splitOwn splits a chain produced by prepending one allocation.
func splitOwn(a alloc.Alloc) (front, tail alloc.Alloc, err error) {
	front, tail, ok := alloc.SplitCombined(a)
	if !ok {
		return nil, nil, fmt.Errorf("%w: got %T", ErrChainMismatch, a)
	}
	return front, tail, nil
}
