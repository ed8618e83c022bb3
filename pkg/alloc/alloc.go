// Package alloc tracks the device allocations made while borrowing a host
// value, so they can be released or handed back to Restore in order.
package alloc

import "errors"

// Alloc is a chain of device allocations.
type Alloc interface {
	// Free releases every allocation in the chain.
	Free() error
	// Empty reports whether the chain holds no allocation.
	Empty() bool
}

type none struct{}

func (none) Free() error { return nil }
func (none) Empty() bool { return true }

// None is the empty chain.
var None Alloc = none{}

// Combined prepends Front to an existing chain Tail.
type Combined struct {
	Front Alloc
	Tail  Alloc
}

// Combine returns front followed by tail. A nil side is treated as None.
func Combine(front, tail Alloc) *Combined {
	if front == nil {
		front = None
	}
	if tail == nil {
		tail = None
	}
	return &Combined{Front: front, Tail: tail}
}

// Split undoes Combine.
func (c *Combined) Split() (front, tail Alloc) {
	return c.Front, c.Tail
}

// Free frees Front then Tail and joins their errors.
func (c *Combined) Free() error {
	return errors.Join(c.Front.Free(), c.Tail.Free())
}

func (c *Combined) Empty() bool {
	return c.Front.Empty() && c.Tail.Empty()
}

// Func adapts a release function, such as freeing one device buffer, to a
// single-element chain. It releases at most once.
type Func struct {
	release func() error
	done    bool
}

// NewFunc wraps release.
func NewFunc(release func() error) *Func {
	return &Func{release: release}
}

func (f *Func) Free() error {
	if f.done || f.release == nil {
		return nil
	}
	f.done = true
	return f.release()
}

func (f *Func) Empty() bool {
	return false
}

// SplitCombined asserts that a is a *Combined and splits it.
func SplitCombined(a Alloc) (front, tail Alloc, ok bool) {
	c, ok := a.(*Combined)
	if !ok {
		return nil, nil, false
	}
	front, tail = c.Split()
	return front, tail, true
}
