package host

import (
	"errors"
	"sync/atomic"

	"github.com/samcharles93/cudalend/pkg/device"
)

// DeviceConstRef is the device-side view of a ConstRef: the address of a
// read-only T.
type DeviceConstRef[T any] struct {
	Ptr device.Ptr
}

// DeviceMutRef is the device-side view of a MutRef.
type DeviceMutRef[T any] struct {
	Ptr device.Ptr
}

// DeviceOwnedRef is the device-side view of an Owned value.
type DeviceOwnedRef[T any] struct {
	Ptr device.Ptr
}

// scope is shared by a reference and everything derived from it and is
// closed when the lending closure returns.
type scope struct {
	closed atomic.Bool
}

func (s *scope) check() error {
	if s == nil || s.closed.Load() {
		return ErrReleased
	}
	return nil
}

// ConstRef pairs a host value with its device copy for the duration of a
// lending closure. The device copy is read-only.
type ConstRef[T any] struct {
	box   *DeviceBox[T]
	host  *T
	scope *scope
}

// ForDevice returns the device address to pass to a kernel.
func (r ConstRef[T]) ForDevice() (DeviceConstRef[T], error) {
	if err := r.scope.check(); err != nil {
		return DeviceConstRef[T]{}, err
	}
	return DeviceConstRef[T]{Ptr: r.box.Ptr()}, nil
}

// ForHost returns the host value.
func (r ConstRef[T]) ForHost() (*T, error) {
	if err := r.scope.check(); err != nil {
		return nil, err
	}
	return r.host, nil
}

// AsAsync ties the reference to work submitted on s.
func (r ConstRef[T]) AsAsync(s device.Stream) ConstRefAsync[T] {
	return ConstRefAsync[T]{ConstRef: r, stream: s}
}

// MutRef pairs a host value with a device copy that kernels may modify.
// Changes are copied back when the closure returns.
type MutRef[T any] struct {
	box   *DeviceBox[T]
	host  *T
	scope *scope
}

func (r MutRef[T]) ForDevice() (DeviceMutRef[T], error) {
	if err := r.scope.check(); err != nil {
		return DeviceMutRef[T]{}, err
	}
	return DeviceMutRef[T]{Ptr: r.box.Ptr()}, nil
}

// ForHost returns the host value. It does not reflect device writes until
// the closure has returned.
func (r MutRef[T]) ForHost() (*T, error) {
	if err := r.scope.check(); err != nil {
		return nil, err
	}
	return r.host, nil
}

// AsRef reborrows the reference read-only within the same scope.
func (r MutRef[T]) AsRef() ConstRef[T] {
	return ConstRef[T](r)
}

func (r MutRef[T]) AsAsync(s device.Stream) MutRefAsync[T] {
	return MutRefAsync[T]{MutRef: r, stream: s}
}

// Owned is a value moved to the device for the duration of a closure.
type Owned[T any] struct {
	box   *DeviceBox[T]
	value T
	scope *scope
}

func (o Owned[T]) ForDevice() (DeviceOwnedRef[T], error) {
	if err := o.scope.check(); err != nil {
		return DeviceOwnedRef[T]{}, err
	}
	return DeviceOwnedRef[T]{Ptr: o.box.Ptr()}, nil
}

// ForHost returns the host copy of the moved value.
func (o Owned[T]) ForHost() (T, error) {
	if err := o.scope.check(); err != nil {
		var zero T
		return zero, err
	}
	return o.value, nil
}

func (o Owned[T]) IntoAsync(s device.Stream) OwnedAsync[T] {
	return OwnedAsync[T]{Owned: o, stream: s}
}

// ConstRefAsync is a ConstRef whose device copy is used by work on Stream.
type ConstRefAsync[T any] struct {
	ConstRef[T]
	stream device.Stream
}

func (r ConstRefAsync[T]) Stream() device.Stream {
	return r.stream
}

// MutRefAsync is a MutRef whose device copy is used by work on Stream.
type MutRefAsync[T any] struct {
	MutRef[T]
	stream device.Stream
}

func (r MutRefAsync[T]) Stream() device.Stream {
	return r.stream
}

// OwnedAsync is an Owned value used by work on Stream.
type OwnedAsync[T any] struct {
	Owned[T]
	stream device.Stream
}

func (o OwnedAsync[T]) Stream() device.Stream {
	return o.stream
}

// WithConstRef copies *v to the device, runs fn and frees the copy.
func WithConstRef[T any](drv device.Driver, v *T, fn func(ConstRef[T]) error) error {
	box, err := NewDeviceBox(drv, v)
	if err != nil {
		return err
	}
	sc := &scope{}
	err = fn(ConstRef[T]{box: box, host: v, scope: sc})
	sc.closed.Store(true)
	return FirstError(err, Release("const ref", box))
}

// WithMutRef copies *v to the device, runs fn, copies the device value
// back into *v and frees it. The copy back happens even when fn fails;
// fn's error takes precedence.
func WithMutRef[T any](drv device.Driver, v *T, fn func(MutRef[T]) error) error {
	box, err := NewDeviceBox(drv, v)
	if err != nil {
		return err
	}
	sc := &scope{}
	err = fn(MutRef[T]{box: box, host: v, scope: sc})
	sc.closed.Store(true)
	copyErr := box.CopyTo(v)
	return FirstError(err, copyErr, Release("mut ref", box))
}

// WithOwned moves v to the device for fn's duration.
func WithOwned[T any](drv device.Driver, v T, fn func(Owned[T]) error) error {
	box, err := NewDeviceBox(drv, &v)
	if err != nil {
		return err
	}
	sc := &scope{}
	err = fn(Owned[T]{box: box, value: v, scope: sc})
	sc.closed.Store(true)
	return FirstError(err, Release("owned", box))
}

// WithBoxConstRef runs fn with a ConstRef over box, which must hold a copy
// of *v. The box outlives the reference and is not freed.
func WithBoxConstRef[T any](box *DeviceBox[T], v *T, fn func(ConstRef[T]) error) error {
	if box.freed {
		return ErrReleased
	}
	sc := &scope{}
	defer sc.closed.Store(true)
	return fn(ConstRef[T]{box: box, host: v, scope: sc})
}

// WithBoxMutRef is WithBoxConstRef for a MutRef. Device writes stay in the
// box.
func WithBoxMutRef[T any](box *DeviceBox[T], v *T, fn func(MutRef[T]) error) error {
	if box.freed {
		return ErrReleased
	}
	sc := &scope{}
	defer sc.closed.Store(true)
	return fn(MutRef[T]{box: box, host: v, scope: sc})
}

// IsReleased reports whether err comes from using a reference after its
// scope ended.
func IsReleased(err error) bool {
	return errors.Is(err, ErrReleased)
}
