package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/lend"
	"github.com/samcharles93/cudalend/pkg/safety"
)

// Param is one kernel argument. Values are built with the constructors in
// this package.
type Param interface {
	prepare(drv device.Driver, s device.Stream) (*prepared, error)
}

// prepared is a parameter ready to launch.
type prepared struct {
	// ffi is passed to the launch. Shared memory parameters set it in place.
	ffi []byte
	// hostBytes is what the kernel reads through the parameter, used when the
	// parameter is exposed to the PTX JIT.
	hostBytes []byte
	jit       bool
	shared    sharedRequest
	place     func(offset uint64) []byte
	layout    safety.Layout
	// finish runs once the launch has completed or failed.
	finish func() error
}

func (p *prepared) done() error {
	if p.finish == nil {
		return nil
	}
	return p.finish()
}

func checkedLayout[T any]() (safety.Layout, error) {
	if err := safety.Check[T](); err != nil {
		return safety.Layout{}, err
	}
	return safety.LayoutFor[T](), nil
}

type shallowCopy[T any] struct{ v T }

// ShallowCopy passes v by value.
func ShallowCopy[T any](v T) Param {
	return shallowCopy[T]{v: v}
}

func (p shallowCopy[T]) prepare(device.Driver, device.Stream) (*prepared, error) {
	l, err := checkedLayout[T]()
	if err != nil {
		return nil, err
	}
	b := bytes.Clone(safety.Bytes(&p.v))
	return &prepared{ffi: b, hostBytes: b, layout: l}, nil
}

type shallowCopyRef[T any] struct{ v *T }

// ShallowCopyRef copies *v to the device and passes its address. The copy
// is freed once the launch completes.
func ShallowCopyRef[T any](v *T) Param {
	return shallowCopyRef[T]{v: v}
}

func (p shallowCopyRef[T]) prepare(drv device.Driver, _ device.Stream) (*prepared, error) {
	l, err := checkedLayout[T]()
	if err != nil {
		return nil, err
	}
	box, err := host.NewDeviceBox(drv, p.v)
	if err != nil {
		return nil, err
	}
	return &prepared{
		ffi:       ptrBytes(box.Ptr()),
		hostBytes: bytes.Clone(safety.Bytes(p.v)),
		layout:    l,
		finish:    func() error { return host.Release("shallow copy ref", box) },
	}, nil
}

type deepBorrow[R any] struct {
	v   lend.Lendable[R]
	mut bool
}

// DeepBorrow lends v read-only for the launch and passes the address of
// its device representation.
func DeepBorrow[R any](v lend.Lendable[R]) Param {
	return deepBorrow[R]{v: v}
}

// DeepBorrowMut lends v mutably. v is restored once the launch completes.
func DeepBorrowMut[R any](v lend.Lendable[R]) Param {
	return deepBorrow[R]{v: v, mut: true}
}

func (p deepBorrow[R]) prepare(drv device.Driver, s device.Stream) (*prepared, error) {
	l, err := checkedLayout[R]()
	if err != nil {
		return nil, err
	}
	var (
		repr  R
		chain alloc.Alloc
	)
	if av, ok := p.v.(lend.AsyncLendable[R]); ok {
		repr, chain, err = av.BorrowAsync(drv, s, alloc.None)
	} else {
		repr, chain, err = p.v.Borrow(drv, alloc.None)
	}
	if err != nil {
		return nil, fmt.Errorf("borrow: %w", err)
	}
	box, err := host.NewDeviceBox(drv, &repr)
	if err != nil {
		// the stream may still be copying into the chain
		return nil, host.FirstError(err, s.Synchronize(), host.Release("deep borrow", chain))
	}

	finish := func() error {
		return errors.Join(host.Release("deep borrow", box), host.Release("deep borrow", chain))
	}
	if p.mut {
		finish = func() error {
			boxErr := host.Release("deep borrow mut", box)
			rest, err := p.v.Restore(drv, chain)
			if err != nil {
				return errors.Join(err, boxErr, host.Release("deep borrow mut", chain))
			}
			return errors.Join(boxErr, host.Release("deep borrow mut", rest))
		}
	}
	return &prepared{
		ffi:       ptrBytes(box.Ptr()),
		hostBytes: bytes.Clone(safety.Bytes(&repr)),
		layout:    l,
		finish:    finish,
	}, nil
}

type threadBlockShared[T any] struct{}

// ThreadBlockShared reserves one T of dynamic shared memory per block and
// passes its byte offset as a uint64.
func ThreadBlockShared[T any]() Param {
	return threadBlockShared[T]{}
}

func (threadBlockShared[T]) prepare(device.Driver, device.Stream) (*prepared, error) {
	l, err := checkedLayout[T]()
	if err != nil {
		return nil, err
	}
	return &prepared{
		shared: sharedRequest{size: uint64(l.Size), align: uint64(l.Align)},
		place: func(offset uint64) []byte {
			return binary.LittleEndian.AppendUint64(nil, offset)
		},
		layout: l,
	}, nil
}

// SharedSliceRepr is passed for a ThreadBlockSharedSlice: the byte offset
// of the slice in dynamic shared memory and its element count.
type SharedSliceRepr struct {
	Offset uint64
	Len    uint64
}

type threadBlockSharedSlice[T any] struct{ n int }

// ThreadBlockSharedSlice reserves n elements of T of dynamic shared memory
// per block.
func ThreadBlockSharedSlice[T any](n int) Param {
	return threadBlockSharedSlice[T]{n: n}
}

func (p threadBlockSharedSlice[T]) prepare(device.Driver, device.Stream) (*prepared, error) {
	l, err := checkedLayout[T]()
	if err != nil {
		return nil, err
	}
	if p.n < 0 {
		return nil, fmt.Errorf("%w: negative shared slice length %d", device.ErrInvalidValue, p.n)
	}
	size, overflow := mulOverflows(uint64(l.Size), uint64(p.n))
	if overflow {
		return nil, fmt.Errorf("%w: shared slice of %d elements overflows", device.ErrLaunchOutOfResources, p.n)
	}
	return &prepared{
		shared: sharedRequest{size: size, align: uint64(l.Align)},
		place: func(offset uint64) []byte {
			r := SharedSliceRepr{Offset: offset, Len: uint64(p.n)}
			return bytes.Clone(safety.Bytes(&r))
		},
		layout: l,
	}, nil
}

type ptxJit struct{ inner Param }

// PtxJit exposes the value inner passes to the kernel to PTX
// specialisation when the launch enables it.
func PtxJit(inner Param) Param {
	return ptxJit{inner: inner}
}

func (p ptxJit) prepare(drv device.Driver, s device.Stream) (*prepared, error) {
	pp, err := p.inner.prepare(drv, s)
	if err != nil {
		return nil, err
	}
	if pp.place != nil {
		return nil, host.FirstError(fmt.Errorf("%w: shared memory parameters cannot be specialised", device.ErrInvalidValue), pp.done())
	}
	pp.jit = true
	return pp, nil
}

func ptrBytes(p device.Ptr) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(p))
}

func mulOverflows(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	c := a * b
	return c, c/b != a
}
