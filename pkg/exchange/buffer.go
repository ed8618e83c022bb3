// Package exchange provides buffers that live on both the host and the
// device and are synchronised in the directions their flags name, plus
// wrappers that keep a lent value resident on the device between
// launches.
package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/lend"
)

// ErrDirection is returned when host access conflicts with the direction
// a buffer synchronises in.
var ErrDirection = errors.New("access not permitted by exchange direction")

// Direction says which way a Buffer is copied around a borrow.
type Direction uint8

const (
	// ToDevice copies host contents to the device when borrowed.
	ToDevice Direction = 1 << iota
	// ToHost copies device contents back to the host when restored.
	ToHost

	Both = ToDevice | ToHost
)

func (d Direction) String() string {
	var parts []string
	if d&ToDevice != 0 {
		parts = append(parts, "to-device")
	}
	if d&ToHost != 0 {
		parts = append(parts, "to-host")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// BufferRepr is the device representation of a Buffer.
type BufferRepr struct {
	Data device.Ptr
	Len  uint64
}

// Buffer pairs a page-locked host buffer with a device buffer of the same
// length that persists across borrows.
type Buffer[T any] struct {
	dir    Direction
	host   *host.LockedBuffer[T]
	device *host.DeviceBuffer[T]
	closed bool
}

// New returns a buffer of capacity copies of elem, already present on the
// device.
func New[T any](drv device.Driver, elem T, capacity int, dir Direction) (*Buffer[T], error) {
	lb, err := host.NewLockedBuffer[T](drv, capacity)
	if err != nil {
		return nil, err
	}
	s := lb.Slice()
	for i := range s {
		s[i] = elem
	}
	return newBuffer(drv, lb, dir)
}

// FromSlice returns a buffer holding a copy of data.
func FromSlice[T any](drv device.Driver, data []T, dir Direction) (*Buffer[T], error) {
	lb, err := host.NewLockedBufferFrom(drv, data)
	if err != nil {
		return nil, err
	}
	return newBuffer(drv, lb, dir)
}

func newBuffer[T any](drv device.Driver, lb *host.LockedBuffer[T], dir Direction) (*Buffer[T], error) {
	db, err := host.NewDeviceBufferFrom(drv, lb.Slice())
	if err != nil {
		return nil, host.FirstError(err, lb.Free())
	}
	return &Buffer[T]{dir: dir, host: lb, device: db}, nil
}

func (b *Buffer[T]) Direction() Direction {
	return b.dir
}

func (b *Buffer[T]) Len() int {
	return b.host.Len()
}

func (b *Buffer[T]) access(i int, need, forbid Direction) error {
	if b.closed {
		return host.ErrReleased
	}
	if b.dir&need != need || b.dir&forbid != 0 {
		return fmt.Errorf("%w: buffer is %s", ErrDirection, b.dir)
	}
	if i < 0 || i >= b.host.Len() {
		return fmt.Errorf("%w: index %d out of range [0, %d)", device.ErrInvalidValue, i, b.host.Len())
	}
	return nil
}

// Read returns element i as last copied back from the device.
func (b *Buffer[T]) Read(i int) (T, error) {
	if err := b.access(i, ToHost, 0); err != nil {
		var zero T
		return zero, err
	}
	return b.host.Slice()[i], nil
}

// Write sets element i for the next borrow.
func (b *Buffer[T]) Write(i int, v T) error {
	if err := b.access(i, ToDevice, 0); err != nil {
		return err
	}
	b.host.Slice()[i] = v
	return nil
}

// At returns a pointer to element i. It requires both directions.
func (b *Buffer[T]) At(i int) (*T, error) {
	if err := b.access(i, Both, 0); err != nil {
		return nil, err
	}
	return &b.host.Slice()[i], nil
}

// Scratch returns a pointer to element i of a buffer whose host contents
// are never sent to the device.
func (b *Buffer[T]) Scratch(i int) (*T, error) {
	if err := b.access(i, 0, ToDevice); err != nil {
		return nil, err
	}
	return &b.host.Slice()[i], nil
}

func (b *Buffer[T]) repr() BufferRepr {
	return BufferRepr{Data: b.device.Ptr(), Len: uint64(b.device.Len())}
}

func (b *Buffer[T]) Borrow(_ device.Driver, a alloc.Alloc) (BufferRepr, alloc.Alloc, error) {
	if b.closed {
		return BufferRepr{}, a, host.ErrReleased
	}
	if b.dir&ToDevice != 0 {
		if err := b.device.CopyFromSlice(b.host.Slice()); err != nil {
			return BufferRepr{}, a, err
		}
	}
	return b.repr(), alloc.Combine(alloc.None, a), nil
}

func (b *Buffer[T]) Restore(_ device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	_, tail, ok := alloc.SplitCombined(a)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", lend.ErrChainMismatch, a)
	}
	if b.dir&ToHost != 0 {
		if err := b.device.CopyToSlice(b.host.Slice()); err != nil {
			return tail, err
		}
	}
	return tail, nil
}

func (b *Buffer[T]) BorrowAsync(_ device.Driver, s device.Stream, a alloc.Alloc) (BufferRepr, alloc.Alloc, error) {
	if b.closed {
		return BufferRepr{}, a, host.ErrReleased
	}
	if b.dir&ToDevice != 0 {
		if err := b.device.AsyncCopyFrom(b.host, s); err != nil {
			return BufferRepr{}, a, err
		}
	}
	return b.repr(), alloc.Combine(alloc.None, a), nil
}

// RestoreAsync queues the copy back on s. The host contents are current
// once s has been synchronised.
func (b *Buffer[T]) RestoreAsync(_ device.Driver, s device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	_, tail, ok := alloc.SplitCombined(a)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", lend.ErrChainMismatch, a)
	}
	if b.dir&ToHost != 0 {
		if err := b.device.AsyncCopyTo(b.host, s); err != nil {
			return tail, err
		}
	}
	return tail, nil
}

// Close frees both halves of the buffer. Later calls are no-ops.
func (b *Buffer[T]) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return errors.Join(b.device.Free(), b.host.Free())
}

var _ lend.AsyncLendable[BufferRepr] = (*Buffer[int32])(nil)
