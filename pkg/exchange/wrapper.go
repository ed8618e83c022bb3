package exchange

import (
	"fmt"

	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/lend"
)

// OnHost holds a lendable value on the host together with a device box
// sized for its representation. The value may be used freely until it is
// moved to the device.
type OnHost[R any] struct {
	drv   device.Driver
	value lend.Lendable[R]
	box   *host.DeviceBox[R]
	moved bool
}

// OnDevice is a value whose representation is resident on the device.
// Kernels can be handed AsRef or AsMut references to it any number of times
// before it is moved back with MoveToHost.
type OnDevice[R any] struct {
	drv   device.Driver
	value lend.Lendable[R]
	box   *host.DeviceBox[R]
	repr  R
	chain alloc.Alloc
	moved bool
}

func borrowEmpty[R any](drv device.Driver, v lend.Lendable[R]) (R, alloc.Alloc, error) {
	repr, chain, err := v.Borrow(drv, alloc.None)
	if err != nil {
		return repr, nil, fmt.Errorf("borrow: %w", err)
	}
	if !chain.Empty() {
		var zero R
		return zero, nil, host.FirstError(lend.ErrNotMovable, host.Release("exchange wrapper", chain))
	}
	return repr, chain, nil
}

// NewWrapper wraps v. Values whose borrow allocates are rejected with
// lend.ErrNotMovable.
func NewWrapper[R any](drv device.Driver, v lend.Lendable[R]) (*OnHost[R], error) {
	repr, chain, err := borrowEmpty(drv, v)
	if err != nil {
		return nil, err
	}
	if _, err := v.Restore(drv, chain); err != nil {
		return nil, err
	}
	box, err := host.NewDeviceBox(drv, &repr)
	if err != nil {
		return nil, err
	}
	return &OnHost[R]{drv: drv, value: v, box: box}, nil
}

// Value returns the wrapped value.
func (w *OnHost[R]) Value() lend.Lendable[R] {
	return w.value
}

// MoveToDevice borrows the value and uploads its representation. w is
// unusable afterwards.
func (w *OnHost[R]) MoveToDevice() (*OnDevice[R], error) {
	if w.moved {
		return nil, host.ErrReleased
	}
	repr, chain, err := borrowEmpty(w.drv, w.value)
	if err != nil {
		return nil, err
	}
	if err := w.box.CopyFrom(&repr); err != nil {
		_, restoreErr := w.value.Restore(w.drv, chain)
		return nil, host.FirstError(err, restoreErr)
	}
	w.moved = true
	return &OnDevice[R]{drv: w.drv, value: w.value, box: w.box, repr: repr, chain: chain}, nil
}

// Close frees the device box. The wrapped value is not closed.
func (w *OnHost[R]) Close() error {
	if w.moved {
		return nil
	}
	w.moved = true
	return host.Release("exchange wrapper close", w.box)
}

// AsRef runs fn with a read-only reference to the resident representation.
func (d *OnDevice[R]) AsRef(fn func(host.ConstRef[R]) error) error {
	if d.moved {
		return host.ErrReleased
	}
	return host.WithBoxConstRef(d.box, &d.repr, fn)
}

// AsMut runs fn with a mutable reference to the resident representation.
func (d *OnDevice[R]) AsMut(fn func(host.MutRef[R]) error) error {
	if d.moved {
		return host.ErrReleased
	}
	return host.WithBoxMutRef(d.box, &d.repr, fn)
}

// MoveToHost restores the value, copying device results back in the
// directions the value defines. d is unusable afterwards.
func (d *OnDevice[R]) MoveToHost() (*OnHost[R], error) {
	if d.moved {
		return nil, host.ErrReleased
	}
	if _, err := d.value.Restore(d.drv, d.chain); err != nil {
		return nil, err
	}
	d.moved = true
	return &OnHost[R]{drv: d.drv, value: d.value, box: d.box}, nil
}
