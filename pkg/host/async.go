package host

import (
	"context"
	"errors"
	"sync"

	"github.com/samcharles93/cudalend/pkg/device"
)

// Completion runs on the host once the stream work a value depends on has
// finished, for example to copy results back and free allocations.
type Completion[T any] func(T) (T, error)

// Async is a value whose computation may still be pending on a stream.
type Async[T any] struct {
	value      T
	drv        device.Driver
	stream     device.Stream
	event      device.Event
	onComplete Completion[T]

	done chan struct{}

	mu       sync.Mutex
	acquired bool
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Ready wraps a value that needs no synchronisation.
func Ready[T any](value T) *Async[T] {
	return &Async[T]{value: value, done: closedChan}
}

// Pending wraps value, which is being computed by work already submitted
// to s. onComplete may be nil.
func Pending[T any](drv device.Driver, value T, s device.Stream, onComplete Completion[T]) (*Async[T], error) {
	ev, err := drv.NewEvent()
	if err != nil {
		return nil, err
	}
	a := &Async[T]{value: value, drv: drv, event: ev, onComplete: onComplete}
	if err := a.track(s); err != nil {
		_ = ev.Destroy()
		return nil, err
	}
	return a, nil
}

// track records the event on s and arranges for Done to close.
func (a *Async[T]) track(s device.Stream) error {
	if err := a.event.Record(s); err != nil {
		return err
	}
	done := make(chan struct{})
	if err := s.AddCallback(func(error) { close(done) }); err != nil {
		return err
	}
	a.stream = s
	a.done = done
	return nil
}

// Done is closed once the stream work has completed.
func (a *Async[T]) Done() <-chan struct{} {
	return a.done
}

// Stream is the stream the value is pending on, nil for Ready values.
func (a *Async[T]) Stream() device.Stream {
	return a.stream
}

// Unchecked returns the value without waiting. It may be in an
// inconsistent state and must only feed further work on the same stream.
func (a *Async[T]) Unchecked() T {
	return a.value
}

func (a *Async[T]) acquire() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acquired {
		return device.ErrAlreadyAcquired
	}
	a.acquired = true
	return nil
}

// Synchronize blocks until the value is complete, runs the completion and
// returns the value. It can be called once.
func (a *Async[T]) Synchronize() (T, error) {
	if err := a.acquire(); err != nil {
		var zero T
		return zero, err
	}
	return a.finish()
}

func (a *Async[T]) finish() (T, error) {
	var syncErr error
	if a.event != nil {
		syncErr = a.event.Synchronize()
		if err := a.event.Destroy(); err != nil {
			Logger().Warn("destroy async event", "error", err)
		}
	}
	value := a.value
	if a.onComplete != nil {
		var err error
		value, err = a.onComplete(value)
		syncErr = errors.Join(syncErr, err)
	}
	return value, syncErr
}

// Wait is Synchronize that gives up when ctx ends. A cancelled Wait leaves
// the value acquirable.
func (a *Async[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-a.done:
		return a.Synchronize()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Async[T]) unacquire() {
	a.mu.Lock()
	a.acquired = false
	a.mu.Unlock()
}

// MoveToStream makes future work on s wait for the pending computation and
// returns the value tracked on s. a must not be used afterwards, unless
// the move fails: a then stays acquirable so its completion can still run.
func (a *Async[T]) MoveToStream(s device.Stream) (*Async[T], error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	if a.event == nil {
		return &Async[T]{value: a.value, done: closedChan, onComplete: a.onComplete}, nil
	}
	if err := s.WaitEvent(a.event); err != nil {
		a.unacquire()
		return nil, err
	}
	moved := &Async[T]{value: a.value, drv: a.drv, event: a.event, onComplete: a.onComplete}
	if err := moved.track(s); err != nil {
		a.unacquire()
		return nil, err
	}
	return moved, nil
}
