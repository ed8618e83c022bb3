package emu

import (
	"sync"

	"github.com/samcharles93/cudalend/pkg/device"
)

const streamQueueDepth = 256

type task struct {
	run func() error
	// always tasks run even after an earlier task failed
	always bool
}

// stream executes submitted tasks in order on one goroutine. The first
// failing task makes the stream sticky until the next Synchronize: queued
// copies and launches are skipped, callbacks and barriers still run.
type stream struct {
	drv   *Driver
	tasks chan task

	sendMu sync.RWMutex
	closed bool

	mu     sync.Mutex
	err    error
	exited chan struct{}
}

func newStream(d *Driver) *stream {
	s := &stream{
		drv:    d,
		tasks:  make(chan task, streamQueueDepth),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.exited)
	for t := range s.tasks {
		if !t.always && s.failed() != nil {
			continue
		}
		if err := t.run(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
	}
}

func (s *stream) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) submit(op string, t task) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return device.Errorf(op, device.ErrInvalidHandle, "stream destroyed")
	}
	s.tasks <- t
	return nil
}

func (s *stream) Launch(fn device.Function, grid, block device.Dim3, sharedMem uint32, params [][]byte) error {
	f, ok := fn.(*function)
	if !ok || f.mod.drv != s.drv {
		return device.Errorf("emu launch", device.ErrInvalidHandle, "function does not belong to this driver")
	}
	if grid.Empty() || block.Empty() {
		return device.Errorf("emu launch", device.ErrInvalidValue, "grid %v and block %v must have no zero dimension", grid, block)
	}
	if block.Size() > uint64(s.drv.info.MaxThreadsPerBlock) {
		return device.Errorf("emu launch", device.ErrInvalidValue, "block of %d threads exceeds limit %d", block.Size(), s.drv.info.MaxThreadsPerBlock)
	}
	if limit := f.sharedLimit(); uint64(sharedMem) > uint64(limit) {
		return device.Errorf("emu launch", device.ErrLaunchOutOfResources, "%d bytes of dynamic shared memory exceed limit %d", sharedMem, limit)
	}

	// parameters are captured at launch time
	args := make(Args, len(params))
	for i, p := range params {
		args[i] = append([]byte(nil), p...)
	}
	return s.submit("emu launch", task{run: func() error {
		return s.drv.execute(f, grid, block, sharedMem, args)
	}})
}

func (s *stream) CopyHtoDAsync(dst device.Ptr, src []byte) error {
	return s.submit("emu memcpy htod async", task{run: func() error {
		return s.drv.CopyHtoD(dst, src)
	}})
}

func (s *stream) CopyDtoHAsync(dst []byte, src device.Ptr) error {
	return s.submit("emu memcpy dtoh async", task{run: func() error {
		return s.drv.CopyDtoH(dst, src)
	}})
}

func (s *stream) WaitEvent(ev device.Event) error {
	e, ok := ev.(*event)
	if !ok {
		return device.Errorf("emu stream wait event", device.ErrInvalidHandle, "event does not belong to the emulator")
	}
	done := e.current()
	if done == nil {
		return nil
	}
	return s.submit("emu stream wait event", task{always: true, run: func() error {
		<-done
		return nil
	}})
}

func (s *stream) AddCallback(fn func(error)) error {
	return s.submit("emu stream add callback", task{always: true, run: func() error {
		fn(s.failed())
		return nil
	}})
}

func (s *stream) Synchronize() error {
	done := make(chan struct{})
	err := s.submit("emu stream synchronize", task{always: true, run: func() error {
		close(done)
		return nil
	}})
	if err != nil {
		return err
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.err
	s.err = nil
	return err
}

// Destroy drains queued work and stops the stream goroutine.
func (s *stream) Destroy() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.tasks)
	s.sendMu.Unlock()
	<-s.exited
	return nil
}

// event completes when every task submitted to its stream before Record
// has run. An event that was never recorded is complete.
type event struct {
	mu        sync.Mutex
	done      chan struct{}
	destroyed bool
}

func (e *event) current() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *event) Record(st device.Stream) error {
	s, ok := st.(*stream)
	if !ok {
		return device.Errorf("emu event record", device.ErrInvalidHandle, "stream does not belong to the emulator")
	}
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return device.Errorf("emu event record", device.ErrInvalidHandle, "event destroyed")
	}
	// a failed submit leaves the previous recording in place
	done := make(chan struct{})
	err := s.submit("emu event record", task{always: true, run: func() error {
		close(done)
		return nil
	}})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()
	return nil
}

func (e *event) Query() (bool, error) {
	done := e.current()
	if done == nil {
		return true, nil
	}
	select {
	case <-done:
		return true, nil
	default:
		return false, nil
	}
}

func (e *event) Synchronize() error {
	if done := e.current(); done != nil {
		<-done
	}
	return nil
}

func (e *event) Destroy() error {
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
	return nil
}

var (
	_ device.Stream = (*stream)(nil)
	_ device.Event  = (*event)(nil)
)
