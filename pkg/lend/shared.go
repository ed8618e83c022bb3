package lend

import (
	"errors"
	"sync"

	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
)

// ErrSharedClosed is returned when borrowing a Shared whose last handle
// has been closed.
var ErrSharedClosed = errors.New("shared device data closed")

type sharedState[T any] struct {
	mu   sync.Mutex
	refs int
	buf  *host.DeviceBuffer[T]
}

// Shared is immutable data uploaded to the device once and borrowed by
// reference from any number of handles. Borrowing makes no allocation, so
// a Shared can be moved. The device copy is freed when the last handle is
// closed.
type Shared[T any] struct {
	state  *sharedState[T]
	once   sync.Once
	closed bool
}

// NewShared uploads data and returns the first handle.
func NewShared[T any](drv device.Driver, data []T) (*Shared[T], error) {
	buf, err := host.NewDeviceBufferFrom(drv, data)
	if err != nil {
		return nil, err
	}
	return &Shared[T]{state: &sharedState[T]{refs: 1, buf: buf}}, nil
}

// Clone returns another handle to the same device data.
func (s *Shared[T]) Clone() (*Shared[T], error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.buf == nil || s.closed {
		return nil, ErrSharedClosed
	}
	st.refs++
	return &Shared[T]{state: st}, nil
}

// Refs returns the number of open handles.
func (s *Shared[T]) Refs() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.refs
}

// Len returns the element count.
func (s *Shared[T]) Len() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.buf == nil {
		return 0
	}
	return s.state.buf.Len()
}

// Close drops this handle. Closing twice is a no-op.
func (s *Shared[T]) Close() error {
	var err error
	s.once.Do(func() {
		st := s.state
		st.mu.Lock()
		defer st.mu.Unlock()
		s.closed = true
		st.refs--
		if st.refs == 0 {
			err = host.Release("shared close", st.buf)
			st.buf = nil
		}
	})
	return err
}

func (s *Shared[T]) repr() (SliceRepr, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.buf == nil || s.closed {
		return SliceRepr{}, ErrSharedClosed
	}
	return SliceRepr{Data: st.buf.Ptr(), Len: uint64(st.buf.Len())}, nil
}

func (s *Shared[T]) Borrow(_ device.Driver, a alloc.Alloc) (SliceRepr, alloc.Alloc, error) {
	r, err := s.repr()
	return r, a, err
}

// Restore leaves the device data in place.
func (s *Shared[T]) Restore(_ device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	return a, nil
}

func (s *Shared[T]) BorrowAsync(drv device.Driver, _ device.Stream, a alloc.Alloc) (SliceRepr, alloc.Alloc, error) {
	return s.Borrow(drv, a)
}

func (s *Shared[T]) RestoreAsync(drv device.Driver, _ device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	return s.Restore(drv, a)
}
