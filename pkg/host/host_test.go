package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/device/emu"
	"github.com/samcharles93/cudalend/pkg/safety"
)

type pair struct {
	A int32
	B float32
}

func newDriver(t *testing.T) *emu.Driver {
	t.Helper()
	d := emu.New()
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDeviceBox(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	v := pair{A: 7, B: 1.5}
	box, err := NewDeviceBox(d, &v)
	require.NoError(t, err)

	var got pair
	require.NoError(t, box.CopyTo(&got))
	assert.Equal(t, v, got)

	v.A = 9
	require.NoError(t, box.CopyFrom(&v))
	require.NoError(t, box.CopyTo(&got))
	assert.Equal(t, int32(9), got.A)

	require.NoError(t, box.Free())
	require.NoError(t, box.Free())
	assert.ErrorIs(t, box.CopyTo(&got), ErrReleased)
	assert.Equal(t, int64(0), d.Stats().LiveBytes)
}

func TestDeviceBoxRejectsPointers(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	s := "x"
	_, err := NewDeviceBox(d, &s)
	assert.ErrorIs(t, err, safety.ErrNotDeviceCopy)
}

func TestDeviceBuffer(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	buf, err := NewDeviceBufferFrom(d, []float32{1, 2, 3})
	require.NoError(t, err)
	defer buf.Free()
	assert.Equal(t, 3, buf.Len())

	out := make([]float32, 3)
	require.NoError(t, buf.CopyToSlice(out))
	assert.Equal(t, []float32{1, 2, 3}, out)

	assert.ErrorIs(t, buf.CopyToSlice(make([]float32, 2)), device.ErrInvalidValue)

	empty, err := NewDeviceBuffer[float32](d, 0)
	require.NoError(t, err)
	assert.NoError(t, empty.CopyFromSlice(nil))
	assert.NoError(t, empty.Free())
}

func TestAsyncCopiesThroughLockedMemory(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	s, err := d.NewStream()
	require.NoError(t, err)
	defer s.Destroy()

	src, err := NewLockedBufferFrom(d, []int32{4, 5, 6})
	require.NoError(t, err)
	defer src.Free()
	dst, err := NewLockedBuffer[int32](d, 3)
	require.NoError(t, err)
	defer dst.Free()

	buf, err := NewDeviceBuffer[int32](d, 3)
	require.NoError(t, err)
	defer buf.Free()

	require.NoError(t, buf.AsyncCopyFrom(src, s))
	require.NoError(t, buf.AsyncCopyTo(dst, s))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, []int32{4, 5, 6}, dst.Slice())

	lb, err := NewLockedBox(d, pair{A: 1})
	require.NoError(t, err)
	box, err := NewDeviceBox(d, &pair{})
	require.NoError(t, err)
	defer box.Free()
	require.NoError(t, box.AsyncCopyFrom(lb, s))
	lb.Get().A = 0
	require.NoError(t, box.AsyncCopyTo(lb, s))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, int32(1), lb.Get().A)

	require.NoError(t, lb.Free())
	assert.Nil(t, lb.Get())
	assert.ErrorIs(t, box.AsyncCopyFrom(lb, s), ErrReleased)
}

func TestWithConstRef(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	v := pair{A: 3}
	var escaped ConstRef[pair]
	err := WithConstRef(d, &v, func(r ConstRef[pair]) error {
		dr, err := r.ForDevice()
		require.NoError(t, err)
		assert.NotZero(t, dr.Ptr)

		h, err := r.ForHost()
		require.NoError(t, err)
		assert.Same(t, &v, h)
		escaped = r
		return nil
	})
	require.NoError(t, err)

	_, err = escaped.ForDevice()
	assert.ErrorIs(t, err, ErrReleased)
	assert.True(t, IsReleased(err))
	assert.Equal(t, int64(0), d.Stats().LiveBytes)
}

func TestWithMutRefCopiesBackEvenOnError(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	v := pair{A: 1}
	boom := errors.New("boom")
	err := WithMutRef(d, &v, func(r MutRef[pair]) error {
		dr, err := r.ForDevice()
		require.NoError(t, err)
		// a kernel writing through the device reference
		require.NoError(t, d.CopyHtoD(dr.Ptr, safety.Bytes(&pair{A: 42, B: 2})))

		cr := r.AsRef()
		_, err = cr.ForDevice()
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, pair{A: 42, B: 2}, v)
	assert.Equal(t, int64(0), d.Stats().LiveBytes)
}

func TestWithOwned(t *testing.T) {
	t.Parallel()
	d := newDriver(t)

	err := WithOwned(d, pair{A: 5}, func(o Owned[pair]) error {
		v, err := o.ForHost()
		require.NoError(t, err)
		assert.Equal(t, int32(5), v.A)

		dr, err := o.ForDevice()
		require.NoError(t, err)
		var got pair
		require.NoError(t, d.CopyDtoH(safety.Bytes(&got), dr.Ptr))
		assert.Equal(t, int32(5), got.A)
		return nil
	})
	require.NoError(t, err)
}

func TestAsyncPending(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	s, err := d.NewStream()
	require.NoError(t, err)
	defer s.Destroy()

	release := make(chan struct{})
	require.NoError(t, s.AddCallback(func(error) { <-release }))

	completed := false
	a, err := Pending(d, 10, s, func(v int) (int, error) {
		completed = true
		return v + 1, nil
	})
	require.NoError(t, err)

	select {
	case <-a.Done():
		t.Fatal("done before the stream finished")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := a.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 11, v)
	assert.True(t, completed)

	_, err = a.Synchronize()
	assert.ErrorIs(t, err, device.ErrAlreadyAcquired)
}

func TestAsyncMoveToStream(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	s1, err := d.NewStream()
	require.NoError(t, err)
	defer s1.Destroy()
	s2, err := d.NewStream()
	require.NoError(t, err)
	defer s2.Destroy()

	release := make(chan struct{})
	require.NoError(t, s1.AddCallback(func(error) { <-release }))

	a, err := Pending(d, "value", s1, nil)
	require.NoError(t, err)
	moved, err := a.MoveToStream(s2)
	require.NoError(t, err)
	assert.Same(t, s2, moved.Stream())

	_, err = a.Synchronize()
	assert.ErrorIs(t, err, device.ErrAlreadyAcquired)

	var ran bool
	require.NoError(t, s2.AddCallback(func(error) { ran = true }))
	close(release)

	v, err := moved.Synchronize()
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	require.NoError(t, s2.Synchronize())
	assert.True(t, ran)
}

func TestAsyncMoveToDestroyedStream(t *testing.T) {
	t.Parallel()
	d := newDriver(t)
	s1, err := d.NewStream()
	require.NoError(t, err)
	defer s1.Destroy()
	s2, err := d.NewStream()
	require.NoError(t, err)
	require.NoError(t, s2.Destroy())

	completed := false
	a, err := Pending(d, 5, s1, func(v int) (int, error) {
		completed = true
		return v + 1, nil
	})
	require.NoError(t, err)

	moved, err := a.MoveToStream(s2)
	assert.ErrorIs(t, err, device.ErrInvalidHandle)
	assert.Nil(t, moved)

	v, err := a.Synchronize()
	require.NoError(t, err)
	assert.Equal(t, 6, v)
	assert.True(t, completed)
}

func TestReady(t *testing.T) {
	t.Parallel()
	a := Ready(3)
	<-a.Done()
	v, err := a.Synchronize()
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
