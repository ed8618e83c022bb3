package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/device/emu"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/lend"
	"github.com/samcharles93/cudalend/pkg/safety"
)

const incrementPTX = `
.version 7.0
.target sm_50
.address_size 64

.visible .entry increment(
	.param .u64 buf
)
{
	ret;
}
`

func increment(t *emu.Thread, args emu.Args) {
	r := emu.Load[BufferRepr](t, args.Ptr(0))
	i := t.GlobalX()
	if i >= r.Len {
		return
	}
	emu.Slice[int32](t, r.Data, int(r.Len))[i]++
}

type fixture struct {
	drv *emu.Driver
	s   device.Stream
	fn  device.Function
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := emu.New(emu.WithKernel("increment", increment))
	t.Cleanup(func() { _ = d.Close() })
	s, err := d.NewStream()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	mod, err := d.LoadModule([]byte(incrementPTX))
	require.NoError(t, err)
	fn, err := mod.Function("increment")
	require.NoError(t, err)
	return &fixture{drv: d, s: s, fn: fn}
}

func (f *fixture) launch(t *testing.T, repr device.Ptr, n int) {
	t.Helper()
	require.NoError(t, f.s.Launch(f.fn, device.D1(uint32(n)), device.D1(1), 0, [][]byte{safety.Bytes(&repr)}))
	require.NoError(t, f.s.Synchronize())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "none", Direction(0).String())
	assert.Equal(t, "to-device", ToDevice.String())
	assert.Equal(t, "to-device|to-host", Both.String())
}

func TestAccessRules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		dir                    Direction
		read, write, at, scrat bool
	}{
		{dir: 0, scrat: true},
		{dir: ToDevice, write: true},
		{dir: ToHost, read: true, scrat: true},
		{dir: Both, read: true, write: true, at: true},
	}
	for _, tc := range cases {
		t.Run(tc.dir.String(), func(t *testing.T) {
			b, err := New(f.drv, int32(0), 2, tc.dir)
			require.NoError(t, err)
			defer b.Close()

			_, err = b.Read(0)
			assert.Equal(t, tc.read, err == nil, "read")
			err = b.Write(0, 1)
			assert.Equal(t, tc.write, err == nil, "write")
			_, err = b.At(0)
			assert.Equal(t, tc.at, err == nil, "at")
			_, err = b.Scratch(0)
			assert.Equal(t, tc.scrat, err == nil, "scratch")
		})
	}

	b, err := New(f.drv, int32(0), 2, Both)
	require.NoError(t, err)
	_, err = b.Read(2)
	assert.ErrorIs(t, err, device.ErrInvalidValue)
	_, err = b.Scratch(0)
	assert.ErrorIs(t, err, ErrDirection)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Read(0)
	assert.ErrorIs(t, err, host.ErrReleased)
}

func TestBothDirections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b, err := FromSlice(f.drv, []int32{1, 2, 3}, Both)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Write(1, 10))
	err = lend.LendMut(f.drv, b, func(r host.MutRef[BufferRepr]) error {
		dev, err := r.ForDevice()
		require.NoError(t, err)
		f.launch(t, dev.Ptr, b.Len())
		return nil
	})
	require.NoError(t, err)

	for i, want := range []int32{2, 11, 4} {
		got, err := b.Read(i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestToHostIgnoresHostWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b, err := New(f.drv, int32(5), 2, ToHost)
	require.NoError(t, err)
	defer b.Close()

	p, err := b.Scratch(0)
	require.NoError(t, err)
	*p = 100

	err = lend.LendMut(f.drv, b, func(r host.MutRef[BufferRepr]) error {
		dev, _ := r.ForDevice()
		f.launch(t, dev.Ptr, b.Len())
		return nil
	})
	require.NoError(t, err)

	got, err := b.Read(0)
	require.NoError(t, err)
	assert.Equal(t, int32(6), got)
}

func TestToDeviceKeepsHost(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b, err := FromSlice(f.drv, []int32{1}, ToDevice)
	require.NoError(t, err)
	defer b.Close()

	err = lend.LendMut(f.drv, b, func(r host.MutRef[BufferRepr]) error {
		dev, _ := r.ForDevice()
		f.launch(t, dev.Ptr, b.Len())
		return nil
	})
	require.NoError(t, err)
	// device state persists between borrows
	var onDevice int32
	require.NoError(t, f.drv.CopyDtoH(safety.Bytes(&onDevice), b.repr().Data))
	assert.Equal(t, int32(2), onDevice)
}

func TestLendMutAsync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b, err := FromSlice(f.drv, []int32{0, 0, 0, 0}, Both)
	require.NoError(t, err)
	defer b.Close()

	err = lend.LendMutAsync(f.drv, f.s, b, func(r host.MutRefAsync[BufferRepr]) error {
		dev, err := r.ForDevice()
		if err != nil {
			return err
		}
		return r.Stream().Launch(f.fn, device.D1(4), device.D1(1), 0, [][]byte{safety.Bytes(&dev.Ptr)})
	})
	require.NoError(t, err)
	for i := range 4 {
		got, _ := b.Read(i)
		assert.Equal(t, int32(1), got)
	}
}

func TestWrapperRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	b, err := FromSlice(f.drv, []int32{1, 1}, Both)
	require.NoError(t, err)
	defer b.Close()

	w, err := NewWrapper[BufferRepr](f.drv, b)
	require.NoError(t, err)
	require.NoError(t, b.Write(0, 3))

	onDev, err := w.MoveToDevice()
	require.NoError(t, err)
	_, err = w.MoveToDevice()
	assert.ErrorIs(t, err, host.ErrReleased)

	for range 2 {
		require.NoError(t, onDev.AsMut(func(r host.MutRef[BufferRepr]) error {
			dev, err := r.ForDevice()
			if err != nil {
				return err
			}
			f.launch(t, dev.Ptr, 2)
			return nil
		}))
	}
	require.NoError(t, onDev.AsRef(func(r host.ConstRef[BufferRepr]) error {
		repr, err := r.ForHost()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), repr.Len)
		return nil
	}))

	back, err := onDev.MoveToHost()
	require.NoError(t, err)
	assert.ErrorIs(t, onDev.AsRef(func(host.ConstRef[BufferRepr]) error { return nil }), host.ErrReleased)

	got0, _ := b.Read(0)
	got1, _ := b.Read(1)
	assert.Equal(t, int32(5), got0)
	assert.Equal(t, int32(3), got1)
	require.NoError(t, back.Close())
}

func TestWrapperRejectsAllocatingValues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := NewWrapper[lend.SliceRepr](f.drv, lend.SliceOf([]int32{1}))
	assert.ErrorIs(t, err, lend.ErrNotMovable)
	assert.Zero(t, f.drv.Stats().LiveBytes)
}
