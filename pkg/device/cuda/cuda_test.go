package cuda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/cudalend/pkg/device"
)

func TestCheckMapsStatusToSentinel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		r    result
		want error
	}{
		{errorInvalidValue, device.ErrInvalidValue},
		{errorOutOfMemory, device.ErrOutOfMemory},
		{errorNoDevice, device.ErrNoDevice},
		{errorInvalidHandle, device.ErrInvalidHandle},
		{errorAlreadyAcquired, device.ErrAlreadyAcquired},
		{errorNotFound, device.ErrNotFound},
		{errorNotReady, device.ErrNotReady},
		{errorLaunchOutOfRes, device.ErrLaunchOutOfResources},
		{errorLaunchFailed, device.ErrLaunchFailed},
	}
	for _, tc := range cases {
		err := check("op", tc.r)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.r)

		var derr *device.Error
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, int(tc.r), derr.Code)
		assert.Equal(t, "op", derr.Op)
	}
	assert.NoError(t, check("op", success))
}

func TestUnknownStatus(t *testing.T) {
	t.Parallel()
	err := check("op", result(999))
	require.Error(t, err)
	assert.False(t, errors.Is(err, device.ErrInvalidValue))
}

func openDevice(t *testing.T) *Driver {
	t.Helper()
	if !Available() {
		t.Skip("no CUDA device available")
	}
	d, err := Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDevices(t *testing.T) {
	d := openDevice(t)
	infos, err := d.Devices()
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	assert.NotEmpty(t, infos[0].Name)
	assert.Greater(t, infos[0].MaxThreadsPerBlock, 0)
}

func TestMemoryRoundTrip(t *testing.T) {
	d := openDevice(t)

	p, err := d.Alloc(64)
	require.NoError(t, err)
	defer d.Free(p)

	host, err := d.AllocHost(64)
	require.NoError(t, err)
	defer d.FreeHost(host)
	for i := range host {
		host[i] = byte(i)
	}

	s, err := d.NewStream()
	require.NoError(t, err)
	defer s.Destroy()

	require.NoError(t, s.CopyHtoDAsync(p, host))
	out := make([]byte, 64)
	require.NoError(t, s.CopyDtoHAsync(out, p))
	require.NoError(t, s.Synchronize())
	assert.Equal(t, host, out)

	done := make(chan error, 1)
	require.NoError(t, s.AddCallback(func(err error) { done <- err }))
	assert.NoError(t, <-done)
}

func TestLoadInvalidPTX(t *testing.T) {
	d := openDevice(t)
	_, err := d.LoadModule([]byte("not ptx"))
	assert.Error(t, err)
}
