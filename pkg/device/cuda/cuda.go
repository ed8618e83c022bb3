// Package cuda implements device.Driver over the CUDA driver API.
//
// libcuda is loaded at runtime with purego, so binaries build without cgo
// and without the CUDA toolkit; Open fails cleanly on machines without an
// NVIDIA driver. Every call binds the device's primary context to the
// calling OS thread first.
package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
)

// Available reports whether libcuda loads and at least one device exists.
func Available() bool {
	n, err := DeviceCount()
	return err == nil && n > 0
}

// DeviceCount returns the number of CUDA devices.
func DeviceCount() (int, error) {
	if err := loadLibrary(); err != nil {
		return 0, err
	}
	var n int32
	if err := check("cuDeviceGetCount", cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// Driver is one CUDA device and its primary context.
type Driver struct {
	ordinal int
	dev     int32
	ctx     uintptr
	log     logger.Logger

	mu     sync.Mutex
	host   map[*byte]unsafe.Pointer
	closed bool
}

// Open retains the primary context of the device with the given ordinal.
func Open(ordinal int, opts ...Option) (*Driver, error) {
	if err := loadLibrary(); err != nil {
		return nil, &device.Error{Op: "cuda open", Err: fmt.Errorf("%w: %v", device.ErrNoDevice, err)}
	}
	d := &Driver{
		ordinal: ordinal,
		host:    make(map[*byte]unsafe.Pointer),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := check("cuDeviceGet", cuDeviceGet(&d.dev, int32(ordinal))); err != nil {
		return nil, err
	}
	if err := check("cuDevicePrimaryCtxRetain", cuDevicePrimaryCtxRetain(&d.ctx, d.dev)); err != nil {
		return nil, err
	}
	d.log.Debug("cuda context retained", "ordinal", ordinal)
	return d, nil
}

// call runs fn with the primary context current on a locked OS thread.
func (d *Driver) call(op string, fn func() result) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := check("cuCtxSetCurrent", cuCtxSetCurrent(d.ctx)); err != nil {
		return err
	}
	return check(op, fn())
}

func (d *Driver) Name() string {
	return "cuda"
}

func (d *Driver) Devices() ([]device.Info, error) {
	n, err := DeviceCount()
	if err != nil {
		return nil, err
	}
	infos := make([]device.Info, 0, n)
	for i := 0; i < n; i++ {
		info, err := queryDevice(i)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func queryDevice(ordinal int) (device.Info, error) {
	var dev int32
	if err := check("cuDeviceGet", cuDeviceGet(&dev, int32(ordinal))); err != nil {
		return device.Info{}, err
	}
	info := device.Info{Ordinal: ordinal}

	name := make([]byte, 256)
	if err := check("cuDeviceGetName", cuDeviceGetName(&name[0], int32(len(name)), dev)); err != nil {
		return device.Info{}, err
	}
	info.Name = cString(&name[0])

	if err := check("cuDeviceTotalMem", cuDeviceTotalMem(&info.TotalMemory, dev)); err != nil {
		return device.Info{}, err
	}

	attr := func(a int32) (int, error) {
		var v int32
		if err := check("cuDeviceGetAttribute", cuDeviceGetAttribute(&v, a, dev)); err != nil {
			return 0, err
		}
		return int(v), nil
	}
	var err error
	if info.MaxThreadsPerBlock, err = attr(attrMaxThreadsPerBlock); err != nil {
		return device.Info{}, err
	}
	if info.MultiprocessorCount, err = attr(attrMultiprocessorCount); err != nil {
		return device.Info{}, err
	}
	if info.ComputeMajor, err = attr(attrComputeCapabilityMaj); err != nil {
		return device.Info{}, err
	}
	if info.ComputeMinor, err = attr(attrComputeCapabilityMin); err != nil {
		return device.Info{}, err
	}
	return info, nil
}

func (d *Driver) Alloc(size int) (device.Ptr, error) {
	if size <= 0 {
		return 0, device.Errorf("cuMemAlloc", device.ErrInvalidValue, "size must be > 0, got %d", size)
	}
	var p uint64
	err := d.call("cuMemAlloc", func() result {
		return cuMemAlloc(&p, uint64(size))
	})
	return device.Ptr(p), err
}

func (d *Driver) Free(p device.Ptr) error {
	if p == 0 {
		return nil
	}
	return d.call("cuMemFree", func() result {
		return cuMemFree(uint64(p))
	})
}

func (d *Driver) CopyHtoD(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return d.call("cuMemcpyHtoD", func() result {
		return cuMemcpyHtoD(uint64(dst), unsafe.Pointer(&src[0]), uint64(len(src)))
	})
}

func (d *Driver) CopyDtoH(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return d.call("cuMemcpyDtoH", func() result {
		return cuMemcpyDtoH(unsafe.Pointer(&dst[0]), uint64(src), uint64(len(dst)))
	})
}

func (d *Driver) CopyDtoD(dst, src device.Ptr, size int) error {
	if size <= 0 {
		return nil
	}
	return d.call("cuMemcpyDtoD", func() result {
		return cuMemcpyDtoD(uint64(dst), uint64(src), uint64(size))
	})
}

func (d *Driver) Memset(dst device.Ptr, value byte, size int) error {
	if size <= 0 {
		return nil
	}
	return d.call("cuMemsetD8", func() result {
		return cuMemsetD8(uint64(dst), value, uint64(size))
	})
}

func (d *Driver) AllocHost(size int) ([]byte, error) {
	if size <= 0 {
		return nil, device.Errorf("cuMemAllocHost", device.ErrInvalidValue, "size must be > 0, got %d", size)
	}
	var p unsafe.Pointer
	if err := d.call("cuMemAllocHost", func() result {
		return cuMemAllocHost(&p, uint64(size))
	}); err != nil {
		return nil, err
	}
	buf := unsafe.Slice((*byte)(p), size)
	d.mu.Lock()
	d.host[&buf[0]] = p
	d.mu.Unlock()
	return buf, nil
}

func (d *Driver) FreeHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	d.mu.Lock()
	p, ok := d.host[&b[0]]
	delete(d.host, &b[0])
	d.mu.Unlock()
	if !ok {
		return device.Errorf("cuMemFreeHost", device.ErrInvalidValue, "buffer was not allocated with AllocHost")
	}
	return d.call("cuMemFreeHost", func() result {
		return cuMemFreeHost(p)
	})
}

func (d *Driver) NewStream() (device.Stream, error) {
	var h uintptr
	if err := d.call("cuStreamCreate", func() result {
		return cuStreamCreate(&h, streamNonBlocking)
	}); err != nil {
		return nil, err
	}
	return &stream{drv: d, handle: h}, nil
}

func (d *Driver) NewEvent() (device.Event, error) {
	var h uintptr
	if err := d.call("cuEventCreate", func() result {
		return cuEventCreate(&h, eventDisableTiming)
	}); err != nil {
		return nil, err
	}
	return &event{drv: d, handle: h}, nil
}

func (d *Driver) LoadModule(ptx []byte) (device.Module, error) {
	if len(ptx) == 0 {
		return nil, device.Errorf("cuModuleLoadData", device.ErrInvalidValue, "empty PTX")
	}
	image := make([]byte, len(ptx)+1)
	copy(image, ptx)
	var h uintptr
	if err := d.call("cuModuleLoadData", func() result {
		return cuModuleLoadData(&h, unsafe.Pointer(&image[0]))
	}); err != nil {
		return nil, err
	}
	return &module{drv: d, handle: h}, nil
}

// Close frees remaining page-locked host memory and releases the primary
// context.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	host := d.host
	d.host = nil
	d.mu.Unlock()

	var firstErr error
	for _, p := range host {
		if err := d.call("cuMemFreeHost", func() result { return cuMemFreeHost(p) }); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := check("cuDevicePrimaryCtxRelease", cuDevicePrimaryCtxRelease(d.dev)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type stream struct {
	drv    *Driver
	handle uintptr
}

func (s *stream) Launch(fn device.Function, grid, block device.Dim3, sharedMem uint32, params [][]byte) error {
	f, ok := fn.(*function)
	if !ok {
		return device.Errorf("cuLaunchKernel", device.ErrInvalidHandle, "function does not belong to the cuda driver")
	}
	if grid.Empty() || block.Empty() {
		return device.Errorf("cuLaunchKernel", device.ErrInvalidValue, "grid %v and block %v must have no zero dimension", grid, block)
	}

	// cuLaunchKernel reads the parameter values before it returns
	var pinner runtime.Pinner
	defer pinner.Unpin()
	ptrs := make([]unsafe.Pointer, len(params))
	for i, p := range params {
		if len(p) == 0 {
			continue
		}
		pinner.Pin(&p[0])
		ptrs[i] = unsafe.Pointer(&p[0])
	}
	var kernelParams unsafe.Pointer
	if len(ptrs) > 0 {
		pinner.Pin(&ptrs[0])
		kernelParams = unsafe.Pointer(&ptrs[0])
	}

	return s.drv.call("cuLaunchKernel", func() result {
		return cuLaunchKernel(f.handle, grid.X, grid.Y, grid.Z, block.X, block.Y, block.Z, sharedMem, s.handle, kernelParams, nil)
	})
}

func (s *stream) CopyHtoDAsync(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return s.drv.call("cuMemcpyHtoDAsync", func() result {
		return cuMemcpyHtoDAsync(uint64(dst), unsafe.Pointer(&src[0]), uint64(len(src)), s.handle)
	})
}

func (s *stream) CopyDtoHAsync(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return s.drv.call("cuMemcpyDtoHAsync", func() result {
		return cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), uint64(src), uint64(len(dst)), s.handle)
	})
}

func (s *stream) WaitEvent(ev device.Event) error {
	e, ok := ev.(*event)
	if !ok {
		return device.Errorf("cuStreamWaitEvent", device.ErrInvalidHandle, "event does not belong to the cuda driver")
	}
	return s.drv.call("cuStreamWaitEvent", func() result {
		return cuStreamWaitEvent(s.handle, e.handle, 0)
	})
}

// AddCallback records an event and calls fn from a goroutine once the event
// completes. Unlike cuLaunchHostFunc, later stream work does not wait for fn.
func (s *stream) AddCallback(fn func(error)) error {
	ev, err := s.drv.NewEvent()
	if err != nil {
		return err
	}
	if err := ev.Record(s); err != nil {
		_ = ev.Destroy()
		return err
	}
	go func() {
		err := ev.Synchronize()
		if derr := ev.Destroy(); derr != nil {
			s.drv.log.Warn("destroy callback event", "error", derr)
		}
		fn(err)
	}()
	return nil
}

func (s *stream) Synchronize() error {
	return s.drv.call("cuStreamSynchronize", func() result {
		return cuStreamSynchronize(s.handle)
	})
}

func (s *stream) Destroy() error {
	return s.drv.call("cuStreamDestroy", func() result {
		return cuStreamDestroy(s.handle)
	})
}

type event struct {
	drv    *Driver
	handle uintptr
}

func (e *event) Record(st device.Stream) error {
	s, ok := st.(*stream)
	if !ok {
		return device.Errorf("cuEventRecord", device.ErrInvalidHandle, "stream does not belong to the cuda driver")
	}
	return e.drv.call("cuEventRecord", func() result {
		return cuEventRecord(e.handle, s.handle)
	})
}

func (e *event) Query() (bool, error) {
	var r result
	err := e.drv.call("cuEventQuery", func() result {
		r = cuEventQuery(e.handle)
		if r == errorNotReady {
			return success
		}
		return r
	})
	return err == nil && r == success, err
}

func (e *event) Synchronize() error {
	return e.drv.call("cuEventSynchronize", func() result {
		return cuEventSynchronize(e.handle)
	})
}

func (e *event) Destroy() error {
	return e.drv.call("cuEventDestroy", func() result {
		return cuEventDestroy(e.handle)
	})
}

type module struct {
	drv    *Driver
	handle uintptr
}

func (m *module) Function(name string) (device.Function, error) {
	cname := nulTerminated(name)
	var h uintptr
	if err := m.drv.call("cuModuleGetFunction", func() result {
		return cuModuleGetFunction(&h, m.handle, &cname[0])
	}); err != nil {
		return nil, err
	}
	return &function{drv: m.drv, name: name, handle: h}, nil
}

func (m *module) Unload() error {
	return m.drv.call("cuModuleUnload", func() result {
		return cuModuleUnload(m.handle)
	})
}

type function struct {
	drv    *Driver
	name   string
	handle uintptr
}

func (f *function) Name() string {
	return f.name
}

func (f *function) MaxThreadsPerBlock() (int, error) {
	var v int32
	err := f.drv.call("cuFuncGetAttribute", func() result {
		return cuFuncGetAttribute(&v, funcAttrMaxThreadsPerBlock, f.handle)
	})
	return int(v), err
}

func (f *function) SetMaxDynamicSharedMemory(bytes int) error {
	return f.drv.call("cuFuncSetAttribute", func() result {
		return cuFuncSetAttribute(f.handle, funcAttrMaxDynamicSharedMemory, int32(bytes))
	})
}

var (
	_ device.Driver   = (*Driver)(nil)
	_ device.Stream   = (*stream)(nil)
	_ device.Event    = (*event)(nil)
	_ device.Module   = (*module)(nil)
	_ device.Function = (*function)(nil)
)
