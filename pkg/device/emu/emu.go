// Package emu implements device.Driver on the CPU.
//
// Device memory is an arena of Go byte slices addressed through synthetic
// device pointers, streams are ordered goroutine queues and kernels are Go
// functions registered per PTX entry point. A module loaded from PTX
// resolves an entry point only if a kernel was registered for it.
package emu

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"sync"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
)

const (
	// base of the synthetic address space; keeps 0 free as the null pointer
	arenaBase  = 0x7f0000000000
	allocAlign = 256

	defaultMaxThreadsPerBlock = 1024
	defaultSharedMemory       = 48 << 10
	maxSharedMemoryOptIn      = 227 << 10
)

// KernelFunc is the body of an emulated kernel, called once per thread.
type KernelFunc func(t *Thread, args Args)

// Stats counts driver activity.
type Stats struct {
	Allocations   int64
	Frees         int64
	LiveBytes     int64
	PeakBytes     int64
	HostBytes     int64
	Launches      int64
	ModulesLoaded int64
	BytesToDevice int64
	BytesToHost   int64
}

type allocation struct {
	base device.Ptr
	data []byte
}

// Driver is the CPU emulated device.
type Driver struct {
	mu      sync.Mutex
	info    device.Info
	next    uint64
	allocs  map[device.Ptr]*allocation
	bases   []device.Ptr
	host    map[*byte]hostAlloc
	kernels map[string]KernelFunc
	loaded  [][]byte
	limit   int64
	workers int
	stats   Stats
	closed  bool
	log     logger.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithKernel registers fn as the implementation of the PTX entry point name.
func WithKernel(name string, fn KernelFunc) Option {
	return func(d *Driver) {
		d.kernels[name] = fn
	}
}

// WithMemoryLimit caps live device memory in bytes.
func WithMemoryLimit(bytes int64) Option {
	return func(d *Driver) {
		d.limit = bytes
	}
}

// WithWorkers sets the number of goroutines a launch spreads blocks over.
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithLogger sets the driver logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// New creates an emulated device.
func New(opts ...Option) *Driver {
	d := &Driver{
		info: device.Info{
			Ordinal:             0,
			Name:                "cudalend CPU emulator",
			TotalMemory:         4 << 30,
			ComputeMajor:        8,
			ComputeMinor:        0,
			MaxThreadsPerBlock:  defaultMaxThreadsPerBlock,
			MultiprocessorCount: runtime.NumCPU(),
		},
		next:    arenaBase,
		allocs:  make(map[device.Ptr]*allocation),
		host:    make(map[*byte]hostAlloc),
		kernels: make(map[string]KernelFunc),
		workers: runtime.NumCPU(),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limit > 0 {
		d.info.TotalMemory = uint64(d.limit)
	}
	return d
}

// Register adds or replaces a kernel after construction.
func (d *Driver) Register(name string, fn KernelFunc) {
	d.mu.Lock()
	d.kernels[name] = fn
	d.mu.Unlock()
}

func (d *Driver) Name() string {
	return "emu"
}

func (d *Driver) Devices() ([]device.Info, error) {
	return []device.Info{d.info}, nil
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// LoadedPTX returns every PTX text passed to LoadModule, oldest first.
func (d *Driver) LoadedPTX() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.loaded))
	copy(out, d.loaded)
	return out
}

func (d *Driver) Alloc(size int) (device.Ptr, error) {
	if size <= 0 {
		return 0, device.Errorf("emu alloc", device.ErrInvalidValue, "size must be > 0, got %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, device.Errorf("emu alloc", device.ErrInvalidHandle, "driver closed")
	}
	if d.limit > 0 && d.stats.LiveBytes+int64(size) > d.limit {
		return 0, device.Errorf("emu alloc", device.ErrOutOfMemory, "%d bytes requested, %d of %d in use", size, d.stats.LiveBytes, d.limit)
	}

	base := device.Ptr(d.next)
	d.next += uint64(alignUp(size, allocAlign))
	a := &allocation{base: base, data: make([]byte, size)}
	d.allocs[base] = a
	// addresses only grow so appending keeps bases sorted
	d.bases = append(d.bases, base)

	d.stats.Allocations++
	d.stats.LiveBytes += int64(size)
	if d.stats.LiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.LiveBytes
	}
	return base, nil
}

func (d *Driver) Free(p device.Ptr) error {
	if p == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocs[p]
	if !ok {
		return device.Errorf("emu free", device.ErrInvalidValue, "%s is not the base of a live allocation", p)
	}
	delete(d.allocs, p)
	i := sort.Search(len(d.bases), func(i int) bool { return d.bases[i] >= p })
	d.bases = append(d.bases[:i], d.bases[i+1:]...)
	d.stats.Frees++
	d.stats.LiveBytes -= int64(len(a.data))
	return nil
}

// resolve returns the n bytes of device memory starting at p.
func (d *Driver) resolve(op string, p device.Ptr, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolveLocked(op, p, n)
}

func (d *Driver) resolveLocked(op string, p device.Ptr, n int) ([]byte, error) {
	if p == 0 {
		return nil, device.Errorf(op, device.ErrInvalidValue, "null device pointer")
	}
	i := sort.Search(len(d.bases), func(i int) bool { return d.bases[i] > p }) - 1
	if i < 0 {
		return nil, device.Errorf(op, device.ErrInvalidValue, "%s is not device memory", p)
	}
	a := d.allocs[d.bases[i]]
	off := uint64(p - a.base)
	if off+uint64(n) > uint64(len(a.data)) {
		return nil, device.Errorf(op, device.ErrInvalidValue, "%d bytes at %s exceed allocation of %d bytes at %s", n, p, len(a.data), a.base)
	}
	return a.data[off : off+uint64(n) : off+uint64(n)], nil
}

func (d *Driver) CopyHtoD(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	mem, err := d.resolve("emu memcpy htod", dst, len(src))
	if err != nil {
		return err
	}
	copy(mem, src)
	d.count(func(s *Stats) { s.BytesToDevice += int64(len(src)) })
	return nil
}

func (d *Driver) CopyDtoH(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	mem, err := d.resolve("emu memcpy dtoh", src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, mem)
	d.count(func(s *Stats) { s.BytesToHost += int64(len(dst)) })
	return nil
}

func (d *Driver) CopyDtoD(dst, src device.Ptr, size int) error {
	if size <= 0 {
		return nil
	}
	from, err := d.resolve("emu memcpy dtod", src, size)
	if err != nil {
		return err
	}
	to, err := d.resolve("emu memcpy dtod", dst, size)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (d *Driver) Memset(dst device.Ptr, value byte, size int) error {
	if size <= 0 {
		return nil
	}
	mem, err := d.resolve("emu memset", dst, size)
	if err != nil {
		return err
	}
	for i := range mem {
		mem[i] = value
	}
	return nil
}

func (d *Driver) AllocHost(size int) ([]byte, error) {
	if size <= 0 {
		return nil, device.Errorf("emu alloc host", device.ErrInvalidValue, "size must be > 0, got %d", size)
	}
	h, err := allocHost(size)
	if err != nil {
		return nil, &device.Error{Op: "emu alloc host", Err: fmt.Errorf("%w: %v", device.ErrOutOfMemory, err)}
	}
	if !h.locked {
		d.log.Debug("host memory is not page-locked", "bytes", size)
	}
	d.mu.Lock()
	d.host[&h.buf[0]] = h
	d.stats.HostBytes += int64(size)
	d.mu.Unlock()
	return h.buf, nil
}

func (d *Driver) FreeHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	d.mu.Lock()
	h, ok := d.host[&b[0]]
	if ok {
		delete(d.host, &b[0])
		d.stats.HostBytes -= int64(len(h.buf))
	}
	d.mu.Unlock()
	if !ok {
		return device.Errorf("emu free host", device.ErrInvalidValue, "buffer was not allocated with AllocHost")
	}
	return freeHost(h)
}

func (d *Driver) NewStream() (device.Stream, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, device.Errorf("emu stream create", device.ErrInvalidHandle, "driver closed")
	}
	return newStream(d), nil
}

func (d *Driver) NewEvent() (device.Event, error) {
	return &event{}, nil
}

var entryRegexp = regexp.MustCompile(`\.entry\s+([A-Za-z_$%][\w$]*)`)

func (d *Driver) LoadModule(ptx []byte) (device.Module, error) {
	if len(ptx) == 0 {
		return nil, device.Errorf("emu module load", device.ErrInvalidValue, "empty PTX")
	}
	entries := make(map[string]struct{})
	for _, m := range entryRegexp.FindAllSubmatch(ptx, -1) {
		entries[string(m[1])] = struct{}{}
	}
	if len(entries) == 0 {
		return nil, device.Errorf("emu module load", device.ErrInvalidValue, "PTX declares no .entry")
	}

	src := make([]byte, len(ptx))
	copy(src, ptx)

	d.mu.Lock()
	d.loaded = append(d.loaded, src)
	d.stats.ModulesLoaded++
	d.mu.Unlock()

	return &module{drv: d, entries: entries}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if live := len(d.allocs); live > 0 {
		d.log.Warn("device allocations still live at close", "count", live, "bytes", d.stats.LiveBytes)
	}
	var firstErr error
	for key, h := range d.host {
		if err := freeHost(h); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.host, key)
	}
	return firstErr
}

func (d *Driver) count(fn func(*Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Driver) kernel(name string) (KernelFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.kernels[name]
	return fn, ok
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

var _ device.Driver = (*Driver)(nil)
