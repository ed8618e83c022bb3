package emu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/samcharles93/cudalend/pkg/device"
)

// Thread identifies one emulated device thread and gives it access to
// device memory and the dynamic shared memory of its block.
//
// Threads of a block run sequentially, so kernels that rely on a block-wide
// barrier between phases are not supported.
type Thread struct {
	BlockIdx  device.Dim3
	ThreadIdx device.Dim3
	BlockDim  device.Dim3
	GridDim   device.Dim3

	drv    *Driver
	shared []byte
}

// GlobalX is blockIdx.x*blockDim.x + threadIdx.x.
func (t *Thread) GlobalX() uint64 {
	return uint64(t.BlockIdx.X)*uint64(t.BlockDim.X) + uint64(t.ThreadIdx.X)
}

// GlobalY is blockIdx.y*blockDim.y + threadIdx.y.
func (t *Thread) GlobalY() uint64 {
	return uint64(t.BlockIdx.Y)*uint64(t.BlockDim.Y) + uint64(t.ThreadIdx.Y)
}

// Index is the thread's linear index across the whole launch: the linear
// block index times the block size plus the linear index within the block.
func (t *Thread) Index() uint64 {
	block := uint64(t.BlockIdx.X) + uint64(t.BlockIdx.Y)*uint64(t.GridDim.X) +
		uint64(t.BlockIdx.Z)*uint64(t.GridDim.X)*uint64(t.GridDim.Y)
	thread := uint64(t.ThreadIdx.X) + uint64(t.ThreadIdx.Y)*uint64(t.BlockDim.X) +
		uint64(t.ThreadIdx.Z)*uint64(t.BlockDim.X)*uint64(t.BlockDim.Y)
	return block*t.BlockDim.Size() + thread
}

// Shared returns the block's dynamic shared memory.
func (t *Thread) Shared() []byte {
	return t.shared
}

// Memory returns n bytes of device memory at p. An invalid access panics,
// which fails the launch.
func (t *Thread) Memory(p device.Ptr, n int) []byte {
	b, err := t.drv.resolve("emu kernel access", p, n)
	if err != nil {
		panic(err)
	}
	return b
}

// Slice views n elements of T in device memory starting at p.
func Slice[T any](t *Thread, p device.Ptr, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	b := t.Memory(p, n*int(unsafe.Sizeof(zero)))
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// Chunk views the calling thread's share of a slice of n elements at p
// split into runs of stride elements: elements [i*stride, min(n, i*stride+stride))
// where i is t.Index(). Threads past the end get an empty chunk.
func Chunk[T any](t *Thread, p device.Ptr, n, stride uint64) []T {
	off := t.Index() * stride
	if stride == 0 || off >= n {
		return nil
	}
	end := min(n, off+stride)
	var zero T
	return Slice[T](t, p.Add(off*uint64(unsafe.Sizeof(zero))), int(end-off))
}

// Load reads one T from device memory.
func Load[T any](t *Thread, p device.Ptr) T {
	return Slice[T](t, p, 1)[0]
}

// Store writes one T to device memory.
func Store[T any](t *Thread, p device.Ptr, v T) {
	Slice[T](t, p, 1)[0] = v
}

// SharedSlice views n elements of T in shared memory at byte offset off.
func SharedSlice[T any](t *Thread, off uint64, n int) []T {
	var zero T
	end := off + uint64(n)*uint64(unsafe.Sizeof(zero))
	if end > uint64(len(t.shared)) {
		panic(fmt.Sprintf("shared memory access [%d, %d) outside %d bytes", off, end, len(t.shared)))
	}
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.shared[off])), n)
}

// Args are the raw kernel parameters as passed to Launch.
type Args [][]byte

// Bytes returns parameter i.
func (a Args) Bytes(i int) []byte {
	if i < 0 || i >= len(a) {
		panic(fmt.Sprintf("kernel parameter %d out of range (%d parameters)", i, len(a)))
	}
	return a[i]
}

// Ptr decodes parameter i as a device pointer.
func (a Args) Ptr(i int) device.Ptr {
	return device.Ptr(a.Uint64(i))
}

func (a Args) Uint64(i int) uint64 {
	return binary.LittleEndian.Uint64(a.sized(i, 8))
}

func (a Args) Uint32(i int) uint32 {
	return binary.LittleEndian.Uint32(a.sized(i, 4))
}

func (a Args) Float32(i int) float32 {
	return math.Float32frombits(a.Uint32(i))
}

func (a Args) Float64(i int) float64 {
	return math.Float64frombits(a.Uint64(i))
}

func (a Args) sized(i, n int) []byte {
	b := a.Bytes(i)
	if len(b) < n {
		panic(fmt.Sprintf("kernel parameter %d has %d bytes, need %d", i, len(b), n))
	}
	return b
}

// Arg decodes parameter i as a T by bit copy.
func Arg[T any](a Args, i int) T {
	var v T
	size := int(unsafe.Sizeof(v))
	b := a.sized(i, size)
	if size > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), b)
	}
	return v
}

func (d *Driver) execute(f *function, grid, block device.Dim3, sharedMem uint32, args Args) error {
	if f.unloaded() {
		return device.Errorf("emu launch", device.ErrInvalidHandle, "module of %q unloaded", f.name)
	}
	d.count(func(s *Stats) { s.Launches++ })

	gridSize := int(grid.Size())
	blockSize := int(block.Size())
	workers := d.workers
	if gridSize < workers {
		workers = gridSize
	}
	blocksPerWorker := (gridSize + workers - 1) / workers

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for w := 0; w < workers; w++ {
		start := w * blocksPerWorker
		end := min(start+blocksPerWorker, gridSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = launchError(f.name, rec)
					}
					errMu.Unlock()
				}
			}()
			for b := start; b < end; b++ {
				t := Thread{
					BlockIdx: linearTo3D(b, grid),
					BlockDim: block,
					GridDim:  grid,
					drv:      d,
					shared:   make([]byte, sharedMem),
				}
				for i := 0; i < blockSize; i++ {
					t.ThreadIdx = linearTo3D(i, block)
					f.body(&t, args)
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func launchError(kernel string, rec any) error {
	if err, ok := rec.(error); ok {
		return &device.Error{Op: "emu launch " + kernel, Err: fmt.Errorf("%w: %w", device.ErrLaunchFailed, err)}
	}
	return device.Errorf("emu launch "+kernel, device.ErrLaunchFailed, "%v", rec)
}

func linearTo3D(i int, d device.Dim3) device.Dim3 {
	x := uint32(i) % d.X
	y := (uint32(i) / d.X) % d.Y
	z := uint32(i) / (d.X * d.Y)
	return device.Dim3{X: x, Y: y, Z: z}
}
