// Package device defines the driver abstraction the lending layer runs on.
//
// A Driver owns device memory, page-locked host memory, streams, events and
// loaded PTX modules. Two implementations ship with cudalend: the CUDA
// driver API (package device/cuda) and a CPU emulation (package device/emu)
// used when no GPU is present.
package device

import "fmt"

// Ptr is a device address. The zero Ptr is the null device pointer.
type Ptr uint64

// Add returns p offset by n bytes.
func (p Ptr) Add(n uint64) Ptr {
	return p + Ptr(n)
}

func (p Ptr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Dim3 matches CUDA's dim3 for grid and block sizes. Zero components are
// treated as 1.
type Dim3 struct {
	X, Y, Z uint32
}

// D1 returns a one-dimensional Dim3.
func D1(x uint32) Dim3 {
	return Dim3{X: x, Y: 1, Z: 1}
}

// Empty reports whether any component of d is zero. Launches reject
// empty grids and blocks.
func (d Dim3) Empty() bool {
	return d.X == 0 || d.Y == 0 || d.Z == 0
}

// Normalize replaces zero components with 1.
func (d Dim3) Normalize() Dim3 {
	if d.X == 0 {
		d.X = 1
	}
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// Size is the total number of elements described by d.
func (d Dim3) Size() uint64 {
	n := d.Normalize()
	return uint64(n.X) * uint64(n.Y) * uint64(n.Z)
}

// Info describes one device.
type Info struct {
	Ordinal             int    `json:"ordinal" yaml:"ordinal"`
	Name                string `json:"name" yaml:"name"`
	TotalMemory         uint64 `json:"total_memory" yaml:"total_memory"`
	ComputeMajor        int    `json:"compute_major" yaml:"compute_major"`
	ComputeMinor        int    `json:"compute_minor" yaml:"compute_minor"`
	MaxThreadsPerBlock  int    `json:"max_threads_per_block" yaml:"max_threads_per_block"`
	MultiprocessorCount int    `json:"multiprocessor_count" yaml:"multiprocessor_count"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s (sm_%d%d, %d SMs, %d MiB, %d threads/block)",
		i.Name, i.ComputeMajor, i.ComputeMinor, i.MultiprocessorCount, i.TotalMemory>>20, i.MaxThreadsPerBlock)
}

// Driver is the host side of a device context.
type Driver interface {
	Name() string
	Devices() ([]Info, error)

	Alloc(size int) (Ptr, error)
	Free(p Ptr) error
	CopyHtoD(dst Ptr, src []byte) error
	CopyDtoH(dst []byte, src Ptr) error
	CopyDtoD(dst, src Ptr, size int) error
	Memset(dst Ptr, value byte, size int) error

	// AllocHost returns page-locked host memory suitable for async copies.
	AllocHost(size int) ([]byte, error)
	FreeHost(b []byte) error

	NewStream() (Stream, error)
	NewEvent() (Event, error)
	LoadModule(ptx []byte) (Module, error)

	Close() error
}

// Stream is an ordered queue of device work.
type Stream interface {
	Launch(fn Function, grid, block Dim3, sharedMem uint32, params [][]byte) error
	CopyHtoDAsync(dst Ptr, src []byte) error
	CopyDtoHAsync(dst []byte, src Ptr) error
	// WaitEvent makes all future work on the stream wait for ev.
	WaitEvent(ev Event) error
	// AddCallback runs fn on the host once all prior work has completed.
	AddCallback(fn func(error)) error
	Synchronize() error
	Destroy() error
}

// Event marks a point in a stream.
type Event interface {
	Record(s Stream) error
	// Query reports whether all work captured by the last Record is done.
	Query() (bool, error)
	Synchronize() error
	Destroy() error
}

// Module is a loaded PTX module.
type Module interface {
	Function(name string) (Function, error)
	Unload() error
}

// Function is a kernel entry point within a Module.
type Function interface {
	Name() string
	MaxThreadsPerBlock() (int, error)
	SetMaxDynamicSharedMemory(bytes int) error
}
