package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/device/cuda"
	"github.com/samcharles93/cudalend/pkg/device/emu"
)

const (
	Emu  = "emu"
	CUDA = "cuda"
	Auto = "auto"
)

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Emu, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, emu, or cuda)", backend)
	}
}

type options struct {
	ordinal     int
	memoryLimit int64
	workers     int
	kernels     map[string]emu.KernelFunc
	log         logger.Logger
}

type Option func(*options)

// WithOrdinal selects the CUDA device.
func WithOrdinal(ordinal int) Option {
	return func(o *options) { o.ordinal = ordinal }
}

// WithMemoryLimit caps emulated device memory.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithEmuKernels registers host implementations of PTX entry points on the
// emulated device. CUDA ignores them.
func WithEmuKernels(kernels map[string]emu.KernelFunc) Option {
	return func(o *options) {
		for name, fn := range kernels {
			o.kernels[name] = fn
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Resolve maps auto to the backend Open would pick.
func Resolve(name string) (string, error) {
	backend, err := Normalize(name)
	if err != nil {
		return "", err
	}
	if backend == Auto {
		if Has(CUDA) {
			return CUDA, nil
		}
		return Emu, nil
	}
	return backend, nil
}

// Open returns a driver for the named backend.
func Open(name string, opts ...Option) (device.Driver, error) {
	o := options{kernels: make(map[string]emu.KernelFunc), log: logger.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	backend, err := Resolve(name)
	if err != nil {
		return nil, err
	}
	o.log.Debug("opening backend", "requested", name, "backend", backend)

	switch backend {
	case CUDA:
		drv, err := cuda.Open(o.ordinal, cuda.WithLogger(o.log))
		if err != nil {
			return nil, fmt.Errorf("open cuda device %d: %w", o.ordinal, err)
		}
		return drv, nil
	default:
		emuOpts := []emu.Option{emu.WithLogger(o.log)}
		if o.memoryLimit > 0 {
			emuOpts = append(emuOpts, emu.WithMemoryLimit(o.memoryLimit))
		}
		if o.workers > 0 {
			emuOpts = append(emuOpts, emu.WithWorkers(o.workers))
		}
		for name, fn := range o.kernels {
			emuOpts = append(emuOpts, emu.WithKernel(name, fn))
		}
		return emu.New(emuOpts...), nil
	}
}
