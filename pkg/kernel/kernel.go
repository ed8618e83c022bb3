// Package kernel launches PTX kernels with typed parameters: values copied
// by value or by reference, lent values, dynamic shared memory and
// parameters exposed to PTX specialisation.
package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
	"github.com/samcharles93/cudalend/pkg/ptxjit"
	"github.com/samcharles93/cudalend/pkg/safety"
)

var (
	// ErrSignatureMismatch is returned when the parameters passed to a
	// launch do not match the layouts declared in the kernel's PTX.
	ErrSignatureMismatch = safety.ErrSignatureMismatch
	// ErrLaunchOutOfResources is returned when a launch asks for more
	// dynamic shared memory than can be expressed.
	ErrLaunchOutOfResources = device.ErrLaunchOutOfResources
)

// Source is compiled kernel PTX and the name of its entry point.
type Source struct {
	PTX        []byte
	EntryPoint string
}

// LaunchConfig is the launch geometry. PtxJIT specialises the PTX to the
// parameters wrapped with PtxJit.
type LaunchConfig struct {
	Grid   device.Dim3
	Block  device.Dim3
	PtxJIT bool
}

// Stats counts kernel activity.
type Stats struct {
	Compilations int64 `json:"compilations"`
	CacheHits    int64 `json:"cache_hits"`
	Launches     int64 `json:"launches"`
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithConfigure runs fn on every newly loaded function, for example to
// raise its dynamic shared memory limit.
func WithConfigure(fn func(device.Function) error) Option {
	return func(k *Kernel) {
		k.configure = fn
	}
}

func WithLogger(log logger.Logger) Option {
	return func(k *Kernel) {
		if log != nil {
			k.log = log
		}
	}
}

type loaded struct {
	raw      *RawKernel
	ptx      []byte
	inflight int
	retired  bool
}

// Kernel is a typed kernel. It loads its PTX on first launch and again
// whenever PTX specialisation produces new code. It is safe for concurrent
// use.
type Kernel struct {
	drv       device.Driver
	src       Source
	compiler  *ptxjit.Compiler
	signature safety.Signature
	configure func(device.Function) error
	log       logger.Logger

	mu      sync.Mutex
	current *loaded
	retired map[*loaded]struct{}
	stats   Stats
	closed  bool
}

// New prepares src for launching. The PTX is not loaded until the first
// launch.
func New(drv device.Driver, src Source, opts ...Option) (*Kernel, error) {
	if len(src.PTX) == 0 {
		return nil, fmt.Errorf("%w: empty PTX", device.ErrInvalidValue)
	}
	if src.EntryPoint == "" {
		return nil, fmt.Errorf("%w: empty entry point", device.ErrInvalidValue)
	}
	sig, err := safety.ParseSignature(src.PTX)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		drv:       drv,
		src:       src,
		compiler:  ptxjit.New(src.PTX),
		signature: sig,
		log:       logger.Discard(),
		retired:   make(map[*loaded]struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *Kernel) EntryPoint() string {
	return k.src.EntryPoint
}

func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stats
}

// compileLocked returns the kernel for jitArgs, loading it if the PTX
// differs from the loaded one or nothing is loaded yet. The compiler cache
// alone is not trusted: a failed load leaves it ahead of the current kernel.
func (k *Kernel) compileLocked(jitArgs [][]byte) (*loaded, error) {
	res := k.compiler.WithArguments(jitArgs)
	if k.current != nil && bytes.Equal(k.current.ptx, res.PTX) {
		k.stats.CacheHits++
		return k.current, nil
	}

	raw, err := NewRawKernel(k.drv, res.PTX, k.src.EntryPoint)
	if err != nil {
		return nil, err
	}
	if k.configure != nil {
		if err := k.configure(raw.Function()); err != nil {
			return nil, errors.Join(fmt.Errorf("configure %s: %w", k.src.EntryPoint, err), raw.Close())
		}
	}
	k.stats.Compilations++
	k.log.Debug("kernel loaded", "entry_point", k.src.EntryPoint, "specialised", jitArgs != nil, "ptx_bytes", len(res.PTX))

	if prev := k.current; prev != nil {
		prev.retired = true
		if prev.inflight == 0 {
			k.closeLoaded(prev)
		} else {
			k.retired[prev] = struct{}{}
		}
	}
	k.current = &loaded{raw: raw, ptx: res.PTX}
	return k.current, nil
}

func (k *Kernel) closeLoaded(l *loaded) {
	if err := l.raw.Close(); err != nil {
		k.log.Warn("unload kernel module", "entry_point", k.src.EntryPoint, "error", err)
	}
}

// release ends one launch on l. Retired kernels are unloaded after their
// last launch.
func (k *Kernel) release(l *loaded) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.inflight--
	if l.retired && l.inflight == 0 {
		delete(k.retired, l)
		k.closeLoaded(l)
	}
}

func finishAll(params []*prepared) error {
	var errs []error
	for _, p := range params {
		errs = append(errs, p.done())
	}
	return errors.Join(errs...)
}

// abort cleans up after a failed submission. The stream is drained first
// so no queued copy touches freed memory.
func abort(s device.Stream, params []*prepared, cause error) error {
	return host.FirstError(cause, s.Synchronize(), finishAll(params))
}

// LaunchAsync submits the kernel to s. Borrowed parameters are restored
// and freed when the returned value is synchronised, which must happen
// exactly once.
func (k *Kernel) LaunchAsync(s device.Stream, cfg LaunchConfig, params ...Param) (*host.Async[struct{}], error) {
	pps := make([]*prepared, 0, len(params))
	for i, p := range params {
		pp, err := p.prepare(k.drv, s)
		if err != nil {
			return nil, abort(s, pps, fmt.Errorf("parameter %d: %w", i, err))
		}
		pps = append(pps, pp)
	}

	var shared sharedLayout
	layouts := make([]safety.Layout, len(pps))
	ffi := make([][]byte, len(pps))
	for i, pp := range pps {
		if pp.place != nil {
			offset, err := shared.add(pp.shared)
			if err != nil {
				return nil, abort(s, pps, err)
			}
			pp.ffi = pp.place(offset)
		}
		layouts[i] = pp.layout
		ffi[i] = pp.ffi
	}
	sharedBytes, err := shared.bytes()
	if err != nil {
		return nil, abort(s, pps, err)
	}
	if err := k.signature.Check(layouts); err != nil {
		return nil, abort(s, pps, fmt.Errorf("%s: %w", k.src.EntryPoint, err))
	}

	var jitArgs [][]byte
	if cfg.PtxJIT {
		jitArgs = make([][]byte, len(pps))
		for i, pp := range pps {
			if pp.jit {
				jitArgs[i] = pp.hostBytes
			}
		}
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, abort(s, pps, fmt.Errorf("%w: kernel closed", device.ErrInvalidHandle))
	}
	l, err := k.compileLocked(jitArgs)
	if err == nil {
		err = s.Launch(l.raw.Function(), cfg.Grid, cfg.Block, sharedBytes, ffi)
	}
	if err != nil {
		k.mu.Unlock()
		return nil, abort(s, pps, fmt.Errorf("launch %s: %w", k.src.EntryPoint, err))
	}
	l.inflight++
	k.stats.Launches++
	k.mu.Unlock()

	complete := func(v struct{}) (struct{}, error) {
		defer k.release(l)
		return v, finishAll(pps)
	}
	a, err := host.Pending(k.drv, struct{}{}, s, complete)
	if err != nil {
		syncErr := s.Synchronize()
		_, finishErr := complete(struct{}{})
		return nil, host.FirstError(err, syncErr, finishErr)
	}
	return a, nil
}

// Launch runs the kernel on s and waits for it. ctx is checked before
// submission; once submitted the launch is always waited for so that
// mutable borrows are restored.
func (k *Kernel) Launch(ctx context.Context, s device.Stream, cfg LaunchConfig, params ...Param) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := k.LaunchAsync(s, cfg, params...)
	if err != nil {
		return err
	}
	// launch failures surface on the stream, cleanup errors on the value
	syncErr := s.Synchronize()
	_, err = a.Synchronize()
	return host.FirstError(syncErr, err)
}

// Close unloads every module the kernel loaded. Launches still pending
// must be synchronised first.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	var errs []error
	if k.current != nil {
		errs = append(errs, k.current.raw.Close())
		k.current = nil
	}
	for l := range k.retired {
		errs = append(errs, l.raw.Close())
	}
	clear(k.retired)
	return errors.Join(errs...)
}
