package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cudalend/internal/backend"
	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/device/emu"
	"github.com/samcharles93/cudalend/pkg/exchange"
	"github.com/samcharles93/cudalend/pkg/kernel"
	"github.com/samcharles93/cudalend/pkg/lend"
)

// vectorAddPTX computes out[i] = a[i] + b[i]. Each parameter points to a
// {data, len} slice descriptor in device memory.
const vectorAddPTX = `
.version 7.0
.target sm_52
.address_size 64

.visible .entry vector_add(
	.param .u64 a,
	.param .u64 b,
	.param .u64 out
)
{
	.reg .pred 	%p<2>;
	.reg .f32 	%f<4>;
	.reg .b32 	%r<5>;
	.reg .b64 	%rd<19>;

	ld.param.u64 	%rd1, [a];
	ld.param.u64 	%rd2, [b];
	ld.param.u64 	%rd3, [out];
	cvta.to.global.u64 	%rd4, %rd1;
	cvta.to.global.u64 	%rd5, %rd2;
	cvta.to.global.u64 	%rd6, %rd3;
	ld.global.u64 	%rd7, [%rd6+8];
	mov.u32 	%r1, %ctaid.x;
	mov.u32 	%r2, %ntid.x;
	mov.u32 	%r3, %tid.x;
	mad.lo.s32 	%r4, %r1, %r2, %r3;
	cvt.u64.u32 	%rd8, %r4;
	setp.ge.u64 	%p1, %rd8, %rd7;
	@%p1 bra 	$L__done;
	shl.b64 	%rd9, %rd8, 2;
	ld.global.u64 	%rd10, [%rd4];
	cvta.to.global.u64 	%rd11, %rd10;
	add.s64 	%rd12, %rd11, %rd9;
	ld.global.f32 	%f1, [%rd12];
	ld.global.u64 	%rd13, [%rd5];
	cvta.to.global.u64 	%rd14, %rd13;
	add.s64 	%rd15, %rd14, %rd9;
	ld.global.f32 	%f2, [%rd15];
	add.f32 	%f3, %f1, %f2;
	ld.global.u64 	%rd16, [%rd6];
	cvta.to.global.u64 	%rd17, %rd16;
	add.s64 	%rd18, %rd17, %rd9;
	st.global.f32 	[%rd18], %f3;
$L__done:
	ret;
}
`

// vectorAdd is the emulated device implementation of vector_add.
func vectorAdd(t *emu.Thread, args emu.Args) {
	a := emu.Load[lend.SliceRepr](t, args.Ptr(0))
	b := emu.Load[lend.SliceRepr](t, args.Ptr(1))
	out := emu.Load[lend.SliceRepr](t, args.Ptr(2))
	i := t.GlobalX()
	if i >= out.Len {
		return
	}
	sum := emu.Slice[float32](t, a.Data, int(a.Len))[i] + emu.Slice[float32](t, b.Data, int(b.Len))[i]
	emu.Slice[float32](t, out.Data, int(out.Len))[i] = sum
}

var demoKernels = map[string]emu.KernelFunc{"vector_add": vectorAdd}

func demoCmd() *cli.Command {
	var n int64
	return &cli.Command{
		Name:  "demo",
		Usage: "Run vector add with lent slices and an exchange buffer",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "n",
				Usage:       "number of elements",
				Value:       1024,
				Destination: &n,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			if n <= 0 || n > 1<<24 {
				return fmt.Errorf("--n must be in [1, %d], got %d", 1<<24, n)
			}
			drv, err := openDriver(ctx, backend.WithEmuKernels(demoKernels))
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, drv.Close()) }()
			return runDemo(ctx, drv, int(n))
		},
	}
}

func runDemo(ctx context.Context, drv device.Driver, n int) (err error) {
	log := logger.FromContext(ctx)

	s, err := drv.NewStream()
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	defer func() { err = errors.Join(err, s.Destroy()) }()

	k, err := kernel.New(drv, kernel.Source{PTX: []byte(vectorAddPTX), EntryPoint: "vector_add"}, kernel.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, k.Close()) }()

	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i] = float32(i)
		b[i] = float32(2 * i)
	}
	cfg := kernel.LaunchConfig{Grid: device.D1(uint32(n+255) / 256), Block: device.D1(256)}

	out := make([]float32, n)
	err = k.Launch(ctx, s, cfg,
		kernel.DeepBorrow[lend.SliceRepr](lend.SliceOf(a)),
		kernel.DeepBorrow[lend.SliceRepr](lend.SliceOf(b)),
		kernel.DeepBorrowMut[lend.SliceRepr](lend.SliceOf(out)),
	)
	if err != nil {
		return fmt.Errorf("vector add on slices: %w", err)
	}
	if err := checkSums(n, func(i int) (float32, error) { return out[i], nil }); err != nil {
		return fmt.Errorf("vector add on slices: %w", err)
	}
	log.Info("vector add on lent slices", "elements", n, "backend", drv.Name())

	buf, err := exchange.New(drv, float32(0), n, exchange.ToHost)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, buf.Close()) }()

	launcher := kernel.Launcher{Stream: s, Kernel: k, Config: cfg}
	pending, err := launcher.LaunchAsync(
		kernel.DeepBorrow[lend.SliceRepr](lend.SliceOf(a)),
		kernel.DeepBorrow[lend.SliceRepr](lend.SliceOf(b)),
		kernel.DeepBorrowMut[exchange.BufferRepr](buf),
	)
	if err != nil {
		return fmt.Errorf("vector add into exchange buffer: %w", err)
	}
	syncErr := s.Synchronize()
	if _, err := pending.Synchronize(); err != nil || syncErr != nil {
		return fmt.Errorf("vector add into exchange buffer: %w", errors.Join(syncErr, err))
	}
	if err := checkSums(n, buf.Read); err != nil {
		return fmt.Errorf("vector add into exchange buffer: %w", err)
	}
	stats := k.Stats()
	log.Info("vector add into exchange buffer", "elements", n, "direction", buf.Direction(),
		"compilations", stats.Compilations, "launches", stats.Launches)
	fmt.Printf("ok: %d elements, %d launches on %s\n", n, stats.Launches, drv.Name())
	return nil
}

func checkSums(n int, at func(int) (float32, error)) error {
	for i := 0; i < n; i++ {
		got, err := at(i)
		if err != nil {
			return err
		}
		if want := float32(3 * i); got != want {
			return fmt.Errorf("element %d = %v, want %v", i, got, want)
		}
	}
	return nil
}
