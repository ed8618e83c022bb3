package kernel

import (
	"context"

	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
)

// Launcher binds a kernel to a stream and configuration.
type Launcher struct {
	Stream device.Stream
	Kernel *Kernel
	Config LaunchConfig
}

func (l Launcher) Launch(ctx context.Context, params ...Param) error {
	return l.Kernel.Launch(ctx, l.Stream, l.Config, params...)
}

func (l Launcher) LaunchAsync(params ...Param) (*host.Async[struct{}], error) {
	return l.Kernel.LaunchAsync(l.Stream, l.Config, params...)
}
