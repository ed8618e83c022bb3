package kernel

import (
	"errors"
	"fmt"

	"github.com/samcharles93/cudalend/pkg/device"
)

// RawKernel is a loaded module and one of its functions.
type RawKernel struct {
	module   device.Module
	function device.Function
}

// NewRawKernel loads ptx and looks up entryPoint. The module is unloaded
// again when the entry point is missing.
func NewRawKernel(drv device.Driver, ptx []byte, entryPoint string) (*RawKernel, error) {
	mod, err := drv.LoadModule(ptx)
	if err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}
	fn, err := mod.Function(entryPoint)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("get function %q: %w", entryPoint, err), mod.Unload())
	}
	return &RawKernel{module: mod, function: fn}, nil
}

func (k *RawKernel) Function() device.Function {
	return k.function
}

// Close unloads the module. Later calls are no-ops.
func (k *RawKernel) Close() error {
	if k.module == nil {
		return nil
	}
	mod := k.module
	k.module, k.function = nil, nil
	return mod.Unload()
}
