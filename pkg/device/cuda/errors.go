package cuda

import (
	"fmt"

	"github.com/samcharles93/cudalend/pkg/device"
)

func (r result) name() string {
	if cuGetErrorName != nil {
		var p *byte
		if cuGetErrorName(r, &p) == success && p != nil {
			return cString(p)
		}
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

func (r result) sentinel() error {
	switch r {
	case errorInvalidValue, errorInvalidPTX:
		return device.ErrInvalidValue
	case errorOutOfMemory:
		return device.ErrOutOfMemory
	case errorNoDevice, errorInvalidDevice, errorNotInitialized:
		return device.ErrNoDevice
	case errorInvalidContext, errorInvalidHandle, errorContextIsDestroyed:
		return device.ErrInvalidHandle
	case errorAlreadyAcquired:
		return device.ErrAlreadyAcquired
	case errorNotFound:
		return device.ErrNotFound
	case errorNotReady:
		return device.ErrNotReady
	case errorLaunchOutOfRes:
		return device.ErrLaunchOutOfResources
	case errorLaunchFailed, errorIllegalAddress:
		return device.ErrLaunchFailed
	default:
		return nil
	}
}

// check converts a driver status into a *device.Error.
func check(op string, r result) error {
	if r == success {
		return nil
	}
	err := &device.Error{Op: op, Code: int(r)}
	if s := r.sentinel(); s != nil {
		err.Err = fmt.Errorf("%w: %s", s, r.name())
	} else {
		err.Err = fmt.Errorf("%s", r.name())
	}
	return err
}
