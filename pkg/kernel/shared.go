package kernel

import (
	"fmt"
	"math"

	"github.com/samcharles93/cudalend/pkg/device"
)

type sharedRequest struct {
	size  uint64
	align uint64
}

// sharedLayout lays out the dynamic shared memory requests of one launch
// back to back, each at its own alignment.
type sharedLayout struct {
	total uint64
}

// add reserves r and returns its offset.
func (l *sharedLayout) add(r sharedRequest) (uint64, error) {
	align := max(r.align, 1)
	offset := (l.total + align - 1) / align * align
	if offset < l.total || offset+r.size < offset {
		return 0, fmt.Errorf("%w: dynamic shared memory size overflows", device.ErrLaunchOutOfResources)
	}
	l.total = offset + r.size
	return offset, nil
}

// bytes is the total size to launch with.
func (l *sharedLayout) bytes() (uint32, error) {
	if l.total > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes of dynamic shared memory", device.ErrLaunchOutOfResources, l.total)
	}
	return uint32(l.total), nil
}
