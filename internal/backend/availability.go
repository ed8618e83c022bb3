package backend

import (
	"strings"

	"github.com/samcharles93/cudalend/pkg/device/cuda"
)

// Has reports whether the named backend can be opened on this machine.
func Has(name string) bool {
	switch name {
	case CUDA:
		return cuda.Available()
	default:
		return name == Emu
	}
}

// Available returns a comma-separated list of available backends.
func Available() string {
	entries := []string{Emu}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}
