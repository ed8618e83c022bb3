//go:build unix

package emu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type hostAlloc struct {
	buf    []byte
	locked bool
	mapped bool
}

// allocHost maps anonymous memory and tries to lock it into RAM. A failed
// mlock (RLIMIT_MEMLOCK) leaves the mapping usable but unlocked.
func allocHost(size int) (hostAlloc, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return hostAlloc{}, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	h := hostAlloc{buf: buf, mapped: true}
	if err := unix.Mlock(buf); err == nil {
		h.locked = true
	}
	return h, nil
}

func freeHost(h hostAlloc) error {
	if !h.mapped {
		return nil
	}
	if h.locked {
		if err := unix.Munlock(h.buf); err != nil {
			return fmt.Errorf("munlock: %w", err)
		}
	}
	if err := unix.Munmap(h.buf); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
