//go:build !unix

package emu

type hostAlloc struct {
	buf    []byte
	locked bool
}

func allocHost(size int) (hostAlloc, error) {
	return hostAlloc{buf: make([]byte, size)}, nil
}

func freeHost(hostAlloc) error {
	return nil
}
