package emu

import (
	"sync"

	"github.com/samcharles93/cudalend/pkg/device"
)

type module struct {
	drv     *Driver
	entries map[string]struct{}

	mu       sync.Mutex
	unloaded bool
}

func (m *module) Function(name string) (device.Function, error) {
	m.mu.Lock()
	unloaded := m.unloaded
	m.mu.Unlock()
	if unloaded {
		return nil, device.Errorf("emu module get function", device.ErrInvalidHandle, "module unloaded")
	}
	if _, ok := m.entries[name]; !ok {
		return nil, device.Errorf("emu module get function", device.ErrNotFound, "PTX has no entry point %q", name)
	}
	fn, ok := m.drv.kernel(name)
	if !ok {
		return nil, device.Errorf("emu module get function", device.ErrNotFound, "no kernel registered for entry point %q", name)
	}
	return &function{mod: m, name: name, body: fn, sharedMax: defaultSharedMemory}, nil
}

func (m *module) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return device.Errorf("emu module unload", device.ErrInvalidHandle, "module already unloaded")
	}
	m.unloaded = true
	return nil
}

type function struct {
	mod  *module
	name string
	body KernelFunc

	mu        sync.Mutex
	sharedMax int
}

func (f *function) Name() string {
	return f.name
}

func (f *function) MaxThreadsPerBlock() (int, error) {
	return f.mod.drv.info.MaxThreadsPerBlock, nil
}

func (f *function) SetMaxDynamicSharedMemory(bytes int) error {
	if bytes < 0 || bytes > maxSharedMemoryOptIn {
		return device.Errorf("emu func set attribute", device.ErrInvalidValue, "dynamic shared memory %d outside [0, %d]", bytes, maxSharedMemoryOptIn)
	}
	f.mu.Lock()
	if bytes > defaultSharedMemory {
		f.sharedMax = bytes
	} else {
		f.sharedMax = defaultSharedMemory
	}
	f.mu.Unlock()
	return nil
}

func (f *function) sharedLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sharedMax
}

func (f *function) unloaded() bool {
	f.mod.mu.Lock()
	defer f.mod.mu.Unlock()
	return f.mod.unloaded
}
