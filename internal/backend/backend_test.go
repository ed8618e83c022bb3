package backend

import (
	"strings"
	"testing"

	"github.com/samcharles93/cudalend/pkg/device/emu"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":      Auto,
		" EMU ": Emu,
		"cuda":  CUDA,
		"Auto":  Auto,
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := Normalize("cpu"); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestAvailableListsEmu(t *testing.T) {
	if !strings.HasPrefix(Available(), Emu) {
		t.Fatalf("Available() = %q, want emu first", Available())
	}
	if !Has(Emu) {
		t.Fatalf("emu backend must always be available")
	}
}

func TestOpenEmu(t *testing.T) {
	kernels := map[string]emu.KernelFunc{"noop": func(*emu.Thread, emu.Args) {}}
	drv, err := Open("emu", WithMemoryLimit(1<<20), WithWorkers(2), WithEmuKernels(kernels))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer drv.Close()
	if drv.Name() != "emu" {
		t.Fatalf("driver name = %q", drv.Name())
	}
	if _, err := drv.Alloc(2 << 20); err == nil {
		t.Fatalf("expected allocation over the memory limit to fail")
	}
	mod, err := drv.LoadModule([]byte(".visible .entry noop()\n{\n}\n"))
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if _, err := mod.Function("noop"); err != nil {
		t.Fatalf("Function: %v", err)
	}
}

func TestResolveAuto(t *testing.T) {
	got, err := Resolve("auto")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != Emu && got != CUDA {
		t.Fatalf("Resolve(auto) = %q", got)
	}
}
