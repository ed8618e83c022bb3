package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/cudalend/internal/backend"
	"github.com/samcharles93/cudalend/internal/logger"
)

func TestLoadConfig(t *testing.T) {
	t.Run("missing default file", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg != (Config{}) {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("default location", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)
		path := filepath.Join(dir, "cudalend", "config.yaml")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		data := "backend: emu\ndevice: 2\nlog_level: debug\nserver_address: 0.0.0.0:9000\nstore_dir: /var/lib/cudalend\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Backend != "emu" || cfg.Device == nil || *cfg.Device != 2 || cfg.LogLevel != "debug" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.ServerAddress != "0.0.0.0:9000" || cfg.StoreDir != "/var/lib/cudalend" {
			t.Fatalf("unexpected server config: %+v", cfg)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatalf("expected error for missing explicit config")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("backend: [unterminated"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected parse error")
		}
	})
}

func TestParseJitArgs(t *testing.T) {
	args, err := parseJitArgs([]string{"2=0x0100", "0=ff"})
	if err != nil {
		t.Fatalf("parseJitArgs returned error: %v", err)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 arguments, got %d", len(args))
	}
	if !bytes.Equal(args[0], []byte{0xff}) || args[1] != nil || !bytes.Equal(args[2], []byte{1, 0}) {
		t.Fatalf("unexpected arguments: %v", args)
	}

	for _, bad := range []string{"nope", "x=00", "-1=00", "0=zz"} {
		if _, err := parseJitArgs([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if _, err := parseJitArgs([]string{"0=00", "0=01"}); err == nil {
		t.Fatalf("expected error for duplicate parameter")
	}
}

func TestEntryPoints(t *testing.T) {
	got := entryPoints([]byte(vectorAddPTX + "\n.visible .entry\tsecond(\n)"))
	if len(got) != 2 || got[0] != "vector_add" || got[1] != "second" {
		t.Fatalf("unexpected entry points: %v", got)
	}
}

func TestRunDemoOnEmulator(t *testing.T) {
	drv, err := backend.Open(backend.Emu, backend.WithEmuKernels(demoKernels), backend.WithWorkers(2))
	if err != nil {
		t.Fatalf("open emulator: %v", err)
	}
	defer func() { _ = drv.Close() }()

	ctx := logger.WithContext(context.Background(), logger.Discard())
	if err := runDemo(ctx, drv, 1000); err != nil {
		t.Fatalf("runDemo returned error: %v", err)
	}
}
