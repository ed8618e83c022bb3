package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cudalend/internal/backend"
	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/device"
	"github.com/samcharles93/cudalend/pkg/host"
)

var (
	configFile string
	backendArg string
	ordinal    int64
	logLevel   string
	logFormat  string
	debug      bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Sources:     cli.EnvVars(envConfigFile),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, emu, cuda)",
			Value:       backend.Auto,
			Destination: &backendArg,
		},
		&cli.Int64Flag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "CUDA device ordinal",
			Destination: &ordinal,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setup merges the config file into unset flags and installs the logger.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	applyGlobalConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = logger.ParseLevel("debug")
	}
	log := logger.ForFormat(os.Stderr, logFormat, level)
	host.SetLogger(log.With("component", "host"))
	return logger.WithContext(ctx, log), nil
}

func openDriver(ctx context.Context, opts ...backend.Option) (device.Driver, error) {
	if ordinal < 0 {
		return nil, fmt.Errorf("device ordinal must be >= 0, got %d", ordinal)
	}
	opts = append([]backend.Option{
		backend.WithOrdinal(int(ordinal)),
		backend.WithLogger(logger.FromContext(ctx)),
	}, opts...)
	return backend.Open(backendArg, opts...)
}
