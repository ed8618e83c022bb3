package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cudalend/internal/backend"
	"github.com/samcharles93/cudalend/internal/logger"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices of the selected backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			log.Debug("available backends", "backends", backend.Available())

			drv, err := openDriver(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := drv.Close(); err != nil {
					log.Warn("close driver", "error", err)
				}
			}()

			infos, err := drv.Devices()
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintf(tw, "BACKEND\tORDINAL\tNAME\tCOMPUTE\tMEMORY\tSMS\n")
			for _, info := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d.%d\t%d MiB\t%d\n",
					drv.Name(), info.Ordinal, info.Name, info.ComputeMajor, info.ComputeMinor,
					info.TotalMemory>>20, info.MultiprocessorCount)
			}
			return tw.Flush()
		},
	}
}
