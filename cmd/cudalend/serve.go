package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cudalend/internal/api"
	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/internal/ptxstore"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		storeDir    string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the kernel registry API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "store-dir",
				Usage:       "kernel store directory (in memory when empty)",
				Destination: &storeDir,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyServeConfig(cmd, cfg, &addr, &storeDir)

			store, err := ptxstore.Open(storeDir, log)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			drv, err := openDriver(ctx)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, drv.Close()) }()

			server := api.NewServer(store, drv, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "backend", drv.Name(), "store", storeDir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
