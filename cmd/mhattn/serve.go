package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mhattn/internal/api"
	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/safetensors"
)

func serveCmd() *cli.Command {
	var (
		layerPath   string
		addr        string
		readTimeout time.Duration
		handles     int64
		mode        string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "layer",
			Aliases:     []string{"l"},
			Usage:       "path to the layer .safetensors file",
			Required:    true,
			Destination: &layerPath,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "handles",
			Usage:       "number of concurrent invocations (one handle and stream each)",
			Value:       2,
			Destination: &handles,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "override the layer's numeric mode (float, int8)",
			Destination: &mode,
		},
	}
	flags = append(flags, deviceFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a layer over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDeviceConfig(cmd, cfg)
			applyModeConfig(cmd, cfg, &mode)
			applyServeConfig(cmd, cfg, &addr, &handles)

			l, err := safetensors.LoadLayer(layerPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load layer: %v", err), 1)
			}
			if mode != "" {
				m, err := numeric.ParseMode(mode)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				l.Config.Mode = m
			}
			layer, err := attention.NewLayer(l.Config, l.Params, attention.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build layer: %v", err), 1)
			}

			opts, err := handleOptions(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			pool, err := device.NewPool(int(handles), opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer pool.Close()

			server := api.NewServer(layer, pool, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "layer", layerPath,
				"mode", l.Config.Mode, "handles", pool.Size())
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
