package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/born-ml/streamattn/internal/api"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxElements int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the attention engine over HTTP",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-elements",
				Usage:       "largest request, in floats touched",
				Value:       api.DefaultMaxElements,
				Destination: &maxElements,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if fileConfig.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileConfig.ServerAddress
			}
			cfg, shards, err := engineConfig(cmd)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			server := api.NewServer(api.Options{
				Defaults:    cfg,
				Shards:      shards,
				MaxElements: maxElements,
				Logger:      log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "q_block", cfg.QBlockSize, "k_block", cfg.KBlockSize,
				"order", cfg.Order, "shards", shards)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server stopped", "error", err)
				return err
			}
			return nil
		},
	}
}
