package main

import (
	"context"
	"fmt"

	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/config"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/urfave/cli/v3"
)

// fileConfig holds the config file loaded by setup.
var fileConfig config.Config

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to config.yaml (default: $XDG_CONFIG_HOME/streamattn/config.yaml)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (text, json)",
			Value: "text",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging (shorthand for --log-level=debug)",
		},
	}
}

// setup loads the config file and installs the logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("config")
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg

	level := cmd.String("log-level")
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cmd.Bool("debug") {
		level = "debug"
	}
	format := cmd.String("log-format")
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		format = cfg.LogFormat
	}

	log := logger.ForFormat(cmd.Root().ErrWriter, format, level)
	log.Debug("config loaded", "path", path)
	return logger.WithContext(ctx, log), nil
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "q-block", Usage: "rows per query block", Value: 64},
		&cli.IntFlag{Name: "k-block", Usage: "rows per key/value block", Value: 64},
		&cli.FloatFlag{Name: "scale", Usage: "score scale (0 = 1)"},
		&cli.FloatFlag{Name: "epsilon", Usage: "normalizer floor (0 = 1e-10)"},
		&cli.StringFlag{Name: "order", Usage: "block traversal (query-major, key-major)", Value: "query-major"},
		&cli.IntFlag{Name: "workers", Usage: "row-block goroutines (0 = all CPUs, 1 = sequential)"},
		&cli.IntFlag{Name: "shards", Usage: "key/value shards combined by a reduction tree (0 or 1 = off)"},
		&cli.BoolFlag{Name: "causal", Usage: "apply a causal mask"},
	}
}

// engineConfig builds the engine config: flag defaults, overlaid by the
// config file, overlaid by flags set on the command line.
func engineConfig(cmd *cli.Command) (blockwise.Config, int, error) {
	cfg := blockwise.Config{
		QBlockSize: cmd.Int("q-block"),
		KBlockSize: cmd.Int("k-block"),
		Parallel:   config.Parallel(cmd.Int("workers")),
	}
	cfg = fileConfig.Apply(cfg)

	if cmd.IsSet("q-block") {
		cfg.QBlockSize = cmd.Int("q-block")
	}
	if cmd.IsSet("k-block") {
		cfg.KBlockSize = cmd.Int("k-block")
	}
	if cmd.IsSet("scale") {
		cfg.Scale = cmd.Float("scale")
	}
	if cmd.IsSet("epsilon") {
		cfg.Epsilon = cmd.Float("epsilon")
	}
	if cmd.IsSet("order") {
		order, err := blockwise.ParseOrder(cmd.String("order"))
		if err != nil {
			return cfg, 0, err
		}
		cfg.Order = order
	}
	if cmd.IsSet("workers") {
		cfg.Parallel = config.Parallel(cmd.Int("workers"))
	}
	if cmd.Bool("causal") {
		cfg.Mask = blockwise.CausalMask{}
	}

	shards := cmd.Int("shards")
	if fileConfig.Shards != nil && !cmd.IsSet("shards") {
		shards = *fileConfig.Shards
	}
	return cfg, shards, nil
}
