package main

import (
	"context"
	"fmt"
	"os"

	"github.com/born-ml/streamattn/internal/api"
	"github.com/born-ml/streamattn/internal/blockwise"
	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/matrix"
	"github.com/born-ml/streamattn/internal/reduction"
	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

// attendOutput is printed by the attend command.
type attendOutput struct {
	Mode    string      `json:"mode"`
	Output  [][]float64 `json:"output,omitempty"`
	Weights [][]float64 `json:"weights,omitempty"`
	QBlocks int         `json:"q_blocks"`
	KBlocks int         `json:"k_blocks"`
	Shards  int         `json:"shards,omitempty"`
}

func attendCmd() *cli.Command {
	return &cli.Command{
		Name:  "attend",
		Usage: "Run blockwise attention on random or JSON input and print the result",
		Flags: append(engineFlags(),
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: `JSON file with "q", "k" and optional "v" matrices, plus any /v1/attention engine fields`},
			&cli.IntFlag{Name: "queries", Usage: "random query rows", Value: 20},
			&cli.IntFlag{Name: "keys", Usage: "random key/value rows", Value: 16},
			&cli.IntFlag{Name: "dim", Usage: "random query/key dimension", Value: 5},
			&cli.IntFlag{Name: "value-dim", Usage: "random value dimension", Value: 5},
			&cli.Int64Flag{Name: "seed", Usage: "random seed", Value: 42},
			&cli.BoolFlag{Name: "weights", Usage: "softmax-only mode: print attention weights instead of outputs"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			q, k, v, in, err := attendInputs(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg, shards, err := engineConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if in != nil {
				if cfg, err = in.Overlay(cfg, q.Rows, k.Rows); err != nil {
					return cli.Exit(fmt.Sprintf("error: %s: %v", cmd.String("input"), err), 1)
				}
				if in.Shards != nil && !cmd.IsSet("shards") {
					shards = *in.Shards
				}
			}
			cfg.Logger = log

			out, err := runAttend(ctx, q, k, v, cfg, shards)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("attention done", "mode", out.Mode, "queries", q.Rows, "keys", k.Rows,
				"q_blocks", out.QBlocks, "k_blocks", out.KBlocks)

			b, err := json.Marshal(out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.Root().Writer, "%s\n", b)
			return err
		},
	}
}

// attendInputs builds random inputs from the size flags, or reads them from
// --input. A file may also carry engine options; it is returned so the
// caller can apply them.
func attendInputs(cmd *cli.Command) (q, k, v *matrix.Matrix, in *api.AttentionRequest, err error) {
	path := cmd.String("input")
	if path == "" {
		nq, nk := cmd.Int("queries"), cmd.Int("keys")
		dim, vdim := cmd.Int("dim"), cmd.Int("value-dim")
		if nq < 0 || nk < 0 {
			return nil, nil, nil, nil, fmt.Errorf("--queries %d and --keys %d must be >= 0", nq, nk)
		}
		if dim < 1 || vdim < 1 {
			return nil, nil, nil, nil, fmt.Errorf("--dim %d and --value-dim %d must be >= 1", dim, vdim)
		}

		seed := cmd.Int64("seed")
		q = matrix.Randn(nq, dim, seed)
		k = matrix.Randn(nk, dim, seed+1)
		if !cmd.Bool("weights") {
			v = matrix.Randn(nk, vdim, seed+2)
		}
		return q, k, v, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	in = &api.AttentionRequest{}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if q, err = matrix.FromRows(in.Q); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%s: q: %w", path, err)
	}
	if k, err = matrix.FromRows(in.K); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%s: k: %w", path, err)
	}
	if in.V != nil && !cmd.Bool("weights") {
		if v, err = matrix.FromRows(in.V); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("%s: v: %w", path, err)
		}
	}
	return q, k, v, in, nil
}

func runAttend(ctx context.Context, q, k, v *matrix.Matrix, cfg blockwise.Config, shards int) (*attendOutput, error) {
	if v == nil {
		res, err := blockwise.Weights(q, k, cfg)
		if err != nil {
			return nil, err
		}
		return &attendOutput{
			Mode:    "weights",
			Weights: res.Weights.Rows2D(),
			QBlocks: len(blockwise.Partition(q.Rows, cfg.QBlockSize)),
			KBlocks: len(blockwise.Partition(k.Rows, cfg.KBlockSize)),
		}, nil
	}

	var (
		res *blockwise.Result
		err error
	)
	if shards > 1 {
		res, err = reduction.Shard(ctx, q, k, v, reduction.ShardConfig{Config: cfg, Shards: shards})
	} else {
		res, err = blockwise.Compute(q, k, v, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &attendOutput{
		Mode:    "attention",
		Output:  res.Output.Rows2D(),
		QBlocks: res.QBlocks,
		KBlocks: res.KBlocks,
		Shards:  max(shards, 1),
	}, nil
}
