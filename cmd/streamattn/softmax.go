package main

import (
	"context"
	"fmt"

	"github.com/born-ml/streamattn/internal/logger"
	"github.com/born-ml/streamattn/internal/online"
	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func softmaxCmd() *cli.Command {
	return &cli.Command{
		Name:      "softmax",
		Usage:     "Streaming softmax of the given logits",
		Arguments: []cli.Argument{
			&cli.FloatArgs{Name: "logit", Min: 1, Max: -1},
		},
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "chunk", Usage: "summarize chunks of this many logits and merge them (0 = one stream)"},
			&cli.FloatFlag{Name: "epsilon", Usage: "normalizer floor", Value: online.Epsilon},
			&cli.BoolFlag{Name: "json", Usage: "print probabilities and final state as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logits := cmd.FloatArgs("logit")
			chunk := cmd.Int("chunk")
			if chunk < 0 {
				return cli.Exit("error: --chunk must be >= 0", 1)
			}
			eps := cmd.Float("epsilon")

			var stream online.Stream
			for _, x := range logits {
				stream.Push(x)
			}
			final := stream.State()

			probs := online.Softmax(logits, eps)
			if chunk > 0 {
				probs = online.SoftmaxChunked(logits, chunk, eps)
			}
			logger.FromContext(ctx).Debug("softmax", "logits", len(logits), "chunk", chunk, "max", final.Max, "sum", final.Sum)

			w := cmd.Root().Writer
			if cmd.Bool("json") {
				b, err := json.Marshal(struct {
					Probabilities []float64 `json:"probabilities"`
					Sum           float64   `json:"sum"`
				}{probs, final.Sum})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(w, "%s\n", b)
				return err
			}
			for i, p := range probs {
				if _, err := fmt.Fprintf(w, "%g\t%.10f\n", logits[i], p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
