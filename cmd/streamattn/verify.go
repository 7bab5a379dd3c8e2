package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/born-ml/streamattn/internal/conformance"
	"github.com/born-ml/streamattn/internal/logger"
	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

func verifyCmd() *cli.Command {
	def := conformance.DefaultConfig()

	return &cli.Command{
		Name:  "verify",
		Usage: "Check blockwise attention against the dense reference",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "queries", Usage: "query rows", Value: def.Queries},
			&cli.IntFlag{Name: "keys", Usage: "key/value rows", Value: def.Keys},
			&cli.IntFlag{Name: "dim", Usage: "query/key dimension", Value: def.Dim},
			&cli.IntFlag{Name: "value-dim", Usage: "value dimension", Value: def.ValueDim},
			&cli.Int64Flag{Name: "seed", Usage: "random seed for Q, K, V", Value: def.Seed},
			&cli.IntSliceFlag{Name: "q-blocks", Usage: "query block sizes", Value: def.QBlockSizes},
			&cli.IntSliceFlag{Name: "k-blocks", Usage: "key block sizes (default: 1..keys)"},
			&cli.IntSliceFlag{Name: "shards", Usage: "shard counts", Value: def.Shards},
			&cli.FloatFlag{Name: "scale", Usage: "score scale (0 = 1)"},
			&cli.BoolFlag{Name: "causal", Usage: "apply a causal mask"},
			&cli.FloatFlag{Name: "tolerance", Usage: "max absolute error", Value: conformance.DefaultTolerance},
			&cli.StringFlag{Name: "format", Usage: "report format (text, json)", Value: "text"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "list every case, not only failures"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := verifyConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg.Logger = logger.FromContext(ctx)

			rep, err := conformance.Run(ctx, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			w := cmd.Root().Writer
			switch cmd.String("format") {
			case "json":
				err = writeReportJSON(w, rep)
			default:
				err = writeReportText(w, rep, cmd.Bool("verbose"))
			}
			if err != nil {
				return err
			}
			if !rep.Passed {
				return cli.Exit(fmt.Sprintf("FAIL: %d of %d cases over tolerance", len(rep.Failed()), len(rep.Cases)), 1)
			}
			return nil
		},
	}
}

func verifyConfig(cmd *cli.Command) (conformance.Config, error) {
	cfg := conformance.Config{
		Queries:     cmd.Int("queries"),
		Keys:        cmd.Int("keys"),
		Dim:         cmd.Int("dim"),
		ValueDim:    cmd.Int("value-dim"),
		Seed:        cmd.Int64("seed"),
		QBlockSizes: cmd.IntSlice("q-blocks"),
		KBlockSizes: cmd.IntSlice("k-blocks"),
		Shards:      cmd.IntSlice("shards"),
		Scale:       cmd.Float("scale"),
		Causal:      cmd.Bool("causal"),
		Tolerance:   cmd.Float("tolerance"),
	}
	if fileConfig.Seed != nil && !cmd.IsSet("seed") {
		cfg.Seed = *fileConfig.Seed
	}
	if fileConfig.Tolerance != nil && !cmd.IsSet("tolerance") {
		cfg.Tolerance = *fileConfig.Tolerance
	}
	if len(cfg.KBlockSizes) == 0 {
		for kb := 1; kb <= max(cfg.Keys, 1); kb++ {
			cfg.KBlockSizes = append(cfg.KBlockSizes, kb)
		}
	}
	return cfg, nil
}

func writeReportJSON(w io.Writer, rep *conformance.Report) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func writeReportText(w io.Writer, rep *conformance.Report, verbose bool) error {
	status := "PASS"
	if !rep.Passed {
		status = "FAIL"
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "run:\t%s\n", rep.RunID)
	_, _ = fmt.Fprintf(tw, "cases:\t%d (%d failed)\n", len(rep.Cases), len(rep.Failed()))
	_, _ = fmt.Fprintf(tw, "max abs error:\t%.3e (tolerance %.0e)\n", rep.MaxAbsError, rep.Config.Tolerance)
	_, _ = fmt.Fprintf(tw, "elapsed:\t%s\n", rep.Elapsed)
	_, _ = fmt.Fprintf(tw, "result:\t%s\n", status)

	cases := rep.Failed()
	if verbose {
		cases = rep.Cases
	}
	if len(cases) > 0 {
		_, _ = fmt.Fprintln(tw)
		_, _ = fmt.Fprintln(tw, "CASE\tMAX ABS ERROR\tPASSED")
		for _, c := range cases {
			_, _ = fmt.Fprintf(tw, "%s\t%.3e\t%t\n", c.Name, c.MaxAbsError, c.Passed)
		}
	}
	return tw.Flush()
}
