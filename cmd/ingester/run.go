package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mkoziy/fireincidents/ingester/internal/ingest"
)

func newRunCmd(c *cli) *cobra.Command {
	var (
		untilCaughtUp bool
		maxCycles     int
		dryRun        bool
		textfile      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion cycle, or cycles until caught up",
		Long: `Reads the watermark, fetches records newer than it, validates them,
merges them into the staging table and advances the watermark.

Each cycle's outcome is printed to stdout as one JSON line. Exit status 75
means a transient failure worth retrying later; 78 means the configuration
must be fixed first.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := c.cfg
			if cmd.Flags().Changed("dry-run") {
				cfg.Ingest.DryRun = dryRun
			}
			if cmd.Flags().Changed("max-cycles") {
				cfg.Ingest.MaxCycles = maxCycles
			}
			if textfile != "" {
				cfg.Metrics.Textfile = textfile
			}

			a, err := newApp(cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.migrate(ctx); err != nil {
				return err
			}
			coord, err := a.coordinator(ctx)
			if err != nil {
				return err
			}

			var outcomes []ingest.Outcome
			if untilCaughtUp {
				outcomes, err = coord.RunUntilDrained(ctx, cfg.Ingest.MaxCycles)
			} else {
				var o ingest.Outcome
				o, err = coord.RunCycle(ctx)
				outcomes = append(outcomes, o)
			}
			a.exportMetrics(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, o := range outcomes {
				if encErr := enc.Encode(o); encErr != nil {
					return encErr
				}
			}
			return err
		},
	}

	f := cmd.Flags()
	f.BoolVar(&untilCaughtUp, "until-caught-up", false, "repeat cycles while the batch cap was hit")
	f.IntVar(&maxCycles, "max-cycles", 0, "upper bound on cycles with --until-caught-up (0 = no limit)")
	f.BoolVar(&dryRun, "dry-run", false, "extract and validate only; leave staging and the watermark untouched")
	f.StringVar(&textfile, "metrics-textfile", "", "write Prometheus metrics to this file for node_exporter")
	return cmd
}
