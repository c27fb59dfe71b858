package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/fireincidents/ingester/internal/config"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/watermark"
)

func newWatermarkCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or change the committed watermark",
		Long: `Operator commands for the committed watermark. The scheduler must not
run an ingestion cycle at the same time.`,
	}
	cmd.AddCommand(
		newWatermarkShowCmd(c),
		newWatermarkSetCmd(c),
		newWatermarkResetCmd(c),
	)
	return cmd
}

// withStore opens the configured store for one operator command.
func withStore(cmd *cobra.Command, c *cli, fn func(watermark.Store) error) error {
	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.cfg.Watermark.Backend == watermark.BackendDatabase {
		if err := a.migrate(cmd.Context()); err != nil {
			return err
		}
	}
	store, err := a.watermarkStore(cmd.Context())
	if err != nil {
		return err
	}
	return fn(store)
}

func newWatermarkShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the committed watermark as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, c, func(store watermark.Store) error {
				mark, ok, err := store.Read(cmd.Context())
				if err != nil {
					return fmt.Errorf("%w: %w", models.ErrStorage, err)
				}
				if !ok {
					cmd.Printf("no watermark stored for %s\n", c.cfg.API.Dataset)
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(mark)
			})
		},
	}
}

func newWatermarkSetCmd(c *cli) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "set <timestamp>",
		Short: "Force the watermark to a position",
		Long: `Sets the watermark to the given timestamp (RFC 3339, 2006-01-02T15:04:05.000
or 2006-01-02). Moving it backwards re-ingests everything after the new
position and needs --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := config.ParseTimestamp(args[0])
			if err != nil {
				return fmt.Errorf("%w: %w", models.ErrConfiguration, err)
			}
			return withStore(cmd, c, func(store watermark.Store) error {
				ctx := cmd.Context()
				current, ok, err := store.Read(ctx)
				if err != nil {
					return fmt.Errorf("%w: %w", models.ErrStorage, err)
				}
				if ok && position.Before(current.Position) {
					if !force {
						return errors.New("new watermark is before the current one; pass --force to move it back")
					}
					// Write never moves a stored watermark backwards.
					if err := store.Reset(ctx); err != nil {
						return fmt.Errorf("%w: %w", models.ErrStorage, err)
					}
				}
				if err := store.Write(ctx, position); err != nil {
					return fmt.Errorf("%w: %w", models.ErrStorage, err)
				}
				c.logger.InfoContext(ctx, "watermark set", "dataset", c.cfg.API.Dataset, "position", position)
				cmd.Printf("watermark set to %s\n", position.Format("2006-01-02T15:04:05.000Z07:00"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow moving the watermark backwards")
	return cmd
}

func newWatermarkResetCmd(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the watermark so the next run backfills",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset triggers a full backfill on the next run; pass --yes to confirm")
			}
			return withStore(cmd, c, func(store watermark.Store) error {
				if err := store.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("%w: %w", models.ErrStorage, err)
				}
				c.logger.InfoContext(cmd.Context(), "watermark reset", "dataset", c.cfg.API.Dataset)
				cmd.Println("watermark reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
