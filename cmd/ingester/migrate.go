package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoziy/fireincidents/ingester/internal/migrations"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

func newMigrateCmd(c *cli) *cobra.Command {
	var rollback bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the staging, watermark and run log tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !rollback {
				return a.migrate(cmd.Context())
			}
			if err := migrations.RollbackMigrations(cmd.Context(), a.db); err != nil {
				return fmt.Errorf("%w: rollback: %w", models.ErrStorage, err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the last migration group")
	return cmd
}
