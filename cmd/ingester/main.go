// Command ingester pulls new San Francisco fire incidents from the Socrata
// API into the staging table. It is meant to be started by an external
// scheduler; the exit status tells it whether a retry makes sense.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkoziy/fireincidents/ingester/internal/config"
	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// Exit statuses from sysexits.h.
const (
	exitFailure  = 1
	exitTempFail = 75
	exitConfig   = 78
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case models.IsRetryable(err):
		return exitTempFail
	case errors.Is(err, models.ErrConfiguration):
		return exitConfig
	default:
		return exitFailure
	}
}

// cli carries state shared by all subcommands.
type cli struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "ingester",
		Short:         "Incrementally ingest SF fire incidents into staging",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("FIRE_CONFIG"), "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(c),
		newMigrateCmd(c),
		newWatermarkCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) load(logOut io.Writer) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	return nil
}

func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
