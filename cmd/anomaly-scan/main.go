package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"fuelpos/backend/internal/app"
	"fuelpos/backend/internal/config"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/logging"
)

type scanner interface {
	Scan(ctx context.Context, stationID string, days int) (domain.AnomalyScanResult, error)
	ScanAllStations(ctx context.Context, days int) ([]domain.AnomalyScanResult, error)
}

type scanOptions struct {
	stationID string
	days      int
	all       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:           "anomaly-scan",
		Short:         "Recompute daily meter-versus-transaction anomalies",
		Long:          "Re-checks the trailing days for one station or every station and persists the resulting anomalies.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			logger.SetOutput(cmd.ErrOrStderr())

			components, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				logger.WithError(err).Error("startup failed")
				return err
			}
			defer components.Close()

			if err := runScan(cmd.Context(), components.Detector, cmd.OutOrStdout(), opts); err != nil {
				logger.WithError(err).Error("scan failed")
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.stationID, "station", "", "station id to scan")
	flags.IntVar(&opts.days, "days", 7, "number of trailing days to scan, today included")
	flags.BoolVar(&opts.all, "all", false, "scan every station")
	return cmd
}

func (o scanOptions) validate() error {
	o.stationID = strings.TrimSpace(o.stationID)
	switch {
	case o.all && o.stationID != "":
		return fmt.Errorf("--station and --all are mutually exclusive")
	case !o.all && o.stationID == "":
		return fmt.Errorf("one of --station or --all is required")
	case o.days < 1:
		return fmt.Errorf("--days must be at least 1")
	}
	return nil
}

func runScan(ctx context.Context, sc scanner, out io.Writer, opts scanOptions) error {
	var results []domain.AnomalyScanResult
	if opts.all {
		all, err := sc.ScanAllStations(ctx, opts.days)
		if err != nil {
			return err
		}
		results = all
	} else {
		one, err := sc.Scan(ctx, strings.TrimSpace(opts.stationID), opts.days)
		if err != nil {
			return err
		}
		results = []domain.AnomalyScanResult{one}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"results": results})
}
