package cmd

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/fabricla/connector/internal/collector"
	"github.com/fabricla/connector/internal/common/app"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs collection cycles",
		RunE:  runCollector,
	}
	cmd.Flags().Duration(
		"interval",
		0,
		"Run a cycle every interval until terminated. A single cycle is run when zero")
	cmd.Flags().Bool(
		"report",
		false,
		"Print a JSON report of every cycle to stdout")
	return cmd
}

func runCollector(cmd *cobra.Command, _ []string) error {
	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return errors.WithStack(err)
	}
	printReport, err := cmd.Flags().GetBool("report")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	var onReport func(*collector.Report)
	if printReport {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		onReport = func(r *collector.Report) {
			_ = encoder.Encode(r)
		}
	}

	ctx := app.CreateContextWithShutdown()
	start := time.Now()
	err = collector.Run(ctx, config, interval, onReport)
	ctx.Log.Infof("Collector ran for %s", time.Since(start).Round(time.Second))
	return err
}
