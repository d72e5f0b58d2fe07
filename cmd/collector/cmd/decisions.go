package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fabricla/connector/internal/collector"
	"github.com/fabricla/connector/internal/common/app"
)

func decisionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Shows which sources the configured strategy would collect, without collecting anything",
		RunE:  showDecisions,
	}
	return cmd
}

func showDecisions(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := app.CreateContextWithShutdown()
	decisions, detection, err := collector.Decisions(ctx, config)
	if err != nil {
		return err
	}

	if detection != nil {
		fmt.Printf("Workspace monitoring: %s (%s, %s)\n\n", detection.Status, detection.Method, detection.Reason)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tCOLLECT\tCONFLICT\tREASON\tALTERNATIVE")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", d.Source, d.Collect, d.ConflictLevel, d.ReasonCode, d.Alternative)
	}
	return w.Flush()
}
