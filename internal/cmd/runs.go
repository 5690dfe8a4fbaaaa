package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MinhTranCA/lava/internal/config"
	"github.com/MinhTranCA/lava/internal/runs"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List mining runs",
	Long:  `List recorded mining runs with their status, phase timings and bug counts.`,
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := runs.NewStore(settings.RunsDir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}

	list, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	// Create tabwriter for aligned output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tINPUT\tSTATUS\tSTARTED\tTOOK\tDUA/ATP/BUG")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t------\t-------\t----\t-----------")

	for _, run := range list {
		status := run.Status
		if run.Status == runs.StatusFailed && run.Phase != "" {
			status += " (" + run.Phase + ")"
		}
		if run.ExitCode != 0 {
			status += fmt.Sprintf(" exit %d", run.ExitCode)
		}
		counts := "-"
		if run.Counts != nil {
			counts = fmt.Sprintf("%d/%d/%d", run.Counts.Dua, run.Counts.AttackPoint, run.Counts.Bug)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Project,
			run.Input,
			status,
			run.StartedAt.Format("2006-01-02 15:04:05"),
			run.Total().Round(time.Second),
			counts,
		)
	}

	_ = w.Flush()
	return nil
}
