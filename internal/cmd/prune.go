package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MinhTranCA/lava/internal/config"
	"github.com/MinhTranCA/lava/internal/runs"
)

var pruneAll bool

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Clean up run records and leftover run directories",
	Long: `Clean up after past mining runs.

This command removes:
  - Records of finished runs
  - Channel directories left in the temp dir by interrupted runs

Runs still marked running keep their record and channel directory unless
--all is given. Only use --all when no mining run is in progress.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVarP(&pruneAll, "all", "a", false, "remove all run records (including running)")
}

func runPrune(cmd *cobra.Command, args []string) error {
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

	running := make(map[string]bool)
	removedCount := 0
	for _, run := range list {
		if !run.Finished() && !pruneAll {
			running[run.ID] = true
			continue
		}
		if err := store.Delete(run.ID); err != nil {
			fmt.Printf("Warning: failed to delete run %s: %v\n", run.ID, err)
			continue
		}
		fmt.Printf("Removed run: %s\n", run.ID)
		removedCount++
	}

	if removedCount == 0 {
		fmt.Println("No runs to remove.")
	} else {
		fmt.Printf("Removed %d run(s).\n", removedCount)
	}

	// Directories of runs whose process was killed before teardown
	stale, err := filepath.Glob(filepath.Join(os.TempDir(), runDirPrefix+"*"))
	if err != nil {
		return fmt.Errorf("failed to find run directories: %w", err)
	}
	for _, dir := range stale {
		if running[runDirID(dir)] {
			fmt.Printf("Keeping directory of running run: %s\n", dir)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			fmt.Printf("Warning: failed to remove %s: %v\n", dir, err)
			continue
		}
		fmt.Printf("Removed directory: %s\n", dir)
	}
	return nil
}

const runDirPrefix = "lava-run-"

// runDirID extracts the run ID from a lava-run-<id>-<random> directory name
func runDirID(dir string) string {
	name := strings.TrimPrefix(filepath.Base(dir), runDirPrefix)
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[:i]
	}
	return name
}
