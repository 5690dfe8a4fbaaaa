package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/logging"
)

var (
	cfgFile string
	debug   bool

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "lava",
	Short: "lava - record, replay and taint-analyze a program run to find injectable bugs",
	Long: `lava boots a guest snapshot, records one execution of an instrumented
program on an input file, replays it with taint analysis and hands the
analysis log to the bug finder.

Mine a project on an input:
  lava mine ~/lava/file.json ~/inputs/a.bin

Inspect past runs:
  lava runs
  lava prune`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(debug)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.lava/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
