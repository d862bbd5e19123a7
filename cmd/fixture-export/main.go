package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/replay"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	statePath   string
	outPath     string
	description string
	logLevel    string

	logger *zap.Logger
)

// #region main

var rootCmd = &cobra.Command{
	Use:   "fixture-export",
	Short: "Export a review state as a replayable fixture",
	Long: `Reads a state file read-only and writes its full contents as a fixture.
The format follows the output extension: .yaml/.yml for YAML, anything else JSON.
The exported fixture records the state's own aggregates as expected values.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Config{Level: logLevel, Format: "console"})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVar(&statePath, "state", "", "path to the review state file")
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "", "fixture to write")
	rootCmd.Flags().StringVar(&description, "description", "", "description stored in the fixture")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = rootCmd.MarkFlagRequired("state")
	_ = rootCmd.MarkFlagRequired("out")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region export

func run(cmd *cobra.Command, args []string) error {
	return state.WithState(statePath, true, func(s *state.Store) error {
		f, err := replay.Export(s)
		if err != nil {
			return fmt.Errorf("export %s: %w", statePath, err)
		}
		f.Description = description
		if err := replay.WriteFixture(outPath, f); err != nil {
			return err
		}
		logger.Info("fixture exported",
			zap.String("state", statePath),
			zap.String("out", outPath),
			zap.Int("records", len(f.RecordTable)),
			zap.Int("events", len(f.Events)),
			zap.Int("decision_changes", len(f.DecisionChanges)),
		)
		return nil
	}, state.WithLogger(logger))
}

// #endregion export
