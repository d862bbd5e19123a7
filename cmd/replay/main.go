package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/replay"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	fixturePath string
	statePath   string
	verify      bool
	jsonOut     bool
	logLevel    string

	logger *zap.Logger
)

// exit codes: 0 replayed (and verified), 1 mismatch, 2 fixture or state error
const (
	exitMismatch = 1
	exitError    = 2
)

// #region main

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a review fixture into a new state file",
	Long: `Loads a JSON or YAML fixture, applies it to an empty state and prints
the resulting summary. Without --state the replay runs in a temporary file.
With --verify the fixture's expected aggregates must match.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
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
	rootCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to a fixture (.json, .yaml, .yml)")
	rootCmd.Flags().StringVar(&statePath, "state", "", "state file to create (default: temporary)")
	rootCmd.Flags().BoolVar(&verify, "verify", true, "check the fixture's expected aggregates")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "output the summary as JSON")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	_ = rootCmd.MarkFlagRequired("fixture")
}

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
		return
	case errors.Is(err, replay.ErrMismatch):
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(exitMismatch)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitError)
	}
}

// #endregion main

// #region run

func run(cmd *cobra.Command, args []string) error {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return err
	}

	path := statePath
	if path == "" {
		dir, err := os.MkdirTemp("", "replay-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "review.sqlite")
	}

	return state.WithState(path, false, func(s *state.Store) error {
		sum, err := replay.Replay(s, f)
		if err != nil {
			return err
		}
		logger.Info("fixture replayed",
			zap.String("fixture", fixturePath),
			zap.String("state", path),
			zap.Int("events", len(f.Events)),
		)
		printSummary(sum)

		if !verify {
			return nil
		}
		if f.Expected == nil {
			logger.Warn("fixture has no expected aggregates", zap.String("fixture", fixturePath))
			return nil
		}
		if err := replay.Verify(s, *f.Expected); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "PASS")
		return nil
	}, state.WithLogger(logger))
}

func printSummary(sum replay.Summary) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return
	}
	st := sum.Stats
	if sum.Description != "" {
		fmt.Printf("Fixture:   %s\n", sum.Description)
	}
	fmt.Printf("Records:   %d (%d reviewed, %d pool, %d pending)\n", st.NRecords, st.NReviewed, st.NPool, st.NPending)
	fmt.Printf("Labels:    %d included, %d excluded\n", st.NIncluded, st.NExcluded)
	fmt.Printf("Queries:   %d priors, %d model rounds\n", st.NPriors, st.NModels)
	fmt.Printf("Changes:   %d\n", sum.Changes)
}

// #endregion run
