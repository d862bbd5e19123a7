package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/review"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	statePath string
	queryNum  int
	recordID  int64
	columns   []string
	jsonOut   bool
	logLevel  string

	logger *zap.Logger
)

// #region main

var rootCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect a review state file without modifying it",
	Long: `Opens a review state read-only and prints its summary.

  inspect --state review.sqlite
  inspect --state review.sqlite --query 0 --columns record_ids,labels
  inspect --state review.sqlite --record 17 --json`,
	Args: cobra.NoArgs,
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
	rootCmd.Flags().IntVar(&queryNum, "query", -1, "show the events of query N (0 = priors)")
	rootCmd.Flags().Int64Var(&recordID, "record", -1, "show the event of one record")
	rootCmd.Flags().StringSliceVar(&columns, "columns", nil, "results columns to show (default all)")
	rootCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level")
	_ = rootCmd.MarkFlagRequired("state")
	rootCmd.MarkFlagsMutuallyExclusive("query", "record")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cols := make([]state.Column, 0, len(columns))
	for _, name := range columns {
		c, err := state.ParseColumn(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		cols = append(cols, c)
	}

	return state.WithState(statePath, true, func(s *state.Store) error {
		switch {
		case cmd.Flags().Changed("query"):
			v, err := s.Query(queryNum, cols...)
			if err != nil {
				return err
			}
			return printView(v)
		case cmd.Flags().Changed("record"):
			e, err := s.ByRecord(state.RecordID(recordID))
			if err != nil {
				return err
			}
			v, err := state.Project([]state.ResultEvent{e}, cols...)
			if err != nil {
				return err
			}
			return printView(v)
		default:
			return printSummary(s)
		}
	}, state.WithLogger(logger))
}

// #endregion main

// #region summary

type summary struct {
	Path      string         `json:"path"`
	Version   string         `json:"version"`
	ReviewID  string         `json:"review_id"`
	CreatedAt time.Time      `json:"created_at"`
	Settings  state.Settings `json:"settings"`
	Stats     review.Stats   `json:"stats"`
	Models    bool           `json:"has_probabilities"`
	Matrix    string         `json:"feature_matrix,omitempty"`
}

func printSummary(s *state.Store) error {
	var out summary
	var err error
	out.Path = s.Path()
	if out.Version, err = s.Version(); err != nil {
		return err
	}
	if out.ReviewID, err = s.ReviewID(); err != nil {
		return err
	}
	if out.CreatedAt, err = s.CreatedAt(); err != nil {
		return err
	}
	if out.Settings, err = s.Settings(); err != nil {
		return err
	}
	if out.Stats, err = review.Compute(s); err != nil {
		return err
	}

	_, err = s.LastProbabilities()
	switch {
	case err == nil:
		out.Models = true
	case !errors.Is(err, state.ErrNotFound):
		return err
	}
	m, err := s.FeatureMatrix()
	switch {
	case err == nil:
		out.Matrix = fmt.Sprintf("%dx%d, %d non-zero", m.Rows, m.Cols, m.NNZ())
	case !errors.Is(err, state.ErrNotFound):
		return err
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("State:     %s (version %s)\n", out.Path, out.Version)
	fmt.Printf("Review:    %s, created %s\n", out.ReviewID, out.CreatedAt.Format(time.RFC3339))
	if out.Settings.IsZero() {
		fmt.Println("Settings:  (none)")
	} else {
		fmt.Printf("Settings:  model=%s query=%s balance=%s features=%s n_instances=%d\n",
			out.Settings.Model, out.Settings.QueryStrategy, out.Settings.BalanceStrategy,
			out.Settings.FeatureExtraction, out.Settings.NInstances)
	}
	st := out.Stats
	fmt.Printf("Records:   %d total, %d reviewed (%d included, %d excluded), %d in pool, %d pending\n",
		st.NRecords, st.NReviewed, st.NIncluded, st.NExcluded, st.NPool, st.NPending)
	fmt.Printf("Queries:   %d priors, %d model rounds, %d irrelevant since last relevant\n",
		st.NPriors, st.NModels, st.NSinceLastRelevant)
	fmt.Printf("Probs:     %t\n", out.Models)
	if out.Matrix != "" {
		fmt.Printf("Features:  %s\n", out.Matrix)
	}
	return nil
}

// #endregion summary

// #region view-output

func printView(v state.View) error {
	if jsonOut {
		rows := make([]map[state.Column]any, v.Len())
		for i := range rows {
			row := make(map[state.Column]any, len(v.Columns))
			for _, c := range v.Columns {
				row[c] = value(v, c, i)
			}
			rows[i] = row
		}
		return printJSON(rows)
	}

	if v.Len() == 0 {
		fmt.Fprintln(os.Stderr, "no events")
		return nil
	}
	header := make([]string, len(v.Columns))
	for i, c := range v.Columns {
		header[i] = fmt.Sprintf("%-20s", c)
	}
	fmt.Println(strings.TrimRight(strings.Join(header, "  "), " "))
	for i := 0; i < v.Len(); i++ {
		cells := make([]string, len(v.Columns))
		for j, c := range v.Columns {
			cells[j] = fmt.Sprintf("%-20s", cell(v, c, i))
		}
		fmt.Println(strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	return nil
}

func value(v state.View, c state.Column, i int) any {
	switch c {
	case state.ColumnRecordIDs:
		return v.RecordIDs[i]
	case state.ColumnLabels:
		return v.Labels[i]
	case state.ColumnClassifiers:
		return v.Classifiers[i]
	case state.ColumnQueryStrategies:
		return v.QueryStrategies[i]
	case state.ColumnBalanceStrategies:
		return v.BalanceStrategies[i]
	case state.ColumnFeatureExtraction:
		return v.FeatureExtraction[i]
	case state.ColumnTrainingSets:
		return v.TrainingSets[i]
	case state.ColumnLabelingTimes:
		return v.LabelingTimes[i]
	}
	return nil
}

func cell(v state.View, c state.Column, i int) string {
	switch x := value(v, c, i).(type) {
	case state.RecordID:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case time.Time:
		return x.Format("2006-01-02T15:04:05.000000Z")
	case string:
		return x
	}
	return ""
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion view-output
