package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/screening-state/internal/config"
	"github.com/danielpatrickdp/screening-state/internal/gate"
	"github.com/danielpatrickdp/screening-state/internal/logging"
	"github.com/danielpatrickdp/screening-state/internal/metrics"
	"github.com/danielpatrickdp/screening-state/internal/query"
	"github.com/danielpatrickdp/screening-state/internal/ranker"
	"github.com/danielpatrickdp/screening-state/internal/review"
	"github.com/danielpatrickdp/screening-state/internal/state"
)

var (
	configPath  string
	recordsPath string
	included    []int64
	excluded    []int64

	cfg    config.Config
	logger *zap.Logger
)

// #region main

var rootCmd = &cobra.Command{
	Use:   "screen",
	Short: "Screen records interactively with an active-learning loop",
	Long: `Opens (or creates) the configured review state and asks for a label on
each selected record: y = relevant, n = irrelevant, s = skip, q = quit.

A new review needs --records (one record id per line) and may seed prior
knowledge with --include and --exclude. Ranking uses the gRPC service at
ranker.addr, or a centroid model over the stored feature matrix when no
address is configured.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		logger, err = logging.New(cfg.Log)
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
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, toml or json)")
	rootCmd.Flags().StringVar(&recordsPath, "records", "", "record ids for a new review, one per line")
	rootCmd.Flags().Int64SliceVar(&included, "include", nil, "prior relevant record ids")
	rootCmd.Flags().Int64SliceVar(&excluded, "exclude", nil, "prior irrelevant record ids")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion main

// #region run

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := state.Open(cfg.State.Path, false,
		state.WithLogger(logger),
		state.WithBusyTimeout(cfg.State.BusyTimeout),
	)
	if err != nil {
		return err
	}
	defer store.Close()

	r, closeRanker, err := buildRanker(store)
	if err != nil {
		return err
	}
	defer closeRanker()

	strategy, err := query.New(query.ID(cfg.Review.QueryStrategy), query.Config{
		MixRatio: cfg.Review.MixRatio,
		Seed:     cfg.Review.Seed,
	})
	if err != nil {
		return err
	}

	sess, err := review.New(store, r, strategy, priorSettings(cfg.Review.Settings(), included, excluded),
		review.WithMetrics(m),
		review.WithLogger(logger),
		review.WithRetrainEvery(cfg.Review.RetrainEvery),
	)
	if err != nil {
		return err
	}

	empty, err := store.IsEmpty()
	if err != nil {
		return err
	}
	if empty {
		if err := start(ctx, sess); err != nil {
			return err
		}
	}

	g := gate.NewGate(cfg.Review.Gate())
	if err := screenLoop(ctx, sess, g, os.Stdin, os.Stdout, cfg.Review.NInstances); err != nil {
		return err
	}
	st, err := sess.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d of %d reviewed: %d included, %d excluded, %d since last relevant\n",
		st.NReviewed, st.NRecords, st.NIncluded, st.NExcluded, st.NSinceLastRelevant)
	return nil
}

func start(ctx context.Context, sess *review.Session) error {
	if recordsPath == "" {
		return errors.New("new review: --records is required")
	}
	records, err := readRecords(recordsPath)
	if err != nil {
		return err
	}
	priors := make([]review.Prior, 0, len(included)+len(excluded))
	for _, id := range included {
		priors = append(priors, review.Prior{RecordID: state.RecordID(id), Label: state.Relevant})
	}
	for _, id := range excluded {
		priors = append(priors, review.Prior{RecordID: state.RecordID(id), Label: state.Irrelevant})
	}
	logger.Info("starting review", zap.Int("records", len(records)), zap.Int("priors", len(priors)))
	return sess.Start(ctx, records, priors)
}

// priorSettings records the prior knowledge counts given on the command line.
func priorSettings(base state.Settings, included, excluded []int64) state.Settings {
	base.NPriorIncluded = len(included)
	base.NPriorExcluded = len(excluded)
	return base
}

func readRecords(path string) ([]state.RecordID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []state.RecordID
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		id, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		ids = append(ids, state.RecordID(id))
	}
	return ids, sc.Err()
}

// #endregion run

// #region ranker

// timeoutRanker bounds every ranking call.
type timeoutRanker struct {
	r       ranker.Ranker
	timeout time.Duration
}

func (t timeoutRanker) Rank(ctx context.Context, req ranker.Request) (ranker.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.r.Rank(ctx, req)
}

// buildRanker picks the remote service, then a centroid model over the
// stored feature matrix, then no ranker at all.
func buildRanker(store *state.Store) (ranker.Ranker, func(), error) {
	noop := func() {}
	if cfg.Ranker.Addr != "" {
		c, err := ranker.NewClient(cfg.Ranker.Addr)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using ranking service", zap.String("addr", cfg.Ranker.Addr))
		r := ranker.NewRetrying(timeoutRanker{r: c, timeout: cfg.Ranker.Timeout},
			cfg.Ranker.MaxRetries, cfg.Ranker.RetryBackoff, logger)
		return r, func() { _ = c.Close() }, nil
	}

	m, err := store.FeatureMatrix()
	switch {
	case errors.Is(err, state.ErrNotFound):
		logger.Warn("no ranker configured and no feature matrix stored; selection is random")
		return nil, noop, nil
	case err != nil:
		return nil, noop, err
	}
	table, err := store.RecordTable()
	if err != nil {
		return nil, noop, err
	}
	c, err := ranker.NewCentroid(table, m)
	if err != nil {
		return nil, noop, err
	}
	logger.Info("using centroid ranker", zap.Int("rows", m.Rows), zap.Int("cols", m.Cols))
	return c, noop, nil
}

// #endregion ranker

// #region metrics

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// #endregion metrics

// #region loop

// screenLoop asks for a decision on every selected record until the gate
// stops the review, the pool is exhausted or the user quits. It also returns
// at end of input and when every outstanding selection was skipped. g may be nil.
func screenLoop(ctx context.Context, sess *review.Session, g *gate.Gate, in io.Reader, out io.Writer, batch int) error {
	sc := bufio.NewScanner(in)
	skipped := make(map[state.RecordID]bool)
	for {
		ids, err := sess.Next(ctx, batch)
		if errors.Is(err, review.ErrReviewClosed) {
			fmt.Fprintln(out, "All records reviewed.")
			return nil
		}
		if err != nil {
			return err
		}

		progressed := false
		for _, id := range ids {
			if skipped[id] {
				continue
			}
			answer, ok := ask(sc, out, id)
			if !ok {
				return sc.Err()
			}
			switch answer {
			case "q":
				return nil
			case "s":
				skipped[id] = true
				continue
			}
			label := state.Irrelevant
			if answer == "y" {
				label = state.Relevant
			}
			if err := sess.Label(ctx, id, label); err != nil {
				return err
			}
			progressed = true

			if g == nil {
				continue
			}
			st, err := sess.Stats()
			if err != nil {
				return err
			}
			if d := g.Evaluate(st); d.Stopped {
				fmt.Fprintf(out, "Stopping: %s\n", d.Reason)
				return nil
			}
		}
		if !progressed {
			fmt.Fprintln(out, "Every outstanding record was skipped.")
			return nil
		}
	}
}

// ask prompts until it reads one of y, n, s or q. ok is false at end of input.
func ask(sc *bufio.Scanner, out io.Writer, id state.RecordID) (string, bool) {
	for {
		fmt.Fprintf(out, "record %d relevant? [y/n/s/q] ", id)
		if !sc.Scan() {
			return "", false
		}
		switch a := strings.ToLower(strings.TrimSpace(sc.Text())); a {
		case "y", "n", "s", "q":
			return a, true
		}
	}
}

// #endregion loop
