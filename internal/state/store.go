package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// #region version
const (
	// FormatVersion is written into every new state file.
	FormatVersion = "1.0"
	// supportedMajor is the only major version this package reads.
	supportedMajor = "1"

	metaProbabilitiesLabeled = "probabilities_labeled"
)

// #endregion version

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS record_table (
	row_index  INTEGER PRIMARY KEY,
	record_ids INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS results (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	record_ids         INTEGER NOT NULL UNIQUE,
	labels             INTEGER NOT NULL CHECK (labels IN (0, 1)),
	classifiers        TEXT NOT NULL,
	query_strategies   TEXT NOT NULL,
	balance_strategies TEXT NOT NULL,
	feature_extraction TEXT NOT NULL,
	training_sets      INTEGER NOT NULL CHECK (training_sets >= -1),
	labeling_times     INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS trg_results_no_update
BEFORE UPDATE ON results
BEGIN
	SELECT RAISE(ABORT, 'results are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_results_no_delete
BEFORE DELETE ON results
BEGIN
	SELECT RAISE(ABORT, 'results are append-only: DELETE forbidden');
END;

CREATE TABLE IF NOT EXISTS pending (
	record_ids       INTEGER PRIMARY KEY,
	query_strategies TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS last_probabilities (
	row_index INTEGER PRIMARY KEY,
	proba     REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS feature_matrix (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	n_rows  INTEGER NOT NULL,
	n_cols  INTEGER NOT NULL,
	indptr  BLOB NOT NULL,
	indices BLOB NOT NULL,
	data    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_changes (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	record_ids INTEGER NOT NULL REFERENCES results(record_ids),
	new_labels INTEGER NOT NULL CHECK (new_labels IN (0, 1)),
	time       INTEGER NOT NULL
);
`

// #endregion schema

// #region options
// Option configures Open.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	now         func() time.Time
	busyTimeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		now:         time.Now,
		busyTimeout: 5 * time.Second,
	}
}

// WithLogger sets the logger used for lifecycle and write events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used to fill missing labeling times.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBusyTimeout sets how long SQLite waits on a lock held by another connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// #endregion options

// #region store-struct
// Store is a handle on one review's state file. A read-write Store holds the
// file's writer lock until Close; a read-only Store serves the snapshot taken
// at Open. A Store is not safe for concurrent use.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
	closed   bool
	lock     *fileLock
	logger   *zap.Logger
	now      func() time.Time

	version   string
	reviewID  string
	createdAt time.Time
	settings  Settings

	records   []RecordID
	recordIdx map[RecordID]int

	results []ResultEvent
	logged  map[RecordID]int
	queries queryIndex

	pending       map[RecordID]string
	probabilities []float64
	probsLabeled  int
	matrix        *CSR
	changes       []DecisionChange
}

// #endregion store-struct

// #region open
// Open acquires a handle on the state file at path. A read-only open never
// creates the file; a read-write open creates an empty state when it is missing.
func Open(path string, readOnly bool, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	exists := true
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		exists = false
	}
	if readOnly && !exists {
		return nil, fmt.Errorf("open %s: %w", path, ErrNotFound)
	}

	s := &Store{
		path:     path,
		readOnly: readOnly,
		logger:   o.logger.With(zap.String("state", path), zap.Bool("read_only", readOnly)),
		now:      o.now,
	}

	if !readOnly {
		lk, err := acquireLock(lockPath(path))
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		s.lock = lk
	}

	db, err := openDB(path, readOnly, o.busyTimeout)
	if err != nil {
		s.abort()
		return nil, err
	}
	s.db = db

	if !readOnly {
		if err := s.ensureSchema(); err != nil {
			s.abort()
			return nil, err
		}
	}
	if err := s.load(); err != nil {
		s.abort()
		return nil, err
	}

	s.logger.Debug("state opened",
		zap.String("version", s.version),
		zap.String("review_id", s.reviewID),
		zap.Int("records", len(s.records)),
		zap.Int("labeled", len(s.results)),
	)
	return s, nil
}

// WithState opens the state at path, runs fn and always closes the handle.
// The error from fn takes precedence over the error from Close.
func WithState(path string, readOnly bool, fn func(*Store) error, opts ...Option) (err error) {
	s, err := Open(path, readOnly, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func openDB(path string, readOnly bool, busyTimeout time.Duration) (*sql.DB, error) {
	dsn := path
	if readOnly {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		dsn = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}).String()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	if !readOnly {
		// Rollback journal keeps read-only opens free of -wal/-shm side files.
		pragmas = append(pragmas, "PRAGMA journal_mode=DELETE", "PRAGMA synchronous=FULL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// abort releases whatever a failed Open managed to acquire.
func (s *Store) abort() {
	if s.db != nil {
		s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.release(); err != nil {
			s.logger.Warn("release lock after failed open", zap.Error(err))
		}
	}
	s.closed = true
}

// #endregion open

// #region ensure-schema
// ensureSchema initializes a fresh file. Files that already carry tables but
// no metadata are not review states and are left untouched.
func (s *Store) ensureSchema() error {
	var tables, hasMeta int
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(name = 'metadata'), 0) FROM sqlite_master WHERE type = 'table'`,
	).Scan(&tables, &hasMeta)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if hasMeta == 1 {
		return nil
	}
	if tables > 0 {
		return fmt.Errorf("%s has no version marker: %w", s.path, ErrIncompatibleVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	meta := map[string]string{
		"version":    FormatVersion,
		"review_id":  uuid.New().String(),
		"created_at": s.now().UTC().Format(time.RFC3339Nano),
		"settings":   "{}",
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("insert metadata %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("created state", zap.String("version", FormatVersion))
	return nil
}

// #endregion ensure-schema

// #region load
// load reads the whole state inside one read transaction, so a read-only
// handle sees a consistent snapshot as of Open.
func (s *Store) load() error {
	var hasMeta int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metadata'`,
	).Scan(&hasMeta)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if hasMeta == 0 {
		return fmt.Errorf("%s has no version marker: %w", s.path, ErrIncompatibleVersion)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	meta, err := loadMetadata(tx)
	if err != nil {
		return err
	}
	if err := s.applyMetadata(meta); err != nil {
		return err
	}
	if err := s.loadRecords(tx); err != nil {
		return err
	}
	if err := s.loadResults(tx); err != nil {
		return err
	}
	if err := s.loadPending(tx); err != nil {
		return err
	}
	if err := s.loadProbabilities(tx); err != nil {
		return err
	}
	if err := s.loadMatrix(tx); err != nil {
		return err
	}
	if err := s.loadChanges(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func loadMetadata(tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.Query(`SELECT key, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *Store) applyMetadata(meta map[string]string) error {
	version, ok := meta["version"]
	if !ok {
		return fmt.Errorf("%s has no version marker: %w", s.path, ErrIncompatibleVersion)
	}
	if major, _, _ := strings.Cut(version, "."); major != supportedMajor {
		return fmt.Errorf("state version %s, supported %s.x: %w", version, supportedMajor, ErrIncompatibleVersion)
	}
	s.version = version
	s.reviewID = meta["review_id"]
	s.createdAt, _ = time.Parse(time.RFC3339Nano, meta["created_at"])

	s.probsLabeled = 0
	if raw, ok := meta[metaProbabilitiesLabeled]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("metadata %s=%q: %w", metaProbabilitiesLabeled, raw, err)
		}
		s.probsLabeled = n
	}

	s.settings = Settings{}
	if raw := meta["settings"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.settings); err != nil {
			return fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return nil
}

func (s *Store) loadRecords(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT record_ids FROM record_table ORDER BY row_index`)
	if err != nil {
		return fmt.Errorf("read record table: %w", err)
	}
	defer rows.Close()

	s.records = nil
	s.recordIdx = make(map[RecordID]int)
	for rows.Next() {
		var id RecordID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		s.recordIdx[id] = len(s.records)
		s.records = append(s.records, id)
	}
	return rows.Err()
}

func (s *Store) loadResults(tx *sql.Tx) error {
	rows, err := tx.Query(
		`SELECT record_ids, labels, classifiers, query_strategies, balance_strategies,
		        feature_extraction, training_sets, labeling_times
		 FROM results ORDER BY id`,
	)
	if err != nil {
		return fmt.Errorf("read results: %w", err)
	}
	defer rows.Close()

	s.results = nil
	s.logged = make(map[RecordID]int)
	s.queries = newQueryIndex()
	for rows.Next() {
		var e ResultEvent
		var micros int64
		if err := rows.Scan(&e.RecordID, &e.Label, &e.Classifier, &e.QueryStrategy,
			&e.BalanceStrategy, &e.FeatureExtraction, &e.TrainingSet, &micros); err != nil {
			return fmt.Errorf("scan result: %w", err)
		}
		e.LabelingTime = time.UnixMicro(micros).UTC()
		s.pushResult(e)
	}
	return rows.Err()
}

func (s *Store) loadPending(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT record_ids, query_strategies FROM pending`)
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	defer rows.Close()

	s.pending = make(map[RecordID]string)
	for rows.Next() {
		var id RecordID
		var strategy string
		if err := rows.Scan(&id, &strategy); err != nil {
			return fmt.Errorf("scan pending: %w", err)
		}
		s.pending[id] = strategy
	}
	return rows.Err()
}

func (s *Store) loadProbabilities(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT proba FROM last_probabilities ORDER BY row_index`)
	if err != nil {
		return fmt.Errorf("read probabilities: %w", err)
	}
	defer rows.Close()

	s.probabilities = nil
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan probability: %w", err)
		}
		s.probabilities = append(s.probabilities, p)
	}
	return rows.Err()
}

func (s *Store) loadMatrix(tx *sql.Tx) error {
	var m CSR
	var indptr, indices, data []byte
	err := tx.QueryRow(
		`SELECT n_rows, n_cols, indptr, indices, data FROM feature_matrix WHERE id = 1`,
	).Scan(&m.Rows, &m.Cols, &indptr, &indices, &data)
	if errors.Is(err, sql.ErrNoRows) {
		s.matrix = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read feature matrix: %w", err)
	}
	m.IndPtr = decodeInt64s(indptr)
	m.Indices = decodeInt32s(indices)
	m.Data = decodeFloat64s(data)
	if err := m.Validate(); err != nil {
		return fmt.Errorf("stored feature matrix: %w", err)
	}
	s.matrix = &m
	return nil
}

func (s *Store) loadChanges(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT record_ids, new_labels, time FROM decision_changes ORDER BY id`)
	if err != nil {
		return fmt.Errorf("read decision changes: %w", err)
	}
	defer rows.Close()

	s.changes = nil
	for rows.Next() {
		var c DecisionChange
		var micros int64
		if err := rows.Scan(&c.RecordID, &c.NewLabel, &micros); err != nil {
			return fmt.Errorf("scan decision change: %w", err)
		}
		c.Time = time.UnixMicro(micros).UTC()
		s.changes = append(s.changes, c)
	}
	return rows.Err()
}

// #endregion load

// #region close
// Close releases the handle and, for a writer, the state lock. Every write is
// committed synchronously, so there is nothing left to flush.
func (s *Store) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true

	var err error
	if cerr := s.db.Close(); cerr != nil {
		err = fmt.Errorf("close db: %w", cerr)
	}
	if s.lock != nil {
		if lerr := s.lock.release(); lerr != nil && err == nil {
			err = lerr
		}
	}
	s.logger.Debug("state closed", zap.Int("labeled", len(s.results)))
	return err
}

// #endregion close

// #region guards
func (s *Store) checkOpen(op string) error {
	if s.closed {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return nil
}

func (s *Store) checkWritable(op string) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	return nil
}

// #endregion guards

// #region metadata-accessors
// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// ReadOnly reports whether the handle was opened read-only.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// Version returns the format version stored in the file.
func (s *Store) Version() (string, error) {
	if err := s.checkOpen("version"); err != nil {
		return "", err
	}
	return s.version, nil
}

// ReviewID returns the id generated when the state was created.
func (s *Store) ReviewID() (string, error) {
	if err := s.checkOpen("review id"); err != nil {
		return "", err
	}
	return s.reviewID, nil
}

// CreatedAt returns the creation time of the state.
func (s *Store) CreatedAt() (time.Time, error) {
	if err := s.checkOpen("created at"); err != nil {
		return time.Time{}, err
	}
	return s.createdAt, nil
}

// IsEmpty reports whether nothing but settings has been written yet.
func (s *Store) IsEmpty() (bool, error) {
	if err := s.checkOpen("is empty"); err != nil {
		return false, err
	}
	return s.isEmpty(), nil
}

func (s *Store) isEmpty() bool {
	return len(s.records) == 0 &&
		len(s.results) == 0 &&
		len(s.pending) == 0 &&
		s.probabilities == nil &&
		s.matrix == nil &&
		len(s.changes) == 0
}

// #endregion metadata-accessors

// #region settings
// Settings returns the review settings; the zero value if never set.
func (s *Store) Settings() (Settings, error) {
	if err := s.checkOpen("settings"); err != nil {
		return Settings{}, err
	}
	return s.settings, nil
}

// SetSettings replaces the placeholder settings. Settings are write-once.
func (s *Store) SetSettings(settings Settings) error {
	if err := s.checkWritable("set settings"); err != nil {
		return err
	}
	if !s.settings.IsZero() {
		return fmt.Errorf("set settings: %w", ErrAlreadySet)
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE metadata SET value = ? WHERE key = 'settings'`, string(raw)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.settings = settings
	return nil
}

// #endregion settings

// #region record-table
// SetRecordTable establishes the record universe. It can only be written
// once, on an otherwise empty state.
func (s *Store) SetRecordTable(ids []RecordID) error {
	if err := s.checkWritable("set record table"); err != nil {
		return err
	}
	if !s.isEmpty() {
		return fmt.Errorf("set record table: %w", ErrAlreadySet)
	}
	idx := make(map[RecordID]int, len(ids))
	for i, id := range ids {
		if _, ok := idx[id]; ok {
			return fmt.Errorf("set record table: record %d: %w", id, ErrDuplicateRecord)
		}
		idx[id] = i
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO record_table (row_index, record_ids) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert record: %w", err)
	}
	defer stmt.Close()
	for i, id := range ids {
		if _, err := stmt.Exec(i, id); err != nil {
			return fmt.Errorf("insert record %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.records = append([]RecordID(nil), ids...)
	s.recordIdx = idx
	s.logger.Info("record table set", zap.Int("records", len(ids)))
	return nil
}

// RecordTable returns the record universe in canonical row order.
func (s *Store) RecordTable() ([]RecordID, error) {
	if err := s.checkOpen("record table"); err != nil {
		return nil, err
	}
	return append([]RecordID(nil), s.records...), nil
}

// #endregion record-table

// #region pending
// RecordPending registers a record that a model selected but nobody has
// labeled yet. Registering it again overwrites the strategy.
func (s *Store) RecordPending(id RecordID, strategy string) error {
	if err := s.checkWritable("record pending"); err != nil {
		return err
	}
	if _, ok := s.recordIdx[id]; !ok {
		return fmt.Errorf("record pending %d: %w", id, ErrUnknownRecord)
	}
	if _, ok := s.logged[id]; ok {
		return fmt.Errorf("record pending %d: %w", id, ErrDuplicateRecord)
	}
	_, err := s.db.Exec(
		`INSERT INTO pending (record_ids, query_strategies) VALUES (?, ?)
		 ON CONFLICT(record_ids) DO UPDATE SET query_strategies = excluded.query_strategies`,
		id, strategy,
	)
	if err != nil {
		return fmt.Errorf("insert pending %d: %w", id, err)
	}
	s.pending[id] = strategy
	return nil
}

// CurrentQueries returns the outstanding queries keyed by record id.
func (s *Store) CurrentQueries() (map[RecordID]string, error) {
	if err := s.checkOpen("current queries"); err != nil {
		return nil, err
	}
	out := make(map[RecordID]string, len(s.pending))
	for id, strategy := range s.pending {
		out[id] = strategy
	}
	return out, nil
}

// ClearPending drops every outstanding query.
func (s *Store) ClearPending() error {
	if err := s.checkWritable("clear pending"); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM pending`); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	s.pending = make(map[RecordID]string)
	return nil
}

// #endregion pending

// #region probabilities
// SetLastProbabilities replaces the probability cache. values must hold one
// score per record, in record table order. The cache is recorded as fitted on
// every label logged so far.
func (s *Store) SetLastProbabilities(values []float64) error {
	if err := s.checkWritable("set last probabilities"); err != nil {
		return err
	}
	return s.setProbabilities(values, len(s.results))
}

// SetLastProbabilitiesTrainedOn replaces the probability cache like
// SetLastProbabilities, for a model fitted on the first labeled records of
// the log. labeled must lie within [0, Count()].
func (s *Store) SetLastProbabilitiesTrainedOn(values []float64, labeled int) error {
	if err := s.checkWritable("set last probabilities"); err != nil {
		return err
	}
	if labeled < 0 || labeled > len(s.results) {
		return fmt.Errorf("set last probabilities: trained on %d of %d labels: %w",
			labeled, len(s.results), ErrLengthMismatch)
	}
	return s.setProbabilities(values, labeled)
}

func (s *Store) setProbabilities(values []float64, labeled int) error {
	if len(s.records) == 0 || len(values) != len(s.records) {
		return fmt.Errorf("set last probabilities: %d values for %d records: %w",
			len(values), len(s.records), ErrLengthMismatch)
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return fmt.Errorf("set last probabilities: index %d: %w", i, ErrInvalidProbability)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM last_probabilities`); err != nil {
		return fmt.Errorf("clear probabilities: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO last_probabilities (row_index, proba) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert probability: %w", err)
	}
	defer stmt.Close()
	for i, v := range values {
		if _, err := stmt.Exec(i, v); err != nil {
			return fmt.Errorf("insert probability %d: %w", i, err)
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaProbabilitiesLabeled, strconv.Itoa(labeled),
	); err != nil {
		return fmt.Errorf("record probabilities label count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.probabilities = append([]float64(nil), values...)
	s.probsLabeled = labeled
	s.logger.Debug("probabilities replaced", zap.Int("n", len(values)), zap.Int("labeled", s.probsLabeled))
	return nil
}

// ProbabilitiesLabelCount returns how many records were labeled when the
// probability cache was last written.
func (s *Store) ProbabilitiesLabelCount() (int, error) {
	if err := s.checkOpen("probabilities label count"); err != nil {
		return 0, err
	}
	if s.probabilities == nil {
		return 0, fmt.Errorf("probabilities label count: %w", ErrNotFound)
	}
	return s.probsLabeled, nil
}

// LastProbabilities returns the probability cache in record table order.
func (s *Store) LastProbabilities() ([]float64, error) {
	if err := s.checkOpen("last probabilities"); err != nil {
		return nil, err
	}
	if s.probabilities == nil {
		return nil, fmt.Errorf("last probabilities: %w", ErrNotFound)
	}
	return append([]float64(nil), s.probabilities...), nil
}

// #endregion probabilities

// #region feature-matrix
// SetFeatureMatrix stores the feature matrix, replacing any previous one.
func (s *Store) SetFeatureMatrix(m *CSR) error {
	if err := s.checkWritable("set feature matrix"); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("set feature matrix: nil matrix: %w", ErrInvalidMatrix)
	}
	if len(s.records) == 0 || m.Rows != len(s.records) {
		return fmt.Errorf("set feature matrix: %d rows for %d records: %w", m.Rows, len(s.records), ErrLengthMismatch)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("set feature matrix: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT INTO feature_matrix (id, n_rows, n_cols, indptr, indices, data) VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET n_rows = excluded.n_rows, n_cols = excluded.n_cols,
		   indptr = excluded.indptr, indices = excluded.indices, data = excluded.data`,
		m.Rows, m.Cols, encodeInt64s(m.IndPtr), encodeInt32s(m.Indices), encodeFloat64s(m.Data),
	)
	if err != nil {
		return fmt.Errorf("write feature matrix: %w", err)
	}
	s.matrix = m.clone()
	s.logger.Debug("feature matrix stored", zap.Int("rows", m.Rows), zap.Int("cols", m.Cols), zap.Int("nnz", m.NNZ()))
	return nil
}

// FeatureMatrix returns a copy of the stored feature matrix.
func (s *Store) FeatureMatrix() (*CSR, error) {
	if err := s.checkOpen("feature matrix"); err != nil {
		return nil, err
	}
	if s.matrix == nil {
		return nil, fmt.Errorf("feature matrix: %w", ErrNotFound)
	}
	return s.matrix.clone(), nil
}

// #endregion feature-matrix
