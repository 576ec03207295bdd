package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nvandessel/gpcal/internal/calerr"
	"github.com/nvandessel/gpcal/internal/models"
)

// timeFormat has fixed-width fractions so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteTraceStore implements TraceStore on a single SQLite file.
type SQLiteTraceStore struct {
	mu   sync.Mutex
	db   *sqlx.DB
	path string
}

var _ TraceStore = (*SQLiteTraceStore)(nil)

// Open opens or creates the database at path.
func Open(path string) (*SQLiteTraceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteTraceStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteTraceStore) Path() string { return s.path }

func (s *SQLiteTraceStore) Close() error {
	return s.db.Close()
}

type runRow struct {
	ID                string         `db:"id"`
	Sampler           string         `db:"sampler"`
	Model             string         `db:"model"`
	Seed              int64          `db:"seed"`
	ParameterNames    string         `db:"parameter_names"`
	OutputNames       string         `db:"output_names"`
	Settings          sql.NullString `db:"settings"`
	CreatedAt         string         `db:"created_at"`
	Status            string         `db:"status"`
	Written           int            `db:"written"`
	Failures          int            `db:"failures"`
	AcceptanceRate    float64        `db:"acceptance_rate"`
	BestLogLikelihood string         `db:"best_log_likelihood"`
	FinishedAt        sql.NullString `db:"finished_at"`
}

type sampleRow struct {
	RunID           string         `db:"run_id"`
	Phase           string         `db:"phase"`
	Seq             int            `db:"seq"`
	ParameterValues string         `db:"parameter_values"`
	OutputValues    string         `db:"output_values"`
	LogLikelihood   string         `db:"log_likelihood"`
	Comments        sql.NullString `db:"comments"`
}

func (s *SQLiteTraceStore) CreateRun(ctx context.Context, info RunInfo) (string, error) {
	if info.ID == "" {
		info.ID = uuid.New().String()
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	if info.Status == "" {
		info.Status = RunRunning
	}

	params, err := json.Marshal(nonNil(info.ParameterNames))
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameter names: %w", err)
	}
	outputs, err := json.Marshal(nonNil(info.OutputNames))
	if err != nil {
		return "", fmt.Errorf("failed to marshal output names: %w", err)
	}
	row := runRow{
		ID:                info.ID,
		Sampler:           info.Sampler,
		Model:             info.Model,
		Seed:              int64(info.Seed),
		ParameterNames:    string(params),
		OutputNames:       string(outputs),
		CreatedAt:         info.CreatedAt.UTC().Format(timeFormat),
		Status:            string(info.Status),
		BestLogLikelihood: "0",
	}
	if len(info.Settings) > 0 {
		settings, err := json.Marshal(info.Settings)
		if err != nil {
			return "", fmt.Errorf("failed to marshal settings: %w", err)
		}
		row.Settings = sql.NullString{String: string(settings), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, sampler, model, seed, parameter_names, output_names, settings,
		                  created_at, status, written, failures, acceptance_rate, best_log_likelihood)
		VALUES (:id, :sampler, :model, :seed, :parameter_names, :output_names, :settings,
		        :created_at, :status, :written, :failures, :acceptance_rate, :best_log_likelihood)`, row)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return info.ID, nil
}

func (s *SQLiteTraceStore) AppendSamples(ctx context.Context, runID, phase string, firstSeq int, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]sampleRow, len(samples))
	for i, sample := range samples {
		rows[i] = sampleRow{
			RunID:           runID,
			Phase:           phase,
			Seq:             firstSeq + i,
			ParameterValues: encodeFloats(sample.ParameterValues),
			OutputValues:    encodeFloats(sample.OutputValues),
			LogLikelihood:   formatFloat(sample.LogLikelihood),
		}
		if len(sample.Comments) > 0 {
			c, err := json.Marshal(sample.Comments)
			if err != nil {
				return fmt.Errorf("failed to marshal comments: %w", err)
			}
			rows[i].Comments = sql.NullString{String: string(c), Valid: true}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO samples (run_id, phase, seq, parameter_values, output_values, log_likelihood, comments)
		VALUES (:run_id, :phase, :seq, :parameter_values, :output_values, :log_likelihood, :comments)`, rows)
	if err != nil {
		return fmt.Errorf("failed to insert samples for run %s: %w", runID, err)
	}
	return tx.Commit()
}

func (s *SQLiteTraceStore) FinishRun(ctx context.Context, runID string, result RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, written = ?, failures = ?, acceptance_rate = ?,
		                best_log_likelihood = ?, finished_at = ?
		WHERE id = ?`,
		string(result.Status), result.Written, result.Failures, result.AcceptanceRate,
		formatFloat(result.BestLogLikelihood), time.Now().UTC().Format(timeFormat), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, calerr.ErrFileNotFound)
	}
	return nil
}

func (s *SQLiteTraceStore) Runs(ctx context.Context) ([]RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM runs ORDER BY created_at DESC, id`); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]RunInfo, 0, len(rows))
	for _, r := range rows {
		info, err := r.info()
		if err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	return runs, nil
}

func (s *SQLiteTraceStore) Run(ctx context.Context, idOrPrefix string) (RunInfo, error) {
	if idOrPrefix == "" {
		return RunInfo{}, fmt.Errorf("empty run id: %w", calerr.ErrOther)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []runRow
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(idOrPrefix) + "%"
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM runs WHERE id LIKE ? ESCAPE '\' ORDER BY id = ? DESC LIMIT 2`, pattern, idOrPrefix)
	if err != nil {
		return RunInfo{}, fmt.Errorf("failed to look up run %s: %w", idOrPrefix, err)
	}
	switch {
	case len(rows) == 0:
		return RunInfo{}, fmt.Errorf("no run %q: %w", idOrPrefix, calerr.ErrFileNotFound)
	case len(rows) == 1, rows[0].ID == idOrPrefix:
		return rows[0].info()
	}
	return RunInfo{}, fmt.Errorf("run prefix %q is ambiguous: %w", idOrPrefix, calerr.ErrOther)
}

func (s *SQLiteTraceStore) LoadTrace(ctx context.Context, runID, phase string) (*models.Trace, error) {
	s.mu.Lock()
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM samples WHERE run_id = ? AND phase = ? ORDER BY seq`, runID, phase)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to load trace of run %s: %w", runID, err)
	}

	trace := models.NewTrace()
	for _, r := range rows {
		sample, err := r.sample()
		if err != nil {
			return nil, fmt.Errorf("run %s sample %d: %w", runID, r.Seq, err)
		}
		if err := trace.Add(sample); err != nil {
			return nil, err
		}
	}
	return trace, nil
}

func (s *SQLiteTraceStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, calerr.ErrFileNotFound)
	}
	return nil
}

func (r runRow) info() (RunInfo, error) {
	info := RunInfo{
		ID:             r.ID,
		Sampler:        r.Sampler,
		Model:          r.Model,
		Seed:           uint64(r.Seed),
		Status:         RunStatus(r.Status),
		Written:        r.Written,
		Failures:       r.Failures,
		AcceptanceRate: r.AcceptanceRate,
	}
	var err error
	if info.CreatedAt, err = time.Parse(timeFormat, r.CreatedAt); err != nil {
		return RunInfo{}, fmt.Errorf("run %s created_at: %w", r.ID, err)
	}
	if r.FinishedAt.Valid {
		t, err := time.Parse(timeFormat, r.FinishedAt.String)
		if err != nil {
			return RunInfo{}, fmt.Errorf("run %s finished_at: %w", r.ID, err)
		}
		info.FinishedAt = &t
	}
	if info.BestLogLikelihood, err = strconv.ParseFloat(r.BestLogLikelihood, 64); err != nil {
		return RunInfo{}, fmt.Errorf("run %s best_log_likelihood: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ParameterNames), &info.ParameterNames); err != nil {
		return RunInfo{}, fmt.Errorf("run %s parameter names: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.OutputNames), &info.OutputNames); err != nil {
		return RunInfo{}, fmt.Errorf("run %s output names: %w", r.ID, err)
	}
	if r.Settings.Valid {
		if err := json.Unmarshal([]byte(r.Settings.String), &info.Settings); err != nil {
			return RunInfo{}, fmt.Errorf("run %s settings: %w", r.ID, err)
		}
	}
	return info, nil
}

func (r sampleRow) sample() (models.Sample, error) {
	params, err := decodeFloats(r.ParameterValues)
	if err != nil {
		return models.Sample{}, err
	}
	outputs, err := decodeFloats(r.OutputValues)
	if err != nil {
		return models.Sample{}, err
	}
	ll, err := strconv.ParseFloat(r.LogLikelihood, 64)
	if err != nil {
		return models.Sample{}, err
	}
	s := models.Sample{ParameterValues: params, OutputValues: outputs, LogLikelihood: ll}
	if r.Comments.Valid {
		if err := json.Unmarshal([]byte(r.Comments.String), &s.Comments); err != nil {
			return models.Sample{}, err
		}
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func encodeFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = formatFloat(x)
	}
	return strings.Join(parts, " ")
}

// decodeFloats returns nil for an empty vector.
func decodeFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	v := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q: %w", f, err)
		}
		v[i] = x
	}
	return v, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
