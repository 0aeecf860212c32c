package extract

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/xtxerr/airwatch/config"
	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage"
	storagecfg "github.com/xtxerr/airwatch/internal/storage/config"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Database runs extraction queries.
type Database interface {
	DB() *sql.DB
	ConfigureS3(ctx context.Context) error
}

// Sink receives each extracted file as one batch.
type Sink interface {
	Ingest(ctx context.Context, batch []types.Reading) (storage.IngestResult, error)
}

// Options configures the extractor.
type Options struct {
	SourceBasePath string
	PathTemplate   string
	Query          *QueryTemplate // nil selects the built-in query
	SourceTimeout  time.Duration

	// MaxFailures consecutive failed reads open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// OptionsFromConfig builds Options from the extract config section.
func OptionsFromConfig(cfg storagecfg.ExtractConfig) (Options, error) {
	q, err := LoadQueryTemplate(cfg.QueryTemplatePath)
	if err != nil {
		return Options{}, err
	}
	return Options{
		SourceBasePath: cfg.SourceBasePath,
		PathTemplate:   cfg.PathTemplate,
		Query:          q,
		SourceTimeout:  cfg.SourceTimeout,
		MaxFailures:    cfg.Breaker.MaxFailures,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
	}, nil
}

// Request selects the locations and the inclusive month range to extract.
type Request struct {
	LocationIDs []string
	Start       time.Time
	End         time.Time
}

// FileResult reports one data file.
type FileResult struct {
	Path     string `json:"path"`
	Read     int    `json:"read"`
	Appended int    `json:"appended"`
	Rejected int    `json:"rejected"`
	Missing  bool   `json:"missing,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunResult reports one extraction run.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Files    []FileResult  `json:"files"`
	Read     int           `json:"read"`
	Appended int           `json:"appended"`
	Rejected int           `json:"rejected"`
	Missing  int           `json:"missing"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Extractor reads archive files through DuckDB and appends them to a sink.
type Extractor struct {
	db      Database
	sink    Sink
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	s3Once sync.Once
	s3Err  error
}

// New creates an extractor.
func New(db Database, sink Sink, opts Options) (*Extractor, error) {
	if opts.SourceBasePath == "" {
		return nil, errors.NewMissingField("extract.source_base_path")
	}
	if opts.PathTemplate == "" {
		opts.PathTemplate = config.DefaultPathTemplate
	}
	if opts.Query == nil {
		q, err := ParseQueryTemplate("")
		if err != nil {
			return nil, err
		}
		opts.Query = q
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = config.DefaultSourceTimeout
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = config.DefaultBreakerFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = config.DefaultBreakerOpenTimeout
	}

	e := &Extractor{
		db:     db,
		sink:   sink,
		opts:   opts,
		logger: logging.Component("extract"),
	}

	maxFailures := opts.MaxFailures
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "archive",
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("source breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return e, nil
}

// BreakerState returns the source circuit breaker state.
func (e *Extractor) BreakerState() string {
	return e.breaker.State().String()
}

// Run extracts every location and month of req. Missing files are skipped
// with a warning. The returned error joins the failed files and wraps
// ErrExtractionFailed; appended batches are kept either way.
func (e *Extractor) Run(ctx context.Context, req Request) (RunResult, error) {
	start := time.Now()
	result := RunResult{RunID: uuid.NewString()}

	ctx = logging.ContextWithRunID(ctx, result.RunID)
	logger := logging.FromContext(ctx, e.logger)

	files, err := CompileDataFilePaths(e.opts.PathTemplate, req.LocationIDs, req.Start, req.End)
	if err != nil {
		return result, err
	}

	logger.Info("extraction started",
		"locations", len(req.LocationIDs),
		"start", req.Start.Format(MonthLayout),
		"end", req.End.Format(MonthLayout),
		"files", len(files))

	var errs []error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		fr, err := e.extractFile(ctx, logger, f)
		result.Files = append(result.Files, fr)
		result.Read += fr.Read
		result.Appended += fr.Appended
		result.Rejected += fr.Rejected
		if fr.Missing {
			result.Missing++
		}
		if err != nil {
			result.Failed++
			errs = append(errs, err)
			if errors.Is(err, errors.ErrCircuitOpen) {
				logger.Error("source unavailable, aborting run", "error", err)
				break
			}
		}
	}

	result.Duration = time.Since(start)
	logger.Info("extraction finished",
		"read", result.Read,
		"appended", result.Appended,
		"rejected", result.Rejected,
		"missing", result.Missing,
		"failed", result.Failed,
		"duration", result.Duration)

	if len(errs) > 0 {
		return result, fmt.Errorf("%w: %w", errors.ErrExtractionFailed, errors.Join(errs...))
	}
	return result, nil
}

func (e *Extractor) extractFile(ctx context.Context, logger *slog.Logger, f DataFile) (FileResult, error) {
	full := JoinSource(e.opts.SourceBasePath, f.Path)
	fr := FileResult{Path: full}

	if IsRemote(full) {
		e.s3Once.Do(func() { e.s3Err = e.db.ConfigureS3(ctx) })
		if e.s3Err != nil {
			fr.Error = e.s3Err.Error()
			return fr, &errors.SourceError{Path: full, Err: e.s3Err}
		}
	}

	query, err := e.opts.Query.Render(full, f.LocationID)
	if err != nil {
		fr.Error = err.Error()
		return fr, &errors.SourceError{Path: full, Err: err}
	}

	logger.Info("extracting", "path", full)

	var missing bool
	out, err := e.breaker.Execute(func() (interface{}, error) {
		readings, err := e.read(ctx, query)
		if err != nil && isMissing(err) {
			// A month without data is not a source failure.
			missing = true
			return nil, nil
		}
		return readings, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = errors.ErrCircuitOpen
		}
		fr.Error = err.Error()
		return fr, &errors.SourceError{Path: full, Err: err}
	}
	if missing {
		fr.Missing = true
		fr.Error = errors.ErrSourceNotFound.Error()
		logger.Warn("no data found", "path", full)
		return fr, nil
	}

	readings, _ := out.([]types.Reading)
	fr.Read = len(readings)
	if len(readings) == 0 {
		return fr, nil
	}

	res, err := e.sink.Ingest(ctx, readings)
	fr.Appended = res.Appended
	fr.Rejected = len(res.Rejected)
	if err != nil {
		if errors.IsRefreshFailure(err) {
			// The batch is stored; the next refresh picks it up.
			logger.Warn("refresh after append failed", "path", full, "error", err)
			return fr, nil
		}
		fr.Error = err.Error()
		return fr, &errors.SourceError{Path: full, Err: err}
	}

	logger.Info("extracted", "path", full, "read", fr.Read, "appended", fr.Appended, "rejected", fr.Rejected)
	return fr, nil
}

// read executes the rendered query. Columns are location_id, parameter,
// observed_at, value, unit and source_record_id.
func (e *Extractor) read(ctx context.Context, query string) ([]types.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.SourceTimeout)
	defer cancel()

	rows, err := e.db.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []types.Reading
	for rows.Next() {
		var (
			loc, param, unit, srcID sql.NullString
			observed                sql.NullTime
			value                   sql.NullFloat64
		)
		if err := rows.Scan(&loc, &param, &observed, &value, &unit, &srcID); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		r := types.Reading{
			LocationID:     loc.String,
			Parameter:      param.String,
			Unit:           unit.String,
			SourceRecordID: srcID.String,
		}
		if observed.Valid {
			r.ObservedAt = observed.Time.UTC()
		}
		if value.Valid {
			r.Value = types.Float(value.Float64)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// isMissing reports a DuckDB error for a path with no files. Other IO
// errors, such as a refused connection, are failures.
func isMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No files found") ||
		strings.Contains(msg, "HTTP 404") ||
		strings.Contains(msg, "404 (Not Found)")
}
