// Package query serves read-only dashboard queries over the derived views.
//
// Readers share the warehouse connection pool. Each derived relation is
// swapped in a single transaction, so a query sees either the previous or
// the new content of a view, never a mix.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/types"
	"github.com/xtxerr/airwatch/internal/storage/warehouse"
)

// Catalog tells which locations and parameters are configured.
type Catalog interface {
	KnownLocation(id string) bool
	KnownParameter(parameter string) bool
}

// Filter narrows a view query. Zero fields do not filter.
type Filter struct {
	LocationIDs []string
	Parameters  []string

	// From and To bound observed_at (date for daily stats), inclusive.
	From time.Time
	To   time.Time

	// KnownOnly drops rows whose location or parameter is not in the
	// catalog.
	KnownOnly bool

	// Limit caps the rows returned; it is clamped to Options.MaxRows.
	Limit int
}

// Options configures the query service.
type Options struct {
	Timeout time.Duration
	MaxRows int
	Catalog Catalog
}

// DefaultOptions returns default query options.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
		MaxRows: 100000,
	}
}

// Service provides query capabilities over the derived views.
type Service struct {
	db      *sql.DB
	opts    Options
	catalog Catalog
	logger  *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64 `json:"queries_executed"`
	RowsReturned    int64 `json:"rows_returned"`
	Errors          int64 `json:"errors"`
}

// New creates a query service over db.
func New(db *sql.DB, opts Options) *Service {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultOptions().MaxRows
	}
	return &Service{
		db:      db,
		opts:    opts,
		catalog: opts.Catalog,
		logger:  logging.Component("query"),
	}
}

// LatestRecords queries the LatestRecord relation.
func (s *Service) LatestRecords(ctx context.Context, f Filter) ([]types.LatestRecord, error) {
	if err := s.check(f); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := s.where(f, "observed_at")
	query := "SELECT " + warehouse.ReadingSelect() + " FROM " + warehouse.LatestRecordsTable +
		where + " ORDER BY location_id, parameter, observed_at" + s.sqlLimit(f)

	recs, err := warehouse.QueryLatestRecords(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.fail(err)
	}

	recs = keep(recs, f, s, func(r *types.LatestRecord) (string, string) { return r.LocationID, r.Parameter })
	s.record(len(recs))
	return recs, nil
}

// DailyStats queries the DailyStat relation.
func (s *Service) DailyStats(ctx context.Context, f Filter) ([]types.DailyStat, error) {
	if err := s.check(f); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Bound by calendar day so a From inside a day still includes it.
	if !f.From.IsZero() {
		f.From = types.DateOf(f.From)
	}
	if !f.To.IsZero() {
		f.To = types.DateOf(f.To)
	}

	where, args := s.where(f, `"date"`)
	query := "SELECT " + warehouse.DailyStatSelect() + " FROM " + warehouse.DailyStatsTable +
		where + ` ORDER BY location_id, parameter, "date"` + s.sqlLimit(f)

	stats, err := warehouse.QueryDailyStats(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.fail(err)
	}

	stats = keep(stats, f, s, func(d *types.DailyStat) (string, string) { return d.LocationID, d.Parameter })
	s.record(len(stats))
	return stats, nil
}

// LatestValues queries the LatestParamValue relation.
func (s *Service) LatestValues(ctx context.Context, f Filter) ([]types.LatestParamValue, error) {
	if err := s.check(f); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := s.where(f, "observed_at")
	query := "SELECT " + warehouse.LatestValueSelect() + " FROM " + warehouse.LatestValuesTable +
		where + " ORDER BY location_id, parameter" + s.sqlLimit(f)

	vals, err := warehouse.QueryLatestValues(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.fail(err)
	}

	vals = keep(vals, f, s, func(v *types.LatestParamValue) (string, string) { return v.LocationID, v.Parameter })
	s.record(len(vals))
	return vals, nil
}

// View queries a derived view by name.
func (s *Service) View(ctx context.Context, view string, f Filter) (any, error) {
	switch view {
	case types.ViewLatestRecords:
		return s.LatestRecords(ctx, f)
	case types.ViewDailyStats:
		return s.DailyStats(ctx, f)
	case types.ViewLatestValues:
		return s.LatestValues(ctx, f)
	default:
		return nil, fmt.Errorf("%q: %w", view, errors.ErrUnknownView)
	}
}

// where builds the WHERE clause for f. timeCol is the column bounded by
// From and To.
func (s *Service) where(f Filter, timeCol string) (string, []any) {
	var (
		conds []string
		args  []any
	)

	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = "?"
			args = append(args, v)
		}
		conds = append(conds, col+" IN ("+strings.Join(marks, ", ")+")")
	}
	in("location_id", f.LocationIDs)
	in("parameter", f.Parameters)

	if !f.From.IsZero() {
		conds = append(conds, timeCol+" >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		conds = append(conds, timeCol+" <= ?")
		args = append(args, f.To.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// check rejects a filter the service cannot honour.
func (s *Service) check(f Filter) error {
	if f.KnownOnly && s.catalog == nil {
		return errors.NewValidation("known_only", "no location catalog configured")
	}
	return nil
}

// limit returns the effective row cap for f.
func (s *Service) limit(f Filter) int {
	if f.Limit > 0 && f.Limit < s.opts.MaxRows {
		return f.Limit
	}
	return s.opts.MaxRows
}

// sqlLimit pushes the cap into SQL unless rows are filtered afterwards.
func (s *Service) sqlLimit(f Filter) string {
	if f.KnownOnly {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", s.limit(f))
}

// keep applies the catalog filter and the row cap.
func keep[T any](rows []T, f Filter, s *Service, series func(*T) (string, string)) []T {
	if f.KnownOnly {
		out := rows[:0]
		for i := range rows {
			loc, param := series(&rows[i])
			if s.catalog.KnownLocation(loc) && s.catalog.KnownParameter(param) {
				out = append(out, rows[i])
			}
		}
		rows = out
	}
	if n := s.limit(f); len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// ExecuteSQL runs an ad-hoc read-only statement. The statement runs in a
// transaction that is always rolled back, so it cannot change any relation.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]any, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.fail(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, s.fail(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, s.fail(err)
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, s.fail(err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)

		if len(results) >= s.opts.MaxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err)
	}

	s.record(len(results))
	return results, nil
}

var readOnlyPrefixes = []string{"select", "with", "describe", "show", "summarize", "explain", "from", "values"}

// checkReadOnly accepts a single statement starting with a read-only
// keyword.
func checkReadOnly(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimRight(q, "; \t\n")
	if q == "" {
		return fmt.Errorf("empty statement: %w", errors.ErrReadOnly)
	}
	if strings.Contains(q, ";") {
		return fmt.Errorf("multiple statements: %w", errors.ErrReadOnly)
	}

	first := strings.ToLower(strings.Fields(q)[0])
	for _, p := range readOnlyPrefixes {
		if first == p {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", first, errors.ErrReadOnly)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) record(rows int) {
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(rows)
	s.mu.Unlock()
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()

	s.logger.Warn("query failed", "error", err)
	return err
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
