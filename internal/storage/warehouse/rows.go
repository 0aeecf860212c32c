package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// =============================================================================
// Writes
// =============================================================================

// AppendReadings inserts readings into the raw table in one transaction.
// A failed insert leaves the table unchanged.
func (w *Warehouse) AppendReadings(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	return w.Transaction(ctx, func(tx *sql.Tx) error {
		return insertChunked(ctx, tx, RawTable, readingColumns, readings, w.opts.InsertChunkSize, readingArgs)
	})
}

// ReplaceLatestRecords swaps the full content of the LatestRecord relation.
func (w *Warehouse) ReplaceLatestRecords(ctx context.Context, recs []types.LatestRecord) error {
	return replace(ctx, w, LatestRecordsTable, readingColumns, recs, func(r *types.LatestRecord) []any {
		return readingArgs(&r.Reading)
	})
}

// ReplaceDailyStats swaps the full content of the DailyStat relation.
func (w *Warehouse) ReplaceDailyStats(ctx context.Context, stats []types.DailyStat) error {
	return replace(ctx, w, DailyStatsTable, dailyStatColumns, stats, dailyStatArgs)
}

// ReplaceLatestValues swaps the full content of the LatestParamValue relation.
func (w *Warehouse) ReplaceLatestValues(ctx context.Context, vals []types.LatestParamValue) error {
	return replace(ctx, w, LatestValuesTable, latestValueColumns, vals, latestValueArgs)
}

// replace deletes every row of table and inserts rows inside one transaction.
func replace[T any](ctx context.Context, w *Warehouse, table string, columns []string, rows []T, args func(*T) []any) error {
	return w.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, errors.Join(errors.ErrDatabase, err))
		}
		return insertChunked(ctx, tx, table, columns, rows, w.opts.InsertChunkSize, args)
	})
}

// insertChunked inserts rows with multi-row INSERT statements of at most
// chunk rows each.
func insertChunked[T any](ctx context.Context, ex execer, table string, columns []string, rows []T, chunk int, args func(*T) []any) error {
	if chunk <= 0 {
		chunk = DefaultOptions().InsertChunkSize
	}

	for start := 0; start < len(rows); start += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+chunk, len(rows))
		query, values := buildMultiRowInsert(table, columns, rows[start:end], args)
		if _, err := ex.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("insert %s rows %d-%d: %w", table, start, end, errors.Join(errors.ErrDatabase, err))
		}
	}
	return nil
}

// buildMultiRowInsert builds one INSERT with a VALUES tuple per row.
func buildMultiRowInsert[T any](table string, columns []string, rows []T, args func(*T) []any) (string, []any) {
	values := make([]any, 0, len(rows)*len(columns))

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"

	var query strings.Builder
	query.Grow(64 + len(rows)*(len(tuple)+1))

	query.WriteString("INSERT INTO ")
	query.WriteString(table)
	query.WriteString(" (")
	query.WriteString(strings.Join(columns, ", "))
	query.WriteString(") VALUES ")

	for i := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(tuple)
		values = append(values, args(&rows[i])...)
	}

	return query.String(), values
}

func readingArgs(r *types.Reading) []any {
	return []any{
		r.LocationID,
		r.Parameter,
		r.ObservedAt.UTC(),
		nullFloat(r.Value),
		nullString(r.Unit),
		r.IngestedAt.UTC(),
		nullString(r.SourceRecordID),
	}
}

func dailyStatArgs(s *types.DailyStat) []any {
	return []any{
		s.LocationID,
		s.Parameter,
		s.Date.UTC(),
		s.Count,
		nullFloat(s.Mean),
		nullFloat(s.Min),
		nullFloat(s.Max),
	}
}

func latestValueArgs(v *types.LatestParamValue) []any {
	return []any{
		v.LocationID,
		v.Parameter,
		v.ObservedAt.UTC(),
		nullFloat(v.Value),
		nullString(v.Unit),
	}
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// =============================================================================
// Reads
// =============================================================================

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ReadingsSince returns raw readings with a rowid greater than after, in
// append order, together with the highest rowid returned. Pass -1 to read
// everything. Row ids grow monotonically because the raw table is
// append-only with a single writer.
func (w *Warehouse) ReadingsSince(ctx context.Context, after int64) ([]types.Reading, int64, error) {
	if err := w.checkOpen(); err != nil {
		return nil, after, err
	}

	rows, err := w.db.QueryContext(ctx,
		"SELECT rowid, "+strings.Join(readingColumns, ", ")+" FROM "+RawTable+
			" WHERE rowid > ? ORDER BY rowid", after)
	if err != nil {
		return nil, after, fmt.Errorf("query raw readings: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	cursor := after
	var readings []types.Reading
	for rows.Next() {
		var rowID int64
		r, err := scanReading(rows, &rowID)
		if err != nil {
			return nil, after, err
		}
		readings = append(readings, r)
		cursor = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("iterate raw readings: %w", err)
	}

	return readings, cursor, nil
}

// LatestRecords returns the full LatestRecord relation ordered by key.
func (w *Warehouse) LatestRecords(ctx context.Context) ([]types.LatestRecord, error) {
	return QueryLatestRecords(ctx, w.db, "SELECT "+strings.Join(readingColumns, ", ")+" FROM "+LatestRecordsTable+
		" ORDER BY location_id, parameter, observed_at")
}

// DailyStats returns the full DailyStat relation.
func (w *Warehouse) DailyStats(ctx context.Context) ([]types.DailyStat, error) {
	return QueryDailyStats(ctx, w.db, "SELECT "+strings.Join(dailyStatColumns, ", ")+" FROM "+DailyStatsTable+
		` ORDER BY location_id, parameter, "date"`)
}

// LatestValues returns the full LatestParamValue relation.
func (w *Warehouse) LatestValues(ctx context.Context) ([]types.LatestParamValue, error) {
	return QueryLatestValues(ctx, w.db, "SELECT "+strings.Join(latestValueColumns, ", ")+" FROM "+LatestValuesTable+
		" ORDER BY location_id, parameter")
}

// Count returns the number of rows in table.
func (w *Warehouse) Count(ctx context.Context, table string) (int64, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, errors.Join(errors.ErrDatabase, err))
	}
	return n, nil
}

// ReadingSelect, DailyStatSelect and LatestValueSelect are the column lists
// the Query* scanners expect.
func ReadingSelect() string     { return strings.Join(readingColumns, ", ") }
func DailyStatSelect() string   { return strings.Join(dailyStatColumns, ", ") }
func LatestValueSelect() string { return strings.Join(latestValueColumns, ", ") }

// QueryLatestRecords runs query and scans LatestRecord rows.
// The query must select ReadingSelect() columns.
func QueryLatestRecords(ctx context.Context, q Querier, query string, args ...any) ([]types.LatestRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest records: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	var out []types.LatestRecord
	for rows.Next() {
		r, err := scanReading(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, types.LatestRecord{Reading: r})
	}
	return out, rows.Err()
}

// QueryDailyStats runs query and scans DailyStat rows.
// The query must select DailyStatSelect() columns.
func QueryDailyStats(ctx context.Context, q Querier, query string, args ...any) ([]types.DailyStat, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	var out []types.DailyStat
	for rows.Next() {
		var (
			s            types.DailyStat
			mean, lo, hi sql.NullFloat64
		)
		if err := rows.Scan(&s.LocationID, &s.Parameter, &s.Date, &s.Count, &mean, &lo, &hi); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		s.Date = types.DateOf(s.Date)
		s.Mean = floatPtr(mean)
		s.Min = floatPtr(lo)
		s.Max = floatPtr(hi)
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryLatestValues runs query and scans LatestParamValue rows.
// The query must select LatestValueSelect() columns.
func QueryLatestValues(ctx context.Context, q Querier, query string, args ...any) ([]types.LatestParamValue, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest values: %w", errors.Join(errors.ErrDatabase, err))
	}
	defer rows.Close()

	var out []types.LatestParamValue
	for rows.Next() {
		var (
			v     types.LatestParamValue
			value sql.NullFloat64
			unit  sql.NullString
		)
		if err := rows.Scan(&v.LocationID, &v.Parameter, &v.ObservedAt, &value, &unit); err != nil {
			return nil, fmt.Errorf("scan latest value: %w", err)
		}
		v.ObservedAt = v.ObservedAt.UTC()
		v.Value = floatPtr(value)
		v.Unit = unit.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// scanReading scans one row of readingColumns, optionally preceded by rowid.
func scanReading(rows *sql.Rows, rowID *int64) (types.Reading, error) {
	var (
		r        types.Reading
		value    sql.NullFloat64
		unit     sql.NullString
		sourceID sql.NullString
		ingested time.Time
	)

	dest := []any{&r.LocationID, &r.Parameter, &r.ObservedAt, &value, &unit, &ingested, &sourceID}
	if rowID != nil {
		dest = append([]any{rowID}, dest...)
	}
	if err := rows.Scan(dest...); err != nil {
		return r, fmt.Errorf("scan reading: %w", err)
	}

	r.ObservedAt = r.ObservedAt.UTC()
	r.IngestedAt = ingested.UTC()
	r.Value = floatPtr(value)
	r.Unit = unit.String
	r.SourceRecordID = sourceID.String
	return r, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
