package warehouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Relation names.
const (
	RawTable           = "raw.air_quality"
	LatestRecordsTable = "staging.latest_air_quality"
	DailyStatsTable    = "presentation.daily_air_quality_stats"
	LatestValuesTable  = "presentation.latest_param_values_per_location"
)

// Column lists in storage order.
var (
	readingColumns     = []string{"location_id", "parameter", "observed_at", "value", "unit", "ingested_at", "source_record_id"}
	dailyStatColumns   = []string{"location_id", "parameter", `"date"`, `"count"`, "mean", `"min"`, `"max"`}
	latestValueColumns = []string{"location_id", "parameter", "observed_at", "value", "unit"}
)

// Relation returns the table backing a derived view.
func Relation(view string) (string, error) {
	switch view {
	case types.ViewLatestRecords:
		return LatestRecordsTable, nil
	case types.ViewDailyStats:
		return DailyStatsTable, nil
	case types.ViewLatestValues:
		return LatestValuesTable, nil
	default:
		return "", fmt.Errorf("%q: %w", view, errors.ErrUnknownView)
	}
}

// schemaDDL creates every relation. Statements are idempotent.
var schemaDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS raw`,
	`CREATE SCHEMA IF NOT EXISTS staging`,
	`CREATE SCHEMA IF NOT EXISTS presentation`,
	`CREATE TABLE IF NOT EXISTS raw.air_quality (
		location_id      VARCHAR   NOT NULL,
		parameter        VARCHAR   NOT NULL,
		observed_at      TIMESTAMP NOT NULL,
		value            DOUBLE,
		unit             VARCHAR,
		ingested_at      TIMESTAMP NOT NULL,
		source_record_id VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS staging.latest_air_quality (
		location_id      VARCHAR   NOT NULL,
		parameter        VARCHAR   NOT NULL,
		observed_at      TIMESTAMP NOT NULL,
		value            DOUBLE,
		unit             VARCHAR,
		ingested_at      TIMESTAMP NOT NULL,
		source_record_id VARCHAR
	)`,
	`CREATE TABLE IF NOT EXISTS presentation.daily_air_quality_stats (
		location_id VARCHAR NOT NULL,
		parameter   VARCHAR NOT NULL,
		"date"      DATE    NOT NULL,
		"count"     BIGINT  NOT NULL,
		mean        DOUBLE,
		"min"       DOUBLE,
		"max"       DOUBLE
	)`,
	`CREATE TABLE IF NOT EXISTS presentation.latest_param_values_per_location (
		location_id VARCHAR   NOT NULL,
		parameter   VARCHAR   NOT NULL,
		observed_at TIMESTAMP NOT NULL,
		value       DOUBLE,
		unit        VARCHAR
	)`,
}

// Migrate creates the schema. With a DDL directory configured, its .sql
// files run in lexical order instead of the built-in schema.
func (w *Warehouse) Migrate(ctx context.Context) error {
	if err := w.checkOpen(); err != nil {
		return err
	}

	stmts := schemaDDL
	if w.opts.DDLDir != "" {
		var err error
		stmts, err = loadDDLDir(w.opts.DDLDir)
		if err != nil {
			return err
		}
	}

	for i, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, errors.Join(errors.ErrDatabase, err))
		}
	}

	w.logger.Info("schema ready", "statements", len(stmts), "ddl_dir", w.opts.DDLDir)
	return nil
}

// loadDDLDir reads every .sql file of dir in sorted order.
func loadDDLDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read ddl dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return nil, fmt.Errorf("ddl dir %s: no .sql files", dir)
	}

	stmts := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}
