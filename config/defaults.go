// Package config provides configuration defaults for airwatch.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir holds the database file, WAL and Parquet snapshots.
	// Override via config: data_dir
	DefaultDataDir = "./data"

	// DefaultDatabaseFile is the DuckDB file name inside the data dir.
	// Override via config: database.path
	DefaultDatabaseFile = "air_quality.db"

	// DefaultMemoryLimit caps DuckDB memory.
	// Override via config: database.memory_limit
	DefaultMemoryLimit = "1GB"

	// DefaultInsertChunkSize is the number of rows per multi-row INSERT.
	// 7 columns * 500 rows stays well under the DuckDB parameter limit.
	// Override via config: database.insert_chunk_size
	DefaultInsertChunkSize = 500
)

// =============================================================================
// Refresh Defaults
// =============================================================================

const (
	// DefaultResolveMode selects the latest-record strategy: "full" or "incremental".
	// Override via config: refresh.resolve_mode
	DefaultResolveMode = "full"

	// DefaultRefreshTimeout bounds one orchestrated refresh.
	// Override via config: refresh.timeout
	DefaultRefreshTimeout = 5 * time.Minute
)

// =============================================================================
// Extraction Defaults
// =============================================================================

const (
	// DefaultSourceBasePath is the public OpenAQ archive.
	// Override via config: extract.source_base_path
	DefaultSourceBasePath = "s3://openaq-data-archive/records/csv.gz"

	// DefaultPathTemplate is rendered once per location and month.
	// Override via config: extract.path_template
	DefaultPathTemplate = "locationid={{.LocationID}}/year={{.Year}}/month={{.Month}}/*"

	// DefaultExtractQuery selects readings from one rendered archive path.
	// The query must return location_id, parameter, observed_at, value, unit
	// and source_record_id, in that order.
	// Override via config: extract.query_template_path
	DefaultExtractQuery = `SELECT
    CAST(location_id AS VARCHAR) AS location_id,
    CAST(parameter AS VARCHAR) AS parameter,
    CAST(datetime AS TIMESTAMPTZ) AS observed_at,
    TRY_CAST(value AS DOUBLE) AS value,
    CAST(units AS VARCHAR) AS unit,
    CAST(sensors_id AS VARCHAR) || ':' || CAST(datetime AS VARCHAR) AS source_record_id
FROM read_csv('{{.DataFilePath}}', union_by_name = true, all_varchar = true)`

	// DefaultS3Region is applied to every DuckDB connection.
	// Override via config: extract.s3.region or AIRWATCH_S3_REGION
	DefaultS3Region = "us-east-1"

	// DefaultSourceTimeout bounds the read of one archive path.
	// Override via config: extract.source_timeout
	DefaultSourceTimeout = 2 * time.Minute

	// DefaultBreakerFailures trips the source circuit breaker after this
	// many consecutive failed reads.
	// Override via config: extract.breaker.max_failures
	DefaultBreakerFailures = 5

	// DefaultBreakerOpenTimeout is how long the breaker stays open.
	// Override via config: extract.breaker.open_timeout
	DefaultBreakerOpenTimeout = 30 * time.Second
)

// =============================================================================
// Service Defaults
// =============================================================================

const (
	// DefaultListenAddress is the read-only API listen address.
	// Override via config: api.listen
	DefaultListenAddress = "127.0.0.1:8050"

	// DefaultScheduleInterval is the period of the extract-and-refresh job.
	// Override via config: schedule.interval
	DefaultScheduleInterval = time.Hour

	// DefaultSnapshotMaxAge is how long Parquet snapshots are kept.
	// Override via config: retention.max_age
	DefaultSnapshotMaxAge = 7 * 24 * time.Hour

	// DefaultSnapshotKeepLast is the minimum number of snapshots kept per view.
	// Override via config: retention.keep_last
	DefaultSnapshotKeepLast = 3

	// DefaultQueryMaxRows caps rows returned by dashboard queries.
	// Override via config: query.max_rows
	DefaultQueryMaxRows = 100000
)
