package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/airwatch/config"
	"github.com/xtxerr/airwatch/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	if c.DataDir == "" {
		v.AddMissing("data_dir")
	}

	if c.Database.InsertChunkSize <= 0 {
		v.AddField("database.insert_chunk_size", "must be positive")
	}
	if c.Database.Threads < 0 {
		v.AddField("database.threads", "must be non-negative")
	}

	if c.Ingestion.WAL.Enabled {
		switch c.Ingestion.WAL.SyncMode {
		case "", "sync", "fsync":
		default:
			v.AddField("ingestion.wal.sync_mode", "must be one of: sync, fsync")
		}
		if c.Ingestion.WAL.MaxSegmentSize < 0 {
			v.AddField("ingestion.wal.max_segment_size", "must be non-negative")
		}
	}

	switch c.Refresh.ResolveMode {
	case "full", "incremental":
	default:
		v.AddField("refresh.resolve_mode", "must be one of: full, incremental")
	}
	v.AddPositiveDuration("refresh.timeout", c.Refresh.Timeout)
	if c.Refresh.LatencyAccuracy <= 0 || c.Refresh.LatencyAccuracy >= 1 {
		v.AddField("refresh.latency_accuracy", "must be between 0 and 1")
	}

	validCompression := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validCompression[c.Export.Compression] {
		v.AddField("export.compression", "must be one of: snappy, zstd, lz4, gzip, none")
	}

	v.AddPositiveDuration("retention.max_age", c.Retention.MaxAge)
	if c.Retention.KeepLast < 1 {
		v.AddField("retention.keep_last", "must be at least 1")
	}

	if c.Extract.SourceBasePath == "" {
		v.AddMissing("extract.source_base_path")
	}
	if c.Extract.PathTemplate == "" {
		v.AddMissing("extract.path_template")
	}
	v.AddPositiveDuration("extract.source_timeout", c.Extract.SourceTimeout)
	if c.Extract.Breaker.MaxFailures == 0 {
		v.AddField("extract.breaker.max_failures", "must be positive")
	}
	v.AddPositiveDuration("extract.breaker.open_timeout", c.Extract.Breaker.OpenTimeout)

	if c.Schedule.Enabled {
		v.AddPositiveDuration("schedule.interval", c.Schedule.Interval)
		if c.Schedule.LookbackMonths < 0 {
			v.AddField("schedule.lookback_months", "must be non-negative")
		}
		if c.Catalog.LocationsFile == "" {
			v.AddField("catalog.locations_file", "required when schedule is enabled")
		}
	}

	if c.API.Listen == "" {
		v.AddMissing("api.listen")
	}

	v.AddPositiveDuration("query.timeout", c.Query.Timeout)
	if c.Query.MaxRows <= 0 {
		v.AddField("query.max_rows", "must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		v.AddField("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	return v.Err()
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.DatabasePath()),
	}
	if c.Ingestion.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}
	if c.Export.Enabled {
		dirs = append(dirs, c.ExportDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the DuckDB file path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, config.DefaultDatabaseFile)
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Ingestion.WAL.Dir != "" {
		return c.Ingestion.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// ExportDir returns the snapshot directory path.
func (c *Config) ExportDir() string {
	if c.Export.Dir != "" {
		return c.Export.Dir
	}
	return filepath.Join(c.DataDir, "snapshots")
}
