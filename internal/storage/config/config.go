package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/airwatch/config"
)

// Config represents the complete warehouse configuration.
type Config struct {
	// DataDir is the root directory for the database file, WAL and snapshots.
	DataDir string `yaml:"data_dir"`

	// Database configures the DuckDB warehouse.
	Database DatabaseConfig `yaml:"database"`

	// Ingestion configures the raw store append path.
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Refresh configures the derived-view orchestrator.
	Refresh RefreshConfig `yaml:"refresh"`

	// Export configures Parquet snapshots of derived views.
	Export ExportConfig `yaml:"export"`

	// Retention defines how long snapshots are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Extract configures the archive extraction collaborator.
	Extract ExtractConfig `yaml:"extract"`

	// Schedule configures the periodic extract-and-refresh job.
	Schedule ScheduleConfig `yaml:"schedule"`

	// API configures the read-only dashboard API.
	API APIConfig `yaml:"api"`

	// Catalog points to the known locations and parameters.
	Catalog CatalogConfig `yaml:"catalog"`

	// Query configures dashboard queries.
	Query QueryConfig `yaml:"query"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the DuckDB warehouse.
type DatabaseConfig struct {
	// Path is the database file. Defaults to {DataDir}/air_quality.db.
	Path string `yaml:"path"`

	// DDLDir optionally holds .sql files executed in lexical order on create.
	// When empty the built-in schema is used.
	DDLDir string `yaml:"ddl_dir"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Threads limits DuckDB worker threads. Zero keeps the DuckDB default.
	Threads int `yaml:"threads"`

	// InsertChunkSize is the number of rows per multi-row INSERT.
	InsertChunkSize int `yaml:"insert_chunk_size"`
}

// IngestionConfig configures the raw store append path.
type IngestionConfig struct {
	// WAL configures the Write-Ahead Log.
	WAL WALConfig `yaml:"wal"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled enables the WAL in front of raw store appends.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// RefreshConfig configures the derived-view orchestrator.
type RefreshConfig struct {
	// ResolveMode is "full" or "incremental".
	ResolveMode string `yaml:"resolve_mode"`

	// Timeout bounds one orchestrated refresh.
	Timeout time.Duration `yaml:"timeout"`

	// LatencyAccuracy is the relative accuracy of refresh latency quantiles.
	LatencyAccuracy float64 `yaml:"latency_accuracy"`
}

// ExportConfig configures Parquet snapshots.
type ExportConfig struct {
	// Enabled writes a snapshot of every derived view after each refresh.
	Enabled bool `yaml:"enabled"`

	// Dir is the snapshot directory. Defaults to {DataDir}/snapshots.
	Dir string `yaml:"dir"`

	// Compression is the algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`
}

// RetentionConfig defines how long snapshots are kept.
// The raw store is the system of record and is never pruned.
type RetentionConfig struct {
	// MaxAge is the age after which a snapshot may be deleted.
	MaxAge time.Duration `yaml:"max_age"`

	// KeepLast is the number of newest snapshots always kept per view.
	KeepLast int `yaml:"keep_last"`
}

// ExtractConfig configures the archive extraction collaborator.
type ExtractConfig struct {
	// SourceBasePath is the archive root (s3://, https:// or a local dir).
	SourceBasePath string `yaml:"source_base_path"`

	// PathTemplate is rendered per location and month.
	PathTemplate string `yaml:"path_template"`

	// QueryTemplatePath optionally overrides the built-in extraction query.
	QueryTemplatePath string `yaml:"query_template_path"`

	// SourceTimeout bounds the read of one archive path.
	SourceTimeout time.Duration `yaml:"source_timeout"`

	// S3 holds credentials applied to DuckDB connections.
	S3 S3Config `yaml:"s3"`

	// Breaker configures the source circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// S3Config holds object-store settings. Empty keys mean anonymous access.
type S3Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// BreakerConfig configures the source circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that trips the breaker.
	MaxFailures uint32 `yaml:"max_failures"`

	// OpenTimeout is how long the breaker stays open before a trial read.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// ScheduleConfig configures the periodic job.
type ScheduleConfig struct {
	// Enabled runs the job inside `serve`.
	Enabled bool `yaml:"enabled"`

	// Interval is the job period.
	Interval time.Duration `yaml:"interval"`

	// LookbackMonths is the number of months before the current one that
	// every run re-extracts. Zero extracts only the current month.
	LookbackMonths int `yaml:"lookback_months"`
}

// APIConfig configures the read-only dashboard API.
type APIConfig struct {
	// Listen is the listen address.
	Listen string `yaml:"listen"`

	// ReadTimeout and WriteTimeout bound each request.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CatalogConfig points to the configuration collaborator's data.
type CatalogConfig struct {
	// LocationsFile is a JSON object keyed by location id.
	LocationsFile string `yaml:"locations_file"`

	// Parameters lists known parameters. Empty accepts any parameter.
	Parameters []string `yaml:"parameters"`
}

// QueryConfig configures dashboard queries.
type QueryConfig struct {
	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches to JSON output.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file, then applies the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: config.DefaultDataDir,
		Database: DatabaseConfig{
			MemoryLimit:     config.DefaultMemoryLimit,
			InsertChunkSize: config.DefaultInsertChunkSize,
		},
		Ingestion: IngestionConfig{
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "fsync",
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
		},
		Refresh: RefreshConfig{
			ResolveMode:     config.DefaultResolveMode,
			Timeout:         config.DefaultRefreshTimeout,
			LatencyAccuracy: 0.01,
		},
		Export: ExportConfig{
			Enabled:     false,
			Compression: "zstd",
		},
		Retention: RetentionConfig{
			MaxAge:   config.DefaultSnapshotMaxAge,
			KeepLast: config.DefaultSnapshotKeepLast,
		},
		Extract: ExtractConfig{
			SourceBasePath: config.DefaultSourceBasePath,
			PathTemplate:   config.DefaultPathTemplate,
			SourceTimeout:  config.DefaultSourceTimeout,
			S3: S3Config{
				Region: config.DefaultS3Region,
			},
			Breaker: BreakerConfig{
				MaxFailures: config.DefaultBreakerFailures,
				OpenTimeout: config.DefaultBreakerOpenTimeout,
			},
		},
		Schedule: ScheduleConfig{
			Enabled:        false,
			Interval:       config.DefaultScheduleInterval,
			LookbackMonths: 1,
		},
		API: APIConfig{
			Listen:       config.DefaultListenAddress,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Query: QueryConfig{
			Timeout: 30 * time.Second,
			MaxRows: config.DefaultQueryMaxRows,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
