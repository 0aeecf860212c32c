package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/aggregate"
	"github.com/xtxerr/airwatch/internal/storage/config"
	"github.com/xtxerr/airwatch/internal/storage/latest"
	"github.com/xtxerr/airwatch/internal/storage/parquet"
	"github.com/xtxerr/airwatch/internal/storage/query"
	"github.com/xtxerr/airwatch/internal/storage/raw"
	"github.com/xtxerr/airwatch/internal/storage/refresh"
	"github.com/xtxerr/airwatch/internal/storage/resolve"
	"github.com/xtxerr/airwatch/internal/storage/retention"
	"github.com/xtxerr/airwatch/internal/storage/types"
	"github.com/xtxerr/airwatch/internal/storage/wal"
	"github.com/xtxerr/airwatch/internal/storage/warehouse"
)

// Catalog is the configuration collaborator: the known locations and
// parameters. It drives schema-drift warnings and the known-only filter.
type Catalog interface {
	KnownLocation(id string) bool
	KnownParameter(parameter string) bool
}

// Service is the main storage service that wires all components.
type Service struct {
	mu sync.RWMutex

	config *config.Config
	logger *slog.Logger

	// Components
	warehouse    *warehouse.Warehouse
	raw          *raw.Store
	resolver     *resolve.Resolver
	orchestrator *refresh.Orchestrator
	query        *query.Service
	exporter     *parquet.Exporter
	retention    *retention.Manager

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime time.Time
	lastSnap  parquet.Snapshot
}

// New opens the warehouse, creates the schema if needed, replays the WAL and
// wires the refresh pipeline. catalog may be nil.
func New(ctx context.Context, cfg *config.Config, catalog Catalog) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	wh, err := warehouse.Open(ctx, WarehouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}

	if err := wh.Migrate(ctx); err != nil {
		wh.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rawOpts := raw.Options{}
	if catalog != nil {
		rawOpts.Catalog = catalog
	}
	if cfg.Ingestion.WAL.Enabled {
		rawOpts.WALDir = cfg.WALDir()
		rawOpts.WAL = wal.Options{
			MaxSegmentSize: cfg.Ingestion.WAL.MaxSegmentSize,
			SyncMode:       cfg.Ingestion.WAL.SyncMode,
		}
	}

	store, err := raw.Open(ctx, wh, rawOpts)
	if err != nil {
		wh.Close()
		return nil, fmt.Errorf("open raw store: %w", err)
	}

	resolver, err := resolve.New(store, wh, cfg.Refresh.ResolveMode)
	if err != nil {
		store.Close()
		wh.Close()
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	orch, err := refresh.New(resolver,
		[]refresh.View{aggregate.New(wh, wh), latest.New(wh, wh)},
		refresh.Options{
			Timeout:         cfg.Refresh.Timeout,
			LatencyAccuracy: cfg.Refresh.LatencyAccuracy,
		})
	if err != nil {
		store.Close()
		wh.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	qryOpts := query.Options{
		Timeout: cfg.Query.Timeout,
		MaxRows: cfg.Query.MaxRows,
	}
	if catalog != nil {
		qryOpts.Catalog = catalog
	}

	s := &Service{
		config:       cfg,
		logger:       logging.Component("storage"),
		warehouse:    wh,
		raw:          store,
		resolver:     resolver,
		orchestrator: orch,
		query:        query.New(wh.DB(), qryOpts),
		retention: retention.New(cfg.ExportDir(), retention.Policy{
			MaxAge:   cfg.Retention.MaxAge,
			KeepLast: cfg.Retention.KeepLast,
		}),
	}

	if cfg.Export.Enabled {
		s.exporter = parquet.NewExporter(cfg.ExportDir(), parquet.Options{
			Compression: parquet.ParseCompressionType(cfg.Export.Compression),
		})
		orch.AddHook(s.exportHook)
	}

	return s, nil
}

// WarehouseOptions maps the configuration onto warehouse options.
func WarehouseOptions(cfg *config.Config) warehouse.Options {
	opts := warehouse.DefaultOptions()
	opts.Path = cfg.DatabasePath()
	opts.DDLDir = cfg.Database.DDLDir
	if cfg.Database.MemoryLimit != "" {
		opts.MemoryLimit = cfg.Database.MemoryLimit
	}
	opts.Threads = cfg.Database.Threads
	if cfg.Database.InsertChunkSize > 0 {
		opts.InsertChunkSize = cfg.Database.InsertChunkSize
	}
	opts.S3 = warehouse.S3Options{
		Region:          cfg.Extract.S3.Region,
		AccessKeyID:     cfg.Extract.S3.AccessKeyID,
		SecretAccessKey: cfg.Extract.S3.SecretAccessKey,
	}
	return opts
}

// exportHook snapshots the views and prunes old snapshots.
func (s *Service) exportHook(ctx context.Context, _ refresh.Report) error {
	snap, err := s.exporter.Export(ctx, s.warehouse)
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastSnap = snap
	s.mu.Unlock()

	s.retention.RunCleanup()
	return nil
}

// Start starts background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.startTime = time.Now()

	if s.exporter != nil {
		s.wg.Add(1)
		go s.retentionWorker()
	}

	s.logger.Info("storage started",
		"database", s.warehouse.Path(),
		"resolve_mode", s.resolver.Mode(),
		"export", s.exporter != nil)
	return nil
}

// Stop stops background workers. Close releases the warehouse.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("storage stopped")
	return nil
}

// Close stops the service and closes the raw store and the warehouse.
func (s *Service) Close() error {
	s.Stop()

	var errs []error
	if err := s.raw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close raw store: %w", err))
	}
	if err := s.warehouse.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close warehouse: %w", err))
	}
	return errors.Join(errs...)
}

// IngestResult reports an append and the refresh it triggered.
type IngestResult struct {
	raw.AppendResult
	Refresh refresh.Report
}

// Append stores batch in the raw store without refreshing.
func (s *Service) Append(ctx context.Context, batch []types.Reading) (raw.AppendResult, error) {
	if !s.running.Load() {
		return raw.AppendResult{}, errors.ErrNotRunning
	}
	return s.raw.Append(ctx, batch)
}

// Ingest appends batch and refreshes the derived views when anything was
// stored. A refresh failure is returned alongside a successful append; the
// appended readings are kept.
func (s *Service) Ingest(ctx context.Context, batch []types.Reading) (IngestResult, error) {
	var result IngestResult

	appended, err := s.Append(ctx, batch)
	result.AppendResult = appended
	if err != nil {
		return result, err
	}

	result.Refresh, err = s.orchestrator.OnNewData(ctx, appended.Appended)
	return result, err
}

// Refresh rebuilds every derived view.
func (s *Service) Refresh(ctx context.Context) (refresh.Report, error) {
	if !s.running.Load() {
		return refresh.Report{}, errors.ErrNotRunning
	}
	return s.orchestrator.Refresh(ctx)
}

// Query returns the dashboard query service.
func (s *Service) Query() *query.Service {
	return s.query
}

// QuerySQL executes an ad-hoc read-only SQL statement.
func (s *Service) QuerySQL(ctx context.Context, sql string) ([]map[string]any, error) {
	if !s.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return s.query.ExecuteSQL(ctx, sql)
}

// Health checks the warehouse connection.
func (s *Service) Health(ctx context.Context) error {
	return s.warehouse.Health(ctx)
}

// Warehouse returns the underlying warehouse.
func (s *Service) Warehouse() *warehouse.Warehouse {
	return s.warehouse
}

// retentionWorker prunes snapshots daily at 05:00 local time.
func (s *Service) retentionWorker() {
	defer s.wg.Done()

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 5, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(next.Sub(now)):
			s.retention.RunCleanup()
		}
	}
}

// Counts returns the row count of the raw table and every derived view.
func (s *Service) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 4)

	n, err := s.raw.Count(ctx)
	if err != nil {
		return nil, err
	}
	counts["raw"] = n

	for _, view := range types.Views() {
		table, _ := warehouse.Relation(view)
		n, err := s.warehouse.Count(ctx, table)
		if err != nil {
			return nil, err
		}
		counts[view] = n
	}
	return counts, nil
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() && s.running.Load() {
		uptime = time.Since(s.startTime)
	}

	return ServiceStats{
		Running:      s.running.Load(),
		Uptime:       uptime,
		ResolveMode:  s.resolver.Mode(),
		Raw:          s.raw.Stats(),
		Refresh:      s.orchestrator.Stats(),
		Query:        s.query.Stats(),
		Retention:    s.retention.Stats(),
		LastSnapshot: s.lastSnap.Taken,
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running      bool                  `json:"running"`
	Uptime       time.Duration         `json:"uptime"`
	ResolveMode  string                `json:"resolve_mode"`
	Raw          raw.StatsSnapshot     `json:"raw"`
	Refresh      refresh.StatsSnapshot `json:"refresh"`
	Query        query.Stats           `json:"query"`
	Retention    retention.Stats       `json:"retention"`
	LastSnapshot time.Time             `json:"last_snapshot,omitempty"`
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Export writes a Parquet snapshot now, even when automatic export is off.
func (s *Service) Export(ctx context.Context) (parquet.Snapshot, error) {
	exp := s.exporter
	if exp == nil {
		exp = parquet.NewExporter(s.config.ExportDir(), parquet.Options{
			Compression: parquet.ParseCompressionType(s.config.Export.Compression),
		})
	}
	return exp.Export(ctx, s.warehouse)
}

// RunRetention manually triggers retention cleanup.
func (s *Service) RunRetention() []retention.CleanupResult {
	return s.retention.RunCleanup()
}

// DryRunRetention simulates retention cleanup.
func (s *Service) DryRunRetention() []retention.CleanupResult {
	return s.retention.DryRun()
}

// GetDiskUsage returns snapshot disk usage per view.
func (s *Service) GetDiskUsage() map[string]retention.DiskUsage {
	return s.retention.GetDiskUsage()
}
