// Package scheduler runs the periodic extract-and-refresh job.
//
// Each run re-reads the location catalog and extracts the current month
// plus a configurable number of previous months. Every extracted file is
// appended as one batch, which refreshes the derived views. Runs never
// overlap; a run still in progress when the next one is due is skipped.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/xtxerr/airwatch/config"
	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/extract"
	"github.com/xtxerr/airwatch/internal/logging"
)

// Runner extracts a month range.
type Runner interface {
	Run(ctx context.Context, req extract.Request) (extract.RunResult, error)
}

// Locations provides the location ids to extract.
type Locations interface {
	Reload() error
	IDs() []string
}

// Config holds scheduler configuration.
type Config struct {
	// Interval is the job period.
	Interval time.Duration

	// LookbackMonths is the number of months before the current one that
	// every run re-extracts.
	LookbackMonths int

	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       config.DefaultScheduleInterval,
		LookbackMonths: 1,
	}
}

// Stats holds scheduler statistics.
type Stats struct {
	Runs         int64     `json:"runs"`
	Failures     int64     `json:"failures"`
	LastRunAt    time.Time `json:"last_run_at,omitempty"`
	LastRunID    string    `json:"last_run_id,omitempty"`
	LastAppended int       `json:"last_appended"`
	LastError    string    `json:"last_error,omitempty"`
	NextRunAt    time.Time `json:"next_run_at,omitempty"`
}

// Scheduler periodically extracts recent months for every known location.
type Scheduler struct {
	cron      *gocron.Scheduler
	job       *gocron.Job
	runner    Runner
	locations Locations
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	running atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// New creates a scheduler.
func New(runner Runner, locations Locations, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LookbackMonths < 0 {
		cfg.LookbackMonths = 0
	}
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		runner:    runner,
		locations: locations,
		cfg:       cfg,
		now:       time.Now,
		logger:    logging.Component("scheduler"),
	}
}

// Start schedules the job and starts the underlying scheduler. The first
// run starts immediately.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	job, err := s.cron.Every(s.cfg.Interval).SingletonMode().Do(func() {
		s.RunOnce(context.Background())
	})
	if err != nil {
		s.running.Store(false)
		return errors.Wrap(err, "schedule extract job")
	}
	s.job = job

	s.cron.StartAsync()
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "lookback_months", s.cfg.LookbackMonths)
	return nil
}

// Stop stops the scheduler. A run in progress completes.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Window returns the month range a run at now extracts.
func (s *Scheduler) Window(now time.Time) (start, end time.Time) {
	now = now.UTC()
	end = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	start = end.AddDate(0, -s.cfg.LookbackMonths, 0)
	return start, end
}

// RunOnce performs one extraction run.
func (s *Scheduler) RunOnce(ctx context.Context) (extract.RunResult, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	if err := s.locations.Reload(); err != nil {
		// Keep extracting the previously loaded catalog.
		s.logger.Warn("reload locations failed", "error", err)
	}

	start, end := s.Window(s.now())
	result, err := s.runner.Run(ctx, extract.Request{
		LocationIDs: s.locations.IDs(),
		Start:       start,
		End:         end,
	})

	s.mu.Lock()
	s.stats.Runs++
	s.stats.LastRunAt = s.now()
	s.stats.LastRunID = result.RunID
	s.stats.LastAppended = result.Appended
	s.stats.LastError = ""
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled run failed", "run_id", result.RunID, "retriable", errors.IsRetriable(err), "error", err)
	} else {
		s.logger.Info("scheduled run completed", "run_id", result.RunID, "appended", result.Appended)
	}
	return result, err
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	if s.job != nil && s.running.Load() {
		stats.NextRunAt = s.job.NextRun()
	}
	return stats
}
