// Package refresh sequences the derived-view refreshes.
//
// The resolver runs first. When it succeeds the daily aggregator and the
// latest-value index run in parallel; each swaps its own relation, so a
// failure in one leaves the other and the LatestRecord relation in place.
// A failed resolve skips both dependents and their previous content stays
// valid.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
)

// View is a derived relation that can be rebuilt.
type View interface {
	Name() string
	Refresh(ctx context.Context) (rows int, err error)
}

// Hook runs after a refresh in which every view succeeded. Hook errors are
// logged and never fail the refresh.
type Hook func(ctx context.Context, report Report) error

// View outcomes.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ViewStatus is the outcome of one view in a refresh.
type ViewStatus struct {
	View     string        `json:"view"`
	Status   string        `json:"status"`
	Rows     int           `json:"rows"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report describes one refresh.
type Report struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Views     []ViewStatus  `json:"views"`
}

// OK returns true if every view refreshed.
func (r *Report) OK() bool {
	for _, v := range r.Views {
		if v.Status != StatusOK {
			return false
		}
	}
	return len(r.Views) > 0
}

// View returns the status of the named view.
func (r *Report) View(name string) (ViewStatus, bool) {
	for _, v := range r.Views {
		if v.View == name {
			return v, true
		}
	}
	return ViewStatus{}, false
}

// Options configures the orchestrator.
type Options struct {
	// Timeout bounds one refresh. Zero means no limit.
	Timeout time.Duration

	// LatencyAccuracy is the relative accuracy of the latency sketch.
	LatencyAccuracy float64

	// Hooks run after fully successful refreshes, in order.
	Hooks []Hook
}

// DefaultOptions returns default orchestrator options.
func DefaultOptions() Options {
	return Options{
		Timeout:         5 * time.Minute,
		LatencyAccuracy: 0.01,
	}
}

// StatsSnapshot is a point-in-time view of orchestrator statistics.
type StatsSnapshot struct {
	Refreshes     int64     `json:"refreshes"`
	Failures      int64     `json:"failures"`
	Skipped       int64     `json:"skipped_batches"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	LastSuccessAt time.Time `json:"last_success_at"`
	LastError     string    `json:"last_error,omitempty"`
	LatencyP50Ms  float64   `json:"latency_p50_ms"`
	LatencyP99Ms  float64   `json:"latency_p99_ms"`
}

// Orchestrator runs refreshes. Only one refresh runs at a time.
type Orchestrator struct {
	resolver   View
	dependents []View
	opts       Options
	logger     *slog.Logger

	// runMu serializes refreshes.
	runMu sync.Mutex

	statsMu sync.Mutex
	stats   StatsSnapshot
	latency *ddsketch.DDSketch
}

// New creates an orchestrator. dependents are refreshed in parallel after
// resolver succeeds.
func New(resolver View, dependents []View, opts Options) (*Orchestrator, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", errors.ErrInvalidConfig)
	}
	if opts.LatencyAccuracy <= 0 || opts.LatencyAccuracy >= 1 {
		opts.LatencyAccuracy = DefaultOptions().LatencyAccuracy
	}

	sketch, err := ddsketch.NewDefaultDDSketch(opts.LatencyAccuracy)
	if err != nil {
		return nil, fmt.Errorf("create latency sketch: %w", err)
	}

	return &Orchestrator{
		resolver:   resolver,
		dependents: dependents,
		opts:       opts,
		latency:    sketch,
		logger:     logging.Component("refresh"),
	}, nil
}

// AddHook registers a hook to run after fully successful refreshes.
// It must not be called concurrently with a refresh.
func (o *Orchestrator) AddHook(h Hook) {
	o.runMu.Lock()
	o.opts.Hooks = append(o.opts.Hooks, h)
	o.runMu.Unlock()
}

// OnNewData refreshes after a raw append of batchSize readings. An empty
// batch is a no-op and returns a zero Report.
func (o *Orchestrator) OnNewData(ctx context.Context, batchSize int) (Report, error) {
	if batchSize <= 0 {
		o.statsMu.Lock()
		o.stats.Skipped++
		o.statsMu.Unlock()
		return Report{}, nil
	}
	return o.Refresh(ctx)
}

// Refresh rebuilds every derived view. The returned error joins one
// *errors.RefreshError per failed view; the Report is always populated.
func (o *Orchestrator) Refresh(ctx context.Context) (Report, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	report := Report{
		RunID:     logging.RunID(ctx),
		StartedAt: time.Now().UTC(),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
		ctx = logging.ContextWithRunID(ctx, report.RunID)
	}
	logger := logging.FromContext(ctx, o.logger)

	var errs []error

	first, cause := o.runView(ctx, o.resolver)
	report.Views = append(report.Views, first)

	if cause != nil {
		errs = append(errs, errors.NewRefreshError(first.View, cause))
		for _, v := range o.dependents {
			report.Views = append(report.Views, ViewStatus{View: v.Name(), Status: StatusSkipped})
		}
	} else {
		statuses := make([]ViewStatus, len(o.dependents))
		causes := make([]error, len(o.dependents))

		// A failing view does not cancel its sibling.
		var g errgroup.Group
		for i, v := range o.dependents {
			g.Go(func() error {
				statuses[i], causes[i] = o.runView(ctx, v)
				return causes[i]
			})
		}
		_ = g.Wait()

		report.Views = append(report.Views, statuses...)
		for i, cause := range causes {
			if cause != nil {
				errs = append(errs, errors.NewRefreshError(statuses[i].View, cause))
			}
		}
	}

	report.Duration = time.Since(report.StartedAt)
	err := errors.Join(errs...)
	o.record(&report, err)

	if err != nil {
		logger.Error("refresh failed", "error", err, "duration", report.Duration)
		return report, err
	}

	logger.Info("refresh complete", "duration", report.Duration, "views", len(report.Views))

	for _, h := range o.opts.Hooks {
		if herr := h(ctx, report); herr != nil {
			logger.Warn("post-refresh hook failed", "error", herr)
		}
	}
	return report, nil
}

func (o *Orchestrator) runView(ctx context.Context, v View) (ViewStatus, error) {
	name := v.Name()
	start := time.Now()

	rows, err := v.Refresh(logging.ContextWithView(ctx, name))

	status := ViewStatus{
		View:     name,
		Status:   StatusOK,
		Rows:     rows,
		Duration: time.Since(start),
	}
	if err != nil {
		status.Status = StatusFailed
		status.Rows = 0
		status.Error = err.Error()
	}
	return status, err
}

func (o *Orchestrator) record(report *Report, err error) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	o.stats.Refreshes++
	o.stats.LastRefreshAt = report.StartedAt
	if err != nil {
		o.stats.Failures++
		o.stats.LastError = err.Error()
		return
	}
	o.stats.LastSuccessAt = report.StartedAt
	o.stats.LastError = ""

	_ = o.latency.Add(float64(report.Duration) / float64(time.Millisecond))
}

// Stats returns a snapshot of the orchestrator statistics.
func (o *Orchestrator) Stats() StatsSnapshot {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	s := o.stats
	if !o.latency.IsEmpty() {
		s.LatencyP50Ms, _ = o.latency.GetValueAtQuantile(0.50)
		s.LatencyP99Ms, _ = o.latency.GetValueAtQuantile(0.99)
	}
	return s
}
