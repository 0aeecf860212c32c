// Package resolve derives the LatestRecord relation: one authoritative
// reading per (location_id, parameter, observed_at).
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Resolve modes.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// Source is the raw store as seen by the resolver.
type Source interface {
	ReadSince(ctx context.Context, cursor int64) ([]types.Reading, int64, error)
	Count(ctx context.Context) (int64, error)
}

// Target holds the LatestRecord relation.
type Target interface {
	LatestRecords(ctx context.Context) ([]types.LatestRecord, error)
	ReplaceLatestRecords(ctx context.Context, recs []types.LatestRecord) error
}

// Result describes one resolve run.
type Result struct {
	Mode      string `json:"mode"`
	Read      int    `json:"read"`
	Rows      int    `json:"rows"`
	Conflicts int    `json:"conflicts"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// Resolver maintains the LatestRecord relation.
type Resolver struct {
	src    Source
	dst    Target
	mode   string
	logger *slog.Logger

	mu sync.Mutex
	// cursor is the raw row id consumed by the last successful run, or -1
	// when the next run must be a full recompute.
	cursor   int64
	consumed int64
	rows     int
}

// New creates a resolver. An empty mode selects ModeFull.
func New(src Source, dst Target, mode string) (*Resolver, error) {
	switch mode {
	case "":
		mode = ModeFull
	case ModeFull, ModeIncremental:
	default:
		return nil, fmt.Errorf("%w: resolve mode %q", errors.ErrInvalidConfig, mode)
	}

	return &Resolver{
		src:    src,
		dst:    dst,
		mode:   mode,
		cursor: -1,
		logger: logging.Component("resolver"),
	}, nil
}

// Name returns the view the resolver maintains.
func (r *Resolver) Name() string {
	return types.ViewLatestRecords
}

// Mode returns the configured resolve mode.
func (r *Resolver) Mode() string {
	return r.mode
}

// Refresh runs Resolve and returns the number of LatestRecord rows.
func (r *Resolver) Refresh(ctx context.Context) (int, error) {
	res, err := r.Resolve(ctx)
	return res.Rows, err
}

// Resolve replaces the LatestRecord relation. On error the previous
// relation is left in place and the next incremental run recomputes fully.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeIncremental && r.cursor >= 0 {
		res, ok, err := r.incremental(ctx)
		if err != nil {
			r.cursor = -1
			return res, err
		}
		if ok {
			return res, nil
		}
		r.logger.Info("raw store shrank since last resolve, recomputing")
	}

	res, err := r.full(ctx)
	if err != nil {
		r.cursor = -1
	}
	return res, err
}

func (r *Resolver) full(ctx context.Context) (Result, error) {
	res := Result{Mode: ModeFull}

	readings, cursor, err := r.src.ReadSince(ctx, -1)
	if err != nil {
		return res, fmt.Errorf("read raw: %w", err)
	}

	recs, conflicts := Reduce(readings)
	if err := r.dst.ReplaceLatestRecords(ctx, recs); err != nil {
		return res, fmt.Errorf("replace latest records: %w", err)
	}

	r.cursor = cursor
	r.consumed = int64(len(readings))
	r.rows = len(recs)

	res.Read = len(readings)
	res.Rows = len(recs)
	res.Conflicts = conflicts
	r.logResult(res)
	return res, nil
}

// incremental merges raw rows appended since the last run. ok is false when
// the raw store no longer matches the cursor and a full run is needed.
func (r *Resolver) incremental(ctx context.Context) (res Result, ok bool, err error) {
	res = Result{Mode: ModeIncremental}

	count, err := r.src.Count(ctx)
	if err != nil {
		return res, false, fmt.Errorf("count raw: %w", err)
	}
	if count < r.consumed {
		return res, false, nil
	}

	readings, cursor, err := r.src.ReadSince(ctx, r.cursor)
	if err != nil {
		return res, false, fmt.Errorf("read raw: %w", err)
	}
	if len(readings) == 0 {
		res.Rows = r.rows
		res.Skipped = true
		return res, true, nil
	}

	current, err := r.dst.LatestRecords(ctx)
	if err != nil {
		return res, false, fmt.Errorf("read latest records: %w", err)
	}

	recs, conflicts := Merge(current, readings)
	if err := r.dst.ReplaceLatestRecords(ctx, recs); err != nil {
		return res, false, fmt.Errorf("replace latest records: %w", err)
	}

	r.cursor = cursor
	r.consumed += int64(len(readings))
	r.rows = len(recs)

	res.Read = len(readings)
	res.Rows = len(recs)
	res.Conflicts = conflicts
	r.logResult(res)
	return res, true, nil
}

func (r *Resolver) logResult(res Result) {
	if res.Conflicts > 0 {
		r.logger.Warn("settled tied readings",
			"error", errors.ErrResolutionConflict,
			"conflicts", res.Conflicts)
	}
	r.logger.Debug("resolved latest records",
		"mode", res.Mode,
		"read", res.Read,
		"rows", res.Rows)
}
