// Package latest derives the LatestParamValue relation: the most recent
// reading of every (location_id, parameter) series.
package latest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Source provides the LatestRecord relation.
type Source interface {
	LatestRecords(ctx context.Context) ([]types.LatestRecord, error)
}

// Target holds the LatestParamValue relation.
type Target interface {
	ReplaceLatestValues(ctx context.Context, vals []types.LatestParamValue) error
}

// Compute returns one LatestParamValue per series: the record with the
// greatest observed_at, ties broken by ingested_at then source_record_id.
// The result is sorted by series.
func Compute(recs []types.LatestRecord) []types.LatestParamValue {
	best := make(map[types.SeriesKey]*types.Reading)

	for i := range recs {
		r := &recs[i].Reading
		key := r.Series()

		cur, ok := best[key]
		if !ok || types.CompareFreshness(r, cur) > 0 {
			best[key] = r
		}
	}

	vals := make([]types.LatestParamValue, 0, len(best))
	for _, r := range best {
		vals = append(vals, types.LatestParamValue{
			LocationID: r.LocationID,
			Parameter:  r.Parameter,
			ObservedAt: r.ObservedAt,
			Value:      r.Value,
			Unit:       r.Unit,
		})
	}
	types.SortLatestValues(vals)
	return vals
}

// Index re-derives LatestParamValue on every refresh.
type Index struct {
	src    Source
	dst    Target
	logger *slog.Logger
}

// New creates an index reading from src and writing to dst.
func New(src Source, dst Target) *Index {
	return &Index{
		src:    src,
		dst:    dst,
		logger: logging.Component("latest_index"),
	}
}

// Name returns the view the index maintains.
func (x *Index) Name() string {
	return types.ViewLatestValues
}

// Refresh replaces LatestParamValue and returns its row count. On error the
// previous relation is left in place.
func (x *Index) Refresh(ctx context.Context) (int, error) {
	start := time.Now()

	recs, err := x.src.LatestRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("read latest records: %w", err)
	}

	vals := Compute(recs)
	if err := x.dst.ReplaceLatestValues(ctx, vals); err != nil {
		return 0, fmt.Errorf("replace latest values: %w", err)
	}

	x.logger.Debug("latest values refreshed",
		"records", len(recs),
		"rows", len(vals),
		"duration", time.Since(start))
	return len(vals), nil
}
