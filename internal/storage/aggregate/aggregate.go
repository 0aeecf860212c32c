// Package aggregate derives the DailyStat relation from LatestRecord.
package aggregate

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

// Target holds the DailyStat relation.
type Target interface {
	ReplaceDailyStats(ctx context.Context, stats []types.DailyStat) error
}

type dayKey struct {
	series types.SeriesKey
	date   int64 // Unix seconds of midnight UTC
}

// Compute groups recs by (location_id, parameter, UTC date of observed_at)
// and returns one DailyStat per group, sorted by series then date.
// Groups whose values are all null are emitted with a zero count.
func Compute(recs []types.LatestRecord) []types.DailyStat {
	days := make(map[dayKey]*DayAggregate)

	for i := range recs {
		rec := &recs[i]
		date := types.DateOf(rec.ObservedAt)
		key := dayKey{series: rec.Series(), date: date.Unix()}

		agg, ok := days[key]
		if !ok {
			agg = NewDay(rec.LocationID, rec.Parameter, date)
			days[key] = agg
		}
		agg.AddRecord(rec)
	}

	stats := make([]types.DailyStat, 0, len(days))
	for _, agg := range days {
		stats = append(stats, agg.Result())
	}
	types.SortDailyStats(stats)
	return stats
}

// Aggregator re-derives DailyStat on every refresh.
type Aggregator struct {
	src    Source
	dst    Target
	logger *slog.Logger
}

// New creates an aggregator reading from src and writing to dst.
func New(src Source, dst Target) *Aggregator {
	return &Aggregator{
		src:    src,
		dst:    dst,
		logger: logging.Component("aggregator"),
	}
}

// Name returns the view the aggregator maintains.
func (a *Aggregator) Name() string {
	return types.ViewDailyStats
}

// Refresh replaces DailyStat and returns its row count. On error the
// previous relation is left in place.
func (a *Aggregator) Refresh(ctx context.Context) (int, error) {
	start := time.Now()

	recs, err := a.src.LatestRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("read latest records: %w", err)
	}

	stats := Compute(recs)
	if err := a.dst.ReplaceDailyStats(ctx, stats); err != nil {
		return 0, fmt.Errorf("replace daily stats: %w", err)
	}

	a.logger.Debug("daily stats refreshed",
		"records", len(recs),
		"rows", len(stats),
		"duration", time.Since(start))
	return len(stats), nil
}
