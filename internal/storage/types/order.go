package types

import (
	"cmp"
	"slices"
	"strings"
)

// CompareRecency orders two readings of the same natural key by authority.
// A positive result means a supersedes b.
//
// The order is ingested_at, then source_record_id, then value (null first)
// and finally unit. Zero means the readings are indistinguishable, which the
// resolver reports as a resolution conflict.
func CompareRecency(a, b *Reading) int {
	if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
		return c
	}
	if c := strings.Compare(a.SourceRecordID, b.SourceRecordID); c != 0 {
		return c
	}
	if c := CompareValue(a.Value, b.Value); c != 0 {
		return c
	}
	return strings.Compare(a.Unit, b.Unit)
}

// CompareFreshness orders two readings of the same series for the
// latest-value index: observed_at first, then CompareRecency.
func CompareFreshness(a, b *Reading) int {
	if c := a.ObservedAt.Compare(b.ObservedAt); c != 0 {
		return c
	}
	return CompareRecency(a, b)
}

// CompareValue orders nullable values with null before any number.
func CompareValue(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return cmp.Compare(*a, *b)
	}
}

// CompareKey orders natural keys by location, parameter and observed_at.
func CompareKey(a, b NaturalKey) int {
	if c := strings.Compare(a.LocationID, b.LocationID); c != 0 {
		return c
	}
	if c := strings.Compare(a.Parameter, b.Parameter); c != 0 {
		return c
	}
	return cmp.Compare(a.ObservedAt, b.ObservedAt)
}

// CompareSeries orders series keys by location then parameter.
func CompareSeries(a, b SeriesKey) int {
	if c := strings.Compare(a.LocationID, b.LocationID); c != 0 {
		return c
	}
	return strings.Compare(a.Parameter, b.Parameter)
}

// SortLatestRecords sorts records by natural key.
func SortLatestRecords(recs []LatestRecord) {
	slices.SortFunc(recs, func(a, b LatestRecord) int {
		return CompareKey(a.Key(), b.Key())
	})
}

// SortDailyStats sorts stats by series then date.
func SortDailyStats(stats []DailyStat) {
	slices.SortFunc(stats, func(a, b DailyStat) int {
		if c := CompareSeries(a.Series(), b.Series()); c != 0 {
			return c
		}
		return a.Date.Compare(b.Date)
	})
}

// SortLatestValues sorts values by series.
func SortLatestValues(vals []LatestParamValue) {
	slices.SortFunc(vals, func(a, b LatestParamValue) int {
		return CompareSeries(a.Series(), b.Series())
	})
}
