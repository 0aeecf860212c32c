package parquet

import (
	"time"

	"github.com/xtxerr/airwatch/internal/storage/types"
)

// dateLayout is the layout of DailyStatRow.Date.
const dateLayout = "2006-01-02"

// LatestRecordRow represents a LatestRecord in Parquet format.
// Timestamps are Unix microseconds, UTC.
type LatestRecordRow struct {
	LocationID     string   `parquet:"location_id,zstd"`
	Parameter      string   `parquet:"parameter,zstd"`
	ObservedAtUs   int64    `parquet:"observed_at_us"`
	Value          *float64 `parquet:"value,optional"`
	Unit           string   `parquet:"unit,optional,zstd"`
	IngestedAtUs   int64    `parquet:"ingested_at_us"`
	SourceRecordID string   `parquet:"source_record_id,optional,zstd"`
}

// DailyStatRow represents a DailyStat in Parquet format.
type DailyStatRow struct {
	LocationID string   `parquet:"location_id,zstd"`
	Parameter  string   `parquet:"parameter,zstd"`
	Date       string   `parquet:"date"`
	Count      int64    `parquet:"count"`
	Mean       *float64 `parquet:"mean,optional"`
	Min        *float64 `parquet:"min,optional"`
	Max        *float64 `parquet:"max,optional"`
}

// LatestValueRow represents a LatestParamValue in Parquet format.
type LatestValueRow struct {
	LocationID   string   `parquet:"location_id,zstd"`
	Parameter    string   `parquet:"parameter,zstd"`
	ObservedAtUs int64    `parquet:"observed_at_us"`
	Value        *float64 `parquet:"value,optional"`
	Unit         string   `parquet:"unit,optional,zstd"`
}

// LatestRecordToRow converts a LatestRecord to a LatestRecordRow.
func LatestRecordToRow(r *types.LatestRecord) LatestRecordRow {
	return LatestRecordRow{
		LocationID:     r.LocationID,
		Parameter:      r.Parameter,
		ObservedAtUs:   r.ObservedAt.UnixMicro(),
		Value:          r.Value,
		Unit:           r.Unit,
		IngestedAtUs:   r.IngestedAt.UnixMicro(),
		SourceRecordID: r.SourceRecordID,
	}
}

// RowToLatestRecord converts a LatestRecordRow to a LatestRecord.
func RowToLatestRecord(r *LatestRecordRow) types.LatestRecord {
	return types.LatestRecord{Reading: types.Reading{
		LocationID:     r.LocationID,
		Parameter:      r.Parameter,
		ObservedAt:     time.UnixMicro(r.ObservedAtUs).UTC(),
		Value:          r.Value,
		Unit:           r.Unit,
		IngestedAt:     time.UnixMicro(r.IngestedAtUs).UTC(),
		SourceRecordID: r.SourceRecordID,
	}}
}

// DailyStatToRow converts a DailyStat to a DailyStatRow.
func DailyStatToRow(s *types.DailyStat) DailyStatRow {
	return DailyStatRow{
		LocationID: s.LocationID,
		Parameter:  s.Parameter,
		Date:       s.Date.UTC().Format(dateLayout),
		Count:      s.Count,
		Mean:       s.Mean,
		Min:        s.Min,
		Max:        s.Max,
	}
}

// RowToDailyStat converts a DailyStatRow to a DailyStat. An unparsable
// date yields the zero time.
func RowToDailyStat(r *DailyStatRow) types.DailyStat {
	date, _ := time.ParseInLocation(dateLayout, r.Date, time.UTC)
	return types.DailyStat{
		LocationID: r.LocationID,
		Parameter:  r.Parameter,
		Date:       date,
		Count:      r.Count,
		Mean:       r.Mean,
		Min:        r.Min,
		Max:        r.Max,
	}
}

// LatestValueToRow converts a LatestParamValue to a LatestValueRow.
func LatestValueToRow(v *types.LatestParamValue) LatestValueRow {
	return LatestValueRow{
		LocationID:   v.LocationID,
		Parameter:    v.Parameter,
		ObservedAtUs: v.ObservedAt.UnixMicro(),
		Value:        v.Value,
		Unit:         v.Unit,
	}
}

// RowToLatestValue converts a LatestValueRow to a LatestParamValue.
func RowToLatestValue(r *LatestValueRow) types.LatestParamValue {
	return types.LatestParamValue{
		LocationID: r.LocationID,
		Parameter:  r.Parameter,
		ObservedAt: time.UnixMicro(r.ObservedAtUs).UTC(),
		Value:      r.Value,
		Unit:       r.Unit,
	}
}

func convert[S, D any](in []S, fn func(*S) D) []D {
	out := make([]D, len(in))
	for i := range in {
		out[i] = fn(&in[i])
	}
	return out
}
