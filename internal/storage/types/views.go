package types

import "time"

// Derived view names.
const (
	ViewLatestRecords = "latest_records"
	ViewDailyStats    = "daily_stats"
	ViewLatestValues  = "latest_values"
)

// Views returns the derived views in refresh order.
func Views() []string {
	return []string{ViewLatestRecords, ViewDailyStats, ViewLatestValues}
}

// LatestRecord is the authoritative Reading for one natural key: the one
// with the greatest ingested_at, ties broken by source_record_id.
type LatestRecord struct {
	Reading
}

// DailyStat holds statistics of the non-null LatestRecord values of one
// series on one UTC calendar day.
type DailyStat struct {
	LocationID string    `json:"location_id"`
	Parameter  string    `json:"parameter"`
	Date       time.Time `json:"date"` // Midnight UTC

	// Count is the number of non-null values. Mean, Min and Max are nil
	// when Count is zero.
	Count int64    `json:"count"`
	Mean  *float64 `json:"mean"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
}

// Series returns the series key of s.
func (s *DailyStat) Series() SeriesKey {
	return SeriesKey{LocationID: s.LocationID, Parameter: s.Parameter}
}

// IsEmpty returns true if the group held no non-null values.
func (s *DailyStat) IsEmpty() bool {
	return s.Count == 0
}

// LatestParamValue is the most recent LatestRecord of a series.
type LatestParamValue struct {
	LocationID string    `json:"location_id"`
	Parameter  string    `json:"parameter"`
	ObservedAt time.Time `json:"observed_at"`
	Value      *float64  `json:"value"`
	Unit       string    `json:"unit"`
}

// Series returns the series key of v.
func (v *LatestParamValue) Series() SeriesKey {
	return SeriesKey{LocationID: v.LocationID, Parameter: v.Parameter}
}

// DateOf returns the UTC calendar day containing t.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
