package types

import (
	"strconv"
	"time"
)

// Reading is a single measurement as landed in the raw store.
// Several Readings may share a natural key when the upstream source
// re-emits a corrected value.
type Reading struct {
	// Identity
	LocationID string    `json:"location_id" validate:"required,notblank"`
	Parameter  string    `json:"parameter" validate:"required,notblank"`
	ObservedAt time.Time `json:"observed_at" validate:"nonzero_time"`

	// Value is nil when the upstream value is missing or not numeric.
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`

	// Provenance
	IngestedAt     time.Time `json:"ingested_at"`      // Wall-clock time of extraction
	SourceRecordID string    `json:"source_record_id"` // Opaque upstream identifier
}

// NaturalKey identifies the measurement a Reading describes.
type NaturalKey struct {
	LocationID string
	Parameter  string
	ObservedAt int64 // Unix microseconds, UTC
}

// SeriesKey identifies one (location, parameter) series.
type SeriesKey struct {
	LocationID string
	Parameter  string
}

// Key returns the natural key of r.
func (r *Reading) Key() NaturalKey {
	return NaturalKey{
		LocationID: r.LocationID,
		Parameter:  r.Parameter,
		ObservedAt: r.ObservedAt.UnixMicro(),
	}
}

// Series returns the series key of r.
func (r *Reading) Series() SeriesKey {
	return SeriesKey{LocationID: r.LocationID, Parameter: r.Parameter}
}

// Normalize returns r with both timestamps in UTC, truncated to the
// microsecond precision the warehouse stores.
func (r Reading) Normalize() Reading {
	r.ObservedAt = r.ObservedAt.UTC().Truncate(time.Microsecond)
	if !r.IngestedAt.IsZero() {
		r.IngestedAt = r.IngestedAt.UTC().Truncate(time.Microsecond)
	}
	return r
}

// String returns the natural key in a compact form for logs.
func (k NaturalKey) String() string {
	return k.LocationID + "/" + k.Parameter + "@" + time.UnixMicro(k.ObservedAt).UTC().Format(time.RFC3339Nano)
}

func (k SeriesKey) String() string {
	return k.LocationID + "/" + k.Parameter
}

// Float returns a pointer to v. Convenient for building readings.
func Float(v float64) *float64 {
	return &v
}

// FormatValue renders a nullable value for logs and CSV output.
func FormatValue(v *float64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}
