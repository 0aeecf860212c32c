package testing

import (
	"time"

	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Epoch is the fixed instant fixtures are built around.
var Epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// Reading builds a reading observed at Epoch+observed and ingested at
// Epoch+ingested. A nil value yields a null reading.
func Reading(location, parameter string, observed, ingested time.Duration, value *float64) types.Reading {
	obs := Epoch.Add(observed)
	return types.Reading{
		LocationID:     location,
		Parameter:      parameter,
		ObservedAt:     obs,
		Value:          value,
		Unit:           "µg/m³",
		IngestedAt:     Epoch.Add(ingested),
		SourceRecordID: location + ":" + obs.Format(time.RFC3339),
	}
}

// V is shorthand for types.Float.
func V(v float64) *float64 {
	return types.Float(v)
}

// Clock is a settable clock for components that stamp times.
type Clock struct {
	Now time.Time
}

// NewClock returns a clock starting at Epoch.
func NewClock() *Clock {
	return &Clock{Now: Epoch}
}

// Func returns the clock as a func() time.Time.
func (c *Clock) Func() func() time.Time {
	return func() time.Time { return c.Now }
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.Now = c.Now.Add(d)
}
