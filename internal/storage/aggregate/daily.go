package aggregate

import (
	"math"
	"time"

	"github.com/xtxerr/airwatch/internal/storage/types"
)

// DayAggregate maintains running statistics for one series on one UTC day.
// Null and NaN values do not contribute to the statistics. Infinite values
// do, so a +Inf reading yields a +Inf max and mean.
type DayAggregate struct {
	// Identity
	locationID string
	parameter  string
	date       time.Time

	// Running statistics over non-null, non-NaN values
	count int64
	sum   float64
	min   float64
	max   float64
}

// NewDay creates an empty aggregate for the given series and day.
func NewDay(locationID, parameter string, date time.Time) *DayAggregate {
	return &DayAggregate{
		locationID: locationID,
		parameter:  parameter,
		date:       types.DateOf(date),
	}
}

// Add adds a value to the aggregate. Nil and NaN values are skipped.
func (a *DayAggregate) Add(value *float64) {
	if value == nil || math.IsNaN(*value) {
		return
	}

	v := *value
	if a.count == 0 {
		a.min, a.max = v, v
	}
	a.count++
	a.sum += v

	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}

// AddRecord adds the value of rec.
func (a *DayAggregate) AddRecord(rec *types.LatestRecord) {
	a.Add(rec.Value)
}

// Count returns the number of non-null values added.
func (a *DayAggregate) Count() int64 {
	return a.count
}

// IsEmpty returns true if no non-null value has been added.
func (a *DayAggregate) IsEmpty() bool {
	return a.count == 0
}

// Result returns the DailyStat. Mean, Min and Max are nil when the
// aggregate is empty. Mean is the population mean.
func (a *DayAggregate) Result() types.DailyStat {
	stat := types.DailyStat{
		LocationID: a.locationID,
		Parameter:  a.parameter,
		Date:       a.date,
		Count:      a.count,
	}

	if a.count > 0 {
		stat.Mean = types.Float(a.sum / float64(a.count))
		stat.Min = types.Float(a.min)
		stat.Max = types.Float(a.max)
	}

	return stat
}
