package latest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/storage/types"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

func record(loc, param string, observed, ingested time.Duration, value *float64) types.LatestRecord {
	return types.LatestRecord{Reading: testutil.Reading(loc, param, observed, ingested, value)}
}

func TestComputeSelectsFreshest(t *testing.T) {
	recs := []types.LatestRecord{
		record("1", "pm25", 3*time.Hour, 0, testutil.V(30)),
		record("1", "pm25", 5*time.Hour, 0, testutil.V(50)),
		record("1", "pm25", 4*time.Hour, 9*time.Hour, testutil.V(40)),
		record("1", "no2", time.Hour, 0, nil),
		record("2", "pm25", 2*time.Hour, 0, testutil.V(2)),
	}

	vals := Compute(recs)

	tests := []struct {
		loc, param string
		observed   time.Duration
		value      *float64
	}{
		{"1", "no2", time.Hour, nil},
		{"1", "pm25", 5 * time.Hour, testutil.V(50)},
		{"2", "pm25", 2 * time.Hour, testutil.V(2)},
	}

	if len(vals) != len(tests) {
		t.Fatalf("expected %d values, got %d", len(tests), len(vals))
	}
	for i, tt := range tests {
		v := vals[i]
		if v.LocationID != tt.loc || v.Parameter != tt.param {
			t.Errorf("row %d: expected %s/%s, got %s/%s", i, tt.loc, tt.param, v.LocationID, v.Parameter)
		}
		if !v.ObservedAt.Equal(testutil.Epoch.Add(tt.observed)) {
			t.Errorf("row %d: expected observed_at %v, got %v", i, testutil.Epoch.Add(tt.observed), v.ObservedAt)
		}
		if types.CompareValue(v.Value, tt.value) != 0 {
			t.Errorf("row %d: expected value %s, got %s", i, types.FormatValue(tt.value), types.FormatValue(v.Value))
		}
		if v.Unit != "µg/m³" {
			t.Errorf("row %d: expected unit carried over, got %q", i, v.Unit)
		}
	}
}

func TestComputeTieOnObservedAt(t *testing.T) {
	// Compute does not rely on unique natural keys in its input.
	a := record("1", "pm25", time.Hour, time.Hour, testutil.V(1))
	b := record("1", "pm25", time.Hour, 2*time.Hour, testutil.V(2))

	for _, recs := range [][]types.LatestRecord{{a, b}, {b, a}} {
		vals := Compute(recs)
		if len(vals) != 1 || *vals[0].Value != 2 {
			t.Errorf("expected later ingestion to win, got %+v", vals)
		}
	}
}

func TestComputeEmpty(t *testing.T) {
	if vals := Compute(nil); len(vals) != 0 {
		t.Errorf("expected no values, got %d", len(vals))
	}
}

type memViews struct {
	recs    []types.LatestRecord
	vals    []types.LatestParamValue
	readErr error
}

func (m *memViews) LatestRecords(context.Context) ([]types.LatestRecord, error) {
	return m.recs, m.readErr
}

func (m *memViews) ReplaceLatestValues(_ context.Context, vals []types.LatestParamValue) error {
	m.vals = vals
	return nil
}

func TestIndexRefresh(t *testing.T) {
	views := &memViews{recs: []types.LatestRecord{
		record("1", "pm25", time.Hour, 0, testutil.V(1)),
		record("1", "pm25", 2*time.Hour, 0, testutil.V(2)),
	}}
	idx := New(views, views)

	if idx.Name() != types.ViewLatestValues {
		t.Errorf("expected name %q, got %q", types.ViewLatestValues, idx.Name())
	}

	n, err := idx.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 1 || *views.vals[0].Value != 2 {
		t.Errorf("expected 1 row with value 2, got %d rows: %+v", n, views.vals)
	}

	views.readErr = errors.New("storage unavailable")
	if _, err := idx.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(views.vals) != 1 {
		t.Errorf("expected previous values intact, got %d", len(views.vals))
	}
}
