package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/storage/types"
	"github.com/xtxerr/airwatch/internal/storage/warehouse"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

type fakeCatalog map[string]bool

func (c fakeCatalog) KnownLocation(id string) bool { return c["loc:"+id] }
func (c fakeCatalog) KnownParameter(p string) bool { return c["param:"+p] }

func setup(t *testing.T, opts Options) (*Service, *warehouse.Warehouse) {
	t.Helper()
	ctx := context.Background()

	whOpts := warehouse.DefaultOptions()
	whOpts.Path = filepath.Join(t.TempDir(), "query.db")

	wh, err := warehouse.Open(ctx, whOpts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { wh.Close() })

	if err := wh.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	recs := []types.LatestRecord{
		{Reading: testutil.Reading("1", "pm25", time.Hour, 0, testutil.V(10))},
		{Reading: testutil.Reading("1", "pm25", 26*time.Hour, 0, testutil.V(20))},
		{Reading: testutil.Reading("1", "bc", time.Hour, 0, testutil.V(1))},
		{Reading: testutil.Reading("99", "pm25", time.Hour, 0, nil)},
	}
	if err := wh.ReplaceLatestRecords(ctx, recs); err != nil {
		t.Fatalf("ReplaceLatestRecords: %v", err)
	}

	stats := []types.DailyStat{
		{LocationID: "1", Parameter: "pm25", Date: testutil.Epoch, Count: 1, Mean: testutil.V(10), Min: testutil.V(10), Max: testutil.V(10)},
		{LocationID: "1", Parameter: "pm25", Date: testutil.Epoch.AddDate(0, 0, 1), Count: 1, Mean: testutil.V(20), Min: testutil.V(20), Max: testutil.V(20)},
		{LocationID: "99", Parameter: "pm25", Date: testutil.Epoch, Count: 0},
	}
	if err := wh.ReplaceDailyStats(ctx, stats); err != nil {
		t.Fatalf("ReplaceDailyStats: %v", err)
	}

	vals := []types.LatestParamValue{
		{LocationID: "1", Parameter: "bc", ObservedAt: testutil.Epoch.Add(time.Hour), Value: testutil.V(1)},
		{LocationID: "1", Parameter: "pm25", ObservedAt: testutil.Epoch.Add(26 * time.Hour), Value: testutil.V(20)},
		{LocationID: "99", Parameter: "pm25", ObservedAt: testutil.Epoch.Add(time.Hour)},
	}
	if err := wh.ReplaceLatestValues(ctx, vals); err != nil {
		t.Fatalf("ReplaceLatestValues: %v", err)
	}

	return New(wh.DB(), opts), wh
}

func TestLatestValuesFilters(t *testing.T) {
	catalog := fakeCatalog{"loc:1": true, "param:pm25": true}
	opts := DefaultOptions()
	opts.Catalog = catalog
	svc, _ := setup(t, opts)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"1/bc", "1/pm25", "99/pm25"}},
		{"by location", Filter{LocationIDs: []string{"99"}}, []string{"99/pm25"}},
		{"by parameter", Filter{Parameters: []string{"pm25"}}, []string{"1/pm25", "99/pm25"}},
		{"both", Filter{LocationIDs: []string{"1"}, Parameters: []string{"bc", "no2"}}, []string{"1/bc"}},
		{"known only", Filter{KnownOnly: true}, []string{"1/pm25"}},
		{"from", Filter{From: testutil.Epoch.Add(2 * time.Hour)}, []string{"1/pm25"}},
		{"to", Filter{To: testutil.Epoch.Add(time.Hour)}, []string{"1/bc", "99/pm25"}},
		{"limit", Filter{Limit: 1}, []string{"1/bc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals, err := svc.LatestValues(ctx, tt.filter)
			if err != nil {
				t.Fatalf("LatestValues: %v", err)
			}
			var got []string
			for i := range vals {
				got = append(got, vals[i].Series().String())
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
					break
				}
			}
		})
	}
}

func TestKnownOnlyWithoutCatalog(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())
	ctx := context.Background()
	f := Filter{KnownOnly: true}

	tests := []struct {
		name string
		run  func() error
	}{
		{"latest records", func() error { _, err := svc.LatestRecords(ctx, f); return err }},
		{"daily stats", func() error { _, err := svc.DailyStats(ctx, f); return err }},
		{"latest values", func() error { _, err := svc.LatestValues(ctx, f); return err }},
		{"view", func() error { _, err := svc.View(ctx, types.ViewLatestValues, f); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.IsValidation(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}

	// Without the flag the same service answers normally.
	vals, err := svc.LatestValues(ctx, Filter{})
	if err != nil {
		t.Fatalf("LatestValues: %v", err)
	}
	if len(vals) != 3 {
		t.Errorf("expected 3 values, got %d", len(vals))
	}
}

func TestDailyStatsDateRange(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())
	ctx := context.Background()

	// A From inside the second day still includes that day.
	stats, err := svc.DailyStats(ctx, Filter{From: testutil.Epoch.Add(30 * time.Hour)})
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(stats) != 1 || !stats[0].Date.Equal(testutil.Epoch.AddDate(0, 0, 1)) {
		t.Errorf("expected the second day only, got %+v", stats)
	}

	stats, err = svc.DailyStats(ctx, Filter{To: testutil.Epoch.Add(12 * time.Hour), LocationIDs: []string{"99"}})
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Count != 0 || stats[0].Mean != nil {
		t.Errorf("expected the all-null day, got %+v", stats)
	}
}

func TestLatestRecords(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())

	recs, err := svc.LatestRecords(context.Background(), Filter{LocationIDs: []string{"1"}, Parameters: []string{"pm25"}})
	if err != nil {
		t.Fatalf("LatestRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].ObservedAt.Before(recs[1].ObservedAt) {
		t.Error("expected records ordered by observed_at")
	}
}

func TestMaxRowsClamp(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRows = 2
	svc, _ := setup(t, opts)

	vals, err := svc.LatestValues(context.Background(), Filter{Limit: 100})
	if err != nil {
		t.Fatalf("LatestValues: %v", err)
	}
	if len(vals) != 2 {
		t.Errorf("expected 2 rows, got %d", len(vals))
	}
}

func TestView(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())
	ctx := context.Background()

	for _, view := range types.Views() {
		if _, err := svc.View(ctx, view, Filter{}); err != nil {
			t.Errorf("%s: %v", view, err)
		}
	}

	if _, err := svc.View(ctx, "raw", Filter{}); !errors.Is(err, errors.ErrUnknownView) {
		t.Errorf("expected ErrUnknownView, got %v", err)
	}
}

func TestExecuteSQL(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())
	ctx := context.Background()

	rows, err := svc.ExecuteSQL(ctx, "SELECT location_id, value FROM "+warehouse.LatestValuesTable+" ORDER BY location_id, parameter;")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0]["location_id"] != "1" {
		t.Errorf("expected location 1, got %v", rows[0]["location_id"])
	}
}

func TestExecuteSQLRejectsWrites(t *testing.T) {
	svc, wh := setup(t, DefaultOptions())
	ctx := context.Background()

	tests := []string{
		"DELETE FROM " + warehouse.LatestValuesTable,
		"DROP TABLE " + warehouse.DailyStatsTable,
		"SELECT 1; DELETE FROM " + warehouse.LatestValuesTable,
		"  insert into raw.air_quality values (1)",
		"",
	}

	for _, q := range tests {
		if _, err := svc.ExecuteSQL(ctx, q); !errors.Is(err, errors.ErrReadOnly) {
			t.Errorf("%q: expected ErrReadOnly, got %v", q, err)
		}
	}

	n, err := wh.Count(ctx, warehouse.LatestValuesTable)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected relation untouched, got %d rows", n)
	}
}

func TestCheckReadOnly(t *testing.T) {
	tests := []struct {
		query string
		ok    bool
	}{
		{"SELECT 1", true},
		{"with x as (select 1) select * from x", true},
		{"DESCRIBE presentation.daily_air_quality_stats", true},
		{"SHOW TABLES", true},
		{"FROM raw.air_quality", true},
		{"UPDATE raw.air_quality SET value = 0", false},
		{"COPY raw.air_quality TO 'x.csv'", false},
		{"ATTACH 'other.db'", false},
	}

	for _, tt := range tests {
		err := checkReadOnly(tt.query)
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tt.query, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%q: expected rejection", tt.query)
		}
	}
}

func TestStats(t *testing.T) {
	svc, _ := setup(t, DefaultOptions())
	ctx := context.Background()

	svc.LatestValues(ctx, Filter{})
	svc.ExecuteSQL(ctx, "SELECT * FROM no_such_table")

	s := svc.Stats()
	if s.QueriesExecuted != 1 || s.RowsReturned != 3 || s.Errors != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}
