package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/storage/types"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

func openTest(t *testing.T) *Warehouse {
	t.Helper()

	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "test.db")
	opts.MemoryLimit = "256MB"
	opts.InsertChunkSize = 3 // Force several chunks in small tests

	w, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if err := w.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return w
}

func TestMigrateIdempotent(t *testing.T) {
	w := openTest(t)

	if err := w.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	for _, table := range []string{RawTable, LatestRecordsTable, DailyStatsTable, LatestValuesTable} {
		n, err := w.Count(context.Background(), table)
		if err != nil {
			t.Errorf("Count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("expected empty %s, got %d", table, n)
		}
	}
}

func TestMigrateDDLDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"02_table.sql":  "CREATE TABLE IF NOT EXISTS custom.t (x INTEGER);",
		"01_schema.sql": "CREATE SCHEMA IF NOT EXISTS custom;",
		"README.md":     "not sql",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	opts := DefaultOptions()
	opts.Path = filepath.Join(t.TempDir(), "ddl.db")
	opts.DDLDir = dir

	w, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	// Lexical order runs the schema before the table.
	if err := w.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := w.Count(context.Background(), "custom.t"); err != nil {
		t.Errorf("expected custom.t to exist: %v", err)
	}
}

func TestAppendAndReadSince(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	batch := []types.Reading{
		testutil.Reading("1", "pm25", 0, time.Hour, testutil.V(10)),
		testutil.Reading("1", "pm25", time.Hour, time.Hour, nil),
		testutil.Reading("2", "no2", 0, time.Hour, testutil.V(3.5)),
		testutil.Reading("2", "no2", time.Hour, time.Hour, testutil.V(4)),
	}
	batch[1].Unit = ""
	batch[1].SourceRecordID = ""

	if err := w.AppendReadings(ctx, batch); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	all, cursor, err := w.ReadingsSince(ctx, -1)
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 readings, got %d", len(all))
	}
	if all[1].Value != nil {
		t.Error("expected null value to round-trip")
	}
	if all[1].Unit != "" || all[1].SourceRecordID != "" {
		t.Error("expected empty unit and source id to round-trip")
	}
	if !all[0].ObservedAt.Equal(batch[0].ObservedAt) || all[0].ObservedAt.Location() != time.UTC {
		t.Errorf("observed_at mismatch: %v", all[0].ObservedAt)
	}

	more := []types.Reading{testutil.Reading("3", "o3", 0, 2*time.Hour, testutil.V(1))}
	if err := w.AppendReadings(ctx, more); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	tail, next, err := w.ReadingsSince(ctx, cursor)
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	if len(tail) != 1 || tail[0].LocationID != "3" {
		t.Fatalf("expected only the new reading, got %+v", tail)
	}
	if next <= cursor {
		t.Errorf("expected cursor to advance past %d, got %d", cursor, next)
	}

	none, same, err := w.ReadingsSince(ctx, next)
	if err != nil {
		t.Fatalf("ReadingsSince: %v", err)
	}
	if len(none) != 0 || same != next {
		t.Errorf("expected no readings and unchanged cursor, got %d and %d", len(none), same)
	}
}

func TestTransactionRollsBack(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	batch := []types.Reading{
		testutil.Reading("1", "pm25", 0, time.Hour, testutil.V(1)),
		testutil.Reading("1", "pm25", time.Minute, time.Hour, testutil.V(2)),
		testutil.Reading("1", "pm25", 2*time.Minute, time.Hour, testutil.V(3)),
	}

	boom := fmt.Errorf("boom")
	err := w.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertChunked(ctx, tx, RawTable, readingColumns, batch, 2, readingArgs); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	n, err := w.Count(ctx, RawTable)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no rows after rolled back append, got %d", n)
	}

	// A cancelled context never starts the transaction.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := w.AppendReadings(cancelled, batch); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestReplaceSwapsContent(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	first := []types.DailyStat{
		{LocationID: "1", Parameter: "pm25", Date: testutil.Epoch, Count: 3, Mean: testutil.V(20), Min: testutil.V(10), Max: testutil.V(30)},
		{LocationID: "1", Parameter: "pm25", Date: testutil.Epoch.AddDate(0, 0, 1), Count: 0},
	}
	if err := w.ReplaceDailyStats(ctx, first); err != nil {
		t.Fatalf("ReplaceDailyStats: %v", err)
	}

	got, err := w.DailyStats(ctx)
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stats, got %d", len(got))
	}
	if got[0].Count != 3 || *got[0].Mean != 20 || *got[0].Min != 10 || *got[0].Max != 30 {
		t.Errorf("unexpected stat %+v", got[0])
	}
	if got[1].Mean != nil || got[1].Min != nil || got[1].Max != nil {
		t.Error("expected null stats for empty group")
	}
	if !got[0].Date.Equal(testutil.Epoch) {
		t.Errorf("expected date %v, got %v", testutil.Epoch, got[0].Date)
	}

	second := []types.DailyStat{
		{LocationID: "2", Parameter: "no2", Date: testutil.Epoch, Count: 1, Mean: testutil.V(5), Min: testutil.V(5), Max: testutil.V(5)},
	}
	if err := w.ReplaceDailyStats(ctx, second); err != nil {
		t.Fatalf("ReplaceDailyStats: %v", err)
	}
	got, err = w.DailyStats(ctx)
	if err != nil {
		t.Fatalf("DailyStats: %v", err)
	}
	if len(got) != 1 || got[0].LocationID != "2" {
		t.Errorf("expected replaced content, got %+v", got)
	}

	// Replacing with nothing empties the relation.
	if err := w.ReplaceDailyStats(ctx, nil); err != nil {
		t.Fatalf("ReplaceDailyStats: %v", err)
	}
	if n, _ := w.Count(ctx, DailyStatsTable); n != 0 {
		t.Errorf("expected empty relation, got %d rows", n)
	}
}

func TestReplaceLatestRecordsAndValues(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	recs := []types.LatestRecord{
		{Reading: testutil.Reading("1", "pm25", 0, time.Hour, testutil.V(7))},
		{Reading: testutil.Reading("1", "pm25", time.Hour, time.Hour, nil)},
	}
	if err := w.ReplaceLatestRecords(ctx, recs); err != nil {
		t.Fatalf("ReplaceLatestRecords: %v", err)
	}
	gotRecs, err := w.LatestRecords(ctx)
	if err != nil {
		t.Fatalf("LatestRecords: %v", err)
	}
	if len(gotRecs) != 2 || gotRecs[0].SourceRecordID != recs[0].SourceRecordID {
		t.Errorf("unexpected records %+v", gotRecs)
	}

	vals := []types.LatestParamValue{
		{LocationID: "1", Parameter: "pm25", ObservedAt: testutil.Epoch.Add(time.Hour), Unit: "µg/m³"},
	}
	if err := w.ReplaceLatestValues(ctx, vals); err != nil {
		t.Fatalf("ReplaceLatestValues: %v", err)
	}
	gotVals, err := w.LatestValues(ctx)
	if err != nil {
		t.Fatalf("LatestValues: %v", err)
	}
	if len(gotVals) != 1 || gotVals[0].Value != nil || gotVals[0].Unit != "µg/m³" {
		t.Errorf("unexpected values %+v", gotVals)
	}
}

func TestReadersNeverSeePartialSwap(t *testing.T) {
	w := openTest(t)
	ctx := context.Background()

	build := func(n int, loc string) []types.LatestRecord {
		recs := make([]types.LatestRecord, n)
		for i := range recs {
			recs[i] = types.LatestRecord{Reading: testutil.Reading(loc, "pm25", time.Duration(i)*time.Minute, 0, testutil.V(float64(i)))}
		}
		return recs
	}

	small, large := build(10, "a"), build(40, "b")
	if err := w.ReplaceLatestRecords(ctx, small); err != nil {
		t.Fatalf("ReplaceLatestRecords: %v", err)
	}

	gt := testutil.NewGoroutineTestWithTimeout(t, 30*time.Second)

	done := make(chan struct{})
	for r := 0; r < 3; r++ {
		gt.GoWithContext(func(ctx context.Context) error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				recs, err := w.LatestRecords(ctx)
				if err != nil {
					return fmt.Errorf("read: %w", err)
				}
				if len(recs) != len(small) && len(recs) != len(large) {
					return fmt.Errorf("observed partial swap: %d rows", len(recs))
				}
				for _, rec := range recs[1:] {
					if rec.LocationID != recs[0].LocationID {
						return fmt.Errorf("observed mixed content")
					}
				}
			}
		})
	}

	for i := 0; i < 10; i++ {
		next := large
		if i%2 == 1 {
			next = small
		}
		if err := w.ReplaceLatestRecords(ctx, next); err != nil {
			t.Errorf("ReplaceLatestRecords %d: %v", i, err)
		}
	}
	close(done)
	gt.Wait()
}

func TestRelation(t *testing.T) {
	tests := []struct {
		view string
		want string
	}{
		{types.ViewLatestRecords, LatestRecordsTable},
		{types.ViewDailyStats, DailyStatsTable},
		{types.ViewLatestValues, LatestValuesTable},
	}
	for _, tt := range tests {
		got, err := Relation(tt.view)
		if err != nil || got != tt.want {
			t.Errorf("Relation(%s) = %s, %v", tt.view, got, err)
		}
	}

	if _, err := Relation("raw"); !errors.Is(err, errors.ErrUnknownView) {
		t.Errorf("expected ErrUnknownView, got %v", err)
	}
}

func TestBuildMultiRowInsert(t *testing.T) {
	rows := []types.LatestParamValue{
		{LocationID: "1", Parameter: "pm25"},
		{LocationID: "2", Parameter: "no2", Value: testutil.V(1)},
	}

	query, args := buildMultiRowInsert(LatestValuesTable, latestValueColumns, rows, latestValueArgs)

	if strings.Count(query, "(?,?,?,?,?)") != 2 {
		t.Errorf("expected 2 value tuples, got query %s", query)
	}
	if len(args) != 10 {
		t.Errorf("expected 10 args, got %d", len(args))
	}
	if args[3] != nil {
		t.Errorf("expected nil for null value, got %v", args[3])
	}
}

func TestDestroy(t *testing.T) {
	w := openTest(t)
	path := w.Path()
	w.Close()

	if err := Destroy(path); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected database file removed")
	}

	// Destroying twice is fine.
	if err := Destroy(path); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestClosedWarehouse(t *testing.T) {
	w := openTest(t)
	w.Close()

	if err := w.Health(context.Background()); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := w.AppendReadings(context.Background(), []types.Reading{testutil.Reading("1", "pm25", 0, 0, nil)}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
