package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/storage/parquet"
	"github.com/xtxerr/airwatch/internal/storage/types"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

// writeSnapshots creates one file per age for view, oldest first.
func writeSnapshots(t *testing.T, dir, view string, ages ...time.Duration) []string {
	t.Helper()

	viewDir := filepath.Join(dir, view)
	if err := os.MkdirAll(viewDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	var paths []string
	for _, age := range ages {
		name := testutil.Epoch.Add(-age).Format(parquet.SnapshotLayout) + ".parquet"
		path := filepath.Join(viewDir, name)
		if err := os.WriteFile(path, []byte("PAR1"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		paths = append(paths, path)
	}
	return paths
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func newManager(dir string, policy Policy) *Manager {
	m := New(dir, policy)
	m.now = testutil.NewClock().Func()
	return m
}

func TestParseFileTime(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected time.Time
		hasError bool
	}{
		{
			name:     "snapshot",
			filename: "20260115T103000.123456Z.parquet",
			expected: time.Date(2026, 1, 15, 10, 30, 0, 123456000, time.UTC),
		},
		{
			name:     "invalid format",
			filename: "invalid.parquet",
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseFileTime(tt.filename)

			if tt.hasError {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestCleanupByAge(t *testing.T) {
	dir := t.TempDir()
	paths := writeSnapshots(t, dir, types.ViewDailyStats, 72*time.Hour, 48*time.Hour, time.Hour)

	m := newManager(dir, Policy{MaxAge: 24 * time.Hour})
	results := m.RunCleanup()

	var deleted int
	for _, r := range results {
		deleted += r.FilesDeleted
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}
	if exists(paths[0]) || exists(paths[1]) {
		t.Error("expired snapshots should be removed")
	}
	if !exists(paths[2]) {
		t.Error("fresh snapshot should be kept")
	}

	if m.Stats().FilesDeleted != 2 || m.Stats().LastRunTime.IsZero() {
		t.Errorf("unexpected stats: %+v", m.Stats())
	}
}

func TestCleanupKeepLast(t *testing.T) {
	dir := t.TempDir()
	paths := writeSnapshots(t, dir, types.ViewLatestValues, 96*time.Hour, 72*time.Hour, 48*time.Hour)

	// Everything is expired but the newest two are protected.
	m := newManager(dir, Policy{MaxAge: time.Hour, KeepLast: 2})
	m.RunCleanup()

	if exists(paths[0]) {
		t.Error("oldest snapshot should be removed")
	}
	if !exists(paths[1]) || !exists(paths[2]) {
		t.Error("newest two snapshots should be kept")
	}
}

func TestCleanupKeepLastWithoutAge(t *testing.T) {
	dir := t.TempDir()
	paths := writeSnapshots(t, dir, types.ViewLatestRecords, 3*time.Hour, 2*time.Hour, time.Hour)

	m := newManager(dir, Policy{KeepLast: 1})
	m.RunCleanup()

	if exists(paths[0]) || exists(paths[1]) {
		t.Error("all but the newest snapshot should be removed")
	}
	if !exists(paths[2]) {
		t.Error("newest snapshot should be kept")
	}
}

func TestCleanupDisabledPolicyKeepsAll(t *testing.T) {
	dir := t.TempDir()
	paths := writeSnapshots(t, dir, types.ViewDailyStats, 1000*time.Hour)

	m := newManager(dir, Policy{})
	m.RunCleanup()

	if !exists(paths[0]) {
		t.Error("expected snapshot kept with an empty policy")
	}
}

func TestCleanupSkipsUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	viewDir := filepath.Join(dir, types.ViewDailyStats)
	os.MkdirAll(viewDir, 0755)

	odd := filepath.Join(viewDir, "manual-export.parquet")
	tmp := filepath.Join(viewDir, "20240101T000000.000000Z.parquet.tmp")
	os.WriteFile(odd, []byte("x"), 0644)
	os.WriteFile(tmp, []byte("x"), 0644)

	m := newManager(dir, Policy{MaxAge: time.Hour})
	m.RunCleanup()

	if !exists(odd) || !exists(tmp) {
		t.Error("files that are not snapshots must be left alone")
	}
}

func TestDryRun(t *testing.T) {
	dir := t.TempDir()
	paths := writeSnapshots(t, dir, types.ViewDailyStats, 72*time.Hour)

	m := newManager(dir, Policy{MaxAge: time.Hour})
	results := m.DryRun()

	var wouldDelete int
	for _, r := range results {
		wouldDelete += r.FilesDeleted
	}
	if wouldDelete != 1 {
		t.Errorf("expected 1 file reported, got %d", wouldDelete)
	}
	if !exists(paths[0]) {
		t.Error("dry run must not delete")
	}
	if m.Stats().FilesDeleted != 0 {
		t.Error("dry run must not update stats")
	}
}

func TestMissingDirectory(t *testing.T) {
	m := newManager(filepath.Join(t.TempDir(), "absent"), Policy{MaxAge: time.Hour})

	for _, r := range m.RunCleanup() {
		if len(r.Errors) != 0 {
			t.Errorf("%s: expected no errors for a missing directory, got %v", r.View, r.Errors)
		}
	}
}

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	writeSnapshots(t, dir, types.ViewDailyStats, time.Hour, 2*time.Hour)

	m := newManager(dir, Policy{})
	usage := m.GetDiskUsage()

	if u := usage[types.ViewDailyStats]; u.FileCount != 2 || u.TotalSize != 8 {
		t.Errorf("unexpected usage: %+v", u)
	}

	out := m.FormatDiskUsage()
	if !strings.Contains(out, "Total: 2 files, 8 B") {
		t.Errorf("unexpected formatted usage:\n%s", out)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{1073741824, "1.00 GB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.input); got != tt.expected {
			t.Errorf("formatBytes(%d) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}
