package parquet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Source provides the derived relations to snapshot.
type Source interface {
	LatestRecords(ctx context.Context) ([]types.LatestRecord, error)
	DailyStats(ctx context.Context) ([]types.DailyStat, error)
	LatestValues(ctx context.Context) ([]types.LatestParamValue, error)
}

// SnapshotLayout names snapshot files by UTC time; lexical order is
// chronological.
const SnapshotLayout = "20060102T150405.000000Z"

// Snapshot describes the files written by one export.
type Snapshot struct {
	Taken time.Time         `json:"taken"`
	Files map[string]string `json:"files"` // view -> path
	Rows  map[string]int64  `json:"rows"`
}

// Exporter writes each derived view to <dir>/<view>/<timestamp>.parquet.
// Files are written under a temporary name and renamed into place, so a
// reader never sees a partial snapshot.
type Exporter struct {
	dir    string
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

// NewExporter creates an exporter rooted at dir.
func NewExporter(dir string, opts Options) *Exporter {
	return &Exporter{
		dir:    dir,
		opts:   opts,
		now:    time.Now,
		logger: logging.Component("parquet_export"),
	}
}

// Dir returns the export root.
func (e *Exporter) Dir() string {
	return e.dir
}

// ViewDir returns the directory holding snapshots of view.
func (e *Exporter) ViewDir(view string) string {
	return filepath.Join(e.dir, view)
}

// Export snapshots every derived view.
func (e *Exporter) Export(ctx context.Context, src Source) (Snapshot, error) {
	snap := Snapshot{
		Taken: e.now().UTC(),
		Files: make(map[string]string, 3),
		Rows:  make(map[string]int64, 3),
	}
	name := snap.Taken.Format(SnapshotLayout) + ".parquet"

	recs, err := src.LatestRecords(ctx)
	if err != nil {
		return snap, fmt.Errorf("read %s: %w", types.ViewLatestRecords, err)
	}
	if err := exportView(e, &snap, types.ViewLatestRecords, name, convert(recs, LatestRecordToRow)); err != nil {
		return snap, err
	}

	stats, err := src.DailyStats(ctx)
	if err != nil {
		return snap, fmt.Errorf("read %s: %w", types.ViewDailyStats, err)
	}
	if err := exportView(e, &snap, types.ViewDailyStats, name, convert(stats, DailyStatToRow)); err != nil {
		return snap, err
	}

	vals, err := src.LatestValues(ctx)
	if err != nil {
		return snap, fmt.Errorf("read %s: %w", types.ViewLatestValues, err)
	}
	if err := exportView(e, &snap, types.ViewLatestValues, name, convert(vals, LatestValueToRow)); err != nil {
		return snap, err
	}

	e.logger.Info("exported snapshot",
		"taken", snap.Taken,
		"latest_records", snap.Rows[types.ViewLatestRecords],
		"daily_stats", snap.Rows[types.ViewDailyStats],
		"latest_values", snap.Rows[types.ViewLatestValues])
	return snap, nil
}

func exportView[T any](e *Exporter, snap *Snapshot, view, name string, rows []T) error {
	final := filepath.Join(e.ViewDir(view), name)
	tmp := final + ".tmp"

	if err := WriteFile(tmp, rows, e.opts); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s snapshot: %w", view, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s snapshot: %w", view, err)
	}

	snap.Files[view] = final
	snap.Rows[view] = int64(len(rows))
	return nil
}

// LatestSnapshot returns the newest snapshot file of view, or "" if none.
func (e *Exporter) LatestSnapshot(view string) (string, error) {
	files, err := ListSnapshots(e.ViewDir(view))
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// ListSnapshots returns the snapshot files in dir, oldest first. A missing
// directory yields no files.
func ListSnapshots(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.parquet"))
	if err != nil {
		return nil, err
	}
	// Glob sorts lexically, which is chronological for SnapshotLayout.
	return matches, nil
}
