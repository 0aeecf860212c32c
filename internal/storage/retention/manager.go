// Package retention prunes old Parquet snapshots of the derived views.
// The raw store is never touched.
package retention

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/parquet"
	"github.com/xtxerr/airwatch/internal/storage/types"
)

// Policy decides which snapshots to keep.
type Policy struct {
	// MaxAge deletes snapshots older than this. Zero disables age pruning.
	MaxAge time.Duration

	// KeepLast always keeps the newest N snapshots of each view, even when
	// they are older than MaxAge. Zero keeps none by count.
	KeepLast int
}

// Manager handles cleanup of expired snapshots.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	policy Policy
	now    func() time.Time
	logger *slog.Logger
	stats  Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time `json:"last_run_time"`
	FilesDeleted int64     `json:"files_deleted"`
	BytesFreed   int64     `json:"bytes_freed"`
	FilesSkipped int64     `json:"files_skipped"`
	Errors       int64     `json:"errors"`
}

// CleanupResult holds the result of cleaning one view.
type CleanupResult struct {
	View         string
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager for the export root dir.
func New(dir string, policy Policy) *Manager {
	return &Manager{
		dir:    dir,
		policy: policy,
		now:    time.Now,
		logger: logging.Component("retention"),
	}
}

// RunCleanup prunes the snapshots of every view.
func (m *Manager) RunCleanup() []CleanupResult {
	return m.run(false)
}

// DryRun reports what RunCleanup would delete without deleting.
func (m *Manager) DryRun() []CleanupResult {
	return m.run(true)
}

func (m *Manager) run(dryRun bool) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []CleanupResult
	for _, view := range types.Views() {
		result := m.cleanupView(view, dryRun)
		results = append(results, result)

		if dryRun {
			continue
		}
		m.stats.FilesDeleted += int64(result.FilesDeleted)
		m.stats.BytesFreed += result.BytesFreed
		m.stats.FilesSkipped += int64(result.FilesSkipped)
		m.stats.Errors += int64(len(result.Errors))

		if result.FilesDeleted > 0 {
			m.logger.Info("pruned snapshots",
				"view", view,
				"deleted", result.FilesDeleted,
				"freed", formatBytes(result.BytesFreed))
		}
		for _, err := range result.Errors {
			m.logger.Warn("prune failed", "view", view, "error", err)
		}
	}

	if !dryRun {
		m.stats.LastRunTime = m.now()
	}
	return results
}

// cleanupView prunes one view directory.
func (m *Manager) cleanupView(view string, dryRun bool) CleanupResult {
	result := CleanupResult{View: view}

	files, err := listFiles(filepath.Join(m.dir, view))
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		}
		return result
	}

	cutoff := m.now().Add(-m.policy.MaxAge)
	protected := len(files) - m.policy.KeepLast

	for i, file := range files {
		// The newest KeepLast files are kept regardless of age.
		if i >= protected {
			result.FilesSkipped++
			continue
		}

		taken, err := parseFileTime(file.name)
		if err != nil {
			result.FilesSkipped++
			continue
		}

		if m.policy.MaxAge > 0 && taken.After(cutoff) {
			result.FilesSkipped++
			continue
		}
		if m.policy.MaxAge == 0 && m.policy.KeepLast == 0 {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(file.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", file.path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += file.size
	}

	return result
}

// fileInfo holds information about a file.
type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists all Parquet files in a directory, oldest first.
func listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".parquet" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			name: name,
			path: filepath.Join(dir, name),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	return files, nil
}

// parseFileTime extracts the snapshot time from a file name.
func parseFileTime(name string) (time.Time, error) {
	return time.Parse(parquet.SnapshotLayout, strings.TrimSuffix(name, filepath.Ext(name)))
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int   `json:"file_count"`
	TotalSize int64 `json:"total_size"`
}

// GetDiskUsage returns snapshot disk usage per view.
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := make(map[string]DiskUsage)

	for _, view := range types.Views() {
		files, err := listFiles(filepath.Join(m.dir, view))
		if err != nil {
			continue
		}

		var totalSize int64
		for _, f := range files {
			totalSize += f.size
		}

		usage[view] = DiskUsage{
			FileCount: len(files),
			TotalSize: totalSize,
		}
	}

	return usage
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	var b strings.Builder
	var totalSize int64
	var totalFiles int

	b.WriteString("Disk Usage:\n")
	for _, view := range types.Views() {
		u := usage[view]
		totalSize += u.TotalSize
		totalFiles += u.FileCount

		fmt.Fprintf(&b, "  %s: %d files, %s\n", view, u.FileCount, formatBytes(u.TotalSize))
	}
	fmt.Fprintf(&b, "  Total: %d files, %s\n", totalFiles, formatBytes(totalSize))

	return b.String()
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
