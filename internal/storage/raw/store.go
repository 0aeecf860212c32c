// Package raw implements the append-only raw store: the system of record for
// every reading ever extracted.
//
// Readings are validated individually, written to the WAL, then inserted in
// one warehouse transaction. Rows are never updated or deleted; duplicates
// and corrections are resolved downstream.
package raw

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/logging"
	"github.com/xtxerr/airwatch/internal/storage/types"
	"github.com/xtxerr/airwatch/internal/storage/wal"
	"github.com/xtxerr/airwatch/internal/storage/warehouse"
)

// Catalog tells which locations and parameters are configured.
type Catalog interface {
	KnownLocation(id string) bool
	KnownParameter(parameter string) bool
}

// Options configures the raw store.
type Options struct {
	// WALDir enables the write-ahead log when non-empty.
	WALDir string

	// WAL configures the write-ahead log writer.
	WAL wal.Options

	// Catalog is used for schema-drift detection. Nil disables it.
	Catalog Catalog

	// Now stamps readings without an ingested_at. Defaults to time.Now.
	Now func() time.Time
}

// AppendResult reports the outcome of one Append.
type AppendResult struct {
	// Appended is the number of readings stored.
	Appended int

	// Rejected lists malformed readings that were skipped.
	Rejected []*errors.MalformedRecordError

	// Drift lists stored readings whose location or parameter is unknown.
	Drift []*errors.DriftWarning
}

// Stats holds raw store statistics.
type Stats struct {
	BatchesAppended  atomic.Int64
	ReadingsAppended atomic.Int64
	ReadingsRejected atomic.Int64
	DriftWarnings    atomic.Int64
	ReadingsReplayed atomic.Int64
	Errors           atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	BatchesAppended  int64 `json:"batches_appended"`
	ReadingsAppended int64 `json:"readings_appended"`
	ReadingsRejected int64 `json:"readings_rejected"`
	DriftWarnings    int64 `json:"drift_warnings"`
	ReadingsReplayed int64 `json:"readings_replayed"`
	Errors           int64 `json:"errors"`
}

// Store is the append-only raw store.
//
// Store is safe for concurrent use; appends are serialized.
type Store struct {
	wh       *warehouse.Warehouse
	wal      *wal.Writer
	validate *validator.Validate
	catalog  Catalog
	now      func() time.Time
	logger   *slog.Logger

	// mu serializes appends so warehouse row ids follow commit order.
	mu     sync.Mutex
	closed bool

	stats Stats
}

// Open creates the raw store on top of wh. Batches left in the WAL by an
// interrupted process are replayed first.
func Open(ctx context.Context, wh *warehouse.Warehouse, opts Options) (*Store, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		wh:       wh,
		validate: newValidator(),
		catalog:  opts.Catalog,
		now:      opts.Now,
		logger:   logging.Component("raw_store"),
	}

	if opts.WALDir != "" {
		if err := s.replay(ctx, opts.WALDir); err != nil {
			return nil, err
		}

		w, err := wal.NewWriter(opts.WALDir, opts.WAL)
		if err != nil {
			return nil, fmt.Errorf("create WAL writer: %w", err)
		}
		// Everything replayed is committed; release the old segments.
		if err := w.Checkpoint(); err != nil {
			w.Close()
			return nil, fmt.Errorf("checkpoint WAL: %w", err)
		}
		s.wal = w
	}

	return s, nil
}

// replay inserts the readings of every pending WAL segment.
// Replaying a batch that had already been committed only adds duplicate
// rows, which the resolver collapses.
func (s *Store) replay(ctx context.Context, dir string) error {
	segments, err := wal.ListSegments(dir)
	if err != nil {
		return fmt.Errorf("list WAL segments: %w", err)
	}
	if len(segments) == 0 {
		return nil
	}

	// Each batch is inserted in its own transaction, as it was appended.
	stats, err := wal.Replay(segments, func(batch []types.Reading) error {
		return s.wh.AppendReadings(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("replay WAL: %w", err)
	}

	s.stats.ReadingsReplayed.Add(stats.Readings)
	s.logger.Info("replayed WAL",
		"segments", stats.Segments,
		"batches", stats.Batches,
		"readings", stats.Readings,
		"torn", stats.Torn)
	return nil
}

// Append validates and stores batch. Malformed readings are rejected
// individually; the rest of the batch is stored. Exact duplicates are
// never rejected.
//
// The returned error reports a storage failure only. In that case nothing
// from the batch is stored and the call may be retried.
func (s *Store) Append(ctx context.Context, batch []types.Reading) (AppendResult, error) {
	var result AppendResult

	accepted := make([]types.Reading, 0, len(batch))
	stamp := s.now().UTC()

	for i := range batch {
		if rej := checkReading(s.validate, i, &batch[i]); rej != nil {
			result.Rejected = append(result.Rejected, rej)
			s.logger.Warn("rejected malformed reading", "index", i, "fields", rej.Fields)
			continue
		}

		r := batch[i].Normalize()
		if r.IngestedAt.IsZero() {
			r.IngestedAt = stamp.Truncate(time.Microsecond)
		}

		if w := s.checkDrift(i, &r); w != nil {
			result.Drift = append(result.Drift, w)
		}

		accepted = append(accepted, r)
	}

	s.stats.ReadingsRejected.Add(int64(len(result.Rejected)))
	s.stats.DriftWarnings.Add(int64(len(result.Drift)))

	if len(result.Drift) > 0 {
		s.logger.Warn("schema drift", "readings", len(result.Drift), "first", result.Drift[0].Error())
	}

	if len(accepted) == 0 {
		return result, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return result, errors.ErrClosed
	}

	if s.wal != nil {
		if err := s.wal.Write(accepted); err != nil {
			s.stats.Errors.Add(1)
			return result, fmt.Errorf("write WAL: %w", err)
		}
	}

	if err := s.wh.AppendReadings(ctx, accepted); err != nil {
		s.stats.Errors.Add(1)
		// Nothing was committed. Retrying is safe because duplicates
		// collapse downstream.
		return result, fmt.Errorf("append readings: %w", err)
	}

	if s.wal != nil {
		if err := s.wal.Checkpoint(); err != nil {
			// The batch is committed; a later replay only adds duplicates.
			s.logger.Warn("WAL checkpoint failed", "error", err)
		}
	}

	result.Appended = len(accepted)
	s.stats.BatchesAppended.Add(1)
	s.stats.ReadingsAppended.Add(int64(len(accepted)))

	s.logger.Debug("batch appended", "appended", result.Appended, "rejected", len(result.Rejected))
	return result, nil
}

func (s *Store) checkDrift(index int, r *types.Reading) *errors.DriftWarning {
	if s.catalog == nil {
		return nil
	}

	unknownLoc := !s.catalog.KnownLocation(r.LocationID)
	unknownParam := !s.catalog.KnownParameter(r.Parameter)
	if !unknownLoc && !unknownParam {
		return nil
	}

	return &errors.DriftWarning{
		Index:            index,
		LocationID:       r.LocationID,
		Parameter:        r.Parameter,
		UnknownLocation:  unknownLoc,
		UnknownParameter: unknownParam,
	}
}

// ReadSince returns readings appended after cursor, and the new cursor.
// A cursor of -1 reads everything.
func (s *Store) ReadSince(ctx context.Context, cursor int64) ([]types.Reading, int64, error) {
	return s.wh.ReadingsSince(ctx, cursor)
}

// ReadAll returns every stored reading in append order.
func (s *Store) ReadAll(ctx context.Context) ([]types.Reading, error) {
	readings, _, err := s.wh.ReadingsSince(ctx, -1)
	return readings, err
}

// Count returns the number of stored readings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.wh.Count(ctx, warehouse.RawTable)
}

// Stats returns a snapshot of the store statistics.
func (s *Store) Stats() StatsSnapshot {
	return StatsSnapshot{
		BatchesAppended:  s.stats.BatchesAppended.Load(),
		ReadingsAppended: s.stats.ReadingsAppended.Load(),
		ReadingsRejected: s.stats.ReadingsRejected.Load(),
		DriftWarnings:    s.stats.DriftWarnings.Load(),
		ReadingsReplayed: s.stats.ReadingsReplayed.Load(),
		Errors:           s.stats.Errors.Load(),
	}
}

// Close closes the WAL. The warehouse is owned by the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}
