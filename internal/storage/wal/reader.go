package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/airwatch/internal/storage/types"
)

// maxRecordSize bounds a single record payload.
const maxRecordSize = 256 * 1024 * 1024

// Scanner iterates the batches of one segment file.
//
//	sc, err := wal.OpenSegment(path)
//	for sc.Next() {
//		use(sc.Batch())
//	}
//	torn := sc.Torn()
//
// Iteration stops at the first torn or corrupt record. Nothing after it was
// acknowledged to a caller, so it is dropped rather than reported.
type Scanner struct {
	path  string
	file  *os.File
	batch []types.Reading
	torn  error
	stats ScanStats
}

// ScanStats counts what a scan has seen.
type ScanStats struct {
	Batches  int64
	Readings int64
	Bytes    int64
	Torn     int64
}

// OpenSegment opens a segment and checks its header.
func OpenSegment(path string) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	if err := checkHeader(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Scanner{path: path, file: f}, nil
}

func checkHeader(r io.Reader) error {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		return fmt.Errorf("invalid magic %x", magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		return fmt.Errorf("unsupported version %d", version)
	}
	return nil
}

// Next advances to the next intact batch.
func (s *Scanner) Next() bool {
	if s.torn != nil || s.file == nil {
		return false
	}

	batch, n, err := readRecord(s.file)
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.torn = err
		s.stats.Torn++
		return false
	}

	s.batch = batch
	s.stats.Batches++
	s.stats.Readings += int64(len(batch))
	s.stats.Bytes += int64(n)
	return true
}

// Batch returns the batch read by the last successful Next.
func (s *Scanner) Batch() []types.Reading {
	return s.batch
}

// Torn returns the reason the scan stopped early, or nil at a clean end.
func (s *Scanner) Torn() error {
	return s.torn
}

// Stats returns scan statistics.
func (s *Scanner) Stats() ScanStats {
	return s.stats
}

// Path returns the segment path.
func (s *Scanner) Path() string {
	return s.path
}

// Close closes the segment file.
func (s *Scanner) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// readRecord reads one framed record and returns its batch and size on
// disk. A clean end of file is io.EOF.
func readRecord(r io.Reader) ([]types.Reading, int, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, 0, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, fmt.Errorf("read payload: %w", err)
	}
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, 0, fmt.Errorf("CRC mismatch: expected %x, got %x", sum, got)
	}

	batch, err := decodeReadings(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode readings: %w", err)
	}
	return batch, recordHeaderSize + int(length), nil
}

// =============================================================================
// Replay
// =============================================================================

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Segments int
	Batches  int64
	Readings int64
	Torn     int
}

// Replay calls fn with every intact batch of the segments at paths, in
// order. A torn segment tail is skipped. The first error from fn stops the
// replay.
func Replay(paths []string, fn func(batch []types.Reading) error) (ReplayStats, error) {
	var stats ReplayStats

	for _, path := range paths {
		sc, err := OpenSegment(path)
		if err != nil {
			return stats, err
		}

		for sc.Next() {
			if err := fn(sc.Batch()); err != nil {
				sc.Close()
				return stats, err
			}
			stats.Batches++
			stats.Readings += int64(len(sc.Batch()))
		}
		if sc.Torn() != nil {
			stats.Torn++
		}
		stats.Segments++
		sc.Close()
	}

	return stats, nil
}

// ReadAllSegments returns the readings of every intact batch in paths.
func ReadAllSegments(paths []string) ([]types.Reading, error) {
	var all []types.Reading
	_, err := Replay(paths, func(batch []types.Reading) error {
		all = append(all, batch...)
		return nil
	})
	return all, err
}
