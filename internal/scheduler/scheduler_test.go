package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/errors"
	"github.com/xtxerr/airwatch/internal/extract"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

type fakeRunner struct {
	mu       sync.Mutex
	requests []extract.Request
	err      error
	delay    time.Duration
}

func (r *fakeRunner) Run(ctx context.Context, req extract.Request) (extract.RunResult, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return extract.RunResult{RunID: fmt.Sprintf("run-%d", len(r.requests)), Appended: 3}, r.err
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeLocations struct {
	mu        sync.Mutex
	ids       []string
	reloadErr error
	reloads   int
}

func (l *fakeLocations) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloads++
	return l.reloadErr
}

func (l *fakeLocations) IDs() []string { return l.ids }

func TestWindow(t *testing.T) {
	tests := []struct {
		name      string
		lookback  int
		now       time.Time
		wantStart string
		wantEnd   string
	}{
		{"current month only", 0, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), "2024-03", "2024-03"},
		{"one month back", 1, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), "2024-02", "2024-03"},
		{"across year", 2, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "2023-11", "2024-01"},
		{"utc month", 0, time.Date(2024, 3, 31, 23, 30, 0, 0, time.FixedZone("X", -2*3600)), "2024-04", "2024-04"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeRunner{}, &fakeLocations{}, Config{LookbackMonths: tt.lookback})
			start, end := s.Window(tt.now)
			if got := start.Format(extract.MonthLayout); got != tt.wantStart {
				t.Errorf("start: expected %s, got %s", tt.wantStart, got)
			}
			if got := end.Format(extract.MonthLayout); got != tt.wantEnd {
				t.Errorf("end: expected %s, got %s", tt.wantEnd, got)
			}
		})
	}
}

func TestRunOnce(t *testing.T) {
	runner := &fakeRunner{}
	locs := &fakeLocations{ids: []string{"1", "2"}}

	s := New(runner, locs, Config{LookbackMonths: 1})
	s.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.RunID != "run-1" {
		t.Errorf("unexpected run id %q", res.RunID)
	}
	if locs.reloads != 1 {
		t.Errorf("expected the catalog reloaded once, got %d", locs.reloads)
	}

	req := runner.requests[0]
	if len(req.LocationIDs) != 2 {
		t.Errorf("expected 2 locations, got %v", req.LocationIDs)
	}
	if req.Start.Month() != time.February || req.End.Month() != time.March {
		t.Errorf("unexpected window %v..%v", req.Start, req.End)
	}

	stats := s.Stats()
	if stats.Runs != 1 || stats.Failures != 0 || stats.LastAppended != 3 || stats.LastRunID != "run-1" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunOnceFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.ErrExtractionFailed}
	locs := &fakeLocations{ids: []string{"1"}, reloadErr: fmt.Errorf("broken file")}

	s := New(runner, locs, DefaultConfig())
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, errors.ErrExtractionFailed) {
		t.Fatalf("expected ErrExtractionFailed, got %v", err)
	}
	if runner.calls() != 1 {
		t.Error("expected the run to use the previous catalog after a reload failure")
	}

	stats := s.Stats()
	if stats.Failures != 1 || stats.LastError == "" {
		t.Errorf("expected a recorded failure, got %+v", stats)
	}
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, &fakeLocations{ids: []string{"1"}}, Config{Interval: 50 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		return runner.calls() >= 2
	}); err != nil {
		t.Fatalf("expected repeated runs: %v", err)
	}
	if s.Stats().NextRunAt.IsZero() {
		t.Error("expected a next run time while running")
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop()")
	}

	time.Sleep(20 * time.Millisecond)
	n := runner.calls()
	time.Sleep(150 * time.Millisecond)
	if runner.calls() != n {
		t.Error("expected no runs after Stop()")
	}
}

func TestRunsDoNotOverlap(t *testing.T) {
	runner := &fakeRunner{delay: 120 * time.Millisecond}
	s := New(runner, &fakeLocations{ids: []string{"1"}}, Config{Interval: 20 * time.Millisecond})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	s.Stop()

	if n := runner.calls(); n > 3 {
		t.Errorf("expected overlapping runs to be skipped, got %d runs", n)
	}
}
