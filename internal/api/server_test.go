package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/airwatch/internal/locations"
	"github.com/xtxerr/airwatch/internal/storage"
	"github.com/xtxerr/airwatch/internal/storage/config"
	"github.com/xtxerr/airwatch/internal/storage/types"
	testutil "github.com/xtxerr/airwatch/internal/testing"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.WAL.Enabled = false

	svc, err := storage.New(ctx, cfg, locations.New([]string{"1"}, []string{"pm25"}))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	batch := []types.Reading{
		testutil.Reading("1", "pm25", time.Hour, time.Hour, testutil.V(10)),
		testutil.Reading("1", "pm25", 2*time.Hour, time.Hour, testutil.V(20)),
		testutil.Reading("1", "pm25", 26*time.Hour, time.Hour, testutil.V(40)),
		testutil.Reading("1", "bc", time.Hour, time.Hour, testutil.V(1)),
		testutil.Reading("9", "pm25", time.Hour, time.Hour, testutil.V(5)),
	}
	if _, err := svc.Ingest(ctx, batch); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	srv := NewServer(svc, Options{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

type response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
	Meta    *meta  `json:"meta"`
}

func get[T any](t *testing.T, url string) (int, response[T]) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var body response[T]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := get[map[string]string](t, ts.URL+"/health")
	if code != http.StatusOK || body.Data["status"] != "healthy" {
		t.Errorf("unexpected health response %d %+v", code, body)
	}
}

func TestLatestValues(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"one location", "?location_id=1", 2},
		{"list", "?location_id=1,9&parameter=pm25", 2},
		{"repeated", "?parameter=pm25&parameter=bc&location_id=1", 2},
		{"known only", "?known_only=true", 1},
		{"limit", "?limit=1", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := get[[]types.LatestParamValue](t, ts.URL+"/api/v1/latest-values"+tt.query)
			if code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", code, body.Error)
			}
			if len(body.Data) != tt.want {
				t.Errorf("expected %d rows, got %d", tt.want, len(body.Data))
			}
			if body.Meta == nil || body.Meta.Total != len(body.Data) {
				t.Errorf("expected meta total %d, got %+v", len(body.Data), body.Meta)
			}
		})
	}
}

func TestDailyStats(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := get[[]types.DailyStat](t, ts.URL+"/api/v1/daily-stats?location_id=1&parameter=pm25&from=2024-03-01&to=2024-03-01")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body.Error)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 day, got %d", len(body.Data))
	}
	if s := body.Data[0]; s.Count != 2 || *s.Mean != 15 {
		t.Errorf("expected count 2 mean 15, got %+v", s)
	}
}

func TestLatestRecordsEmpty(t *testing.T) {
	_, ts := newTestServer(t)

	code, body := get[[]types.LatestRecord](t, ts.URL+"/api/v1/latest-records?location_id=404")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Data == nil || len(body.Data) != 0 {
		t.Errorf("expected an empty list, got %v", body.Data)
	}
}

func TestBadFilters(t *testing.T) {
	_, ts := newTestServer(t)

	for _, q := range []string{
		"?from=yesterday",
		"?to=2024-13-01",
		"?from=2024-03-02&to=2024-03-01",
		"?known_only=maybe",
		"?limit=-1",
		"?location_id=../etc",
		"?parameter=pm%2025",
	} {
		code, body := get[any](t, ts.URL+"/api/v1/latest-values"+q)
		if code != http.StatusBadRequest || body.Success {
			t.Errorf("%s: expected 400, got %d", q, code)
		}
	}
}

func TestKnownOnlyWithoutCatalog(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Ingestion.WAL.Enabled = false

	svc, err := storage.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ts := httptest.NewServer(NewServer(svc, Options{}).Router())
	t.Cleanup(ts.Close)

	code, body := get[any](t, ts.URL+"/api/v1/latest-values?known_only=true")
	if code != http.StatusBadRequest || body.Success {
		t.Errorf("expected 400, got %d", code)
	}
	if !strings.Contains(body.Error, "known_only") {
		t.Errorf("expected the error to name known_only, got %q", body.Error)
	}
}

func TestWriteMethodsRejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/latest-values", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.AddStats("scheduler", func() any { return map[string]int{"runs": 7} })

	code, body := get[map[string]json.RawMessage](t, ts.URL+"/api/v1/stats")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	var rows map[string]int64
	if err := json.Unmarshal(body.Data["rows"], &rows); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if rows["raw"] != 5 || rows[types.ViewLatestValues] != 3 {
		t.Errorf("unexpected row counts: %v", rows)
	}

	var st storage.ServiceStats
	if err := json.Unmarshal(body.Data["storage"], &st); err != nil {
		t.Fatalf("storage: %v", err)
	}
	if st.Refresh.Refreshes != 1 || st.Raw.DriftWarnings != 2 {
		t.Errorf("unexpected storage stats: %+v", st)
	}

	if _, ok := body.Data["scheduler"]; !ok {
		t.Error("expected the scheduler section")
	}
}

func TestServeShutdown(t *testing.T) {
	srv, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	if err := testutil.Eventually(2*time.Second, 10*time.Millisecond, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}); err != nil {
		t.Fatalf("server not ready: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
