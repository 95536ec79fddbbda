package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/metrics"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	st, err := storage.New(ctx, storage.Config{Driver: storage.DriverSQLite, ConnectionString: ":memory:"})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return st
}

type downStore struct{}

func (downStore) Health(context.Context) error { return errors.New("connection refused") }
func (downStore) Summary(context.Context) (storage.Summary, error) {
	return storage.Summary{}, nil
}
func (downStore) Stats() sql.DBStats { return sql.DBStats{} }

func TestHealthReportsDeviceCounts(t *testing.T) {
	st := newStore(t)
	now := time.Now().UTC()
	_, err := st.RecordSightings(context.Background(), []storage.Sighting{
		{MAC: "00:11:22:33:44:55", IP: "10.0.0.5", Vendor: "Acme", SeenBy: storage.SeenByActiveSweep, At: now},
		{MAC: "00:11:22:33:44:66", IP: "10.0.0.6", Vendor: "Acme", SeenBy: storage.SeenByActiveSweep, At: now},
	})
	if err != nil {
		t.Fatalf("RecordSightings: %v", err)
	}

	srv := New(Config{Gatherer: prometheus.NewRegistry()}, st, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "healthy" || got.Database.Status != "healthy" {
		t.Fatalf("unexpected health %+v", got)
	}
	if got.Devices == nil || got.Devices.Total != 2 || got.Devices.Active != 2 {
		t.Fatalf("devices = %+v, want 2 active", got.Devices)
	}
}

func TestHealthUnavailable(t *testing.T) {
	srv := New(Config{Gatherer: prometheus.NewRegistry()}, downStore{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("body should carry the database error: %s", rec.Body.String())
	}
}

func TestHealthRejectsPost(t *testing.T) {
	srv := New(Config{Gatherer: prometheus.NewRegistry()}, downStore{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	m.RecordRelease("inactivity", "released")

	srv := New(Config{Gatherer: reg}, downStore{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `leasereaper_releases_total{outcome="released",reason="inactivity"} 1`) {
		t.Fatalf("release counter missing from exposition:\n%s", rec.Body.String())
	}
}

func TestActivityStreamUnavailableWithoutBroadcaster(t *testing.T) {
	srv := New(Config{Gatherer: prometheus.NewRegistry()}, downStore{}, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/activity/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

// readData returns the payload of the next "data:" line
func readData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestActivityStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := events.NewBroadcaster()
	b.Start(ctx)

	ts := httptest.NewServer(New(Config{Gatherer: prometheus.NewRegistry()}, downStore{}, b).Handler())
	defer ts.Close()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, ts.URL+"/api/v1/activity/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	var first events.Event
	if err := json.Unmarshal([]byte(readData(t, r)), &first); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	if first.Type != "connection" {
		t.Fatalf("first event = %+v, want connection", first)
	}

	// the subscriber is registered before the init event is written
	b.PublishDevice(events.EventReleaseSent, "00:11:22:33:44:55", "10.0.0.5", nil)

	var ev events.Event
	if err := json.Unmarshal([]byte(readData(t, r)), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != events.EventReleaseSent || ev.Details["ip"] != "10.0.0.5" {
		t.Fatalf("unexpected event %+v", ev)
	}

	// broadcaster shutdown ends the stream
	cancel()
	if _, err := io.ReadAll(r); err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("stream closed with %v", err)
	}
}
