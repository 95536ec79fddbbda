package stats

import (
	"context"
	"errors"
	"testing"
	"time"

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

type failingStore struct{}

func (failingStore) MergeDailyStat(context.Context, string, storage.DailyDelta, int) error {
	return errors.New("database is locked")
}

func (failingStore) Summary(context.Context) (storage.Summary, error) {
	return storage.Summary{Total: 1}, nil
}

func TestCounters(t *testing.T) {
	a := NewAccumulator("2026-03-01")
	a.AddRelease(ReasonInactivity)
	a.AddRelease(ReasonInactivity)
	a.AddRelease(ReasonMACList)
	a.AddRelease(Reason("bogus"))

	if !a.ObserveActive(4) || a.ObserveActive(3) || a.ObserveActive(4) {
		t.Fatalf("peak must only move upwards")
	}

	got := a.Snapshot()
	want := storage.DailyDelta{ReleasesInactivity: 2, ReleasesMACList: 1, PeakActiveDevices: 4}
	if got != want {
		t.Fatalf("Snapshot = %+v, want %+v", got, want)
	}

	a.Reset("2026-03-02")
	if a.Date() != "2026-03-02" || a.Snapshot() != (storage.DailyDelta{}) {
		t.Fatalf("Reset left %s %+v", a.Date(), a.Snapshot())
	}
}

func TestRolloverFlushesAdditively(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	now := time.Now()
	if _, err := st.RecordSighting(ctx, storage.Sighting{MAC: "00:11:22:33:44:55", IP: "10.0.0.5",
		SeenBy: storage.SeenByActiveSweep, At: now}); err != nil {
		t.Fatalf("RecordSighting: %v", err)
	}

	// an earlier flush for the same day already persisted two releases
	if err := st.MergeDailyStat(ctx, "2026-03-01", storage.DailyDelta{ReleasesInactivity: 2, PeakActiveDevices: 9}, 0); err != nil {
		t.Fatalf("MergeDailyStat: %v", err)
	}

	a := NewAccumulator("2026-03-01")
	a.AddRelease(ReasonInactivity)
	a.AddRelease(ReasonMACList)
	a.ObserveActive(3)

	rolled, err := a.Rollover(ctx, st, "2026-03-01")
	if err != nil || rolled {
		t.Fatalf("same day Rollover = %v, %v", rolled, err)
	}

	rolled, err = a.Rollover(ctx, st, "2026-03-02")
	if err != nil || !rolled {
		t.Fatalf("Rollover = %v, %v", rolled, err)
	}
	if a.Date() != "2026-03-02" || a.Snapshot() != (storage.DailyDelta{}) {
		t.Fatalf("accumulator not reset: %s %+v", a.Date(), a.Snapshot())
	}

	rec, err := st.GetDailyStat(ctx, "2026-03-01")
	if err != nil || rec == nil {
		t.Fatalf("GetDailyStat: %v %v", rec, err)
	}
	if rec.ReleasesInactivity != 3 || rec.ReleasesMACList != 1 || rec.PeakActiveDevices != 9 || rec.TotalDevices != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRolloverKeepsCountersOnFailure(t *testing.T) {
	a := NewAccumulator("2026-03-01")
	a.AddRelease(ReasonMACList)

	if _, err := a.Rollover(context.Background(), failingStore{}, "2026-03-02"); err == nil {
		t.Fatalf("expected flush error")
	}
	if a.Date() != "2026-03-01" || a.Snapshot().ReleasesMACList != 1 {
		t.Fatalf("failed flush must keep counters, got %s %+v", a.Date(), a.Snapshot())
	}
}

func TestDateOf(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	if got := DateOf(ts); got != "2026-03-01" {
		t.Fatalf("DateOf = %s", got)
	}
}
