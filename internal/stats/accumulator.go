// Package stats accumulates per-day counters in memory and merges them into
// the persisted daily record.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// DateLayout is the calendar-day key of a daily record
const DateLayout = "2006-01-02"

// Reason names the criterion that triggered an automatic release
type Reason string

const (
	ReasonInactivity Reason = "inactivity"
	ReasonMACList    Reason = "mac_list"
)

// DateOf returns the local calendar day of t
func DateOf(t time.Time) string {
	return t.Local().Format(DateLayout)
}

// Store is what a flush needs from the datastore
type Store interface {
	MergeDailyStat(ctx context.Context, date string, delta storage.DailyDelta, totalDevices int) error
	Summary(ctx context.Context) (storage.Summary, error)
}

// Accumulator holds the counters of one calendar day. It is owned by the
// scheduler and handed to the components that count.
type Accumulator struct {
	date  string
	delta storage.DailyDelta
}

// NewAccumulator starts counting for date
func NewAccumulator(date string) *Accumulator {
	return &Accumulator{date: date}
}

// Date returns the day being counted
func (a *Accumulator) Date() string {
	return a.date
}

// AddRelease counts one successful live release
func (a *Accumulator) AddRelease(reason Reason) {
	switch reason {
	case ReasonInactivity:
		a.delta.ReleasesInactivity++
	case ReasonMACList:
		a.delta.ReleasesMACList++
	}
}

// ObserveActive raises the peak when n exceeds it. It reports whether the peak moved.
func (a *Accumulator) ObserveActive(n int) bool {
	if n > a.delta.PeakActiveDevices {
		a.delta.PeakActiveDevices = n
		return true
	}
	return false
}

// Snapshot returns the counters accumulated so far
func (a *Accumulator) Snapshot() storage.DailyDelta {
	return a.delta
}

// Reset clears the counters and starts counting for date
func (a *Accumulator) Reset(date string) {
	a.date = date
	a.delta = storage.DailyDelta{}
}

// Flush merges the counters into the record of the tracked day together with
// a fresh total device snapshot. Counters are left untouched; call Reset after.
func (a *Accumulator) Flush(ctx context.Context, st Store) error {
	sum, err := st.Summary(ctx)
	if err != nil {
		return fmt.Errorf("failed to count devices: %w", err)
	}
	if err := st.MergeDailyStat(ctx, a.date, a.delta, sum.Total); err != nil {
		return err
	}
	logger.Info().
		Str("date", a.date).
		Int("releases_inactivity", a.delta.ReleasesInactivity).
		Int("releases_mac_list", a.delta.ReleasesMACList).
		Int("peak_active", a.delta.PeakActiveDevices).
		Int("total_devices", sum.Total).
		Msg("Flushed daily statistics")
	return nil
}

// Rollover flushes and resets when today differs from the tracked day. A
// failed flush keeps the counters so the next call retries.
func (a *Accumulator) Rollover(ctx context.Context, st Store, today string) (bool, error) {
	if today == a.date {
		return false, nil
	}
	if err := a.Flush(ctx, st); err != nil {
		return false, err
	}
	a.Reset(today)
	return true, nil
}
