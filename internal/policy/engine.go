// Package policy selects registry devices for release and drives the actuator.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/metrics"
	"github.com/sashakarcz/leasereaper/internal/release"
	"github.com/sashakarcz/leasereaper/internal/stats"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// Store is the registry surface the engine reads and mutates
type Store interface {
	InactivityCandidates(ctx context.Context, cutoff time.Time) ([]storage.Device, error)
	PrefixCandidates(ctx context.Context, prefixes []string) ([]storage.Device, error)
	MarkReleased(ctx context.Context, mac string, entry storage.LogEntry) error
	AppendLog(ctx context.Context, level storage.LogLevel, category storage.LogCategory, message string) error
}

// Releaser gives a lease back on a device's behalf
type Releaser interface {
	Release(ctx context.Context, t release.Target, dryRun bool) (succeeded, wasDryRun bool)
}

// Prober checks whether an address is still in use
type Prober interface {
	Reachable(ctx context.Context, ip string) (bool, error)
}

// Result summarises one evaluation
type Result struct {
	Candidates int
	Released   int
	DryRun     int
	Failed     int
	Skipped    int
}

// Option customizes an Engine
type Option func(*Engine)

// WithProber enables the liveness check used by verify-liveness-first
func WithProber(p Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithMetrics records release outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents publishes release outcomes
func WithEvents(b *events.Broadcaster) Option {
	return func(e *Engine) { e.events = b }
}

// WithPause sets the delay between consecutive release attempts
func WithPause(d time.Duration) Option {
	return func(e *Engine) { e.pause = d }
}

// WithClock overrides the time source for the inactivity cutoff
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine evaluates the release criteria
type Engine struct {
	store    Store
	releaser Releaser
	prober   Prober
	metrics  *metrics.Metrics
	events   *events.Broadcaster
	pause    time.Duration
	now      func() time.Time
}

// New creates a policy engine
func New(store Store, releaser Releaser, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		releaser: releaser,
		pause:    time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates the inactivity criterion and then the address-list
// criterion. Each criterion queries current status, so a device released by
// the first is not selected by the second. Successful live releases are
// counted in acc.
func (e *Engine) Run(ctx context.Context, st config.Settings, acc *stats.Accumulator) (Result, error) {
	var res Result
	attempts := 0

	if threshold := st.InactivityThreshold(); threshold > 0 {
		cutoff := e.now().Add(-threshold)
		devices, err := e.store.InactivityCandidates(ctx, cutoff)
		if err != nil {
			return res, err
		}
		if len(devices) > 0 {
			logger.Info().Int("count", len(devices)).Dur("threshold", threshold).Msg("Found inactive devices")
		}
		for i := range devices {
			if err := e.wait(ctx, attempts); err != nil {
				return res, err
			}
			attempts++
			e.process(ctx, &devices[i], stats.ReasonInactivity, st, acc, &res)
		}
	}

	if prefixes := st.Prefixes(); len(prefixes) > 0 {
		devices, err := e.store.PrefixCandidates(ctx, prefixes)
		if err != nil {
			return res, err
		}
		if len(devices) > 0 {
			logger.Info().Int("count", len(devices)).Strs("prefixes", prefixes).Msg("Found devices matching prefix list")
		}
		for i := range devices {
			if err := e.wait(ctx, attempts); err != nil {
				return res, err
			}
			attempts++
			e.process(ctx, &devices[i], stats.ReasonMACList, st, acc, &res)
		}
	}

	return res, nil
}

// wait paces consecutive attempts
func (e *Engine) wait(ctx context.Context, attempts int) error {
	if attempts == 0 || e.pause <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) process(ctx context.Context, d *storage.Device, reason stats.Reason, st config.Settings,
	acc *stats.Accumulator, res *Result) {
	res.Candidates++
	log := logger.With().Str("mac", d.MAC).Str("ip", d.IP).Str("reason", string(reason)).Logger()

	e.audit(ctx, storage.LevelInfo, storage.CategoryRelease, fmt.Sprintf(
		"Release candidate: MAC %s, IP %s. Last seen: %s UTC",
		d.MAC, d.IP, d.LastSeen.UTC().Format("2006-01-02 15:04:05")))

	if st.ReleasePolicy == config.PolicyVerifyLivenessFirst && e.prober != nil {
		alive, err := e.prober.Reachable(ctx, d.IP)
		if err != nil {
			log.Warn().Err(err).Msg("Liveness probe failed, treating device as unreachable")
		}
		if alive {
			res.Skipped++
			log.Info().Msg("Device answered liveness probe, skipping release")
			e.audit(ctx, storage.LevelInfo, storage.CategoryRelease, fmt.Sprintf(
				"Skipped release of IP %s (MAC %s): device answered liveness probe", d.IP, d.MAC))
			e.metrics.RecordRelease(string(reason), "skipped")
			e.events.PublishDevice(events.EventReleaseSkipped, d.MAC, d.IP, map[string]any{"reason": string(reason)})
			return
		}
	}

	target := release.Target{IP: d.IP, MAC: d.MAC, ServerIP: st.DHCPServerIP, Interface: st.Interface}
	ok, dry := e.releaser.Release(ctx, target, st.DryRun)
	switch {
	case dry:
		res.DryRun++
		e.metrics.RecordRelease(string(reason), "dry_run")
		e.events.PublishDevice(events.EventReleaseDryRun, d.MAC, d.IP, map[string]any{"reason": string(reason)})
		return
	case !ok:
		res.Failed++
		e.audit(ctx, storage.LevelError, storage.CategoryError,
			fmt.Sprintf("Automatic release failed for IP %s", d.IP))
		e.metrics.RecordRelease(string(reason), "failed")
		e.events.PublishDevice(events.EventReleaseFailed, d.MAC, d.IP, map[string]any{"reason": string(reason)})
		return
	}

	entry := storage.LogEntry{
		Level:    storage.LevelInfo,
		Category: storage.CategoryRelease,
		Message:  fmt.Sprintf("IP %s released automatically (%s)", d.IP, describe(reason, st)),
	}
	if err := e.store.MarkReleased(ctx, d.MAC, entry); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Msg("Device disappeared before it could be marked released")
		} else {
			log.Error().Err(err).Msg("Failed to mark device released")
			e.metrics.RecordDatabaseError("mark_released")
		}
		res.Failed++
		e.metrics.RecordRelease(string(reason), "failed")
		return
	}

	res.Released++
	acc.AddRelease(reason)
	log.Info().Msg("Lease released")
	e.metrics.RecordRelease(string(reason), "released")
	e.events.PublishDevice(events.EventReleaseSent, d.MAC, d.IP, map[string]any{"reason": string(reason)})
}

func describe(reason stats.Reason, st config.Settings) string {
	if reason == stats.ReasonInactivity {
		return fmt.Sprintf("inactive for more than %d hours", st.InactivityThresholdHours)
	}
	return "hardware address matches release list"
}

func (e *Engine) audit(ctx context.Context, level storage.LogLevel, category storage.LogCategory, msg string) {
	if err := e.store.AppendLog(ctx, level, category, msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to record audit entry")
	}
}
