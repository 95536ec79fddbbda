// Package scheduler runs the lease automation control loop and supervises
// the passive capture task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/discovery"
	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/metrics"
	"github.com/sashakarcz/leasereaper/internal/policy"
	"github.com/sashakarcz/leasereaper/internal/stats"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// LivenessWindow is how recently a device must have been seen to count as active
const LivenessWindow = 5 * time.Minute

// Sweeper performs active discovery
type Sweeper interface {
	Sweep(ctx context.Context, iface, cidr string) ([]discovery.Result, error)
}

// PolicyRunner evaluates the release criteria once
type PolicyRunner interface {
	Run(ctx context.Context, st config.Settings, acc *stats.Accumulator) (policy.Result, error)
}

// CaptureTask is a supervised passive discovery task
type CaptureTask interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Alive() bool
	Interface() string
}

// CaptureFactory creates an unstarted capture task for iface
type CaptureFactory func(iface string) CaptureTask

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithMetrics records cycle and registry metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithEvents publishes engine events
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Scheduler) { s.events = b }
}

// WithCaptureStopTimeout bounds the wait for the capture task to exit
func WithCaptureStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.captureStopTimeout = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the control loop, the daily accumulator and the capture task
type Scheduler struct {
	store      *storage.Store
	sweeper    Sweeper
	policy     PolicyRunner
	newCapture CaptureFactory
	metrics    *metrics.Metrics
	events     *events.Broadcaster

	captureStopTimeout time.Duration
	now                func() time.Time

	acc      *stats.Accumulator
	prev     *config.Settings
	interval time.Duration
	capture  CaptureTask

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	// cancel aborts the in-flight cycle once Stop is called
	cancel context.CancelFunc
}

// New creates a scheduler. newCapture may be nil when passive discovery is unavailable.
func New(store *storage.Store, sweeper Sweeper, runner PolicyRunner, newCapture CaptureFactory, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:              store,
		sweeper:            sweeper,
		policy:             runner,
		newCapture:         newCapture,
		captureStopTimeout: 5 * time.Second,
		now:                time.Now,
		interval:           config.DefaultSettings().PollInterval(),
		stopChan:           make(chan struct{}),
		doneChan:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.acc = stats.NewAccumulator(stats.DateOf(s.now()))
	return s
}

// Accumulator exposes the daily counters owned by the scheduler
func (s *Scheduler) Accumulator() *stats.Accumulator {
	return s.acc
}

// Start records a startup entry and runs the loop in the background
func (s *Scheduler) Start(ctx context.Context) error {
	logger.Info().Msg("Starting lease automation engine")
	if err := s.store.AppendLog(ctx, storage.LevelInfo, storage.CategorySystem, "Lease automation engine started"); err != nil {
		return fmt.Errorf("failed to record startup: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)
	return nil
}

// Stop cancels the running cycle and waits for the shutdown sequence to
// finish. When ctx expires first the sequence keeps running; Done reports
// when it is over.
func (s *Scheduler) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping lease automation engine")
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.cancel != nil {
			s.cancel()
		}
	})

	select {
	case <-s.doneChan:
		logger.Info().Msg("Lease automation engine stopped")
		return nil
	case <-ctx.Done():
		logger.Warn().Msg("Lease automation engine stop timed out")
		return ctx.Err()
	}
}

// Done is closed once the loop has exited and the shutdown sequence ran
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneChan
}

func (s *Scheduler) stopping() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneChan)
	defer s.shutdown()

	for {
		wait := s.interval
		if err := s.safeCycle(ctx); err != nil {
			if s.stopping() {
				return
			}
			wait = backoff(s.interval)
			s.reportFailure(ctx, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-s.stopChan:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// backoff is the sleep after a failed iteration
func backoff(interval time.Duration) time.Duration {
	return 2 * interval
}

// safeCycle runs one iteration and converts panics into errors
func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	return s.RunCycle(ctx)
}

// reportFailure logs a failed iteration; a failing audit write is swallowed
func (s *Scheduler) reportFailure(ctx context.Context, err error, wait time.Duration) {
	logger.Error().Err(err).Dur("retry_in", wait).Msg("Scheduler cycle failed")
	s.events.Publish(events.EventCycleFailed, err.Error(), nil)
	if ctx.Err() != nil {
		return
	}
	_ = s.store.AppendLog(ctx, storage.LevelError, storage.CategoryError,
		fmt.Sprintf("Unexpected error in scheduler cycle: %v", err))
}

// RunCycle performs one iteration of the control loop
func (s *Scheduler) RunCycle(ctx context.Context) error {
	start := time.Now()
	log := logger.Component("scheduler").With().Str("cycle", uuid.NewString()).Logger()
	err := s.runCycle(ctx, log)
	s.metrics.RecordCycle(err == nil, time.Since(start).Seconds())
	return err
}

func (s *Scheduler) runCycle(ctx context.Context, log zerolog.Logger) error {
	now := s.now()

	// 1. day boundary
	rolled, err := s.acc.Rollover(ctx, s.store, stats.DateOf(now))
	if err != nil {
		s.metrics.RecordDatabaseError("flush_daily_stats")
		return fmt.Errorf("failed to flush daily statistics: %w", err)
	}
	if rolled {
		s.events.Publish(events.EventStatsFlushed, "Daily statistics flushed", nil)
	}

	// 2. fresh configuration
	st, err := s.store.GetSettings(ctx)
	if err != nil {
		s.metrics.RecordDatabaseError("get_settings")
		return err
	}
	st.Normalize()
	s.logChanges(ctx, st)
	s.interval = st.PollInterval()
	log.Debug().
		Str("mode", string(st.DiscoveryMode)).
		Bool("dry_run", st.DryRun).
		Dur("interval", s.interval).
		Msg("Starting cycle")

	// 3. passive capture lifecycle
	s.reconcileCapture(ctx, st)

	// 4. cosmetic inactive status
	if n, err := s.store.MarkInactive(ctx, now.Add(-LivenessWindow)); err != nil {
		s.metrics.RecordDatabaseError("mark_inactive")
		return err
	} else if n > 0 {
		log.Debug().Int64("count", n).Msg("Marked devices inactive")
	}

	// 5. peak active devices
	if err := s.observePeak(ctx); err != nil {
		return err
	}

	// 6. active discovery
	if st.DiscoveryMode.Sweeps() {
		s.sweep(ctx, log, st)
	}

	// 7. policy
	res, err := s.policy.Run(ctx, st, s.acc)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if res.Candidates > 0 {
		log.Info().
			Int("candidates", res.Candidates).
			Int("released", res.Released).
			Int("dry_run", res.DryRun).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("Release policy evaluated")
	}

	return nil
}

func (s *Scheduler) logChanges(ctx context.Context, st config.Settings) {
	prev := s.prev
	cur := st
	s.prev = &cur
	if prev == nil {
		return
	}
	changes := config.Diff(*prev, st)
	if len(changes) == 0 {
		return
	}

	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.String()
	}
	msg := "Configuration changed: " + strings.Join(parts, ", ")
	logger.Info().Strs("changes", parts).Msg("Configuration changed")
	if err := s.store.AppendLog(ctx, storage.LevelInfo, storage.CategorySystem, msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to record configuration change")
	}
	s.events.Publish(events.EventSettingsChanged, msg, nil)
}

func (s *Scheduler) observePeak(ctx context.Context) error {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		s.metrics.RecordDatabaseError("summary")
		return err
	}
	s.acc.ObserveActive(sum.Active)
	s.metrics.UpdateDeviceMetrics(sum.Active, sum.Inactive, sum.Released, sum.Excluded)
	s.metrics.SetPeakActive(s.acc.Snapshot().PeakActiveDevices)
	return nil
}

// sweep runs active discovery; failures are logged and never end the cycle
func (s *Scheduler) sweep(ctx context.Context, log zerolog.Logger, st config.Settings) {
	start := time.Now()
	results, err := s.sweeper.Sweep(ctx, st.Interface, st.ScanSubnet)
	s.metrics.RecordSweep(err == nil, time.Since(start).Seconds(), len(results))
	if err != nil {
		log.Error().Err(err).Str("iface", st.Interface).Str("subnet", st.ScanSubnet).Msg("Active discovery failed")
		s.audit(ctx, storage.LevelError, storage.CategoryError, fmt.Sprintf("Active discovery failed: %v", err))
		return
	}

	// replies arrive during the sweep window, not at cycle start
	seen := s.now()
	batch := make([]storage.Sighting, 0, len(results))
	for _, r := range results {
		batch = append(batch, storage.Sighting{
			MAC:    discovery.NormalizeMAC(r.MAC),
			IP:     r.IP.String(),
			Vendor: r.Vendor,
			SeenBy: storage.SeenByActiveSweep,
			At:     seen,
		})
	}
	created, err := s.store.RecordSightings(ctx, batch)
	if err != nil {
		s.metrics.RecordDatabaseError("record_sightings")
		log.Error().Err(err).Int("hosts", len(batch)).Msg("Failed to sync sweep results")
		s.audit(ctx, storage.LevelError, storage.CategoryError, fmt.Sprintf("Database error during discovery sync: %v", err))
		return
	}

	s.metrics.RecordDiscovered(string(storage.SeenByActiveSweep), created)
	if created > 0 {
		s.events.Publish(events.EventDeviceDiscovered,
			fmt.Sprintf("%d new device(s) discovered by sweep", created),
			map[string]any{"count": created, "source": string(storage.SeenByActiveSweep)})
	}
	log.Info().Int("hosts", len(batch)).Int("new", created).Msg("Active discovery completed")
}

// reconcileCapture starts, stops or restarts the capture task to match st
func (s *Scheduler) reconcileCapture(ctx context.Context, st config.Settings) {
	want := st.DiscoveryMode.Captures() && s.newCapture != nil

	if s.capture != nil {
		switch {
		case !want:
			logger.Info().Msg("Passive discovery no longer required")
			s.stopCapture()
		case s.capture.Interface() != st.Interface:
			logger.Info().Str("from", s.capture.Interface()).Str("to", st.Interface).Msg("Capture interface changed, restarting")
			s.stopCapture()
			s.metrics.RecordCaptureRestart()
		case !s.capture.Alive():
			logger.Warn().Str("iface", st.Interface).Msg("Passive capture task died, restarting")
			s.stopCapture()
			s.metrics.RecordCaptureRestart()
		}
	}

	if !want || s.capture != nil {
		return
	}

	c := s.newCapture(st.Interface)
	if err := c.Start(ctx); err != nil {
		logger.Error().Err(err).Str("iface", st.Interface).Msg("Failed to start passive capture")
		s.audit(ctx, storage.LevelError, storage.CategoryError,
			fmt.Sprintf("Passive capture could not start on interface '%s': %v", st.Interface, err))
		s.metrics.SetCaptureRunning(false)
		return
	}
	s.capture = c
	s.metrics.SetCaptureRunning(true)
	s.events.Publish(events.EventCaptureStarted, "Passive capture started",
		map[string]any{"iface": st.Interface})
}

// stopCapture signals the task and waits a bounded time for it to exit
func (s *Scheduler) stopCapture() {
	if s.capture == nil {
		return
	}
	c := s.capture
	s.capture = nil

	ctx, cancel := context.WithTimeout(context.Background(), s.captureStopTimeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Str("iface", c.Interface()).Msg("Passive capture stop failed")
	}
	s.metrics.SetCaptureRunning(false)
	s.events.Publish(events.EventCaptureStopped, "Passive capture stopped",
		map[string]any{"iface": c.Interface()})
}

// shutdown flushes counters, stops capture and records the shutdown
func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.captureStopTimeout+10*time.Second)
	defer cancel()

	if err := s.acc.Flush(ctx, s.store); err != nil {
		logger.Error().Err(err).Msg("Failed to flush daily statistics on shutdown")
	} else {
		s.acc.Reset(s.acc.Date())
	}
	s.stopCapture()
	s.audit(ctx, storage.LevelInfo, storage.CategorySystem, "Lease automation engine stopped")
}

func (s *Scheduler) audit(ctx context.Context, level storage.LogLevel, category storage.LogCategory, msg string) {
	if err := s.store.AppendLog(ctx, level, category, msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to record audit entry")
	}
}
