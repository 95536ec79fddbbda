package scheduler

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/discovery"
	"github.com/sashakarcz/leasereaper/internal/policy"
	"github.com/sashakarcz/leasereaper/internal/stats"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

type fakeSweeper struct {
	results []discovery.Result
	err     error
	calls   int
}

func (f *fakeSweeper) Sweep(context.Context, string, string) ([]discovery.Result, error) {
	f.calls++
	return f.results, f.err
}

type fakePolicy struct {
	calls    int
	err      error
	panicMsg string
	count    stats.Reason
}

func (f *fakePolicy) Run(_ context.Context, _ config.Settings, acc *stats.Accumulator) (policy.Result, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.count != "" {
		acc.AddRelease(f.count)
	}
	return policy.Result{}, f.err
}

type fakeCapture struct {
	mu      sync.Mutex
	iface   string
	alive   bool
	started bool
	stopped bool
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started, c.alive = true, true
	return nil
}

func (c *fakeCapture) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped, c.alive = true, false
	return nil
}

func (c *fakeCapture) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeCapture) Interface() string { return c.iface }

func (c *fakeCapture) kill() {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
}

type captures struct {
	mu      sync.Mutex
	created []*fakeCapture
}

func (cs *captures) factory(iface string) CaptureTask {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := &fakeCapture{iface: iface}
	cs.created = append(cs.created, c)
	return c
}

func (cs *captures) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.created)
}

func (cs *captures) last() *fakeCapture {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.created[len(cs.created)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

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

func saveSettings(t *testing.T, st *storage.Store, mutate func(*config.Settings)) {
	t.Helper()
	s := config.DefaultSettings()
	mutate(&s)
	if err := st.SaveSettings(context.Background(), s); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
}

func logsContaining(t *testing.T, st *storage.Store, category storage.LogCategory, substr string) int {
	t.Helper()
	entries, err := st.ListLogs(context.Background(), storage.LogQuery{Category: category, Limit: 1000})
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	n := 0
	for _, e := range entries {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

var noon = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

func TestCycleSweepsAndTracksPeak(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sw := &fakeSweeper{results: []discovery.Result{
		{IP: net.IPv4(192, 168, 24, 10), MAC: net.HardwareAddr{0xb8, 0x27, 0xeb, 0, 0, 1}, Vendor: "Raspberry Pi Foundation"},
		{IP: net.IPv4(192, 168, 24, 11), MAC: net.HardwareAddr{0x52, 0x54, 0x00, 0, 0, 2}, Vendor: "QEMU"},
	}}
	pol := &fakePolicy{}
	clk := &clock{t: noon}
	s := New(st, sw, pol, nil, WithClock(clk.now))

	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sw.calls != 1 || pol.calls != 1 {
		t.Fatalf("sweeps=%d policy=%d", sw.calls, pol.calls)
	}

	d, err := st.GetDevice(ctx, "B8:27:EB:00:00:01")
	if err != nil || d == nil {
		t.Fatalf("GetDevice: %v %v", d, err)
	}
	if d.IP != "192.168.24.10" || d.LastSeenBy != storage.SeenByActiveSweep || !d.LastSeen.Equal(noon) {
		t.Fatalf("unexpected device %+v", d)
	}
	if n := logsContaining(t, st, storage.CategoryDiscovery, "New device discovered"); n != 2 {
		t.Fatalf("discovery entries = %d", n)
	}

	// peak is taken before the sweep, so the new devices count on the next cycle
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if got := s.Accumulator().Snapshot().PeakActiveDevices; got != 2 {
		t.Fatalf("peak = %d, want 2", got)
	}
	if s.interval != time.Minute {
		t.Fatalf("interval = %v", s.interval)
	}
}

func TestCycleMarksStaleDevicesInactive(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	clk := &clock{t: noon}
	if _, err := st.RecordSighting(ctx, storage.Sighting{MAC: "00:11:22:33:44:55", IP: "10.0.0.5",
		SeenBy: storage.SeenByActiveSweep, At: noon.Add(-10 * time.Minute)}); err != nil {
		t.Fatalf("RecordSighting: %v", err)
	}

	s := New(st, &fakeSweeper{}, &fakePolicy{}, nil, WithClock(clk.now))
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	d, _ := st.GetDevice(ctx, "00:11:22:33:44:55")
	if d.Status != storage.StatusInactive {
		t.Fatalf("status = %s, want inactive", d.Status)
	}
}

func TestSweepFailureIsNotFatal(t *testing.T) {
	st := newStore(t)
	pol := &fakePolicy{}
	s := New(st, &fakeSweeper{err: errors.New("interface enp0s3: no such network interface")}, pol, nil)

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if pol.calls != 1 {
		t.Fatalf("policy must still run after a sweep failure")
	}
	if n := logsContaining(t, st, storage.CategoryError, "Active discovery failed"); n != 1 {
		t.Fatalf("error entries = %d", n)
	}
}

func TestPassiveModeSkipsSweep(t *testing.T) {
	st := newStore(t)
	saveSettings(t, st, func(s *config.Settings) { s.DiscoveryMode = config.DiscoveryPassive })
	sw := &fakeSweeper{}
	cs := &captures{}
	s := New(st, sw, &fakePolicy{}, cs.factory)

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if sw.calls != 0 {
		t.Fatalf("passive mode swept")
	}
	if cs.count() != 1 || !cs.last().started {
		t.Fatalf("capture not started")
	}
}

func TestCaptureLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	cs := &captures{}
	s := New(st, &fakeSweeper{}, &fakePolicy{}, cs.factory)

	cycle := func() {
		t.Helper()
		if err := s.RunCycle(ctx); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
	}

	// active only: nothing to supervise
	cycle()
	if cs.count() != 0 {
		t.Fatalf("capture started in active mode")
	}

	saveSettings(t, st, func(s *config.Settings) {
		s.DiscoveryMode = config.DiscoveryBoth
		s.Interface = "eth0"
	})
	cycle()
	if cs.count() != 1 || cs.last().iface != "eth0" {
		t.Fatalf("capture not started on eth0")
	}
	first := cs.last()

	// still healthy: no restart
	cycle()
	if cs.count() != 1 {
		t.Fatalf("healthy capture restarted")
	}

	// died: restarted on the same interface
	first.kill()
	cycle()
	if cs.count() != 2 || !first.stopped || cs.last().iface != "eth0" {
		t.Fatalf("dead capture not restarted")
	}
	second := cs.last()

	// interface changed: restarted on the new one
	saveSettings(t, st, func(s *config.Settings) {
		s.DiscoveryMode = config.DiscoveryBoth
		s.Interface = "eth1"
	})
	cycle()
	if cs.count() != 3 || !second.stopped || cs.last().iface != "eth1" {
		t.Fatalf("capture not moved to eth1")
	}
	third := cs.last()

	// no longer required: stopped
	saveSettings(t, st, func(s *config.Settings) { s.DiscoveryMode = config.DiscoveryActive })
	cycle()
	if !third.stopped || cs.count() != 3 {
		t.Fatalf("capture not stopped")
	}

	if n := logsContaining(t, st, storage.CategorySystem, "Configuration changed"); n != 3 {
		t.Fatalf("configuration change entries = %d", n)
	}
	if n := logsContaining(t, st, storage.CategorySystem, "network_interface: eth0 -> eth1"); n != 1 {
		t.Fatalf("interface change not described")
	}
}

func TestDayRolloverFlushes(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	clk := &clock{t: noon}
	pol := &fakePolicy{count: stats.ReasonInactivity}
	s := New(st, &fakeSweeper{}, pol, nil, WithClock(clk.now))

	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rec, _ := st.GetDailyStat(ctx, "2026-03-01"); rec != nil {
		t.Fatalf("flushed mid-day: %+v", rec)
	}

	clk.set(noon.Add(24 * time.Hour))
	pol.count = ""
	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rec, err := st.GetDailyStat(ctx, "2026-03-01")
	if err != nil || rec == nil {
		t.Fatalf("GetDailyStat: %v %v", rec, err)
	}
	if rec.ReleasesInactivity != 2 {
		t.Fatalf("releases_inactivity = %d, want 2", rec.ReleasesInactivity)
	}
	if s.Accumulator().Date() != "2026-03-02" || s.Accumulator().Snapshot().ReleasesInactivity != 0 {
		t.Fatalf("accumulator not reset: %s %+v", s.Accumulator().Date(), s.Accumulator().Snapshot())
	}
}

func TestPolicyErrorAndPanicFailCycle(t *testing.T) {
	st := newStore(t)

	s := New(st, &fakeSweeper{}, &fakePolicy{err: errors.New("database is locked")}, nil)
	if err := s.safeCycle(context.Background()); err == nil {
		t.Fatalf("expected policy error")
	}

	s = New(st, &fakeSweeper{}, &fakePolicy{panicMsg: "boom"}, nil)
	err := s.safeCycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("panic not converted: %v", err)
	}

	if got := backoff(time.Minute); got != 2*time.Minute {
		t.Fatalf("backoff = %v", got)
	}
}

func TestStartStopShutdownSequence(t *testing.T) {
	st := newStore(t)
	saveSettings(t, st, func(s *config.Settings) { s.DiscoveryMode = config.DiscoveryPassive })
	cs := &captures{}
	pol := &fakePolicy{count: stats.ReasonMACList}
	s := New(st, &fakeSweeper{}, pol, cs.factory, WithCaptureStopTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for cs.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first cycle did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if !cs.last().stopped {
		t.Fatalf("capture not stopped on shutdown")
	}
	rec, err := st.GetDailyStat(context.Background(), s.Accumulator().Date())
	if err != nil || rec == nil || rec.ReleasesMACList != 1 {
		t.Fatalf("shutdown flush missing: %+v %v", rec, err)
	}
	if n := logsContaining(t, st, storage.CategorySystem, "engine stopped"); n != 1 {
		t.Fatalf("shutdown entries = %d", n)
	}
	if n := logsContaining(t, st, storage.CategorySystem, "engine started"); n != 1 {
		t.Fatalf("startup entries = %d", n)
	}
}

// slowSweeper advances the clock while the sweep window is open
type slowSweeper struct {
	clk     *clock
	took    time.Duration
	results []discovery.Result
}

func (f *slowSweeper) Sweep(context.Context, string, string) ([]discovery.Result, error) {
	f.clk.set(f.clk.now().Add(f.took))
	return f.results, nil
}

func TestSweepStampsReplyTime(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	clk := &clock{t: noon}
	sw := &slowSweeper{clk: clk, took: 3 * time.Second, results: []discovery.Result{
		{IP: net.IPv4(192, 168, 24, 10), MAC: net.HardwareAddr{0xb8, 0x27, 0xeb, 0, 0, 1}},
	}}
	s := New(st, sw, &fakePolicy{}, nil, WithClock(clk.now))

	if err := s.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	d, err := st.GetDevice(ctx, "B8:27:EB:00:00:01")
	if err != nil || d == nil {
		t.Fatalf("GetDevice: %v %v", d, err)
	}
	if want := noon.Add(3 * time.Second); !d.LastSeen.Equal(want) {
		t.Fatalf("last_seen = %v, want %v", d.LastSeen, want)
	}
}

// blockingPolicy counts one release and then holds the cycle until cancelled
type blockingPolicy struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingPolicy) Run(ctx context.Context, _ config.Settings, acc *stats.Accumulator) (policy.Result, error) {
	acc.AddRelease(stats.ReasonInactivity)
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return policy.Result{}, ctx.Err()
}

func TestStopCancelsRunningCycle(t *testing.T) {
	st := newStore(t)
	saveSettings(t, st, func(s *config.Settings) { s.DiscoveryMode = config.DiscoveryPassive })
	pol := &blockingPolicy{entered: make(chan struct{})}
	s := New(st, &fakeSweeper{}, pol, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-pol.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("policy never ran")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after Stop returned")
	}

	rec, err := st.GetDailyStat(context.Background(), s.Accumulator().Date())
	if err != nil || rec == nil || rec.ReleasesInactivity != 1 {
		t.Fatalf("release counted during the interrupted cycle was not flushed: %+v %v", rec, err)
	}
	if n := logsContaining(t, st, storage.CategoryError, "Unexpected error"); n != 0 {
		t.Fatalf("cancelled cycle recorded as failure %d time(s)", n)
	}
	if n := logsContaining(t, st, storage.CategorySystem, "engine stopped"); n != 1 {
		t.Fatalf("shutdown entries = %d", n)
	}
}
