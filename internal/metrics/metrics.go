package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Discovery metrics
	Sweeps            *prometheus.CounterVec
	SweepDuration     prometheus.Histogram
	SweepHosts        prometheus.Gauge
	DevicesDiscovered *prometheus.CounterVec
	PassiveSightings  *prometheus.CounterVec
	CaptureRunning    prometheus.Gauge
	CaptureRestarts   prometheus.Counter

	// Release metrics
	Releases *prometheus.CounterVec

	// Registry metrics
	Devices           *prometheus.GaugeVec
	PeakActiveDevices prometheus.Gauge

	// Scheduler metrics
	Cycles             *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	LastCycleTimestamp prometheus.Gauge

	// Database metrics
	DatabaseErrors *prometheus.CounterVec
}

// New creates metrics registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sweeps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_sweeps_total",
				Help: "Total number of ARP sweeps by outcome",
			},
			[]string{"status"}, // success, failed
		),

		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leasereaper_sweep_duration_seconds",
				Help:    "Duration of ARP sweeps",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60},
			},
		),

		SweepHosts: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leasereaper_sweep_hosts",
				Help: "Hosts that answered the last ARP sweep",
			},
		),

		DevicesDiscovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_devices_discovered_total",
				Help: "New devices added to the registry by discovery path",
			},
			[]string{"source"}, // active-sweep, passive-capture
		),

		PassiveSightings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_passive_sightings_total",
				Help: "Lease messages recorded by passive capture",
			},
			[]string{"kind"}, // new, known
		),

		CaptureRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leasereaper_capture_running",
				Help: "Whether the passive capture task is running",
			},
		),

		CaptureRestarts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "leasereaper_capture_restarts_total",
				Help: "Times the passive capture task was restarted after dying or an interface change",
			},
		),

		Releases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_releases_total",
				Help: "Release attempts by criterion and outcome",
			},
			[]string{"reason", "outcome"}, // outcome: released, dry_run, failed, skipped
		),

		Devices: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leasereaper_devices",
				Help: "Registry devices by status",
			},
			[]string{"status"},
		),

		PeakActiveDevices: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leasereaper_peak_active_devices",
				Help: "Peak number of active devices observed today",
			},
		),

		Cycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_cycles_total",
				Help: "Scheduler iterations by outcome",
			},
			[]string{"status"}, // success, failed
		),

		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leasereaper_cycle_duration_seconds",
				Help:    "Duration of scheduler iterations",
				Buckets: prometheus.DefBuckets,
			},
		),

		LastCycleTimestamp: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "leasereaper_last_cycle_timestamp",
				Help: "Timestamp of the last completed scheduler iteration",
			},
		),

		DatabaseErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leasereaper_database_errors_total",
				Help: "Datastore errors by operation",
			},
			[]string{"operation"},
		),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}

// RecordSweep records one ARP sweep
func (m *Metrics) RecordSweep(ok bool, duration float64, hosts int) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(status(ok)).Inc()
	m.SweepDuration.Observe(duration)
	if ok {
		m.SweepHosts.Set(float64(hosts))
	}
}

// RecordDiscovered records devices created by a discovery path
func (m *Metrics) RecordDiscovered(source string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.DevicesDiscovered.WithLabelValues(source).Add(float64(count))
}

// RecordPassiveSighting records a sighting applied by passive capture
func (m *Metrics) RecordPassiveSighting(created bool) {
	if m == nil {
		return
	}
	kind := "known"
	if created {
		kind = "new"
		m.DevicesDiscovered.WithLabelValues("passive-capture").Inc()
	}
	m.PassiveSightings.WithLabelValues(kind).Inc()
}

// SetCaptureRunning updates the capture state gauge
func (m *Metrics) SetCaptureRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.CaptureRunning.Set(1)
	} else {
		m.CaptureRunning.Set(0)
	}
}

// RecordCaptureRestart records a supervised restart of the capture task
func (m *Metrics) RecordCaptureRestart() {
	if m == nil {
		return
	}
	m.CaptureRestarts.Inc()
}

// RecordRelease records the outcome of one release decision
func (m *Metrics) RecordRelease(reason, outcome string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(reason, outcome).Inc()
}

// UpdateDeviceMetrics updates registry gauges
func (m *Metrics) UpdateDeviceMetrics(active, inactive, released, excluded int) {
	if m == nil {
		return
	}
	m.Devices.WithLabelValues("active").Set(float64(active))
	m.Devices.WithLabelValues("inactive").Set(float64(inactive))
	m.Devices.WithLabelValues("released").Set(float64(released))
	m.Devices.WithLabelValues("excluded").Set(float64(excluded))
}

// SetPeakActive updates today's peak gauge
func (m *Metrics) SetPeakActive(n int) {
	if m == nil {
		return
	}
	m.PeakActiveDevices.Set(float64(n))
}

// RecordCycle records one scheduler iteration
func (m *Metrics) RecordCycle(ok bool, duration float64) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(status(ok)).Inc()
	m.CycleDuration.Observe(duration)
	if ok {
		m.LastCycleTimestamp.SetToCurrentTime()
	}
}

// RecordDatabaseError records a failed datastore operation
func (m *Metrics) RecordDatabaseError(operation string) {
	if m == nil {
		return
	}
	m.DatabaseErrors.WithLabelValues(operation).Inc()
}
