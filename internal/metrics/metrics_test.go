package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordSweep(true, 1.5, 7)
	m.RecordSweep(false, 0.1, 0)
	m.RecordDiscovered("active-sweep", 3)
	m.RecordDiscovered("active-sweep", 0)
	m.RecordPassiveSighting(true)
	m.RecordPassiveSighting(false)
	m.SetCaptureRunning(true)
	m.RecordRelease("inactivity", "released")
	m.RecordRelease("inactivity", "released")
	m.UpdateDeviceMetrics(4, 2, 1, 1)
	m.RecordCycle(false, 0.2)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"sweeps ok", m.Sweeps.WithLabelValues("success"), 1},
		{"sweeps failed", m.Sweeps.WithLabelValues("failed"), 1},
		{"sweep hosts", m.SweepHosts, 7},
		{"discovered", m.DevicesDiscovered.WithLabelValues("active-sweep"), 3},
		{"passive new", m.PassiveSightings.WithLabelValues("new"), 1},
		{"passive known", m.PassiveSightings.WithLabelValues("known"), 1},
		{"discovered passive", m.DevicesDiscovered.WithLabelValues("passive-capture"), 1},
		{"capture running", m.CaptureRunning, 1},
		{"releases", m.Releases.WithLabelValues("inactivity", "released"), 2},
		{"active", m.Devices.WithLabelValues("active"), 4},
		{"released", m.Devices.WithLabelValues("released"), 1},
		{"cycles failed", m.Cycles.WithLabelValues("failed"), 1},
		{"last cycle untouched", m.LastCycleTimestamp, 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSweep(true, 1, 1)
	m.RecordRelease("mac_list", "failed")
	m.SetCaptureRunning(false)
	m.RecordCycle(true, 1)
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on fresh registries must not panic
	NewWithRegistry(prometheus.NewRegistry())
	NewWithRegistry(prometheus.NewRegistry())
}
