package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DiscoveryMode selects which discovery paths the scheduler runs
type DiscoveryMode string

const (
	DiscoveryActive  DiscoveryMode = "active"
	DiscoveryPassive DiscoveryMode = "passive"
	DiscoveryBoth    DiscoveryMode = "both"
)

// Sweeps reports whether the mode includes the ARP sweep
func (m DiscoveryMode) Sweeps() bool {
	return m == DiscoveryActive || m == DiscoveryBoth
}

// Captures reports whether the mode includes passive capture
func (m DiscoveryMode) Captures() bool {
	return m == DiscoveryPassive || m == DiscoveryBoth
}

// ReleasePolicy controls whether a reachability probe gates each release
type ReleasePolicy string

const (
	PolicyImmediate           ReleasePolicy = "immediate"
	PolicyVerifyLivenessFirst ReleasePolicy = "verify-liveness-first"
)

// MinPollInterval is the lower bound applied to the configured poll interval
const MinPollInterval = 10 * time.Second

// Settings is the singleton engine configuration record. It is re-read from
// the datastore at the start of every scheduler cycle.
type Settings struct {
	ScanSubnet               string
	DHCPServerIP             string
	Interface                string
	InactivityThresholdHours int
	MACPrefixes              string
	DryRun                   bool
	DiscoveryMode            DiscoveryMode
	ReleasePolicy            ReleasePolicy
	PollIntervalSeconds      int
	UpdatedAt                time.Time
}

// DefaultSettings mirrors the row seeded by the initial migration
func DefaultSettings() Settings {
	return Settings{
		ScanSubnet:               "192.168.24.0/24",
		DHCPServerIP:             "192.168.24.1",
		Interface:                "enp0s3",
		InactivityThresholdHours: 24,
		DryRun:                   true,
		DiscoveryMode:            DiscoveryActive,
		ReleasePolicy:            PolicyImmediate,
		PollIntervalSeconds:      60,
	}
}

// Normalize clamps out-of-range values. Unknown enum values fall back to the
// conservative choice rather than failing the cycle.
func (s *Settings) Normalize() {
	if s.PollIntervalSeconds < int(MinPollInterval/time.Second) {
		s.PollIntervalSeconds = int(MinPollInterval / time.Second)
	}
	switch s.DiscoveryMode {
	case DiscoveryActive, DiscoveryPassive, DiscoveryBoth:
	default:
		s.DiscoveryMode = DiscoveryActive
	}
	switch s.ReleasePolicy {
	case PolicyImmediate, PolicyVerifyLivenessFirst:
	default:
		s.ReleasePolicy = PolicyImmediate
	}
}

// Validate rejects values an operator supplied that Normalize would
// otherwise paper over or that would fail every cycle.
func (s Settings) Validate() error {
	ip, network, err := net.ParseCIDR(strings.TrimSpace(s.ScanSubnet))
	if err != nil || ip.To4() == nil {
		return fmt.Errorf("scan subnet %q is not an IPv4 CIDR", s.ScanSubnet)
	}
	if ones, _ := network.Mask.Size(); ones < 16 {
		return fmt.Errorf("scan subnet %q is wider than /16", s.ScanSubnet)
	}
	if ip := net.ParseIP(strings.TrimSpace(s.DHCPServerIP)); ip == nil || ip.To4() == nil {
		return fmt.Errorf("dhcp server %q is not an IPv4 address", s.DHCPServerIP)
	}
	if strings.TrimSpace(s.Interface) == "" {
		return errors.New("network interface is required")
	}
	if s.InactivityThresholdHours < 0 {
		return fmt.Errorf("inactivity threshold must not be negative, got %d", s.InactivityThresholdHours)
	}
	if floor := int(MinPollInterval / time.Second); s.PollIntervalSeconds < floor {
		return fmt.Errorf("poll interval must be at least %d seconds, got %d", floor, s.PollIntervalSeconds)
	}
	switch s.DiscoveryMode {
	case DiscoveryActive, DiscoveryPassive, DiscoveryBoth:
	default:
		return fmt.Errorf("unknown discovery mode %q", s.DiscoveryMode)
	}
	switch s.ReleasePolicy {
	case PolicyImmediate, PolicyVerifyLivenessFirst:
	default:
		return fmt.Errorf("unknown release policy %q", s.ReleasePolicy)
	}
	return nil
}

// PollInterval returns the configured cycle interval
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// InactivityThreshold returns zero when the inactivity criterion is disabled
func (s Settings) InactivityThreshold() time.Duration {
	if s.InactivityThresholdHours <= 0 {
		return 0
	}
	return time.Duration(s.InactivityThresholdHours) * time.Hour
}

// Prefixes returns the parsed hardware address prefix list
func (s Settings) Prefixes() []string {
	return ParsePrefixes(s.MACPrefixes)
}

// Change describes one field that differs between two Settings values
type Change struct {
	Field string
	Old   any
	New   any
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Field, c.Old, c.New)
}

type settingsField struct {
	name string
	get  func(Settings) any
}

// settingsFields enumerates the fields that are compared between reloads
var settingsFields = []settingsField{
	{"scan_subnet", func(s Settings) any { return s.ScanSubnet }},
	{"dhcp_server_ip", func(s Settings) any { return s.DHCPServerIP }},
	{"network_interface", func(s Settings) any { return s.Interface }},
	{"inactivity_threshold_hours", func(s Settings) any { return s.InactivityThresholdHours }},
	{"mac_prefixes", func(s Settings) any { return s.MACPrefixes }},
	{"dry_run", func(s Settings) any { return s.DryRun }},
	{"discovery_mode", func(s Settings) any { return s.DiscoveryMode }},
	{"release_policy", func(s Settings) any { return s.ReleasePolicy }},
	{"poll_interval_seconds", func(s Settings) any { return s.PollIntervalSeconds }},
}

// Diff returns the enumerated fields whose values differ, in declaration order
func Diff(old, new Settings) []Change {
	var changes []Change
	for _, f := range settingsFields {
		o, n := f.get(old), f.get(new)
		if o != n {
			changes = append(changes, Change{Field: f.name, Old: o, New: n})
		}
	}
	return changes
}
