package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by mutations that target a missing device
var ErrNotFound = errors.New("device not found")

// DeviceStatus represents the registry state of a device
type DeviceStatus string

const (
	StatusActive   DeviceStatus = "active"
	StatusInactive DeviceStatus = "inactive"
	StatusReleased DeviceStatus = "released"
)

// SeenBy identifies the discovery path that last observed a device
type SeenBy string

const (
	SeenByActiveSweep    SeenBy = "active-sweep"
	SeenByPassiveCapture SeenBy = "passive-capture"
)

// UnknownVendor is stored when the prefix lookup has no match
const UnknownVendor = "unknown"

// Device is one registry row keyed by hardware address
type Device struct {
	MAC                  string
	IP                   string
	Vendor               string
	FirstSeen            time.Time
	LastSeen             time.Time
	Status               DeviceStatus
	IsExcluded           bool
	LastSeenBy           SeenBy
	LeaseStartTime       *time.Time
	LeaseDurationSeconds *int
}

// Sighting is one observation of a device from either discovery path
type Sighting struct {
	MAC    string
	IP     string
	Vendor string
	SeenBy SeenBy
	At     time.Time

	LeaseStart    *time.Time
	LeaseDuration *int
}

// LogLevel is the severity of an audit log entry
type LogLevel string

const (
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// LogCategory groups audit log entries for filtering
type LogCategory string

const (
	CategoryUser      LogCategory = "user"
	CategoryRelease   LogCategory = "release"
	CategoryDiscovery LogCategory = "discovery"
	CategoryError     LogCategory = "error"
	CategoryDryRun    LogCategory = "dry_run"
	CategorySystem    LogCategory = "system"
)

// LogEntry is an append-only audit record
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	Level     LogLevel
	Category  LogCategory
	Message   string
}

// DailyStat is the persisted per-day operational record
type DailyStat struct {
	Date               string
	ReleasesInactivity int
	ReleasesMACList    int
	ReleasesManual     int
	PeakActiveDevices  int
	TotalDevices       int
}

// DailyDelta carries in-memory counters merged into a DailyStat
type DailyDelta struct {
	ReleasesInactivity int
	ReleasesMACList    int
	ReleasesManual     int
	PeakActiveDevices  int
}

// Summary holds registry counts by status
type Summary struct {
	Total    int
	Active   int
	Inactive int
	Released int
	Excluded int
}

// DeviceQuery filters, sorts and paginates ListDevices
type DeviceQuery struct {
	Search  string
	SortBy  string // ip, mac, vendor, first_seen, last_seen, status, is_excluded
	Desc    bool
	Page    int
	PerPage int
}

// DevicePage is one page of ListDevices results
type DevicePage struct {
	Devices    []Device
	Page       int
	PerPage    int
	TotalItems int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// LogQuery filters ListLogs
type LogQuery struct {
	Limit    int
	Category LogCategory
	Since    time.Time
}
