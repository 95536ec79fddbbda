// Package release forges and transmits DHCPRELEASE frames on behalf of a client.
package release

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashakarcz/leasereaper/internal/dhcp"
	"github.com/sashakarcz/leasereaper/internal/logger"
	"github.com/sashakarcz/leasereaper/internal/storage"
)

// ErrNoInterface is returned when a live release has no interface to send on
var ErrNoInterface = errors.New("no interface configured")

// Transmitter puts a complete Ethernet frame on the wire
type Transmitter interface {
	Transmit(iface string, frame []byte) error
}

// AuditLog persists operator-visible log entries
type AuditLog interface {
	AppendLog(ctx context.Context, level storage.LogLevel, category storage.LogCategory, message string) error
}

// Target identifies the lease to give back
type Target struct {
	IP        string
	MAC       string
	ServerIP  string
	Interface string
}

// Actuator releases leases; it never retries
type Actuator struct {
	tx    Transmitter
	audit AuditLog
}

// New creates an actuator
func New(tx Transmitter, audit AuditLog) *Actuator {
	return &Actuator{tx: tx, audit: audit}
}

// Release sends a RELEASE for t, or only logs it when dryRun is set. Every
// outcome is logged before returning.
func (a *Actuator) Release(ctx context.Context, t Target, dryRun bool) (succeeded, wasDryRun bool) {
	log := logger.With().Str("ip", t.IP).Str("mac", t.MAC).Str("iface", t.Interface).Logger()

	if dryRun {
		log.Info().Bool("dry_run", true).Msg("Would release lease")
		a.record(ctx, storage.LevelInfo, storage.CategoryDryRun,
			fmt.Sprintf("[DRY RUN] Would release IP %s (MAC: %s)", t.IP, t.MAC))
		return true, true
	}

	a.record(ctx, storage.LevelInfo, storage.CategoryRelease,
		fmt.Sprintf("Attempting to release IP %s (MAC: %s) on interface %s", t.IP, t.MAC, t.Interface))

	if err := a.send(t); err != nil {
		log.Error().Err(err).Msg("Failed to send DHCPRELEASE")
		a.record(ctx, storage.LevelError, storage.CategoryError,
			fmt.Sprintf("Failed to send DHCPRELEASE for %s: %v. Interface: '%s'", t.IP, err, t.Interface))
		return false, false
	}

	log.Info().Msg("DHCPRELEASE sent")
	a.record(ctx, storage.LevelInfo, storage.CategoryRelease,
		fmt.Sprintf("DHCPRELEASE sent for IP %s", t.IP))
	return true, false
}

func (a *Actuator) send(t Target) error {
	if t.Interface == "" {
		return ErrNoInterface
	}
	mac, err := net.ParseMAC(t.MAC)
	if err != nil {
		return fmt.Errorf("invalid hardware address: %w", err)
	}
	frame, err := dhcp.BuildRelease(dhcp.ReleaseRequest{
		ClientMAC: mac,
		ClientIP:  net.ParseIP(t.IP),
		ServerIP:  net.ParseIP(t.ServerIP),
	})
	if err != nil {
		return err
	}
	return a.tx.Transmit(t.Interface, frame)
}

// record writes an audit entry; a failing audit write is logged and dropped
func (a *Actuator) record(ctx context.Context, level storage.LogLevel, category storage.LogCategory, msg string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.AppendLog(ctx, level, category, msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to record audit entry")
	}
}
