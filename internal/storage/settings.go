package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sashakarcz/leasereaper/internal/config"
)

// GetSettings reads the singleton engine configuration. A missing row yields
// the defaults; the engine never writes this table.
func (s *Store) GetSettings(ctx context.Context) (config.Settings, error) {
	var st config.Settings
	err := s.db.QueryRowContext(ctx, `
		SELECT scan_subnet, dhcp_server_ip, network_interface, inactivity_threshold_hours,
		       mac_prefixes, dry_run, discovery_mode, release_policy, poll_interval_seconds, updated_at
		FROM settings WHERE id = 1`,
	).Scan(&st.ScanSubnet, &st.DHCPServerIP, &st.Interface, &st.InactivityThresholdHours,
		&st.MACPrefixes, &st.DryRun, &st.DiscoveryMode, &st.ReleasePolicy, &st.PollIntervalSeconds,
		&st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return config.DefaultSettings(), nil
	}
	if err != nil {
		return config.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return st, nil
}

// SaveSettings overwrites the singleton row. Used by operator tooling only.
func (s *Store) SaveSettings(ctx context.Context, st config.Settings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (id, scan_subnet, dhcp_server_ip, network_interface, inactivity_threshold_hours,
		                      mac_prefixes, dry_run, discovery_mode, release_policy, poll_interval_seconds, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    scan_subnet = excluded.scan_subnet,
		    dhcp_server_ip = excluded.dhcp_server_ip,
		    network_interface = excluded.network_interface,
		    inactivity_threshold_hours = excluded.inactivity_threshold_hours,
		    mac_prefixes = excluded.mac_prefixes,
		    dry_run = excluded.dry_run,
		    discovery_mode = excluded.discovery_mode,
		    release_policy = excluded.release_policy,
		    poll_interval_seconds = excluded.poll_interval_seconds,
		    updated_at = excluded.updated_at`,
		st.ScanSubnet, st.DHCPServerIP, st.Interface, st.InactivityThresholdHours, st.MACPrefixes,
		st.DryRun, st.DiscoveryMode, st.ReleasePolicy, st.PollIntervalSeconds, dbTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
