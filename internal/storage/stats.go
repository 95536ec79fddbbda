package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MergeDailyStat adds delta to the record for date, creating it if absent.
// The peak is raised, never lowered, and the total device snapshot is replaced.
func (s *Store) MergeDailyStat(ctx context.Context, date string, delta DailyDelta, totalDevices int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return mergeDailyStat(ctx, tx, date, delta, &totalDevices)
	})
}

func mergeDailyStat(ctx context.Context, q querier, date string, delta DailyDelta, totalDevices *int) error {
	total := 0
	keepTotal := totalDevices == nil
	if totalDevices != nil {
		total = *totalDevices
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO daily_stats (stat_date, releases_inactivity, releases_mac_list, releases_manual,
		                         peak_active_devices, total_devices)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stat_date) DO UPDATE SET
		    releases_inactivity = daily_stats.releases_inactivity + excluded.releases_inactivity,
		    releases_mac_list   = daily_stats.releases_mac_list + excluded.releases_mac_list,
		    releases_manual     = daily_stats.releases_manual + excluded.releases_manual,
		    peak_active_devices = CASE
		        WHEN excluded.peak_active_devices > daily_stats.peak_active_devices
		        THEN excluded.peak_active_devices
		        ELSE daily_stats.peak_active_devices END,
		    total_devices = CASE WHEN $7 THEN daily_stats.total_devices ELSE excluded.total_devices END`,
		date, delta.ReleasesInactivity, delta.ReleasesMACList, delta.ReleasesManual,
		delta.PeakActiveDevices, total, keepTotal)
	if err != nil {
		return fmt.Errorf("failed to merge daily stat %s: %w", date, err)
	}
	return nil
}

// GetDailyStat returns the record for date; nil when absent
func (s *Store) GetDailyStat(ctx context.Context, date string) (*DailyStat, error) {
	var st DailyStat
	err := s.db.QueryRowContext(ctx, `
		SELECT stat_date, releases_inactivity, releases_mac_list, releases_manual,
		       peak_active_devices, total_devices
		FROM daily_stats WHERE stat_date = $1`, date,
	).Scan(&st.Date, &st.ReleasesInactivity, &st.ReleasesMACList, &st.ReleasesManual,
		&st.PeakActiveDevices, &st.TotalDevices)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stat: %w", err)
	}
	return &st, nil
}

// DailyStats returns records with from <= date <= to, oldest first. Dates are
// YYYY-MM-DD so lexical order is chronological.
func (s *Store) DailyStats(ctx context.Context, from, to string) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stat_date, releases_inactivity, releases_mac_list, releases_manual,
		       peak_active_devices, total_devices
		FROM daily_stats
		WHERE stat_date >= $1 AND stat_date <= $2
		ORDER BY stat_date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var st DailyStat
		if err := rows.Scan(&st.Date, &st.ReleasesInactivity, &st.ReleasesMACList, &st.ReleasesManual,
			&st.PeakActiveDevices, &st.TotalDevices); err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
