package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const deviceColumns = `mac, ip, vendor, first_seen, last_seen, status, is_excluded,
	last_seen_by, lease_start_time, lease_duration_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d          Device
		leaseStart sql.NullTime
		leaseDur   sql.NullInt64
	)
	err := row.Scan(&d.MAC, &d.IP, &d.Vendor, &d.FirstSeen, &d.LastSeen, &d.Status,
		&d.IsExcluded, &d.LastSeenBy, &leaseStart, &leaseDur)
	if err != nil {
		return nil, err
	}
	d.FirstSeen = d.FirstSeen.UTC()
	d.LastSeen = d.LastSeen.UTC()
	if leaseStart.Valid {
		t := leaseStart.Time.UTC()
		d.LeaseStartTime = &t
	}
	if leaseDur.Valid {
		v := int(leaseDur.Int64)
		d.LeaseDurationSeconds = &v
	}
	return &d, nil
}

func scanDevices(rows *sql.Rows) ([]Device, error) {
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDevice retrieves a device by hardware address; nil when absent
func (s *Store) GetDevice(ctx context.Context, mac string) (*Device, error) {
	return getDevice(ctx, s.db, mac)
}

func getDevice(ctx context.Context, q querier, mac string) (*Device, error) {
	row := q.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = $1`, mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// RecordSightings applies a batch of sightings atomically. Duplicate hardware
// addresses within the batch collapse to the last entry. It returns the number
// of devices created.
func (s *Store) RecordSightings(ctx context.Context, batch []Sighting) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	latest := make(map[string]Sighting, len(batch))
	order := make([]string, 0, len(batch))
	for _, sg := range batch {
		if _, seen := latest[sg.MAC]; !seen {
			order = append(order, sg.MAC)
		}
		latest[sg.MAC] = sg
	}

	created := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, mac := range order {
			isNew, err := applySighting(ctx, tx, latest[mac])
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// RecordSighting applies a single sighting as its own unit of work
func (s *Store) RecordSighting(ctx context.Context, sg Sighting) (bool, error) {
	n, err := s.RecordSightings(ctx, []Sighting{sg})
	return n == 1, err
}

func applySighting(ctx context.Context, tx *sql.Tx, sg Sighting) (bool, error) {
	existing, err := getDevice(ctx, tx, sg.MAC)
	if err != nil {
		return false, err
	}

	at := dbTime(sg.At)
	leaseStart := sql.NullTime{}
	if sg.LeaseStart != nil {
		leaseStart = sql.NullTime{Time: dbTime(*sg.LeaseStart), Valid: true}
	}
	leaseDur := sql.NullInt64{}
	if sg.LeaseDuration != nil {
		leaseDur = sql.NullInt64{Int64: int64(*sg.LeaseDuration), Valid: true}
	}

	if existing == nil {
		// without an address the device could never be released
		if sg.IP == "" {
			return false, nil
		}
		vendor := sg.Vendor
		if vendor == "" {
			vendor = UnknownVendor
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (mac, ip, vendor, first_seen, last_seen, status, is_excluded,
			                     last_seen_by, lease_start_time, lease_duration_seconds)
			VALUES ($1, $2, $3, $4, $4, $5, FALSE, $6, $7, $8)`,
			sg.MAC, sg.IP, vendor, at, StatusActive, sg.SeenBy, leaseStart, leaseDur)
		if err != nil {
			return false, fmt.Errorf("failed to insert device %s: %w", sg.MAC, err)
		}
		msg := fmt.Sprintf("New device discovered: %s (%s) via %s", sg.MAC, sg.IP, sg.SeenBy)
		if err := appendLog(ctx, tx, LevelInfo, CategoryDiscovery, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	// keep the last known address, vendor and lease timing when the sighting lacks them
	ip := sg.IP
	if ip == "" {
		ip = existing.IP
	}
	// last_seen never moves backwards; a late-arriving older sighting still
	// refreshes the status but not the address or the source
	seenBy := sg.SeenBy
	if existing.LastSeen.After(sg.At) {
		at = dbTime(existing.LastSeen)
		ip = existing.IP
		seenBy = existing.LastSeenBy
	}
	vendor := existing.Vendor
	if sg.Vendor != "" && sg.Vendor != UnknownVendor {
		vendor = sg.Vendor
	}
	if !leaseStart.Valid && existing.LeaseStartTime != nil {
		leaseStart = sql.NullTime{Time: dbTime(*existing.LeaseStartTime), Valid: true}
	}
	if !leaseDur.Valid && existing.LeaseDurationSeconds != nil {
		leaseDur = sql.NullInt64{Int64: int64(*existing.LeaseDurationSeconds), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE devices
		SET ip = $2, vendor = $3, last_seen = $4, status = $5, last_seen_by = $6,
		    lease_start_time = $7, lease_duration_seconds = $8
		WHERE mac = $1`,
		sg.MAC, ip, vendor, at, StatusActive, seenBy, leaseStart, leaseDur)
	if err != nil {
		return false, fmt.Errorf("failed to update device %s: %w", sg.MAC, err)
	}
	return false, nil
}

// InactivityCandidates returns non-excluded, non-released devices with a known
// address last seen before cutoff
func (s *Store) InactivityCandidates(ctx context.Context, cutoff time.Time) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE is_excluded = FALSE AND status <> $1 AND ip <> '' AND last_seen < $2
		ORDER BY last_seen, mac`,
		StatusReleased, dbTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query inactivity candidates: %w", err)
	}
	return scanDevices(rows)
}

// PrefixCandidates returns non-excluded, non-released devices with a known
// address whose hardware address starts with any of prefixes, compared
// case-insensitively
func (s *Store) PrefixCandidates(ctx context.Context, prefixes []string) ([]Device, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}

	args := []any{StatusReleased}
	clauses := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		args = append(args, escapeLike(strings.ToUpper(p))+"%")
		clauses = append(clauses, fmt.Sprintf(`UPPER(mac) LIKE $%d ESCAPE '\'`, len(args)))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE is_excluded = FALSE AND status <> $1 AND ip <> '' AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY mac`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prefix candidates: %w", err)
	}
	return scanDevices(rows)
}

// MarkReleased sets status=released and records entry in the same transaction
func (s *Store) MarkReleased(ctx context.Context, mac string, entry LogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return markReleased(ctx, tx, mac, entry)
	})
}

// MarkReleasedManual is MarkReleased for operator-initiated releases; it also
// bumps the manual release counter of the given day
func (s *Store) MarkReleasedManual(ctx context.Context, mac string, entry LogEntry, date string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := markReleased(ctx, tx, mac, entry); err != nil {
			return err
		}
		return mergeDailyStat(ctx, tx, date, DailyDelta{ReleasesManual: 1}, nil)
	})
}

func markReleased(ctx context.Context, tx *sql.Tx, mac string, entry LogEntry) error {
	res, err := tx.ExecContext(ctx, `UPDATE devices SET status = $1 WHERE mac = $2`, StatusReleased, mac)
	if err != nil {
		return fmt.Errorf("failed to mark device released: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return appendLog(ctx, tx, entry.Level, entry.Category, entry.Message)
}

// MarkInactive flags active devices last seen before cutoff as inactive
func (s *Store) MarkInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = $1 WHERE status = $2 AND last_seen < $3`,
		StatusInactive, StatusActive, dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to mark inactive devices: %w", err)
	}
	return res.RowsAffected()
}

// SetExcluded toggles the exclusion flag and records a user audit entry
func (s *Store) SetExcluded(ctx context.Context, mac string, excluded bool) (*Device, error) {
	var out *Device
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE devices SET is_excluded = $1 WHERE mac = $2`, excluded, mac)
		if err != nil {
			return fmt.Errorf("failed to update exclusion: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		d, err := getDevice(ctx, tx, mac)
		if err != nil {
			return err
		}
		verb := "marked"
		if !excluded {
			verb = "unmarked"
		}
		msg := fmt.Sprintf("Device %s (%s) %s as excluded", d.MAC, d.IP, verb)
		if err := appendLog(ctx, tx, LevelInfo, CategoryUser, msg); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// Summary returns registry counts by status
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = $2 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = $3 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_excluded THEN 1 ELSE 0 END), 0)
		FROM devices`,
		StatusActive, StatusInactive, StatusReleased,
	).Scan(&sum.Total, &sum.Active, &sum.Inactive, &sum.Released, &sum.Excluded)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarise devices: %w", err)
	}
	return sum, nil
}

var deviceSortColumns = map[string]string{
	"ip":          "ip",
	"mac":         "mac",
	"vendor":      "vendor",
	"first_seen":  "first_seen",
	"last_seen":   "last_seen",
	"status":      "status",
	"is_excluded": "is_excluded",
}

// ListDevices returns one page of devices matching q
func (s *Store) ListDevices(ctx context.Context, q DeviceQuery) (*DevicePage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = 50
	}
	col, ok := deviceSortColumns[q.SortBy]
	if !ok {
		col = "last_seen"
		if q.SortBy == "" {
			q.Desc = true
		}
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	where := ""
	var args []any
	if term := strings.TrimSpace(q.Search); term != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
		where = `WHERE LOWER(ip) LIKE $1 ESCAPE '\' OR LOWER(mac) LIKE $1 ESCAPE '\' OR LOWER(vendor) LIKE $1 ESCAPE '\'`
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}

	pageArgs := append(args, q.PerPage, (q.Page-1)*q.PerPage)
	query := fmt.Sprintf(`SELECT %s FROM devices %s ORDER BY %s %s, mac ASC LIMIT $%d OFFSET $%d`,
		deviceColumns, where, col, dir, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devices, err := scanDevices(rows)
	if err != nil {
		return nil, err
	}

	pages := int(math.Ceil(float64(total) / float64(q.PerPage)))
	return &DevicePage{
		Devices:    devices,
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalItems: total,
		TotalPages: pages,
		HasNext:    q.Page < pages,
		HasPrev:    q.Page > 1,
	}, nil
}

// ClearAll deletes every device and log entry, leaving one warning entry behind
func (s *Store) ClearAll(ctx context.Context) (devices, logs int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices`)
		if err != nil {
			return fmt.Errorf("failed to delete devices: %w", err)
		}
		devices, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM log_entries`)
		if err != nil {
			return fmt.Errorf("failed to delete logs: %w", err)
		}
		logs, _ = res.RowsAffected()

		msg := fmt.Sprintf("Registry cleared: %d devices and %d log entries deleted", devices, logs)
		return appendLog(ctx, tx, LevelWarning, CategoryUser, msg)
	})
	return devices, logs, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
