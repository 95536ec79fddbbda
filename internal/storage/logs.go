package storage

import (
	"context"
	"fmt"
	"time"
)

// AppendLog records an audit entry outside of any mutation
func (s *Store) AppendLog(ctx context.Context, level LogLevel, category LogCategory, message string) error {
	return appendLog(ctx, s.db, level, category, message)
}

func appendLog(ctx context.Context, q querier, level LogLevel, category LogCategory, message string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO log_entries (created_at, level, category, message) VALUES ($1, $2, $3, $4)`,
		dbTime(time.Now()), level, category, message)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// ListLogs returns the newest entries first
func (s *Store) ListLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT id, created_at, level, category, message FROM log_entries WHERE 1 = 1`
	var args []any
	if q.Category != "" {
		args = append(args, q.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if !q.Since.IsZero() {
		args = append(args, dbTime(q.Since))
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Category, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
