package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

// InsertAttendanceIfAbsent stores an attendance event keyed on (badge number, timestamp).
// It reports false without error when the event was already recorded.
func (s *Store) InsertAttendanceIfAbsent(ctx context.Context, ev model.AttendanceEvent) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO attendance_events (badge_number, recorded_at, device, direction, type_code)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(badge_number, recorded_at) DO NOTHING;`,
		ev.BadgeNumber,
		ev.RecordedAt,
		ev.Device,
		string(ev.Direction),
		ev.TypeCode,
	)
	if err != nil {
		return false, fmt.Errorf("insert attendance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert attendance: %w", err)
	}
	return n > 0, nil
}

// ListAttendance returns attendance events joined with the person their badge resolves to,
// newest first. Bounds in the filter are compared against the canonical timestamp text.
func (s *Store) ListAttendance(ctx context.Context, f model.AttendanceFilter) ([]model.AttendanceRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT a.id, a.recorded_at, a.direction, a.device, p.name, p.surname, p.national_id
		FROM attendance_events a
		LEFT JOIN people p ON a.badge_number = p.badge_number
		WHERE 1=1`)
	if f.From != "" {
		query.WriteString(` AND a.recorded_at >= ?`)
		args = append(args, f.From)
	}
	if f.To != "" {
		query.WriteString(` AND a.recorded_at <= ?`)
		args = append(args, f.To)
	}
	if f.NationalID != "" {
		query.WriteString(` AND p.national_id = ?`)
		args = append(args, f.NationalID)
	}
	query.WriteString(` ORDER BY a.recorded_at DESC, a.id DESC;`)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	records := []model.AttendanceRecord{}
	for rows.Next() {
		var (
			r                         model.AttendanceRecord
			direction                 string
			name, surname, nationalID sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RecordedAt, &direction, &r.Device, &name, &surname, &nationalID); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		r.Direction = model.Direction(direction)
		r.Status = model.StatusUnregistered
		if nationalID.Valid {
			r.Name = &name.String
			r.Surname = &surname.String
			r.NationalID = &nationalID.String
			r.Status = model.StatusValidated
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}

	return records, nil
}

// UnmatchedAttendance returns attendance events whose badge number resolves to no person.
func (s *Store) UnmatchedAttendance(ctx context.Context) ([]model.AttendanceEvent, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT a.id, a.badge_number, a.recorded_at, a.device, a.direction, a.type_code, a.created_at
		 FROM attendance_events a
		 LEFT JOIN people p ON a.badge_number = p.badge_number
		 WHERE p.id IS NULL
		 ORDER BY a.recorded_at DESC, a.id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query unmatched attendance: %w", err)
	}
	defer rows.Close()

	events := []model.AttendanceEvent{}
	for rows.Next() {
		var (
			ev        model.AttendanceEvent
			direction string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.BadgeNumber, &ev.RecordedAt, &ev.Device, &direction, &ev.TypeCode, &createdAt); err != nil {
			return nil, fmt.Errorf("scan unmatched attendance: %w", err)
		}
		ev.Direction = model.Direction(direction)
		ev.CreatedAt = parseTimestamp(createdAt)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unmatched attendance: %w", err)
	}

	return events, nil
}

// CountAttendance returns the number of stored attendance events.
func (s *Store) CountAttendance(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_events;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attendance: %w", err)
	}
	return n, nil
}
