package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fragotesac/frazkteco-devices/internal/model"
)

const personColumns = `id, uid, national_id, name, surname, badge_number, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (model.Person, error) {
	var (
		p         model.Person
		uid       sql.NullInt64
		badge     sql.NullString
		createdAt string
	)
	if err := row.Scan(&p.ID, &uid, &p.NationalID, &p.Name, &p.Surname, &badge, &createdAt); err != nil {
		return model.Person{}, err
	}
	if uid.Valid {
		v := int(uid.Int64)
		p.UID = &v
	}
	p.BadgeNumber = badge.String
	p.CreatedAt = parseTimestamp(createdAt)
	return p, nil
}

// InsertPersonIfAbsent stores a person discovered on the terminal unless one with the same
// national identifier already exists. Existing rows are never modified. A device uid that is
// out of range or already held by another person is dropped rather than failing the insert.
func (s *Store) InsertPersonIfAbsent(ctx context.Context, p model.Person) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}

	uid := 0
	if p.UID != nil {
		uid = *p.UID
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO people (uid, national_id, name, surname, badge_number)
		 VALUES (
			CASE WHEN ?1 BETWEEN 1 AND 65535 AND NOT EXISTS (SELECT 1 FROM people WHERE uid = ?1) THEN ?1 END,
			?2, ?3, ?4, ?5)
		 ON CONFLICT(national_id) DO NOTHING;`,
		uid,
		p.NationalID,
		p.Name,
		p.Surname,
		p.BadgeNumber,
	)
	if err != nil {
		return false, fmt.Errorf("insert person if absent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert person if absent: %w", err)
	}
	return n > 0, nil
}

// InsertPerson stores a new person and returns its row id.
func (s *Store) InsertPerson(ctx context.Context, p model.Person) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var uid sql.NullInt64
	if p.UID != nil {
		uid = sql.NullInt64{Int64: int64(*p.UID), Valid: true}
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO people (uid, national_id, name, surname, badge_number) VALUES (?, ?, ?, ?, ?);`,
		uid,
		p.NationalID,
		p.Name,
		p.Surname,
		p.BadgeNumber,
	)
	if err != nil {
		return 0, fmt.Errorf("insert person: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert person: %w", err)
	}
	return id, nil
}

// UpdatePersonDetails overwrites the editable fields of the person with the given national identifier.
func (s *Store) UpdatePersonDetails(ctx context.Context, nationalID, name, surname, badge string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE people SET name = ?, surname = ?, badge_number = ? WHERE national_id = ?;`,
		name,
		surname,
		badge,
		nationalID,
	)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update person %q: %w", nationalID, ErrNotFound)
	}
	return nil
}

// SetPersonUID assigns a device identifier to a person that has none.
func (s *Store) SetPersonUID(ctx context.Context, personID int64, uid int) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE people SET uid = ? WHERE id = ? AND uid IS NULL;`, uid, personID)
	if err != nil {
		return fmt.Errorf("set person uid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set person uid %d: %w", personID, ErrNotFound)
	}
	return nil
}

// PersonByNationalID looks a person up by national identifier.
func (s *Store) PersonByNationalID(ctx context.Context, nationalID string) (model.Person, error) {
	if s.db == nil {
		return model.Person{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM people WHERE national_id = ?;`, nationalID)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Person{}, fmt.Errorf("person %q: %w", nationalID, ErrNotFound)
	}
	if err != nil {
		return model.Person{}, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// ListPeople returns every person, newest first.
func (s *Store) ListPeople(ctx context.Context) ([]model.Person, error) {
	return s.queryPeople(ctx, `SELECT `+personColumns+` FROM people ORDER BY created_at DESC, id DESC;`)
}

// PeopleWithUID returns every person that holds a device identifier, in uid order.
func (s *Store) PeopleWithUID(ctx context.Context) ([]model.Person, error) {
	return s.queryPeople(ctx, `SELECT `+personColumns+` FROM people WHERE uid IS NOT NULL ORDER BY uid ASC;`)
}

// CountPeople returns the number of stored people.
func (s *Store) CountPeople(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM people;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count people: %w", err)
	}
	return n, nil
}

func (s *Store) queryPeople(ctx context.Context, query string, args ...any) ([]model.Person, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query people: %w", err)
	}
	defer rows.Close()

	people := []model.Person{}
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		people = append(people, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}

	return people, nil
}

// UpsertTemplate stores the template for a person's finger slot, replacing any previous capture in place.
func (s *Store) UpsertTemplate(ctx context.Context, personID int64, finger int, template []byte) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO fingerprint_templates (person_id, finger, template, registered_at)
		 VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(person_id, finger)
		 DO UPDATE SET template = excluded.template,
				 registered_at = excluded.registered_at;`,
		personID,
		finger,
		template,
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// Template returns the stored template for a person's finger slot.
func (s *Store) Template(ctx context.Context, personID int64, finger int) (model.FingerprintTemplate, error) {
	if s.db == nil {
		return model.FingerprintTemplate{}, fmt.Errorf("store not initialized")
	}

	var (
		t            model.FingerprintTemplate
		registeredAt string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, person_id, finger, template, registered_at FROM fingerprint_templates WHERE person_id = ? AND finger = ?;`,
		personID,
		finger,
	).Scan(&t.ID, &t.PersonID, &t.Finger, &t.Template, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FingerprintTemplate{}, fmt.Errorf("template for person %d finger %d: %w", personID, finger, ErrNotFound)
	}
	if err != nil {
		return model.FingerprintTemplate{}, fmt.Errorf("get template: %w", err)
	}
	t.RegisteredAt = parseTimestamp(registeredAt)
	return t, nil
}

// CountTemplates returns the number of stored templates.
func (s *Store) CountTemplates(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprint_templates;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}
