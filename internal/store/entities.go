package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/provsync/internal/directory"
)

// UpsertTeacher inserts or replaces a teacher projection.
func (s *Store) UpsertTeacher(ctx context.Context, t directory.Teacher) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teachers (id, username, first_name, last_name, email)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email
	`, t.ID, t.Username, t.FirstName, t.LastName, t.Email)
	if err != nil {
		return fmt.Errorf("upsert teacher %d: %w", t.ID, err)
	}
	return nil
}

// UpsertClass inserts or replaces a class projection.
func (s *Store) UpsertClass(ctx context.Context, c directory.Class) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classes (id, year, section, course)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			year = excluded.year,
			section = excluded.section,
			course = excluded.course
	`, c.ID, c.Year, c.Section, c.Course)
	if err != nil {
		return fmt.Errorf("upsert class %d: %w", c.ID, err)
	}
	return nil
}

// UpsertSubject inserts or replaces a subject projection.
func (s *Store) UpsertSubject(ctx context.Context, sub directory.Subject) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, name, short_name)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			short_name = excluded.short_name
	`, sub.ID, sub.Name, sub.ShortName)
	if err != nil {
		return fmt.Errorf("upsert subject %d: %w", sub.ID, err)
	}
	return nil
}

// LoadEntity implements directory.Loader.
// Missing ids return an error wrapping directory.ErrNotFound.
func (s *Store) LoadEntity(ctx context.Context, kind directory.Kind, id int64) (directory.Entity, error) {
	var (
		entity directory.Entity
		err    error
	)
	switch kind {
	case directory.KindTeacher:
		var t directory.Teacher
		err = s.db.QueryRowContext(ctx, `
			SELECT id, username, first_name, last_name, email FROM teachers WHERE id = ?
		`, id).Scan(&t.ID, &t.Username, &t.FirstName, &t.LastName, &t.Email)
		entity = t
	case directory.KindClass:
		var c directory.Class
		err = s.db.QueryRowContext(ctx, `
			SELECT id, year, section, course FROM classes WHERE id = ?
		`, id).Scan(&c.ID, &c.Year, &c.Section, &c.Course)
		entity = c
	case directory.KindSubject:
		var sub directory.Subject
		err = s.db.QueryRowContext(ctx, `
			SELECT id, name, short_name FROM subjects WHERE id = ?
		`, id).Scan(&sub.ID, &sub.Name, &sub.ShortName)
		entity = sub
	default:
		return nil, fmt.Errorf("load entity: unknown kind %q", kind)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s %d: %w", kind, id, directory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", kind, id, err)
	}
	return entity, nil
}
