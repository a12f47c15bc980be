package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/roach88/provsync/internal/directory"
)

// UpsertTeacher inserts or replaces a teacher projection.
func (s *Store) UpsertTeacher(ctx context.Context, t directory.Teacher) error {
	rec := teacherModel{ID: t.ID, Username: t.Username, FirstName: t.FirstName, LastName: t.LastName, Email: t.Email}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("upsert teacher %d: %w", t.ID, err)
	}
	return nil
}

// UpsertClass inserts or replaces a class projection.
func (s *Store) UpsertClass(ctx context.Context, c directory.Class) error {
	rec := classModel{ID: c.ID, Year: c.Year, Section: c.Section, Course: c.Course}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("upsert class %d: %w", c.ID, err)
	}
	return nil
}

// UpsertSubject inserts or replaces a subject projection.
func (s *Store) UpsertSubject(ctx context.Context, sub directory.Subject) error {
	rec := subjectModel{ID: sub.ID, Name: sub.Name, ShortName: sub.ShortName}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("upsert subject %d: %w", sub.ID, err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, rec any) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// LoadEntity implements directory.Loader.
func (s *Store) LoadEntity(ctx context.Context, kind directory.Kind, id int64) (directory.Entity, error) {
	db := s.db.WithContext(ctx)

	var (
		entity directory.Entity
		err    error
	)
	switch kind {
	case directory.KindTeacher:
		var rec teacherModel
		err = db.Where("id = ?", id).First(&rec).Error
		entity = rec.toEntity()
	case directory.KindClass:
		var rec classModel
		err = db.Where("id = ?", id).First(&rec).Error
		entity = rec.toEntity()
	case directory.KindSubject:
		var rec subjectModel
		err = db.Where("id = ?", id).First(&rec).Error
		entity = rec.toEntity()
	default:
		return nil, fmt.Errorf("load entity: unknown kind %q", kind)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load %s %d: %w", kind, id, directory.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", kind, id, err)
	}
	return entity, nil
}
