// Package directory holds the read-only view of domain entities that
// provisioning commands reference: teachers, classes and subjects.
//
// The primary domain database owns these records; the provisioning queue only
// loads them by id when a command is resolved for execution.
package directory

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Kind names an entity family.
type Kind string

const (
	KindTeacher Kind = "teacher"
	KindClass   Kind = "class"
	KindSubject Kind = "subject"
)

// Entity is a live domain record handed to the directory-sync client.
type Entity interface {
	Kind() Kind
	EntityID() int64
}

// Loader resolves an entity id of a given kind.
// Implementations return an error wrapping ErrNotFound for missing ids.
type Loader interface {
	LoadEntity(ctx context.Context, kind Kind, id int64) (Entity, error)
}

// Teacher is a staff account that is mirrored into the directory.
type Teacher struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (t Teacher) Kind() Kind      { return KindTeacher }
func (t Teacher) EntityID() int64 { return t.ID }

// Class is a school class; directory groups are derived from it.
type Class struct {
	ID      int64  `json:"id"`
	Year    int    `json:"year"`
	Section string `json:"section"`
	Course  string `json:"course"`
}

func (c Class) Kind() Kind      { return KindClass }
func (c Class) EntityID() int64 { return c.ID }

// Name returns the conventional class label, e.g. "3B".
func (c Class) Name() string {
	return fmt.Sprintf("%d%s", c.Year, c.Section)
}

// Subject is a taught subject.
type Subject struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
}

func (s Subject) Kind() Kind      { return KindSubject }
func (s Subject) EntityID() int64 { return s.ID }
