package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
)

type commandModel struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	State          string     `gorm:"column:state"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	ModifiedAt     time.Time  `gorm:"column:modified_at"`
	LeaseOwner     string     `gorm:"column:lease_owner"`
	LeaseExpiresAt *time.Time `gorm:"column:lease_expires_at"`
}

func (commandModel) TableName() string { return "provisioning_commands" }

func (m commandModel) toCommand() (command.Command, error) {
	state, err := command.ParseState(m.State)
	if err != nil {
		return command.Command{}, fmt.Errorf("command %d: %w", m.ID, err)
	}
	payload, err := unmarshalPayload(m.Payload)
	if err != nil {
		return command.Command{}, fmt.Errorf("command %d: %w", m.ID, err)
	}

	cmd := command.Command{
		ID:         m.ID,
		State:      state,
		Payload:    payload,
		CreatedAt:  m.CreatedAt.UTC(),
		ModifiedAt: m.ModifiedAt.UTC(),
		LeaseOwner: m.LeaseOwner,
	}
	if m.LeaseExpiresAt != nil {
		t := m.LeaseExpiresAt.UTC()
		cmd.LeaseExpiresAt = &t
	}
	return cmd, nil
}

type teacherModel struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Username  string `gorm:"column:username"`
	FirstName string `gorm:"column:first_name"`
	LastName  string `gorm:"column:last_name"`
	Email     string `gorm:"column:email"`
}

func (teacherModel) TableName() string { return "teachers" }

func (m teacherModel) toEntity() directory.Teacher {
	return directory.Teacher{ID: m.ID, Username: m.Username, FirstName: m.FirstName, LastName: m.LastName, Email: m.Email}
}

type classModel struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Year    int    `gorm:"column:year"`
	Section string `gorm:"column:section"`
	Course  string `gorm:"column:course"`
}

func (classModel) TableName() string { return "classes" }

func (m classModel) toEntity() directory.Class {
	return directory.Class{ID: m.ID, Year: m.Year, Section: m.Section, Course: m.Course}
}

type subjectModel struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Name      string `gorm:"column:name"`
	ShortName string `gorm:"column:short_name"`
}

func (subjectModel) TableName() string { return "subjects" }

func (m subjectModel) toEntity() directory.Subject {
	return directory.Subject{ID: m.ID, Name: m.Name, ShortName: m.ShortName}
}

func marshalPayload(p command.Payload) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := command.MarshalCanonical(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string) (command.Payload, error) {
	if data == "" || data == "{}" {
		return command.Payload{}, nil
	}
	var p command.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}
