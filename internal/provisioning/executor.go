package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
)

// ExecutionContext is a command with its references resolved into live entities.
type ExecutionContext struct {
	CommandID int64                       `json:"command_id"`
	CreatedAt time.Time                   `json:"created_at"`
	Entities  map[string]directory.Entity `json:"entities"`
	// Data holds payload keys that are not reference roles, unresolved.
	Data command.Payload `json:"data"`
}

// Entity returns the entity resolved for role.
func (c ExecutionContext) Entity(role string) (directory.Entity, bool) {
	e, ok := c.Entities[role]
	return e, ok
}

// Teacher returns the teacher resolved for role.
func (c ExecutionContext) Teacher(role string) (directory.Teacher, bool) {
	t, ok := c.Entities[role].(directory.Teacher)
	return t, ok
}

// Class returns the class resolved for role.
func (c ExecutionContext) Class(role string) (directory.Class, bool) {
	cl, ok := c.Entities[role].(directory.Class)
	return cl, ok
}

// Subject returns the subject resolved for role.
func (c ExecutionContext) Subject(role string) (directory.Subject, bool) {
	s, ok := c.Entities[role].(directory.Subject)
	return s, ok
}

// Executor performs the external directory sync for one command.
// The returned log is stored on the command whether or not err is nil.
// A non-nil err is recorded verbatim and never retried by the worker.
type Executor interface {
	Execute(ctx context.Context, ec ExecutionContext) (log []string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ec ExecutionContext) ([]string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, ec ExecutionContext) ([]string, error) {
	return f(ctx, ec)
}

// DryRunExecutor logs what would be synced and reports success.
type DryRunExecutor struct {
	Logger *slog.Logger
}

// Execute logs ec and returns one log line per resolved role.
func (d DryRunExecutor) Execute(ctx context.Context, ec ExecutionContext) ([]string, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	log := make([]string, 0, len(ec.Entities))
	for _, role := range sortedRoles(ec.Entities) {
		e := ec.Entities[role]
		log = append(log, fmt.Sprintf("dry-run: %s -> %s %d", role, e.Kind(), e.EntityID()))
	}
	logger.InfoContext(ctx, "dry-run execute",
		"module", "provisioning.executor",
		"operation", "execute",
		"command_id", ec.CommandID,
		"roles", len(ec.Entities),
		"data_keys", len(ec.Data),
	)
	return log, nil
}
