package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
)

// CommandStore is the durable backend behind a Queue.
// Implemented by store.Store (SQLite) and postgres.Store.
//
// ClaimCommands must be atomic across concurrent callers: no id may be
// returned to two claims. Every other transition is guarded by the expected
// current state, and by the lease owner when owner is non-empty, and reports
// false instead of failing when the guard misses.
type CommandStore interface {
	InsertCommand(ctx context.Context, payload command.Payload, now time.Time) (int64, error)
	ClaimCommands(ctx context.Context, req command.ClaimRequest) ([]int64, error)
	GetCommand(ctx context.Context, id int64) (command.Command, error)
	RequeueCommands(ctx context.Context, ids []int64, owner string, now time.Time) (int64, error)
	CompleteCommand(ctx context.Context, id int64, owner string, log []string, now time.Time) (bool, error)
	FailCommand(ctx context.Context, id int64, owner string, log []string, errText string, now time.Time) (bool, error)
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
	ListCommands(ctx context.Context, filter command.ListFilter) ([]command.Command, error)
	CountByState(ctx context.Context) (map[command.State]int64, error)
}

// DefaultLeaseTTL is how long a claim holds a command before another claim
// may take it back.
const DefaultLeaseTTL = 10 * time.Minute

// Config tunes a Queue. Zero values take defaults.
type Config struct {
	// BatchSize is the default ClaimBatch limit (command.DefaultBatchSize).
	BatchSize int
	// LeaseTTL > 0 lets ClaimBatch reclaim Processing commands whose lease
	// expired. Zero keeps recovery manual (Requeue / RequeueStale only).
	LeaseTTL time.Duration
	// Retention is the default PurgeCompleted age (command.DefaultRetention).
	Retention time.Duration

	Clock  Clock
	Owners OwnerGenerator
	Logger *slog.Logger
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = command.DefaultBatchSize
	}
	if c.LeaseTTL < 0 {
		c.LeaseTTL = 0
	}
	if c.Retention <= 0 {
		c.Retention = command.DefaultRetention
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Owners == nil {
		c.Owners = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Queue is the provisioning command queue: the worker contract over a CommandStore.
//
// Thread-safety: Queue holds no mutable state of its own; concurrency safety
// comes from the store. Any number of goroutines or processes may share it.
type Queue struct {
	store     CommandStore
	resolvers *Resolvers
	cfg       Config
	logger    *slog.Logger
}

// New creates a Queue over store. resolvers may be nil, in which case every
// payload key passes through unresolved.
func New(store CommandStore, resolvers *Resolvers, cfg Config) *Queue {
	cfg = cfg.normalized()
	if resolvers == nil {
		resolvers = NewResolvers()
	}
	return &Queue{
		store:     store,
		resolvers: resolvers,
		cfg:       cfg,
		logger:    cfg.Logger.With("module", "provisioning.queue"),
	}
}

// BatchSize returns the default claim limit.
func (q *Queue) BatchSize() int {
	return q.cfg.BatchSize
}

// Now returns the queue clock's current time.
func (q *Queue) Now() time.Time {
	return q.cfg.Clock.Now()
}

// Validate checks a payload before it is enqueued.
//
// Registered role keys must hold positive ids; the reserved keys "log" and
// "error" are rejected since they are written on completion.
func (q *Queue) Validate(payload command.Payload) error {
	for _, key := range payload.SortedKeys() {
		if isReservedKey(key) {
			return fmt.Errorf("enqueue: %q is a reserved payload key", key)
		}
		if _, ok := q.resolvers.Lookup(key); !ok {
			continue
		}
		id, ok := payload.Int(key)
		if !ok || id <= 0 {
			return newInvalidReference(0, key, "reference role must hold a positive id")
		}
	}
	return nil
}

// Enqueue validates payload and inserts it as a Waiting command.
func (q *Queue) Enqueue(ctx context.Context, payload command.Payload) (int64, error) {
	if err := q.Validate(payload); err != nil {
		return 0, err
	}

	id, err := q.store.InsertCommand(ctx, payload, q.cfg.Clock.Now())
	if err != nil {
		return 0, err
	}
	q.logger.DebugContext(ctx, "command enqueued", "operation", "enqueue", "command_id", id)
	return id, nil
}

// ClaimBatch stamps up to limit Waiting commands Processing and returns their
// ids in ascending order. limit <= 0 uses the configured batch size.
// An empty queue yields an empty slice and no error.
//
// Reports on these ids through the Queue are guarded by state only. When
// LeaseTTL is set, use Claim so reports from a worker whose lease was
// reclaimed are dropped.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]int64, error) {
	lease, err := q.Claim(ctx, limit)
	if err != nil {
		return nil, err
	}
	return lease.IDs, nil
}

// Claim is ClaimBatch returning the Lease that holds the claimed ids.
func (q *Queue) Claim(ctx context.Context, limit int) (*Lease, error) {
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	owner := q.cfg.Owners.Generate()
	ids, err := q.store.ClaimCommands(ctx, command.ClaimRequest{
		Limit:    limit,
		Owner:    owner,
		Now:      q.cfg.Clock.Now(),
		LeaseTTL: q.cfg.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		q.logger.DebugContext(ctx, "batch claimed",
			"operation", "claim_batch",
			"owner", owner,
			"batch", len(ids),
		)
	}
	return &Lease{Owner: owner, IDs: ids, queue: q}, nil
}

// ResolveForExecution loads command id and resolves every registered role in
// its payload into a live entity. Other keys are copied into Data as-is.
//
// A missing command returns a COMMAND_NOT_FOUND QueueError; callers skip it
// and continue the batch. A missing referenced entity returns ENTITY_NOT_FOUND.
func (q *Queue) ResolveForExecution(ctx context.Context, id int64) (ExecutionContext, error) {
	cmd, err := q.store.GetCommand(ctx, id)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			return ExecutionContext{}, newCommandNotFound(id, err)
		}
		return ExecutionContext{}, err
	}

	ec := ExecutionContext{
		CommandID: cmd.ID,
		CreatedAt: cmd.CreatedAt,
		Entities:  make(map[string]directory.Entity),
		Data:      command.Payload{},
	}
	for _, key := range cmd.Payload.SortedKeys() {
		value := cmd.Payload[key]

		res, ok := q.resolvers.Lookup(key)
		if !ok {
			ec.Data[key] = value
			continue
		}

		entityID, ok := cmd.Payload.Int(key)
		if !ok || entityID <= 0 {
			return ExecutionContext{}, newInvalidReference(id, key, "reference role must hold a positive id")
		}
		entity, err := resolve(ctx, res, id, key, entityID)
		if err != nil {
			return ExecutionContext{}, err
		}
		ec.Entities[key] = entity
	}
	return ec, nil
}

// Requeue reverts every id currently Processing back to Waiting, whoever
// holds it. Other ids are ignored. Returns the number requeued.
func (q *Queue) Requeue(ctx context.Context, ids []int64) (int64, error) {
	return q.requeue(ctx, ids, "")
}

// MarkCompleted moves a Processing command to Completed with log merged into
// its payload. Returns false when the command was not Processing.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, log []string) (bool, error) {
	return q.store.CompleteCommand(ctx, id, "", log, q.cfg.Clock.Now())
}

// MarkFailed moves a Processing command to Failed with log and the cause's
// text merged into its payload. Returns false when the command was not Processing.
//
// An EXTERNAL_SYNC QueueError is stored as its underlying error's text, so the
// executor's message is kept verbatim.
func (q *Queue) MarkFailed(ctx context.Context, id int64, log []string, cause error) (bool, error) {
	return q.markFailed(ctx, id, "", log, cause)
}

func (q *Queue) requeue(ctx context.Context, ids []int64, owner string) (int64, error) {
	n, err := q.store.RequeueCommands(ctx, ids, owner, q.cfg.Clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "commands requeued", "operation", "requeue", "count", n)
	}
	return n, nil
}

func (q *Queue) markFailed(ctx context.Context, id int64, owner string, log []string, cause error) (bool, error) {
	errText := "unknown error"
	var qe *QueueError
	switch {
	case errors.As(cause, &qe) && qe.Code == ErrCodeExternalSync && qe.Err != nil:
		errText = qe.Err.Error()
	case cause != nil:
		errText = cause.Error()
	}
	return q.store.FailCommand(ctx, id, owner, log, errText, q.cfg.Clock.Now())
}

// PurgeCompleted deletes Completed commands last modified more than retention
// ago. retention <= 0 uses the configured retention. Failed, Waiting and
// Processing commands are never purged.
func (q *Queue) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = q.cfg.Retention
	}
	n, err := q.store.PurgeCompleted(ctx, q.cfg.Clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "completed commands purged",
			"operation", "purge_completed",
			"count", n,
			"retention", retention,
		)
	}
	return n, nil
}

// Stale lists Processing commands not modified for longer than olderThan.
func (q *Queue) Stale(ctx context.Context, olderThan time.Duration) ([]command.Command, error) {
	return q.store.ListCommands(ctx, command.ListFilter{
		State:          command.StateProcessing,
		ModifiedBefore: q.cfg.Clock.Now().Add(-olderThan),
	})
}

// RequeueStale requeues every command Stale would list and returns their ids.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) ([]int64, error) {
	stale, err := q.Stale(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(stale))
	for i, cmd := range stale {
		ids[i] = cmd.ID
	}
	if len(ids) == 0 {
		return ids, nil
	}
	if _, err := q.Requeue(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// List returns commands in state (any state when empty), oldest first.
func (q *Queue) List(ctx context.Context, state command.State, limit int) ([]command.Command, error) {
	if state != "" && !state.Valid() {
		return nil, fmt.Errorf("list: invalid state %q", state)
	}
	return q.store.ListCommands(ctx, command.ListFilter{State: state, Limit: limit})
}

// Get returns one command.
func (q *Queue) Get(ctx context.Context, id int64) (command.Command, error) {
	return q.store.GetCommand(ctx, id)
}

// Counts returns the number of commands in each state.
func (q *Queue) Counts(ctx context.Context) (map[command.State]int64, error) {
	return q.store.CountByState(ctx)
}

func isReservedKey(key string) bool {
	return key == command.KeyLog || key == command.KeyError
}

func sortedRoles(entities map[string]directory.Entity) []string {
	roles := make([]string, 0, len(entities))
	for role := range entities {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}
