package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
)

// vanishingStore reports selected commands as missing on read.
type vanishingStore struct {
	CommandStore
	gone map[int64]bool
}

func (s vanishingStore) GetCommand(ctx context.Context, id int64) (command.Command, error) {
	if s.gone[id] {
		return command.Command{}, fmt.Errorf("get command %d: %w", id, command.ErrNotFound)
	}
	return s.CommandStore.GetCommand(ctx, id)
}

func newTestWorker(env *testEnv, exec Executor) *Worker {
	return NewWorker(env.queue, exec, WorkerConfig{
		PollInterval:  10 * time.Millisecond,
		PurgeInterval: -1,
		Logger:        env.queue.cfg.Logger,
	})
}

func TestWorker_RunOnceCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})

	a := env.enqueue(t, command.Payload{"docente": command.Int(12), "classe": command.Int(5)})
	b := env.enqueue(t, command.Payload{"materia": command.Int(3)})

	var seen []int64
	w := newTestWorker(env, ExecutorFunc(func(_ context.Context, ec ExecutionContext) ([]string, error) {
		seen = append(seen, ec.CommandID)
		return []string{fmt.Sprintf("synced %d roles", len(ec.Entities))}, nil
	}))

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 2, Completed: 2}, report)
	assert.Equal(t, []int64{a, b}, seen)

	assert.Equal(t, []string{"synced 2 roles"}, env.get(t, a).Log())
	assert.Equal(t, []string{"synced 1 roles"}, env.get(t, b).Log())
	assert.Equal(t, command.StateCompleted, env.get(t, b).State)
}

func TestWorker_RunOnceEmptyQueue(t *testing.T) {
	env := newTestEnv(t, Config{})
	w := newTestWorker(env, DryRunExecutor{})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report)
}

func TestWorker_ExecutorErrorStoredVerbatim(t *testing.T) {
	env := newTestEnv(t, Config{})

	id := env.enqueue(t, teacherPayload(12))
	w := newTestWorker(env, ExecutorFunc(func(context.Context, ExecutionContext) ([]string, error) {
		return []string{"user m.rossi created"}, errors.New("group 3B: insufficient access rights")
	}))

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 1, Failed: 1}, report)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateFailed, cmd.State)
	assert.Equal(t, "group 3B: insufficient access rights", cmd.ErrorText())
	assert.Equal(t, []string{"user m.rossi created"}, cmd.Log())
}

func TestWorker_MissingEntityFailsCommand(t *testing.T) {
	env := newTestEnv(t, Config{})

	bad := env.enqueue(t, teacherPayload(99))
	good := env.enqueue(t, teacherPayload(12))

	var calls atomic.Int32
	w := newTestWorker(env, ExecutorFunc(func(context.Context, ExecutionContext) ([]string, error) {
		calls.Add(1)
		return nil, nil
	}))

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 2, Completed: 1, Failed: 1}, report)
	assert.Equal(t, int32(1), calls.Load())

	failed := env.get(t, bad)
	assert.Equal(t, command.StateFailed, failed.State)
	assert.Contains(t, failed.ErrorText(), "ENTITY_NOT_FOUND")
	assert.Equal(t, command.StateCompleted, env.get(t, good).State)
}

func TestWorker_VanishedCommandSkipped(t *testing.T) {
	env := newTestEnv(t, Config{})

	gone := env.enqueue(t, teacherPayload(12))
	kept := env.enqueue(t, teacherPayload(12))

	q := New(vanishingStore{CommandStore: env.store, gone: map[int64]bool{gone: true}},
		DefaultResolvers(env.store), Config{Clock: env.clock})
	w := NewWorker(q, DryRunExecutor{}, WorkerConfig{PurgeInterval: -1})

	report, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 2, Completed: 1, Skipped: 1}, report)
	assert.Equal(t, command.StateCompleted, env.get(t, kept).State)
}

func TestWorker_CancelRequeuesRemainder(t *testing.T) {
	env := newTestEnv(t, Config{})

	ids := []int64{
		env.enqueue(t, teacherPayload(12)),
		env.enqueue(t, teacherPayload(12)),
		env.enqueue(t, teacherPayload(12)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newTestWorker(env, ExecutorFunc(func(ctx context.Context, ec ExecutionContext) ([]string, error) {
		if ec.CommandID == ids[0] {
			return []string{"done"}, nil
		}
		cancel()
		return nil, ctx.Err()
	}))

	report, err := w.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BatchReport{Claimed: 3, Completed: 1, Requeued: 2}, report)

	assert.Equal(t, command.StateCompleted, env.get(t, ids[0]).State)
	for _, id := range ids[1:] {
		cmd := env.get(t, id)
		assert.Equal(t, command.StateWaiting, cmd.State)
		assert.Empty(t, cmd.ErrorText(), "interrupted commands are not failed")
	}
}

func TestWorker_LateReportDropped(t *testing.T) {
	env := newTestEnv(t, Config{LeaseTTL: 10 * time.Minute, Owners: UUIDv7Generator{}})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	w := newTestWorker(env, ExecutorFunc(func(ctx context.Context, ec ExecutionContext) ([]string, error) {
		// The executor stalls past the lease; another worker takes over and fails it.
		env.clock.Advance(11 * time.Minute)
		other, err := env.queue.Claim(ctx, 0)
		if err != nil || len(other.IDs) != 1 {
			return nil, fmt.Errorf("reclaim: %v %v", other, err)
		}
		if _, err := other.MarkFailed(ctx, ec.CommandID, nil, errors.New("B real failure")); err != nil {
			return nil, err
		}
		return []string{"A late success"}, nil
	}))

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchReport{Claimed: 1, LeaseLost: 1}, report)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateFailed, cmd.State)
	assert.Equal(t, "B real failure", cmd.ErrorText())
	assert.Contains(t, env.logs.String(), "lease lost")
}

func TestWorker_RunDrainsAndPurges(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	old := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, old, nil)
	require.NoError(t, err)
	env.clock.Advance(25 * time.Hour)

	for i := 0; i < 45; i++ {
		env.enqueue(t, teacherPayload(12))
	}

	var executed atomic.Int32
	w := NewWorker(env.queue, ExecutorFunc(func(context.Context, ExecutionContext) ([]string, error) {
		executed.Add(1)
		return nil, nil
	}), WorkerConfig{PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool { return executed.Load() == 45 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	_, err = env.store.GetCommand(ctx, old)
	assert.ErrorIs(t, err, command.ErrNotFound, "first loop purges expired completed commands")

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(45), counts[command.StateCompleted])
	assert.Zero(t, counts[command.StateWaiting])
	assert.Zero(t, counts[command.StateProcessing])
}

func TestDryRunExecutor(t *testing.T) {
	env := newTestEnv(t, Config{})

	log, err := DryRunExecutor{Logger: env.queue.cfg.Logger}.Execute(context.Background(), ExecutionContext{
		CommandID: 9,
		Entities: map[string]directory.Entity{
			"docente": directory.Teacher{ID: 12},
			"classe":  directory.Class{ID: 5, Year: 3, Section: "B"},
		},
		Data: command.Payload{"motivo": command.String("nomina")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"dry-run: classe -> class 5",
		"dry-run: docente -> teacher 12",
	}, log)
	assert.Contains(t, env.logs.String(), "dry-run execute")
	assert.Contains(t, env.logs.String(), "command_id=9")
}
