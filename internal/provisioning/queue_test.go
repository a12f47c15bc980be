package provisioning

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/testutil"
)

func TestEnqueue_Waiting(t *testing.T) {
	env := newTestEnv(t, Config{})

	id := env.enqueue(t, command.Payload{"docente": command.Int(12), "classe": command.Int(5)})

	cmd := env.get(t, id)
	assert.Equal(t, command.StateWaiting, cmd.State)
	assert.Equal(t, testutil.Epoch, cmd.CreatedAt)
	assert.Equal(t, testutil.Epoch, cmd.ModifiedAt)
}

func TestEnqueue_RejectsBadPayloads(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		payload command.Payload
	}{
		{"reserved log key", command.Payload{"log": command.Strings{"x"}}},
		{"reserved error key", command.Payload{"error": command.String("x")}},
		{"role holds string", command.Payload{"docente": command.String("mario")}},
		{"role holds zero", command.Payload{"classe": command.Int(0)}},
		{"role holds negative", command.Payload{"materia": command.Int(-3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.queue.Enqueue(ctx, tt.payload)
			assert.Error(t, err)
		})
	}

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[command.StateWaiting], "rejected payloads must not be stored")
}

func TestEnqueue_LiteralKeysPassThrough(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.queue.Enqueue(context.Background(), command.Payload{
		"docente": command.Int(12),
		"motivo":  command.String("trasferimento"),
	})
	assert.NoError(t, err)
}

func TestClaimBatch_BoundedAndStamped(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	var enqueued []int64
	for i := 0; i < 25; i++ {
		enqueued = append(enqueued, env.enqueue(t, teacherPayload(12)))
	}
	claimAt := env.clock.Advance(time.Minute)

	ids, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ids, command.DefaultBatchSize)
	assert.Equal(t, enqueued[:20], ids, "claims come back in id order")

	for _, id := range ids {
		cmd := env.get(t, id)
		assert.Equal(t, command.StateProcessing, cmd.State)
		assert.Equal(t, claimAt, cmd.ModifiedAt)
		assert.Equal(t, "test-owner", cmd.LeaseOwner)
	}

	rest, err := env.queue.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, enqueued[20:], rest)

	none, err := env.queue.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestClaimBatch_OnlyWaiting(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	done := env.enqueue(t, teacherPayload(12))
	failed := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, done, nil)
	require.NoError(t, err)
	_, err = env.queue.MarkFailed(ctx, failed, nil, errors.New("boom"))
	require.NoError(t, err)
	waiting := env.enqueue(t, teacherPayload(12))

	ids, err := env.queue.ClaimBatch(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{waiting}, ids)
}

func TestClaimBatch_LeaseReclaim(t *testing.T) {
	env := newTestEnv(t, Config{LeaseTTL: 10 * time.Minute})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	first, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, first)

	env.clock.Advance(9 * time.Minute)
	early, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, early, "live lease must not be reclaimed")

	env.clock.Advance(time.Minute)
	late, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, late, "expired lease is reclaimed")
}

func TestClaimBatch_NoLeaseMeansManualRecovery(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	env.clock.Advance(72 * time.Hour)
	ids, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClaimBatch_ConcurrentClaimsDisjoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	seed, err := store.Open(path)
	require.NoError(t, err)
	defer seed.Close()

	clock := testutil.NewClock(testutil.Epoch)
	seedQueue := New(seed, nil, Config{Clock: clock})
	for i := 0; i < 25; i++ {
		_, err := seedQueue.Enqueue(context.Background(), teacherPayload(12))
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[int64]int)
	)
	for w := 0; w < 2; w++ {
		s, err := store.Open(path)
		require.NoError(t, err)
		defer s.Close()
		q := New(s, nil, Config{Clock: clock})

		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := q.ClaimBatch(context.Background(), 20)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(ids), 20)

			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				claimed[id]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 25)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "command %d claimed %d times", id, n)
	}
}

func TestResolveForExecution_ResolvesRoles(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, command.Payload{
		"docente":      command.Int(12),
		"docente_prec": command.Int(13),
		"classe":       command.Int(5),
		"materia":      command.Int(3),
		"motivo":       command.String("supplenza"),
		"ore":          command.Int(4),
	})

	ec, err := env.queue.ResolveForExecution(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, ec.CommandID)
	teacher, ok := ec.Teacher("docente")
	require.True(t, ok)
	assert.Equal(t, "m.rossi", teacher.Username)
	prev, ok := ec.Teacher("docente_prec")
	require.True(t, ok)
	assert.Equal(t, int64(13), prev.ID)
	class, ok := ec.Class("classe")
	require.True(t, ok)
	assert.Equal(t, "3B", class.Name())
	subject, ok := ec.Subject("materia")
	require.True(t, ok)
	assert.Equal(t, "MAT", subject.ShortName)

	assert.Equal(t, command.Payload{
		"motivo": command.String("supplenza"),
		"ore":    command.Int(4),
	}, ec.Data)
}

func TestResolveForExecution_ClassMoveRoles(t *testing.T) {
	env := newTestEnv(t, Config{})

	id := env.enqueue(t, command.Payload{
		"classe_origine":      command.Int(5),
		"classe_destinazione": command.Int(6),
		"classe_prec":         command.Int(5),
	})

	ec, err := env.queue.ResolveForExecution(context.Background(), id)
	require.NoError(t, err)
	for role, want := range map[string]int64{"classe_origine": 5, "classe_destinazione": 6, "classe_prec": 5} {
		e, ok := ec.Entity(role)
		require.True(t, ok, role)
		assert.Equal(t, directory.KindClass, e.Kind())
		assert.Equal(t, want, e.EntityID())
	}
	assert.Empty(t, ec.Data)
}

func TestResolveForExecution_CommandNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.queue.ResolveForExecution(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, IsCommandNotFound(err))
	assert.True(t, errors.Is(err, command.ErrNotFound))
}

func TestResolveForExecution_EntityNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	id := env.enqueue(t, command.Payload{"docente": command.Int(99)})

	_, err := env.queue.ResolveForExecution(context.Background(), id)
	require.Error(t, err)
	assert.True(t, IsEntityNotFound(err))
	assert.True(t, errors.Is(err, directory.ErrNotFound))

	var qe *QueueError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "docente", qe.Role)
	assert.Equal(t, id, qe.CommandID)
}

func TestResolveForExecution_CustomResolver(t *testing.T) {
	env := newTestEnv(t, Config{})

	resolvers := NewResolvers()
	require.NoError(t, resolvers.Register("tutor", ResolverFunc(func(ctx context.Context, id int64) (directory.Entity, error) {
		return directory.Teacher{ID: id, Username: "tutor"}, nil
	})))
	q := New(env.store, resolvers, Config{Clock: env.clock})

	id, err := q.Enqueue(context.Background(), command.Payload{"tutor": command.Int(8), "docente": command.Int(12)})
	require.NoError(t, err)

	ec, err := q.ResolveForExecution(context.Background(), id)
	require.NoError(t, err)
	tutor, ok := ec.Teacher("tutor")
	require.True(t, ok)
	assert.Equal(t, int64(8), tutor.ID)
	assert.Equal(t, command.Int(12), ec.Data["docente"], "unregistered role passes through")
}

func TestRequeue_RoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	requeueAt := env.clock.Advance(time.Minute)
	n, err := env.queue.Requeue(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateWaiting, cmd.State)
	assert.Equal(t, requeueAt, cmd.ModifiedAt)

	ids, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)
}

func TestRequeue_IgnoresOtherStates(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	done := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, done, []string{"ok"})
	require.NoError(t, err)
	waiting := env.enqueue(t, teacherPayload(12))

	n, err := env.queue.Requeue(ctx, []int64{done, waiting, 404})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, command.StateCompleted, env.get(t, done).State)
	assert.Equal(t, command.StateWaiting, env.get(t, waiting).State)
}

func TestMarkCompleted_Idempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	doneAt := env.clock.Advance(time.Second)
	ok, err := env.queue.MarkCompleted(ctx, id, []string{"first"})
	require.NoError(t, err)
	assert.True(t, ok)

	env.clock.Advance(time.Second)
	ok, err = env.queue.MarkCompleted(ctx, id, []string{"second"})
	require.NoError(t, err)
	assert.False(t, ok)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateCompleted, cmd.State)
	assert.Equal(t, []string{"first"}, cmd.Log())
	assert.Equal(t, doneAt, cmd.ModifiedAt)
}

func TestMarkFailed_RecordsError(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	ok, err := env.queue.MarkFailed(ctx, id, []string{"user created"}, errors.New("group not found: 3B"))
	require.NoError(t, err)
	assert.True(t, ok)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateFailed, cmd.State)
	assert.Equal(t, []string{"user created"}, cmd.Log())
	assert.Equal(t, "group not found: 3B", cmd.ErrorText())

	ok, err = env.queue.MarkCompleted(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, ok, "failed is terminal")
}

func TestMarkFailed_ExternalSyncVerbatim(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	_, err = env.queue.MarkFailed(ctx, id, nil, newExternalSync(id, errors.New("LDAP: invalid credentials")))
	require.NoError(t, err)
	assert.Equal(t, "LDAP: invalid credentials", env.get(t, id).ErrorText())

	// Decomposed accents are stored byte-for-byte.
	decomposed := env.enqueue(t, teacherPayload(12))
	_, err = env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	text := "utente Jose\u0301 non trovato"
	_, err = env.queue.MarkFailed(ctx, decomposed, []string{"cerco Jose\u0301"}, newExternalSync(decomposed, errors.New(text)))
	require.NoError(t, err)
	stored := env.get(t, decomposed)
	assert.Equal(t, text, stored.ErrorText())
	assert.Equal(t, []string{"cerco Jose\u0301"}, stored.Log())
}

func TestMarkFailed_NilCause(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	_, err = env.queue.MarkFailed(ctx, id, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown error", env.get(t, id).ErrorText())
}

func TestPurgeCompleted_RespectsRetention(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	oldDone := env.enqueue(t, teacherPayload(12))
	oldFailed := env.enqueue(t, teacherPayload(12))
	oldStuck := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, oldDone, nil)
	require.NoError(t, err)
	_, err = env.queue.MarkFailed(ctx, oldFailed, nil, errors.New("boom"))
	require.NoError(t, err)
	oldWaiting := env.enqueue(t, teacherPayload(12))

	env.clock.Advance(23 * time.Hour)
	recentDone := env.enqueue(t, teacherPayload(12))
	_, err = env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	// oldWaiting was claimed too; hand it back.
	_, err = env.queue.Requeue(ctx, []int64{oldWaiting})
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, recentDone, nil)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	n, err := env.queue.PurgeCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = env.store.GetCommand(ctx, oldDone)
	assert.True(t, errors.Is(err, command.ErrNotFound))
	for _, id := range []int64{oldFailed, oldStuck, oldWaiting, recentDone} {
		_, err := env.store.GetCommand(ctx, id)
		assert.NoError(t, err, "command %d must survive purge", id)
	}
}

func TestPurgeCompleted_DefaultRetention(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	_, err = env.queue.MarkCompleted(ctx, id, nil)
	require.NoError(t, err)

	env.clock.Advance(command.DefaultRetention - time.Minute)
	n, err := env.queue.PurgeCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(2 * time.Minute)
	n, err = env.queue.PurgeCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStaleAndRequeueStale(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	stuck := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	env.clock.Advance(45 * time.Minute)
	fresh := env.enqueue(t, teacherPayload(12))
	_, err = env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)

	stale, err := env.queue.Stale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck, stale[0].ID)

	ids, err := env.queue.RequeueStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []int64{stuck}, ids)
	assert.Equal(t, command.StateWaiting, env.get(t, stuck).State)
	assert.Equal(t, command.StateProcessing, env.get(t, fresh).State)

	none, err := env.queue.RequeueStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestList_ByState(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	_, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	_, err = env.queue.MarkFailed(ctx, id, []string{"step1 ok"}, errors.New("step2 failed"))
	require.NoError(t, err)
	env.enqueue(t, teacherPayload(12))

	failed, err := env.queue.List(ctx, command.StateFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "step2 failed", failed[0].ErrorText())
	assert.Equal(t, []string{"step1 ok"}, failed[0].Log())

	all, err := env.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.queue.List(ctx, command.State("archived"), 0)
	assert.Error(t, err)
}

func TestEndToEnd_ClaimResolveComplete(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id := env.enqueue(t, command.Payload{"docente": command.Int(12), "classe": command.Int(5)})

	ids, err := env.queue.ClaimBatch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, ids)
	assert.Equal(t, command.StateProcessing, env.get(t, id).State)

	ec, err := env.queue.ResolveForExecution(ctx, id)
	require.NoError(t, err)
	teacher, ok := ec.Entity("docente")
	require.True(t, ok)
	assert.Equal(t, int64(12), teacher.EntityID())
	class, ok := ec.Entity("classe")
	require.True(t, ok)
	assert.Equal(t, int64(5), class.EntityID())

	ok, err = env.queue.MarkCompleted(ctx, id, []string{"step1 ok"})
	require.NoError(t, err)
	require.True(t, ok)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateCompleted, cmd.State)
	assert.Equal(t, []string{"step1 ok"}, cmd.Log())
}

func TestLease_LateReportAfterReclaim(t *testing.T) {
	env := newTestEnv(t, Config{LeaseTTL: 10 * time.Minute, Owners: UUIDv7Generator{}})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	a, err := env.queue.Claim(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, a.IDs)

	env.clock.Advance(11 * time.Minute)
	b, err := env.queue.Claim(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, b.IDs)
	require.NotEqual(t, a.Owner, b.Owner)

	ok, err := a.MarkCompleted(ctx, id, []string{"A late success"})
	require.NoError(t, err)
	assert.False(t, ok, "expired holder cannot report")

	n, err := a.Requeue(ctx, []int64{id})
	require.NoError(t, err)
	assert.Zero(t, n, "expired holder cannot requeue the new claim")

	ok, err = b.MarkFailed(ctx, id, nil, errors.New("B real failure"))
	require.NoError(t, err)
	assert.True(t, ok)

	cmd := env.get(t, id)
	assert.Equal(t, command.StateFailed, cmd.State)
	assert.Equal(t, "B real failure", cmd.ErrorText())
	assert.Empty(t, cmd.Log())

	env.clock.Advance(48 * time.Hour)
	_, err = env.queue.PurgeCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, command.StateFailed, env.get(t, id).State, "failures are never purged")
}

func TestLease_ReportsOwnClaims(t *testing.T) {
	env := newTestEnv(t, Config{LeaseTTL: 10 * time.Minute, Owners: UUIDv7Generator{}})
	ctx := context.Background()

	done := env.enqueue(t, teacherPayload(12))
	back := env.enqueue(t, teacherPayload(12))
	lease, err := env.queue.Claim(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{done, back}, lease.IDs)
	assert.Equal(t, lease.Owner, env.get(t, done).LeaseOwner)

	ok, err := lease.MarkCompleted(ctx, done, []string{"ok"})
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := lease.Requeue(ctx, []int64{back})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, command.StateWaiting, env.get(t, back).State)
}

func TestQueue_OperatorRequeueIgnoresOwner(t *testing.T) {
	env := newTestEnv(t, Config{LeaseTTL: 10 * time.Minute, Owners: UUIDv7Generator{}})
	ctx := context.Background()

	id := env.enqueue(t, teacherPayload(12))
	lease, err := env.queue.Claim(ctx, 0)
	require.NoError(t, err)

	n, err := env.queue.Requeue(ctx, []int64{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := lease.MarkCompleted(ctx, id, nil)
	require.NoError(t, err)
	assert.False(t, ok, "requeued command is no longer held")
	assert.Equal(t, command.StateWaiting, env.get(t, id).State)
}

func TestValidate_DoesNotInsert(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	require.NoError(t, env.queue.Validate(command.Payload{"docente": command.Int(12), "nota": command.String("x")}))
	assert.Error(t, env.queue.Validate(command.Payload{"docente": command.String("mario")}))
	assert.Error(t, env.queue.Validate(command.Payload{command.KeyError: command.String("x")}))

	counts, err := env.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[command.StateWaiting])
}
