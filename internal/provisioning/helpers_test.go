package provisioning

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provsync/internal/command"
	"github.com/roach88/provsync/internal/directory"
	"github.com/roach88/provsync/internal/store"
	"github.com/roach88/provsync/internal/testutil"
)

type testEnv struct {
	queue *Queue
	store *store.Store
	clock *testutil.Clock
	logs  *bytes.Buffer
}

// newTestEnv opens a SQLite store seeded with teacher 12, class 5 and
// subject 3, and a queue over it with a frozen clock.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertTeacher(ctx, directory.Teacher{ID: 12, Username: "m.rossi", FirstName: "Mario", LastName: "Rossi"}))
	require.NoError(t, s.UpsertTeacher(ctx, directory.Teacher{ID: 13, Username: "l.bianchi", FirstName: "Laura", LastName: "Bianchi"}))
	require.NoError(t, s.UpsertClass(ctx, directory.Class{ID: 5, Year: 3, Section: "B"}))
	require.NoError(t, s.UpsertClass(ctx, directory.Class{ID: 6, Year: 4, Section: "A"}))
	require.NoError(t, s.UpsertSubject(ctx, directory.Subject{ID: 3, Name: "Matematica", ShortName: "MAT"}))

	logs := &bytes.Buffer{}
	clock := testutil.NewClock(testutil.Epoch)
	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	if cfg.Owners == nil {
		cfg.Owners = testutil.NewFixedOwnerGenerator("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	return &testEnv{
		queue: New(s, DefaultResolvers(s), cfg),
		store: s,
		clock: clock,
		logs:  logs,
	}
}

func (e *testEnv) enqueue(t *testing.T, payload command.Payload) int64 {
	t.Helper()
	id, err := e.queue.Enqueue(context.Background(), payload)
	require.NoError(t, err)
	return id
}

func (e *testEnv) get(t *testing.T, id int64) command.Command {
	t.Helper()
	cmd, err := e.store.GetCommand(context.Background(), id)
	require.NoError(t, err)
	return cmd
}

func teacherPayload(id int64) command.Payload {
	return command.Payload{"docente": command.Int(id)}
}
