package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/provsync/internal/command"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertTestCommand enqueues a command referencing one teacher.
func insertTestCommand(t *testing.T, s *Store, teacherID int64, at time.Time) int64 {
	t.Helper()
	id, err := s.InsertCommand(context.Background(), command.Payload{
		"docente": command.Int(teacherID),
	}, at)
	if err != nil {
		t.Fatalf("InsertCommand() failed: %v", err)
	}
	return id
}

// claimAll claims up to limit commands without a lease.
func claimAll(t *testing.T, s *Store, limit int, at time.Time) []int64 {
	t.Helper()
	ids, err := s.ClaimCommands(context.Background(), command.ClaimRequest{
		Limit: limit,
		Owner: "test-owner",
		Now:   at,
	})
	if err != nil {
		t.Fatalf("ClaimCommands() failed: %v", err)
	}
	return ids
}

func getTestCommand(t *testing.T, s *Store, id int64) command.Command {
	t.Helper()
	cmd, err := s.GetCommand(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCommand(%d) failed: %v", id, err)
	}
	return cmd
}
