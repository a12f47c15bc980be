package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/provsync/internal/command"
)

const commandColumns = `id, state, payload, created_at, modified_at, lease_owner, lease_expires_at`

// InsertCommand enqueues a Waiting command and returns its id.
func (s *Store) InsertCommand(ctx context.Context, payload command.Payload, now time.Time) (int64, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}

	nowMs := toMillis(now)
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_commands (state, payload, created_at, modified_at)
		VALUES (?, ?, ?, ?)
	`, command.StateWaiting, payloadJSON, nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert command: last insert id: %w", err)
	}
	return id, nil
}

// ClaimCommands stamps up to req.Limit eligible commands Processing and
// returns their ids in ascending order.
//
// Eligible means Waiting, or Processing with an expired lease when
// req.LeaseTTL > 0. Returns an empty slice (not nil) when nothing is eligible.
func (s *Store) ClaimCommands(ctx context.Context, req command.ClaimRequest) ([]int64, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("claim commands: limit must be greater than zero")
	}

	nowMs := toMillis(req.Now)
	reclaim := 0
	var leaseExpiresAt sql.NullInt64
	if req.LeaseTTL > 0 {
		reclaim = 1
		leaseExpiresAt = sql.NullInt64{Int64: toMillis(req.Now.Add(req.LeaseTTL)), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim commands: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	const eligible = `(
		state = 'waiting'
		OR (? = 1 AND state = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
	)`

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM provisioning_commands
		WHERE `+eligible+`
		ORDER BY id ASC
		LIMIT ?
	`, reclaim, nowMs, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim commands: select candidates: %w", err)
	}
	candidates := make([]int64, 0, req.Limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim commands: scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim commands: iterate candidates: %w", err)
	}
	rows.Close()

	claimed := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
			UPDATE provisioning_commands
			SET state = 'processing', modified_at = ?, lease_owner = ?, lease_expires_at = ?
			WHERE id = ? AND `+eligible,
			nowMs, req.Owner, leaseExpiresAt, id, reclaim, nowMs,
		)
		if err != nil {
			return nil, fmt.Errorf("claim commands: update %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim commands: rows affected %d: %w", id, err)
		}
		if n == 0 {
			continue
		}
		claimed = append(claimed, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commands: commit: %w", err)
	}
	return claimed, nil
}

// GetCommand loads one command. Returns command.ErrNotFound if it does not exist.
func (s *Store) GetCommand(ctx context.Context, id int64) (command.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM provisioning_commands
		WHERE id = ?
	`, id)

	cmd, err := scanCommand(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return command.Command{}, fmt.Errorf("get command %d: %w", id, command.ErrNotFound)
		}
		return command.Command{}, fmt.Errorf("get command %d: %w", id, err)
	}
	return cmd, nil
}

// RequeueCommands reverts Processing commands to Waiting.
// Ids in any other state, or unknown ids, are ignored. A non-empty owner
// restricts the requeue to commands still leased by owner.
// Returns the number of commands requeued.
func (s *Store) RequeueCommands(ctx context.Context, ids []int64, owner string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, toMillis(now))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	ownerGuard := ""
	if owner != "" {
		ownerGuard = " AND lease_owner = ?"
		args = append(args, owner)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_commands
		SET state = 'waiting', modified_at = ?, lease_owner = '', lease_expires_at = NULL
		WHERE state = 'processing' AND id IN (`+strings.Join(placeholders, ", ")+`)`+ownerGuard, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue commands: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue commands: rows affected: %w", err)
	}
	return n, nil
}

// CompleteCommand moves a Processing command to Completed, merging log into
// its payload. Returns false (and no error) if the command is not Processing,
// or if owner is non-empty and no longer holds the lease.
func (s *Store) CompleteCommand(ctx context.Context, id int64, owner string, log []string, now time.Time) (bool, error) {
	return s.finishCommand(ctx, id, owner, command.StateCompleted, log, "", now)
}

// FailCommand moves a Processing command to Failed, merging log and errText
// into its payload. Returns false (and no error) if the command is not
// Processing, or if owner is non-empty and no longer holds the lease.
func (s *Store) FailCommand(ctx context.Context, id int64, owner string, log []string, errText string, now time.Time) (bool, error) {
	return s.finishCommand(ctx, id, owner, command.StateFailed, log, errText, now)
}

func (s *Store) finishCommand(ctx context.Context, id int64, owner string, to command.State, log []string, errText string, now time.Time) (bool, error) {
	op := "complete command"
	if to == command.StateFailed {
		op = "fail command"
	}
	if !command.CanTransition(command.StateProcessing, to) || !to.Terminal() {
		return false, fmt.Errorf("%s: %s is not a finishing state", op, to)
	}

	guard := `id = ? AND state = 'processing'`
	guardArgs := []any{id}
	if owner != "" {
		guard += ` AND lease_owner = ?`
		guardArgs = append(guardArgs, owner)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: begin tx: %w", op, err)
	}
	defer tx.Rollback()

	var payloadJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT payload FROM provisioning_commands
		WHERE `+guard, guardArgs...).Scan(&payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: select: %w", op, err)
	}

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	merged, err := marshalPayload(command.WithOutcome(payload, log, errText))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE provisioning_commands
		SET state = ?, payload = ?, modified_at = ?, lease_owner = '', lease_expires_at = NULL
		WHERE `+guard, append([]any{to, merged, toMillis(now)}, guardArgs...)...)
	if err != nil {
		return false, fmt.Errorf("%s: update: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: commit: %w", op, err)
	}
	return n > 0, nil
}

// PurgeCompleted hard-deletes Completed commands modified before cutoff.
// Waiting, Processing and Failed commands are never touched.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM provisioning_commands
		WHERE state = 'completed' AND modified_at < ?
	`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purge completed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed: rows affected: %w", err)
	}
	return n, nil
}

// ListCommands returns commands matching filter ordered by id ascending.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListCommands(ctx context.Context, filter command.ListFilter) ([]command.Command, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if !filter.ModifiedBefore.IsZero() {
		where = append(where, "modified_at < ?")
		args = append(args, toMillis(filter.ModifiedBefore))
	}

	query := `SELECT ` + commandColumns + ` FROM provisioning_commands`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	commands := []command.Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list commands: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commands: iterate: %w", err)
	}
	return commands, nil
}

// CountByState returns the number of commands in each state.
// States without commands are reported as zero.
func (s *Store) CountByState(ctx context.Context) (map[command.State]int64, error) {
	counts := make(map[command.State]int64, len(command.States))
	for _, st := range command.States {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM provisioning_commands GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count commands: scan: %w", err)
		}
		counts[command.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count commands: iterate: %w", err)
	}
	return counts, nil
}

type scanFunc func(dest ...any) error

func scanCommand(scan scanFunc) (command.Command, error) {
	var (
		cmd            command.Command
		state          string
		payloadJSON    string
		createdAt      int64
		modifiedAt     int64
		leaseExpiresAt sql.NullInt64
	)
	if err := scan(&cmd.ID, &state, &payloadJSON, &createdAt, &modifiedAt, &cmd.LeaseOwner, &leaseExpiresAt); err != nil {
		return command.Command{}, err
	}

	st, err := command.ParseState(state)
	if err != nil {
		return command.Command{}, fmt.Errorf("command %d: %w", cmd.ID, err)
	}
	cmd.State = st

	cmd.Payload, err = unmarshalPayload(payloadJSON)
	if err != nil {
		return command.Command{}, fmt.Errorf("command %d: %w", cmd.ID, err)
	}

	cmd.CreatedAt = fromMillis(createdAt)
	cmd.ModifiedAt = fromMillis(modifiedAt)
	if leaseExpiresAt.Valid {
		t := fromMillis(leaseExpiresAt.Int64)
		cmd.LeaseExpiresAt = &t
	}
	return cmd, nil
}
