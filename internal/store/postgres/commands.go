package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/roach88/provsync/internal/command"
)

// InsertCommand enqueues a Waiting command and returns its id.
func (s *Store) InsertCommand(ctx context.Context, payload command.Payload, now time.Time) (int64, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	rec := commandModel{
		State:      string(command.StateWaiting),
		Payload:    payloadJSON,
		CreatedAt:  now.UTC(),
		ModifiedAt: now.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	return rec.ID, nil
}

// eligible scopes a query to rows a claim may take.
func eligible(req command.ClaimRequest) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		if req.LeaseTTL > 0 {
			return tx.Where("state = ? OR (state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)",
				string(command.StateWaiting), string(command.StateProcessing), req.Now.UTC())
		}
		return tx.Where("state = ?", string(command.StateWaiting))
	}
}

// claimCandidates selects and row-locks up to req.Limit eligible ids,
// skipping rows another claimer already holds.
func claimCandidates(tx *gorm.DB, req command.ClaimRequest) *gorm.DB {
	return tx.Model(&commandModel{}).
		Select("id").
		Scopes(eligible(req)).
		Order("id ASC").
		Limit(req.Limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
}

// ClaimCommands stamps up to req.Limit eligible commands Processing and
// returns their ids in ascending order.
func (s *Store) ClaimCommands(ctx context.Context, req command.ClaimRequest) ([]int64, error) {
	if req.Limit <= 0 {
		return nil, fmt.Errorf("claim commands: limit must be greater than zero")
	}

	updates := map[string]any{
		"state":            string(command.StateProcessing),
		"modified_at":      req.Now.UTC(),
		"lease_owner":      req.Owner,
		"lease_expires_at": nil,
	}
	if req.LeaseTTL > 0 {
		updates["lease_expires_at"] = req.Now.Add(req.LeaseTTL).UTC()
	}

	claimed := []int64{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []int64
		if err := claimCandidates(tx, req).Find(&candidates).Error; err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		var rows []commandModel
		result := tx.Model(&rows).
			Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}}).
			Where("id IN ?", candidates).
			Scopes(eligible(req)).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("update candidates: %w", result.Error)
		}
		for _, r := range rows {
			claimed = append(claimed, r.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim commands: %w", err)
	}

	slices.Sort(claimed)
	return claimed, nil
}

// GetCommand loads one command. Returns command.ErrNotFound if it does not exist.
func (s *Store) GetCommand(ctx context.Context, id int64) (command.Command, error) {
	var rec commandModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return command.Command{}, fmt.Errorf("get command %d: %w", id, command.ErrNotFound)
		}
		return command.Command{}, fmt.Errorf("get command %d: %w", id, err)
	}
	return rec.toCommand()
}

// leasedBy scopes a query to Processing rows, and to rows still leased by
// owner when owner is non-empty.
func leasedBy(owner string) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("state = ?", string(command.StateProcessing))
		if owner != "" {
			tx = tx.Where("lease_owner = ?", owner)
		}
		return tx
	}
}

// RequeueCommands reverts Processing commands to Waiting and returns how many
// moved. A non-empty owner restricts the requeue to its own leases.
func (s *Store) RequeueCommands(ctx context.Context, ids []int64, owner string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).
		Model(&commandModel{}).
		Scopes(leasedBy(owner)).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"state":            string(command.StateWaiting),
			"modified_at":      now.UTC(),
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("requeue commands: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CompleteCommand moves a Processing command to Completed.
// Returns false if the command is not Processing or owner lost the lease.
func (s *Store) CompleteCommand(ctx context.Context, id int64, owner string, log []string, now time.Time) (bool, error) {
	return s.finishCommand(ctx, id, owner, command.StateCompleted, log, "", now)
}

// FailCommand moves a Processing command to Failed.
// Returns false if the command is not Processing or owner lost the lease.
func (s *Store) FailCommand(ctx context.Context, id int64, owner string, log []string, errText string, now time.Time) (bool, error) {
	return s.finishCommand(ctx, id, owner, command.StateFailed, log, errText, now)
}

func (s *Store) finishCommand(ctx context.Context, id int64, owner string, to command.State, log []string, errText string, now time.Time) (bool, error) {
	if !command.CanTransition(command.StateProcessing, to) || !to.Terminal() {
		return false, fmt.Errorf("finish command %d: %s is not a finishing state", id, to)
	}

	finished := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec commandModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			Scopes(leasedBy(owner)).
			First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		payload, err := unmarshalPayload(rec.Payload)
		if err != nil {
			return err
		}
		merged, err := marshalPayload(command.WithOutcome(payload, log, errText))
		if err != nil {
			return err
		}

		result := tx.Model(&commandModel{}).
			Where("id = ?", id).
			Scopes(leasedBy(owner)).
			Updates(map[string]any{
				"state":            string(to),
				"payload":          merged,
				"modified_at":      now.UTC(),
				"lease_owner":      "",
				"lease_expires_at": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		finished = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finish command %d as %s: %w", id, to, err)
	}
	return finished, nil
}

// PurgeCompleted hard-deletes Completed commands modified before cutoff.
func (s *Store) PurgeCompleted(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state = ? AND modified_at < ?", string(command.StateCompleted), before.UTC()).
		Delete(&commandModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge completed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListCommands returns commands matching filter ordered by id ascending.
func (s *Store) ListCommands(ctx context.Context, filter command.ListFilter) ([]command.Command, error) {
	q := s.db.WithContext(ctx).Model(&commandModel{}).Order("id ASC")
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}
	if !filter.ModifiedBefore.IsZero() {
		q = q.Where("modified_at < ?", filter.ModifiedBefore.UTC())
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []commandModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	commands := make([]command.Command, 0, len(rows))
	for _, r := range rows {
		cmd, err := r.toCommand()
		if err != nil {
			return nil, fmt.Errorf("list commands: %w", err)
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// CountByState returns the number of commands in each state.
func (s *Store) CountByState(ctx context.Context) (map[command.State]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&commandModel{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}

	counts := make(map[command.State]int64, len(command.States))
	for _, st := range command.States {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[command.State(r.State)] = r.Count
	}
	return counts, nil
}
