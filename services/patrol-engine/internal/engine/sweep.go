package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/shared/models"
)

// SweepResult reports what one overdue sweep changed.
type SweepResult struct {
	CheckpointsMarkedOverdue int `json:"checkpoints_marked_overdue"`
	PatrolsMarkedMissed      int `json:"patrols_marked_missed"`
	Deferred                 int `json:"deferred"`
}

// SweepOverdue marks checkpoints past their due time as overdue and
// scheduled patrols past their grace period as missed. Sweeps never run
// concurrently with each other, and records changed by live traffic while
// the sweep runs are left for the next pass, so re-running is harmless.
func (e *Engine) SweepOverdue(ctx context.Context) (*SweepResult, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	marked, deferred, err := e.sweepCheckpoints(ctx)
	result.CheckpointsMarkedOverdue = marked
	result.Deferred += deferred
	e.metrics.RecordSweep("checkpoint", marked, deferred)
	if err != nil {
		return result, err
	}

	missed, err := e.patrols.SweepMissed(ctx, sweepBatch)
	result.PatrolsMarkedMissed = len(missed.Marked)
	result.Deferred += missed.Deferred
	e.metrics.RecordSweep("patrol", len(missed.Marked), missed.Deferred)
	for _, p := range missed.Marked {
		e.publish(ctx, models.EventPatrolTransitioned, p.PropertyID, p.ID, p)
	}
	if err != nil {
		return result, err
	}

	e.logger.Info("Overdue sweep completed",
		zap.Int("checkpoints_marked_overdue", result.CheckpointsMarkedOverdue),
		zap.Int("patrols_marked_missed", result.PatrolsMarkedMissed),
		zap.Int("deferred", result.Deferred),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (e *Engine) sweepCheckpoints(ctx context.Context) (int, int, error) {
	now := e.clock.Now()
	due, err := e.store.ListDueCheckpoints(ctx, now, sweepBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list due checkpoints: %w", err)
	}

	marked, deferred := 0, 0
	for _, candidate := range due {
		if ctx.Err() != nil {
			return marked, deferred, ctx.Err()
		}

		var updated *models.Checkpoint
		err := e.store.Transaction(ctx, func(tx database.Repository) error {
			c, err := tx.GetCheckpoint(ctx, candidate.ID)
			if err != nil {
				return err
			}
			// A scan landed after the listing; its cascade owns the status now.
			if c.Version != candidate.Version || compliance.Status(c, now) != models.ComplianceOverdue {
				return apperr.ErrVersionConflict
			}
			c.ComplianceStatus = models.ComplianceOverdue
			if err := tx.UpdateCheckpoint(ctx, c); err != nil {
				return err
			}
			updated = c
			return nil
		})

		switch {
		case err == nil:
			marked++
			e.logger.Warn("Checkpoint overdue",
				zap.String("checkpoint_id", updated.ID),
				zap.String("property_id", updated.PropertyID),
				zap.Timep("next_scan_due", updated.NextScanDue))
			e.publish(ctx, models.EventCheckpointOverdue, updated.PropertyID, updated.ID, updated)
		case errors.Is(err, apperr.ErrVersionConflict), errors.Is(err, apperr.ErrNotFound):
			deferred++
		default:
			return marked, deferred, fmt.Errorf("failed to mark checkpoint %s overdue: %w", candidate.ID, err)
		}
	}
	return marked, deferred, nil
}
