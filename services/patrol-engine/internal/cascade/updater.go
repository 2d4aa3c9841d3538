// Package cascade commits verified scans and their aggregate deltas.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// Outcome is the result of committing one scan.
type Outcome struct {
	Status models.ScanStatus
	// Patrol is the patrol as committed; nil when the scan was deferred.
	Patrol *models.Patrol
}

// Updater applies the checkpoint, patrol and property deltas of a verified
// scan in a single transaction.
type Updater struct {
	store   database.Store
	agg     *compliance.Aggregator
	cfg     config.CascadeConfig
	clock   utils.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewUpdater(store database.Store, agg *compliance.Aggregator, cfg config.CascadeConfig, clock utils.Clock, m *metrics.Collector, logger *zap.Logger) *Updater {
	return &Updater{
		store:   store,
		agg:     agg,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger.Named("cascade"),
	}
}

func (u *Updater) retryConfig() utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts: u.cfg.MaxRetries,
		Delay:       u.cfg.RetryDelay,
		MaxDelay:    u.cfg.MaxRetryDelay,
		Backoff:     utils.ExponentialBackoff,
		Retryable:   retryable,
	}
}

// retryable separates transient storage failures from outcomes that no retry can change.
func retryable(err error) bool {
	switch {
	case errors.Is(err, apperr.ErrDuplicateScan),
		errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Commit inserts the scan and applies its deltas, retrying the whole
// transaction on transient failures. When retries run out the scan is stored
// as attempted for the reconciler and the outcome status is ScanAttempted.
func (u *Updater) Commit(ctx context.Context, event models.ScanVerified) (Outcome, error) {
	var committed *models.Patrol
	attempt := 0

	err := utils.Retry(ctx, func() error {
		attempt++
		if attempt > 1 {
			u.metrics.RecordCascadeRetry()
		}
		scan := *event.Scan
		return u.store.Transaction(ctx, func(tx database.Repository) error {
			if err := tx.CreateScan(ctx, &scan); err != nil {
				return err
			}
			patrol, err := u.applyDeltas(ctx, tx, event, true)
			if err != nil {
				return err
			}
			committed = patrol
			return nil
		})
	}, u.retryConfig())

	if err == nil {
		event.Scan.Status = models.ScanCompleted
		return Outcome{Status: models.ScanCompleted, Patrol: committed}, nil
	}
	if !retryable(err) {
		return Outcome{}, err
	}

	u.metrics.RecordCascadeFailure()
	u.logger.Error("Cascade failed, deferring scan to reconciliation",
		zap.String("scan_id", event.Scan.ID),
		zap.String("patrol_id", event.PatrolID),
		zap.Int("attempts", attempt),
		zap.Error(err))

	if deferErr := u.storeAttempted(ctx, event.Scan, attempt, err); deferErr != nil {
		if errors.Is(deferErr, apperr.ErrDuplicateScan) {
			return Outcome{}, deferErr
		}
		return Outcome{}, apperr.Cascade("commit scan", fmt.Errorf("%v; deferring scan: %w", err, deferErr))
	}
	return Outcome{Status: models.ScanAttempted}, nil
}

func (u *Updater) storeAttempted(ctx context.Context, original *models.CheckpointScan, attempts int, cause error) error {
	scan := *original
	scan.Status = models.ScanAttempted
	scan.CascadeAttempts = attempts
	scan.LastError = cause.Error()
	scan.NextAttemptAt = utils.TimePtr(u.clock.Now().Add(u.cfg.ReconcileDelay))

	// The submission deadline may already have passed; the deferred record must still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := u.store.CreateScan(ctx, &scan); err != nil {
		return err
	}
	*original = scan
	return nil
}

// applyDeltas folds event into checkpoint, patrol and property inside tx.
func (u *Updater) applyDeltas(ctx context.Context, tx database.Repository, event models.ScanVerified, requireInProgress bool) (*models.Patrol, error) {
	now := u.clock.Now()

	patrol, err := tx.LockPatrol(ctx, event.PatrolID)
	if err != nil {
		return nil, err
	}
	if requireInProgress && patrol.Status != models.PatrolInProgress {
		return nil, apperr.InvalidState("commit scan", "patrol %s is %s, not in_progress", patrol.ID, patrol.Status)
	}

	checkpoint, err := tx.GetCheckpoint(ctx, event.Scan.CheckpointID)
	if err != nil {
		return nil, err
	}
	u.agg.ApplyCheckpoint(checkpoint, event, now)
	if err := tx.UpdateCheckpoint(ctx, checkpoint); err != nil {
		return nil, err
	}

	if err := u.agg.ApplyPatrol(patrol, event); err != nil {
		return nil, err
	}
	// A late scan can finish a patrol that was ended as incomplete.
	promoted := patrol.Status == models.PatrolIncomplete && patrol.CheckpointsScanned >= patrol.CheckpointsTotal
	if promoted {
		patrol.Status = models.PatrolCompleted
	}
	if err := tx.UpdatePatrol(ctx, patrol); err != nil {
		return nil, err
	}

	property, err := tx.GetProperty(ctx, event.PropertyID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		u.logger.Debug("Property not tracked, skipping summary update", zap.String("property_id", event.PropertyID))
	case err != nil:
		return nil, err
	default:
		u.agg.ApplyProperty(property, event)
		if promoted {
			completedAt := now
			if patrol.EndTime != nil {
				completedAt = *patrol.EndTime
			}
			if property.LastPatrolTimestamp == nil || completedAt.After(*property.LastPatrolTimestamp) {
				property.LastPatrolTimestamp = utils.TimePtr(completedAt)
			}
		}
		if err := tx.UpdateProperty(ctx, property); err != nil {
			return nil, err
		}
	}

	if promoted {
		u.metrics.RecordPatrolTransition(string(models.PatrolCompleted))
		u.logger.Info("Patrol completed by reconciled scan",
			zap.String("patrol_id", patrol.ID),
			zap.String("scan_id", event.Scan.ID))
	}
	return patrol, nil
}

// ReconcileResult summarises one reconciler pass.
type ReconcileResult struct {
	Reconciled int `json:"reconciled"`
	Retrying   int `json:"retrying"`
	Flagged    int `json:"flagged_for_review"`
	// IncidentsOpened counts incidents opened late for issue scans.
	IncidentsOpened int `json:"incidents_opened"`
}

// Reconcile retries the cascade for attempted scans that are due. Scans that
// keep failing are flagged for manual review after cfg.ReviewAfter attempts.
func (u *Updater) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	scans, err := u.store.ListScansForReconciliation(ctx, u.clock.Now(), u.cfg.ReconcileBatch)
	if err != nil {
		return result, fmt.Errorf("failed to list attempted scans: %w", err)
	}

	for _, scan := range scans {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		err := u.reconcileOne(ctx, scan)
		switch {
		case err == nil:
			result.Reconciled++
			u.metrics.RecordReconciled("reconciled")
		default:
			flagged, markErr := u.recordFailure(ctx, scan, err)
			if markErr != nil {
				u.logger.Error("Failed to record reconciliation failure", zap.String("scan_id", scan.ID), zap.Error(markErr))
			}
			if flagged {
				result.Flagged++
				u.metrics.RecordReconciled("flagged")
			} else {
				result.Retrying++
				u.metrics.RecordReconciled("retrying")
			}
		}
	}

	if len(scans) > 0 {
		u.logger.Info("Reconciliation pass finished",
			zap.Int("reconciled", result.Reconciled),
			zap.Int("retrying", result.Retrying),
			zap.Int("flagged", result.Flagged))
	}
	return result, nil
}

func (u *Updater) reconcileOne(ctx context.Context, candidate *models.CheckpointScan) error {
	return u.store.Transaction(ctx, func(tx database.Repository) error {
		scan, err := tx.GetScan(ctx, candidate.ID)
		if err != nil {
			return err
		}
		if scan.Status != models.ScanAttempted {
			return nil
		}

		event := models.ScanVerified{Scan: scan, PatrolID: scan.PatrolID, PropertyID: scan.PropertyID, Issue: scan.IssueReported, At: scan.ScanTime}
		// Accepted while the patrol was in progress, so it counts even if the patrol has moved on.
		if _, err := u.applyDeltas(ctx, tx, event, false); err != nil {
			return err
		}

		scan.Status = models.ScanCompleted
		scan.NextAttemptAt = nil
		scan.LastError = ""
		return tx.UpdateScan(ctx, scan)
	})
}

func (u *Updater) recordFailure(ctx context.Context, scan *models.CheckpointScan, cause error) (bool, error) {
	scan.CascadeAttempts++
	scan.LastError = cause.Error()

	flagged := u.cfg.ReviewAfter > 0 && scan.CascadeAttempts >= u.cfg.ReviewAfter
	if flagged {
		scan.NeedsReview = true
		scan.NextAttemptAt = nil
		u.logger.Error("Scan flagged for manual review",
			zap.String("scan_id", scan.ID),
			zap.String("patrol_id", scan.PatrolID),
			zap.Int("attempts", scan.CascadeAttempts),
			zap.Error(cause))
	} else {
		backoff := utils.RetryConfig{Delay: u.cfg.ReconcileDelay, MaxDelay: time.Hour}.BackoffDelay(scan.CascadeAttempts)
		scan.NextAttemptAt = utils.TimePtr(u.clock.Now().Add(backoff))
	}

	return flagged, u.store.UpdateScan(ctx, scan)
}
