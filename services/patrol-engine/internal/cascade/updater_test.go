package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/models"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var base = time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Updater, *database.MemoryStore, *manualClock) {
	t.Helper()
	ctx := context.Background()
	store := database.NewMemoryStore()

	require.NoError(t, store.CreateProperty(ctx, &models.Property{ID: "prop-1", Name: "Depot"}))
	for _, id := range []string{"cp-1", "cp-2"} {
		require.NoError(t, store.CreateCheckpoint(ctx, &models.Checkpoint{
			ID: id, PropertyID: "prop-1", Status: models.CheckpointActive,
			VerificationMethod: models.VerificationQRCode, ScanFrequencyHours: 24,
			ComplianceStatus: models.CompliancePending,
		}))
	}
	start := base
	require.NoError(t, store.CreatePatrol(ctx, &models.Patrol{
		ID: "patrol-1", PropertyID: "prop-1", GuardID: "guard-1",
		Status:           models.PatrolInProgress,
		Route:            []models.RouteStop{{CheckpointID: "cp-1"}, {CheckpointID: "cp-2", OffsetMinutes: 20}},
		CheckpointsTotal: 2,
		ScheduledAt:      base,
		StartTime:        &start,
	}))

	clock := &manualClock{now: base.Add(10 * time.Minute)}
	cfg := config.CascadeConfig{
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		ReconcileDelay: time.Minute,
		ReconcileBatch: 10,
		ReviewAfter:    3,
	}
	u := NewUpdater(store, compliance.NewAggregator(), cfg, clock, metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())
	return u, store, clock
}

func verified(id, checkpointID string, seq int, issue bool) models.ScanVerified {
	scan := &models.CheckpointScan{
		ID: id, PatrolID: "patrol-1", CheckpointID: checkpointID, PropertyID: "prop-1",
		GuardID: "guard-1", SequenceNumber: seq, ScanTime: base.Add(5 * time.Minute),
		VerificationMethod: models.VerificationQRCode, VerificationSuccessful: true,
		Status: models.ScanCompleted, IssueReported: issue,
	}
	return models.ScanVerified{Scan: scan, PatrolID: "patrol-1", PropertyID: "prop-1", Issue: issue, At: scan.ScanTime}
}

func TestCommitAppliesAllAggregates(t *testing.T) {
	ctx := context.Background()
	u, store, _ := setup(t)

	outcome, err := u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	require.NoError(t, err)
	assert.Equal(t, models.ScanCompleted, outcome.Status)
	require.NotNil(t, outcome.Patrol)
	assert.Equal(t, 1, outcome.Patrol.CheckpointsScanned)
	assert.Equal(t, 50, outcome.Patrol.CheckpointCompliance)

	cp, err := store.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	require.NotNil(t, cp.LastScanned)
	assert.Equal(t, base.Add(5*time.Minute), *cp.LastScanned)
	assert.Equal(t, models.ComplianceCompliant, cp.ComplianceStatus)
	require.NotNil(t, cp.NextScanDue)
	assert.Equal(t, base.Add(24*time.Hour+5*time.Minute), *cp.NextScanDue)

	prop, err := store.GetProperty(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, prop.TotalScans)

	scan, err := store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScanCompleted, scan.Status)
}

func TestCommitRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	u, store, _ := setup(t)

	_, err := u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	require.NoError(t, err)

	_, err = u.Commit(ctx, verified("scan-2", "cp-1", 1, false))
	assert.ErrorIs(t, err, apperr.ErrDuplicateScan)

	p, err := store.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.CheckpointsScanned)
}

func TestCommitRequiresInProgressPatrol(t *testing.T) {
	ctx := context.Background()
	u, store, _ := setup(t)

	p, err := store.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	p.Status = models.PatrolCompleted
	require.NoError(t, store.UpdatePatrol(ctx, p))

	_, err = u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = store.GetScan(ctx, "scan-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCommitRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	u, store, _ := setup(t)

	failures := 1
	store.SetFault(func(op string) error {
		if op == "UpdateCheckpoint" && failures > 0 {
			failures--
			return errors.New("connection reset")
		}
		return nil
	})

	outcome, err := u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	require.NoError(t, err)
	assert.Equal(t, models.ScanCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.Patrol.CheckpointsScanned)
}

func TestCascadeFailureDefersToReconciler(t *testing.T) {
	ctx := context.Background()
	u, store, clock := setup(t)

	store.SetFault(func(op string) error {
		if op == "UpdatePatrol" {
			return errors.New("lock timeout")
		}
		return nil
	})

	event := verified("scan-1", "cp-1", 1, true)
	outcome, err := u.Commit(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, models.ScanAttempted, outcome.Status)
	assert.Nil(t, outcome.Patrol)
	assert.Equal(t, models.ScanAttempted, event.Scan.Status)

	stored, err := store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScanAttempted, stored.Status)
	assert.Equal(t, 3, stored.CascadeAttempts)
	assert.Contains(t, stored.LastError, "lock timeout")

	// The slot is held by the attempted scan.
	_, err = u.Commit(ctx, verified("scan-2", "cp-1", 1, false))
	assert.ErrorIs(t, err, apperr.ErrDuplicateScan)

	t.Run("Not Due Yet", func(t *testing.T) {
		result, err := u.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, ReconcileResult{}, result)
	})

	t.Run("Reconciles Once Storage Recovers", func(t *testing.T) {
		store.SetFault(nil)
		clock.Advance(2 * time.Minute)

		result, err := u.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Reconciled)

		scan, err := store.GetScan(ctx, "scan-1")
		require.NoError(t, err)
		assert.Equal(t, models.ScanCompleted, scan.Status)
		assert.Nil(t, scan.NextAttemptAt)

		p, err := store.GetPatrol(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CheckpointsScanned)
		assert.True(t, p.IssuesFound)

		cp, err := store.GetCheckpoint(ctx, "cp-1")
		require.NoError(t, err)
		assert.Equal(t, models.ComplianceIssueReported, cp.ComplianceStatus)
	})
}

func TestReconcileCompletesEndedPatrol(t *testing.T) {
	ctx := context.Background()
	u, store, clock := setup(t)

	_, err := u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	require.NoError(t, err)

	store.SetFault(func(op string) error {
		if op == "UpdatePatrol" {
			return errors.New("lock timeout")
		}
		return nil
	})
	outcome, err := u.Commit(ctx, verified("scan-2", "cp-2", 1, false))
	require.NoError(t, err)
	require.Equal(t, models.ScanAttempted, outcome.Status)
	store.SetFault(nil)

	// The guard ends the patrol while the second scan is still deferred.
	p, err := store.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	require.Equal(t, 1, p.CheckpointsScanned)
	ended := base.Add(30 * time.Minute)
	p.Status = models.PatrolIncomplete
	p.EndTime = &ended
	require.NoError(t, store.UpdatePatrol(ctx, p))

	clock.Advance(2 * time.Minute)
	result, err := u.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	p, err = store.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, models.PatrolCompleted, p.Status)
	assert.Equal(t, 2, p.CheckpointsScanned)
	assert.Equal(t, 100, p.CheckpointCompliance)

	prop, err := store.GetProperty(ctx, "prop-1")
	require.NoError(t, err)
	require.NotNil(t, prop.LastPatrolTimestamp)
	assert.True(t, prop.LastPatrolTimestamp.Equal(ended))
}

func TestReconcileFlagsForReview(t *testing.T) {
	ctx := context.Background()
	u, store, clock := setup(t)
	u.cfg.MaxRetries = 1

	store.SetFault(func(op string) error {
		if op == "UpdateCheckpoint" {
			return errors.New("deadlock detected")
		}
		return nil
	})

	outcome, err := u.Commit(ctx, verified("scan-1", "cp-1", 1, false))
	require.NoError(t, err)
	require.Equal(t, models.ScanAttempted, outcome.Status)

	clock.Advance(2 * time.Minute)
	result, err := u.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retrying)

	scan, err := store.GetScan(ctx, "scan-1")
	require.NoError(t, err)
	assert.Equal(t, 2, scan.CascadeAttempts)
	assert.False(t, scan.NeedsReview)
	require.NotNil(t, scan.NextAttemptAt)

	clock.Advance(time.Hour)
	result, err = u.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Flagged)

	flagged, err := store.ListScansNeedingReview(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, "scan-1", flagged[0].ID)
	assert.Equal(t, models.ScanAttempted, flagged[0].Status)

	clock.Advance(time.Hour)
	result, err = u.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, result)
}
