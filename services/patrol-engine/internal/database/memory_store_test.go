package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/shared/models"
)

func newPatrol(id string) *models.Patrol {
	return &models.Patrol{
		ID:               id,
		PropertyID:       "prop-1",
		GuardID:          "guard-1",
		Status:           models.PatrolScheduled,
		Route:            []models.RouteStop{{CheckpointID: "cp-1"}},
		CheckpointsTotal: 1,
		ScheduledAt:      time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreatePatrol(ctx, newPatrol("p-1")))

	first, err := store.GetPatrol(ctx, "p-1")
	require.NoError(t, err)
	second, err := store.GetPatrol(ctx, "p-1")
	require.NoError(t, err)

	first.Status = models.PatrolInProgress
	require.NoError(t, store.UpdatePatrol(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Status = models.PatrolCanceled
	err = store.UpdatePatrol(ctx, second)
	assert.ErrorIs(t, err, apperr.ErrVersionConflict)

	stored, err := store.GetPatrol(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, models.PatrolInProgress, stored.Status)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreatePatrol(ctx, newPatrol("p-1")))

	p, err := store.GetPatrol(ctx, "p-1")
	require.NoError(t, err)
	p.IncidentIDs = append(p.IncidentIDs, "inc-1")
	p.Route[0].CheckpointID = "mutated"

	again, err := store.GetPatrol(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, again.IncidentIDs)
	assert.Equal(t, "cp-1", again.Route[0].CheckpointID)
}

func TestMemoryStoreScanSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	scan := func(id string, status models.ScanStatus) *models.CheckpointScan {
		return &models.CheckpointScan{ID: id, PatrolID: "p-1", CheckpointID: "cp-1", SequenceNumber: 1, Status: status}
	}

	t.Run("Failed Scans Do Not Occupy Slot", func(t *testing.T) {
		require.NoError(t, store.CreateScan(ctx, scan("s-failed", models.ScanFailed)))
		_, err := store.FindOccupyingScan(ctx, "p-1", "cp-1", 1)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("Second Accepted Scan Is Duplicate", func(t *testing.T) {
		require.NoError(t, store.CreateScan(ctx, scan("s-1", models.ScanCompleted)))
		err := store.CreateScan(ctx, scan("s-2", models.ScanCompleted))
		assert.ErrorIs(t, err, apperr.ErrDuplicateScan)

		prior, err := store.FindOccupyingScan(ctx, "p-1", "cp-1", 1)
		require.NoError(t, err)
		assert.Equal(t, "s-1", prior.ID)
	})
}

func TestMemoryStoreIssueScansWithoutIncident(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	add := func(id string, seq int, status models.ScanStatus, issue bool, reported string) {
		require.NoError(t, store.CreateScan(ctx, &models.CheckpointScan{
			ID: id, PatrolID: "p-1", CheckpointID: "cp-1", SequenceNumber: seq, Status: status,
			IssueReported: issue, ReportedIncidentID: reported,
		}))
	}
	add("s-plain", 1, models.ScanCompleted, false, "")
	add("s-failed", 2, models.ScanFailed, true, "")
	add("s-linked", 3, models.ScanCompleted, true, "inc-0")
	add("s-opened", 4, models.ScanCompleted, true, "")
	add("s-missing", 5, models.ScanAttempted, true, "")
	require.NoError(t, store.CreateIncident(ctx, &models.Incident{ID: "inc-1", ScanID: "s-opened"}))

	scans, err := store.ListIssueScansWithoutIncident(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "s-missing", scans[0].ID)
}

func TestMemoryStoreTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreatePatrol(ctx, newPatrol("p-1")))

	t.Run("Rollback On Error", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Transaction(ctx, func(tx Repository) error {
			p, err := tx.LockPatrol(ctx, "p-1")
			if err != nil {
				return err
			}
			p.CheckpointsScanned = 1
			if err := tx.UpdatePatrol(ctx, p); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		p, err := store.GetPatrol(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, 0, p.CheckpointsScanned)
		assert.Equal(t, 1, p.Version)
	})

	t.Run("Commit On Success", func(t *testing.T) {
		err := store.Transaction(ctx, func(tx Repository) error {
			p, err := tx.LockPatrol(ctx, "p-1")
			if err != nil {
				return err
			}
			p.CheckpointsScanned = 1
			return tx.UpdatePatrol(ctx, p)
		})
		require.NoError(t, err)

		p, err := store.GetPatrol(ctx, "p-1")
		require.NoError(t, err)
		assert.Equal(t, 1, p.CheckpointsScanned)
	})

	t.Run("Fault Hook Fails Operation", func(t *testing.T) {
		injected := errors.New("disk full")
		store.SetFault(func(op string) error {
			if op == "UpdatePatrol" {
				return injected
			}
			return nil
		})
		defer store.SetFault(nil)

		err := store.Transaction(ctx, func(tx Repository) error {
			p, err := tx.LockPatrol(ctx, "p-1")
			if err != nil {
				return err
			}
			return tx.UpdatePatrol(ctx, p)
		})
		assert.ErrorIs(t, err, injected)
	})
}

func TestMemoryStoreSweepQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := base.Add(24 * time.Hour)

	require.NoError(t, store.CreateCheckpoint(ctx, &models.Checkpoint{
		ID: "cp-due", Status: models.CheckpointActive, ScanFrequencyHours: 24,
		NextScanDue: &due, ComplianceStatus: models.ComplianceCompliant,
	}))
	require.NoError(t, store.CreateCheckpoint(ctx, &models.Checkpoint{
		ID: "cp-removed", Status: models.CheckpointRemoved, ScanFrequencyHours: 24,
		NextScanDue: &due, ComplianceStatus: models.ComplianceCompliant,
	}))
	require.NoError(t, store.CreateCheckpoint(ctx, &models.Checkpoint{
		ID: "cp-unscheduled", Status: models.CheckpointActive, ComplianceStatus: models.CompliancePending,
	}))

	listed, err := store.ListDueCheckpoints(ctx, due.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "cp-due", listed[0].ID)

	listed, err = store.ListDueCheckpoints(ctx, due.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	require.NoError(t, store.CreatePatrol(ctx, newPatrol("p-1")))
	patrols, err := store.ListScheduledPatrolsBefore(ctx, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Len(t, patrols, 1)
}
