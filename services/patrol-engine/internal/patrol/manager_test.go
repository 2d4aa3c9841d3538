package patrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
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

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var scheduled = time.Date(2026, 5, 4, 21, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *database.MemoryStore, *manualClock) {
	t.Helper()
	store := database.NewMemoryStore()
	require.NoError(t, store.CreateProperty(context.Background(), &models.Property{ID: "prop-1", Name: "Harbour Warehouse"}))

	clock := &manualClock{now: scheduled.Add(-time.Hour)}
	cfg := config.PatrolConfig{MissedGrace: 30 * time.Minute, OnTimeWindow: 15 * time.Minute}
	return NewManager(store, cfg, clock, metrics.NewCollector(prometheus.NewRegistry()), zaptest.NewLogger(t)), store, clock
}

func schedule(t *testing.T, m *Manager, id string, stops int) *models.Patrol {
	t.Helper()
	spec := Spec{ID: id, PropertyID: "prop-1", GuardID: "guard-7", ScheduledAt: scheduled, ExpectedDurationMins: 60}
	for i := 0; i < stops; i++ {
		spec.Route = append(spec.Route, models.RouteStop{CheckpointID: "cp-" + string(rune('a'+i)), OffsetMinutes: i * 10})
	}
	p, err := m.Schedule(context.Background(), spec)
	require.NoError(t, err)
	return p
}

func TestSchedule(t *testing.T) {
	m, _, _ := newManager(t)

	t.Run("Creates Scheduled Patrol", func(t *testing.T) {
		p := schedule(t, m, "patrol-1", 5)
		assert.Equal(t, models.PatrolScheduled, p.Status)
		assert.Equal(t, 5, p.CheckpointsTotal)
		assert.Equal(t, 0, p.CheckpointCompliance)
		assert.Equal(t, 1, p.Version)
	})

	t.Run("Empty Route Is Fully Compliant", func(t *testing.T) {
		p := schedule(t, m, "patrol-empty", 0)
		assert.Equal(t, 100, p.CheckpointCompliance)
	})

	t.Run("Rejects Invalid Spec", func(t *testing.T) {
		_, err := m.Schedule(context.Background(), Spec{Route: []models.RouteStop{{OffsetMinutes: -1}}})
		require.ErrorIs(t, err, apperr.ErrValidation)
		reasons := apperr.Reasons(err)
		assert.Contains(t, reasons, "property_id is required")
		assert.Contains(t, reasons, "route[0].checkpoint_id is required")
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Start Within Window", func(t *testing.T) {
		m, store, clock := newManager(t)
		schedule(t, m, "patrol-1", 2)
		clock.Set(scheduled.Add(10 * time.Minute))

		p, err := m.Start(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolInProgress, p.Status)
		assert.True(t, p.StartedOnTime)
		require.NotNil(t, p.StartTime)

		prop, err := store.GetProperty(ctx, "prop-1")
		require.NoError(t, err)
		assert.Equal(t, 1, prop.ActiveGuards)

		_, err = m.Start(ctx, "patrol-1")
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})

	t.Run("Late Start", func(t *testing.T) {
		m, _, clock := newManager(t)
		schedule(t, m, "patrol-1", 2)
		clock.Set(scheduled.Add(16 * time.Minute))

		p, err := m.Start(ctx, "patrol-1")
		require.NoError(t, err)
		assert.False(t, p.StartedOnTime)
	})

	t.Run("End With Missing Checkpoints Is Incomplete", func(t *testing.T) {
		m, store, clock := newManager(t)
		schedule(t, m, "patrol-1", 5)
		clock.Set(scheduled)
		_, err := m.Start(ctx, "patrol-1")
		require.NoError(t, err)

		p, err := store.GetPatrol(ctx, "patrol-1")
		require.NoError(t, err)
		p.CheckpointsScanned = 3
		require.NoError(t, store.UpdatePatrol(ctx, p))

		clock.Set(scheduled.Add(50 * time.Minute))
		ended, err := m.End(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolIncomplete, ended.Status)
		assert.Equal(t, 50, ended.ActualDurationMinutes)
		assert.True(t, ended.CompletedOnTime)

		prop, err := store.GetProperty(ctx, "prop-1")
		require.NoError(t, err)
		assert.Equal(t, 0, prop.ActiveGuards)
		assert.Nil(t, prop.LastPatrolTimestamp)

		summary, err := m.Compliance(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, 60, summary.Percent)

		// incomplete is not terminal for cancellation
		canceled, err := m.Cancel(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolCanceled, canceled.Status)
	})

	t.Run("End With All Checkpoints Completes", func(t *testing.T) {
		m, store, clock := newManager(t)
		schedule(t, m, "patrol-1", 1)
		clock.Set(scheduled)
		_, err := m.Start(ctx, "patrol-1")
		require.NoError(t, err)

		p, err := store.GetPatrol(ctx, "patrol-1")
		require.NoError(t, err)
		p.CheckpointsScanned = 1
		require.NoError(t, store.UpdatePatrol(ctx, p))

		end := scheduled.Add(90 * time.Minute)
		clock.Set(end)
		ended, err := m.End(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolCompleted, ended.Status)
		assert.False(t, ended.CompletedOnTime)

		prop, err := store.GetProperty(ctx, "prop-1")
		require.NoError(t, err)
		require.NotNil(t, prop.LastPatrolTimestamp)
		assert.Equal(t, end, *prop.LastPatrolTimestamp)

		_, err = m.Cancel(ctx, "patrol-1")
		assert.ErrorIs(t, err, apperr.ErrInvalidState)

		summary, err := m.Compliance(ctx, "patrol-1")
		require.NoError(t, err)
		assert.False(t, summary.OnTime)
	})

	t.Run("Cancel Scheduled", func(t *testing.T) {
		m, store, _ := newManager(t)
		schedule(t, m, "patrol-1", 1)

		p, err := m.Cancel(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolCanceled, p.Status)

		_, err = m.Start(ctx, "patrol-1")
		assert.ErrorIs(t, err, apperr.ErrInvalidState)

		prop, err := store.GetProperty(ctx, "prop-1")
		require.NoError(t, err)
		assert.Equal(t, 0, prop.ActiveGuards)
	})

	t.Run("Unknown Patrol", func(t *testing.T) {
		m, _, _ := newManager(t)
		_, err := m.Start(ctx, "nope")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestSweepMissed(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newManager(t)
	schedule(t, m, "patrol-late", 1)
	schedule(t, m, "patrol-started", 1)

	clock.Set(scheduled.Add(5 * time.Minute))
	_, err := m.Start(ctx, "patrol-started")
	require.NoError(t, err)

	t.Run("Within Grace", func(t *testing.T) {
		clock.Set(scheduled.Add(29 * time.Minute))
		result, err := m.SweepMissed(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, result.Marked)
	})

	t.Run("After Grace", func(t *testing.T) {
		clock.Set(scheduled.Add(31 * time.Minute))
		result, err := m.SweepMissed(ctx, 100)
		require.NoError(t, err)
		require.Len(t, result.Marked, 1)
		assert.Equal(t, "patrol-late", result.Marked[0].ID)
		assert.Equal(t, models.PatrolMissed, result.Marked[0].Status)

		p, err := store.GetPatrol(ctx, "patrol-started")
		require.NoError(t, err)
		assert.Equal(t, models.PatrolInProgress, p.Status)
	})

	t.Run("Idempotent", func(t *testing.T) {
		result, err := m.SweepMissed(ctx, 100)
		require.NoError(t, err)
		assert.Empty(t, result.Marked)
		assert.Zero(t, result.Deferred)
	})
}

func TestSweepDefersOnConcurrentChange(t *testing.T) {
	ctx := context.Background()
	m, store, clock := newManager(t)
	schedule(t, m, "patrol-1", 1)
	clock.Set(scheduled.Add(time.Hour))

	store.SetFault(func(op string) error {
		if op == "UpdatePatrol" {
			return apperr.ErrVersionConflict
		}
		return nil
	})
	result, err := m.SweepMissed(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, result.Marked)
	assert.Equal(t, 1, result.Deferred)

	store.SetFault(func(op string) error {
		if op == "LockPatrol" {
			return errors.New("connection refused")
		}
		return nil
	})
	_, err = m.SweepMissed(ctx, 100)
	assert.Error(t, err)

	store.SetFault(nil)
	p, err := store.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, models.PatrolScheduled, p.Status)
}
