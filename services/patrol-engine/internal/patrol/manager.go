// Package patrol owns the patrol lifecycle.
package patrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
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

// Manager drives patrols through scheduled, in_progress and their end states.
type Manager struct {
	store   database.Store
	cfg     config.PatrolConfig
	clock   utils.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewManager(store database.Store, cfg config.PatrolConfig, clock utils.Clock, m *metrics.Collector, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger.Named("patrol"),
	}
}

// Spec describes a patrol to schedule.
type Spec struct {
	ID                   string             `json:"id"`
	PropertyID           string             `json:"property_id"`
	GuardID              string             `json:"guard_id"`
	ScheduledAt          time.Time          `json:"scheduled_at"`
	ExpectedDurationMins int                `json:"expected_duration_minutes"`
	Route                []models.RouteStop `json:"route"`
}

func (s Spec) validate() error {
	var reasons []string
	if strings.TrimSpace(s.PropertyID) == "" {
		reasons = append(reasons, "property_id is required")
	}
	if strings.TrimSpace(s.GuardID) == "" {
		reasons = append(reasons, "guard_id is required")
	}
	if s.ScheduledAt.IsZero() {
		reasons = append(reasons, "scheduled_at is required")
	}
	if s.ExpectedDurationMins < 0 {
		reasons = append(reasons, "expected_duration_minutes must not be negative")
	}
	for i, stop := range s.Route {
		if strings.TrimSpace(stop.CheckpointID) == "" {
			reasons = append(reasons, fmt.Sprintf("route[%d].checkpoint_id is required", i))
		}
		if stop.OffsetMinutes < 0 {
			reasons = append(reasons, fmt.Sprintf("route[%d].offset_minutes must not be negative", i))
		}
	}
	if len(reasons) > 0 {
		return apperr.Validation("schedule patrol", reasons...)
	}
	return nil
}

// Schedule creates a patrol in the scheduled state.
func (m *Manager) Schedule(ctx context.Context, spec Spec) (*models.Patrol, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	id := spec.ID
	if id == "" {
		id = utils.GenerateID()
	}

	patrol := &models.Patrol{
		ID:                   id,
		PropertyID:           spec.PropertyID,
		GuardID:              spec.GuardID,
		Route:                append([]models.RouteStop(nil), spec.Route...),
		Status:               models.PatrolScheduled,
		ScheduledAt:          spec.ScheduledAt.UTC(),
		ExpectedDurationMins: spec.ExpectedDurationMins,
		CheckpointsTotal:     len(spec.Route),
		CheckpointCompliance: compliance.PatrolPercent(0, len(spec.Route)),
		IncidentIDs:          []string{},
	}
	if err := m.store.CreatePatrol(ctx, patrol); err != nil {
		return nil, fmt.Errorf("failed to create patrol: %w", err)
	}

	m.logger.Info("Patrol scheduled",
		zap.String("patrol_id", patrol.ID),
		zap.String("guard_id", patrol.GuardID),
		zap.Int("checkpoints", patrol.CheckpointsTotal),
		zap.Time("scheduled_at", patrol.ScheduledAt))
	return patrol, nil
}

// Start moves a scheduled patrol to in_progress.
func (m *Manager) Start(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return m.transition(ctx, "start patrol", patrolID, func(tx database.Repository, p *models.Patrol, now time.Time) error {
		if p.Status != models.PatrolScheduled {
			return apperr.InvalidState("start patrol", "patrol %s is %s, not scheduled", p.ID, p.Status)
		}
		p.Status = models.PatrolInProgress
		p.StartTime = utils.TimePtr(now)
		p.StartedOnTime = compliance.WithinWindow(now, p.ScheduledAt, m.cfg.OnTimeWindow)

		return m.updateProperty(ctx, tx, p.PropertyID, func(prop *models.Property) {
			prop.ActiveGuards++
		})
	})
}

// End closes an in-progress patrol as completed when every checkpoint was
// scanned, otherwise as incomplete.
func (m *Manager) End(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return m.transition(ctx, "end patrol", patrolID, func(tx database.Repository, p *models.Patrol, now time.Time) error {
		if p.Status != models.PatrolInProgress {
			return apperr.InvalidState("end patrol", "patrol %s is %s, not in_progress", p.ID, p.Status)
		}
		p.EndTime = utils.TimePtr(now)
		if p.StartTime != nil {
			p.ActualDurationMinutes = int(math.Round(now.Sub(*p.StartTime).Minutes()))
		}
		p.CompletedOnTime = m.completedOnTime(p, now)

		if p.CheckpointsScanned >= p.CheckpointsTotal {
			p.Status = models.PatrolCompleted
		} else {
			p.Status = models.PatrolIncomplete
		}

		completed := p.Status == models.PatrolCompleted
		return m.updateProperty(ctx, tx, p.PropertyID, func(prop *models.Property) {
			prop.ActiveGuards = utils.ClampInt(prop.ActiveGuards-1, 0, math.MaxInt32)
			if completed {
				prop.LastPatrolTimestamp = utils.TimePtr(now)
			}
		})
	})
}

// Cancel ends any non-terminal patrol. No further scans are accepted.
func (m *Manager) Cancel(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return m.transition(ctx, "cancel patrol", patrolID, func(tx database.Repository, p *models.Patrol, now time.Time) error {
		if p.Status.Terminal() {
			return apperr.InvalidState("cancel patrol", "patrol %s is already %s", p.ID, p.Status)
		}
		wasActive := p.Status == models.PatrolInProgress
		p.Status = models.PatrolCanceled
		if wasActive {
			p.EndTime = utils.TimePtr(now)
			return m.updateProperty(ctx, tx, p.PropertyID, func(prop *models.Property) {
				prop.ActiveGuards = utils.ClampInt(prop.ActiveGuards-1, 0, math.MaxInt32)
			})
		}
		return nil
	})
}

// completedOnTime compares the end with scheduled_at plus the expected
// duration. Without an expected duration only the start can be judged.
func (m *Manager) completedOnTime(p *models.Patrol, end time.Time) bool {
	if p.ExpectedDurationMins <= 0 {
		return p.StartedOnTime
	}
	expectedEnd := p.ScheduledAt.Add(time.Duration(p.ExpectedDurationMins) * time.Minute)
	return !end.After(expectedEnd.Add(m.cfg.OnTimeWindow))
}

func (m *Manager) transition(ctx context.Context, op, patrolID string, apply func(tx database.Repository, p *models.Patrol, now time.Time) error) (*models.Patrol, error) {
	var result *models.Patrol
	var from models.PatrolStatus

	err := m.store.Transaction(ctx, func(tx database.Repository) error {
		p, err := tx.LockPatrol(ctx, patrolID)
		if err != nil {
			return err
		}
		from = p.Status
		if err := apply(tx, p, m.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdatePatrol(ctx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidState) || errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	m.metrics.RecordPatrolTransition(string(result.Status))
	m.logger.Info("Patrol transitioned",
		zap.String("patrol_id", result.ID),
		zap.String("from", string(from)),
		zap.String("to", string(result.Status)))
	return result, nil
}

func (m *Manager) updateProperty(ctx context.Context, tx database.Repository, propertyID string, mutate func(*models.Property)) error {
	prop, err := tx.GetProperty(ctx, propertyID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mutate(prop)
	return tx.UpdateProperty(ctx, prop)
}

// SweepResult counts what one missed-patrol sweep did.
type SweepResult struct {
	Marked   []*models.Patrol
	Deferred int
}

// SweepMissed marks scheduled patrols that never started within the grace
// period as missed. A patrol changed concurrently is left for the next pass.
func (m *Manager) SweepMissed(ctx context.Context, limit int) (SweepResult, error) {
	var result SweepResult
	now := m.clock.Now()

	candidates, err := m.store.ListScheduledPatrolsBefore(ctx, now.Add(-m.cfg.MissedGrace), limit)
	if err != nil {
		return result, fmt.Errorf("failed to list scheduled patrols: %w", err)
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var marked *models.Patrol
		err := m.store.Transaction(ctx, func(tx database.Repository) error {
			p, err := tx.LockPatrol(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if p.Version != candidate.Version || p.Status != models.PatrolScheduled {
				return apperr.ErrVersionConflict
			}
			p.Status = models.PatrolMissed
			if err := tx.UpdatePatrol(ctx, p); err != nil {
				return err
			}
			marked = p
			return nil
		})

		switch {
		case err == nil:
			result.Marked = append(result.Marked, marked)
			m.metrics.RecordPatrolTransition(string(models.PatrolMissed))
			m.logger.Warn("Patrol missed",
				zap.String("patrol_id", marked.ID),
				zap.String("guard_id", marked.GuardID),
				zap.Time("scheduled_at", marked.ScheduledAt))
		case errors.Is(err, apperr.ErrVersionConflict):
			result.Deferred++
			m.logger.Debug("Patrol changed during sweep, deferring", zap.String("patrol_id", candidate.ID))
		default:
			return result, fmt.Errorf("failed to mark patrol %s missed: %w", candidate.ID, err)
		}
	}
	return result, nil
}

// Compliance is the patrol's progress summary.
type Compliance struct {
	PatrolID string              `json:"patrol_id"`
	Status   models.PatrolStatus `json:"status"`
	Scanned  int                 `json:"scanned"`
	Total    int                 `json:"total"`
	Percent  int                 `json:"pct"`
	OnTime   bool                `json:"on_time"`
}

// Compliance reports scanned/total for a patrol. OnTime reflects the start
// while the patrol runs and both start and completion once it has ended.
func (m *Manager) Compliance(ctx context.Context, patrolID string) (*Compliance, error) {
	p, err := m.store.GetPatrol(ctx, patrolID)
	if err != nil {
		return nil, err
	}
	onTime := p.StartedOnTime
	if p.EndTime != nil {
		onTime = onTime && p.CompletedOnTime
	}
	return &Compliance{
		PatrolID: p.ID,
		Status:   p.Status,
		Scanned:  p.CheckpointsScanned,
		Total:    p.CheckpointsTotal,
		Percent:  compliance.PatrolPercent(p.CheckpointsScanned, p.CheckpointsTotal),
		OnTime:   onTime,
	}, nil
}
