package engine

import (
	"context"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/patrol"
	"github.com/aegisshield/patrol/shared/models"
)

func (e *Engine) SchedulePatrol(ctx context.Context, spec patrol.Spec) (*models.Patrol, error) {
	p, err := e.patrols.Schedule(ctx, spec)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, models.EventPatrolTransitioned, p.PropertyID, p.ID, p)
	return p, nil
}

func (e *Engine) GetPatrol(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return e.store.GetPatrol(ctx, patrolID)
}

func (e *Engine) GetPatrolCompliance(ctx context.Context, patrolID string) (*patrol.Compliance, error) {
	return e.patrols.Compliance(ctx, patrolID)
}

func (e *Engine) StartPatrol(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return e.transitioned(ctx)(e.patrols.Start(ctx, patrolID))
}

func (e *Engine) EndPatrol(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return e.transitioned(ctx)(e.patrols.End(ctx, patrolID))
}

func (e *Engine) CancelPatrol(ctx context.Context, patrolID string) (*models.Patrol, error) {
	return e.transitioned(ctx)(e.patrols.Cancel(ctx, patrolID))
}

func (e *Engine) transitioned(ctx context.Context) func(*models.Patrol, error) (*models.Patrol, error) {
	return func(p *models.Patrol, err error) (*models.Patrol, error) {
		if err != nil {
			return nil, err
		}
		e.publish(ctx, models.EventPatrolTransitioned, p.PropertyID, p.ID, p)
		return p, nil
	}
}
