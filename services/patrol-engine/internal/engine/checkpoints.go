package engine

import (
	"context"
	"time"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/registry"
	"github.com/aegisshield/patrol/shared/models"
)

// CheckpointStatus is a checkpoint's compliance as of the request.
type CheckpointStatus struct {
	CheckpointID     string                  `json:"checkpoint_id"`
	ComplianceStatus models.ComplianceStatus `json:"compliance_status"`
	NextDue          *time.Time              `json:"next_due,omitempty"`
	LastScanned      *time.Time              `json:"last_scanned,omitempty"`
}

func (e *Engine) RegisterCheckpoint(ctx context.Context, spec registry.CheckpointSpec) (*models.Checkpoint, error) {
	return e.registry.Register(ctx, spec)
}

func (e *Engine) RemoveCheckpoint(ctx context.Context, checkpointID string) error {
	return e.registry.Remove(ctx, checkpointID)
}

// GetCheckpointStatus derives the status at the current time, so a
// checkpoint past its due time reads overdue even before the next sweep.
func (e *Engine) GetCheckpointStatus(ctx context.Context, checkpointID string) (*CheckpointStatus, error) {
	c, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return &CheckpointStatus{
		CheckpointID:     c.ID,
		ComplianceStatus: compliance.Status(c, e.clock.Now()),
		NextDue:          c.NextScanDue,
		LastScanned:      c.LastScanned,
	}, nil
}
