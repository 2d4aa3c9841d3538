package database

import (
	"context"
	"time"

	"github.com/aegisshield/patrol/shared/models"
)

// Repository is the persistence surface used by the engine. Update methods
// are optimistic: they compare the record's Version with the stored one,
// fail with apperr.ErrVersionConflict on mismatch and bump Version on success.
type Repository interface {
	CreateProperty(ctx context.Context, property *models.Property) error
	GetProperty(ctx context.Context, id string) (*models.Property, error)
	UpdateProperty(ctx context.Context, property *models.Property) error

	CreateCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error
	// ListDueCheckpoints returns active checkpoints whose next scan is due
	// before now and that are not yet marked overdue.
	ListDueCheckpoints(ctx context.Context, now time.Time, limit int) ([]*models.Checkpoint, error)

	CreatePatrol(ctx context.Context, patrol *models.Patrol) error
	GetPatrol(ctx context.Context, id string) (*models.Patrol, error)
	// LockPatrol reads the patrol and holds its row until the transaction ends.
	LockPatrol(ctx context.Context, id string) (*models.Patrol, error)
	UpdatePatrol(ctx context.Context, patrol *models.Patrol) error
	ListScheduledPatrolsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Patrol, error)

	// CreateScan enforces one non-failed scan per (patrol, checkpoint, sequence)
	// and returns apperr.ErrDuplicateScan otherwise.
	CreateScan(ctx context.Context, scan *models.CheckpointScan) error
	GetScan(ctx context.Context, id string) (*models.CheckpointScan, error)
	FindOccupyingScan(ctx context.Context, patrolID, checkpointID string, sequence int) (*models.CheckpointScan, error)
	UpdateScan(ctx context.Context, scan *models.CheckpointScan) error
	ListScansForReconciliation(ctx context.Context, now time.Time, limit int) ([]*models.CheckpointScan, error)
	ListScansNeedingReview(ctx context.Context, limit int) ([]*models.CheckpointScan, error)
	// ListIssueScansWithoutIncident returns accepted scans that reported a new
	// issue but have no incident opened for them.
	ListIssueScansWithoutIncident(ctx context.Context, limit int) ([]*models.CheckpointScan, error)

	CreateIncident(ctx context.Context, incident *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	UpdateIncident(ctx context.Context, incident *models.Incident) error
	FindIncidentByScan(ctx context.Context, scanID string) (*models.Incident, error)
	ListActiveIncidents(ctx context.Context, limit int) ([]*models.Incident, error)

	CreateNotification(ctx context.Context, notification *models.Notification) error
	UpdateNotification(ctx context.Context, notification *models.Notification) error
	ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error)
}

// Store is a Repository that can also run transactions.
type Store interface {
	Repository
	// Transaction runs fn atomically. fn must only use the Repository it is given.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}

func now() time.Time {
	return time.Now().UTC()
}
