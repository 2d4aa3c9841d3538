package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/shared/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

// GormStore is the postgres-backed Store
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Connect establishes a database connection
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &GormStore{db: db, logger: log.Named("database")}, nil
}

// RunMigrations applies the embedded schema migrations
func (s *GormStore) RunMigrations() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Info("Database migrations applied")
	return nil
}

// Transaction executes a function within a database transaction
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, logger: s.logger})
	})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) first(ctx context.Context, dest interface{}, entity, id string) error {
	err := s.db.WithContext(ctx).First(dest, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("get", entity, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s %s: %w", entity, id, err)
	}
	return nil
}

// updateVersioned writes every column of record when its stored version
// still equals *version, then advances *version.
func (s *GormStore) updateVersioned(ctx context.Context, record interface{}, version *int, entity, id string) error {
	current := *version
	*version = current + 1

	result := s.db.WithContext(ctx).Model(record).
		Where("version = ?", current).
		Select("*").Omit("created_at").
		Updates(record)
	if result.Error != nil {
		*version = current
		return fmt.Errorf("failed to update %s %s: %w", entity, id, result.Error)
	}
	if result.RowsAffected == 0 {
		*version = current
		return &apperr.Error{Kind: apperr.ErrVersionConflict, Op: "update " + entity, Reasons: []string{id}}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Property

func (s *GormStore) CreateProperty(ctx context.Context, property *models.Property) error {
	property.Version = 1
	if err := s.db.WithContext(ctx).Create(property).Error; err != nil {
		return fmt.Errorf("failed to create property: %w", err)
	}
	return nil
}

func (s *GormStore) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	var property models.Property
	if err := s.first(ctx, &property, "property", id); err != nil {
		return nil, err
	}
	return &property, nil
}

func (s *GormStore) UpdateProperty(ctx context.Context, property *models.Property) error {
	return s.updateVersioned(ctx, property, &property.Version, "property", property.ID)
}

// Checkpoint

func (s *GormStore) CreateCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	checkpoint.Version = 1
	if err := s.db.WithContext(ctx).Create(checkpoint).Error; err != nil {
		s.logger.Error("Failed to create checkpoint", zap.String("checkpoint_id", checkpoint.ID), zap.Error(err))
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

func (s *GormStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	if err := s.first(ctx, &checkpoint, "checkpoint", id); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *GormStore) UpdateCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	return s.updateVersioned(ctx, checkpoint, &checkpoint.Version, "checkpoint", checkpoint.ID)
}

func (s *GormStore) ListDueCheckpoints(ctx context.Context, now time.Time, limit int) ([]*models.Checkpoint, error) {
	var checkpoints []*models.Checkpoint
	err := s.db.WithContext(ctx).
		Where("status = ? AND scan_frequency_hours > 0 AND next_scan_due < ? AND compliance_status <> ?",
			models.CheckpointActive, now, models.ComplianceOverdue).
		Order("next_scan_due ASC").
		Limit(limit).
		Find(&checkpoints).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Patrol

func (s *GormStore) CreatePatrol(ctx context.Context, patrol *models.Patrol) error {
	patrol.Version = 1
	if err := s.db.WithContext(ctx).Create(patrol).Error; err != nil {
		s.logger.Error("Failed to create patrol", zap.String("patrol_id", patrol.ID), zap.Error(err))
		return fmt.Errorf("failed to create patrol: %w", err)
	}
	return nil
}

func (s *GormStore) GetPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	var patrol models.Patrol
	if err := s.first(ctx, &patrol, "patrol", id); err != nil {
		return nil, err
	}
	return &patrol, nil
}

func (s *GormStore) LockPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	var patrol models.Patrol
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&patrol, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("lock", "patrol", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock patrol %s: %w", id, err)
	}
	return &patrol, nil
}

func (s *GormStore) UpdatePatrol(ctx context.Context, patrol *models.Patrol) error {
	return s.updateVersioned(ctx, patrol, &patrol.Version, "patrol", patrol.ID)
}

func (s *GormStore) ListScheduledPatrolsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Patrol, error) {
	var patrols []*models.Patrol
	err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at < ?", models.PatrolScheduled, cutoff).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&patrols).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled patrols: %w", err)
	}
	return patrols, nil
}

// Scan

func (s *GormStore) CreateScan(ctx context.Context, scan *models.CheckpointScan) error {
	err := s.db.WithContext(ctx).Create(scan).Error
	if isUniqueViolation(err) {
		return &apperr.Error{Kind: apperr.ErrDuplicateScan, Op: "create scan",
			Reasons: []string{fmt.Sprintf("patrol %s checkpoint %s sequence %d", scan.PatrolID, scan.CheckpointID, scan.SequenceNumber)}}
	}
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

func (s *GormStore) GetScan(ctx context.Context, id string) (*models.CheckpointScan, error) {
	var scan models.CheckpointScan
	if err := s.first(ctx, &scan, "scan", id); err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *GormStore) FindOccupyingScan(ctx context.Context, patrolID, checkpointID string, sequence int) (*models.CheckpointScan, error) {
	var scan models.CheckpointScan
	err := s.db.WithContext(ctx).
		Where("patrol_id = ? AND checkpoint_id = ? AND sequence_number = ? AND status <> ?",
			patrolID, checkpointID, sequence, models.ScanFailed).
		First(&scan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("find scan", "scan slot", fmt.Sprintf("%s/%s/%d", patrolID, checkpointID, sequence))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find scan: %w", err)
	}
	return &scan, nil
}

func (s *GormStore) UpdateScan(ctx context.Context, scan *models.CheckpointScan) error {
	err := s.db.WithContext(ctx).Model(scan).Select("*").Omit("created_at").Updates(scan).Error
	if err != nil {
		return fmt.Errorf("failed to update scan %s: %w", scan.ID, err)
	}
	return nil
}

func (s *GormStore) ListScansForReconciliation(ctx context.Context, now time.Time, limit int) ([]*models.CheckpointScan, error) {
	var scans []*models.CheckpointScan
	err := s.db.WithContext(ctx).
		Where("status = ? AND needs_review = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			models.ScanAttempted, false, now).
		Order("scan_time ASC").
		Limit(limit).
		Find(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scans for reconciliation: %w", err)
	}
	return scans, nil
}

func (s *GormStore) ListScansNeedingReview(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	var scans []*models.CheckpointScan
	err := s.db.WithContext(ctx).
		Where("needs_review = ?", true).
		Order("scan_time ASC").
		Limit(limit).
		Find(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scans needing review: %w", err)
	}
	return scans, nil
}

func (s *GormStore) ListIssueScansWithoutIncident(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	var scans []*models.CheckpointScan
	err := s.db.WithContext(ctx).
		Where("issue_reported = ? AND status <> ? AND reported_incident_id = ''", true, models.ScanFailed).
		Where("NOT EXISTS (SELECT 1 FROM incidents WHERE incidents.scan_id = checkpoint_scans.id)").
		Order("scan_time ASC").
		Limit(limit).
		Find(&scans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list issue scans without incident: %w", err)
	}
	return scans, nil
}

// Incident

func (s *GormStore) CreateIncident(ctx context.Context, incident *models.Incident) error {
	incident.Version = 1
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		s.logger.Error("Failed to create incident", zap.String("incident_id", incident.ID), zap.Error(err))
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *GormStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	var incident models.Incident
	if err := s.first(ctx, &incident, "incident", id); err != nil {
		return nil, err
	}
	return &incident, nil
}

func (s *GormStore) UpdateIncident(ctx context.Context, incident *models.Incident) error {
	return s.updateVersioned(ctx, incident, &incident.Version, "incident", incident.ID)
}

func (s *GormStore) FindIncidentByScan(ctx context.Context, scanID string) (*models.Incident, error) {
	var incident models.Incident
	err := s.db.WithContext(ctx).Where("scan_id = ?", scanID).Order("reported_at ASC").First(&incident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("find incident", "incident for scan", scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find incident for scan %s: %w", scanID, err)
	}
	return &incident, nil
}

func (s *GormStore) ListActiveIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	var incidents []*models.Incident
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []models.IncidentStatus{models.IncidentResolved, models.IncidentClosed, models.IncidentFalseAlarm}).
		Order("reported_at ASC").
		Limit(limit).
		Find(&incidents).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active incidents: %w", err)
	}
	return incidents, nil
}

// Notification

func (s *GormStore) CreateNotification(ctx context.Context, notification *models.Notification) error {
	if err := s.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateNotification(ctx context.Context, notification *models.Notification) error {
	err := s.db.WithContext(ctx).Model(notification).Select("*").Omit("created_at").Updates(notification).Error
	if err != nil {
		return fmt.Errorf("failed to update notification %s: %w", notification.ID, err)
	}
	return nil
}

func (s *GormStore) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	var notifications []*models.Notification
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.NotificationPending, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pending notifications: %w", err)
	}
	return notifications, nil
}
