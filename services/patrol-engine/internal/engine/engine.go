// Package engine exposes the patrol and checkpoint compliance operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/cascade"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/incident"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/patrol"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/registry"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/verifier"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

const sweepBatch = 500

// Publisher receives domain events for live subscribers. It must not block.
type Publisher interface {
	Publish(ctx context.Context, event models.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, models.Event) {}

// Engine wires the verifier, aggregator, cascade, patrol lifecycle and
// incident escalation into the operations exposed to transports.
type Engine struct {
	store     database.Store
	registry  *registry.Registry
	verifier  *verifier.Verifier
	cascade   *cascade.Updater
	patrols   *patrol.Manager
	incidents *incident.Controller
	publisher Publisher
	clock     utils.Clock
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
	sweepMu   sync.Mutex
}

// New builds an Engine over store. notifier and publisher may be nil.
func New(cfg *config.Config, store database.Store, notifier incident.Notifier, publisher Publisher, clock utils.Clock, m *metrics.Collector, logger *zap.Logger) *Engine {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	reg := registry.New(store, cfg.Registry, logger)
	return &Engine{
		store:     store,
		registry:  reg,
		verifier:  verifier.New(reg, cfg.Verification, clock, logger),
		cascade:   cascade.NewUpdater(store, compliance.NewAggregator(), cfg.Cascade, clock, m, logger),
		patrols:   patrol.NewManager(store, cfg.Patrol, clock, m, logger),
		incidents: incident.NewController(store, cfg.Escalation, clock, notifier, m, logger),
		publisher: publisher,
		clock:     clock,
		timeout:   cfg.Verification.ScanTimeout,
		metrics:   m,
		logger:    logger.Named("engine"),
	}
}

// ScanResult is the definitive answer to a scan submission.
type ScanResult struct {
	Accepted   bool              `json:"accepted"`
	ScanID     string            `json:"scan_id,omitempty"`
	Status     models.ScanStatus `json:"status,omitempty"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	Reasons    []string          `json:"reasons,omitempty"`
	IncidentID string            `json:"incident_id,omitempty"`
}

// SubmitScan verifies a scan and commits it. Rejections that leave no record
// (validation, patrol state, unknown or corrupt policy) are returned as errors
// with a rejected result. Scans failing verification are recorded and
// returned with Accepted false. Resubmitting an accepted scan returns the
// original scan id.
func (e *Engine) SubmitScan(ctx context.Context, sub *verifier.Submission) (*ScanResult, error) {
	start := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	result, err := e.submitScan(ctx, sub)
	outcome := "rejected"
	switch {
	case err != nil:
		result = &ScanResult{Accepted: false, Reasons: apperr.Reasons(err)}
	case result.Duplicate:
		outcome = "duplicate"
	case result.Accepted:
		outcome = string(result.Status)
	default:
		outcome = "failed"
	}
	e.metrics.RecordScan(outcome, time.Since(start))
	return result, err
}

func (e *Engine) submitScan(ctx context.Context, sub *verifier.Submission) (*ScanResult, error) {
	if err := e.verifier.Validate(sub); err != nil {
		return nil, err
	}

	p, err := e.store.GetPatrol(ctx, sub.PatrolID)
	if err != nil {
		return nil, err
	}

	if seq := verifier.ResolveSequence(p, sub); seq > 0 {
		if prior, ok, err := e.priorScan(ctx, p.ID, sub.CheckpointID, seq); err != nil {
			return nil, err
		} else if ok {
			return prior, nil
		}
	}

	scan, err := e.verifier.Verify(ctx, sub, p)
	if err != nil {
		return nil, err
	}

	if scan.Status == models.ScanFailed {
		if err := e.store.CreateScan(ctx, scan); err != nil {
			return nil, fmt.Errorf("failed to record failed scan: %w", err)
		}
		e.logger.Info("Scan failed verification",
			zap.String("scan_id", scan.ID),
			zap.String("patrol_id", p.ID),
			zap.String("checkpoint_id", scan.CheckpointID),
			zap.Strings("reasons", scan.FailureReasons))
		return &ScanResult{Accepted: false, ScanID: scan.ID, Status: scan.Status, Reasons: scan.FailureReasons}, nil
	}

	event := models.ScanVerified{Scan: scan, PatrolID: p.ID, PropertyID: p.PropertyID, Issue: scan.IssueReported, At: scan.ScanTime}
	outcome, err := e.cascade.Commit(ctx, event)
	if errors.Is(err, apperr.ErrDuplicateScan) {
		if prior, ok, lookupErr := e.priorScan(ctx, p.ID, scan.CheckpointID, scan.SequenceNumber); lookupErr == nil && ok {
			return prior, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	result := &ScanResult{Accepted: true, ScanID: scan.ID, Status: outcome.Status}
	e.logger.Info("Scan accepted",
		zap.String("scan_id", scan.ID),
		zap.String("patrol_id", p.ID),
		zap.String("checkpoint_id", scan.CheckpointID),
		zap.Int("sequence_number", scan.SequenceNumber),
		zap.String("status", string(outcome.Status)))

	eventType := models.EventScanAccepted
	if outcome.Status == models.ScanAttempted {
		eventType = models.EventScanAttempted
	}
	e.publish(ctx, eventType, p.PropertyID, scan.ID, scan)
	if outcome.Patrol != nil {
		e.publish(ctx, models.EventPatrolTransitioned, p.PropertyID, p.ID, outcome.Patrol)
	}

	result.IncidentID = e.raiseIncident(ctx, scan)
	return result, nil
}

// raiseIncident opens or links the incident for a committed scan that
// reported an issue. Failures are logged; a resubmission of the scan or the
// next reconciler pass opens the incident instead.
func (e *Engine) raiseIncident(ctx context.Context, scan *models.CheckpointScan) string {
	if !scan.IssueReported || scan.Status == models.ScanFailed {
		return ""
	}
	res, err := e.incidents.FromScan(ctx, scan)
	if err != nil {
		e.logger.Error("Failed to raise incident for scan", zap.String("scan_id", scan.ID), zap.Error(err))
		return ""
	}
	if res == nil {
		return ""
	}
	e.publishIncident(ctx, res)
	return res.Incident.ID
}

func (e *Engine) priorScan(ctx context.Context, patrolID, checkpointID string, seq int) (*ScanResult, bool, error) {
	prior, err := e.store.FindOccupyingScan(ctx, patrolID, checkpointID, seq)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	e.logger.Debug("Duplicate scan submission", zap.String("scan_id", prior.ID))
	return &ScanResult{
		Accepted:   true,
		ScanID:     prior.ID,
		Status:     prior.Status,
		Duplicate:  true,
		IncidentID: e.raiseIncident(ctx, prior),
	}, true, nil
}

func (e *Engine) publish(ctx context.Context, t models.EventType, propertyID, entityID string, data interface{}) {
	e.publisher.Publish(ctx, models.Event{
		Type:       t,
		PropertyID: propertyID,
		EntityID:   entityID,
		Data:       data,
		Timestamp:  e.clock.Now(),
	})
}

func (e *Engine) publishIncident(ctx context.Context, res *incident.Result) {
	i := res.Incident
	switch {
	case res.Escalated:
		e.publish(ctx, models.EventIncidentEscalated, i.PropertyID, i.ID, i)
	case res.Created:
		e.publish(ctx, models.EventIncidentCreated, i.PropertyID, i.ID, i)
	}
}

// GetScan returns a recorded scan.
func (e *Engine) GetScan(ctx context.Context, scanID string) (*models.CheckpointScan, error) {
	return e.store.GetScan(ctx, scanID)
}

// ListScansNeedingReview returns attempted scans the reconciler gave up on.
func (e *Engine) ListScansNeedingReview(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	return e.store.ListScansNeedingReview(ctx, limit)
}

// Reconcile retries the cascade for attempted scans, then opens incidents
// for issue scans whose incident was never created.
func (e *Engine) Reconcile(ctx context.Context) (cascade.ReconcileResult, error) {
	result, err := e.cascade.Reconcile(ctx)
	if err != nil {
		return result, err
	}

	scans, err := e.store.ListIssueScansWithoutIncident(ctx, sweepBatch)
	if err != nil {
		return result, fmt.Errorf("failed to list issue scans without incident: %w", err)
	}
	for _, scan := range scans {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if e.raiseIncident(ctx, scan) != "" {
			result.IncidentsOpened++
		}
	}
	if result.IncidentsOpened > 0 {
		e.logger.Info("Opened incidents for earlier issue scans", zap.Int("count", result.IncidentsOpened))
	}
	return result, nil
}

// Ping checks the backing store.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
