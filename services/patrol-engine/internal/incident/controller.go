// Package incident creates incidents from scan issues and advances their
// escalation.
package incident

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// Notifier hands committed outbox records to the delivery workers. It must not block.
type Notifier interface {
	Enqueue(n *models.Notification)
}

// Controller is the incident escalation state machine.
type Controller struct {
	store    database.Store
	cfg      config.EscalationConfig
	clock    utils.Clock
	notifier Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewController(store database.Store, cfg config.EscalationConfig, clock utils.Clock, notifier Notifier, m *metrics.Collector, logger *zap.Logger) *Controller {
	return &Controller{
		store:    store,
		cfg:      cfg,
		clock:    clock,
		notifier: notifier,
		metrics:  m,
		logger:   logger.Named("incident"),
	}
}

// Result is an incident together with what the call changed.
type Result struct {
	Incident *models.Incident
	Created  bool
	// Escalated is set when the call raised the escalation level.
	Escalated bool
}

// FromScan handles an accepted scan that reported an issue. A scan that
// names an existing incident is linked to it without touching its state;
// otherwise a new incident is opened and urgent ones escalate immediately.
// Calling it again for the same scan returns the incident already opened.
func (c *Controller) FromScan(ctx context.Context, scan *models.CheckpointScan) (*Result, error) {
	if !scan.IssueReported {
		return nil, nil
	}
	if existing, err := c.store.FindIncidentByScan(ctx, scan.ID); err == nil {
		return &Result{Incident: existing}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if scan.ReportedIncidentID != "" {
		existing, err := c.store.GetIncident(ctx, scan.ReportedIncidentID)
		switch {
		case err == nil:
			if err := c.linkToPatrol(ctx, scan.PatrolID, existing.ID); err != nil {
				return nil, err
			}
			return &Result{Incident: existing}, nil
		case errors.Is(err, apperr.ErrNotFound):
			c.logger.Warn("Scan references unknown incident, opening a new one",
				zap.String("scan_id", scan.ID),
				zap.String("incident_id", scan.ReportedIncidentID))
		default:
			return nil, err
		}
	}

	severity := scan.IssueSeverity
	if !severity.Valid() {
		severity = models.SeverityMedium
	}
	return c.open(ctx, scan, severity, scan.IssueDescription)
}

// ReportIssue raises an incident for an already recorded scan. A scan that
// already has an incident, of its own or one it named at scan time, returns
// that incident with Created unset.
func (c *Controller) ReportIssue(ctx context.Context, scanID string, severity models.Severity, description string) (*Result, error) {
	if !severity.Valid() {
		return nil, apperr.Validation("report issue", fmt.Sprintf("severity %q is not one of low, medium, high, critical", severity))
	}
	if strings.TrimSpace(description) == "" {
		return nil, apperr.Validation("report issue", "description is required")
	}

	scan, err := c.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan.Status == models.ScanFailed {
		return nil, apperr.InvalidState("report issue", "scan %s failed verification", scanID)
	}
	if existing, err := c.store.FindIncidentByScan(ctx, scanID); err == nil {
		return &Result{Incident: existing}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if scan.ReportedIncidentID != "" {
		existing, err := c.store.GetIncident(ctx, scan.ReportedIncidentID)
		if err == nil {
			return &Result{Incident: existing}, nil
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
	}

	return c.open(ctx, scan, severity, description)
}

func (c *Controller) open(ctx context.Context, scan *models.CheckpointScan, severity models.Severity, description string) (*Result, error) {
	now := c.clock.Now()
	incident := &models.Incident{
		ID:           utils.GenerateID(),
		PropertyID:   scan.PropertyID,
		PatrolID:     scan.PatrolID,
		ScanID:       scan.ID,
		CheckpointID: scan.CheckpointID,
		Title:        fmt.Sprintf("Issue reported at checkpoint %s", scan.CheckpointID),
		Description:  description,
		Severity:     severity,
		Priority:     severity,
		Status:       models.IncidentOpen,
		ReportedAt:   scan.ScanTime,
	}
	if incident.ReportedAt.IsZero() {
		incident.ReportedAt = now
	}

	var outbox *models.Notification
	err := c.store.Transaction(ctx, func(tx database.Repository) error {
		if err := tx.CreateIncident(ctx, incident); err != nil {
			return err
		}
		if urgent(incident) {
			n, err := c.raise(ctx, tx, incident, now, "created")
			if err != nil {
				return err
			}
			outbox = n
			if err := tx.UpdateIncident(ctx, incident); err != nil {
				return err
			}
		}
		if err := c.linkPatrolTx(ctx, tx, scan.PatrolID, incident.ID); err != nil {
			return err
		}
		return c.adjustOpenIncidents(ctx, tx, incident.PropertyID, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open incident for scan %s: %w", scan.ID, err)
	}

	c.metrics.RecordIncidentCreated(string(severity))
	c.logger.Info("Incident opened",
		zap.String("incident_id", incident.ID),
		zap.String("scan_id", scan.ID),
		zap.String("severity", string(severity)),
		zap.String("status", string(incident.Status)))

	if outbox != nil {
		c.afterEscalation(incident, outbox, "created")
	}
	return &Result{Incident: incident, Created: true, Escalated: outbox != nil}, nil
}

func (c *Controller) linkToPatrol(ctx context.Context, patrolID, incidentID string) error {
	return c.store.Transaction(ctx, func(tx database.Repository) error {
		return c.linkPatrolTx(ctx, tx, patrolID, incidentID)
	})
}

func (c *Controller) linkPatrolTx(ctx context.Context, tx database.Repository, patrolID, incidentID string) error {
	if patrolID == "" {
		return nil
	}
	p, err := tx.LockPatrol(ctx, patrolID)
	if err != nil {
		return err
	}
	if p.HasIncident(incidentID) {
		return nil
	}
	p.IncidentIDs = append(p.IncidentIDs, incidentID)
	p.IssuesFound = true
	return tx.UpdatePatrol(ctx, p)
}

func (c *Controller) adjustOpenIncidents(ctx context.Context, tx database.Repository, propertyID string, delta int) error {
	prop, err := tx.GetProperty(ctx, propertyID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	prop.OpenIncidents = utils.ClampInt(prop.OpenIncidents+delta, 0, math.MaxInt32)
	return tx.UpdateProperty(ctx, prop)
}

// raise bumps the escalation level by one and prepares the outbox record.
// The caller persists the incident.
func (c *Controller) raise(ctx context.Context, tx database.Repository, i *models.Incident, now time.Time, trigger string) (*models.Notification, error) {
	i.EscalationLevel++
	if i.EscalatedAt == nil {
		i.EscalatedAt = utils.TimePtr(now)
	}
	i.LastEscalatedAt = utils.TimePtr(now)
	if i.Status != models.IncidentEscalated && CanTransition(i, models.IncidentEscalated) {
		i.Status = models.IncidentEscalated
	}

	n := &models.Notification{
		ID:            utils.GenerateID(),
		IncidentID:    i.ID,
		Severity:      i.Severity,
		Level:         i.EscalationLevel,
		Message:       fmt.Sprintf("Incident %s escalated to level %d (%s)", i.ID, i.EscalationLevel, trigger),
		Status:        models.NotificationPending,
		NextAttemptAt: now,
	}
	if err := tx.CreateNotification(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *Controller) afterEscalation(i *models.Incident, n *models.Notification, trigger string) {
	c.metrics.RecordEscalation(string(i.Severity), trigger)
	c.logger.Warn("Incident escalated",
		zap.String("incident_id", i.ID),
		zap.Int("level", i.EscalationLevel),
		zap.String("trigger", trigger))
	if c.notifier != nil {
		c.notifier.Enqueue(n)
	}
}

// AdvanceEscalation raises the incident one level. At the maximum level the
// current level is returned and nothing changes.
func (c *Controller) AdvanceEscalation(ctx context.Context, incidentID, trigger string) (*Result, error) {
	var (
		incident *models.Incident
		outbox   *models.Notification
	)
	err := c.store.Transaction(ctx, func(tx database.Repository) error {
		i, err := tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		incident = i
		if !i.Status.Active() {
			return apperr.InvalidState("advance escalation", "incident %s is %s", i.ID, i.Status)
		}
		if i.EscalationLevel >= c.cfg.MaxLevel {
			return nil
		}
		n, err := c.raise(ctx, tx, i, c.clock.Now(), trigger)
		if err != nil {
			return err
		}
		outbox = n
		return tx.UpdateIncident(ctx, i)
	})
	if err != nil {
		return nil, wrap("advance escalation", err)
	}

	if outbox == nil {
		c.logger.Debug("Incident already at maximum escalation level", zap.String("incident_id", incident.ID))
		return &Result{Incident: incident}, nil
	}
	c.afterEscalation(incident, outbox, trigger)
	return &Result{Incident: incident, Escalated: true}, nil
}

// AssignResponder records the responder. The first assignment fixes the
// response time and moves an open incident to in_progress.
func (c *Controller) AssignResponder(ctx context.Context, incidentID, responder string) (*models.Incident, error) {
	if strings.TrimSpace(responder) == "" {
		return nil, apperr.Validation("assign responder", "responder is required")
	}
	return c.update(ctx, "assign responder", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		if !i.Status.Active() {
			return apperr.InvalidState("assign responder", "incident %s is %s", i.ID, i.Status)
		}
		i.AssignedTo = responder
		if i.AssignedAt == nil {
			i.AssignedAt = utils.TimePtr(now)
			minutes := int(math.Round(now.Sub(i.ReportedAt).Minutes()))
			if minutes < 0 {
				minutes = 0
			}
			i.ResponseTimeMinutes = &minutes
		}
		if i.Status == models.IncidentOpen {
			i.Status = models.IncidentInProgress
		}
		return nil
	})
}

// Transition moves the incident along the status table. Moving to escalated
// is an escalation event and raises the level.
func (c *Controller) Transition(ctx context.Context, incidentID string, to models.IncidentStatus) (*models.Incident, error) {
	if !to.Valid() {
		return nil, apperr.Validation("transition incident", fmt.Sprintf("unknown status %q", to))
	}
	switch to {
	case models.IncidentEscalated:
		return c.escalateTo(ctx, incidentID)
	case models.IncidentResolved:
		return c.Resolve(ctx, incidentID, "", "")
	case models.IncidentFalseAlarm:
		return c.MarkFalseAlarm(ctx, incidentID, "", "")
	case models.IncidentClosed:
		return c.Close(ctx, incidentID)
	}
	return c.update(ctx, "transition incident", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		return checkTransition(i, to)
	})
}

func (c *Controller) escalateTo(ctx context.Context, incidentID string) (*models.Incident, error) {
	var outbox *models.Notification
	i, err := c.update(ctx, "transition incident", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		if err := checkTransition(i, models.IncidentEscalated); err != nil {
			return err
		}
		if i.EscalationLevel >= c.cfg.MaxLevel {
			i.Status = models.IncidentEscalated
			return nil
		}
		n, err := c.raise(ctx, tx, i, now, "manual")
		outbox = n
		return err
	})
	if err != nil {
		return nil, err
	}
	if outbox != nil {
		c.afterEscalation(i, outbox, "manual")
	}
	return i, nil
}

// Resolve marks the incident resolved.
func (c *Controller) Resolve(ctx context.Context, incidentID, by, resolution string) (*models.Incident, error) {
	return c.update(ctx, "resolve incident", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		if err := checkTransition(i, models.IncidentResolved); err != nil {
			return err
		}
		i.ResolvedAt = utils.TimePtr(now)
		i.ResolvedBy = by
		i.Resolution = resolution
		return c.adjustOpenIncidents(ctx, tx, i.PropertyID, -1)
	})
}

// MarkFalseAlarm ends the incident without a resolution.
func (c *Controller) MarkFalseAlarm(ctx context.Context, incidentID, by, reason string) (*models.Incident, error) {
	return c.update(ctx, "mark false alarm", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		if err := checkTransition(i, models.IncidentFalseAlarm); err != nil {
			return err
		}
		i.ResolvedAt = utils.TimePtr(now)
		i.ResolvedBy = by
		i.Resolution = reason
		return c.adjustOpenIncidents(ctx, tx, i.PropertyID, -1)
	})
}

// Close archives a resolved or false-alarm incident.
func (c *Controller) Close(ctx context.Context, incidentID string) (*models.Incident, error) {
	return c.update(ctx, "close incident", incidentID, func(tx database.Repository, i *models.Incident, now time.Time) error {
		if err := checkTransition(i, models.IncidentClosed); err != nil {
			return err
		}
		i.ClosedAt = utils.TimePtr(now)
		return nil
	})
}

// checkTransition validates and applies the status change.
func checkTransition(i *models.Incident, to models.IncidentStatus) error {
	if !CanTransition(i, to) {
		return apperr.InvalidState("transition incident", "incident %s cannot move from %s to %s", i.ID, i.Status, to)
	}
	i.Status = to
	return nil
}

func (c *Controller) update(ctx context.Context, op, incidentID string, mutate func(tx database.Repository, i *models.Incident, now time.Time) error) (*models.Incident, error) {
	var result *models.Incident
	var from models.IncidentStatus
	err := c.store.Transaction(ctx, func(tx database.Repository) error {
		i, err := tx.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		from = i.Status
		if err := mutate(tx, i, c.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdateIncident(ctx, i); err != nil {
			return err
		}
		result = i
		return nil
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.Info("Incident updated",
		zap.String("incident_id", result.ID),
		zap.String("from", string(from)),
		zap.String("to", string(result.Status)))
	return result, nil
}

func wrap(op string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) || errors.Is(err, apperr.ErrVersionConflict) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EscalateOverdue raises every active, unassigned incident whose severity SLA
// has elapsed since it was reported or last escalated. It returns the number
// of incidents raised.
func (c *Controller) EscalateOverdue(ctx context.Context, limit int) (int, error) {
	incidents, err := c.store.ListActiveIncidents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list active incidents: %w", err)
	}

	now := c.clock.Now()
	raised := 0
	for _, i := range incidents {
		if ctx.Err() != nil {
			return raised, ctx.Err()
		}
		if i.AssignedTo != "" || i.EscalationLevel >= c.cfg.MaxLevel {
			continue
		}
		since := i.ReportedAt
		if i.LastEscalatedAt != nil {
			since = *i.LastEscalatedAt
		}
		if now.Sub(since) < c.cfg.SLAFor(string(i.Severity)) {
			continue
		}

		res, err := c.AdvanceEscalation(ctx, i.ID, "sla")
		switch {
		case err == nil:
			if res.Escalated {
				raised++
			}
		case errors.Is(err, apperr.ErrVersionConflict), errors.Is(err, apperr.ErrInvalidState):
			c.logger.Debug("Incident changed during SLA check, skipping", zap.String("incident_id", i.ID))
		default:
			return raised, err
		}
	}
	return raised, nil
}
