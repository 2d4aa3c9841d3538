package engine

import (
	"context"

	"github.com/aegisshield/patrol/shared/models"
)

func (e *Engine) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	return e.store.GetIncident(ctx, incidentID)
}

// ReportIssue raises an incident for a recorded scan. created is false when
// the scan already had an incident.
func (e *Engine) ReportIssue(ctx context.Context, scanID string, severity models.Severity, description string) (inc *models.Incident, created bool, err error) {
	res, err := e.incidents.ReportIssue(ctx, scanID, severity, description)
	if err != nil {
		return nil, false, err
	}
	e.publishIncident(ctx, res)
	return res.Incident, res.Created, nil
}

// AdvanceEscalation raises the incident one level and returns the new level.
func (e *Engine) AdvanceEscalation(ctx context.Context, incidentID string) (int, error) {
	res, err := e.incidents.AdvanceEscalation(ctx, incidentID, "manual")
	if err != nil {
		return 0, err
	}
	e.publishIncident(ctx, res)
	return res.Incident.EscalationLevel, nil
}

func (e *Engine) AssignResponder(ctx context.Context, incidentID, responder string) (*models.Incident, error) {
	return e.updated(ctx)(e.incidents.AssignResponder(ctx, incidentID, responder))
}

func (e *Engine) ResolveIncident(ctx context.Context, incidentID, by, resolution string) (*models.Incident, error) {
	return e.updated(ctx)(e.incidents.Resolve(ctx, incidentID, by, resolution))
}

func (e *Engine) CloseIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	return e.updated(ctx)(e.incidents.Close(ctx, incidentID))
}

func (e *Engine) MarkFalseAlarm(ctx context.Context, incidentID, by, reason string) (*models.Incident, error) {
	return e.updated(ctx)(e.incidents.MarkFalseAlarm(ctx, incidentID, by, reason))
}

func (e *Engine) TransitionIncident(ctx context.Context, incidentID string, to models.IncidentStatus) (*models.Incident, error) {
	return e.updated(ctx)(e.incidents.Transition(ctx, incidentID, to))
}

// EscalateOverdueIncidents applies the severity SLAs to unassigned incidents.
func (e *Engine) EscalateOverdueIncidents(ctx context.Context) (int, error) {
	return e.incidents.EscalateOverdue(ctx, sweepBatch)
}

func (e *Engine) updated(ctx context.Context) func(*models.Incident, error) (*models.Incident, error) {
	return func(i *models.Incident, err error) (*models.Incident, error) {
		if err != nil {
			return nil, err
		}
		t := models.EventIncidentUpdated
		if i.Status == models.IncidentEscalated {
			t = models.EventIncidentEscalated
		}
		e.publish(ctx, t, i.PropertyID, i.ID, i)
		return i, nil
	}
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(*models.Notification) {}
