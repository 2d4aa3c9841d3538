package notification

import (
	"fmt"

	"github.com/flosch/pongo2/v6"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/shared/models"
)

// Renderer turns an outbox record into subject and body text.
type Renderer struct {
	subject *pongo2.Template
	body    *pongo2.Template
}

func NewRenderer(cfg config.TemplatesConfig) (*Renderer, error) {
	subject, err := pongo2.FromString(cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to parse subject template: %w", err)
	}
	body, err := pongo2.FromString(cfg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse body template: %w", err)
	}
	return &Renderer{subject: subject, body: body}, nil
}

// Render fills the templates. incident may be nil when it could not be loaded.
func (r *Renderer) Render(n *models.Notification, incident *models.Incident) (string, string, error) {
	ctx := pongo2.Context{
		"notification_id": n.ID,
		"incident_id":     n.IncidentID,
		"severity":        string(n.Severity),
		"level":           n.Level,
		"message":         n.Message,
		"property_id":     "",
		"description":     "",
		"status":          "",
	}
	if incident != nil {
		ctx["property_id"] = incident.PropertyID
		ctx["description"] = incident.Description
		ctx["status"] = string(incident.Status)
		ctx["title"] = incident.Title
		ctx["assigned_to"] = incident.AssignedTo
	}

	subject, err := r.subject.Execute(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	body, err := r.body.Execute(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return subject, body, nil
}
