package incident

import "github.com/aegisshield/patrol/shared/models"

var transitions = map[models.IncidentStatus][]models.IncidentStatus{
	models.IncidentOpen:               {models.IncidentInProgress, models.IncidentEscalated, models.IncidentPending, models.IncidentFalseAlarm},
	models.IncidentInProgress:         {models.IncidentUnderInvestigation, models.IncidentEscalated, models.IncidentPending, models.IncidentResolved, models.IncidentFalseAlarm},
	models.IncidentUnderInvestigation: {models.IncidentEscalated, models.IncidentResolved, models.IncidentFalseAlarm},
	models.IncidentPending:            {models.IncidentInProgress, models.IncidentUnderInvestigation, models.IncidentEscalated},
	models.IncidentEscalated:          {models.IncidentResolved},
	models.IncidentResolved:           {models.IncidentClosed},
	models.IncidentFalseAlarm:         {models.IncidentClosed},
}

// urgent incidents may jump from open straight to escalated.
func urgent(i *models.Incident) bool {
	return i.Severity == models.SeverityCritical || i.RequiresEmergencyServices
}

// CanTransition reports whether the incident may move from its current status to to.
func CanTransition(i *models.Incident, to models.IncidentStatus) bool {
	if i.Status == models.IncidentOpen && to == models.IncidentEscalated && !urgent(i) {
		return false
	}
	for _, allowed := range transitions[i.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}
