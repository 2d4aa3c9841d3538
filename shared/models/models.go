// Shared Data Models
// Patrol, checkpoint, scan and incident records shared by the patrol services.

package models

import (
	"time"
)

// VerificationMethod is how a guard proves presence at a checkpoint.
type VerificationMethod string

const (
	VerificationQRCode  VerificationMethod = "qr_code"
	VerificationNFC     VerificationMethod = "nfc"
	VerificationRFID    VerificationMethod = "rfid"
	VerificationBarcode VerificationMethod = "barcode"
	VerificationManual  VerificationMethod = "manual"
	VerificationGPS     VerificationMethod = "gps"
	VerificationOther   VerificationMethod = "other"
)

var verificationMethods = map[VerificationMethod]struct{}{
	VerificationQRCode: {}, VerificationNFC: {}, VerificationRFID: {}, VerificationBarcode: {},
	VerificationManual: {}, VerificationGPS: {}, VerificationOther: {},
}

func (m VerificationMethod) Valid() bool {
	_, ok := verificationMethods[m]
	return ok
}

type ComplianceStatus string

const (
	ComplianceCompliant     ComplianceStatus = "compliant"
	ComplianceOverdue       ComplianceStatus = "overdue"
	CompliancePending       ComplianceStatus = "pending"
	ComplianceIssueReported ComplianceStatus = "issue_reported"
)

type ScanOutcome string

const (
	ScanOutcomeOK    ScanOutcome = "ok"
	ScanOutcomeIssue ScanOutcome = "issue"
)

type CheckpointStatus string

const (
	CheckpointActive  CheckpointStatus = "active"
	CheckpointRemoved CheckpointStatus = "removed"
)

// Checkpoint is a physical verification point on a property.
type Checkpoint struct {
	ID                 string             `json:"id" gorm:"primaryKey"`
	PropertyID         string             `json:"property_id" gorm:"index"`
	Name               string             `json:"name"`
	Latitude           float64            `json:"latitude"`
	Longitude          float64            `json:"longitude"`
	IndoorX            *float64           `json:"indoor_x,omitempty"`
	IndoorY            *float64           `json:"indoor_y,omitempty"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	// AllowOtherMethod lets any method satisfy the check.
	AllowOtherMethod   bool               `json:"allow_other_method"`
	VerificationCode   string             `json:"verification_code,omitempty"`
	ScanFrequencyHours float64            `json:"scan_frequency_hours"`
	RequiredActions    []string           `json:"required_actions" gorm:"serializer:json"`
	OptionalActions    []string           `json:"optional_actions" gorm:"serializer:json"`
	LastScanned        *time.Time         `json:"last_scanned,omitempty"`
	LastScanStatus     ScanOutcome        `json:"last_scan_status,omitempty"`
	NextScanDue        *time.Time         `json:"next_scan_due,omitempty"`
	ComplianceStatus   ComplianceStatus   `json:"compliance_status"`
	Status             CheckpointStatus   `json:"status"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

type PatrolStatus string

const (
	PatrolScheduled  PatrolStatus = "scheduled"
	PatrolInProgress PatrolStatus = "in_progress"
	PatrolCompleted  PatrolStatus = "completed"
	PatrolIncomplete PatrolStatus = "incomplete"
	PatrolMissed     PatrolStatus = "missed"
	PatrolCanceled   PatrolStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s PatrolStatus) Terminal() bool {
	return s == PatrolCompleted || s == PatrolMissed || s == PatrolCanceled
}

// RouteStop is one position on a patrol route.
type RouteStop struct {
	CheckpointID string `json:"checkpoint_id"`
	// OffsetMinutes is when the stop is due, relative to the patrol's scheduled start.
	OffsetMinutes int `json:"offset_minutes"`
}

// Patrol is one scheduled walk of a route by a guard.
type Patrol struct {
	ID                    string       `json:"id" gorm:"primaryKey"`
	PropertyID            string       `json:"property_id" gorm:"index"`
	GuardID               string       `json:"guard_id" gorm:"index"`
	Route                 []RouteStop  `json:"route" gorm:"serializer:json"`
	Status                PatrolStatus `json:"status" gorm:"index"`
	ScheduledAt           time.Time    `json:"scheduled_at"`
	ExpectedDurationMins  int          `json:"expected_duration_minutes" gorm:"column:expected_duration_minutes"`
	StartTime             *time.Time   `json:"start_time,omitempty"`
	EndTime               *time.Time   `json:"end_time,omitempty"`
	ActualDurationMinutes int          `json:"actual_duration_minutes"`
	CheckpointsTotal      int          `json:"checkpoints_total"`
	CheckpointsScanned    int          `json:"checkpoints_scanned"`
	CheckpointCompliance  int          `json:"checkpoint_compliance"`
	StartedOnTime         bool         `json:"started_on_time"`
	CompletedOnTime       bool         `json:"completed_on_time"`
	IssuesFound           bool         `json:"issues_found"`
	IncidentIDs           []string     `json:"incident_ids" gorm:"serializer:json"`
	Version               int          `json:"version"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// StopIndex returns the 1-based route position of checkpointID, or 0.
func (p *Patrol) StopIndex(checkpointID string) int {
	for i, stop := range p.Route {
		if stop.CheckpointID == checkpointID {
			return i + 1
		}
	}
	return 0
}

// HasIncident reports whether incidentID is already linked.
func (p *Patrol) HasIncident(incidentID string) bool {
	for _, id := range p.IncidentIDs {
		if id == incidentID {
			return true
		}
	}
	return false
}

type ScanStatus string

const (
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanSkipped   ScanStatus = "skipped"
	ScanAttempted ScanStatus = "attempted"
)

// CheckpointScan is the evidence record for one guard scan.
type CheckpointScan struct {
	ID                      string             `json:"id" gorm:"primaryKey"`
	PatrolID                string             `json:"patrol_id" gorm:"index"`
	CheckpointID            string             `json:"checkpoint_id" gorm:"index"`
	PropertyID              string             `json:"property_id"`
	GuardID                 string             `json:"guard_id"`
	ScanTime                time.Time          `json:"scan_time"`
	SequenceNumber          int                `json:"sequence_number"`
	VerificationMethod      VerificationMethod `json:"verification_method"`
	VerificationSuccessful  bool               `json:"verification_successful"`
	Latitude                *float64           `json:"latitude,omitempty"`
	Longitude               *float64           `json:"longitude,omitempty"`
	AccuracyMeters          *float64           `json:"accuracy_meters,omitempty"`
	LocationDeviationMeters *float64           `json:"location_deviation_meters,omitempty"`
	GPSVerified             bool               `json:"gps_verified" gorm:"column:gps_verified"`
	TimeDeviationMinutes    float64            `json:"time_deviation_minutes"`
	OnTime                  bool               `json:"on_time"`
	CompletedActions        []string           `json:"completed_actions" gorm:"serializer:json"`
	SkippedActions          []string           `json:"skipped_actions" gorm:"serializer:json"`
	ActionCompliance        int                `json:"action_compliance"`
	Status                  ScanStatus         `json:"status"`
	FailureReasons          []string           `json:"failure_reasons,omitempty" gorm:"serializer:json"`
	IssueReported           bool               `json:"issue_reported"`
	IssueSeverity           Severity           `json:"issue_severity,omitempty"`
	IssueDescription        string             `json:"issue_description,omitempty"`
	ReportedIncidentID      string             `json:"reported_incident_id,omitempty"`

	// Reconciliation bookkeeping for attempted scans.
	CascadeAttempts int        `json:"cascade_attempts"`
	NextAttemptAt   *time.Time `json:"next_attempt_at,omitempty"`
	NeedsReview     bool       `json:"needs_review"`
	LastError       string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Occupies reports whether the scan holds its (patrol, checkpoint, sequence) slot.
func (s *CheckpointScan) Occupies() bool {
	return s.Status != ScanFailed
}

// Property carries denormalised patrol activity for a site.
type Property struct {
	ID                  string     `json:"id" gorm:"primaryKey"`
	Name                string     `json:"name"`
	LastPatrolTimestamp *time.Time `json:"last_patrol_timestamp,omitempty"`
	LastScanAt          *time.Time `json:"last_scan_at,omitempty"`
	TotalScans          int        `json:"total_scans"`
	ActiveGuards        int        `json:"active_guards"`
	OpenIncidents       int        `json:"open_incidents"`
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentOpen               IncidentStatus = "open"
	IncidentInProgress         IncidentStatus = "in_progress"
	IncidentUnderInvestigation IncidentStatus = "under_investigation"
	IncidentEscalated          IncidentStatus = "escalated"
	IncidentPending            IncidentStatus = "pending"
	IncidentResolved           IncidentStatus = "resolved"
	IncidentClosed             IncidentStatus = "closed"
	IncidentFalseAlarm         IncidentStatus = "false_alarm"
)

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentOpen, IncidentInProgress, IncidentUnderInvestigation, IncidentEscalated,
		IncidentPending, IncidentResolved, IncidentClosed, IncidentFalseAlarm:
		return true
	}
	return false
}

// Active reports whether the incident still needs a response.
func (s IncidentStatus) Active() bool {
	return s != IncidentResolved && s != IncidentClosed && s != IncidentFalseAlarm
}

// Incident is a security event raised from a scan or reported directly.
type Incident struct {
	ID                        string         `json:"id" gorm:"primaryKey"`
	PropertyID                string         `json:"property_id" gorm:"index"`
	PatrolID                  string         `json:"patrol_id,omitempty"`
	ScanID                    string         `json:"scan_id,omitempty" gorm:"index"`
	CheckpointID              string         `json:"checkpoint_id,omitempty"`
	Title                     string         `json:"title"`
	Description               string         `json:"description"`
	Severity                  Severity       `json:"severity"`
	Priority                  Severity       `json:"priority"`
	Status                    IncidentStatus `json:"status" gorm:"index"`
	EscalationLevel           int            `json:"escalation_level"`
	EscalatedAt               *time.Time     `json:"escalated_at,omitempty"`
	LastEscalatedAt           *time.Time     `json:"last_escalated_at,omitempty"`
	ReportedAt                time.Time      `json:"reported_at"`
	AssignedTo                string         `json:"assigned_to,omitempty"`
	AssignedAt                *time.Time     `json:"assigned_at,omitempty"`
	ResponseTimeMinutes       *int           `json:"response_time_minutes,omitempty"`
	RequiresEmergencyServices bool           `json:"requires_emergency_services"`
	ResolvedAt                *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy                string         `json:"resolved_by,omitempty"`
	Resolution                string         `json:"resolution,omitempty"`
	ClosedAt                  *time.Time     `json:"closed_at,omitempty"`
	Version                   int            `json:"version"`
	CreatedAt                 time.Time      `json:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is an outbox entry for an escalation message.
type Notification struct {
	ID            string             `json:"id" gorm:"primaryKey"`
	IncidentID    string             `json:"incident_id" gorm:"index"`
	Severity      Severity           `json:"severity"`
	Level         int                `json:"level"`
	Message       string             `json:"message"`
	Status        NotificationStatus `json:"status" gorm:"index"`
	Attempts      int                `json:"attempts"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastError     string             `json:"last_error,omitempty"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
