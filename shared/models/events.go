package models

import "time"

// ScanVerified is emitted once a scan has passed verification and is
// ready to be folded into checkpoint and patrol aggregates.
type ScanVerified struct {
	Scan       *CheckpointScan
	PatrolID   string
	PropertyID string
	// Issue mirrors Scan.IssueReported for aggregate consumers.
	Issue bool
	At    time.Time
}

type EventType string

const (
	EventScanAccepted       EventType = "scan.accepted"
	EventScanAttempted      EventType = "scan.attempted"
	EventPatrolTransitioned EventType = "patrol.transitioned"
	EventCheckpointOverdue  EventType = "checkpoint.overdue"
	EventIncidentCreated    EventType = "incident.created"
	EventIncidentUpdated    EventType = "incident.updated"
	EventIncidentEscalated  EventType = "incident.escalated"
)

// Event is a domain change pushed to live subscribers.
type Event struct {
	Type       EventType   `json:"type"`
	PropertyID string      `json:"property_id,omitempty"`
	EntityID   string      `json:"entity_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
