// Package compliance derives checkpoint and patrol compliance from verified scans.
package compliance

import (
	"fmt"
	"time"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// NextDue is last + frequency, or nil when there is no cadence or no scan yet.
func NextDue(last *time.Time, frequencyHours float64) *time.Time {
	if last == nil || frequencyHours <= 0 {
		return nil
	}
	return utils.TimePtr(last.Add(time.Duration(frequencyHours * float64(time.Hour))))
}

// Status derives a checkpoint's compliance status at now.
func Status(c *models.Checkpoint, now time.Time) models.ComplianceStatus {
	if c.ScanFrequencyHours > 0 && c.NextScanDue != nil && now.After(*c.NextScanDue) {
		return models.ComplianceOverdue
	}
	if c.LastScanned == nil {
		return models.CompliancePending
	}
	if c.LastScanStatus == models.ScanOutcomeIssue {
		return models.ComplianceIssueReported
	}
	return models.ComplianceCompliant
}

// PatrolPercent is round(scanned/total*100), 100 for an empty route.
func PatrolPercent(scanned, total int) int {
	return utils.Percent(scanned, total)
}

// WithinWindow reports whether |a-b| <= window.
func WithinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Aggregator folds ScanVerified events into checkpoint, patrol and
// property records. It never touches storage.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// ApplyCheckpoint records the scan on its checkpoint. A scan older than the
// latest one already applied leaves last_scanned where it is.
func (a *Aggregator) ApplyCheckpoint(c *models.Checkpoint, event models.ScanVerified, now time.Time) {
	scanTime := event.Scan.ScanTime
	if c.LastScanned == nil || !scanTime.Before(*c.LastScanned) {
		c.LastScanned = utils.TimePtr(scanTime)
		if event.Issue {
			c.LastScanStatus = models.ScanOutcomeIssue
		} else {
			c.LastScanStatus = models.ScanOutcomeOK
		}
		c.NextScanDue = NextDue(c.LastScanned, c.ScanFrequencyHours)
	}
	c.ComplianceStatus = Status(c, now)
}

// ApplyPatrol counts the scan against its patrol.
func (a *Aggregator) ApplyPatrol(p *models.Patrol, event models.ScanVerified) error {
	if p.CheckpointsScanned >= p.CheckpointsTotal {
		return &apperr.Error{Kind: apperr.ErrInvalidState, Op: "aggregate patrol",
			Reasons: []string{fmt.Sprintf("patrol %s already has %d of %d checkpoints scanned", p.ID, p.CheckpointsScanned, p.CheckpointsTotal)}}
	}
	p.CheckpointsScanned++
	p.CheckpointCompliance = PatrolPercent(p.CheckpointsScanned, p.CheckpointsTotal)
	if event.Issue {
		p.IssuesFound = true
	}
	return nil
}

// ApplyProperty updates the property's denormalised scan summary.
func (a *Aggregator) ApplyProperty(prop *models.Property, event models.ScanVerified) {
	scanTime := event.Scan.ScanTime
	if prop.LastScanAt == nil || scanTime.After(*prop.LastScanAt) {
		prop.LastScanAt = utils.TimePtr(scanTime)
	}
	prop.TotalScans++
}
