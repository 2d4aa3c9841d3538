package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/patrol"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/registry"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/verifier"
	"github.com/aegisshield/patrol/shared/models"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var shiftStart = time.Date(2026, 9, 14, 20, 0, 0, 0, time.UTC)

type harness struct {
	engine    *Engine
	store     *database.MemoryStore
	clock     *manualClock
	publisher *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Cascade.RetryDelay = time.Millisecond
	cfg.Cascade.MaxRetryDelay = time.Millisecond

	store := database.NewMemoryStore()
	require.NoError(t, store.CreateProperty(context.Background(), &models.Property{ID: "prop-1", Name: "Riverside Plant"}))

	clock := &manualClock{now: shiftStart}
	publisher := &recordingPublisher{}
	e := New(&cfg, store, nil, publisher, clock, metrics.NewCollector(prometheus.NewRegistry()), zaptest.NewLogger(t))
	return &harness{engine: e, store: store, clock: clock, publisher: publisher}
}

func (h *harness) checkpoint(t *testing.T, id string, frequency float64) {
	t.Helper()
	_, err := h.engine.RegisterCheckpoint(context.Background(), registry.CheckpointSpec{
		ID: id, PropertyID: "prop-1", Name: id,
		Latitude: 51.5007, Longitude: -0.1246,
		VerificationMethod: models.VerificationQRCode, VerificationCode: "code-" + id,
		ScanFrequencyHours: frequency,
		RequiredActions:    []string{"check_lock"},
	})
	require.NoError(t, err)
}

func (h *harness) startPatrol(t *testing.T, id string, checkpoints ...string) {
	t.Helper()
	ctx := context.Background()
	spec := patrol.Spec{ID: id, PropertyID: "prop-1", GuardID: "guard-1", ScheduledAt: shiftStart}
	for i, cp := range checkpoints {
		spec.Route = append(spec.Route, models.RouteStop{CheckpointID: cp, OffsetMinutes: i * 5})
	}
	_, err := h.engine.SchedulePatrol(ctx, spec)
	require.NoError(t, err)
	_, err = h.engine.StartPatrol(ctx, id)
	require.NoError(t, err)
}

func submission(patrolID, checkpointID string, at time.Time) *verifier.Submission {
	lat, lon := 51.5007, -0.1246
	return &verifier.Submission{
		PatrolID: patrolID, CheckpointID: checkpointID, GuardID: "guard-1",
		ScanTime: at, Method: models.VerificationQRCode, RawVerificationData: "code-" + checkpointID,
		Latitude: &lat, Longitude: &lon, ActionsCompleted: []string{"check_lock"},
	}
}

func TestSubmitScanAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.checkpoint(t, "cp-2", 24)
	h.startPatrol(t, "patrol-1", "cp-1", "cp-2")

	res, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.ScanCompleted, res.Status)
	require.NotEmpty(t, res.ScanID)

	scan, err := h.engine.GetScan(ctx, res.ScanID)
	require.NoError(t, err)
	assert.Equal(t, 1, scan.SequenceNumber)
	assert.True(t, scan.GPSVerified)
	assert.True(t, scan.OnTime)
	assert.Equal(t, 100, scan.ActionCompliance)

	summary, err := h.engine.GetPatrolCompliance(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 50, summary.Percent)
	assert.True(t, summary.OnTime)

	assert.Contains(t, h.publisher.types(), models.EventScanAccepted)
}

func TestSubmitScanIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.checkpoint(t, "cp-2", 24)
	h.startPatrol(t, "patrol-1", "cp-1", "cp-2")

	first, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
	require.NoError(t, err)
	before, err := h.engine.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)

	second, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ScanID, second.ScanID)

	after, err := h.engine.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// still idempotent after the patrol ends
	_, err = h.engine.EndPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	third, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
	require.NoError(t, err)
	assert.Equal(t, first.ScanID, third.ScanID)
}

func TestSubmitScanRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.checkpoint(t, "cp-off-route", 24)
	h.startPatrol(t, "patrol-1", "cp-1")

	t.Run("Validation Error Is Not Persisted", func(t *testing.T) {
		sub := submission("patrol-1", "cp-1", shiftStart)
		sub.Method = "telepathy"
		res, err := h.engine.SubmitScan(ctx, sub)
		require.ErrorIs(t, err, apperr.ErrValidation)
		assert.False(t, res.Accepted)
		assert.Contains(t, res.Reasons, `method "telepathy" is not supported`)
		assert.Empty(t, res.ScanID)
	})

	t.Run("Unknown Patrol", func(t *testing.T) {
		_, err := h.engine.SubmitScan(ctx, submission("nope", "cp-1", shiftStart))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("Wrong Code Is Recorded As Failed", func(t *testing.T) {
		sub := submission("patrol-1", "cp-1", shiftStart)
		sub.RawVerificationData = "forged"
		res, err := h.engine.SubmitScan(ctx, sub)
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, models.ScanFailed, res.Status)
		assert.Contains(t, res.Reasons, "verification code does not match checkpoint")

		scan, err := h.engine.GetScan(ctx, res.ScanID)
		require.NoError(t, err)
		assert.Equal(t, models.ScanFailed, scan.Status)

		p, err := h.engine.GetPatrol(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Zero(t, p.CheckpointsScanned)
	})

	t.Run("Off Route Is Recorded As Failed", func(t *testing.T) {
		res, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-off-route", shiftStart))
		require.NoError(t, err)
		assert.False(t, res.Accepted)
		assert.Equal(t, models.ScanFailed, res.Status)
	})

	t.Run("Removed Checkpoint Aborts Scan", func(t *testing.T) {
		h.checkpoint(t, "cp-2", 24)
		h.startPatrol(t, "patrol-2", "cp-2")
		require.NoError(t, h.engine.RemoveCheckpoint(ctx, "cp-2"))

		res, err := h.engine.SubmitScan(ctx, submission("patrol-2", "cp-2", shiftStart))
		require.ErrorIs(t, err, apperr.ErrNotFound)
		assert.False(t, res.Accepted)
	})

	t.Run("Terminal Patrol Rejects Scans", func(t *testing.T) {
		_, err := h.engine.CancelPatrol(ctx, "patrol-1")
		require.NoError(t, err)

		res, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
		require.ErrorIs(t, err, apperr.ErrInvalidState)
		assert.False(t, res.Accepted)
	})
}

// A 24 hour checkpoint is compliant at T+23h and overdue after a sweep at T+25h.
func TestScenarioOverdueCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.startPatrol(t, "patrol-1", "cp-1")

	scanned := shiftStart.Add(time.Minute)
	h.clock.Set(scanned)
	_, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", scanned))
	require.NoError(t, err)
	_, err = h.engine.EndPatrol(ctx, "patrol-1")
	require.NoError(t, err)

	h.clock.Set(scanned.Add(23 * time.Hour))
	status, err := h.engine.GetCheckpointStatus(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ComplianceCompliant, status.ComplianceStatus)
	require.NotNil(t, status.NextDue)
	assert.Equal(t, scanned.Add(24*time.Hour), *status.NextDue)

	result, err := h.engine.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.CheckpointsMarkedOverdue)

	h.clock.Set(scanned.Add(25 * time.Hour))
	result, err = h.engine.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CheckpointsMarkedOverdue)

	stored, err := h.store.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ComplianceOverdue, stored.ComplianceStatus)

	again, err := h.engine.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, *again)
	assert.Contains(t, h.publisher.types(), models.EventCheckpointOverdue)
}

// Three of five checkpoints scanned gives 60% and ending yields incomplete.
func TestScenarioIncompletePatrol(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ids := []string{"cp-1", "cp-2", "cp-3", "cp-4", "cp-5"}
	for _, id := range ids {
		h.checkpoint(t, id, 0)
	}
	h.startPatrol(t, "patrol-1", ids...)

	for _, id := range ids[:3] {
		res, err := h.engine.SubmitScan(ctx, submission("patrol-1", id, shiftStart))
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	summary, err := h.engine.GetPatrolCompliance(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, 60, summary.Percent)

	p, err := h.engine.EndPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, models.PatrolIncomplete, p.Status)
	assert.Equal(t, 3, p.CheckpointsScanned)
}

// A critical issue creates a critical incident that is already escalated.
func TestScenarioCriticalIssue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.startPatrol(t, "patrol-1", "cp-1")

	sub := submission("patrol-1", "cp-1", shiftStart)
	sub.IssueReported = true
	sub.IssueSeverity = models.SeverityCritical
	sub.IssueDescription = "intruder on roof"

	res, err := h.engine.SubmitScan(ctx, sub)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.NotEmpty(t, res.IncidentID)

	incident, err := h.engine.GetIncident(ctx, res.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, incident.Severity)
	assert.Equal(t, models.IncidentEscalated, incident.Status)
	assert.Equal(t, 1, incident.EscalationLevel)

	p, err := h.engine.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.True(t, p.IssuesFound)
	assert.Equal(t, []string{incident.ID}, p.IncidentIDs)

	status, err := h.engine.GetCheckpointStatus(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ComplianceIssueReported, status.ComplianceStatus)

	level, err := h.engine.AdvanceEscalation(ctx, incident.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, level)
	assert.Contains(t, h.publisher.types(), models.EventIncidentEscalated)

	again, created, err := h.engine.ReportIssue(ctx, res.ScanID, models.SeverityHigh, "intruder on roof")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, incident.ID, again.ID)
}

// Concurrent scans for different checkpoints of one patrol both count.
func TestScenarioConcurrentScans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ids := []string{"cp-1", "cp-2", "cp-3", "cp-4", "cp-5", "cp-6", "cp-7", "cp-8"}
	for _, id := range ids {
		h.checkpoint(t, id, 12)
	}
	h.startPatrol(t, "patrol-1", ids...)

	var wg sync.WaitGroup
	errs := make(chan error, len(ids)*2)
	for _, id := range ids {
		// each checkpoint submitted twice to exercise duplicate handling under contention
		for n := 0; n < 2; n++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				res, err := h.engine.SubmitScan(ctx, submission("patrol-1", id, shiftStart))
				if err != nil {
					errs <- err
					return
				}
				if !res.Accepted {
					errs <- fmt.Errorf("scan for %s rejected: %v", id, res.Reasons)
				}
			}(id)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	p, err := h.engine.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, len(ids), p.CheckpointsScanned)
	assert.Equal(t, 100, p.CheckpointCompliance)

	prop, err := h.store.GetProperty(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, len(ids), prop.TotalScans)
}

func TestSubmitScanDefersOnCascadeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.startPatrol(t, "patrol-1", "cp-1")

	h.store.SetFault(func(op string) error {
		if op == "UpdateProperty" {
			return errors.New("serialization failure")
		}
		return nil
	})
	res, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.ScanAttempted, res.Status)

	h.store.SetFault(nil)
	h.clock.Set(shiftStart.Add(time.Hour))
	reconciled, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled.Reconciled)

	p, err := h.engine.GetPatrol(ctx, "patrol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.CheckpointsScanned)

	review, err := h.engine.ListScansNeedingReview(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, review)
}

func TestIncidentOpenedAfterCreationFailure(t *testing.T) {
	ctx := context.Background()

	criticalScan := func(t *testing.T, h *harness) *ScanResult {
		t.Helper()
		h.store.SetFault(func(op string) error {
			if op == "CreateIncident" {
				return errors.New("connection reset")
			}
			return nil
		})
		defer h.store.SetFault(nil)

		sub := submission("patrol-1", "cp-1", shiftStart)
		sub.IssueReported = true
		sub.IssueSeverity = models.SeverityCritical
		sub.IssueDescription = "intruder on roof"
		res, err := h.engine.SubmitScan(ctx, sub)
		require.NoError(t, err)
		require.True(t, res.Accepted)
		require.Equal(t, models.ScanCompleted, res.Status)
		require.Empty(t, res.IncidentID)
		return res
	}

	assertEscalated := func(t *testing.T, h *harness, incidentID string) {
		t.Helper()
		incident, err := h.engine.GetIncident(ctx, incidentID)
		require.NoError(t, err)
		assert.Equal(t, models.IncidentEscalated, incident.Status)
		assert.Equal(t, 1, incident.EscalationLevel)

		p, err := h.engine.GetPatrol(ctx, "patrol-1")
		require.NoError(t, err)
		assert.Equal(t, []string{incidentID}, p.IncidentIDs)
		assert.Contains(t, h.publisher.types(), models.EventIncidentEscalated)
	}

	t.Run("Resubmission", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoint(t, "cp-1", 24)
		h.startPatrol(t, "patrol-1", "cp-1")
		first := criticalScan(t, h)

		sub := submission("patrol-1", "cp-1", shiftStart)
		sub.IssueReported = true
		sub.IssueSeverity = models.SeverityCritical
		sub.IssueDescription = "intruder on roof"
		again, err := h.engine.SubmitScan(ctx, sub)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.ScanID, again.ScanID)
		require.NotEmpty(t, again.IncidentID)
		assertEscalated(t, h, again.IncidentID)

		third, err := h.engine.SubmitScan(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, again.IncidentID, third.IncidentID)
	})

	t.Run("Reconciler", func(t *testing.T) {
		h := newHarness(t)
		h.checkpoint(t, "cp-1", 24)
		h.startPatrol(t, "patrol-1", "cp-1")
		first := criticalScan(t, h)

		result, err := h.engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.IncidentsOpened)

		incident, err := h.store.FindIncidentByScan(ctx, first.ScanID)
		require.NoError(t, err)
		assertEscalated(t, h, incident.ID)

		result, err = h.engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.IncidentsOpened)
	})
}

func TestSweepMarksMissedPatrols(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 0)
	_, err := h.engine.SchedulePatrol(ctx, patrol.Spec{
		ID: "patrol-late", PropertyID: "prop-1", GuardID: "guard-2", ScheduledAt: shiftStart,
		Route: []models.RouteStop{{CheckpointID: "cp-1"}},
	})
	require.NoError(t, err)

	h.clock.Set(shiftStart.Add(time.Hour))
	result, err := h.engine.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatrolsMarkedMissed)

	_, err = h.engine.StartPatrol(ctx, "patrol-late")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestIncidentActions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.checkpoint(t, "cp-1", 24)
	h.startPatrol(t, "patrol-1", "cp-1")

	res, err := h.engine.SubmitScan(ctx, submission("patrol-1", "cp-1", shiftStart))
	require.NoError(t, err)

	inc, created, err := h.engine.ReportIssue(ctx, res.ScanID, models.SeverityLow, "light out")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.IncidentOpen, inc.Status)

	h.clock.Set(shiftStart.Add(7 * time.Minute))
	inc, err = h.engine.AssignResponder(ctx, inc.ID, "tech-1")
	require.NoError(t, err)
	assert.Equal(t, 7, *inc.ResponseTimeMinutes)

	inc, err = h.engine.TransitionIncident(ctx, inc.ID, models.IncidentUnderInvestigation)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentUnderInvestigation, inc.Status)

	inc, err = h.engine.ResolveIncident(ctx, inc.ID, "tech-1", "bulb replaced")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, inc.Status)

	inc, err = h.engine.CloseIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentClosed, inc.Status)

	_, err = h.engine.AdvanceEscalation(ctx, inc.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}
