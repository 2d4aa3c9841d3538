package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/shared/models"
)

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore is an in-process Store. Transactions are serialised and run
// against a copy of the data that replaces the live data only on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	fault func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// SetFault installs a hook consulted before every repository operation.
// A non-nil return fails that operation.
func (s *MemoryStore) SetFault(fault func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fault
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memoryRepo{state: work, fault: s.fault}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func withRepo[T any](s *MemoryStore, fn func(r *memoryRepo) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryRepo{state: s.state, fault: s.fault})
}

func exec(s *MemoryStore, fn func(r *memoryRepo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memoryRepo{state: s.state, fault: s.fault})
}

func (s *MemoryStore) CreateProperty(ctx context.Context, p *models.Property) error {
	return exec(s, func(r *memoryRepo) error { return r.CreateProperty(ctx, p) })
}

func (s *MemoryStore) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Property, error) { return r.GetProperty(ctx, id) })
}

func (s *MemoryStore) UpdateProperty(ctx context.Context, p *models.Property) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdateProperty(ctx, p) })
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	return exec(s, func(r *memoryRepo) error { return r.CreateCheckpoint(ctx, c) })
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Checkpoint, error) { return r.GetCheckpoint(ctx, id) })
}

func (s *MemoryStore) UpdateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdateCheckpoint(ctx, c) })
}

func (s *MemoryStore) ListDueCheckpoints(ctx context.Context, now time.Time, limit int) ([]*models.Checkpoint, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.Checkpoint, error) { return r.ListDueCheckpoints(ctx, now, limit) })
}

func (s *MemoryStore) CreatePatrol(ctx context.Context, p *models.Patrol) error {
	return exec(s, func(r *memoryRepo) error { return r.CreatePatrol(ctx, p) })
}

func (s *MemoryStore) GetPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Patrol, error) { return r.GetPatrol(ctx, id) })
}

func (s *MemoryStore) LockPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Patrol, error) { return r.LockPatrol(ctx, id) })
}

func (s *MemoryStore) UpdatePatrol(ctx context.Context, p *models.Patrol) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdatePatrol(ctx, p) })
}

func (s *MemoryStore) ListScheduledPatrolsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Patrol, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.Patrol, error) { return r.ListScheduledPatrolsBefore(ctx, cutoff, limit) })
}

func (s *MemoryStore) CreateScan(ctx context.Context, scan *models.CheckpointScan) error {
	return exec(s, func(r *memoryRepo) error { return r.CreateScan(ctx, scan) })
}

func (s *MemoryStore) GetScan(ctx context.Context, id string) (*models.CheckpointScan, error) {
	return withRepo(s, func(r *memoryRepo) (*models.CheckpointScan, error) { return r.GetScan(ctx, id) })
}

func (s *MemoryStore) FindOccupyingScan(ctx context.Context, patrolID, checkpointID string, sequence int) (*models.CheckpointScan, error) {
	return withRepo(s, func(r *memoryRepo) (*models.CheckpointScan, error) {
		return r.FindOccupyingScan(ctx, patrolID, checkpointID, sequence)
	})
}

func (s *MemoryStore) UpdateScan(ctx context.Context, scan *models.CheckpointScan) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdateScan(ctx, scan) })
}

func (s *MemoryStore) ListScansForReconciliation(ctx context.Context, now time.Time, limit int) ([]*models.CheckpointScan, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.CheckpointScan, error) {
		return r.ListScansForReconciliation(ctx, now, limit)
	})
}

func (s *MemoryStore) ListScansNeedingReview(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.CheckpointScan, error) { return r.ListScansNeedingReview(ctx, limit) })
}

func (s *MemoryStore) CreateIncident(ctx context.Context, i *models.Incident) error {
	return exec(s, func(r *memoryRepo) error { return r.CreateIncident(ctx, i) })
}

func (s *MemoryStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Incident, error) { return r.GetIncident(ctx, id) })
}

func (s *MemoryStore) UpdateIncident(ctx context.Context, i *models.Incident) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdateIncident(ctx, i) })
}

func (s *MemoryStore) ListIssueScansWithoutIncident(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.CheckpointScan, error) { return r.ListIssueScansWithoutIncident(ctx, limit) })
}

func (s *MemoryStore) FindIncidentByScan(ctx context.Context, scanID string) (*models.Incident, error) {
	return withRepo(s, func(r *memoryRepo) (*models.Incident, error) { return r.FindIncidentByScan(ctx, scanID) })
}

func (s *MemoryStore) ListActiveIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.Incident, error) { return r.ListActiveIncidents(ctx, limit) })
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return exec(s, func(r *memoryRepo) error { return r.CreateNotification(ctx, n) })
}

func (s *MemoryStore) UpdateNotification(ctx context.Context, n *models.Notification) error {
	return exec(s, func(r *memoryRepo) error { return r.UpdateNotification(ctx, n) })
}

func (s *MemoryStore) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]*models.Notification, error) {
	return withRepo(s, func(r *memoryRepo) ([]*models.Notification, error) { return r.ListDueNotifications(ctx, now, limit) })
}

type memoryState struct {
	properties    map[string]*models.Property
	checkpoints   map[string]*models.Checkpoint
	patrols       map[string]*models.Patrol
	scans         map[string]*models.CheckpointScan
	incidents     map[string]*models.Incident
	notifications map[string]*models.Notification
}

func newMemoryState() *memoryState {
	return &memoryState{
		properties:    make(map[string]*models.Property),
		checkpoints:   make(map[string]*models.Checkpoint),
		patrols:       make(map[string]*models.Patrol),
		scans:         make(map[string]*models.CheckpointScan),
		incidents:     make(map[string]*models.Incident),
		notifications: make(map[string]*models.Notification),
	}
}

func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range st.properties {
		c.properties[k] = copyProperty(v)
	}
	for k, v := range st.checkpoints {
		c.checkpoints[k] = copyCheckpoint(v)
	}
	for k, v := range st.patrols {
		c.patrols[k] = copyPatrol(v)
	}
	for k, v := range st.scans {
		c.scans[k] = copyScan(v)
	}
	for k, v := range st.incidents {
		c.incidents[k] = copyIncident(v)
	}
	for k, v := range st.notifications {
		c.notifications[k] = copyNotification(v)
	}
	return c
}

// memoryRepo operates on one memoryState without locking; the caller holds the store lock.
type memoryRepo struct {
	state *memoryState
	fault func(op string) error
}

func (r *memoryRepo) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.fault != nil {
		if err := r.fault(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func versionConflict(entity, id string) error {
	return &apperr.Error{Kind: apperr.ErrVersionConflict, Op: "update " + entity, Reasons: []string{id}}
}

func (r *memoryRepo) CreateProperty(ctx context.Context, p *models.Property) error {
	if err := r.check(ctx, "CreateProperty"); err != nil {
		return err
	}
	if _, ok := r.state.properties[p.ID]; ok {
		return fmt.Errorf("failed to create property: %s already exists", p.ID)
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now(), now()
	r.state.properties[p.ID] = copyProperty(p)
	return nil
}

func (r *memoryRepo) GetProperty(ctx context.Context, id string) (*models.Property, error) {
	if err := r.check(ctx, "GetProperty"); err != nil {
		return nil, err
	}
	p, ok := r.state.properties[id]
	if !ok {
		return nil, apperr.NotFound("get", "property", id)
	}
	return copyProperty(p), nil
}

func (r *memoryRepo) UpdateProperty(ctx context.Context, p *models.Property) error {
	if err := r.check(ctx, "UpdateProperty"); err != nil {
		return err
	}
	existing, ok := r.state.properties[p.ID]
	if !ok || existing.Version != p.Version {
		return versionConflict("property", p.ID)
	}
	p.Version++
	p.UpdatedAt = now()
	r.state.properties[p.ID] = copyProperty(p)
	return nil
}

func (r *memoryRepo) CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	if err := r.check(ctx, "CreateCheckpoint"); err != nil {
		return err
	}
	if _, ok := r.state.checkpoints[c.ID]; ok {
		return fmt.Errorf("failed to create checkpoint: %s already exists", c.ID)
	}
	c.Version = 1
	c.CreatedAt, c.UpdatedAt = now(), now()
	r.state.checkpoints[c.ID] = copyCheckpoint(c)
	return nil
}

func (r *memoryRepo) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	if err := r.check(ctx, "GetCheckpoint"); err != nil {
		return nil, err
	}
	c, ok := r.state.checkpoints[id]
	if !ok {
		return nil, apperr.NotFound("get", "checkpoint", id)
	}
	return copyCheckpoint(c), nil
}

func (r *memoryRepo) UpdateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	if err := r.check(ctx, "UpdateCheckpoint"); err != nil {
		return err
	}
	existing, ok := r.state.checkpoints[c.ID]
	if !ok || existing.Version != c.Version {
		return versionConflict("checkpoint", c.ID)
	}
	c.Version++
	c.UpdatedAt = now()
	r.state.checkpoints[c.ID] = copyCheckpoint(c)
	return nil
}

func (r *memoryRepo) ListDueCheckpoints(ctx context.Context, at time.Time, limit int) ([]*models.Checkpoint, error) {
	if err := r.check(ctx, "ListDueCheckpoints"); err != nil {
		return nil, err
	}
	var result []*models.Checkpoint
	for _, c := range r.state.checkpoints {
		if c.Status != models.CheckpointActive || c.ScanFrequencyHours <= 0 || c.NextScanDue == nil {
			continue
		}
		if c.NextScanDue.Before(at) && c.ComplianceStatus != models.ComplianceOverdue {
			result = append(result, copyCheckpoint(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextScanDue.Before(*result[j].NextScanDue) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) CreatePatrol(ctx context.Context, p *models.Patrol) error {
	if err := r.check(ctx, "CreatePatrol"); err != nil {
		return err
	}
	if _, ok := r.state.patrols[p.ID]; ok {
		return fmt.Errorf("failed to create patrol: %s already exists", p.ID)
	}
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now(), now()
	r.state.patrols[p.ID] = copyPatrol(p)
	return nil
}

func (r *memoryRepo) GetPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	if err := r.check(ctx, "GetPatrol"); err != nil {
		return nil, err
	}
	p, ok := r.state.patrols[id]
	if !ok {
		return nil, apperr.NotFound("get", "patrol", id)
	}
	return copyPatrol(p), nil
}

func (r *memoryRepo) LockPatrol(ctx context.Context, id string) (*models.Patrol, error) {
	if err := r.check(ctx, "LockPatrol"); err != nil {
		return nil, err
	}
	p, ok := r.state.patrols[id]
	if !ok {
		return nil, apperr.NotFound("lock", "patrol", id)
	}
	return copyPatrol(p), nil
}

func (r *memoryRepo) UpdatePatrol(ctx context.Context, p *models.Patrol) error {
	if err := r.check(ctx, "UpdatePatrol"); err != nil {
		return err
	}
	existing, ok := r.state.patrols[p.ID]
	if !ok || existing.Version != p.Version {
		return versionConflict("patrol", p.ID)
	}
	p.Version++
	p.UpdatedAt = now()
	r.state.patrols[p.ID] = copyPatrol(p)
	return nil
}

func (r *memoryRepo) ListScheduledPatrolsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Patrol, error) {
	if err := r.check(ctx, "ListScheduledPatrolsBefore"); err != nil {
		return nil, err
	}
	var result []*models.Patrol
	for _, p := range r.state.patrols {
		if p.Status == models.PatrolScheduled && p.ScheduledAt.Before(cutoff) {
			result = append(result, copyPatrol(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScheduledAt.Before(result[j].ScheduledAt) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) CreateScan(ctx context.Context, scan *models.CheckpointScan) error {
	if err := r.check(ctx, "CreateScan"); err != nil {
		return err
	}
	if _, ok := r.state.scans[scan.ID]; ok {
		return fmt.Errorf("failed to create scan: %s already exists", scan.ID)
	}
	if scan.Occupies() {
		if r.occupying(scan.PatrolID, scan.CheckpointID, scan.SequenceNumber) != nil {
			return &apperr.Error{Kind: apperr.ErrDuplicateScan, Op: "create scan",
				Reasons: []string{fmt.Sprintf("patrol %s checkpoint %s sequence %d", scan.PatrolID, scan.CheckpointID, scan.SequenceNumber)}}
		}
	}
	scan.CreatedAt, scan.UpdatedAt = now(), now()
	r.state.scans[scan.ID] = copyScan(scan)
	return nil
}

func (r *memoryRepo) occupying(patrolID, checkpointID string, sequence int) *models.CheckpointScan {
	for _, s := range r.state.scans {
		if s.PatrolID == patrolID && s.CheckpointID == checkpointID && s.SequenceNumber == sequence && s.Occupies() {
			return s
		}
	}
	return nil
}

func (r *memoryRepo) GetScan(ctx context.Context, id string) (*models.CheckpointScan, error) {
	if err := r.check(ctx, "GetScan"); err != nil {
		return nil, err
	}
	s, ok := r.state.scans[id]
	if !ok {
		return nil, apperr.NotFound("get", "scan", id)
	}
	return copyScan(s), nil
}

func (r *memoryRepo) FindOccupyingScan(ctx context.Context, patrolID, checkpointID string, sequence int) (*models.CheckpointScan, error) {
	if err := r.check(ctx, "FindOccupyingScan"); err != nil {
		return nil, err
	}
	s := r.occupying(patrolID, checkpointID, sequence)
	if s == nil {
		return nil, apperr.NotFound("find scan", "scan slot", fmt.Sprintf("%s/%s/%d", patrolID, checkpointID, sequence))
	}
	return copyScan(s), nil
}

func (r *memoryRepo) UpdateScan(ctx context.Context, scan *models.CheckpointScan) error {
	if err := r.check(ctx, "UpdateScan"); err != nil {
		return err
	}
	if _, ok := r.state.scans[scan.ID]; !ok {
		return apperr.NotFound("update", "scan", scan.ID)
	}
	scan.UpdatedAt = now()
	r.state.scans[scan.ID] = copyScan(scan)
	return nil
}

func (r *memoryRepo) ListScansForReconciliation(ctx context.Context, at time.Time, limit int) ([]*models.CheckpointScan, error) {
	if err := r.check(ctx, "ListScansForReconciliation"); err != nil {
		return nil, err
	}
	var result []*models.CheckpointScan
	for _, s := range r.state.scans {
		if s.Status != models.ScanAttempted || s.NeedsReview {
			continue
		}
		if s.NextAttemptAt == nil || !s.NextAttemptAt.After(at) {
			result = append(result, copyScan(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScanTime.Before(result[j].ScanTime) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) ListScansNeedingReview(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	if err := r.check(ctx, "ListScansNeedingReview"); err != nil {
		return nil, err
	}
	var result []*models.CheckpointScan
	for _, s := range r.state.scans {
		if s.NeedsReview {
			result = append(result, copyScan(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScanTime.Before(result[j].ScanTime) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) ListIssueScansWithoutIncident(ctx context.Context, limit int) ([]*models.CheckpointScan, error) {
	if err := r.check(ctx, "ListIssueScansWithoutIncident"); err != nil {
		return nil, err
	}
	opened := make(map[string]bool, len(r.state.incidents))
	for _, i := range r.state.incidents {
		opened[i.ScanID] = true
	}
	var result []*models.CheckpointScan
	for _, s := range r.state.scans {
		if !s.IssueReported || s.Status == models.ScanFailed || s.ReportedIncidentID != "" || opened[s.ID] {
			continue
		}
		result = append(result, copyScan(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ScanTime.Before(result[j].ScanTime) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) CreateIncident(ctx context.Context, i *models.Incident) error {
	if err := r.check(ctx, "CreateIncident"); err != nil {
		return err
	}
	if _, ok := r.state.incidents[i.ID]; ok {
		return fmt.Errorf("failed to create incident: %s already exists", i.ID)
	}
	i.Version = 1
	i.CreatedAt, i.UpdatedAt = now(), now()
	r.state.incidents[i.ID] = copyIncident(i)
	return nil
}

func (r *memoryRepo) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	if err := r.check(ctx, "GetIncident"); err != nil {
		return nil, err
	}
	i, ok := r.state.incidents[id]
	if !ok {
		return nil, apperr.NotFound("get", "incident", id)
	}
	return copyIncident(i), nil
}

func (r *memoryRepo) UpdateIncident(ctx context.Context, i *models.Incident) error {
	if err := r.check(ctx, "UpdateIncident"); err != nil {
		return err
	}
	existing, ok := r.state.incidents[i.ID]
	if !ok || existing.Version != i.Version {
		return versionConflict("incident", i.ID)
	}
	i.Version++
	i.UpdatedAt = now()
	r.state.incidents[i.ID] = copyIncident(i)
	return nil
}

func (r *memoryRepo) FindIncidentByScan(ctx context.Context, scanID string) (*models.Incident, error) {
	if err := r.check(ctx, "FindIncidentByScan"); err != nil {
		return nil, err
	}
	var found *models.Incident
	for _, i := range r.state.incidents {
		if i.ScanID == scanID && (found == nil || i.ReportedAt.Before(found.ReportedAt)) {
			found = i
		}
	}
	if found == nil {
		return nil, apperr.NotFound("find incident", "incident for scan", scanID)
	}
	return copyIncident(found), nil
}

func (r *memoryRepo) ListActiveIncidents(ctx context.Context, limit int) ([]*models.Incident, error) {
	if err := r.check(ctx, "ListActiveIncidents"); err != nil {
		return nil, err
	}
	var result []*models.Incident
	for _, i := range r.state.incidents {
		if i.Status.Active() {
			result = append(result, copyIncident(i))
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ReportedAt.Before(result[b].ReportedAt) })
	return truncate(result, limit), nil
}

func (r *memoryRepo) CreateNotification(ctx context.Context, n *models.Notification) error {
	if err := r.check(ctx, "CreateNotification"); err != nil {
		return err
	}
	n.CreatedAt, n.UpdatedAt = now(), now()
	r.state.notifications[n.ID] = copyNotification(n)
	return nil
}

func (r *memoryRepo) UpdateNotification(ctx context.Context, n *models.Notification) error {
	if err := r.check(ctx, "UpdateNotification"); err != nil {
		return err
	}
	if _, ok := r.state.notifications[n.ID]; !ok {
		return apperr.NotFound("update", "notification", n.ID)
	}
	n.UpdatedAt = now()
	r.state.notifications[n.ID] = copyNotification(n)
	return nil
}

func (r *memoryRepo) ListDueNotifications(ctx context.Context, at time.Time, limit int) ([]*models.Notification, error) {
	if err := r.check(ctx, "ListDueNotifications"); err != nil {
		return nil, err
	}
	var result []*models.Notification
	for _, n := range r.state.notifications {
		if n.Status == models.NotificationPending && !n.NextAttemptAt.After(at) {
			result = append(result, copyNotification(n))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyProperty(p *models.Property) *models.Property {
	c := *p
	return &c
}

func copyCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	c := *cp
	c.RequiredActions = copyStrings(cp.RequiredActions)
	c.OptionalActions = copyStrings(cp.OptionalActions)
	return &c
}

func copyPatrol(p *models.Patrol) *models.Patrol {
	c := *p
	if p.Route != nil {
		c.Route = append([]models.RouteStop(nil), p.Route...)
	}
	c.IncidentIDs = copyStrings(p.IncidentIDs)
	return &c
}

func copyScan(s *models.CheckpointScan) *models.CheckpointScan {
	c := *s
	c.CompletedActions = copyStrings(s.CompletedActions)
	c.SkippedActions = copyStrings(s.SkippedActions)
	c.FailureReasons = copyStrings(s.FailureReasons)
	return &c
}

func copyIncident(i *models.Incident) *models.Incident {
	c := *i
	return &c
}

func copyNotification(n *models.Notification) *models.Notification {
	c := *n
	return &c
}
