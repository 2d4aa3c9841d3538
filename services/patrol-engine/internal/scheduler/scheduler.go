package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
)

// Scheduler manages the periodic maintenance tasks of the patrol engine
type Scheduler struct {
	config       config.SchedulerConfig
	logger       *zap.Logger
	cron         *cron.Cron
	locker       Locker
	metrics      *metrics.Collector
	tasks        map[string]*ScheduledTask
	tasksMutex   sync.RWMutex
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	running      sync.WaitGroup
}

// ScheduledTask represents a scheduled task
type ScheduledTask struct {
	ID          string
	Name        string
	Description string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	ErrorCount  int64
	SkipCount   int64
	Enabled     bool
	cronEntryID cron.EntryID
	mu          sync.Mutex
}

// TaskHandler defines the interface for scheduled task handlers
type TaskHandler interface {
	Execute(ctx context.Context) error
	GetName() string
	GetDescription() string
}

// Locker grants a named lease for the duration of one task run. ok is false
// when another instance holds it.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// TaskStats is a point-in-time view of one task
type TaskStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Schedule    string    `json:"schedule"`
	Enabled     bool      `json:"enabled"`
	LastRun     time.Time `json:"last_run"`
	NextRun     time.Time `json:"next_run"`
	RunCount    int64     `json:"run_count"`
	ErrorCount  int64     `json:"error_count"`
	SkipCount   int64     `json:"skip_count"`
}

// NewScheduler creates a scheduler with the default patrol engine tasks.
// locker may be nil for single-instance deployments.
func NewScheduler(cfg config.SchedulerConfig, target Target, outbox Outbox, locker Locker, m *metrics.Collector, logger *zap.Logger) (*Scheduler, error) {
	scheduler := &Scheduler{
		config:       cfg,
		logger:       logger.Named("scheduler"),
		cron:         cron.New(cron.WithParser(scheduleParser), cron.WithLocation(time.UTC)),
		locker:       locker,
		metrics:      m,
		tasks:        make(map[string]*ScheduledTask),
		shutdownChan: make(chan struct{}),
	}

	if err := scheduler.initializeDefaultTasks(target, outbox); err != nil {
		return nil, fmt.Errorf("failed to initialize default tasks: %w", err)
	}

	return scheduler, nil
}

// Start schedules all enabled tasks and starts the cron loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler")

	s.tasksMutex.Lock()
	for _, task := range s.tasks {
		if task.Enabled {
			if err := s.scheduleTask(task); err != nil {
				s.tasksMutex.Unlock()
				return err
			}
		}
	}
	count := len(s.tasks)
	s.tasksMutex.Unlock()

	s.cron.Start()

	s.wg.Add(1)
	go s.monitoringRoutine(ctx)

	s.logger.Info("Scheduler started", zap.Int("scheduled_tasks", count))
	return nil
}

// Stop stops the cron loop and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")

	<-s.cron.Stop().Done()
	close(s.shutdownChan)
	s.wg.Wait()
	s.running.Wait()

	s.logger.Info("Scheduler stopped")
}

// AddTask adds a new scheduled task
func (s *Scheduler) AddTask(task *ScheduledTask) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	if err := ValidateSchedule(task.Schedule); err != nil {
		return fmt.Errorf("invalid schedule for task %s: %w", task.ID, err)
	}

	s.tasks[task.ID] = task
	if task.Enabled {
		return s.scheduleTask(task)
	}
	return nil
}

// EnableTask enables a scheduled task
func (s *Scheduler) EnableTask(taskID string) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task with ID %s not found", taskID)
	}
	if !task.Enabled {
		task.Enabled = true
		return s.scheduleTask(task)
	}
	return nil
}

// DisableTask disables a scheduled task
func (s *Scheduler) DisableTask(taskID string) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("task with ID %s not found", taskID)
	}
	if task.Enabled {
		task.Enabled = false
		task.mu.Lock()
		if task.cronEntryID != 0 {
			s.cron.Remove(task.cronEntryID)
			task.cronEntryID = 0
		}
		task.mu.Unlock()
	}
	return nil
}

// Stats returns all tasks ordered by ID
func (s *Scheduler) Stats() []TaskStats {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()

	stats := make([]TaskStats, 0, len(s.tasks))
	for _, task := range s.tasks {
		task.mu.Lock()
		stats = append(stats, TaskStats{
			ID:          task.ID,
			Name:        task.Name,
			Description: task.Description,
			Schedule:    task.Schedule,
			Enabled:     task.Enabled,
			LastRun:     task.LastRun,
			NextRun:     task.NextRun,
			RunCount:    task.RunCount,
			ErrorCount:  task.ErrorCount,
			SkipCount:   task.SkipCount,
		})
		task.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// RunNow executes a task synchronously outside of its schedule
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.tasksMutex.RLock()
	task, exists := s.tasks[taskID]
	s.tasksMutex.RUnlock()

	if !exists {
		return fmt.Errorf("task with ID %s not found", taskID)
	}
	return s.executeTask(ctx, task)
}

// Schedules take an optional seconds field and descriptors such as "@every 1m".
var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule validates a cron expression in the scheduler's format
func ValidateSchedule(schedule string) error {
	_, err := scheduleParser.Parse(schedule)
	return err
}

// scheduleTask schedules a task with cron. Callers hold tasksMutex.
func (s *Scheduler) scheduleTask(task *ScheduledTask) error {
	task.mu.Lock()
	if task.cronEntryID != 0 {
		s.cron.Remove(task.cronEntryID)
	}
	task.mu.Unlock()

	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		if err := s.executeTask(context.Background(), task); err != nil {
			s.logger.Debug("Task run ended with error", zap.String("task_id", task.ID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}

	next := s.cron.Entry(entryID).Next
	task.mu.Lock()
	task.cronEntryID = entryID
	task.NextRun = next
	task.mu.Unlock()

	s.logger.Debug("Task scheduled",
		zap.String("task_id", task.ID),
		zap.String("schedule", task.Schedule),
		zap.Time("next_run", next))
	return nil
}

// executeTask runs a task under the configured timeout. With a locker the run
// is skipped when another instance holds the task lease.
func (s *Scheduler) executeTask(ctx context.Context, task *ScheduledTask) error {
	s.running.Add(1)
	defer s.running.Done()

	if s.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}

	if s.locker != nil {
		release, ok, err := s.locker.TryAcquire(ctx, "task:"+task.ID, s.lockTTL())
		if err != nil {
			s.finish(task, "error", 0)
			s.logger.Error("Failed to acquire task lock", zap.String("task_id", task.ID), zap.Error(err))
			return err
		}
		if !ok {
			s.finish(task, "skipped", 0)
			return nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release task lock", zap.String("task_id", task.ID), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	s.logger.Debug("Executing scheduled task", zap.String("task_id", task.ID))

	err := task.Handler.Execute(ctx)
	elapsed := time.Since(start)
	if err != nil {
		s.finish(task, "error", elapsed)
		s.logger.Error("Scheduled task failed",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.Name),
			zap.Duration("execution_time", elapsed),
			zap.Error(err))
		return err
	}

	s.finish(task, "success", elapsed)
	s.logger.Debug("Scheduled task completed",
		zap.String("task_id", task.ID),
		zap.Duration("execution_time", elapsed))
	return nil
}

func (s *Scheduler) finish(task *ScheduledTask, status string, elapsed time.Duration) {
	task.mu.Lock()
	switch status {
	case "skipped":
		task.SkipCount++
	case "error":
		task.RunCount++
		task.ErrorCount++
		task.LastRun = time.Now()
	default:
		task.RunCount++
		task.LastRun = time.Now()
	}
	if task.cronEntryID != 0 {
		task.NextRun = s.cron.Entry(task.cronEntryID).Next
	}
	task.mu.Unlock()

	s.metrics.RecordTaskExecution(task.ID, status, elapsed)
}

// lockTTL bounds the lease so a crashed holder frees it before the next run
func (s *Scheduler) lockTTL() time.Duration {
	if s.config.LockTTL > 0 {
		return s.config.LockTTL
	}
	if s.config.TaskTimeout > 0 {
		return 2 * s.config.TaskTimeout
	}
	return 5 * time.Minute
}

// initializeDefaultTasks registers the maintenance tasks of the engine
func (s *Scheduler) initializeDefaultTasks(target Target, outbox Outbox) error {
	defaults := []*ScheduledTask{
		{
			ID:       "overdue_sweep",
			Name:     "Overdue Sweep",
			Schedule: s.config.SweepSchedule,
			Handler:  NewSweepHandler(target, s.logger),
		},
		{
			ID:       "scan_reconciler",
			Name:     "Scan Reconciler",
			Schedule: s.config.ReconcileSchedule,
			Handler:  NewReconcileHandler(target, s.logger),
		},
		{
			ID:       "escalation_sla",
			Name:     "Escalation SLA",
			Schedule: s.config.EscalationSchedule,
			Handler:  NewEscalationHandler(target, s.logger),
		},
	}
	if outbox != nil {
		defaults = append(defaults, &ScheduledTask{
			ID:       "notification_outbox",
			Name:     "Notification Outbox",
			Schedule: s.config.NotificationSchedule,
			Handler:  NewOutboxHandler(outbox, s.logger),
		})
	}

	for _, task := range defaults {
		if err := ValidateSchedule(task.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q for task %s: %w", task.Schedule, task.ID, err)
		}
		task.Description = task.Handler.GetDescription()
		task.Enabled = s.config.Enabled
		s.tasks[task.ID] = task
	}
	return nil
}

// monitoringRoutine periodically logs task statistics
func (s *Scheduler) monitoringRoutine(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		case <-ticker.C:
			s.logSchedulerStats()
		}
	}
}

func (s *Scheduler) logSchedulerStats() {
	var runs, errs, skips int64
	enabled := 0
	for _, task := range s.Stats() {
		if task.Enabled {
			enabled++
		}
		runs += task.RunCount
		errs += task.ErrorCount
		skips += task.SkipCount
	}

	s.logger.Debug("Scheduler statistics",
		zap.Int("enabled_tasks", enabled),
		zap.Int64("total_runs", runs),
		zap.Int64("total_errors", errs),
		zap.Int64("total_skips", skips))
}
