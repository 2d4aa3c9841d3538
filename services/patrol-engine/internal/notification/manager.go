// Package notification delivers escalation notifications from the outbox.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/metrics"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// Manager runs the delivery workers. Records are persisted before they
// reach the queue, so a dropped enqueue is picked up by ProcessPending.
type Manager struct {
	config       config.NotificationsConfig
	repo         database.Repository
	renderer     *Renderer
	transports   []Transport
	rateLimiters map[string]*rate.Limiter
	clock        utils.Clock
	metrics      *metrics.Collector
	logger       *zap.Logger

	queue    chan *models.Notification
	inflight map[string]struct{}
	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewManager(cfg config.NotificationsConfig, repo database.Repository, renderer *Renderer, transports []Transport, clock utils.Clock, m *metrics.Collector, logger *zap.Logger) *Manager {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	manager := &Manager{
		config:       cfg,
		repo:         repo,
		renderer:     renderer,
		transports:   transports,
		rateLimiters: make(map[string]*rate.Limiter),
		clock:        clock,
		metrics:      m,
		logger:       logger.Named("notification"),
		queue:        make(chan *models.Notification, queueSize),
		inflight:     make(map[string]struct{}),
	}
	manager.initializeRateLimiters()
	return manager
}

// BuildTransports creates the transports enabled in cfg.
func BuildTransports(cfg config.NotificationsConfig, stream MessageWriter, logger *zap.Logger) []Transport {
	var transports []Transport
	if cfg.Webhook.Enabled {
		transports = append(transports, NewWebhookClient(cfg.Webhook, cfg.Timeout, logger))
	}
	if cfg.Email.Enabled {
		transports = append(transports, NewEmailClient(cfg.Email, logger))
	}
	if cfg.SMS.Enabled {
		transports = append(transports, NewSMSClient(cfg.SMS, logger))
	}
	if cfg.Stream.Enabled && stream != nil {
		transports = append(transports, NewStreamClient(stream, logger))
	}
	return transports
}

func (m *Manager) initializeRateLimiters() {
	perMinute := map[string]int{
		"webhook": m.config.Webhook.RateLimitPerMin,
		"email":   m.config.Email.RateLimitPerMin,
		"sms":     m.config.SMS.RateLimitPerMin,
		"stream":  m.config.Stream.RateLimitPerMin,
	}
	for name, limit := range perMinute {
		if limit <= 0 {
			continue
		}
		burst := limit / 10
		if burst < 1 {
			burst = 1
		}
		m.rateLimiters[name] = rate.NewLimiter(rate.Limit(float64(limit)/60), burst)
	}
}

// Start launches the delivery workers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	workers := m.config.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("Starting notification manager", zap.Int("workers", workers), zap.Int("transports", len(m.transports)))
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

// Stop cancels in-flight deliveries and waits for the workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Info("Notification manager stopped")
}

// Enqueue hands a persisted record to the workers without blocking.
func (m *Manager) Enqueue(n *models.Notification) {
	if !m.claim(n.ID) {
		return
	}
	select {
	case m.queue <- n:
		m.metrics.SetNotificationQueueDepth(len(m.queue))
	default:
		m.release(n.ID)
		m.logger.Warn("Notification queue full, leaving record for the outbox sweep", zap.String("notification_id", n.ID))
	}
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// ProcessPending re-enqueues outbox records whose next attempt is due.
func (m *Manager) ProcessPending(ctx context.Context) (int, error) {
	limit := m.config.QueueSize
	if limit <= 0 {
		limit = 100
	}
	due, err := m.repo.ListDueNotifications(ctx, m.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending notifications: %w", err)
	}
	for _, n := range due {
		m.Enqueue(n)
	}
	return len(due), nil
}

func (m *Manager) worker(ctx context.Context, workerID int) {
	defer m.wg.Done()
	m.logger.Debug("Starting notification worker", zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.queue:
			m.metrics.SetNotificationQueueDepth(len(m.queue))
			if err := m.Deliver(ctx, n); err != nil {
				m.logger.Error("Failed to deliver notification",
					zap.Int("worker_id", workerID),
					zap.String("notification_id", n.ID),
					zap.Int("attempts", n.Attempts),
					zap.Error(err))
			}
			m.release(n.ID)
		}
	}
}

// Deliver sends one record through every transport and stores the outcome.
// A failure schedules the next attempt with exponential backoff until
// MaxAttempts is reached.
func (m *Manager) Deliver(ctx context.Context, n *models.Notification) error {
	incident, err := m.repo.GetIncident(ctx, n.IncidentID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("failed to load incident %s: %w", n.IncidentID, err)
	}

	subject, body, err := m.renderer.Render(n, incident)
	if err != nil {
		return m.recordFailure(ctx, n, err)
	}
	msg := &Message{Notification: n, Incident: incident, Subject: subject, Body: body}

	sendCtx := ctx
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	failures := utils.NewMultiError()
	for _, t := range m.transports {
		if limiter, ok := m.rateLimiters[t.Name()]; ok && !limiter.Allow() {
			m.metrics.RecordNotification(t.Name(), "rate_limited")
			failures.Add(fmt.Errorf("%s: rate limit exceeded", t.Name()))
			continue
		}
		if err := t.Send(sendCtx, msg); err != nil {
			m.metrics.RecordNotification(t.Name(), "failed")
			failures.Add(fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		m.metrics.RecordNotification(t.Name(), "sent")
	}

	if err := failures.ErrorOrNil(); err != nil {
		return m.recordFailure(ctx, n, err)
	}

	n.Status = models.NotificationSent
	n.Attempts++
	n.LastError = ""
	n.SentAt = utils.TimePtr(m.clock.Now())
	if err := m.repo.UpdateNotification(ctx, n); err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}

	m.logger.Info("Notification sent successfully",
		zap.String("notification_id", n.ID),
		zap.String("incident_id", n.IncidentID),
		zap.Int("level", n.Level))
	return nil
}

func (m *Manager) recordFailure(ctx context.Context, n *models.Notification, cause error) error {
	n.Attempts++
	n.LastError = cause.Error()
	if m.config.MaxAttempts > 0 && n.Attempts >= m.config.MaxAttempts {
		n.Status = models.NotificationFailed
	} else {
		n.NextAttemptAt = m.clock.Now().Add(m.calculateRetryDelay(n.Attempts))
	}
	if err := m.repo.UpdateNotification(ctx, n); err != nil {
		m.logger.Error("Failed to record notification failure", zap.String("notification_id", n.ID), zap.Error(err))
	}
	return &apperr.Error{Kind: apperr.ErrDeliveryFailure, Op: "deliver notification", Err: cause}
}

func (m *Manager) calculateRetryDelay(attempts int) time.Duration {
	return utils.RetryConfig{Delay: m.config.RetryDelay, MaxDelay: m.config.MaxDelay}.BackoffDelay(attempts)
}

// QueueDepth reports records waiting for a worker.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}

// Close releases transports that hold connections.
func (m *Manager) Close() error {
	errs := utils.NewMultiError()
	for _, t := range m.transports {
		if closer, ok := t.(interface{ Close() error }); ok {
			errs.Add(closer.Close())
		}
	}
	return errs.ErrorOrNil()
}
