package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/cascade"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/engine"
)

// Target is the part of the engine driven by periodic tasks
type Target interface {
	SweepOverdue(ctx context.Context) (*engine.SweepResult, error)
	Reconcile(ctx context.Context) (cascade.ReconcileResult, error)
	EscalateOverdueIncidents(ctx context.Context) (int, error)
}

// Outbox re-dispatches notifications whose next attempt is due
type Outbox interface {
	ProcessPending(ctx context.Context) (int, error)
}

// SweepHandler marks overdue checkpoints and missed patrols
type SweepHandler struct {
	target Target
	logger *zap.Logger
}

// NewSweepHandler creates a new overdue sweep handler
func NewSweepHandler(target Target, logger *zap.Logger) *SweepHandler {
	return &SweepHandler{target: target, logger: logger}
}

// Execute runs one sweep
func (h *SweepHandler) Execute(ctx context.Context) error {
	result, err := h.target.SweepOverdue(ctx)
	if err != nil {
		return fmt.Errorf("overdue sweep failed: %w", err)
	}
	if result.CheckpointsMarkedOverdue > 0 || result.PatrolsMarkedMissed > 0 {
		h.logger.Info("Overdue sweep marked records",
			zap.Int("checkpoints", result.CheckpointsMarkedOverdue),
			zap.Int("patrols", result.PatrolsMarkedMissed),
			zap.Int("deferred", result.Deferred))
	}
	return nil
}

func (h *SweepHandler) GetName() string {
	return "Overdue Sweep"
}

func (h *SweepHandler) GetDescription() string {
	return "Marks checkpoints past their scan frequency as overdue and unstarted patrols as missed"
}

// ReconcileHandler retries the cascade for attempted scans
type ReconcileHandler struct {
	target Target
	logger *zap.Logger
}

func NewReconcileHandler(target Target, logger *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{target: target, logger: logger}
}

func (h *ReconcileHandler) Execute(ctx context.Context) error {
	result, err := h.target.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("scan reconciliation failed: %w", err)
	}
	if result.Flagged > 0 {
		h.logger.Warn("Scans flagged for manual review", zap.Int("count", result.Flagged))
	}
	return nil
}

func (h *ReconcileHandler) GetName() string {
	return "Scan Reconciler"
}

func (h *ReconcileHandler) GetDescription() string {
	return "Re-applies aggregate updates for scans stored as attempted"
}

// EscalationHandler escalates incidents left unassigned past their SLA
type EscalationHandler struct {
	target Target
	logger *zap.Logger
}

func NewEscalationHandler(target Target, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{target: target, logger: logger}
}

func (h *EscalationHandler) Execute(ctx context.Context) error {
	escalated, err := h.target.EscalateOverdueIncidents(ctx)
	if err != nil {
		return fmt.Errorf("SLA escalation failed: %w", err)
	}
	if escalated > 0 {
		h.logger.Info("Incidents escalated on SLA", zap.Int("count", escalated))
	}
	return nil
}

func (h *EscalationHandler) GetName() string {
	return "Escalation SLA"
}

func (h *EscalationHandler) GetDescription() string {
	return "Advances escalation for unassigned incidents that exceeded their severity SLA"
}

// OutboxHandler hands due notifications back to the delivery workers
type OutboxHandler struct {
	outbox Outbox
	logger *zap.Logger
}

func NewOutboxHandler(outbox Outbox, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{outbox: outbox, logger: logger}
}

func (h *OutboxHandler) Execute(ctx context.Context) error {
	queued, err := h.outbox.ProcessPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to process pending notifications: %w", err)
	}
	if queued > 0 {
		h.logger.Debug("Pending notifications queued", zap.Int("count", queued))
	}
	return nil
}

func (h *OutboxHandler) GetName() string {
	return "Notification Outbox"
}

func (h *OutboxHandler) GetDescription() string {
	return "Queues pending escalation notifications whose next attempt is due"
}
