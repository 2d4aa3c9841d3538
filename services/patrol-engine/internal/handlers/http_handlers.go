package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/engine"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/patrol"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/registry"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/scheduler"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/verifier"
	"github.com/aegisshield/patrol/shared/models"
)

const defaultListLimit = 100

// HTTPHandler serves the patrol engine API
type HTTPHandler struct {
	logger    *zap.Logger
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	live      gin.HandlerFunc
}

// NewHTTPHandler creates a handler. sched and live are optional.
func NewHTTPHandler(eng *engine.Engine, sched *scheduler.Scheduler, live gin.HandlerFunc, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		logger:    logger.Named("http"),
		engine:    eng,
		scheduler: sched,
		live:      live,
	}
}

// RegisterRoutes registers the health probe at the root and the API under
// /api/v1. Middleware passed in api applies to the API group only.
func (h *HTTPHandler) RegisterRoutes(router gin.IRouter, api ...gin.HandlerFunc) {
	router.GET("/health", h.handleHealth)

	v1 := router.Group("/api/v1", api...)

	scans := v1.Group("/scans")
	scans.POST("", h.handleSubmitScan)
	scans.GET("/review", h.handleScansForReview)
	scans.GET("/:id", h.handleGetScan)
	scans.POST("/:id/issues", h.handleReportIssue)

	patrols := v1.Group("/patrols")
	patrols.POST("", h.handleSchedulePatrol)
	patrols.GET("/:id", h.handleGetPatrol)
	patrols.GET("/:id/compliance", h.handlePatrolCompliance)
	patrols.POST("/:id/start", h.patrolTransition(h.engine.StartPatrol))
	patrols.POST("/:id/end", h.patrolTransition(h.engine.EndPatrol))
	patrols.POST("/:id/cancel", h.patrolTransition(h.engine.CancelPatrol))

	checkpoints := v1.Group("/checkpoints")
	checkpoints.PUT("/:id", h.handleRegisterCheckpoint)
	checkpoints.DELETE("/:id", h.handleRemoveCheckpoint)
	checkpoints.GET("/:id/status", h.handleCheckpointStatus)

	incidents := v1.Group("/incidents")
	incidents.GET("/:id", h.handleGetIncident)
	incidents.POST("/:id/escalate", h.handleEscalate)
	incidents.POST("/:id/assign", h.handleAssign)
	incidents.POST("/:id/resolve", h.handleResolve)
	incidents.POST("/:id/close", h.handleClose)
	incidents.POST("/:id/false-alarm", h.handleFalseAlarm)
	incidents.POST("/:id/transition", h.handleTransition)

	sweeps := v1.Group("/sweeps")
	sweeps.POST("/overdue", h.handleSweepOverdue)
	sweeps.POST("/reconcile", h.handleReconcile)
	sweeps.POST("/escalations", h.handleEscalateOverdue)

	if h.scheduler != nil {
		tasks := v1.Group("/scheduler/tasks")
		tasks.GET("", h.handleListTasks)
		tasks.POST("/:id/enable", h.handleEnableTask)
		tasks.POST("/:id/disable", h.handleDisableTask)
		tasks.POST("/:id/execute", h.handleExecuteTask)
	}

	if h.live != nil {
		v1.GET("/ws", h.live)
	}
}

// Health

func (h *HTTPHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.engine.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "patrol-engine",
		"timestamp": time.Now().UTC(),
	})
}

// Scans

func (h *HTTPHandler) handleSubmitScan(c *gin.Context) {
	var sub verifier.Submission
	if !h.bind(c, &sub) {
		return
	}

	result, err := h.engine.SubmitScan(c.Request.Context(), &sub)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	switch {
	case result.Duplicate:
		status = http.StatusOK
	case !result.Accepted:
		status = http.StatusUnprocessableEntity
	case result.Status == models.ScanAttempted:
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *HTTPHandler) handleGetScan(c *gin.Context) {
	scan, err := h.engine.GetScan(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, scan, err)
}

func (h *HTTPHandler) handleScansForReview(c *gin.Context) {
	limit, ok := h.limit(c)
	if !ok {
		return
	}
	scans, err := h.engine.ListScansNeedingReview(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans, "count": len(scans)})
}

func (h *HTTPHandler) handleReportIssue(c *gin.Context) {
	var req struct {
		Severity    models.Severity `json:"severity"`
		Description string          `json:"description"`
	}
	if !h.bind(c, &req) {
		return
	}
	incident, created, err := h.engine.ReportIssue(c.Request.Context(), c.Param("id"), req.Severity, req.Description)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respond(c, status, incident, err)
}

// Patrols

func (h *HTTPHandler) handleSchedulePatrol(c *gin.Context) {
	var spec patrol.Spec
	if !h.bind(c, &spec) {
		return
	}
	p, err := h.engine.SchedulePatrol(c.Request.Context(), spec)
	h.respond(c, http.StatusCreated, p, err)
}

func (h *HTTPHandler) handleGetPatrol(c *gin.Context) {
	p, err := h.engine.GetPatrol(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, p, err)
}

func (h *HTTPHandler) handlePatrolCompliance(c *gin.Context) {
	summary, err := h.engine.GetPatrolCompliance(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, summary, err)
}

func (h *HTTPHandler) patrolTransition(fn func(context.Context, string) (*models.Patrol, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := fn(c.Request.Context(), c.Param("id"))
		h.respond(c, http.StatusOK, p, err)
	}
}

// Checkpoints

func (h *HTTPHandler) handleRegisterCheckpoint(c *gin.Context) {
	var spec registry.CheckpointSpec
	if !h.bind(c, &spec) {
		return
	}
	spec.ID = c.Param("id")
	checkpoint, err := h.engine.RegisterCheckpoint(c.Request.Context(), spec)
	h.respond(c, http.StatusOK, checkpoint, err)
}

func (h *HTTPHandler) handleRemoveCheckpoint(c *gin.Context) {
	if err := h.engine.RemoveCheckpoint(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) handleCheckpointStatus(c *gin.Context) {
	status, err := h.engine.GetCheckpointStatus(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, status, err)
}

// Incidents

func (h *HTTPHandler) handleGetIncident(c *gin.Context) {
	incident, err := h.engine.GetIncident(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, incident, err)
}

func (h *HTTPHandler) handleEscalate(c *gin.Context) {
	level, err := h.engine.AdvanceEscalation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": c.Param("id"), "escalation_level": level})
}

func (h *HTTPHandler) handleAssign(c *gin.Context) {
	var req struct {
		Responder string `json:"responder"`
	}
	if !h.bind(c, &req) {
		return
	}
	incident, err := h.engine.AssignResponder(c.Request.Context(), c.Param("id"), req.Responder)
	h.respond(c, http.StatusOK, incident, err)
}

func (h *HTTPHandler) handleResolve(c *gin.Context) {
	var req struct {
		ResolvedBy string `json:"resolved_by"`
		Resolution string `json:"resolution"`
	}
	if !h.bind(c, &req) {
		return
	}
	incident, err := h.engine.ResolveIncident(c.Request.Context(), c.Param("id"), req.ResolvedBy, req.Resolution)
	h.respond(c, http.StatusOK, incident, err)
}

func (h *HTTPHandler) handleClose(c *gin.Context) {
	incident, err := h.engine.CloseIncident(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, incident, err)
}

func (h *HTTPHandler) handleFalseAlarm(c *gin.Context) {
	var req struct {
		By     string `json:"by"`
		Reason string `json:"reason"`
	}
	if !h.bind(c, &req) {
		return
	}
	incident, err := h.engine.MarkFalseAlarm(c.Request.Context(), c.Param("id"), req.By, req.Reason)
	h.respond(c, http.StatusOK, incident, err)
}

func (h *HTTPHandler) handleTransition(c *gin.Context) {
	var req struct {
		Status models.IncidentStatus `json:"status"`
	}
	if !h.bind(c, &req) {
		return
	}
	incident, err := h.engine.TransitionIncident(c.Request.Context(), c.Param("id"), req.Status)
	h.respond(c, http.StatusOK, incident, err)
}

// Sweeps

func (h *HTTPHandler) handleSweepOverdue(c *gin.Context) {
	result, err := h.engine.SweepOverdue(c.Request.Context())
	h.respond(c, http.StatusOK, result, err)
}

func (h *HTTPHandler) handleReconcile(c *gin.Context) {
	result, err := h.engine.Reconcile(c.Request.Context())
	h.respond(c, http.StatusOK, result, err)
}

func (h *HTTPHandler) handleEscalateOverdue(c *gin.Context) {
	escalated, err := h.engine.EscalateOverdueIncidents(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalated": escalated})
}

// Scheduler

func (h *HTTPHandler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.scheduler.Stats()})
}

func (h *HTTPHandler) handleEnableTask(c *gin.Context) {
	if err := h.scheduler.EnableTask(c.Param("id")); err != nil {
		h.writeMessage(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *HTTPHandler) handleDisableTask(c *gin.Context) {
	if err := h.scheduler.DisableTask(c.Param("id")); err != nil {
		h.writeMessage(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *HTTPHandler) handleExecuteTask(c *gin.Context) {
	if err := h.scheduler.RunNow(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Error("Failed to execute task", zap.String("task_id", c.Param("id")), zap.Error(err))
		h.writeMessage(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Helper methods

func (h *HTTPHandler) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.writeMessage(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *HTTPHandler) limit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		h.writeMessage(c, http.StatusBadRequest, "Invalid limit parameter")
		return 0, false
	}
	return limit, true
}

func (h *HTTPHandler) respond(c *gin.Context, status int, body interface{}, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(status, body)
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrDuplicateScan),
		errors.Is(err, apperr.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrCascadeFailure),
		errors.Is(err, apperr.ErrDeliveryFailure),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}

	body := gin.H{
		"error":     err.Error(),
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	if reasons := apperr.Reasons(err); len(reasons) > 0 && status < http.StatusInternalServerError {
		body["reasons"] = reasons
	}
	c.JSON(status, body)
}

func (h *HTTPHandler) writeMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}
