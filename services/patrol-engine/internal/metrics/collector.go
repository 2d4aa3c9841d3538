package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector manages Prometheus metrics for the patrol engine
type Collector struct {
	scansTotal         *prometheus.CounterVec
	scanDuration       prometheus.Histogram
	cascadeRetries     prometheus.Counter
	cascadeFailures    prometheus.Counter
	reconciledTotal    *prometheus.CounterVec
	patrolTransitions  *prometheus.CounterVec
	incidentsCreated   *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	notificationQueue  prometheus.Gauge
	sweepMarked        *prometheus.CounterVec
	sweepDeferred      *prometheus.CounterVec
	tasksExecuted      *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	eventsProcessed    *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	liveClients        prometheus.Gauge
}

// NewCollector registers all patrol engine metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		scansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_scans_total",
			Help: "Scan submissions by outcome",
		}, []string{"outcome"}),
		scanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "patrol_engine_scan_duration_seconds",
			Help:    "Time to reach a definitive answer for a scan submission",
			Buckets: prometheus.DefBuckets,
		}),
		cascadeRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "patrol_engine_cascade_retries_total",
			Help: "Cascade transactions retried",
		}),
		cascadeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "patrol_engine_cascade_failures_total",
			Help: "Scans deferred to reconciliation after exhausting cascade retries",
		}),
		reconciledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_reconciled_scans_total",
			Help: "Attempted scans processed by the reconciler",
		}, []string{"result"}),
		patrolTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_patrol_transitions_total",
			Help: "Patrol state transitions",
		}, []string{"to"}),
		incidentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_incidents_created_total",
			Help: "Incidents created",
		}, []string{"severity"}),
		escalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_escalations_total",
			Help: "Incident escalation events",
		}, []string{"severity", "trigger"}),
		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_notifications_total",
			Help: "Notification delivery attempts",
		}, []string{"transport", "status"}),
		notificationQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "patrol_engine_notification_queue_depth",
			Help: "Notifications waiting for a delivery worker",
		}),
		sweepMarked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_sweep_marked_total",
			Help: "Records changed by the overdue sweep",
		}, []string{"kind"}),
		sweepDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_sweep_deferred_total",
			Help: "Records skipped by the overdue sweep because of a concurrent change",
		}, []string{"kind"}),
		tasksExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_tasks_executed_total",
			Help: "Scheduled task executions",
		}, []string{"task", "status"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_engine_task_duration_seconds",
			Help:    "Scheduled task execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_stream_events_total",
			Help: "Scan events consumed from the stream",
		}, []string{"topic", "status"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patrol_engine_http_requests_total",
			Help: "HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patrol_engine_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		liveClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "patrol_engine_live_clients",
			Help: "Connected live feed clients",
		}),
	}
}

func (c *Collector) RecordScan(outcome string, duration time.Duration) {
	c.scansTotal.WithLabelValues(outcome).Inc()
	c.scanDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordCascadeRetry() {
	c.cascadeRetries.Inc()
}

func (c *Collector) RecordCascadeFailure() {
	c.cascadeFailures.Inc()
}

func (c *Collector) RecordReconciled(result string) {
	c.reconciledTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordPatrolTransition(to string) {
	c.patrolTransitions.WithLabelValues(to).Inc()
}

func (c *Collector) RecordIncidentCreated(severity string) {
	c.incidentsCreated.WithLabelValues(severity).Inc()
}

func (c *Collector) RecordEscalation(severity, trigger string) {
	c.escalationsTotal.WithLabelValues(severity, trigger).Inc()
}

func (c *Collector) RecordNotification(transport, status string) {
	c.notificationsTotal.WithLabelValues(transport, status).Inc()
}

func (c *Collector) SetNotificationQueueDepth(depth int) {
	c.notificationQueue.Set(float64(depth))
}

func (c *Collector) RecordSweep(kind string, marked, deferred int) {
	c.sweepMarked.WithLabelValues(kind).Add(float64(marked))
	c.sweepDeferred.WithLabelValues(kind).Add(float64(deferred))
}

func (c *Collector) RecordTaskExecution(task, status string, duration time.Duration) {
	c.tasksExecuted.WithLabelValues(task, status).Inc()
	c.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (c *Collector) RecordEventProcessed(topic, status string) {
	c.eventsProcessed.WithLabelValues(topic, status).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) SetLiveClients(n int) {
	c.liveClients.Set(float64(n))
}
