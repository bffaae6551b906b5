package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionOutcomes *prometheus.CounterVec
	streamMessages  *prometheus.CounterVec

	permissionRequests  prometheus.Counter
	permissionDecisions *prometheus.CounterVec
	permissionWait      prometheus.Histogram
	pendingPermissions  prometheus.Gauge

	inputQueueDepth *prometheus.GaugeVec
	inputsTotal     *prometheus.CounterVec

	gatewayBroadcastTotal  *prometheus.CounterVec
	gatewayClientsActive   prometheus.Gauge
	gatewayRPCTotal        *prometheus.CounterVec
	transcriptAppendErrors prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current running session count.",
				},
			),
			sessionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_total",
					Help: "Total sessions started.",
				},
			),
			sessionOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_outcomes_total",
					Help: "Terminal session outcomes by status.",
				},
				[]string{"status"},
			),
			streamMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_messages_total",
					Help: "Engine stream messages observed by type.",
				},
				[]string{"type"},
			),
			permissionRequests: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "permission_requests_total",
					Help: "Total tool confirmation requests surfaced to the user.",
				},
			),
			permissionDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "permission_decisions_total",
					Help: "Permission decisions by behavior and reason.",
				},
				[]string{"behavior", "reason"},
			),
			permissionWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "permission_wait_seconds",
					Help:    "Time from confirmation request to decision in seconds.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			pendingPermissions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_permissions",
					Help: "Currently outstanding tool confirmation requests.",
				},
			),
			inputQueueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "input_queue_depth",
					Help: "Queued user prompts awaiting delivery by session.",
				},
				[]string{"session"},
			),
			inputsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "inputs_total",
					Help: "User prompts accepted by session.",
				},
				[]string{"session"},
			),
			gatewayBroadcastTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_broadcast_total",
					Help: "Gateway event broadcasts by event and status.",
				},
				[]string{"event", "status"},
			),
			gatewayClientsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients_active",
					Help: "Connected gateway clients.",
				},
			),
			gatewayRPCTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_rpc_total",
					Help: "Gateway RPC calls by method and status.",
				},
				[]string{"method", "status"},
			),
			transcriptAppendErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "transcript_append_errors_total",
					Help: "Failed transcript append operations.",
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.sessionOutcomes,
			m.streamMessages,
			m.permissionRequests,
			m.permissionDecisions,
			m.permissionWait,
			m.pendingPermissions,
			m.inputQueueDepth,
			m.inputsTotal,
			m.gatewayBroadcastTotal,
			m.gatewayClientsActive,
			m.gatewayRPCTotal,
			m.transcriptAppendErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SessionStarted() {
	m := getMetrics()
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

func SessionFinished(status string) {
	m := getMetrics()
	m.activeSessions.Dec()
	m.sessionOutcomes.WithLabelValues(status).Inc()
}

func RecordStreamMessage(messageType string) {
	getMetrics().streamMessages.WithLabelValues(messageType).Inc()
}

func PermissionRequested() {
	m := getMetrics()
	m.permissionRequests.Inc()
	m.pendingPermissions.Inc()
}

func PermissionDecided(behavior, reason string, wait time.Duration) {
	m := getMetrics()
	m.pendingPermissions.Dec()
	m.permissionDecisions.WithLabelValues(behavior, reason).Inc()
	m.permissionWait.Observe(wait.Seconds())
}

func RecordAutoDecision(behavior string) {
	getMetrics().permissionDecisions.WithLabelValues(behavior, "auto").Inc()
}

func SetInputQueueDepth(sessionID string, depth int) {
	getMetrics().inputQueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

func RecordInput(sessionID string) {
	getMetrics().inputsTotal.WithLabelValues(sessionID).Inc()
}

func RecordBroadcast(event string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().gatewayBroadcastTotal.WithLabelValues(event, status).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClientsActive.Set(float64(count))
}

func RecordRPC(method string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().gatewayRPCTotal.WithLabelValues(method, status).Inc()
}

func RecordTranscriptError() {
	getMetrics().transcriptAppendErrors.Inc()
}
