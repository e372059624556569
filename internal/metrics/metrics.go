package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "droidfleet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_queue_depth",
			Help: "Number of queued test submissions",
		},
	)

	QueueSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_queue_submitted_total",
			Help: "Total number of admitted test submissions",
		},
	)

	QueueAssignedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_queue_assigned_total",
			Help: "Total number of queue items assigned to devices",
		},
	)

	QueueCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_queue_cancelled_total",
			Help: "Total number of cancelled queue items",
		},
	)

	// Execution metrics
	ExecutionsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_executions_running",
			Help: "Number of currently running test executions",
		},
	)

	ScenarioDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "droidfleet_scenario_duration_seconds",
			Help:    "Per-device scenario run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_steps_total",
			Help: "Total number of executed scenario steps",
		},
		[]string{"status"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_sessions_active",
			Help: "Number of live automation sessions",
		},
	)

	SessionCreatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_session_creates_total",
			Help: "Total number of session create attempts",
		},
		[]string{"result"},
	)

	SessionDestroysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "droidfleet_session_destroys_total",
			Help: "Total number of destroyed sessions",
		},
	)

	SessionProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_session_probes_total",
			Help: "Total number of session health probes",
		},
		[]string{"result"},
	)

	MJPEGPortsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_mjpeg_ports_in_use",
			Help: "Number of MJPEG ports currently allocated",
		},
	)

	// Event bus metrics
	EventClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "droidfleet_event_clients",
			Help: "Number of connected websocket subscribers",
		},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_events_dropped_total",
			Help: "Total number of events dropped on slow subscribers",
		},
		[]string{"type"},
	)

	// Schedule metrics
	ScheduleFiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "droidfleet_schedule_fires_total",
			Help: "Total number of schedule fires",
		},
		[]string{"status"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordScenario records one per-device scenario outcome.
func RecordScenario(success bool, seconds float64) {
	result := "passed"
	if !success {
		result = "failed"
	}
	ScenarioDuration.WithLabelValues(result).Observe(seconds)
}

// RecordStep counts one executed step by terminal status.
func RecordStep(status string) {
	StepsTotal.WithLabelValues(status).Inc()
}

// RecordSessionCreate counts a session create attempt.
func RecordSessionCreate(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	SessionCreatesTotal.WithLabelValues(result).Inc()
}

// RecordSessionProbe counts a session health probe.
func RecordSessionProbe(healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	SessionProbesTotal.WithLabelValues(result).Inc()
}

// RecordEventDrop counts an event dropped on a slow subscriber.
func RecordEventDrop(eventType string) {
	EventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// RecordScheduleFire counts one schedule fire by outcome.
func RecordScheduleFire(status string) {
	ScheduleFiresTotal.WithLabelValues(status).Inc()
}
