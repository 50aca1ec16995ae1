// Package metrics holds the Prometheus collectors exported by videoflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "videoflow"

var (
	workflowsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflow instances started",
		},
		[]string{"workflow"},
	)

	workflowsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Total number of workflow instances that reached a terminal status",
		},
		[]string{"workflow", "status"}, // status: Completed, Failed
	)

	episodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Total number of replay episodes run",
		},
		[]string{"workflow"},
	)

	activityExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_executions_total",
			Help:      "Total number of activity tasks executed",
		},
		[]string{"activity", "status"}, // status: success, error
	)

	activityAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Total number of activity attempts including retries",
		},
		[]string{"activity"},
	)

	activityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Duration of activity tasks in seconds, retries included",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"activity"},
	)

	signalsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_raised_total",
			Help:      "Total number of external signals delivered to instances",
		},
		[]string{"signal"},
	)

	approvalDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total number of approval races decided, by outcome",
		},
		[]string{"decision"},
	)

	timersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Total number of durable timers that fired",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served, by route pattern",
		},
		[]string{"method", "route", "status"},
	)

	allCollectors = []prometheus.Collector{
		workflowsStarted,
		workflowsCompleted,
		episodesTotal,
		activityExecutions,
		activityAttempts,
		activityDuration,
		signalsRaised,
		approvalDecisions,
		timersFired,
		httpRequests,
	}
)

// Register adds every videoflow collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range allCollectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with the videoflow collectors plus the Go
// runtime and process collectors.
func NewRegistry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg, nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// RecordWorkflowStarted records a new instance.
func RecordWorkflowStarted(workflow string) {
	workflowsStarted.WithLabelValues(workflow).Inc()
}

// RecordWorkflowCompleted records an instance reaching a terminal status.
func RecordWorkflowCompleted(workflow, status string) {
	workflowsCompleted.WithLabelValues(workflow, status).Inc()
}

// RecordEpisode records one replay episode.
func RecordEpisode(workflow string) {
	episodesTotal.WithLabelValues(workflow).Inc()
}

// RecordActivity records a finished activity task.
func RecordActivity(activity, status string, attempts int, durationSeconds float64) {
	activityExecutions.WithLabelValues(activity, status).Inc()
	if attempts > 0 {
		activityAttempts.WithLabelValues(activity).Add(float64(attempts))
	}
	activityDuration.WithLabelValues(activity).Observe(durationSeconds)
}

// RecordSignal records an external signal delivery.
func RecordSignal(signal string) {
	signalsRaised.WithLabelValues(signal).Inc()
}

// RecordApprovalDecision records the outcome of an approval race.
func RecordApprovalDecision(decision string) {
	approvalDecisions.WithLabelValues(decision).Inc()
}

// RecordTimerFired records a durable timer firing.
func RecordTimerFired() {
	timersFired.Inc()
}

// RecordHTTPRequest records a served request.
func RecordHTTPRequest(method, route, status string) {
	httpRequests.WithLabelValues(method, route, status).Inc()
}
