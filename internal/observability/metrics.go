package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paperlens"

type moduleMetrics struct {
	activeSessions     prometheus.Gauge
	sessionTransitions *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec

	workerTasks        *prometheus.CounterVec
	workerTaskDuration prometheus.Histogram
	workerInFlight     prometheus.Gauge

	textCalls      *prometheus.CounterVec
	textDuration   *prometheus.HistogramVec
	textRetries    *prometheus.CounterVec
	sourceSearches *prometheus.CounterVec

	memoryWrites       *prometheus.CounterVec
	memoryQueryLatency prometheus.Histogram
	memoryEntries      prometheus.Gauge

	channelMessages    *prometheus.CounterVec
	channelConnections prometheus.Gauge

	laneQueueSize *prometheus.GaugeVec
	laneTasks     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions currently held by the session manager.",
			}),
			sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by target state.",
			}, []string{"state"}),
			stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds.",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"stage"}),
			stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_total",
				Help:      "Pipeline stage executions by stage and outcome.",
			}, []string{"stage", "status"}),
			workerTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_tasks_total",
				Help:      "Worker pool task outcomes (success, failed, cancelled).",
			}, []string{"status"}),
			workerTaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_task_duration_seconds",
				Help:      "Worker pool task duration including retries.",
				Buckets:   prometheus.DefBuckets,
			}),
			workerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_tasks_in_flight",
				Help:      "Worker pool tasks currently executing.",
			}),
			textCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "text_calls_total",
				Help:      "Text service calls by provider and status.",
			}, []string{"provider", "status"}),
			textDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "text_call_duration_seconds",
				Help:      "Text service call duration by provider.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			textRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retries scheduled by the shared retry policy, by operation.",
			}, []string{"operation"}),
			sourceSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_searches_total",
				Help:      "Item source searches by source and status.",
			}, []string{"source", "status"}),
			memoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_writes_total",
				Help:      "Memory store writes by entry kind.",
			}, []string{"kind"}),
			memoryQueryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_query_duration_seconds",
				Help:      "Memory store query duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			memoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_entries",
				Help:      "Entries currently held by the memory store.",
			}),
			channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_messages_total",
				Help:      "Channel messages by direction and type.",
			}, []string{"direction", "type"}),
			channelConnections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_connections",
				Help:      "Open channel connections.",
			}),
			laneQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_queue_size",
				Help:      "Pending tasks per lane.",
			}, []string{"lane"}),
			laneTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lane_tasks_total",
				Help:      "Completed lane tasks by lane and status.",
			}, []string{"lane", "status"}),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionTransitions,
			m.stageDuration,
			m.stageTotal,
			m.workerTasks,
			m.workerTaskDuration,
			m.workerInFlight,
			m.textCalls,
			m.textDuration,
			m.textRetries,
			m.sourceSearches,
			m.memoryWrites,
			m.memoryQueryLatency,
			m.memoryEntries,
			m.channelMessages,
			m.channelConnections,
			m.laneQueueSize,
			m.laneTasks,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordTransition(state string) {
	getMetrics().sessionTransitions.WithLabelValues(state).Inc()
}

func RecordStage(stage string, duration time.Duration, success bool) {
	m := getMetrics()
	m.stageTotal.WithLabelValues(stage, statusLabel(success)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordWorkerTask records a terminal task outcome; status is one of
// success, failed or cancelled.
func RecordWorkerTask(status string, duration time.Duration) {
	m := getMetrics()
	m.workerTasks.WithLabelValues(status).Inc()
	if status != "cancelled" {
		m.workerTaskDuration.Observe(duration.Seconds())
	}
}

func AddWorkersInFlight(delta int) {
	getMetrics().workerInFlight.Add(float64(delta))
}

func RecordTextCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.textCalls.WithLabelValues(provider, statusLabel(success)).Inc()
	m.textDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordRetry(operation string) {
	getMetrics().textRetries.WithLabelValues(operation).Inc()
}

func RecordSourceSearch(source string, success bool) {
	getMetrics().sourceSearches.WithLabelValues(source, statusLabel(success)).Inc()
}

func RecordMemoryWrite(kind string) {
	getMetrics().memoryWrites.WithLabelValues(kind).Inc()
}

func RecordMemoryQuery(duration time.Duration) {
	getMetrics().memoryQueryLatency.Observe(duration.Seconds())
}

func SetMemoryEntries(total int) {
	getMetrics().memoryEntries.Set(float64(total))
}

func RecordChannelMessage(direction, msgType string) {
	getMetrics().channelMessages.WithLabelValues(direction, msgType).Inc()
}

func AddChannelConnections(delta int) {
	getMetrics().channelConnections.Add(float64(delta))
}

func SetLaneQueueSize(lane string, size int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(size))
}

func RecordLaneTask(lane string, success bool, queueSize int) {
	m := getMetrics()
	m.laneTasks.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}
