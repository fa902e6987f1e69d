package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	routeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "route_lookups_total",
			Help: "Route estimates by source (live, cache, fallback).",
		},
		[]string{"source"},
	)
	routeProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "route_provider_latency_seconds",
			Help:    "Routing provider call latency in seconds.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5},
		},
	)
	dispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Dispatch pipeline results by outcome.",
		},
		[]string{"outcome"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "End-to-end dispatch pipeline latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	severityLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "severity_assessments_total",
			Help: "Severity assessments by level.",
		},
		[]string{"level"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "facility_queue_depth",
			Help: "Waiting entries per facility queue.",
		},
		[]string{"facility"},
	)
	assignmentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "specialist_assignments_total",
			Help: "Specialist assignment attempts by outcome.",
		},
		[]string{"outcome"},
	)
	notifyIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_intents_total",
			Help: "Outbound notification and audit intents by kind and result.",
		},
		[]string{"kind", "result"},
	)
	persistRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_conflict_retries_total",
			Help: "Persistence writes replayed after a concurrency conflict.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
		routeLookups, routeProviderLatency, dispatchOutcomes, dispatchLatency, severityLevels,
		queueDepth, assignmentOutcomes, notifyIntents, persistRetries,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func IncRouteLookup(source string) {
	routeLookups.WithLabelValues(source).Inc()
}

func ObserveRouteProviderLatency(d time.Duration) {
	routeProviderLatency.Observe(d.Seconds())
}

func IncDispatchOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

func IncSeverityLevel(level int) {
	severityLevels.WithLabelValues(strconv.Itoa(level)).Inc()
}

func SetQueueDepth(facility string, depth int) {
	queueDepth.WithLabelValues(facility).Set(float64(depth))
}

func IncAssignmentOutcome(outcome string) {
	assignmentOutcomes.WithLabelValues(outcome).Inc()
}

func IncNotifyIntent(kind string, result string) {
	notifyIntents.WithLabelValues(kind, result).Inc()
}

func IncPersistRetry() {
	persistRetries.Inc()
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
