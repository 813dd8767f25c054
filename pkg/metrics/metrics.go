package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raterudder/freephase/pkg/types"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	fetchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "tariff",
			Name:      "requests_total",
			Help:      "Total number of tariff API requests by outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "freephase",
			Subsystem: "tariff",
			Name:      "request_duration_seconds",
			Help:      "Duration of tariff API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		},
		[]string{"endpoint"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "coordinator",
			Name:      "refreshes_total",
			Help:      "Total number of refresh cycles by resulting status.",
		},
		[]string{"instance", "status"},
	)

	refreshRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "coordinator",
			Name:      "retries_total",
			Help:      "Total number of fetch retries.",
		},
		[]string{"instance"},
	)

	status = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "freephase",
			Subsystem: "coordinator",
			Name:      "status",
			Help:      "1 for the current coordinator status of an instance.",
		},
		[]string{"instance", "status"},
	)

	dataAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "freephase",
			Subsystem: "coordinator",
			Name:      "data_age_seconds",
			Help:      "Seconds since the last successful refresh.",
		},
		[]string{"instance"},
	)

	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of events emitted.",
		},
		[]string{"instance", "type"},
	)

	publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Total number of failed publishes by publisher.",
		},
		[]string{"publisher"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "freephase",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	Registry.MustRegister(
		fetchRequests,
		fetchDuration,
		refreshes,
		refreshRetries,
		status,
		dataAge,
		events,
		publishFailures,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordFetch records a single tariff API request.
func RecordFetch(endpoint, outcome string, duration time.Duration) {
	fetchRequests.WithLabelValues(endpoint, outcome).Inc()
	fetchDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRefresh records the result of a refresh cycle.
func RecordRefresh(instance string, s types.Status, retries int) {
	refreshes.WithLabelValues(instance, string(s)).Inc()
	if retries > 0 {
		refreshRetries.WithLabelValues(instance).Add(float64(retries))
	}
	for _, known := range []types.Status{types.StatusInitializing, types.StatusOK, types.StatusDegraded, types.StatusError} {
		v := 0.0
		if known == s {
			v = 1
		}
		status.WithLabelValues(instance, string(known)).Set(v)
	}
}

// SetDataAge sets the age of an instance's data.
func SetDataAge(instance string, age time.Duration) {
	dataAge.WithLabelValues(instance).Set(age.Seconds())
}

// RecordEvent records an emitted event.
func RecordEvent(instance string, t types.EventType) {
	events.WithLabelValues(instance, string(t)).Inc()
}

// RecordPublishFailure records a failed publish.
func RecordPublishFailure(publisher string) {
	publishFailures.WithLabelValues(publisher).Inc()
}

// InstrumentHandler wraps the provided handler with request counting. route
// should be the registered pattern rather than the raw path.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
