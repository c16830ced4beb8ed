package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "domainproxy"

// Recorder is the Prometheus-backed sink for controller and intake
// measurements. Each Recorder owns its registry, so tests never collide on
// the default registerer.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	claimed       *prometheus.CounterVec
	correlated    *prometheus.CounterVec
	failures      *prometheus.CounterVec
	requeued      prometheus.Counter
	trustDecision *prometheus.CounterVec
	intake        *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each controller stage by request type and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"request_type", "stage", "outcome"}),
		claimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_claimed_total",
			Help:      "Pending requests claimed for a SAS batch.",
		}, []string{"request_type"}),
		correlated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_correlated_total",
			Help:      "Response items by correlation result.",
		}, []string{"request_type", "result"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Failed per-type cycles by failure kind.",
		}, []string{"request_type", "kind"}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_requeued_total",
			Help:      "Stale claimed requests returned to pending.",
		}),
		trustDecision: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_decisions_total",
			Help:      "CRL validation decisions by reason.",
		}, []string{"reason"}),
		intake: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_requests_total",
			Help:      "Inbound protocol requests by source and outcome.",
		}, []string{"request_type", "source", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (r *Recorder) ObserveStage(requestType, stage, outcome string, d time.Duration) {
	r.stageDuration.WithLabelValues(requestType, stage, outcome).Observe(d.Seconds())
}

func (r *Recorder) AddClaimed(requestType string, n int) {
	if n <= 0 {
		return
	}
	r.claimed.WithLabelValues(requestType).Add(float64(n))
}

// ObserveCorrelation records one batch's matched, failed and dropped counts.
func (r *Recorder) ObserveCorrelation(requestType string, matched, failed, dropped int) {
	add := func(result string, n int) {
		if n > 0 {
			r.correlated.WithLabelValues(requestType, result).Add(float64(n))
		}
	}
	add("matched", matched)
	add("failed", failed)
	add("dropped", dropped)
}

func (r *Recorder) IncFailure(requestType, kind string) {
	r.failures.WithLabelValues(requestType, kind).Inc()
}

func (r *Recorder) AddRequeued(n int64) {
	if n <= 0 {
		return
	}
	r.requeued.Add(float64(n))
}

func (r *Recorder) IncTrustDecision(reason string) {
	r.trustDecision.WithLabelValues(reason).Inc()
}

func (r *Recorder) IncIntake(requestType, source, outcome string) {
	r.intake.WithLabelValues(requestType, source, outcome).Inc()
}

// Observe records one served HTTP request.
func (r *Recorder) Observe(route string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Registry exposes the underlying registry for scraping and tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Middleware records status and latency per route. route maps a request to
// a low-cardinality label; nil uses the URL path.
func (r *Recorder) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(req *http.Request) string { return req.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)
			r.Observe(req.Method+" "+route(req), sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
