package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the wizard service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec
	RateLimitedTotal      *prometheus.CounterVec

	// Wizard metrics
	WizardTransitionsTotal   *prometheus.CounterVec
	WizardRejectedTotal      *prometheus.CounterVec
	WizardCompletionsTotal   *prometheus.CounterVec
	WizardActiveShells       *prometheus.GaugeVec
	WizardAutoSavesTotal     *prometheus.CounterVec
	WizardSessionDiscards    *prometheus.CounterVec
	WizardValidationFailures *prometheus.CounterVec

	// Identity metrics
	IdentityLookupsTotal    *prometheus.CounterVec
	IdentityLookupDuration  prometheus.Histogram
	ImpersonationFallbacks  *prometheus.CounterVec
	IdentityOperationsTotal *prometheus.CounterVec

	// Incident submission metrics
	IncidentSubmissionsTotal   *prometheus.CounterVec
	IncidentSubmissionDuration prometheus.Histogram
	IdempotencyReplaysTotal    prometheus.Counter

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wizardd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wizardd_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wizardd_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}, []string{"path_pattern"}),

		// Wizards
		WizardTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_transitions_total",
			Help: "Total number of accepted wizard transitions.",
		}, []string{"wizard_id", "transition"}),
		WizardRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_rejected_transitions_total",
			Help: "Total number of rejected wizard transitions.",
		}, []string{"wizard_id", "transition"}),
		WizardCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_completions_total",
			Help: "Total number of wizard completion attempts by outcome.",
		}, []string{"wizard_id", "outcome"}),
		WizardActiveShells: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wizardd_wizard_active_shells",
			Help: "Number of wizard shells held in memory.",
		}, []string{"wizard_id"}),
		WizardAutoSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_autosaves_total",
			Help: "Total number of auto-save executions by result.",
		}, []string{"wizard_id", "result"}),
		WizardSessionDiscards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_session_discards_total",
			Help: "Total number of persisted wizard sessions discarded on restore.",
		}, []string{"wizard_id", "reason"}),
		WizardValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_wizard_validation_failures_total",
			Help: "Total number of step validation failures.",
		}, []string{"wizard_id", "step_id"}),

		// Identity
		IdentityLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_identity_lookups_total",
			Help: "Total number of identity lookups by token kind and result.",
		}, []string{"token_kind", "result"}),
		IdentityLookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wizardd_identity_lookup_duration_seconds",
			Help:    "Identity lookup duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		ImpersonationFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_impersonation_fallbacks_total",
			Help: "Total number of failed impersonations by fallback result.",
		}, []string{"result"}),
		IdentityOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_identity_operations_total",
			Help: "Total number of identity operations (login, register, ...) by result.",
		}, []string{"operation", "result"}),

		// Incidents
		IncidentSubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wizardd_incident_submissions_total",
			Help: "Total number of incident submissions to the backend.",
		}, []string{"wizard_id", "status"}),
		IncidentSubmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wizardd_incident_submission_duration_seconds",
			Help:    "Incident submission duration in seconds.",
			Buckets: backendDurationBuckets,
		}),
		IdempotencyReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wizardd_idempotency_replays_total",
			Help: "Total submissions answered from the idempotency store.",
		}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wizardd_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wizardd_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wizardd_definitions_loaded",
			Help: "Number of loaded wizard definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.RateLimitedTotal,
		// Wizards
		m.WizardTransitionsTotal,
		m.WizardRejectedTotal,
		m.WizardCompletionsTotal,
		m.WizardActiveShells,
		m.WizardAutoSavesTotal,
		m.WizardSessionDiscards,
		m.WizardValidationFailures,
		// Identity
		m.IdentityLookupsTotal,
		m.IdentityLookupDuration,
		m.ImpersonationFallbacks,
		m.IdentityOperationsTotal,
		// Incidents
		m.IncidentSubmissionsTotal,
		m.IncidentSubmissionDuration,
		m.IdempotencyReplaysTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can be
// constructed without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(pathPattern string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(pathPattern).Inc()
}

// RecordWizardTransition records an accepted wizard transition.
func (m *Metrics) RecordWizardTransition(wizardID, transition string) {
	if m == nil {
		return
	}
	m.WizardTransitionsTotal.WithLabelValues(wizardID, transition).Inc()
}

// RecordWizardRejected records a rejected wizard transition.
func (m *Metrics) RecordWizardRejected(wizardID, transition string) {
	if m == nil {
		return
	}
	m.WizardRejectedTotal.WithLabelValues(wizardID, transition).Inc()
}

// RecordWizardCompletion records a completion attempt. Outcome is one of
// "completed", "failed" or "duplicate".
func (m *Metrics) RecordWizardCompletion(wizardID, outcome string) {
	if m == nil {
		return
	}
	m.WizardCompletionsTotal.WithLabelValues(wizardID, outcome).Inc()
}

// ShellOpened increments the active shell gauge.
func (m *Metrics) ShellOpened(wizardID string) {
	if m == nil {
		return
	}
	m.WizardActiveShells.WithLabelValues(wizardID).Inc()
}

// ShellClosed decrements the active shell gauge.
func (m *Metrics) ShellClosed(wizardID string) {
	if m == nil {
		return
	}
	m.WizardActiveShells.WithLabelValues(wizardID).Dec()
}

// RecordAutoSave records the result ("ok" or "error") of an auto-save.
func (m *Metrics) RecordAutoSave(wizardID, result string) {
	if m == nil {
		return
	}
	m.WizardAutoSavesTotal.WithLabelValues(wizardID, result).Inc()
}

// RecordSessionDiscard records a persisted session discarded on restore.
func (m *Metrics) RecordSessionDiscard(wizardID, reason string) {
	if m == nil {
		return
	}
	m.WizardSessionDiscards.WithLabelValues(wizardID, reason).Inc()
}

// RecordValidationFailure records a step validation failure.
func (m *Metrics) RecordValidationFailure(wizardID, stepID string) {
	if m == nil {
		return
	}
	m.WizardValidationFailures.WithLabelValues(wizardID, stepID).Inc()
}

// RecordIdentityLookup records an identity lookup. tokenKind is "session" or
// "impersonation".
func (m *Metrics) RecordIdentityLookup(tokenKind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IdentityLookupsTotal.WithLabelValues(tokenKind, result).Inc()
	m.IdentityLookupDuration.Observe(duration.Seconds())
}

// RecordImpersonationFallback records the outcome ("restored", "failed" or
// "no_token") of a failed impersonation.
func (m *Metrics) RecordImpersonationFallback(result string) {
	if m == nil {
		return
	}
	m.ImpersonationFallbacks.WithLabelValues(result).Inc()
}

// RecordIdentityOperation records a delegated identity operation.
func (m *Metrics) RecordIdentityOperation(operation, result string) {
	if m == nil {
		return
	}
	m.IdentityOperationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordIncidentSubmission records a backend incident submission.
func (m *Metrics) RecordIncidentSubmission(wizardID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.IncidentSubmissionsTotal.WithLabelValues(wizardID, strconv.Itoa(status)).Inc()
	m.IncidentSubmissionDuration.Observe(duration.Seconds())
}

// RecordIdempotencyReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.IdempotencyReplaysTotal.Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	if m == nil {
		return
	}
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	if m == nil {
		return
	}
	m.CapabilityCacheMissesTotal.Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	if pattern, ok := matchedRoute(r); ok {
		return pattern
	}
	return r.URL.Path
}

// matchedRoute returns the chi route pattern that served r, if any.
func matchedRoute(r *http.Request) (string, bool) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "", false
	}
	// chi route patterns have trailing /*, remove it.
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	return pattern, pattern != ""
}

// statusRecorder wraps http.ResponseWriter to capture the status and the bytes written.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
