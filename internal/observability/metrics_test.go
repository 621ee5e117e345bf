package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Gather all registered metric families.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Verify expected metric names are registered.
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"wizardd_http_requests_total",
		"wizardd_http_request_duration_seconds",
		"wizardd_http_request_size_bytes",
		"wizardd_http_response_size_bytes",
		"wizardd_rate_limited_total",
		"wizardd_wizard_transitions_total",
		"wizardd_wizard_rejected_transitions_total",
		"wizardd_wizard_completions_total",
		"wizardd_wizard_active_shells",
		"wizardd_wizard_autosaves_total",
		"wizardd_wizard_session_discards_total",
		"wizardd_wizard_validation_failures_total",
		"wizardd_identity_lookups_total",
		"wizardd_identity_lookup_duration_seconds",
		"wizardd_impersonation_fallbacks_total",
		"wizardd_identity_operations_total",
		"wizardd_incident_submissions_total",
		"wizardd_incident_submission_duration_seconds",
		"wizardd_idempotency_replays_total",
		"wizardd_capability_cache_hits_total",
		"wizardd_capability_cache_misses_total",
		"wizardd_definitions_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordRateLimited("/ui/auth/login")
	m.RecordWizardTransition("incident-capture", "next")
	m.RecordWizardRejected("incident-capture", "next")
	m.RecordWizardCompletion("incident-capture", "completed")
	m.ShellOpened("incident-capture")
	m.RecordAutoSave("incident-capture", "ok")
	m.RecordSessionDiscard("incident-capture", "version")
	m.RecordValidationFailure("incident-capture", "details")
	m.RecordIdentityLookup("session", "ok", time.Millisecond)
	m.RecordImpersonationFallback("restored")
	m.RecordIdentityOperation("login", "ok")
	m.RecordIncidentSubmission("incident-capture", 201, time.Millisecond)
	m.RecordIdempotencyReplay()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()
	m.SetDefinitionsLoaded(2)

	families, err = reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names = make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/ui/wizards/{wizardId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/ui/wizards/{wizardId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/ui/wizards/{wizardId}/complete", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/wizards/{wizardId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/wizards/{wizardId}/complete", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordWizardTransitions(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWizardTransition("incident-capture", "next")
	m.RecordWizardTransition("incident-capture", "next")
	m.RecordWizardRejected("incident-capture", "skip")

	if val := testutil.ToFloat64(m.WizardTransitionsTotal.WithLabelValues("incident-capture", "next")); val != 2 {
		t.Errorf("next transitions = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.WizardRejectedTotal.WithLabelValues("incident-capture", "skip")); val != 1 {
		t.Errorf("rejected skips = %v, want 1", val)
	}
}

func TestShellGauge(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.ShellOpened("incident-capture")
	m.ShellOpened("incident-capture")
	m.ShellClosed("incident-capture")

	if val := testutil.ToFloat64(m.WizardActiveShells.WithLabelValues("incident-capture")); val != 1 {
		t.Errorf("active shells = %v, want 1", val)
	}
}

func TestRecordWizardCompletion(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWizardCompletion("incident-capture", "completed")
	m.RecordWizardCompletion("incident-capture", "duplicate")
	m.RecordWizardCompletion("incident-capture", "duplicate")

	if val := testutil.ToFloat64(m.WizardCompletionsTotal.WithLabelValues("incident-capture", "completed")); val != 1 {
		t.Errorf("completed = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.WizardCompletionsTotal.WithLabelValues("incident-capture", "duplicate")); val != 2 {
		t.Errorf("duplicate = %v, want 2", val)
	}
}

func TestRecordIdentityLookup(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordIdentityLookup("impersonation", "error", 20*time.Millisecond)
	m.RecordIdentityLookup("session", "ok", 10*time.Millisecond)
	m.RecordImpersonationFallback("restored")

	if val := testutil.ToFloat64(m.IdentityLookupsTotal.WithLabelValues("impersonation", "error")); val != 1 {
		t.Errorf("impersonation errors = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.ImpersonationFallbacks.WithLabelValues("restored")); val != 1 {
		t.Errorf("restored fallbacks = %v, want 1", val)
	}
	if count := testutil.CollectAndCount(m.IdentityLookupDuration); count == 0 {
		t.Error("expected identity lookup histogram to have observations")
	}
}

func TestRecordIncidentSubmission(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordIncidentSubmission("incident-capture", 201, 80*time.Millisecond)
	m.RecordIdempotencyReplay()

	if val := testutil.ToFloat64(m.IncidentSubmissionsTotal.WithLabelValues("incident-capture", "201")); val != 1 {
		t.Errorf("submissions = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.IdempotencyReplaysTotal); val != 1 {
		t.Errorf("replays = %v, want 1", val)
	}
}

func TestRecordCapabilityCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheHit()
	m.RecordCapabilityCacheMiss()

	hits := testutil.ToFloat64(m.CapabilityCacheHitsTotal)
	if hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	misses := testutil.ToFloat64(m.CapabilityCacheMissesTotal)
	if misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded(5)
	val := testutil.ToFloat64(m.DefinitionsLoaded)
	if val != 5 {
		t.Errorf("definitions loaded = %v, want 5", val)
	}
}

func TestNilMetrics_noop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond, 0, 0)
	m.RecordWizardTransition("w", "next")
	m.RecordAutoSave("w", "error")
	m.RecordIdentityLookup("session", "ok", time.Millisecond)
	m.ShellOpened("w")
	m.ShellClosed("w")
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ui/wizards/{wizardId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ui/wizards/incident-capture", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/wizards/{wizardId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesResponseSize(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// Response size should have been recorded.
	count := testutil.CollectAndCount(m.HTTPResponseSizeBytes)
	if count == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/ui/wizards/{wizardId}/next", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/ui/wizards/incident-capture/next", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/wizards/{wizardId}/next", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	// Verify bucket configurations are correct.
	if len(httpDurationBuckets) != 11 {
		t.Errorf("httpDurationBuckets length = %d, want 11", len(httpDurationBuckets))
	}
	if len(backendDurationBuckets) != 9 {
		t.Errorf("backendDurationBuckets length = %d, want 9", len(backendDurationBuckets))
	}
	if len(bodySizeBuckets) != 5 {
		t.Errorf("bodySizeBuckets length = %d, want 5", len(bodySizeBuckets))
	}

	// Verify buckets are sorted ascending.
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
}
