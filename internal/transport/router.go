package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/auth"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/wizard"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Clients            *ClientCookies
	Sessions           *auth.Sessions
	Host               *wizard.Host
	CapabilityResolver model.CapabilityResolver
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// client middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	// Client routes.
	r.Group(func(r chi.Router) {
		r.Use(ClientSession(deps.Clients, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/ui/auth", func(r chi.Router) {
			r.Use(NewRateLimiter(deps.Config.RateLimit, deps.Metrics).Middleware)

			r.Get("/me", handleMe(deps.Sessions))
			r.Post("/login", handleLogin(deps.Sessions))
			r.Post("/register", handleRegister(deps.Sessions))
			r.Post("/logout", handleLogout(deps.Sessions))
			r.Post("/password/change", handleChangePassword(deps.Sessions))
			r.Post("/password/reset-request", handleRequestPasswordReset(deps.Sessions))
			r.Post("/password/reset", handleResetPassword(deps.Sessions))
			r.Get("/oauth/{provider}/url", handleOAuthURL(deps.Sessions))
			r.Post("/oauth/{provider}/callback", handleOAuthCallback(deps.Sessions))
			r.Post("/impersonation/clear", handleClearImpersonation(deps.Sessions))
		})

		r.Route("/ui/wizards/{wizardId}", func(r chi.Router) {
			r.Use(RequireUser(deps.Sessions, deps.CapabilityResolver))

			r.Get("/", handleWizardGet(deps.Host))
			r.Patch("/data", handleWizardData(deps.Host))
			r.Post("/steps/complete", handleWizardTransition(deps.Host, completeStep))
			r.Post("/next", handleWizardTransition(deps.Host, goNext))
			r.Post("/previous", handleWizardTransition(deps.Host, goPrevious))
			r.Post("/skip", handleWizardTransition(deps.Host, skipStep))
			r.Post("/steps/{stepId}/jump", handleWizardTransition(deps.Host, jumpToStep))
			r.Post("/save", handleWizardTransition(deps.Host, saveWizard))
			r.Post("/complete", handleWizardComplete(deps.Host))
			r.Post("/cancel", handleWizardCancel(deps.Host))
			r.Get("/progress", handleWizardProgress(deps.Host))
			r.Get("/errors", handleWizardErrors(deps.Host))
		})
	})

	return r
}
