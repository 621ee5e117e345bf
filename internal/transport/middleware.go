package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/auth"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/config"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type capabilitiesKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithCapabilities stores a CapabilitySet in the context.
func WithCapabilities(ctx context.Context, caps model.CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, caps)
}

// CapabilitiesFrom extracts the CapabilitySet from the context.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					observability.RequestLogger(r.Context(), logger).Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)
					WriteError(w, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration. Credentials are allowed so the client
// cookie travels with cross-origin requests.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, X-Clean-Url")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id from the request header or generates a
// new one, then stores it in the context and sets the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// ClientSession identifies the browser client from its signed cookie,
// issuing a new client id when there is none, and builds the request's
// model.RequestContext and logger.
func ClientSession(cookies *ClientCookies, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, token, issued, err := cookies.Identify(r)
			if err != nil {
				logger.Error("issuing client cookie failed", zap.Error(err))
				WriteError(w, model.NewInternalError())
				return
			}
			if issued {
				http.SetCookie(w, cookies.Cookie(token))
			}

			ctx := r.Context()
			rctx := &model.RequestContext{
				ClientID:      clientID,
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceIDFromContext(ctx),
			}
			ctx = model.WithRequestContext(ctx, rctx)
			ctx = observability.WithLogger(ctx, observability.RequestLogger(ctx, logger))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimiter limits requests per client with a token bucket. Buckets of
// idle clients are dropped.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
	metrics *observability.Metrics
}

// NewRateLimiter creates a RateLimiter from cfg.
func NewRateLimiter(cfg config.RateLimitConfig, metrics *observability.Metrics) *RateLimiter {
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &RateLimiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		buckets: cache.New(idle, idle),
		metrics: metrics,
	}
}

// Allow reports whether clientID may make a request now.
func (l *RateLimiter) Allow(clientID string) bool {
	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.buckets.Add(clientID, lim, cache.DefaultExpiration); err != nil {
		v, ok := l.buckets.Get(clientID)
		if ok {
			lim = v.(*rate.Limiter)
			l.buckets.SetDefault(clientID, lim)
		}
	}
	return lim.Allow()
}

// Middleware rejects requests over the client's limit with RATE_LIMITED.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx != nil && !l.Allow(rctx.ClientID) {
			pattern := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				pattern = rc.RoutePattern()
			}
			l.metrics.RecordRateLimited(pattern)
			w.Header().Set("Retry-After", "1")
			WriteError(w, model.NewRateLimitedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser resolves the client's user, refreshing its session when no
// user is known yet, and rejects the request when there is none. The
// request context gains the user's identity and capabilities.
func RequireUser(sessions *auth.Sessions, resolver model.CapabilityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			base := model.RequestContextFrom(ctx)
			if base == nil {
				WriteError(w, model.NewUnauthorizedError("unknown client"))
				return
			}

			rec := sessions.For(base.ClientID)
			st := rec.State()
			if st.User == nil {
				rec.RefreshUser(ctx, nil)
				st = rec.State()
			}
			if st.User == nil {
				WriteError(w, model.NewUnauthorizedError("sign in to continue"))
				return
			}

			rctx := *base
			rctx.UserID = st.User.ID
			rctx.Email = st.User.Email
			rctx.CompanyID = st.User.CompanyID
			rctx.Role = st.User.Role
			rctx.SessionToken = st.SessionToken
			rctx.IsImpersonating = st.IsImpersonating
			ctx = model.WithRequestContext(ctx, &rctx)

			caps := model.CapabilitySet{}
			if resolver != nil {
				resolved, err := resolver.Resolve(&rctx)
				if err != nil {
					observability.LoggerFrom(ctx, zap.NewNop()).Warn("capability resolution failed",
						zap.String("user_id", rctx.UserID),
						zap.Error(err),
					)
				} else {
					caps = resolved
				}
			}
			ctx = WithCapabilities(ctx, caps)
			ctx = observability.WithLogger(ctx, observability.LoggerFrom(ctx, zap.NewNop()).With(
				zap.String("user_id", rctx.UserID),
			))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging logs each request with method, path, status, and duration.
// 5xx responses log at error, 4xx at warn.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			log := observability.LoggerFrom(r.Context(), logger).Info
			switch {
			case ww.status >= 500:
				log = observability.LoggerFrom(r.Context(), logger).Error
			case ww.status >= 400:
				log = observability.LoggerFrom(r.Context(), logger).Warn
			}
			log("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("correlation_id", CorrelationIDFrom(r.Context())),
			)
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
