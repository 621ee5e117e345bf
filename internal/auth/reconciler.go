package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Storage keys. The impersonation token and the backup of the plain token
// live in browser-session storage; the plain token in long-lived storage.
const (
	KeyImpersonationToken   = "impersonation_token"
	KeyOriginalSessionToken = "original_session_token"
	KeySessionToken         = "session_token"
)

// Token kinds used in metrics and spans.
const (
	tokenImpersonation = "impersonation"
	tokenSession       = "session"
)

// State is a snapshot of a client's authentication state.
type State struct {
	User            *model.User
	SessionToken    string
	IsLoading       bool
	IsImpersonating bool
}

// Result reports the outcome of an account operation. A failed operation
// leaves the authentication state untouched.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func failed(msg string) Result {
	return Result{Error: msg}
}

// Options configures a Reconciler.
type Options struct {
	Identity Identity
	// SessionStore is scoped to the browser session.
	SessionStore storage.Store
	// LocalStore outlives the browser session.
	LocalStore storage.Store
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Reconciler owns the authentication state of one client: which session
// token is current, the user it resolves to, and whether that user is being
// impersonated. It is safe for concurrent use.
type Reconciler struct {
	identity Identity
	session  storage.Store
	local    storage.Store
	logger   *zap.Logger
	metrics  *observability.Metrics

	refreshing atomic.Bool

	mu    sync.RWMutex
	state State
}

// NewReconciler creates a Reconciler with an empty state.
func NewReconciler(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session, local := opts.SessionStore, opts.LocalStore
	if session == nil {
		session = storage.Unavailable{}
	}
	if local == nil {
		local = storage.Unavailable{}
	}
	return &Reconciler{
		identity: opts.Identity,
		session:  session,
		local:    local,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// State returns a snapshot of the authentication state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.state
	st.User = st.User.Clone()
	return st
}

func (r *Reconciler) setState(user *model.User, token string, impersonating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user != nil {
		user = user.Clone()
		user.SessionToken = token
	}
	r.state.User = user
	r.state.SessionToken = token
	r.state.IsImpersonating = impersonating && user != nil
}

func (r *Reconciler) clearState() {
	r.setState(nil, "", false)
}

func (r *Reconciler) setLoading(v bool) {
	r.mu.Lock()
	r.state.IsLoading = v
	r.mu.Unlock()
}

// RefreshUser resolves the current session token against the identity
// backend. An impersonation token in loc takes precedence and is moved into
// session storage and stripped from loc. Only one refresh runs at a time: a
// call made while another is in flight returns false immediately without
// doing anything.
func (r *Reconciler) RefreshUser(ctx context.Context, loc *Location) bool {
	if !r.refreshing.CompareAndSwap(false, true) {
		return false
	}
	defer r.refreshing.Store(false)

	r.setLoading(true)
	defer r.setLoading(false)

	ctx, span := observability.StartSpan(ctx, "auth.refresh")
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	token, impersonating := r.candidateToken(ctx, loc)
	span.SetAttributes(observability.AttrImpersonating.Bool(impersonating))
	if token == "" {
		r.clearState()
		return true
	}

	kind := tokenSession
	if impersonating {
		kind = tokenImpersonation
	}
	user, err := r.lookup(ctx, kind, token)
	switch {
	case err == nil:
		r.setState(user, token, impersonating)
	case impersonating:
		spanErr = err
		r.fallBack(ctx, err)
	default:
		spanErr = err
		r.logger.Info("session token rejected", zap.Error(err))
		r.clearState()
	}
	return true
}

// candidateToken picks the token to resolve: an impersonation token from the
// URL, then one from session storage, then the plain session token.
func (r *Reconciler) candidateToken(ctx context.Context, loc *Location) (string, bool) {
	if tok := loc.ImpersonationToken(); tok != "" {
		r.preserveOriginal(ctx)
		r.put(ctx, r.session, KeyImpersonationToken, tok)
		loc.StripImpersonationToken()
		return tok, true
	}
	if tok := r.get(ctx, r.session, KeyImpersonationToken); tok != "" {
		return tok, true
	}
	return r.get(ctx, r.local, KeySessionToken), false
}

// preserveOriginal backs up the plain session token before impersonation
// starts. An existing backup is kept, so nested impersonations restore the
// real user's token.
func (r *Reconciler) preserveOriginal(ctx context.Context) {
	if r.get(ctx, r.session, KeyOriginalSessionToken) != "" {
		return
	}
	if plain := r.get(ctx, r.local, KeySessionToken); plain != "" {
		r.put(ctx, r.session, KeyOriginalSessionToken, plain)
	}
}

// fallBack handles a failed impersonation: the impersonation token is
// dropped and the plain token, restored from its backup when there is one,
// is resolved instead.
func (r *Reconciler) fallBack(ctx context.Context, cause error) {
	r.logger.Warn("impersonation token rejected, falling back to session token", zap.Error(cause))
	r.del(ctx, r.session, KeyImpersonationToken)
	plain := r.restoreOriginal(ctx)

	if plain == "" {
		r.metrics.RecordImpersonationFallback("no_token")
		r.clearState()
		return
	}
	user, err := r.lookup(ctx, tokenSession, plain)
	if err != nil {
		r.metrics.RecordImpersonationFallback("failed")
		r.logger.Warn("session token rejected after impersonation fallback", zap.Error(err))
		r.clearState()
		return
	}
	r.metrics.RecordImpersonationFallback("restored")
	r.setState(user, plain, false)
}

// restoreOriginal moves the backed-up plain token back into long-lived
// storage and returns the plain token.
func (r *Reconciler) restoreOriginal(ctx context.Context) string {
	if orig := r.get(ctx, r.session, KeyOriginalSessionToken); orig != "" {
		r.put(ctx, r.local, KeySessionToken, orig)
		r.del(ctx, r.session, KeyOriginalSessionToken)
		return orig
	}
	return r.get(ctx, r.local, KeySessionToken)
}

func (r *Reconciler) lookup(ctx context.Context, kind, token string) (user *model.User, err error) {
	ctx, span := observability.StartSpan(ctx, "auth.lookup", observability.AttrTokenKind.String(kind))
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			user, err = nil, fmt.Errorf("auth: identity lookup panicked: %v", p)
		}
		observability.EndSpanWithError(span, err)
		result := "ok"
		switch {
		case errors.Is(err, ErrNoUser):
			result = "rejected"
		case err != nil:
			result = "error"
		}
		r.metrics.RecordIdentityLookup(kind, result, time.Since(start))
	}()

	user, err = r.identity.CurrentUser(ctx, token)
	if err == nil && user == nil {
		err = ErrNoUser
	}
	return user, err
}

// ClearImpersonation ends impersonation: the impersonation token is removed
// and the backed-up plain token restored. It does not refresh; call
// RefreshUser to resolve the plain session again.
func (r *Reconciler) ClearImpersonation(ctx context.Context) {
	r.del(ctx, r.session, KeyImpersonationToken)
	if orig := r.get(ctx, r.session, KeyOriginalSessionToken); orig != "" {
		r.put(ctx, r.local, KeySessionToken, orig)
		r.del(ctx, r.session, KeyOriginalSessionToken)
	}
}

// Login signs in with email and password.
func (r *Reconciler) Login(ctx context.Context, email, password string, rememberMe bool) Result {
	resp, err := r.identity.Login(ctx, email, password, rememberMe)
	return r.signIn(ctx, "login", resp, err)
}

// Register creates an account and, when that succeeds, signs in with it.
func (r *Reconciler) Register(ctx context.Context, reg Registration) Result {
	resp, err := r.identity.Register(ctx, reg)
	if res := r.outcome("register", resp, err); !res.Success {
		return res
	}
	return r.Login(ctx, reg.Email, reg.Password, false)
}

// OAuthURL returns the provider's authorization URL.
func (r *Reconciler) OAuthURL(ctx context.Context, provider string) (string, error) {
	if !ValidProvider(provider) {
		return "", model.NewBadRequestError(fmt.Sprintf("unsupported oauth provider %q", provider))
	}
	u, err := r.identity.OAuthURL(ctx, provider)
	if err != nil {
		r.metrics.RecordIdentityOperation("oauth_url", "error")
		return "", err
	}
	r.metrics.RecordIdentityOperation("oauth_url", "ok")
	return u, nil
}

// OAuthLogin exchanges a provider's authorization code for a session.
func (r *Reconciler) OAuthLogin(ctx context.Context, provider, code, state string) Result {
	if !ValidProvider(provider) {
		return failed(fmt.Sprintf("unsupported oauth provider %q", provider))
	}
	resp, err := r.identity.OAuthLogin(ctx, provider, code, state)
	return r.signIn(ctx, "oauth_"+provider, resp, err)
}

// Logout ends the session, including any impersonation.
func (r *Reconciler) Logout(ctx context.Context) Result {
	token := r.State().SessionToken
	if token == "" {
		token = r.get(ctx, r.local, KeySessionToken)
	}
	if token != "" {
		if err := r.identity.Logout(ctx, token); err != nil {
			r.logger.Warn("identity logout failed", zap.Error(err))
		}
	}

	r.del(ctx, r.session, KeyImpersonationToken)
	r.del(ctx, r.session, KeyOriginalSessionToken)
	r.del(ctx, r.local, KeySessionToken)
	r.clearState()
	r.metrics.RecordIdentityOperation("logout", "ok")
	return Result{Success: true}
}

// ChangePassword changes the signed-in user's password.
func (r *Reconciler) ChangePassword(ctx context.Context, currentPassword, newPassword string) Result {
	token := r.State().SessionToken
	if token == "" {
		return failed("not signed in")
	}
	resp, err := r.identity.ChangePassword(ctx, token, currentPassword, newPassword)
	return r.outcome("change_password", resp, err)
}

// RequestPasswordReset asks the backend to send a reset link to email.
func (r *Reconciler) RequestPasswordReset(ctx context.Context, email string) Result {
	resp, err := r.identity.RequestPasswordReset(ctx, email)
	return r.outcome("request_password_reset", resp, err)
}

// ResetPassword sets a new password with a reset token.
func (r *Reconciler) ResetPassword(ctx context.Context, resetToken, newPassword string) Result {
	resp, err := r.identity.ResetPassword(ctx, resetToken, newPassword)
	return r.outcome("reset_password", resp, err)
}

// signIn stores the session of a successful sign-in. A new sign-in ends any
// impersonation.
func (r *Reconciler) signIn(ctx context.Context, op string, resp Response, err error) Result {
	res := r.outcome(op, resp, err)
	if !res.Success {
		return res
	}
	if resp.SessionToken == "" || resp.User == nil {
		r.metrics.RecordIdentityOperation(op, "error")
		return failed("the identity service returned an incomplete session")
	}

	r.put(ctx, r.local, KeySessionToken, resp.SessionToken)
	r.del(ctx, r.session, KeyImpersonationToken)
	r.del(ctx, r.session, KeyOriginalSessionToken)
	r.setState(resp.User, resp.SessionToken, false)
	return res
}

// outcome maps a backend answer to a Result and records it.
func (r *Reconciler) outcome(op string, resp Response, err error) Result {
	switch {
	case err != nil:
		r.metrics.RecordIdentityOperation(op, "error")
		r.logger.Warn("identity operation failed", zap.String("operation", op), zap.Error(err))
		return failed(errorMessage(err))
	case !resp.Success:
		r.metrics.RecordIdentityOperation(op, "rejected")
		msg := resp.Error
		if msg == "" {
			msg = "the request was rejected"
		}
		return failed(msg)
	}
	r.metrics.RecordIdentityOperation(op, "ok")
	return Result{Success: true}
}

func errorMessage(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		return ee.Message
	}
	return "the identity service is unavailable"
}

// Storage access is best effort: failures are logged and read as absent.

func (r *Reconciler) get(ctx context.Context, s storage.Store, key string) string {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrUnavailable) {
			r.logger.Warn("auth storage read failed", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (r *Reconciler) put(ctx context.Context, s storage.Store, key, value string) {
	if err := s.Set(ctx, key, value); err != nil && !errors.Is(err, storage.ErrUnavailable) {
		r.logger.Warn("auth storage write failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Reconciler) del(ctx context.Context, s storage.Store, key string) {
	if err := s.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrUnavailable) {
		r.logger.Warn("auth storage delete failed", zap.String("key", key), zap.Error(err))
	}
}
