package auth

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/storage"
)

// SessionsOptions configures Sessions.
type SessionsOptions struct {
	Identity     Identity
	SessionStore func(clientID string) storage.Store
	LocalStore   func(clientID string) storage.Store
	IdleTimeout  time.Duration
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Sessions keeps one Reconciler per client. A client idle for longer than
// the idle timeout is forgotten; its tokens stay in storage and are resolved
// again on its next refresh.
type Sessions struct {
	opts SessionsOptions

	mu    sync.Mutex
	cache *cache.Cache
}

// NewSessions creates Sessions.
func NewSessions(opts SessionsOptions) *Sessions {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sessions{opts: opts, cache: cache.New(idle, max(idle/2, time.Second))}
}

// For returns the Reconciler of clientID, creating it on first use.
func (s *Sessions) For(clientID string) *Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.cache.Get(clientID); ok {
		s.cache.SetDefault(clientID, v)
		return v.(*Reconciler)
	}

	opts := Options{
		Identity: s.opts.Identity,
		Logger:   s.opts.Logger.With(zap.String("client_id", clientID)),
		Metrics:  s.opts.Metrics,
	}
	if s.opts.SessionStore != nil {
		opts.SessionStore = s.opts.SessionStore(clientID)
	}
	if s.opts.LocalStore != nil {
		opts.LocalStore = s.opts.LocalStore(clientID)
	}
	r := NewReconciler(opts)
	s.cache.SetDefault(clientID, r)
	return r
}

// Len returns the number of tracked clients.
func (s *Sessions) Len() int {
	return s.cache.ItemCount()
}
