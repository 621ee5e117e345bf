// Package capability resolves and caches user capabilities from a static
// role policy.
package capability

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/observability"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Resolver implements model.CapabilityResolver with a TTL cache. Concurrent
// misses for the same user and role share one evaluation.
type Resolver struct {
	evaluator model.PolicyEvaluator
	cache     *cache.Cache
	group     singleflight.Group
	metrics   *observability.Metrics
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// metrics may be nil.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		cache:     cache.New(ttl, 2*ttl),
		metrics:   metrics,
	}
}

func cacheKey(rctx *model.RequestContext) string {
	return rctx.UserID + ":" + rctx.Role
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	if v, ok := r.cache.Get(key); ok {
		r.metrics.RecordCapabilityCacheHit()
		return v.(model.CapabilitySet), nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	v, err, _ := r.group.Do(key, func() (any, error) {
		caps, err := r.evaluator.ResolveCapabilities(rctx)
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(key, caps)
		return caps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.CapabilitySet), nil
}

// Invalidate clears cached capabilities for the given user, across roles.
func (r *Resolver) Invalidate(userID string) {
	prefix := userID + ":"
	for key := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
		}
	}
}
