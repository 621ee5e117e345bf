package model

import (
	"slices"
	"strings"
)

// Application roles, as assigned by the identity backend.
const (
	RoleSystemAdmin     = "system_admin"
	RoleCompanyAdmin    = "company_admin"
	RoleTeamLead        = "team_lead"
	RoleFrontlineWorker = "frontline_worker"
)

// CapabilitySet is the set of capabilities granted to a user. Keys take the
// form "resource:action" (e.g. "incidents:capture") and may be namespace
// wildcards such as "incidents:*", or "*" for everything.
type CapabilitySet map[string]bool

// Has reports whether the set grants cap, either exactly or through a
// wildcard entry.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern, granted := range cs {
		if granted && matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll reports whether every capability in caps is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, c := range caps {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one capability in caps is granted.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, c := range caps {
		if cs.Has(c) {
			return true
		}
	}
	return false
}

// Sorted returns the granted capability strings, for stable JSON output.
func (cs CapabilitySet) Sorted() []string {
	out := make([]string, 0, len(cs))
	for c, granted := range cs {
		if granted {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// matchWildcard reports whether pattern, ending in ":*" or equal to "*",
// covers cap. Exact matches are handled by the map lookup in Has.
//
//	"*"                 matches anything
//	"incidents:*"       matches "incidents:capture" and "incidents:analysis:review"
//	"incidents:capture" does NOT match "incidents:capture:draft"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, "*")
	if !ok || !strings.HasSuffix(prefix, ":") {
		return false
	}
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the request's user and role.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user.
	Invalidate(userID string)
}

// PolicyEvaluator maps roles to capabilities.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
