package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the client, identity, and tracing information for the
// lifetime of a request. It is built once per request and safe for concurrent
// reads.
type RequestContext struct {
	// ClientID identifies the browser client (the signed client cookie).
	ClientID string
	// UserID is empty until the client's session token resolves to a user.
	UserID          string
	Email           string
	CompanyID       string
	Role            string
	SessionToken    string
	IsImpersonating bool
	CorrelationID   string
	TraceID         string
}

// Validate checks that all mandatory fields are present. ClientID is always
// required; UserID is required for authenticated operations only, see
// Authenticated.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.ClientID == "" {
		errs = append(errs, fmt.Errorf("ClientID is required"))
	}
	if rc.UserID != "" && rc.SessionToken == "" {
		errs = append(errs, fmt.Errorf("SessionToken is required for a resolved user"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Authenticated reports whether a user has been resolved for this request.
func (rc *RequestContext) Authenticated() bool {
	return rc != nil && rc.UserID != ""
}

// Roles returns the role list used for capability resolution.
func (rc *RequestContext) Roles() []string {
	if rc.Role == "" {
		return nil
	}
	return []string{rc.Role}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
