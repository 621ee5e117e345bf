package auth

import "net/url"

// ImpersonationParam is the query parameter that carries an impersonation
// token.
const ImpersonationParam = "impersonate_token"

// Location is the client's visible URL.
type Location struct {
	u        url.URL
	stripped bool
}

// NewLocation returns a Location for a copy of u.
func NewLocation(u *url.URL) *Location {
	if u == nil {
		return &Location{}
	}
	return &Location{u: *u}
}

// ImpersonationToken returns the impersonation token in the URL, if any.
func (l *Location) ImpersonationToken() string {
	if l == nil {
		return ""
	}
	return l.u.Query().Get(ImpersonationParam)
}

// StripImpersonationToken removes the impersonation parameter.
func (l *Location) StripImpersonationToken() {
	q := l.u.Query()
	if !q.Has(ImpersonationParam) {
		return
	}
	q.Del(ImpersonationParam)
	l.u.RawQuery = q.Encode()
	l.stripped = true
}

// Stripped reports whether the impersonation parameter was removed.
func (l *Location) Stripped() bool {
	return l != nil && l.stripped
}

// String returns the visible URL as a path with its query.
func (l *Location) String() string {
	return l.u.RequestURI()
}
