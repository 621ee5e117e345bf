// Package auth reconciles a browser client's session token, including an
// admin impersonation overlay, with the external identity backend.
package auth

import (
	"context"
	"errors"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// OAuth providers supported by the identity backend.
const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// ErrNoUser is returned by Identity.CurrentUser when a token resolves to no
// user.
var ErrNoUser = errors.New("auth: token does not resolve to a user")

// Response is the identity backend's answer to an account operation.
type Response struct {
	Success      bool        `json:"success"`
	User         *model.User `json:"user,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Registration carries the fields of a new account.
type Registration struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
}

// Identity is the external identity backend.
type Identity interface {
	// CurrentUser resolves a session token. It returns ErrNoUser when the
	// token is unknown or expired.
	CurrentUser(ctx context.Context, token string) (*model.User, error)
	Login(ctx context.Context, email, password string, rememberMe bool) (Response, error)
	Register(ctx context.Context, reg Registration) (Response, error)
	Logout(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) (Response, error)
	RequestPasswordReset(ctx context.Context, email string) (Response, error)
	ResetPassword(ctx context.Context, resetToken, newPassword string) (Response, error)
	OAuthURL(ctx context.Context, provider string) (string, error)
	OAuthLogin(ctx context.Context, provider, code, state string) (Response, error)
}

// ValidProvider reports whether provider is a supported OAuth provider.
func ValidProvider(provider string) bool {
	return provider == ProviderGitHub || provider == ProviderGoogle
}
