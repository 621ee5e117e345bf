package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/invoker"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// HTTPIdentity talks to the identity backend's JSON API.
type HTTPIdentity struct {
	client *invoker.Client
}

// NewHTTPIdentity creates an Identity backed by client.
func NewHTTPIdentity(client *invoker.Client) *HTTPIdentity {
	return &HTTPIdentity{client: client}
}

func (h *HTTPIdentity) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	resp, err := h.client.Do(ctx, invoker.Request{Method: http.MethodGet, Path: "/auth/me", Token: token})
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoUser
	case !resp.OK():
		return nil, fmt.Errorf("auth: identity lookup: status %d", resp.StatusCode)
	}

	var body struct {
		User *model.User `json:"user"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if body.User == nil {
		return nil, ErrNoUser
	}
	return body.User, nil
}

func (h *HTTPIdentity) Login(ctx context.Context, email, password string, rememberMe bool) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/login", "", map[string]any{
		"email":       email,
		"password":    password,
		"remember_me": rememberMe,
	})
}

func (h *HTTPIdentity) Register(ctx context.Context, reg Registration) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/register", "", reg)
}

func (h *HTTPIdentity) Logout(ctx context.Context, token string) error {
	_, err := h.call(ctx, http.MethodPost, "/auth/logout", token, nil)
	return err
}

func (h *HTTPIdentity) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/password/change", token, map[string]string{
		"current_password": currentPassword,
		"new_password":     newPassword,
	})
}

func (h *HTTPIdentity) RequestPasswordReset(ctx context.Context, email string) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/password/reset-request", "", map[string]string{"email": email})
}

func (h *HTTPIdentity) ResetPassword(ctx context.Context, resetToken, newPassword string) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/password/reset", "", map[string]string{
		"token":        resetToken,
		"new_password": newPassword,
	})
}

func (h *HTTPIdentity) OAuthURL(ctx context.Context, provider string) (string, error) {
	resp, err := h.client.Do(ctx, invoker.Request{
		Method: http.MethodGet,
		Path:   "/auth/oauth/" + url.PathEscape(provider) + "/url",
	})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", fmt.Errorf("auth: %s oauth url: status %d", provider, resp.StatusCode)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := resp.Decode(&body); err != nil {
		return "", err
	}
	return body.URL, nil
}

func (h *HTTPIdentity) OAuthLogin(ctx context.Context, provider, code, state string) (Response, error) {
	return h.call(ctx, http.MethodPost, "/auth/oauth/"+url.PathEscape(provider)+"/callback", "", map[string]string{
		"code":  code,
		"state": state,
	})
}

// call performs an account operation. The backend reports failures in the
// response body; a body-less non-2xx answer becomes an error.
func (h *HTTPIdentity) call(ctx context.Context, method, path, token string, body any) (Response, error) {
	resp, err := h.client.Do(ctx, invoker.Request{Method: method, Path: path, Token: token, Body: body})
	if err != nil {
		return Response{}, err
	}
	var out Response
	if len(resp.Body) > 0 {
		if err := resp.Decode(&out); err != nil {
			return Response{}, err
		}
	}
	if !resp.OK() && out.Error == "" {
		return Response{}, fmt.Errorf("auth: %s: status %d", path, resp.StatusCode)
	}
	if resp.OK() && out.Error == "" && len(resp.Body) == 0 {
		out.Success = true
	}
	return out, nil
}
