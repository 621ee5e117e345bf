package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/internal/auth"
	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// CleanURLHeader carries the client's URL after an impersonation token was
// removed from it.
const CleanURLHeader = "X-Clean-Url"

const maxBodyBytes = 1 << 20

// meResponse is the client's view of its authentication state. The session
// token stays server-side.
type meResponse struct {
	User            *model.User `json:"user"`
	IsLoading       bool        `json:"is_loading"`
	IsImpersonating bool        `json:"is_impersonating"`
}

func meFrom(st auth.State) meResponse {
	return meResponse{User: st.User, IsLoading: st.IsLoading, IsImpersonating: st.IsImpersonating}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// writeResult writes the outcome of an account operation. Failures are
// reported as 400 with the same body shape.
func writeResult(w http.ResponseWriter, res auth.Result) {
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	WriteJSON(w, status, res)
}

// reconcilerFor returns the Reconciler of the request's client.
func reconcilerFor(sessions *auth.Sessions, r *http.Request) (*auth.Reconciler, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil || rctx.ClientID == "" {
		return nil, false
	}
	return sessions.For(rctx.ClientID), true
}

func handleMe(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		loc := auth.NewLocation(r.URL)
		rec.RefreshUser(r.Context(), loc)
		if loc.Stripped() {
			w.Header().Set(CleanURLHeader, loc.String())
		}
		WriteJSON(w, http.StatusOK, meFrom(rec.State()))
	}
}

func handleLogin(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var body struct {
			Email      string `json:"email"`
			Password   string `json:"password"`
			RememberMe bool   `json:"remember_me"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.Login(r.Context(), body.Email, body.Password, body.RememberMe))
	}
}

func handleRegister(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var reg auth.Registration
		if err := decodeBody(r, &reg); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.Register(r.Context(), reg))
	}
}

func handleLogout(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		writeResult(w, rec.Logout(r.Context()))
	}
}

func handleChangePassword(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var body struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.ChangePassword(r.Context(), body.CurrentPassword, body.NewPassword))
	}
}

func handleRequestPasswordReset(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.RequestPasswordReset(r.Context(), body.Email))
	}
}

func handleResetPassword(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var body struct {
			Token       string `json:"token"`
			NewPassword string `json:"new_password"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.ResetPassword(r.Context(), body.Token, body.NewPassword))
	}
}

func handleOAuthURL(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		u, err := rec.OAuthURL(r.Context(), chi.URLParam(r, "provider"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"url": u})
	}
}

func handleOAuthCallback(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		var body struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		writeResult(w, rec.OAuthLogin(r.Context(), chi.URLParam(r, "provider"), body.Code, body.State))
	}
}

func handleClearImpersonation(sessions *auth.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := reconcilerFor(sessions, r)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		rec.ClearImpersonation(r.Context())
		rec.RefreshUser(r.Context(), nil)
		WriteJSON(w, http.StatusOK, meFrom(rec.State()))
	}
}
