package httpapi

import (
	"net/http"
	"time"

	"orchid.org/internal/audit"
	"orchid.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	TokenType     string    `json:"token_type"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	IsMobile      bool      `json:"is_mobile"`
	AccountID     string    `json:"account_id"`
	AccountEmail  string    `json:"account_email"`
	AccountRole   auth.Role `json:"account_role"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:   s.Token.AccessToken,
		RefreshToken:  s.Token.RefreshToken,
		TokenType:     s.Token.TokenType,
		AccessExpiry:  s.Token.AccessExpiry,
		RefreshExpiry: s.Token.RefreshExpiry,
		IsMobile:      s.Token.IsMobile,
		AccountID:     s.Principal.AccountID,
		AccountEmail:  s.Principal.Email,
		AccountRole:   s.Principal.Role,
	}
}

type sessionInfo struct {
	ID            string    `json:"id"`
	IsMobile      bool      `json:"is_mobile"`
	AccessExpiry  time.Time `json:"access_expiry"`
	RefreshExpiry time.Time `json:"refresh_expiry"`
	CreatedAt     time.Time `json:"created_at"`
	Current       bool      `json:"current"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.auth.Login(r.Context(), auth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.LoginFailed, map[string]any{
			"kind":      auth.KindOf(err).String(),
			"remote_ip": clientIP(r),
		})
		a.writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), sess.Principal)
	_ = audit.LogEvent(ctx, audit.LoginSucceeded, map[string]any{
		"token_id":  sess.Token.ID,
		"is_mobile": sess.Token.IsMobile,
	})
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), sess.Principal)
	_ = audit.LogEvent(ctx, audit.Refresh, map[string]any{"token_id": sess.Token.ID})
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.auth.Logout(r.Context(), principal, token); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.Logout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), acct.Principal())
	_ = audit.LogEvent(ctx, audit.Register, nil)
	writeJSON(w, http.StatusCreated, acct.Summary())
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	current, _ := auth.TokenFromContext(r.Context())
	list, err := a.auth.Sessions(r.Context(), principal)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	out := make([]sessionInfo, 0, len(list))
	for _, t := range list {
		out = append(out, sessionInfo{
			ID:            t.ID,
			IsMobile:      t.IsMobile,
			AccessExpiry:  t.AccessExpiry,
			RefreshExpiry: t.RefreshExpiry,
			CreatedAt:     t.CreatedAt,
			Current:       t.AccessToken == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
