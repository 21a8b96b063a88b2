package httpapi

import (
	"net/http"

	"orchid.org/internal/audit"
	"orchid.org/internal/auth"
	"orchid.org/internal/obs"
)

const authHeader = "Authorization"

// withGuard runs the authorization guard before any route. On success the
// principal and raw token travel to handlers through the request context.
func (a *API) withGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		principal, decision, err := a.guard.Authorize(r.Context(), auth.Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: header,
		})
		obs.RecordGuardDecision("http", decision.String())
		if err != nil {
			if auth.KindOf(err) == auth.KindForbidden {
				ctx := auth.ContextWithPrincipal(r.Context(), principal)
				_ = audit.LogEvent(ctx, audit.AccessDenied, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
			}
			a.writeAuthError(w, r, err)
			return
		}
		if decision == auth.DecisionPublic {
			next.ServeHTTP(w, r)
			return
		}
		token, _ := auth.BearerToken(header)
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
