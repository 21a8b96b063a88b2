package httpapi

import (
	"context"
	"net/http"
	"time"

	"orchid.org/internal/auth"
)

// Order is the caller-facing view of a placed order.
type Order struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderLister returns the orders owned by an account.
type OrderLister interface {
	ListByAccount(ctx context.Context, accountID string) ([]Order, error)
}

// NoOrders is the OrderLister used when no order backend is wired.
type NoOrders struct{}

func (NoOrders) ListByAccount(context.Context, string) ([]Order, error) { return nil, nil }

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	acct, err := a.auth.Account(r.Context(), principal)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.Summary())
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.auth.Accounts(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	out := make([]auth.AccountSummary, 0, len(list))
	for _, acct := range list {
		out = append(out, acct.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// handleMyOrders scopes the lookup to the authenticated account; the client
// never names whose orders it wants.
func (a *API) handleMyOrders(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	orders, err := a.orders.ListByAccount(r.Context(), principal.AccountID)
	if err != nil {
		a.log.WithError(err).WithField("account_id", principal.AccountID).Error("list orders failed")
		writeError(w, r, http.StatusServiceUnavailable, auth.MsgUnavailable)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
