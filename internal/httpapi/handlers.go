package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"orchid.org/internal/audit"
	"orchid.org/internal/auth"
	"orchid.org/internal/obs"
	"orchid.org/internal/stream"
)

// APIPrefix roots every versioned route.
const APIPrefix = "/api/v1"

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every backing store.
type ReadyProbe struct {
	Deps []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, d := range rp.Deps {
		if d == nil {
			continue
		}
		if err := d.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	auth       *auth.Service
	guard      *auth.Guard
	orders     OrderLister
	readyProbe ReadyProbe
	version    string
	log        logrus.FieldLogger
	feed       *stream.Stream

	maxBodyBytes int64
	corsOrigins  []string
	loginLimiter *ipLimiter
	proxies      TrustedProxies
}

// Option configures the API.
type Option func(*API)

func WithReadyProbe(rp ReadyProbe) Option { return func(a *API) { a.readyProbe = rp } }

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

func WithOrders(o OrderLister) Option {
	return func(a *API) {
		if o != nil {
			a.orders = o
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLoginRateLimit bounds login and registration attempts per client IP.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) { a.loginLimiter = newIPLimiter(perSecond, burst) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithCORSOrigins allows browser calls from the listed origins in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustedProxies honours X-Forwarded-For from the listed peers only.
func WithTrustedProxies(p TrustedProxies) Option {
	return func(a *API) { a.proxies = p }
}

// WithAuditFeed replaces the audit feed served at /audit/events.
func WithAuditFeed(s *stream.Stream) Option {
	return func(a *API) {
		if s != nil {
			a.feed = s
		}
	}
}

// New wires the routes. The guard runs in front of every route.
func New(svc *auth.Service, guard *auth.Guard, opts ...Option) *API {
	a := &API{
		router:       mux.NewRouter(),
		auth:         svc,
		guard:        guard,
		orders:       NoOrders{},
		version:      "dev",
		log:          obs.Logger(),
		feed:         audit.Feed(),
		maxBodyBytes: 1 << 20,
		loginLimiter: newIPLimiter(5, 10),
	}
	for _, opt := range opts {
		opt(a)
	}

	r := a.router
	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix(APIPrefix).Subrouter()
	v1.Handle("/auth/login", a.loginLimiter.wrap(http.HandlerFunc(a.handleLogin))).Methods(http.MethodPost)
	v1.Handle("/auth/register", a.loginLimiter.wrap(http.HandlerFunc(a.handleRegister))).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	v1.HandleFunc("/auth/sessions", a.handleSessions).Methods(http.MethodGet)

	v1.HandleFunc("/accounts", a.handleListAccounts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/me", a.handleMe).Methods(http.MethodGet)
	v1.HandleFunc("/orders/me/orders", a.handleMyOrders).Methods(http.MethodGet)
	v1.HandleFunc("/audit/events", a.handleAuditEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = a.withGuard(h)
	h = obs.Instrument(h, a.router)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = ClientIP(h, a.proxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "orchid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, RequestID: audit.RequestID(r.Context())})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindInvalidCredentials, auth.KindUnauthorized:
		return http.StatusUnauthorized
	case auth.KindForbidden:
		return http.StatusForbidden
	case auth.KindTokenNotFound, auth.KindAccountNotFound:
		return http.StatusNotFound
	case auth.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case auth.KindInvalidInput:
		return http.StatusBadRequest
	case auth.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeAuthError logs the full cause and sends only the public message.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	status := statusFor(kind)
	entry := a.log.WithFields(logrus.Fields{
		"request_id": audit.RequestID(r.Context()),
		"kind":       kind.String(),
		"status":     status,
		"path":       r.URL.Path,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	writeError(w, r, status, auth.PublicMessage(err))
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
