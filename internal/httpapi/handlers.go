package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tenantry.org/internal/audit"
	"tenantry.org/internal/auth"
	"tenantry.org/internal/obs"
)

const serviceName = "tenantry-api"

// Pinger is implemented by stores that hold a network connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports the service ready when its store answers a ping.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over the authenticator.
type API struct {
	router     *mux.Router
	auth       *auth.Authenticator
	readyProbe readinessChecker
	version    string

	rateBurst  int
	ratePerSec int
	maxBody    int64
	inviteTTL  time.Duration
	trusted    []*net.IPNet
}

// New builds the router. Every route except health, metrics and the sign-in flows
// requires a bearer token or an API key.
func New(authn *auth.Authenticator, rp readinessChecker, version string) *API {
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		router:     mux.NewRouter(),
		auth:       authn,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
		inviteTTL:  7 * 24 * time.Hour,
	}
	a.routes()
	return a
}

// SetRateLimit overrides the per-IP token bucket. Non-positive values disable it.
func (a *API) SetRateLimit(burst, perSecond int) {
	a.rateBurst = burst
	a.ratePerSec = perSecond
}

// SetMaxBodyBytes overrides the request body limit.
func (a *API) SetMaxBodyBytes(n int64) {
	if n > 0 {
		a.maxBody = n
	}
}

// SetTrustedProxies names the reverse proxies whose X-Forwarded-For is honoured.
func (a *API) SetTrustedProxies(entries []string) error {
	trusted, err := ParseTrustedProxies(entries)
	if err != nil {
		return err
	}
	a.trusted = trusted
	return nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/password/forgot", a.handleForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/password/reset", a.handleResetPassword).Methods(http.MethodPost)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.withAuth)

	v1.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	v1.HandleFunc("/auth/logout-all", a.handleLogoutAll).Methods(http.MethodPost)

	v1.HandleFunc("/me", a.handleMe).Methods(http.MethodGet)
	v1.HandleFunc("/me", a.handleUpdateProfile).Methods(http.MethodPut)
	v1.HandleFunc("/me/permissions", a.handleMyPermissions).Methods(http.MethodGet)
	v1.HandleFunc("/me/password", a.handleChangePassword).Methods(http.MethodPost)
	v1.HandleFunc("/me/sessions", a.handleMySessions).Methods(http.MethodGet)
	v1.HandleFunc("/me/sessions/{id}", a.handleRevokeMySession).Methods(http.MethodDelete)
	v1.HandleFunc("/me/mfa", a.handleEnrollMFA).Methods(http.MethodPost)
	v1.HandleFunc("/me/mfa/confirm", a.handleConfirmMFA).Methods(http.MethodPost)
	v1.HandleFunc("/me/mfa/disable", a.handleDisableMFA).Methods(http.MethodPost)
	v1.HandleFunc("/me/api-key", a.handleIssueAPIKey).Methods(http.MethodPost)
	v1.HandleFunc("/me/api-key", a.handleRevokeAPIKey).Methods(http.MethodDelete)

	v1.HandleFunc("/tenant", a.handleTenant).Methods(http.MethodGet)
	v1.HandleFunc("/tenant/invites", a.handleCreateInvite).Methods(http.MethodPost)

	v1.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	v1.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}", a.handleGetUser).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}", a.handleUpdateUser).Methods(http.MethodPut)
	v1.HandleFunc("/users/{id}", a.handleDeleteUser).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id}/activate", a.handleActivateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/deactivate", a.handleDeactivateUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/unlock", a.handleUnlockUser).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/sessions", a.handleUserSessions).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/sessions", a.handleRevokeUserSessions).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id}/reset-password", a.handleSendPasswordReset).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/roles", a.handleUserRoles).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/roles", a.handleAssignRole).Methods(http.MethodPost)
	v1.HandleFunc("/users/{id}/roles/{roleID}", a.handleRemoveRole).Methods(http.MethodDelete)
	v1.HandleFunc("/users/{id}/permissions", a.handleUserPermissions).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/permissions/check", a.handleCheckPermission).Methods(http.MethodPost)

	v1.HandleFunc("/permissions", a.handleListPermissions).Methods(http.MethodGet)
	v1.HandleFunc("/roles", a.handleListRoles).Methods(http.MethodGet)
	v1.HandleFunc("/roles", a.handleCreateRole).Methods(http.MethodPost)
	v1.HandleFunc("/roles/{id}/permissions", a.handleSetRolePermissions).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}/parent", a.handleSetRoleParent).Methods(http.MethodPut)
	v1.HandleFunc("/roles/{id}/active", a.handleSetRoleActive).Methods(http.MethodPut)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = ClientIP(h, a.trusted)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// errorStatus maps an auth error kind to a status code and a client-safe message.
// All credential failures share one message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: ")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrMFARequired):
		return http.StatusUnauthorized, "mfa code required"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid or expired token"
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusLocked, "account locked"
	case errors.Is(err, auth.ErrInactiveAccount):
		return http.StatusForbidden, "account inactive"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrQuotaExceeded):
		return http.StatusForbidden, "user quota exceeded"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "resource not found"
	case errors.Is(err, auth.ErrDuplicateIdentity):
		return http.StatusConflict, "email or username already registered"
	case errors.Is(err, auth.ErrAlreadyAssigned):
		return http.StatusConflict, "role already assigned"
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict, strings.TrimPrefix(err.Error(), "auth: ")
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errorStatus(err)
	if code == http.StatusInternalServerError {
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, r, code, msg)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}

func pathVar(r *http.Request, name string) string {
	return strings.TrimSpace(mux.Vars(r)[name])
}

func scopeFromQuery(r *http.Request) auth.Scope {
	q := r.URL.Query()
	return auth.Scope{
		OrganizationID: strings.TrimSpace(q.Get("organization_id")),
		TeamID:         strings.TrimSpace(q.Get("team_id")),
	}
}
