package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenantry.org/internal/auth"
)

type createUserRequest struct {
	Email              string         `json:"email"`
	Username           string         `json:"username"`
	Password           string         `json:"password"`
	FirstName          string         `json:"first_name"`
	LastName           string         `json:"last_name"`
	MustChangePassword bool           `json:"must_change_password"`
	Metadata           map[string]any `json:"metadata"`
}

type updateProfileRequest struct {
	FirstName *string        `json:"first_name"`
	LastName  *string        `json:"last_name"`
	Metadata  map[string]any `json:"metadata"`
}

type updateUserRequest struct {
	updateProfileRequest
	IsVerified    *bool `json:"is_verified"`
	IsTenantAdmin *bool `json:"is_tenant_admin"`
	APIRateLimit  *int  `json:"api_rate_limit"`
}

type createInviteRequest struct {
	TTLHours int `json:"ttl_hours"`
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.Credentials().UpdateProfile(r.Context(), p.TenantID, p.UserID, auth.ProfileUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Metadata:  req.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "profile_updated", nil)
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleTenant(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "tenants", "read")
	if !ok {
		return
	}
	t, err := a.auth.Tenants().Get(r.Context(), p.TenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":              t,
		"subscription_active": a.auth.Tenants().IsSubscriptionActive(t),
	})
}

func (a *API) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "create")
	if !ok {
		return
	}
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.TTLHours < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_hours must not be negative")
		return
	}
	ttl := a.inviteTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	inv, err := a.auth.Tenants().CreateInvite(r.Context(), p.TenantID, p.UserID, ttl)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "invite_created", map[string]any{"expires_at": inv.ExpiresAt.Format(time.RFC3339)})
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "create")
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.CreateUser(r.Context(), p, auth.NewUser{
		Email:              req.Email,
		Username:           req.Username,
		Password:           req.Password,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		MustChangePassword: req.MustChangePassword,
		Metadata:           req.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", u.ID))
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, ok := a.selfOr(w, r, id, "users", "read")
	if !ok {
		return
	}
	u, err := a.auth.Credentials().Get(r.Context(), p.TenantID, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "read")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := auth.UserFilter{Search: strings.TrimSpace(q.Get("search"))}
	for _, f := range []struct {
		name string
		dst  **bool
	}{
		{"is_active", &filter.IsActive},
		{"is_verified", &filter.IsVerified},
		{"is_tenant_admin", &filter.IsTenantAdmin},
	} {
		raw := q.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, f.name+" must be true or false")
			return
		}
		*f.dst = &v
	}
	list, err := a.auth.ListUsers(r.Context(), p, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": list.Users,
		"count": len(list.Users),
		"stats": list.Stats,
	})
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "update")
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.UpdateUser(r.Context(), p, pathVar(r, "id"), auth.UserUpdate{
		ProfileUpdate: auth.ProfileUpdate{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Metadata:  req.Metadata,
		},
		IsVerified:    req.IsVerified,
		IsTenantAdmin: req.IsTenantAdmin,
		APIRateLimit:  req.APIRateLimit,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleUserSessions lists another user's sessions to whoever may revoke them.
func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, ok := a.selfOr(w, r, id, "sessions", "delete")
	if !ok {
		return
	}
	if _, err := a.auth.Credentials().Get(r.Context(), p.TenantID, id); err != nil {
		a.fail(w, r, err)
		return
	}
	sessions, err := a.auth.Sessions().ListActive(r.Context(), p.TenantID, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleSendPasswordReset(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "update")
	if !ok {
		return
	}
	id := pathVar(r, "id")
	if err := a.auth.SendPasswordReset(r.Context(), p, id, clientIP(r), r.UserAgent()); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "password reset email sent"})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "users", "delete")
	if !ok {
		return
	}
	if err := a.auth.DeleteUser(r.Context(), p, pathVar(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	a.updateUser(w, r, a.auth.Activate)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.updateUser(w, r, a.auth.Deactivate)
}

func (a *API) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	a.updateUser(w, r, a.auth.Unlock)
}

type userAction func(ctx context.Context, actor auth.Principal, userID string) (auth.User, error)

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, action userAction) {
	p, ok := a.require(w, r, "users", "update")
	if !ok {
		return
	}
	u, err := action(r.Context(), p, pathVar(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "sessions", "delete")
	if !ok {
		return
	}
	id := pathVar(r, "id")
	if _, err := a.auth.Credentials().Get(r.Context(), p.TenantID, id); err != nil {
		a.fail(w, r, err)
		return
	}
	n, err := a.auth.Sessions().RevokeAll(r.Context(), p.TenantID, id, "")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "sessions_revoked", map[string]any{"user_id": id, "count": n})
	writeJSON(w, http.StatusOK, map[string]any{"sessions_revoked": n})
}

// selfOr lets a caller read their own record; anyone else needs resource:action.
func (a *API) selfOr(w http.ResponseWriter, r *http.Request, userID, resource, action string) (auth.Principal, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return auth.Principal{}, false
	}
	if p.UserID == userID {
		return p, true
	}
	return a.require(w, r, resource, action)
}
