package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tenantry.org/internal/auth"
)

type registerRequest struct {
	TenantName  string `json:"tenant_name"`
	TenantSlug  string `json:"tenant_slug"`
	CompanyName string `json:"company_name"`
	InviteCode  string `json:"invite_code"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
}

type loginRequest struct {
	TenantID          string `json:"tenant_id"`
	TenantSlug        string `json:"tenant_slug"`
	Email             string `json:"email"`
	Password          string `json:"password"`
	MFACode           string `json:"mfa_code"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type refreshRequest struct {
	TenantID     string `json:"tenant_id"`
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
}

type resetPasswordRequest struct {
	TenantID    string `json:"tenant_id"`
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type apiKeyResponse struct {
	APIKey    string     `json:"api_key"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.auth.Register(r.Context(), auth.RegisterRequest{
		TenantName:  req.TenantName,
		TenantSlug:  req.TenantSlug,
		CompanyName: req.CompanyName,
		InviteCode:  req.InviteCode,
		Email:       req.Email,
		Username:    req.Username,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", res.User.ID))
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.auth.Login(r.Context(), auth.LoginRequest{
		TenantID:          strings.TrimSpace(req.TenantID),
		TenantSlug:        strings.TrimSpace(req.TenantSlug),
		Email:             req.Email,
		Password:          req.Password,
		MFACode:           req.MFACode,
		IPAddress:         clientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, err := a.auth.Refresh(r.Context(), strings.TrimSpace(req.TenantID), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	err := a.auth.RequestPasswordReset(r.Context(), strings.TrimSpace(req.TenantID), req.Email, clientIP(r), r.UserAgent())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.auth.ResetPassword(r.Context(), strings.TrimSpace(req.TenantID), strings.TrimSpace(req.Token), req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.auth.Logout(r.Context(), p); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	n, err := a.auth.LogoutAll(r.Context(), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions_revoked": n})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	u, err := a.auth.Credentials().Get(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	perms, err := a.auth.RBAC().PermissionsByResource(r.Context(), p.TenantID, p.UserID, scopeFromQuery(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.auth.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMySessions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	sessions, err := a.auth.Sessions().ListActive(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"current":  p.SessionID,
	})
}

// handleRevokeMySession only revokes sessions the caller owns; others look absent.
func (a *API) handleRevokeMySession(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := pathVar(r, "id")
	sessions, err := a.auth.Sessions().ListActive(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	owned := false
	for _, s := range sessions {
		if s.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		a.fail(w, r, auth.ErrNotFound)
		return
	}
	if _, err := a.auth.Sessions().Revoke(r.Context(), p.TenantID, id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "session_revoked", map[string]any{"session_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnrollMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.auth.Credentials().EnrollMFA(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "mfa_enrollment_started", nil)
	writeJSON(w, http.StatusCreated, enrollment)
}

func (a *API) handleConfirmMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.auth.Credentials().ConfirmMFA(r.Context(), p.TenantID, p.UserID, req.Code)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "mfa_enabled", nil)
	writeJSON(w, http.StatusOK, u)
}

// handleDisableMFA requires a current TOTP or backup code.
func (a *API) handleDisableMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req mfaCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	creds := a.auth.Credentials()
	valid, err := creds.VerifyMFA(r.Context(), p.TenantID, p.UserID, req.Code)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !valid {
		a.fail(w, r, auth.ErrInvalidCredentials)
		return
	}
	u, err := creds.DisableMFA(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "mfa_disabled", nil)
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	key, u, err := a.auth.Credentials().IssueAPIKey(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "api_key_issued", nil)
	writeJSON(w, http.StatusCreated, apiKeyResponse{APIKey: key, CreatedAt: u.APIKeyCreatedAt})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if _, err := a.auth.Credentials().RevokeAPIKey(r.Context(), p.TenantID, p.UserID); err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "api_key_revoked", nil)
	w.WriteHeader(http.StatusNoContent)
}
