package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"tenantry.org/internal/auth"
)

type createRoleRequest struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	Description   string         `json:"description"`
	ParentID      string         `json:"parent_role_id"`
	PermissionIDs []string       `json:"permission_ids"`
	IsDefault     bool           `json:"is_default"`
	Metadata      map[string]any `json:"metadata"`
}

type updateRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

type setParentRequest struct {
	ParentID string `json:"parent_role_id"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

type assignRoleRequest struct {
	RoleID         string     `json:"role_id"`
	Reason         string     `json:"reason"`
	OrganizationID string     `json:"organization_id"`
	TeamID         string     `json:"team_id"`
	ValidFrom      *time.Time `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until"`
}

type checkPermissionRequest struct {
	Resource       string `json:"resource"`
	Action         string `json:"action"`
	OrganizationID string `json:"organization_id"`
	TeamID         string `json:"team_id"`
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.principal(w, r); !ok {
		return
	}
	perms, err := a.auth.RBAC().ListPermissions(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "read")
	if !ok {
		return
	}
	roles, err := a.auth.RBAC().ListRoles(r.Context(), p.TenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "create")
	if !ok {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.auth.RBAC().CreateRole(r.Context(), p.TenantID, auth.NewRole{
		Name:          req.Name,
		DisplayName:   req.DisplayName,
		Description:   req.Description,
		ParentID:      strings.TrimSpace(req.ParentID),
		PermissionIDs: req.PermissionIDs,
		IsDefault:     req.IsDefault,
		Metadata:      req.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "role_created", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "update")
	if !ok {
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.auth.RBAC().SetRolePermissions(r.Context(), p.TenantID, pathVar(r, "id"), req.PermissionIDs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "role_permissions_updated", map[string]any{
		"role_id": role.ID,
		"count":   len(role.PermissionIDs),
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleSetRoleParent(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "update")
	if !ok {
		return
	}
	var req setParentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.auth.RBAC().SetParent(r.Context(), p.TenantID, pathVar(r, "id"), req.ParentID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "role_parent_updated", map[string]any{
		"role_id":   role.ID,
		"parent_id": role.ParentID,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleSetRoleActive(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "update")
	if !ok {
		return
	}
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	role, err := a.auth.RBAC().SetRoleActive(r.Context(), p.TenantID, pathVar(r, "id"), *req.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit(r.Context(), "role_active_updated", map[string]any{
		"role_id": role.ID,
		"active":  role.IsActive,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, ok := a.selfOr(w, r, id, "roles", "read")
	if !ok {
		return
	}
	assignments, err := a.auth.RBAC().UserRoles(r.Context(), p.TenantID, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "assign")
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	opt := auth.AssignOptions{
		Scope:      auth.Scope{OrganizationID: req.OrganizationID, TeamID: req.TeamID},
		ValidUntil: req.ValidUntil,
	}
	if req.ValidFrom != nil {
		opt.ValidFrom = *req.ValidFrom
	}
	assignment, err := a.auth.RBAC().AssignRole(r.Context(), p.TenantID, pathVar(r, "id"), req.RoleID, p.UserID, req.Reason, opt)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	p, ok := a.require(w, r, "roles", "assign")
	if !ok {
		return
	}
	if err := a.auth.RBAC().RemoveRole(r.Context(), p.TenantID, pathVar(r, "id"), pathVar(r, "roleID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, ok := a.selfOr(w, r, id, "users", "read")
	if !ok {
		return
	}
	perms, err := a.auth.RBAC().EffectivePermissions(r.Context(), p.TenantID, id, scopeFromQuery(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	id := pathVar(r, "id")
	p, ok := a.selfOr(w, r, id, "users", "read")
	if !ok {
		return
	}
	var req checkPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Resource) == "" || strings.TrimSpace(req.Action) == "" {
		writeError(w, r, http.StatusBadRequest, "resource and action are required")
		return
	}
	scope := auth.Scope{OrganizationID: req.OrganizationID, TeamID: req.TeamID}
	allowed, err := a.auth.RBAC().CheckPermission(r.Context(), p.TenantID, id, req.Resource, req.Action, scope)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  id,
		"resource": req.Resource,
		"action":   req.Action,
		"allowed":  allowed,
	})
}
