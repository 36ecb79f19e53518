package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tenantry.org/internal/ids"
)

// Names of the roles seeded into every tenant.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// NewRole carries the fields accepted when a custom role is defined.
type NewRole struct {
	Name          string
	DisplayName   string
	Description   string
	ParentID      string
	PermissionIDs []string
	IsDefault     bool
	Metadata      map[string]any
}

// AssignOptions narrows an assignment in scope and time. Zero ValidFrom means now.
type AssignOptions struct {
	Scope      Scope
	ValidFrom  time.Time
	ValidUntil *time.Time
}

// RBACEngine resolves effective permissions from role assignments with single-parent
// inheritance, temporal validity and organization/team scope.
type RBACEngine struct {
	store Store
	users *CredentialStore
	opts  options
}

// NewRBACEngine constructs an RBACEngine.
func NewRBACEngine(store Store, users *CredentialStore, opts ...Option) (*RBACEngine, error) {
	if store == nil || users == nil {
		return nil, fmt.Errorf("%w: store and credential store are required", ErrInvalidInput)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	return &RBACEngine{store: store, users: users, opts: o}, nil
}

// EffectivePermissions returns the union of permissions granted by every assignment of the
// user that is valid now and applies in scope, including inherited ones. Inactive roles
// grant nothing and stop the walk up their chain. The result is sorted by key.
func (e *RBACEngine) EffectivePermissions(ctx context.Context, tenantID, userID string, scope Scope) ([]Permission, error) {
	if _, err := e.users.Get(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	roles := e.store.Roles(ctx)
	assignments, err := roles.ListAssignments(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	if len(assignments) == 0 {
		return []Permission{}, nil
	}
	tenantRoles, err := roles.ListRoles(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	catalog, err := roles.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}

	byID := make(map[string]Role, len(tenantRoles))
	for _, r := range tenantRoles {
		byID[r.ID] = r
	}
	now := e.opts.now()
	scope = scope.normalized()
	visited := make(map[string]struct{})
	granted := make(map[string]struct{})
	for _, ur := range assignments {
		if !ur.IsValid(now) || !ur.Matches(scope) {
			continue
		}
		for id := ur.RoleID; id != ""; {
			if _, seen := visited[id]; seen {
				break
			}
			visited[id] = struct{}{}
			r, ok := byID[id]
			if !ok || !r.IsActive {
				break
			}
			for _, pid := range r.PermissionIDs {
				granted[pid] = struct{}{}
			}
			id = r.ParentID
		}
	}

	out := make([]Permission, 0, len(granted))
	for _, p := range catalog {
		if _, ok := granted[p.ID]; ok && p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// CheckPermission reports whether any effective permission matches resource and action.
func (e *RBACEngine) CheckPermission(ctx context.Context, tenantID, userID, resource, action string, scope Scope) (bool, error) {
	perms, err := e.EffectivePermissions(ctx, tenantID, userID, scope)
	if err != nil {
		return false, err
	}
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	for _, p := range perms {
		if p.Resource == resource && p.Action == action {
			return true, nil
		}
	}
	return false, nil
}

// PermissionsByResource groups the effective actions of the user by resource.
func (e *RBACEngine) PermissionsByResource(ctx context.Context, tenantID, userID string, scope Scope) (map[string][]string, error) {
	perms, err := e.EffectivePermissions(ctx, tenantID, userID, scope)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, p := range perms {
		out[p.Resource] = appendUnique(out[p.Resource], p.Action)
	}
	return out, nil
}

// AssignRole grants roleID to the user. The same (user, role, organization, team) tuple
// can be assigned only once.
func (e *RBACEngine) AssignRole(ctx context.Context, tenantID, userID, roleID, assignedBy, reason string, opt AssignOptions) (UserRole, error) {
	if _, err := e.users.Get(ctx, tenantID, userID); err != nil {
		return UserRole{}, err
	}
	role, err := e.store.Roles(ctx).GetRole(ctx, tenantID, strings.TrimSpace(roleID))
	if err != nil {
		return UserRole{}, err
	}
	now := e.opts.now()
	from := opt.ValidFrom
	if from.IsZero() {
		from = now
	}
	if opt.ValidUntil != nil && !opt.ValidUntil.After(from) {
		return UserRole{}, fmt.Errorf("%w: valid_until must be after valid_from", ErrInvalidInput)
	}
	scope := opt.Scope.normalized()
	ur, err := e.store.Roles(ctx).CreateAssignment(ctx, UserRole{
		ID:             ids.NewAt(now),
		TenantID:       tenantID,
		UserID:         userID,
		RoleID:         role.ID,
		ValidFrom:      from,
		ValidUntil:     opt.ValidUntil,
		AssignedBy:     assignedBy,
		Reason:         strings.TrimSpace(reason),
		OrganizationID: scope.OrganizationID,
		TeamID:         scope.TeamID,
		CreatedAt:      now,
	})
	if err != nil {
		return UserRole{}, err
	}
	e.audit(tenantID, assignedBy, "role_assigned", userID, map[string]any{
		"role_id": role.ID,
		"role":    role.Name,
	})
	return ur, nil
}

// RemoveRole deletes every assignment of roleID to the user.
func (e *RBACEngine) RemoveRole(ctx context.Context, tenantID, userID, roleID string) error {
	n, err := e.store.Roles(ctx).DeleteAssignments(ctx, tenantID, userID, strings.TrimSpace(roleID))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: role %s is not assigned", ErrNotFound, roleID)
	}
	e.audit(tenantID, "", "role_removed", userID, map[string]any{"role_id": roleID})
	return nil
}

// UserRoles lists every assignment of the user, valid or not.
func (e *RBACEngine) UserRoles(ctx context.Context, tenantID, userID string) ([]UserRole, error) {
	if _, err := e.users.Get(ctx, tenantID, userID); err != nil {
		return nil, err
	}
	return e.store.Roles(ctx).ListAssignments(ctx, tenantID, userID)
}

// ListRoles returns the roles defined in the tenant.
func (e *RBACEngine) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	return e.store.Roles(ctx).ListRoles(ctx, tenantID)
}

// CreateRole defines a custom role. Names are unique per tenant.
func (e *RBACEngine) CreateRole(ctx context.Context, tenantID string, in NewRole) (Role, error) {
	return e.createRole(ctx, tenantID, in, RoleCustom)
}

func (e *RBACEngine) createRole(ctx context.Context, tenantID string, in NewRole, typ RoleType) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(tenantID) == "" {
		return Role{}, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if in.ParentID != "" {
		if _, err := e.store.Roles(ctx).GetRole(ctx, tenantID, in.ParentID); err != nil {
			return Role{}, parentError(err)
		}
	}
	perms, err := e.checkPermissionIDs(ctx, in.PermissionIDs)
	if err != nil {
		return Role{}, err
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = name
	}
	now := e.opts.now()
	return e.store.Roles(ctx).CreateRole(ctx, Role{
		ID:            ids.NewAt(now),
		TenantID:      tenantID,
		Name:          name,
		DisplayName:   display,
		Description:   strings.TrimSpace(in.Description),
		Type:          typ,
		ParentID:      in.ParentID,
		PermissionIDs: perms,
		IsActive:      true,
		IsDefault:     in.IsDefault,
		Metadata:      copyMap(in.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// SetParent links roleID under parentID. An empty parentID detaches the role.
func (e *RBACEngine) SetParent(ctx context.Context, tenantID, roleID, parentID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	parentID = strings.TrimSpace(parentID)
	if roleID == parentID {
		return Role{}, fmt.Errorf("%w: a role cannot be its own parent", ErrInvalidInput)
	}
	if parentID != "" {
		if _, err := e.store.Roles(ctx).GetRole(ctx, tenantID, parentID); err != nil {
			return Role{}, parentError(err)
		}
	}
	return e.store.Roles(ctx).UpdateRole(ctx, tenantID, roleID, func(r *Role) error {
		r.ParentID = parentID
		r.UpdatedAt = e.opts.now()
		return nil
	})
}

// SetRolePermissions replaces the permissions granted directly by the role.
func (e *RBACEngine) SetRolePermissions(ctx context.Context, tenantID, roleID string, permissionIDs []string) (Role, error) {
	perms, err := e.checkPermissionIDs(ctx, permissionIDs)
	if err != nil {
		return Role{}, err
	}
	return e.store.Roles(ctx).UpdateRole(ctx, tenantID, roleID, func(r *Role) error {
		r.PermissionIDs = perms
		r.UpdatedAt = e.opts.now()
		return nil
	})
}

// SetRoleActive enables or disables a role without touching its assignments.
func (e *RBACEngine) SetRoleActive(ctx context.Context, tenantID, roleID string, active bool) (Role, error) {
	return e.store.Roles(ctx).UpdateRole(ctx, tenantID, roleID, func(r *Role) error {
		r.IsActive = active
		r.UpdatedAt = e.opts.now()
		return nil
	})
}

// EnsureSystemRoles creates the admin and member roles of the tenant when missing.
// Admin holds the whole catalog; member holds read and self-service access and is
// assigned by default.
func (e *RBACEngine) EnsureSystemRoles(ctx context.Context, tenantID string) (admin Role, member Role, err error) {
	catalog, err := e.store.Roles(ctx).ListPermissions(ctx)
	if err != nil {
		return Role{}, Role{}, fmt.Errorf("list permissions: %w", err)
	}
	var all, memberPerms []string
	for _, p := range catalog {
		if !p.IsActive {
			continue
		}
		all = append(all, p.ID)
		if memberGrant(p) {
			memberPerms = append(memberPerms, p.ID)
		}
	}
	admin, err = e.ensureRole(ctx, tenantID, NewRole{
		Name:          RoleAdmin,
		DisplayName:   "Administrator",
		Description:   "Full access to the tenant",
		PermissionIDs: all,
	})
	if err != nil {
		return Role{}, Role{}, err
	}
	member, err = e.ensureRole(ctx, tenantID, NewRole{
		Name:          RoleMember,
		DisplayName:   "Member",
		Description:   "Read access for every user of the tenant",
		PermissionIDs: memberPerms,
		IsDefault:     true,
	})
	if err != nil {
		return Role{}, Role{}, err
	}
	return admin, member, nil
}

func (e *RBACEngine) ensureRole(ctx context.Context, tenantID string, in NewRole) (Role, error) {
	r, err := e.store.Roles(ctx).FindRoleByName(ctx, tenantID, in.Name)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Role{}, err
	}
	r, err = e.createRole(ctx, tenantID, in, RoleSystem)
	if errors.Is(err, ErrConflict) {
		return e.store.Roles(ctx).FindRoleByName(ctx, tenantID, in.Name)
	}
	return r, err
}

// AssignDefaultRoles grants every active default role of the tenant to the user.
func (e *RBACEngine) AssignDefaultRoles(ctx context.Context, tenantID, userID, assignedBy string) error {
	roles, err := e.store.Roles(ctx).ListRoles(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if !r.IsDefault || !r.IsActive {
			continue
		}
		_, err := e.AssignRole(ctx, tenantID, userID, r.ID, assignedBy, "default role", AssignOptions{})
		if err != nil && !errors.Is(err, ErrAlreadyAssigned) {
			return err
		}
	}
	return nil
}

func (e *RBACEngine) checkPermissionIDs(ctx context.Context, permissionIDs []string) ([]string, error) {
	wanted := dedupeStrings(permissionIDs)
	if len(wanted) == 0 {
		return nil, nil
	}
	catalog, err := e.store.Roles(ctx).ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	known := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		known[p.ID] = struct{}{}
	}
	for _, id := range wanted {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, id)
		}
	}
	return wanted, nil
}

func (e *RBACEngine) audit(tenantID, actorID, action, userID string, meta map[string]any) {
	e.opts.logActivity(Activity{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		TargetType: "user",
		TargetID:   userID,
		Metadata:   meta,
		OccurredAt: e.opts.now(),
	})
}

// parentError hides whether a parent role exists in some other tenant.
func parentError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: parent role not found in tenant", ErrInvalidInput)
	}
	return err
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
