// Package memory is an in-process implementation of auth.Store. One mutex guards all
// state, which makes every read-modify-write atomic. Used in dev mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantry.org/internal/auth"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every entity in maps keyed by id.
type Store struct {
	mu sync.Mutex

	tenants     map[string]auth.Tenant
	invites     map[string]auth.TenantInvite
	users       map[string]auth.User
	roles       map[string]auth.Role
	permissions map[string]auth.Permission
	assignments map[string]auth.UserRole
	sessions    map[string]auth.Session
	history     []auth.LoginHistory
	resets      map[string]auth.PasswordResetToken
}

// New returns an empty store.
func New() *Store {
	return &Store{
		tenants:     map[string]auth.Tenant{},
		invites:     map[string]auth.TenantInvite{},
		users:       map[string]auth.User{},
		roles:       map[string]auth.Role{},
		permissions: map[string]auth.Permission{},
		assignments: map[string]auth.UserRole{},
		sessions:    map[string]auth.Session{},
		resets:      map[string]auth.PasswordResetToken{},
	}
}

func (s *Store) Tenants(context.Context) auth.TenantStore { return tenantStore{s} }
func (s *Store) Users(context.Context) auth.UserStore { return userStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore { return roleStore{s} }
func (s *Store) Sessions(context.Context) auth.SessionStore { return sessionStore{s} }
func (s *Store) LoginHistory(context.Context) auth.LoginHistoryStore { return historyStore{s} }
func (s *Store) ResetTokens(context.Context) auth.ResetTokenStore { return resetStore{s} }

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", auth.ErrNotFound, kind, id)
}

// Tenants ------------------------------------------------------------------

type tenantStore struct{ s *Store }

func (t tenantStore) Create(_ context.Context, tenant auth.Tenant) (auth.Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, existing := range t.s.tenants {
		if existing.Slug == tenant.Slug {
			return auth.Tenant{}, fmt.Errorf("%w: slug %s", auth.ErrDuplicateIdentity, tenant.Slug)
		}
	}
	t.s.tenants[tenant.ID] = cloneTenant(tenant)
	return cloneTenant(tenant), nil
}

func (t tenantStore) Get(_ context.Context, id string) (auth.Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return auth.Tenant{}, notFound("tenant", id)
	}
	return cloneTenant(tenant), nil
}

func (t tenantStore) GetBySlug(_ context.Context, slug string) (auth.Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, tenant := range t.s.tenants {
		if tenant.Slug == slug {
			return cloneTenant(tenant), nil
		}
	}
	return auth.Tenant{}, notFound("tenant", slug)
}

func (t tenantStore) Delete(_ context.Context, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.tenants[id]; !ok {
		return notFound("tenant", id)
	}
	delete(t.s.tenants, id)
	return nil
}

func (t tenantStore) SetActive(_ context.Context, id string, active bool, at time.Time) (auth.Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tenant, ok := t.s.tenants[id]
	if !ok {
		return auth.Tenant{}, notFound("tenant", id)
	}
	tenant.IsActive = active
	tenant.UpdatedAt = at
	t.s.tenants[id] = tenant
	return cloneTenant(tenant), nil
}

func (t tenantStore) CountActiveUsers(_ context.Context, tenantID string) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, u := range t.s.users {
		if u.TenantID == tenantID && u.IsActive && u.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (t tenantStore) CreateInvite(_ context.Context, inv auth.TenantInvite) (auth.TenantInvite, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.invites[inv.Code]; ok {
		return auth.TenantInvite{}, fmt.Errorf("%w: invite code", auth.ErrConflict)
	}
	t.s.invites[inv.Code] = inv
	return inv, nil
}

func (t tenantStore) RedeemInvite(_ context.Context, code string, at time.Time) (auth.TenantInvite, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	inv, ok := t.s.invites[code]
	if !ok || inv.IsUsed || !inv.ExpiresAt.After(at) {
		return auth.TenantInvite{}, auth.ErrInvalidToken
	}
	inv.IsUsed = true
	inv.UsedAt = &at
	t.s.invites[code] = inv
	return inv, nil
}

// Users --------------------------------------------------------------------

type userStore struct{ s *Store }

func (us userStore) Create(_ context.Context, u auth.User) (auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	for _, existing := range us.s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return auth.User{}, fmt.Errorf("%w: email %s", auth.ErrDuplicateIdentity, u.Email)
		}
		if strings.EqualFold(existing.Username, u.Username) {
			return auth.User{}, fmt.Errorf("%w: username %s", auth.ErrDuplicateIdentity, u.Username)
		}
	}
	us.s.users[u.ID] = cloneUser(u)
	return cloneUser(u), nil
}

// live returns a user of the tenant that is not soft-deleted. Caller holds mu.
func (us userStore) live(tenantID, id string) (auth.User, bool) {
	u, ok := us.s.users[id]
	if !ok || u.TenantID != tenantID || u.DeletedAt != nil {
		return auth.User{}, false
	}
	return u, true
}

func (us userStore) Get(_ context.Context, tenantID, id string) (auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	u, ok := us.live(tenantID, id)
	if !ok {
		return auth.User{}, notFound("user", id)
	}
	return cloneUser(u), nil
}

func (us userStore) FindByEmail(_ context.Context, tenantID, email string) (auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	for _, u := range us.s.users {
		if u.TenantID == tenantID && u.DeletedAt == nil && strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return auth.User{}, notFound("user", email)
}

func (us userStore) FindByAPIKey(_ context.Context, tenantID, keyHash string) (auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	if keyHash == "" {
		return auth.User{}, notFound("user", "api key")
	}
	for _, u := range us.s.users {
		if u.TenantID == tenantID && u.DeletedAt == nil && u.APIKeyHash == keyHash {
			return cloneUser(u), nil
		}
	}
	return auth.User{}, notFound("user", "api key")
}

func (us userStore) List(_ context.Context, tenantID string, filter auth.UserFilter) ([]auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	var out []auth.User
	for _, u := range us.s.users {
		if u.TenantID == tenantID && u.DeletedAt == nil && filter.Matches(u) {
			out = append(out, cloneUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (us userStore) Update(_ context.Context, tenantID, id string, fn auth.UserMutation) (auth.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	u, ok := us.live(tenantID, id)
	if !ok {
		return auth.User{}, notFound("user", id)
	}
	u = cloneUser(u)
	if err := fn(&u); err != nil {
		return auth.User{}, err
	}
	us.s.users[id] = cloneUser(u)
	return u, nil
}

// Roles --------------------------------------------------------------------

type roleStore struct{ s *Store }

func (rs roleStore) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for _, existing := range rs.s.roles {
		if existing.TenantID == r.TenantID && existing.Name == r.Name {
			return auth.Role{}, fmt.Errorf("%w: role %s exists", auth.ErrConflict, r.Name)
		}
	}
	rs.s.roles[r.ID] = cloneRole(r)
	return cloneRole(r), nil
}

func (rs roleStore) UpdateRole(_ context.Context, tenantID, id string, fn func(r *auth.Role) error) (auth.Role, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.roles[id]
	if !ok || r.TenantID != tenantID {
		return auth.Role{}, notFound("role", id)
	}
	r = cloneRole(r)
	if err := fn(&r); err != nil {
		return auth.Role{}, err
	}
	rs.s.roles[id] = cloneRole(r)
	return r, nil
}

func (rs roleStore) GetRole(_ context.Context, tenantID, id string) (auth.Role, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.roles[id]
	if !ok || r.TenantID != tenantID {
		return auth.Role{}, notFound("role", id)
	}
	return cloneRole(r), nil
}

func (rs roleStore) FindRoleByName(_ context.Context, tenantID, name string) (auth.Role, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for _, r := range rs.s.roles {
		if r.TenantID == tenantID && r.Name == name {
			return cloneRole(r), nil
		}
	}
	return auth.Role{}, notFound("role", name)
}

func (rs roleStore) ListRoles(_ context.Context, tenantID string) ([]auth.Role, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	out := []auth.Role{}
	for _, r := range rs.s.roles {
		if r.TenantID == tenantID {
			out = append(out, cloneRole(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (rs roleStore) CreatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for _, existing := range rs.s.permissions {
		if existing.ID == p.ID || existing.Key() == p.Key() {
			return auth.Permission{}, fmt.Errorf("%w: permission %s exists", auth.ErrConflict, p.Key())
		}
	}
	rs.s.permissions[p.ID] = p
	return p, nil
}

func (rs roleStore) ListPermissions(context.Context) ([]auth.Permission, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	out := make([]auth.Permission, 0, len(rs.s.permissions))
	for _, p := range rs.s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (rs roleStore) CreateAssignment(_ context.Context, ur auth.UserRole) (auth.UserRole, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for _, existing := range rs.s.assignments {
		if existing.UserID == ur.UserID && existing.RoleID == ur.RoleID &&
			existing.OrganizationID == ur.OrganizationID && existing.TeamID == ur.TeamID {
			return auth.UserRole{}, auth.ErrAlreadyAssigned
		}
	}
	rs.s.assignments[ur.ID] = cloneAssignment(ur)
	return cloneAssignment(ur), nil
}

func (rs roleStore) ListAssignments(_ context.Context, tenantID, userID string) ([]auth.UserRole, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	out := []auth.UserRole{}
	for _, ur := range rs.s.assignments {
		if ur.TenantID == tenantID && ur.UserID == userID {
			out = append(out, cloneAssignment(ur))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (rs roleStore) DeleteAssignments(_ context.Context, tenantID, userID, roleID string) (int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	n := 0
	for id, ur := range rs.s.assignments {
		if ur.TenantID == tenantID && ur.UserID == userID && ur.RoleID == roleID {
			delete(rs.s.assignments, id)
			n++
		}
	}
	return n, nil
}

// Sessions -----------------------------------------------------------------

type sessionStore struct{ s *Store }

func (ss sessionStore) Create(_ context.Context, sess auth.Session) (auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, existing := range ss.s.sessions {
		if existing.SessionKey == sess.SessionKey {
			return auth.Session{}, fmt.Errorf("%w: session key", auth.ErrConflict)
		}
	}
	ss.s.sessions[sess.ID] = cloneSession(sess)
	return cloneSession(sess), nil
}

func (ss sessionStore) Get(_ context.Context, tenantID, id string) (auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok || sess.TenantID != tenantID {
		return auth.Session{}, notFound("session", id)
	}
	return cloneSession(sess), nil
}

func (ss sessionStore) Update(_ context.Context, tenantID, id string, fn func(s *auth.Session) error) (auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	sess, ok := ss.s.sessions[id]
	if !ok || sess.TenantID != tenantID {
		return auth.Session{}, notFound("session", id)
	}
	sess = cloneSession(sess)
	if err := fn(&sess); err != nil {
		return auth.Session{}, err
	}
	ss.s.sessions[id] = cloneSession(sess)
	return sess, nil
}

func (ss sessionStore) RevokeAll(_ context.Context, tenantID, userID, exceptID string, at time.Time) (int, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	n := 0
	for id, sess := range ss.s.sessions {
		if sess.TenantID != tenantID || sess.UserID != userID || id == exceptID || !sess.IsActive {
			continue
		}
		revokedAt := at
		sess.IsActive = false
		sess.RevokedAt = &revokedAt
		ss.s.sessions[id] = sess
		n++
	}
	return n, nil
}

func (ss sessionStore) ListByUser(_ context.Context, tenantID, userID string) ([]auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	out := []auth.Session{}
	for _, sess := range ss.s.sessions {
		if sess.TenantID == tenantID && sess.UserID == userID {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (ss sessionStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	n := 0
	for id, sess := range ss.s.sessions {
		if sess.ExpiresAt.Before(before) {
			delete(ss.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// Login history ------------------------------------------------------------

type historyStore struct{ s *Store }

func (hs historyStore) Append(_ context.Context, h auth.LoginHistory) (auth.LoginHistory, error) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	h.RiskFactors = append([]string(nil), h.RiskFactors...)
	hs.s.history = append(hs.s.history, h)
	return h, nil
}

func (hs historyStore) Recent(_ context.Context, tenantID, email string, limit int) ([]auth.LoginHistory, error) {
	hs.s.mu.Lock()
	defer hs.s.mu.Unlock()
	out := []auth.LoginHistory{}
	for i := len(hs.s.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := hs.s.history[i]
		if h.TenantID == tenantID && strings.EqualFold(h.Email, email) {
			h.RiskFactors = append([]string(nil), h.RiskFactors...)
			out = append(out, h)
		}
	}
	return out, nil
}

// Reset tokens -------------------------------------------------------------

type resetStore struct{ s *Store }

func (rs resetStore) Issue(_ context.Context, t auth.PasswordResetToken) (auth.PasswordResetToken, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for id, existing := range rs.s.resets {
		if existing.TenantID == t.TenantID && existing.UserID == t.UserID && !existing.IsUsed && !existing.IsRevoked {
			existing.IsRevoked = true
			rs.s.resets[id] = existing
		}
	}
	rs.s.resets[t.ID] = t
	return t, nil
}

func (rs resetStore) Find(_ context.Context, tenantID, tokenHash string) (auth.PasswordResetToken, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	for _, t := range rs.s.resets {
		if t.TenantID == tenantID && t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return auth.PasswordResetToken{}, notFound("reset token", "")
}

func (rs resetStore) Consume(_ context.Context, tenantID, tokenHash string, at time.Time, change auth.PasswordChange) (auth.User, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	var (
		tok   auth.PasswordResetToken
		found bool
	)
	for _, t := range rs.s.resets {
		if t.TenantID == tenantID && t.TokenHash == tokenHash {
			tok, found = t, true
			break
		}
	}
	if !found || !tok.IsValid(at) {
		return auth.User{}, auth.ErrInvalidToken
	}
	u, ok := userStore{rs.s}.live(tenantID, tok.UserID)
	if !ok {
		return auth.User{}, auth.ErrInvalidToken
	}
	usedAt := at
	tok.IsUsed = true
	tok.UsedAt = &usedAt
	rs.s.resets[tok.ID] = tok

	u = cloneUser(u)
	change.Apply(&u)
	u.UpdatedAt = at
	rs.s.users[u.ID] = cloneUser(u)
	return u, nil
}

func (rs resetStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	n := 0
	for id, t := range rs.s.resets {
		if t.ExpiresAt.Before(before) {
			delete(rs.s.resets, id)
			n++
		}
	}
	return n, nil
}
