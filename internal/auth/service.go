package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantry.org/internal/ids"
	"tenantry.org/internal/obs"
)

// TokenPair is the credential set handed to a client after login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// LoginRequest identifies the tenant by id or slug.
type LoginRequest struct {
	TenantID          string
	TenantSlug        string
	Email             string
	Password          string
	MFACode           string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// LoginResult is returned on successful login.
type LoginResult struct {
	User      User      `json:"user"`
	Session   Session   `json:"session"`
	Tokens    TokenPair `json:"tokens"`
	RiskScore int       `json:"risk_score"`
}

// RegisterRequest creates a user in a new tenant, or in an existing one when InviteCode is set.
type RegisterRequest struct {
	TenantName  string
	TenantSlug  string
	CompanyName string
	InviteCode  string
	Email       string
	Username    string
	Password    string
	FirstName   string
	LastName    string
}

// RegisterResult is the tenant and user created by Register.
type RegisterResult struct {
	Tenant Tenant `json:"tenant"`
	User   User   `json:"user"`
}

// Authenticator sequences login, logout and credential lifecycle operations over the
// tenant directory, credential store, RBAC engine and session ledger.
type Authenticator struct {
	tenants  *TenantDirectory
	users    *CredentialStore
	rbac     *RBACEngine
	sessions *SessionLedger
	tokens   *TokenIssuer
	opts     options
}

// NewAuthenticator wires every identity component over store with the same options.
func NewAuthenticator(store Store, tokenCfg TokenConfig, opts ...Option) (*Authenticator, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	tenants, err := NewTenantDirectory(store, opts...)
	if err != nil {
		return nil, err
	}
	users, err := NewCredentialStore(store, tenants, opts...)
	if err != nil {
		return nil, err
	}
	rbac, err := NewRBACEngine(store, users, opts...)
	if err != nil {
		return nil, err
	}
	sessions, err := NewSessionLedger(store, users, opts...)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenIssuer(tokenCfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		tenants:  tenants,
		users:    users,
		rbac:     rbac,
		sessions: sessions,
		tokens:   tokens,
		opts:     o,
	}, nil
}

// Tenants exposes the tenant directory.
func (a *Authenticator) Tenants() *TenantDirectory { return a.tenants }

// Credentials exposes the credential store.
func (a *Authenticator) Credentials() *CredentialStore { return a.users }

// RBAC exposes the RBAC engine.
func (a *Authenticator) RBAC() *RBACEngine { return a.rbac }

// Sessions exposes the session ledger.
func (a *Authenticator) Sessions() *SessionLedger { return a.sessions }

// Login authenticates a password (and MFA code when enabled) and opens a session.
// Every rejection except lockout, inactivity and a missing MFA code reports
// ErrInvalidCredentials so callers cannot tell unknown users from wrong passwords.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	res, err := a.login(ctx, req)
	return res, a.opaque("login", err)
}

func (a *Authenticator) login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	email := normalizeEmail(req.Email)
	attempt := Attempt{
		Email:     email,
		Method:    MethodPassword,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}

	tenant, err := a.resolveTenant(ctx, req.TenantID, req.TenantSlug)
	switch {
	case err == nil && tenant.IsActive:
	case err == nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput):
		a.users.burnVerification(req.Password)
		if err == nil {
			attempt.TenantID = tenant.ID
			a.fail(ctx, attempt, ReasonUnknownUser)
		}
		return LoginResult{}, ErrInvalidCredentials
	default:
		return LoginResult{}, err
	}
	attempt.TenantID = tenant.ID

	u, err := a.users.FindByEmail(ctx, tenant.ID, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return LoginResult{}, err
		}
		a.users.burnVerification(req.Password)
		a.fail(ctx, attempt, ReasonUnknownUser)
		return LoginResult{}, ErrInvalidCredentials
	}
	attempt.UserID = u.ID

	if u.IsLocked(a.opts.now()) {
		a.fail(ctx, attempt, ReasonAccountLocked)
		return LoginResult{}, ErrAccountLocked
	}
	if !a.users.VerifyPassword(u, req.Password) {
		if _, err := a.users.RecordFailedLogin(ctx, tenant.ID, u.ID); err != nil {
			return LoginResult{}, err
		}
		a.fail(ctx, attempt, ReasonInvalidCredentials)
		return LoginResult{}, ErrInvalidCredentials
	}
	if !u.IsActive {
		a.fail(ctx, attempt, ReasonInactiveAccount)
		return LoginResult{}, ErrInactiveAccount
	}
	if u.MFAEnabled {
		if strings.TrimSpace(req.MFACode) == "" {
			a.fail(ctx, attempt, ReasonMFARequired)
			return LoginResult{}, ErrMFARequired
		}
		ok, err := a.users.VerifyMFA(ctx, tenant.ID, u.ID, req.MFACode)
		if err != nil {
			return LoginResult{}, err
		}
		if !ok {
			if _, err := a.users.RecordFailedLogin(ctx, tenant.ID, u.ID); err != nil {
				return LoginResult{}, err
			}
			a.fail(ctx, attempt, ReasonInvalidMFACode)
			return LoginResult{}, ErrInvalidCredentials
		}
	}

	u, err = a.users.RecordSuccessfulLogin(ctx, tenant.ID, u.ID, req.IPAddress, req.UserAgent)
	if err != nil {
		return LoginResult{}, err
	}
	a.rehashIfNeeded(ctx, u, req.Password)

	attempt.Success = true
	hist, err := a.sessions.RecordAttempt(ctx, attempt)
	if err != nil {
		return LoginResult{}, err
	}
	secret, err := ids.Token(refreshSecretBytes)
	if err != nil {
		return LoginResult{}, err
	}
	s, err := a.sessions.createSession(ctx, u, sessionParams{
		ip:          req.IPAddress,
		userAgent:   req.UserAgent,
		fingerprint: req.DeviceFingerprint,
		refreshHash: hashSecret(secret),
		suspicious:  hist.RiskScore >= SuspiciousRiskScore,
	})
	if err != nil {
		return LoginResult{}, err
	}
	pair, err := a.tokenPair(u, s, secret)
	if err != nil {
		return LoginResult{}, err
	}

	a.opts.publish(a.event(EventUserLogin, u, map[string]any{
		"session_id": s.ID,
		"ip_address": s.IPAddress,
	}))
	a.opts.logActivity(a.activity(u.TenantID, u.ID, "user_login", "session", s.ID, map[string]any{
		"risk_score":   hist.RiskScore,
		"risk_factors": hist.RiskFactors,
	}))
	return LoginResult{User: u, Session: s, Tokens: pair, RiskScore: hist.RiskScore}, nil
}

// Logout revokes the principal's current session.
func (a *Authenticator) Logout(ctx context.Context, p Principal) error {
	if p.SessionID == "" {
		return a.opaque("logout", fmt.Errorf("%w: no session to log out", ErrInvalidInput))
	}
	if _, err := a.sessions.Revoke(ctx, p.TenantID, p.SessionID); err != nil {
		return a.opaque("logout", err)
	}
	a.loggedOut(p, map[string]any{"session_id": p.SessionID})
	return nil
}

// LogoutAll revokes every session of the principal, including the current one.
func (a *Authenticator) LogoutAll(ctx context.Context, p Principal) (int, error) {
	n, err := a.sessions.RevokeAll(ctx, p.TenantID, p.UserID, "")
	if err != nil {
		return 0, a.opaque("logout_all", err)
	}
	a.loggedOut(p, map[string]any{"sessions_revoked": n, "all": true})
	return n, nil
}

func (a *Authenticator) loggedOut(p Principal, data map[string]any) {
	now := a.opts.now()
	a.opts.publish(Event{
		ID:         ids.NewAt(now),
		Type:       EventUserLogout,
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		OccurredAt: now,
		Data:       data,
	})
	a.opts.logActivity(a.activity(p.TenantID, p.UserID, "user_logout", "user", p.UserID, data))
}

// Refresh exchanges a refresh credential for a new token pair, rotating the secret.
func (a *Authenticator) Refresh(ctx context.Context, tenantID, raw string) (TokenPair, error) {
	pair, err := a.refresh(ctx, tenantID, raw)
	return pair, a.opaque("refresh", err)
}

func (a *Authenticator) refresh(ctx context.Context, tenantID, raw string) (TokenPair, error) {
	sessionID, secret, err := splitRefreshToken(raw)
	if err != nil {
		return TokenPair{}, ErrInvalidToken
	}
	if err := a.tenants.requireActive(ctx, tenantID); err != nil {
		return TokenPair{}, err
	}
	next, s, err := a.sessions.RotateRefresh(ctx, tenantID, sessionID, secret)
	if err != nil {
		return TokenPair{}, err
	}
	u, err := a.users.Get(ctx, tenantID, s.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrInvalidToken
		}
		return TokenPair{}, err
	}
	if !u.IsActive {
		return TokenPair{}, ErrInactiveAccount
	}
	return a.tokenPair(u, s, next)
}

// Authenticate resolves a bearer access token to its principal. The session the token
// is bound to must still be valid.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	p, err := a.authenticate(ctx, token)
	return p, a.opaque("authenticate", err)
}

func (a *Authenticator) authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if err := a.tenants.requireActive(ctx, claims.TenantID); err != nil {
		return Principal{}, err
	}
	s, err := a.sessions.Validate(ctx, claims.TenantID, claims.SessionID)
	if err != nil {
		return Principal{}, err
	}
	if s.UserID != claims.Subject {
		return Principal{}, ErrInvalidToken
	}
	u, err := a.users.Get(ctx, claims.TenantID, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if !u.IsActive {
		return Principal{}, ErrInactiveAccount
	}
	tenantID, sessionID := s.TenantID, s.ID
	a.opts.runner.Go("session.touch", func(ctx context.Context) error {
		_, err := a.sessions.Touch(ctx, tenantID, sessionID)
		return err
	})
	return Principal{
		TenantID:      u.TenantID,
		UserID:        u.ID,
		SessionID:     s.ID,
		Email:         u.Email,
		IsTenantAdmin: u.IsTenantAdmin,
		Method:        MethodPassword,
	}, nil
}

// AuthenticateAPIKey resolves an API key to its principal.
func (a *Authenticator) AuthenticateAPIKey(ctx context.Context, tenantID, key string) (Principal, error) {
	u, err := a.users.AuthenticateAPIKey(ctx, tenantID, key)
	if err != nil {
		return Principal{}, a.opaque("authenticate_api_key", err)
	}
	if err := a.tenants.requireActive(ctx, u.TenantID); err != nil {
		return Principal{}, a.opaque("authenticate_api_key", err)
	}
	return Principal{
		TenantID:      u.TenantID,
		UserID:        u.ID,
		Email:         u.Email,
		IsTenantAdmin: u.IsTenantAdmin,
		Method:        MethodAPIKey,
	}, nil
}

// Register signs up a user. Without an invite a new tenant is created and the user
// becomes its administrator; with one the user joins the invite's tenant with the
// default roles.
func (a *Authenticator) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	res, err := a.register(ctx, req)
	return res, a.opaque("register", err)
}

func (a *Authenticator) register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	if err := a.opts.policy.Validate(req.Password); err != nil {
		return RegisterResult{}, err
	}
	in := NewUser{
		Email:     req.Email,
		Username:  req.Username,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}

	var tenant Tenant
	if code := strings.TrimSpace(req.InviteCode); code != "" {
		inv, err := a.tenants.RedeemInvite(ctx, code)
		if err != nil {
			return RegisterResult{}, err
		}
		if tenant, err = a.tenants.Get(ctx, inv.TenantID); err != nil {
			return RegisterResult{}, err
		}
	} else {
		var err error
		tenant, err = a.tenants.Create(ctx, NewTenant{
			Name:         req.TenantName,
			Slug:         req.TenantSlug,
			CompanyName:  req.CompanyName,
			CompanyEmail: req.Email,
		})
		if err != nil {
			return RegisterResult{}, err
		}
		in.IsTenantAdmin = true
	}

	u, err := a.users.CreateUser(ctx, tenant.ID, in)
	if err != nil {
		if in.IsTenantAdmin {
			a.discardTenant(ctx, tenant.ID)
		}
		return RegisterResult{}, err
	}
	if in.IsTenantAdmin {
		admin, _, err := a.rbac.EnsureSystemRoles(ctx, tenant.ID)
		if err != nil {
			return RegisterResult{}, err
		}
		if _, err := a.rbac.AssignRole(ctx, tenant.ID, u.ID, admin.ID, u.ID, "tenant owner", AssignOptions{}); err != nil {
			return RegisterResult{}, err
		}
	}
	if err := a.rbac.AssignDefaultRoles(ctx, tenant.ID, u.ID, u.ID); err != nil {
		return RegisterResult{}, err
	}
	a.created(u, u.ID, "user_registered")
	return RegisterResult{Tenant: tenant, User: u}, nil
}

// discardTenant backs out a tenant created for a signup that failed before its first
// user existed, so the slug is free for a retry.
func (a *Authenticator) discardTenant(ctx context.Context, tenantID string) {
	if err := a.tenants.store.Tenants(ctx).Delete(ctx, tenantID); err != nil {
		obs.Logger().Warn("discard tenant of failed signup", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// CreateUser adds a user to the actor's tenant with the default roles.
func (a *Authenticator) CreateUser(ctx context.Context, actor Principal, in NewUser) (User, error) {
	u, err := a.users.CreateUser(ctx, actor.TenantID, in)
	if err != nil {
		return User{}, a.opaque("create_user", err)
	}
	if err := a.rbac.AssignDefaultRoles(ctx, actor.TenantID, u.ID, actor.UserID); err != nil {
		return User{}, a.opaque("create_user", err)
	}
	a.created(u, actor.UserID, "user_created")
	return u, nil
}

func (a *Authenticator) created(u User, actorID, action string) {
	a.opts.publish(a.event(EventUserCreated, u, map[string]any{"email": u.Email}))
	tenantID, userID := u.TenantID, u.ID
	a.opts.runner.Go("notify.verification", func(ctx context.Context) error {
		return a.opts.notifier.SendVerificationEmail(ctx, tenantID, userID)
	})
	a.opts.logActivity(a.activity(u.TenantID, actorID, action, "user", u.ID, nil))
}

// RequestPasswordReset emails a reset token when the account exists. It reports success
// either way so that account existence is not revealed.
func (a *Authenticator) RequestPasswordReset(ctx context.Context, tenantID, email, ip, userAgent string) error {
	u, err := a.users.FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) {
			return nil
		}
		return a.opaque("request_password_reset", err)
	}
	if !u.IsActive {
		return nil
	}
	raw, t, err := a.sessions.IssueResetToken(ctx, u, ip, userAgent)
	if err != nil {
		return a.opaque("request_password_reset", err)
	}
	a.opts.runner.Go("notify.password_reset", func(ctx context.Context) error {
		return a.opts.notifier.SendPasswordResetEmail(ctx, u.TenantID, u.ID, raw)
	})
	a.opts.logActivity(a.activity(u.TenantID, u.ID, "password_reset_requested", "password_reset_token", t.ID, map[string]any{
		"ip_address": ip,
	}))
	return nil
}

// ResetPassword consumes a reset token, sets the new password and revokes every session.
func (a *Authenticator) ResetPassword(ctx context.Context, tenantID, token, newPassword string) (User, error) {
	u, err := a.sessions.ConsumeResetToken(ctx, tenantID, token, newPassword)
	if err != nil {
		return User{}, a.opaque("reset_password", err)
	}
	n, err := a.sessions.RevokeAll(ctx, tenantID, u.ID, "")
	if err != nil {
		return User{}, a.opaque("reset_password", err)
	}
	a.opts.publish(a.event(EventUserUpdated, u, map[string]any{"change": "password_reset"}))
	a.opts.logActivity(a.activity(u.TenantID, u.ID, "password_reset", "user", u.ID, map[string]any{
		"sessions_revoked": n,
	}))
	return u, nil
}

// ChangePassword replaces the principal's password after checking the current one and
// revokes every other session.
func (a *Authenticator) ChangePassword(ctx context.Context, p Principal, current, next string) (User, error) {
	u, err := a.changePassword(ctx, p, current, next)
	return u, a.opaque("change_password", err)
}

func (a *Authenticator) changePassword(ctx context.Context, p Principal, current, next string) (User, error) {
	u, err := a.users.Get(ctx, p.TenantID, p.UserID)
	if err != nil {
		return User{}, err
	}
	if !a.users.VerifyPassword(u, current) {
		return User{}, ErrInvalidCredentials
	}
	u, err = a.users.SetPassword(ctx, p.TenantID, p.UserID, next)
	if err != nil {
		return User{}, err
	}
	n, err := a.sessions.RevokeAll(ctx, p.TenantID, p.UserID, p.SessionID)
	if err != nil {
		return User{}, err
	}
	a.opts.publish(a.event(EventUserUpdated, u, map[string]any{"change": "password"}))
	a.opts.logActivity(a.activity(u.TenantID, p.UserID, "password_changed", "user", u.ID, map[string]any{
		"sessions_revoked": n,
	}))
	return u, nil
}

// Deactivate disables the user and revokes every session.
func (a *Authenticator) Deactivate(ctx context.Context, actor Principal, userID string) (User, error) {
	u, err := a.users.SetActive(ctx, actor.TenantID, userID, false)
	if err != nil {
		return User{}, a.opaque("deactivate", err)
	}
	if _, err := a.sessions.RevokeAll(ctx, actor.TenantID, userID, ""); err != nil {
		return User{}, a.opaque("deactivate", err)
	}
	a.updated(u, actor, "user_deactivated")
	return u, nil
}

// Activate re-enables the user.
func (a *Authenticator) Activate(ctx context.Context, actor Principal, userID string) (User, error) {
	u, err := a.users.SetActive(ctx, actor.TenantID, userID, true)
	if err != nil {
		return User{}, a.opaque("activate", err)
	}
	a.updated(u, actor, "user_activated")
	return u, nil
}

// Unlock clears the lockout of the user.
func (a *Authenticator) Unlock(ctx context.Context, actor Principal, userID string) (User, error) {
	u, err := a.users.Unlock(ctx, actor.TenantID, userID)
	if err != nil {
		return User{}, a.opaque("unlock", err)
	}
	a.updated(u, actor, "user_unlocked")
	return u, nil
}

// DeleteUser soft-deletes the user and revokes every session.
func (a *Authenticator) DeleteUser(ctx context.Context, actor Principal, userID string) error {
	u, err := a.users.SoftDelete(ctx, actor.TenantID, userID)
	if err != nil {
		return a.opaque("delete_user", err)
	}
	if _, err := a.sessions.RevokeAll(ctx, actor.TenantID, userID, ""); err != nil {
		return a.opaque("delete_user", err)
	}
	a.opts.publish(a.event(EventUserDeleted, u, nil))
	a.opts.logActivity(a.activity(actor.TenantID, actor.UserID, "user_deleted", "user", u.ID, nil))
	return nil
}

// UserList is a page of users with counts over the same filter.
type UserList struct {
	Users []User
	Stats UserStats
}

// ListUsers lists the users of the actor's tenant.
func (a *Authenticator) ListUsers(ctx context.Context, actor Principal, filter UserFilter) (UserList, error) {
	users, stats, err := a.users.List(ctx, actor.TenantID, filter)
	if err != nil {
		return UserList{}, a.opaque("list_users", err)
	}
	return UserList{Users: users, Stats: stats}, nil
}

// UpdateUser applies an administrator's change to a user of the actor's tenant. An
// administrator cannot drop their own admin flag.
func (a *Authenticator) UpdateUser(ctx context.Context, actor Principal, userID string, upd UserUpdate) (User, error) {
	if userID == actor.UserID && upd.IsTenantAdmin != nil && !*upd.IsTenantAdmin {
		return User{}, fmt.Errorf("%w: cannot revoke your own admin flag", ErrInvalidInput)
	}
	u, err := a.users.UpdateUser(ctx, actor.TenantID, userID, upd)
	if err != nil {
		return User{}, a.opaque("update_user", err)
	}
	fields := upd.Fields()
	a.opts.publish(a.event(EventUserUpdated, u, map[string]any{"change": "user_updated", "fields": fields}))
	a.opts.logActivity(a.activity(actor.TenantID, actor.UserID, "user_updated", "user", u.ID, map[string]any{
		"changed_fields": fields,
	}))
	return u, nil
}

// SendPasswordReset issues a reset token for a user of the actor's tenant and emails it.
// Unlike RequestPasswordReset it reports a missing or disabled user.
func (a *Authenticator) SendPasswordReset(ctx context.Context, actor Principal, userID, ip, userAgent string) error {
	u, err := a.users.Get(ctx, actor.TenantID, userID)
	if err != nil {
		return a.opaque("send_password_reset", err)
	}
	if !u.IsActive {
		return ErrInactiveAccount
	}
	raw, t, err := a.sessions.IssueResetToken(ctx, u, ip, userAgent)
	if err != nil {
		return a.opaque("send_password_reset", err)
	}
	a.opts.runner.Go("notify.password_reset", func(ctx context.Context) error {
		return a.opts.notifier.SendPasswordResetEmail(ctx, u.TenantID, u.ID, raw)
	})
	a.opts.logActivity(a.activity(actor.TenantID, actor.UserID, "password_reset_requested", "password_reset_token", t.ID, map[string]any{
		"user_id":    u.ID,
		"ip_address": ip,
	}))
	return nil
}

func (a *Authenticator) updated(u User, actor Principal, action string) {
	a.opts.publish(a.event(EventUserUpdated, u, map[string]any{"change": action}))
	a.opts.logActivity(a.activity(actor.TenantID, actor.UserID, action, "user", u.ID, nil))
}

func (a *Authenticator) resolveTenant(ctx context.Context, tenantID, slug string) (Tenant, error) {
	if strings.TrimSpace(tenantID) == "" && strings.TrimSpace(slug) != "" {
		return a.tenants.GetBySlug(ctx, slug)
	}
	return a.tenants.Get(ctx, tenantID)
}

// fail records a rejected attempt. History is best effort on the failure path.
func (a *Authenticator) fail(ctx context.Context, attempt Attempt, reason string) {
	attempt.Success = false
	attempt.FailureReason = reason
	if _, err := a.sessions.RecordAttempt(ctx, attempt); err != nil {
		obs.Logger().Warn("record login attempt failed",
			zap.String("tenant_id", attempt.TenantID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (a *Authenticator) rehashIfNeeded(ctx context.Context, u User, raw string) {
	if !a.opts.hasher.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := a.opts.hasher.Hash(raw)
	if err == nil {
		_, err = a.users.store.Users(ctx).Update(ctx, u.TenantID, u.ID, func(u *User) error {
			u.PasswordHash = hash
			return nil
		})
	}
	if err != nil {
		obs.Logger().Warn("password rehash failed", zap.String("user_id", u.ID), zap.Error(err))
	}
}

func (a *Authenticator) tokenPair(u User, s Session, secret string) (TokenPair, error) {
	access, exp, err := a.tokens.Issue(u, s)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken(s.ID, secret),
		TokenType:        "Bearer",
		AccessExpiresAt:  exp,
		RefreshExpiresAt: s.ExpiresAt,
	}, nil
}

func (a *Authenticator) event(typ string, u User, data map[string]any) Event {
	now := a.opts.now()
	return Event{
		ID:         ids.NewAt(now),
		Type:       typ,
		TenantID:   u.TenantID,
		UserID:     u.ID,
		OccurredAt: now,
		Data:       data,
	}
}

func (a *Authenticator) activity(tenantID, actorID, action, targetType, targetID string, meta map[string]any) Activity {
	return Activity{
		TenantID:   tenantID,
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		OccurredAt: a.opts.now(),
	}
}

// opaque passes public error kinds through and collapses anything else to ErrInternal,
// logging the cause.
func (a *Authenticator) opaque(op string, err error) error {
	if err == nil || IsPublic(err) {
		return err
	}
	obs.Logger().Error("auth operation failed", zap.String("op", op), zap.Error(err))
	return ErrInternal
}
