package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"tenantry.org/internal/auth"
)

func TestLoginIssuesSessionAndTokens(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")

	res, err := f.login(t, reg.Tenant.ID, "Owner@Acme.test", strongPassword)
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens.AccessToken)
	require.NotEmpty(t, res.Tokens.RefreshToken)
	require.Equal(t, "Bearer", res.Tokens.TokenType)
	require.Equal(t, f.clock.Now().Add(time.Hour), res.Tokens.AccessExpiresAt)
	require.Equal(t, f.clock.Now().Add(7*24*time.Hour), res.Session.ExpiresAt)
	require.False(t, res.Session.IsSuspicious)

	p, err := f.auth.Authenticate(context.Background(), res.Tokens.AccessToken)
	require.NoError(t, err)
	require.Equal(t, reg.User.ID, p.UserID)
	require.Equal(t, reg.Tenant.ID, p.TenantID)
	require.Equal(t, res.Session.ID, p.SessionID)
	require.True(t, p.IsTenantAdmin)

	require.Contains(t, f.rec.eventTypes(), auth.EventUserCreated)
	require.Contains(t, f.rec.eventTypes(), auth.EventUserLogin)
	require.Contains(t, f.rec.actions(), "user_login")

	u, err := f.auth.Credentials().Get(context.Background(), reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.NotNil(t, u.LastLoginAt)
	require.Equal(t, "203.0.113.7", u.LastLoginIP)
	require.Len(t, u.SessionHistory, 1)
}

func TestLoginLocksAccountAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")

	for i := 0; i < 5; i++ {
		_, err := f.login(t, reg.Tenant.ID, "owner@acme.test", "Wrong-Password-1")
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	_, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	u, err := f.auth.Credentials().Get(context.Background(), reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.Equal(t, 5, u.FailedLogins)
	require.NotNil(t, u.LockedUntil)
	require.Equal(t, f.clock.Now().Add(30*time.Minute), *u.LockedUntil)

	f.clock.Advance(31 * time.Minute)
	res, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)
	require.Equal(t, 0, res.User.FailedLogins)
	require.Nil(t, res.User.LockedUntil)
}

func TestLoginLockedAccountSkipsPasswordCheck(t *testing.T) {
	f := newFixture(t, auth.WithLockout(2, time.Hour))
	reg := f.register(t, "Acme", "owner@acme.test")

	for i := 0; i < 2; i++ {
		_, _ = f.login(t, reg.Tenant.ID, "owner@acme.test", "Wrong-Password-1")
	}
	_, err := f.login(t, reg.Tenant.ID, "owner@acme.test", "Wrong-Password-1")
	require.ErrorIs(t, err, auth.ErrAccountLocked)

	u, err := f.auth.Credentials().Get(context.Background(), reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.Equal(t, 2, u.FailedLogins, "a locked account must not count more failures")
}

func TestLoginDoesNotRevealUnknownUsers(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")

	_, err := f.login(t, reg.Tenant.ID, "ghost@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.login(t, "no-such-tenant", "owner@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.auth.Login(context.Background(), auth.LoginRequest{
		TenantSlug: "acme",
		Email:      "owner@acme.test",
		Password:   strongPassword,
	})
	require.NoError(t, err, "tenant slug resolves like the id")
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}

	member, err := f.auth.CreateUser(context.Background(), admin, auth.NewUser{
		Email:    "member@acme.test",
		Password: strongPassword,
	})
	require.NoError(t, err)
	_, err = f.auth.Deactivate(context.Background(), admin, member.ID)
	require.NoError(t, err)

	_, err = f.login(t, reg.Tenant.ID, "member@acme.test", "Wrong-Password-1")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.login(t, reg.Tenant.ID, "member@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrInactiveAccount)

	_, err = f.auth.Activate(context.Background(), admin, member.ID)
	require.NoError(t, err)
	_, err = f.login(t, reg.Tenant.ID, "member@acme.test", strongPassword)
	require.NoError(t, err)
}

func TestLoginWithMFA(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	creds := f.auth.Credentials()

	enrollment, err := creds.EnrollMFA(ctx, reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.Len(t, enrollment.BackupCodes, 10)

	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	_, err = creds.ConfirmMFA(ctx, reg.Tenant.ID, reg.User.ID, code)
	require.NoError(t, err)

	_, err = f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrMFARequired)

	req := auth.LoginRequest{TenantID: reg.Tenant.ID, Email: "owner@acme.test", Password: strongPassword, MFACode: "12345"}
	_, err = f.auth.Login(ctx, req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	req.MFACode = code
	_, err = f.auth.Login(ctx, req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials, "the confirmation code cannot be replayed")

	f.clock.Advance(30 * time.Second)
	next, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	req.MFACode = next
	_, err = f.auth.Login(ctx, req)
	require.NoError(t, err)
	_, err = f.auth.Login(ctx, req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials, "totp codes are single use within the skew window")

	req.MFACode = enrollment.BackupCodes[0]
	_, err = f.auth.Login(ctx, req)
	require.NoError(t, err)
	_, err = f.auth.Login(ctx, req)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials, "backup codes are single use")
}

func TestRefreshRotatesCredential(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	res, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)

	pair, err := f.auth.Refresh(context.Background(), reg.Tenant.ID, res.Tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, res.Tokens.RefreshToken, pair.RefreshToken)

	_, err = f.auth.Authenticate(context.Background(), pair.AccessToken)
	require.NoError(t, err)

	// Replaying the old credential revokes the session, which also kills the new one.
	_, err = f.auth.Refresh(context.Background(), reg.Tenant.ID, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.auth.Refresh(context.Background(), reg.Tenant.ID, pair.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.auth.Refresh(context.Background(), reg.Tenant.ID, "garbage")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogoutInvalidatesAccessToken(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	res, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(context.Background(), principalOf(res)))
	_, err = f.auth.Authenticate(context.Background(), res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	require.Contains(t, f.rec.eventTypes(), auth.EventUserLogout)
	require.Contains(t, f.rec.actions(), "user_logout")
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	first, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)
	second, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)

	n, err := f.auth.LogoutAll(context.Background(), principalOf(first))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, tok := range []string{first.Tokens.AccessToken, second.Tokens.AccessToken} {
		_, err := f.auth.Authenticate(context.Background(), tok)
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	current, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)
	other, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)
	p := principalOf(current)

	_, err = f.auth.ChangePassword(context.Background(), p, "Wrong-Password-1", otherPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, err = f.auth.ChangePassword(context.Background(), p, strongPassword, strongPassword)
	require.ErrorIs(t, err, auth.ErrInvalidInput, "the current password cannot be reused")
	_, err = f.auth.ChangePassword(context.Background(), p, strongPassword, "short")
	require.ErrorIs(t, err, auth.ErrWeakPassword)

	u, err := f.auth.ChangePassword(context.Background(), p, strongPassword, otherPassword)
	require.NoError(t, err)
	require.Len(t, u.PasswordHistory, 1)

	_, err = f.auth.Authenticate(context.Background(), current.Tokens.AccessToken)
	require.NoError(t, err)
	_, err = f.auth.Authenticate(context.Background(), other.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.login(t, reg.Tenant.ID, "owner@acme.test", otherPassword)
	require.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	session, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)

	require.NoError(t, f.auth.RequestPasswordReset(ctx, reg.Tenant.ID, "nobody@acme.test", "", ""))
	require.NoError(t, f.auth.RequestPasswordReset(ctx, reg.Tenant.ID, "owner@acme.test", "198.51.100.1", "go-test"))
	token := f.rec.resetToken(reg.User.ID)
	require.NotEmpty(t, token)

	_, err = f.auth.ResetPassword(ctx, reg.Tenant.ID, token, otherPassword)
	require.NoError(t, err)
	_, err = f.auth.ResetPassword(ctx, reg.Tenant.ID, token, "Another-Secret-99")
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = f.auth.Authenticate(ctx, session.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken, "reset revokes every session")
	_, err = f.login(t, reg.Tenant.ID, "owner@acme.test", otherPassword)
	require.NoError(t, err)
}

func TestResetTokenExpiresAndIsSuperseded(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	ledger := f.auth.Sessions()

	first, _, err := ledger.IssueResetToken(ctx, reg.User, "", "")
	require.NoError(t, err)
	second, stored, err := ledger.IssueResetToken(ctx, reg.User, "", "")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now().Add(time.Hour), stored.ExpiresAt)
	require.NotEqual(t, second, stored.TokenHash, "only the hash is stored")

	_, err = ledger.ConsumeResetToken(ctx, reg.Tenant.ID, first, otherPassword)
	require.ErrorIs(t, err, auth.ErrInvalidToken, "issuing a new token revokes older ones")

	f.clock.Advance(61 * time.Minute)
	_, err = ledger.ConsumeResetToken(ctx, reg.Tenant.ID, second, otherPassword)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestConcurrentResetConsumptionSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	raw, _, err := f.auth.Sessions().IssueResetToken(context.Background(), reg.User, "", "")
	require.NoError(t, err)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.auth.Sessions().ConsumeResetToken(context.Background(), reg.Tenant.ID, raw, otherPassword)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestRegisterWithInvite(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()

	inv, err := f.auth.Tenants().CreateInvite(ctx, reg.Tenant.ID, reg.User.ID, 0)
	require.NoError(t, err)

	joined, err := f.auth.Register(ctx, auth.RegisterRequest{
		InviteCode: inv.Code,
		Email:      "new@acme.test",
		Password:   strongPassword,
	})
	require.NoError(t, err)
	require.Equal(t, reg.Tenant.ID, joined.Tenant.ID)
	require.False(t, joined.User.IsTenantAdmin)

	ok, err := f.auth.RBAC().CheckPermission(ctx, reg.Tenant.ID, joined.User.ID, "users", "read", auth.Scope{})
	require.NoError(t, err)
	require.True(t, ok, "default member role grants read access")
	ok, err = f.auth.RBAC().CheckPermission(ctx, reg.Tenant.ID, joined.User.ID, "users", "delete", auth.Scope{})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.auth.Register(ctx, auth.RegisterRequest{
		InviteCode: inv.Code,
		Email:      "late@acme.test",
		Password:   strongPassword,
	})
	require.ErrorIs(t, err, auth.ErrInvalidToken, "invites are single use")
}

func TestDeleteUserReservesIdentity(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}
	ctx := context.Background()

	member, err := f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "member@acme.test", Password: strongPassword})
	require.NoError(t, err)
	res, err := f.login(t, reg.Tenant.ID, "member@acme.test", strongPassword)
	require.NoError(t, err)

	require.NoError(t, f.auth.DeleteUser(ctx, admin, member.ID))
	require.Contains(t, f.rec.eventTypes(), auth.EventUserDeleted)

	_, err = f.auth.Authenticate(ctx, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "member@acme.test", Password: strongPassword})
	require.ErrorIs(t, err, auth.ErrDuplicateIdentity)
}

func TestAPIKeyAuthentication(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()

	key, u, err := f.auth.Credentials().IssueAPIKey(ctx, reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.True(t, u.HasAPIKey())
	require.NotEqual(t, key, u.APIKeyHash)

	p, err := f.auth.AuthenticateAPIKey(ctx, reg.Tenant.ID, key)
	require.NoError(t, err)
	require.Equal(t, auth.MethodAPIKey, p.Method)

	_, err = f.auth.Credentials().RevokeAPIKey(ctx, reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	_, err = f.auth.AuthenticateAPIKey(ctx, reg.Tenant.ID, key)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestTOTPStepMovesForwardOnly(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	creds := f.auth.Credentials()

	enrollment, err := creds.EnrollMFA(ctx, reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	confirm, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	_, err = creds.ConfirmMFA(ctx, reg.Tenant.ID, reg.User.ID, confirm)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	current, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	ok, err := creds.VerifyMFA(ctx, reg.Tenant.ID, reg.User.ID, current)
	require.NoError(t, err)
	require.True(t, ok)

	// The previous step is still inside the skew window but older than the last accepted one.
	ok, err = creds.VerifyMFA(ctx, reg.Tenant.ID, reg.User.ID, confirm)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDisabledTenantRejectsExistingCredentials(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()
	res, err := f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.NoError(t, err)
	key, _, err := f.auth.Credentials().IssueAPIKey(ctx, reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)

	tenant, err := f.auth.Tenants().SetActive(ctx, reg.Tenant.ID, false)
	require.NoError(t, err)
	require.False(t, tenant.IsActive)

	_, err = f.auth.Authenticate(ctx, res.Tokens.AccessToken)
	require.ErrorIs(t, err, auth.ErrInactiveAccount)
	_, err = f.auth.AuthenticateAPIKey(ctx, reg.Tenant.ID, key)
	require.ErrorIs(t, err, auth.ErrInactiveAccount)
	_, err = f.auth.Refresh(ctx, reg.Tenant.ID, res.Tokens.RefreshToken)
	require.ErrorIs(t, err, auth.ErrInactiveAccount)
	_, err = f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, err = f.auth.Tenants().SetActive(ctx, reg.Tenant.ID, true)
	require.NoError(t, err)
	_, err = f.auth.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err, "re-enabling the tenant restores the untouched session")
	_, err = f.auth.Refresh(ctx, reg.Tenant.ID, res.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestRegisterDuplicateEmailLeavesNoTenant(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Acme", "owner@acme.test")
	ctx := context.Background()

	_, err := f.auth.Register(ctx, auth.RegisterRequest{
		TenantName: "Beta",
		Email:      "owner@acme.test",
		Password:   strongPassword,
	})
	require.ErrorIs(t, err, auth.ErrDuplicateIdentity)
	_, err = f.auth.Tenants().GetBySlug(ctx, "beta")
	require.ErrorIs(t, err, auth.ErrNotFound, "the failed signup must not keep its tenant")

	retry := f.register(t, "Beta", "owner@beta.test")
	require.Equal(t, "beta", retry.Tenant.Slug)
}

func TestConcurrentWrongPasswordsCountEveryFailure(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")

	const attempts = 5
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.login(t, reg.Tenant.ID, "owner@acme.test", "Wrong-Password-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	u, err := f.auth.Credentials().Get(context.Background(), reg.Tenant.ID, reg.User.ID)
	require.NoError(t, err)
	require.Equal(t, attempts, u.FailedLogins, "no failure may be lost to a concurrent update")
	require.NotNil(t, u.LockedUntil)
	require.Equal(t, f.clock.Now().Add(30*time.Minute), *u.LockedUntil)

	_, err = f.login(t, reg.Tenant.ID, "owner@acme.test", strongPassword)
	require.ErrorIs(t, err, auth.ErrAccountLocked)
}

func TestListUsersFiltersAndCounts(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	f.register(t, "Other", "owner@other.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}
	ctx := context.Background()

	ada, err := f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "ada@acme.test", FirstName: "Ada", Password: strongPassword})
	require.NoError(t, err)
	bob, err := f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "bob@acme.test", FirstName: "Bob", Password: strongPassword})
	require.NoError(t, err)
	_, err = f.auth.Deactivate(ctx, admin, bob.ID)
	require.NoError(t, err)
	_, err = f.auth.Credentials().MarkVerified(ctx, reg.Tenant.ID, ada.ID)
	require.NoError(t, err)

	all, err := f.auth.ListUsers(ctx, admin, auth.UserFilter{})
	require.NoError(t, err)
	require.Len(t, all.Users, 3, "other tenants stay invisible")
	require.Equal(t, "ada@acme.test", all.Users[0].Email)
	require.Equal(t, auth.UserStats{Total: 3, Active: 2, Verified: 1, Admins: 1}, all.Stats)

	inactive := false
	res, err := f.auth.ListUsers(ctx, admin, auth.UserFilter{IsActive: &inactive})
	require.NoError(t, err)
	require.Len(t, res.Users, 1)
	require.Equal(t, bob.ID, res.Users[0].ID)

	res, err = f.auth.ListUsers(ctx, admin, auth.UserFilter{Search: "ADA"})
	require.NoError(t, err)
	require.Len(t, res.Users, 1)
	require.Equal(t, ada.ID, res.Users[0].ID)
}

func TestUpdateUserRecordsChangedFields(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}
	ctx := context.Background()
	member, err := f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "member@acme.test", Password: strongPassword})
	require.NoError(t, err)

	name, yes := "Grace", true
	u, err := f.auth.UpdateUser(ctx, admin, member.ID, auth.UserUpdate{
		ProfileUpdate: auth.ProfileUpdate{FirstName: &name},
		IsVerified:    &yes,
	})
	require.NoError(t, err)
	require.Equal(t, "Grace", u.FirstName)
	require.True(t, u.IsVerified)
	require.False(t, u.IsTenantAdmin)

	last := f.rec.lastActivity()
	require.Equal(t, "user_updated", last.Action)
	require.Equal(t, []string{"first_name", "is_verified"}, last.Metadata["changed_fields"])

	no := false
	_, err = f.auth.UpdateUser(ctx, admin, admin.UserID, auth.UserUpdate{IsTenantAdmin: &no})
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = f.auth.UpdateUser(ctx, admin, "missing", auth.UserUpdate{IsVerified: &yes})
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestSendPasswordResetForUser(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "Acme", "owner@acme.test")
	admin := auth.Principal{TenantID: reg.Tenant.ID, UserID: reg.User.ID}
	ctx := context.Background()
	member, err := f.auth.CreateUser(ctx, admin, auth.NewUser{Email: "member@acme.test", Password: strongPassword})
	require.NoError(t, err)

	require.NoError(t, f.auth.SendPasswordReset(ctx, admin, member.ID, "198.51.100.1", "go-test"))
	token := f.rec.resetToken(member.ID)
	require.NotEmpty(t, token)
	require.Equal(t, "password_reset_requested", f.rec.lastActivity().Action)

	_, err = f.auth.ResetPassword(ctx, reg.Tenant.ID, token, otherPassword)
	require.NoError(t, err)
	_, err = f.login(t, reg.Tenant.ID, "member@acme.test", otherPassword)
	require.NoError(t, err)

	_, err = f.auth.Deactivate(ctx, admin, member.ID)
	require.NoError(t, err)
	require.ErrorIs(t, f.auth.SendPasswordReset(ctx, admin, member.ID, "", ""), auth.ErrInactiveAccount)
	require.ErrorIs(t, f.auth.SendPasswordReset(ctx, admin, "missing", "", ""), auth.ErrNotFound)
}
