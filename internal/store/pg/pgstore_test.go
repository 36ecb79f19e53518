package pg

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantry.org/internal/auth"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

var userColumnNames = []string{
	"id", "tenant_id", "email", "username", "first_name", "last_name", "password_hash", "password_history",
	"failed_login_attempts", "locked_until", "mfa_enabled", "mfa_secret", "backup_codes", "api_key_hash",
	"api_key_created_at", "api_rate_limit", "password_changed_at", "password_expires_at", "must_change_password",
	"session_history", "is_active", "is_verified", "is_tenant_admin", "last_login_at", "last_login_ip",
	"last_login_user_agent", "metadata", "created_at", "updated_at", "deleted_at", "mfa_last_step",
}

func userRows(failed int) *sqlmock.Rows {
	return sqlmock.NewRows(userColumnNames).AddRow(
		"u1", "t1", "a@example.test", "a@example.test", "Ada", "", "hash", []byte(`["old"]`),
		failed, nil, false, "", []byte(`[]`), "",
		nil, 1000, t0, nil, false,
		[]byte(`[{"id":"s1","ip_address":"203.0.113.7","user_agent":"go","created_at":"2024-05-01T12:00:00Z"}]`),
		true, true, false, nil, "",
		"", []byte(`{"plan":"pro"}`), t0, t0, nil, int64(0),
	)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func checkMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUserGetDecodesRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from users\s+where tenant_id = \$1 and id = \$2 and deleted_at is null`).
		WithArgs("t1", "u1").
		WillReturnRows(userRows(2))

	u, err := s.Users(context.Background()).Get(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.FailedLogins != 2 || u.PasswordChangedAt == nil || u.LockedUntil != nil {
		t.Fatalf("unexpected scalar fields: %+v", u)
	}
	if len(u.PasswordHistory) != 1 || len(u.SessionHistory) != 1 || u.Metadata["plan"] != "pro" {
		t.Fatalf("unexpected json fields: %+v", u)
	}
	checkMock(t, mock)
}

func TestUserUpdateLocksRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("t1", "u1").WillReturnRows(userRows(4))
	mock.ExpectExec(`update users set`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := s.Users(context.Background()).Update(context.Background(), "t1", "u1", func(u *auth.User) error {
		u.FailedLogins++
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if u.FailedLogins != 5 {
		t.Fatalf("expected increment on the locked row, got %d", u.FailedLogins)
	}
	checkMock(t, mock)
}

func TestUserUpdateMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("t2", "u1").WillReturnRows(sqlmock.NewRows(userColumnNames))
	mock.ExpectRollback()

	_, err := s.Users(context.Background()).Update(context.Background(), "t2", "u1", func(*auth.User) error { return nil })
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestUserUpdateAbortRollsBack(t *testing.T) {
	s, mock := newMock(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WillReturnRows(userRows(0))
	mock.ExpectRollback()

	_, err := s.Users(context.Background()).Update(context.Background(), "t1", "u1", func(*auth.User) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	checkMock(t, mock)
}

func TestUserCreateMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_email_key"})

	_, err := s.Users(context.Background()).Create(context.Background(), auth.User{ID: "u1", TenantID: "t1", Email: "a@example.test"})
	if !errors.Is(err, auth.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
	checkMock(t, mock)
}

func TestConsumeUpdatesTokenAndUserTogether(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`update password_reset_tokens set is_used = true, used_at = $3`)).
		WithArgs("t1", "hash", t0).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectQuery(`for update`).WithArgs("t1", "u1").WillReturnRows(userRows(3))
	mock.ExpectExec(`update users set`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u, err := s.ResetTokens(context.Background()).Consume(context.Background(), "t1", "hash", t0,
		auth.PasswordChange{Hash: "new", ChangedAt: t0, HistoryLimit: 5})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if u.PasswordHash != "new" || len(u.PasswordHistory) != 2 || u.PasswordHistory[0] != "hash" {
		t.Fatalf("password change not applied: %+v", u)
	}
	checkMock(t, mock)
}

func TestConsumeLoserSeesInvalidToken(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`update password_reset_tokens`).WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	_, err := s.ResetTokens(context.Background()).Consume(context.Background(), "t1", "hash", t0, auth.PasswordChange{Hash: "new"})
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	checkMock(t, mock)
}

func TestIssueRevokesOutstandingTokens(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from users where tenant_id = \$1 and id = \$2 and deleted_at is null for update`).
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(`update password_reset_tokens set is_revoked = true`).
		WithArgs("t1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`insert into password_reset_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := s.ResetTokens(context.Background()).Issue(context.Background(), auth.PasswordResetToken{
		ID: "r1", TenantID: "t1", UserID: "u1", TokenHash: "h", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	checkMock(t, mock)
}

func TestIssueForMissingUserInsertsNothing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`for update`).WithArgs("t1", "gone").WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	_, err := s.ResetTokens(context.Background()).Issue(context.Background(), auth.PasswordResetToken{
		ID: "r1", TenantID: "t1", UserID: "gone", TokenHash: "h", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestUserListAppliesFilter(t *testing.T) {
	s, mock := newMock(t)
	active := true
	mock.ExpectQuery(regexp.QuoteMeta(`where tenant_id = $1 and deleted_at is null and is_active = $2 and `+
		`(email || ' ' || username || ' ' || first_name || ' ' || last_name) ilike $3 order by email`)).
		WithArgs("t1", true, `%ada\_%`).
		WillReturnRows(userRows(0))

	users, err := s.Users(context.Background()).List(context.Background(), "t1", auth.UserFilter{
		IsActive: &active,
		Search:   " ada_ ",
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 1 || users[0].ID != "u1" {
		t.Fatalf("unexpected users %+v", users)
	}
	checkMock(t, mock)
}

func TestTenantSetActive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update tenants set is_active = \$2, updated_at = \$3 where id = \$1`).
		WithArgs("t9", false, t0).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.Tenants(context.Background()).SetActive(context.Background(), "t9", false, t0); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestTenantDelete(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`delete from tenants where id = $1`)).
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`delete from tenants where id = $1`)).
		WithArgs("t9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Tenants(context.Background()).Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Tenants(context.Background()).Delete(context.Background(), "t9"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}

func TestRevokeAllIsOneStatement(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`update user_sessions set is_active = false, revoked_at = $4`)).
		WithArgs("t1", "u1", "keep", t0).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Sessions(context.Background()).RevokeAll(context.Background(), "t1", "u1", "keep", t0)
	if err != nil || n != 3 {
		t.Fatalf("RevokeAll = %d, %v; want 3", n, err)
	}
	checkMock(t, mock)
}

func TestRedeemInvite(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`update tenant_invites set is_used = true`).
		WithArgs("code", t0).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "created_by", "created_at", "expires_at", "used_at"}).
			AddRow("t1", "u0", t0.Add(-time.Hour), t0.Add(time.Hour), t0))
	mock.ExpectQuery(`update tenant_invites set is_used = true`).
		WithArgs("code", t0).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "created_by", "created_at", "expires_at", "used_at"}))

	tenants := s.Tenants(context.Background())
	inv, err := tenants.RedeemInvite(context.Background(), "code", t0)
	if err != nil || inv.TenantID != "t1" || !inv.IsUsed || inv.UsedAt == nil {
		t.Fatalf("RedeemInvite = %+v, %v", inv, err)
	}
	if _, err := tenants.RedeemInvite(context.Background(), "code", t0); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("second redeem: expected ErrInvalidToken, got %v", err)
	}
	checkMock(t, mock)
}

func TestCreateAssignmentErrors(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(`insert into user_roles`).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec(`insert into user_roles`).WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	roles := s.Roles(context.Background())
	ur := auth.UserRole{ID: "a1", TenantID: "t1", UserID: "u1", RoleID: "r1", ValidFrom: t0, CreatedAt: t0}
	if _, err := roles.CreateAssignment(context.Background(), ur); !errors.Is(err, auth.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if _, err := roles.CreateAssignment(context.Background(), ur); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a missing role, got %v", err)
	}
	checkMock(t, mock)
}

func TestListRolesAttachesGrants(t *testing.T) {
	s, mock := newMock(t)
	roleCols := []string{"id", "tenant_id", "name", "display_name", "description", "role_type", "parent_role_id",
		"is_active", "is_default", "metadata", "created_at", "updated_at"}
	mock.ExpectQuery(`from roles where tenant_id = \$1 order by name`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(roleCols).
			AddRow("r1", "t1", "admin", "Admin", "", "system", nil, true, false, []byte(`{}`), t0, t0).
			AddRow("r2", "t1", "member", "Member", "", "system", "r1", true, true, nil, t0, t0))
	mock.ExpectQuery(`from role_permissions rp`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "permission_id"}).
			AddRow("r1", "users.read.tenant").
			AddRow("r1", "users.update.tenant").
			AddRow("r2", "users.read.self"))

	roles, err := s.Roles(context.Background()).ListRoles(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 2 || len(roles[0].PermissionIDs) != 2 || len(roles[1].PermissionIDs) != 1 {
		t.Fatalf("unexpected roles %+v", roles)
	}
	if roles[0].ParentID != "" || roles[1].ParentID != "r1" || roles[0].Type != auth.RoleSystem {
		t.Fatalf("unexpected role attributes %+v", roles)
	}
	checkMock(t, mock)
}

func TestGetMissingTenant(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from tenants where id = \$1`).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	if _, err := s.Tenants(context.Background()).Get(context.Background(), "nope"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	checkMock(t, mock)
}
