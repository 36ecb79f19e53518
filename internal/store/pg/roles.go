package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tenantry.org/internal/auth"
)

const roleColumns = `id, tenant_id, name, display_name, description, role_type, parent_role_id,
	is_active, is_default, metadata, created_at, updated_at`

const assignmentColumns = `id, tenant_id, user_id, role_id, valid_from, valid_until, assigned_by,
	assignment_reason, organization_id, team_id, created_at`

type roleStore struct{ db *sql.DB }

// queryer is the read side shared by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRole(row scanner) (auth.Role, error) {
	var (
		r        auth.Role
		parent   sql.NullString
		metadata []byte
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.DisplayName, &r.Description, &r.Type, &parent,
		&r.IsActive, &r.IsDefault, &metadata, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	r.ParentID = parent.String
	r.Metadata = map[string]any{}
	if err := decodeJSON(metadata, &r.Metadata); err != nil {
		return auth.Role{}, fmt.Errorf("decode role metadata: %w", err)
	}
	r.PermissionIDs = []string{}
	return r, nil
}

func rolePermissionIDs(ctx context.Context, q queryer, roleID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		select permission_id from role_permissions where role_id = $1 order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func replaceRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, permissionIDs []string) error {
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, pid); err != nil {
			return classify(err, auth.ErrConflict, "permission "+pid)
		}
	}
	return nil
}

func (rs roleStore) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	metadata, err := encodeJSON(r.Metadata, "{}")
	if err != nil {
		return auth.Role{}, fmt.Errorf("marshal metadata: %w", err)
	}
	err = inTx(ctx, rs.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into roles (`+roleColumns+`)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, r.ID, r.TenantID, r.Name, r.DisplayName, r.Description, r.Type, nullIfEmpty(r.ParentID),
			r.IsActive, r.IsDefault, metadata, r.CreatedAt, r.UpdatedAt); err != nil {
			return classify(err, auth.ErrConflict, "role "+r.Name)
		}
		return replaceRolePermissions(ctx, tx, r.ID, r.PermissionIDs)
	})
	if err != nil {
		return auth.Role{}, err
	}
	if r.PermissionIDs == nil {
		r.PermissionIDs = []string{}
	}
	return r, nil
}

func (rs roleStore) UpdateRole(ctx context.Context, tenantID, id string, fn func(r *auth.Role) error) (auth.Role, error) {
	var out auth.Role
	err := inTx(ctx, rs.db, func(tx *sql.Tx) error {
		r, err := scanRole(tx.QueryRowContext(ctx, `
			select `+roleColumns+` from roles where tenant_id = $1 and id = $2 for update
		`, tenantID, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("role", id)
		}
		if err != nil {
			return err
		}
		if r.PermissionIDs, err = rolePermissionIDs(ctx, tx, id); err != nil {
			return err
		}
		if err := fn(&r); err != nil {
			return err
		}
		metadata, err := encodeJSON(r.Metadata, "{}")
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			update roles set
				name = $3, display_name = $4, description = $5, parent_role_id = $6,
				is_active = $7, is_default = $8, metadata = $9, updated_at = $10
			where tenant_id = $1 and id = $2
		`, tenantID, id, r.Name, r.DisplayName, r.Description, nullIfEmpty(r.ParentID),
			r.IsActive, r.IsDefault, metadata, r.UpdatedAt); err != nil {
			return classify(err, auth.ErrConflict, "role "+r.Name)
		}
		if err := replaceRolePermissions(ctx, tx, id, r.PermissionIDs); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return auth.Role{}, err
	}
	return out, nil
}

func (rs roleStore) getRole(ctx context.Context, where string, args ...any) (auth.Role, error) {
	r, err := scanRole(rs.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where `+where, args...))
	if err != nil {
		return auth.Role{}, err
	}
	if r.PermissionIDs, err = rolePermissionIDs(ctx, rs.db, r.ID); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (rs roleStore) GetRole(ctx context.Context, tenantID, id string) (auth.Role, error) {
	r, err := rs.getRole(ctx, `tenant_id = $1 and id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, notFound("role", id)
	}
	return r, err
}

func (rs roleStore) FindRoleByName(ctx context.Context, tenantID, name string) (auth.Role, error) {
	r, err := rs.getRole(ctx, `tenant_id = $1 and name = $2`, tenantID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, notFound("role", name)
	}
	return r, err
}

// ListRoles loads the tenant's roles and all their grants in two queries.
func (rs roleStore) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	rows, err := rs.db.QueryContext(ctx, `select `+roleColumns+` from roles where tenant_id = $1 order by name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []auth.Role{}
	index := map[string]int{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		index[r.ID] = len(roles)
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grants, err := rs.db.QueryContext(ctx, `
		select rp.role_id, rp.permission_id
		from role_permissions rp
		join roles r on r.id = rp.role_id
		where r.tenant_id = $1
		order by rp.role_id, rp.permission_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer grants.Close()
	for grants.Next() {
		var roleID, permID string
		if err := grants.Scan(&roleID, &permID); err != nil {
			return nil, err
		}
		if i, ok := index[roleID]; ok {
			roles[i].PermissionIDs = append(roles[i].PermissionIDs, permID)
		}
	}
	return roles, grants.Err()
}

func (rs roleStore) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	_, err := rs.db.ExecContext(ctx, `
		insert into permissions (id, name, display_name, description, resource, action, scope, is_active, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, p.ID, p.Name, p.DisplayName, p.Description, p.Resource, p.Action, p.Scope, p.IsActive, p.CreatedAt)
	if err != nil {
		return auth.Permission{}, classify(err, auth.ErrConflict, "permission "+p.Key())
	}
	return p, nil
}

func (rs roleStore) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	rows, err := rs.db.QueryContext(ctx, `
		select id, name, display_name, description, resource, action, scope, is_active, created_at
		from permissions
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	perms := []auth.Permission{}
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action,
			&p.Scope, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (rs roleStore) CreateAssignment(ctx context.Context, ur auth.UserRole) (auth.UserRole, error) {
	_, err := rs.db.ExecContext(ctx, `
		insert into user_roles (`+assignmentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ur.ID, ur.TenantID, ur.UserID, ur.RoleID, ur.ValidFrom, nullTime(ur.ValidUntil), ur.AssignedBy,
		ur.Reason, ur.OrganizationID, ur.TeamID, ur.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.UserRole{}, auth.ErrAlreadyAssigned
		}
		return auth.UserRole{}, classify(err, auth.ErrConflict, "assignment")
	}
	return ur, nil
}

func (rs roleStore) ListAssignments(ctx context.Context, tenantID, userID string) ([]auth.UserRole, error) {
	rows, err := rs.db.QueryContext(ctx, `
		select `+assignmentColumns+` from user_roles
		where tenant_id = $1 and user_id = $2
		order by id
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []auth.UserRole{}
	for rows.Next() {
		var (
			ur    auth.UserRole
			until sql.NullTime
		)
		if err := rows.Scan(&ur.ID, &ur.TenantID, &ur.UserID, &ur.RoleID, &ur.ValidFrom, &until, &ur.AssignedBy,
			&ur.Reason, &ur.OrganizationID, &ur.TeamID, &ur.CreatedAt); err != nil {
			return nil, err
		}
		ur.ValidUntil = timePtr(until)
		out = append(out, ur)
	}
	return out, rows.Err()
}

func (rs roleStore) DeleteAssignments(ctx context.Context, tenantID, userID, roleID string) (int, error) {
	res, err := rs.db.ExecContext(ctx, `
		delete from user_roles where tenant_id = $1 and user_id = $2 and role_id = $3
	`, tenantID, userID, roleID)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
