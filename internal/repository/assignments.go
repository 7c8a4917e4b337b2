package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// AssignmentRepository — связи user_roles, user_permissions, role_permissions.
type AssignmentRepository interface {
	// AddUserRole назначает роль пользователю.
	// Повторное назначение не ошибка: возвращает false.
	AddUserRole(ctx context.Context, ur *model.UserRole) (bool, error)
	// RemoveUserRole снимает роль. Отсутствие связи не ошибка: возвращает false.
	RemoveUserRole(ctx context.Context, userID, roleID string) (bool, error)
	// ListUserRoles возвращает роли пользователя, отсортированные по имени.
	ListUserRoles(ctx context.Context, userID string) ([]model.Role, error)
	// ListRolesForUsers возвращает роли набора пользователей (ключ — user_id).
	ListRolesForUsers(ctx context.Context, userIDs []string) (map[string][]model.Role, error)
	// ListRoleNamesByDirectoryID возвращает имена локальных ролей по ID аккаунта Keycloak.
	ListRoleNamesByDirectoryID(ctx context.Context, directoryID string) ([]string, error)

	// AddUserPermission назначает разрешение напрямую. Дубликат — ErrConflict.
	AddUserPermission(ctx context.Context, up *model.UserPermission) error
	// RemoveUserPermission снимает прямое назначение. Отсутствие — ErrNotFound.
	RemoveUserPermission(ctx context.Context, userID, permissionID string) error
	// ListUserPermissions возвращает прямые разрешения (resource, action).
	ListUserPermissions(ctx context.Context, userID string) ([]model.Permission, error)

	// AddRolePermission назначает разрешение роли. Дубликат — ErrConflict.
	AddRolePermission(ctx context.Context, rp *model.RolePermission) error
	// RemoveRolePermission снимает разрешение с роли. Отсутствие — ErrNotFound.
	RemoveRolePermission(ctx context.Context, roleID, permissionID string) error
	// ListRolePermissions возвращает разрешения роли (resource, action).
	ListRolePermissions(ctx context.Context, roleID string) ([]model.Permission, error)
	// ListRoleGrantsForUser возвращает разрешения всех ролей пользователя,
	// отсортированные по имени роли, затем resource, action.
	ListRoleGrantsForUser(ctx context.Context, userID string) ([]model.RoleGrant, error)
}

type assignmentRepo struct {
	db DBTX
}

// NewAssignmentRepository создаёт репозиторий назначений.
func NewAssignmentRepository(db DBTX) AssignmentRepository {
	return &assignmentRepo{db: db}
}

// --- user_roles ---

func (r *assignmentRepo) AddUserRole(ctx context.Context, ur *model.UserRole) (bool, error) {
	if ur.ID == "" {
		ur.ID = uuid.NewString()
	}
	query := `
		INSERT INTO user_roles (id, user_id, role_id, assigned_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO NOTHING
		RETURNING assigned_at`

	err := r.db.QueryRow(ctx, query, ur.ID, ur.UserID, ur.RoleID, ur.AssignedBy).Scan(&ur.AssignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, mapWriteError(err, "ошибка назначения роли пользователю")
	}
	return true, nil
}

func (r *assignmentRepo) RemoveUserRole(ctx context.Context, userID, roleID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return false, fmt.Errorf("ошибка снятия роли с пользователя: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *assignmentRepo) ListUserRoles(ctx context.Context, userID string) ([]model.Role, error) {
	byUser, err := r.ListRolesForUsers(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	return byUser[userID], nil
}

func (r *assignmentRepo) ListRolesForUsers(ctx context.Context, userIDs []string) (map[string][]model.Role, error) {
	result := make(map[string][]model.Role, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT ur.user_id, r.id, r.directory_id, r.name, r.description, r.is_active,
			r.created_by, r.updated_by, r.created_at, r.updated_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ANY($1::uuid[])
		ORDER BY ur.user_id, r.name`

	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ролей пользователей: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var role model.Role
		if err := rows.Scan(&userID,
			&role.ID, &role.DirectoryID, &role.Name, &role.Description, &role.IsActive,
			&role.CreatedBy, &role.UpdatedBy, &role.CreatedAt, &role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования роли пользователя: %w", err)
		}
		result[userID] = append(result[userID], role)
	}
	return result, rows.Err()
}

func (r *assignmentRepo) ListRoleNamesByDirectoryID(ctx context.Context, directoryID string) ([]string, error) {
	query := `
		SELECT r.name
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		JOIN roles r ON r.id = ur.role_id
		WHERE u.directory_id = $1
		ORDER BY r.name`

	rows, err := r.db.Query(ctx, query, directoryID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения локальных ролей: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ошибка сканирования имени роли: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- user_permissions ---

func (r *assignmentRepo) AddUserPermission(ctx context.Context, up *model.UserPermission) error {
	if up.ID == "" {
		up.ID = uuid.NewString()
	}
	query := `
		INSERT INTO user_permissions (id, user_id, permission_id, assigned_by)
		VALUES ($1, $2, $3, $4)
		RETURNING assigned_at`

	err := r.db.QueryRow(ctx, query, up.ID, up.UserID, up.PermissionID, up.AssignedBy).Scan(&up.AssignedAt)
	if err != nil {
		return mapWriteError(err, "ошибка назначения разрешения пользователю")
	}
	return nil
}

func (r *assignmentRepo) RemoveUserPermission(ctx context.Context, userID, permissionID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return fmt.Errorf("ошибка снятия разрешения с пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *assignmentRepo) ListUserPermissions(ctx context.Context, userID string) ([]model.Permission, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY p.resource, p.action`, permissionColumnsP)

	return r.queryPermissions(ctx, query, userID)
}

// --- role_permissions ---

func (r *assignmentRepo) AddRolePermission(ctx context.Context, rp *model.RolePermission) error {
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	query := `
		INSERT INTO role_permissions (id, role_id, permission_id, assigned_by)
		VALUES ($1, $2, $3, $4)
		RETURNING assigned_at`

	err := r.db.QueryRow(ctx, query, rp.ID, rp.RoleID, rp.PermissionID, rp.AssignedBy).Scan(&rp.AssignedAt)
	if err != nil {
		return mapWriteError(err, "ошибка назначения разрешения роли")
	}
	return nil
}

func (r *assignmentRepo) RemoveRolePermission(ctx context.Context, roleID, permissionID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("ошибка снятия разрешения с роли: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *assignmentRepo) ListRolePermissions(ctx context.Context, roleID string) ([]model.Permission, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`, permissionColumnsP)

	return r.queryPermissions(ctx, query, roleID)
}

func (r *assignmentRepo) ListRoleGrantsForUser(ctx context.Context, userID string) ([]model.RoleGrant, error) {
	query := fmt.Sprintf(`
		SELECT r.name, %s
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY r.name, p.resource, p.action`, permissionColumnsP)

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения разрешений ролей пользователя: %w", err)
	}
	defer rows.Close()

	var grants []model.RoleGrant
	for rows.Next() {
		var roleName string
		p, err := scanPermission(rows, &roleName)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования разрешения роли: %w", err)
		}
		grants = append(grants, model.RoleGrant{RoleName: roleName, Permission: *p})
	}
	return grants, rows.Err()
}

func (r *assignmentRepo) queryPermissions(ctx context.Context, query string, args ...any) ([]model.Permission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения разрешений: %w", err)
	}
	defer rows.Close()

	var result []model.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования разрешения: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}
