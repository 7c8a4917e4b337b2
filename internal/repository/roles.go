package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// RoleRepository — интерфейс CRUD для таблицы roles.
type RoleRepository interface {
	Create(ctx context.Context, role *model.Role) error
	GetByID(ctx context.Context, id string) (*model.Role, error)
	GetByName(ctx context.Context, name string) (*model.Role, error)
	// ListActive возвращает активные роли, отсортированные по имени.
	ListActive(ctx context.Context) ([]*model.Role, error)
	Update(ctx context.Context, id string, upd model.RoleUpdate, updatedBy *string) (*model.Role, error)
	SetDirectoryID(ctx context.Context, id, directoryID string) error
	// Delete удаляет роль; назначения удаляются каскадно.
	Delete(ctx context.Context, id string) error
}

type roleRepo struct {
	db DBTX
}

// NewRoleRepository создаёт репозиторий ролей.
func NewRoleRepository(db DBTX) RoleRepository {
	return &roleRepo{db: db}
}

const roleColumns = `id, directory_id, name, description, is_active,
	created_by, updated_by, created_at, updated_at`

func scanRole(row rowScanner) (*model.Role, error) {
	role := &model.Role{}
	err := row.Scan(
		&role.ID, &role.DirectoryID, &role.Name, &role.Description, &role.IsActive,
		&role.CreatedBy, &role.UpdatedBy, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (r *roleRepo) Create(ctx context.Context, role *model.Role) error {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	query := `
		INSERT INTO roles (id, directory_id, name, description, is_active, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING updated_by, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		role.ID, role.DirectoryID, role.Name, role.Description, role.IsActive, role.CreatedBy,
	).Scan(&role.UpdatedBy, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "ошибка создания роли")
	}
	return nil
}

func (r *roleRepo) getBy(ctx context.Context, column, value string) (*model.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE %s = $1`, roleColumns, column)

	role, err := scanRole(r.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения роли: %w", err)
	}
	return role, nil
}

func (r *roleRepo) GetByID(ctx context.Context, id string) (*model.Role, error) {
	return r.getBy(ctx, "id", id)
}

func (r *roleRepo) GetByName(ctx context.Context, name string) (*model.Role, error) {
	return r.getBy(ctx, "name", name)
}

func (r *roleRepo) ListActive(ctx context.Context) ([]*model.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE is_active ORDER BY name`, roleColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка ролей: %w", err)
	}
	defer rows.Close()

	var result []*model.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования роли: %w", err)
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func (r *roleRepo) Update(ctx context.Context, id string, upd model.RoleUpdate, updatedBy *string) (*model.Role, error) {
	query := fmt.Sprintf(`
		UPDATE roles SET
			name        = COALESCE($2, name),
			description = COALESCE($3, description),
			is_active   = COALESCE($4, is_active),
			updated_by  = $5
		WHERE id = $1
		RETURNING %s`, roleColumns)

	role, err := scanRole(r.db.QueryRow(ctx, query, id, upd.Name, upd.Description, upd.IsActive, updatedBy))
	if err != nil {
		return nil, mapWriteError(err, "ошибка обновления роли")
	}
	return role, nil
}

func (r *roleRepo) SetDirectoryID(ctx context.Context, id, directoryID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE roles SET directory_id = $2 WHERE id = $1`, id, directoryID)
	if err != nil {
		return mapWriteError(err, "ошибка сохранения directory_id роли")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *roleRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления роли: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
