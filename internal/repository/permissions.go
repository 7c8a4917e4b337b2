package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// PermissionRepository — интерфейс CRUD для таблицы permissions.
// Удаление мягкое — через Deactivate.
type PermissionRepository interface {
	// Create создаёт разрешение. Дубликат (resource, action) — ErrConflict.
	Create(ctx context.Context, p *model.Permission) error
	// GetByID возвращает разрешение независимо от is_active.
	GetByID(ctx context.Context, id string) (*model.Permission, error)
	// ListActive возвращает активные разрешения, отсортированные по resource, action.
	ListActive(ctx context.Context) ([]*model.Permission, error)
	Update(ctx context.Context, id string, upd model.PermissionUpdate, updatedBy *string) (*model.Permission, error)
	// Deactivate выставляет is_active = false.
	Deactivate(ctx context.Context, id string, updatedBy *string) error
}

type permissionRepo struct {
	db DBTX
}

// NewPermissionRepository создаёт репозиторий разрешений.
func NewPermissionRepository(db DBTX) PermissionRepository {
	return &permissionRepo{db: db}
}

const permissionColumns = `id, name, resource, action, description, is_active,
	created_by, updated_by, created_at, updated_at`

// permissionColumnsP — те же колонки с префиксом таблицы p для JOIN-запросов.
const permissionColumnsP = `p.id, p.name, p.resource, p.action, p.description, p.is_active,
	p.created_by, p.updated_by, p.created_at, p.updated_at`

func scanPermission(row rowScanner, extra ...any) (*model.Permission, error) {
	p := &model.Permission{}
	dest := append(extra,
		&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description, &p.IsActive,
		&p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *permissionRepo) Create(ctx context.Context, p *model.Permission) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	query := `
		INSERT INTO permissions (id, name, resource, action, description, is_active, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING updated_by, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.Name, p.Resource, p.Action, p.Description, p.IsActive, p.CreatedBy,
	).Scan(&p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "ошибка создания разрешения")
	}
	return nil
}

func (r *permissionRepo) GetByID(ctx context.Context, id string) (*model.Permission, error) {
	query := fmt.Sprintf(`SELECT %s FROM permissions WHERE id = $1`, permissionColumns)

	p, err := scanPermission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения разрешения: %w", err)
	}
	return p, nil
}

func (r *permissionRepo) ListActive(ctx context.Context) ([]*model.Permission, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM permissions
		WHERE is_active
		ORDER BY resource, action`, permissionColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка разрешений: %w", err)
	}
	defer rows.Close()

	var result []*model.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования разрешения: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *permissionRepo) Update(ctx context.Context, id string, upd model.PermissionUpdate, updatedBy *string) (*model.Permission, error) {
	query := fmt.Sprintf(`
		UPDATE permissions SET
			name        = COALESCE($2, name),
			resource    = COALESCE($3, resource),
			action      = COALESCE($4, action),
			description = COALESCE($5, description),
			is_active   = COALESCE($6, is_active),
			updated_by  = $7
		WHERE id = $1
		RETURNING %s`, permissionColumns)

	p, err := scanPermission(r.db.QueryRow(ctx, query,
		id, upd.Name, upd.Resource, upd.Action, upd.Description, upd.IsActive, updatedBy,
	))
	if err != nil {
		return nil, mapWriteError(err, "ошибка обновления разрешения")
	}
	return p, nil
}

func (r *permissionRepo) Deactivate(ctx context.Context, id string, updatedBy *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE permissions SET is_active = FALSE, updated_by = $2 WHERE id = $1`, id, updatedBy)
	if err != nil {
		return fmt.Errorf("ошибка деактивации разрешения: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
