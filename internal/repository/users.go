package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// UserRepository — интерфейс CRUD для таблицы users.
type UserRepository interface {
	// Create создаёт пользователя. Если ID пуст — генерируется.
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByDirectoryID(ctx context.Context, directoryID string) (*model.User, error)
	// List возвращает пользователей, отсортированных по username.
	List(ctx context.Context, limit, offset int) ([]*model.User, error)
	Count(ctx context.Context) (int, error)
	// Update применяет частичное обновление и возвращает итоговую запись.
	Update(ctx context.Context, id string, upd model.UserUpdate, updatedBy *string) (*model.User, error)
	// SetDirectoryID сохраняет ID аккаунта в Keycloak.
	SetDirectoryID(ctx context.Context, id, directoryID string) error
	// Delete удаляет пользователя; назначения удаляются каскадно.
	Delete(ctx context.Context, id string) error
}

type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

const userColumns = `id, directory_id, username, email, first_name, last_name, phone,
	is_active, created_by, updated_by, created_at, updated_at`

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(
		&u.ID, &u.DirectoryID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Phone,
		&u.IsActive, &u.CreatedBy, &u.UpdatedBy, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `
		INSERT INTO users (id, directory_id, username, email, first_name, last_name, phone,
			is_active, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING updated_by, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		u.ID, u.DirectoryID, u.Username, u.Email, u.FirstName, u.LastName, u.Phone,
		u.IsActive, u.CreatedBy,
	).Scan(&u.UpdatedBy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "ошибка создания пользователя")
	}
	return nil
}

func (r *userRepo) getBy(ctx context.Context, column, value string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s = $1`, userColumns, column)

	u, err := scanUser(r.db.QueryRow(ctx, query, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.getBy(ctx, "id", id)
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.getBy(ctx, "username", username)
}

func (r *userRepo) GetByDirectoryID(ctx context.Context, directoryID string) (*model.User, error) {
	return r.getBy(ctx, "directory_id", directoryID)
}

func (r *userRepo) List(ctx context.Context, limit, offset int) ([]*model.User, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM users
		ORDER BY username
		LIMIT $1 OFFSET $2`, userColumns)

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка пользователей: %w", err)
	}
	defer rows.Close()

	var result []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *userRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта пользователей: %w", err)
	}
	return count, nil
}

func (r *userRepo) Update(ctx context.Context, id string, upd model.UserUpdate, updatedBy *string) (*model.User, error) {
	query := fmt.Sprintf(`
		UPDATE users SET
			email      = COALESCE($2, email),
			first_name = COALESCE($3, first_name),
			last_name  = COALESCE($4, last_name),
			phone      = COALESCE($5, phone),
			is_active  = COALESCE($6, is_active),
			updated_by = $7
		WHERE id = $1
		RETURNING %s`, userColumns)

	u, err := scanUser(r.db.QueryRow(ctx, query,
		id, upd.Email, upd.FirstName, upd.LastName, upd.Phone, upd.IsActive, updatedBy,
	))
	if err != nil {
		return nil, mapWriteError(err, "ошибка обновления пользователя")
	}
	return u, nil
}

func (r *userRepo) SetDirectoryID(ctx context.Context, id, directoryID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET directory_id = $2 WHERE id = $1`, id, directoryID)
	if err != nil {
		return mapWriteError(err, "ошибка сохранения directory_id пользователя")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления пользователя: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
