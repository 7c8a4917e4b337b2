// resolver.go — вычисление эффективных разрешений.
package service

import (
	"context"

	"github.com/bigkaa/lms/user-service/internal/domain/access"
	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// PermissionResolver читает назначения и объединяет их через access.Resolve.
type PermissionResolver struct {
	store repository.Store
}

// NewPermissionResolver создаёт резолвер разрешений.
func NewPermissionResolver(store repository.Store) *PermissionResolver {
	return &PermissionResolver{store: store}
}

// ResolveEffectivePermissions возвращает прямые и унаследованные через роли
// разрешения пользователя, по одному на каждое разрешение.
func (r *PermissionResolver) ResolveEffectivePermissions(ctx context.Context, userID string) ([]model.EffectivePermission, error) {
	if _, err := r.store.Users().GetByID(ctx, userID); err != nil {
		return nil, translate(err, "получение пользователя")
	}

	direct, err := r.store.Assignments().ListUserPermissions(ctx, userID)
	if err != nil {
		return nil, translate(err, "получение прямых разрешений")
	}
	inherited, err := r.store.Assignments().ListRoleGrantsForUser(ctx, userID)
	if err != nil {
		return nil, translate(err, "получение разрешений ролей")
	}

	return access.Resolve(direct, inherited), nil
}

// ResolveRolePermissions возвращает разрешения роли.
func (r *PermissionResolver) ResolveRolePermissions(ctx context.Context, roleID string) ([]model.Permission, error) {
	if _, err := r.store.Roles().GetByID(ctx, roleID); err != nil {
		return nil, translate(err, "получение роли")
	}

	perms, err := r.store.Assignments().ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, translate(err, "получение разрешений роли")
	}
	if perms == nil {
		perms = []model.Permission{}
	}
	return perms, nil
}
