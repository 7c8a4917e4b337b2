// permissions.go — сервис управления разрешениями и их назначениями.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// CreatePermissionInput — данные для создания разрешения.
type CreatePermissionInput struct {
	Name        string
	Resource    string
	Action      string
	Description *string
}

// PermissionService — сервис управления разрешениями.
// Разрешения существуют только локально и в Keycloak не переносятся.
type PermissionService struct {
	store  repository.Store
	logger *slog.Logger
}

// NewPermissionService создаёт сервис управления разрешениями.
func NewPermissionService(store repository.Store, logger *slog.Logger) *PermissionService {
	return &PermissionService{
		store:  store,
		logger: logger.With(slog.String("component", "permission_service")),
	}
}

// List возвращает активные разрешения, отсортированные по resource, action.
func (s *PermissionService) List(ctx context.Context) ([]*model.Permission, error) {
	perms, err := s.store.Permissions().ListActive(ctx)
	if err != nil {
		return nil, translate(err, "получение списка разрешений")
	}
	return perms, nil
}

// Get возвращает разрешение по ID, в том числе деактивированное.
func (s *PermissionService) Get(ctx context.Context, id string) (*model.Permission, error) {
	p, err := s.store.Permissions().GetByID(ctx, id)
	if err != nil {
		return nil, translate(err, "получение разрешения")
	}
	return p, nil
}

// requireNotBlank обрезает пробелы в полях name, resource, action
// и проверяет, что заданные поля не пусты. nil-поля пропускаются.
func requireNotBlank(name, resource, action *string) error {
	fields := []struct {
		field string
		v     *string
	}{{"name", name}, {"resource", resource}, {"action", action}}

	for _, f := range fields {
		if f.v == nil {
			continue
		}
		trimmed := strings.TrimSpace(*f.v)
		if trimmed == "" {
			return fmt.Errorf("%s не может быть пустым: %w", f.field, ErrValidation)
		}
		*f.v = trimmed
	}
	return nil
}

// Create создаёт разрешение. Дубликат (resource, action) — ErrConflict.
func (s *PermissionService) Create(ctx context.Context, actor model.Actor, in CreatePermissionInput) (*model.Permission, error) {
	if err := requireNotBlank(&in.Name, &in.Resource, &in.Action); err != nil {
		return nil, err
	}

	p := &model.Permission{
		Name:        in.Name,
		Resource:    in.Resource,
		Action:      in.Action,
		Description: in.Description,
		IsActive:    true,
		CreatedBy:   actor.Ref(),
	}
	if err := s.store.Permissions().Create(ctx, p); err != nil {
		return nil, translate(err, "создание разрешения")
	}

	s.logger.Info("Разрешение создано",
		slog.String("permission_id", p.ID),
		slog.String("key", p.Key()),
		slog.String("actor", actor.Username),
	)
	return p, nil
}

// Update применяет частичное обновление разрешения.
func (s *PermissionService) Update(ctx context.Context, actor model.Actor, id string, upd model.PermissionUpdate) (*model.Permission, error) {
	if err := requireNotBlank(upd.Name, upd.Resource, upd.Action); err != nil {
		return nil, err
	}
	if upd.IsEmpty() {
		return s.Get(ctx, id)
	}

	p, err := s.store.Permissions().Update(ctx, id, upd, actor.Ref())
	if err != nil {
		return nil, translate(err, "обновление разрешения")
	}

	s.logger.Info("Разрешение обновлено",
		slog.String("permission_id", p.ID),
		slog.String("actor", actor.Username),
	)
	return p, nil
}

// Delete деактивирует разрешение. Назначения сохраняются.
func (s *PermissionService) Delete(ctx context.Context, actor model.Actor, id string) error {
	if err := s.store.Permissions().Deactivate(ctx, id, actor.Ref()); err != nil {
		return translate(err, "деактивация разрешения")
	}

	s.logger.Info("Разрешение деактивировано",
		slog.String("permission_id", id),
		slog.String("actor", actor.Username),
	)
	return nil
}

// GrantToRole назначает разрешение роли. Дубликат — ErrConflict.
func (s *PermissionService) GrantToRole(ctx context.Context, actor model.Actor, permissionID, roleID string) error {
	if _, err := s.store.Permissions().GetByID(ctx, permissionID); err != nil {
		return translate(err, "получение разрешения")
	}
	if _, err := s.store.Roles().GetByID(ctx, roleID); err != nil {
		return translate(err, "получение роли")
	}

	err := s.store.Assignments().AddRolePermission(ctx, &model.RolePermission{
		RoleID:       roleID,
		PermissionID: permissionID,
		AssignedBy:   actor.Ref(),
	})
	if err != nil {
		return translate(err, "назначение разрешения роли")
	}

	s.logger.Info("Разрешение назначено роли",
		slog.String("permission_id", permissionID),
		slog.String("role_id", roleID),
		slog.String("actor", actor.Username),
	)
	return nil
}

// RevokeFromRole снимает разрешение с роли. Отсутствие назначения — ErrNotFound.
func (s *PermissionService) RevokeFromRole(ctx context.Context, actor model.Actor, permissionID, roleID string) error {
	if err := s.store.Assignments().RemoveRolePermission(ctx, roleID, permissionID); err != nil {
		return translate(err, "снятие разрешения с роли")
	}

	s.logger.Info("Разрешение снято с роли",
		slog.String("permission_id", permissionID),
		slog.String("role_id", roleID),
		slog.String("actor", actor.Username),
	)
	return nil
}

// GrantToUser назначает разрешение пользователю напрямую. Дубликат — ErrConflict.
func (s *PermissionService) GrantToUser(ctx context.Context, actor model.Actor, permissionID, userID string) error {
	if _, err := s.store.Permissions().GetByID(ctx, permissionID); err != nil {
		return translate(err, "получение разрешения")
	}
	if _, err := s.store.Users().GetByID(ctx, userID); err != nil {
		return translate(err, "получение пользователя")
	}

	err := s.store.Assignments().AddUserPermission(ctx, &model.UserPermission{
		UserID:       userID,
		PermissionID: permissionID,
		AssignedBy:   actor.Ref(),
	})
	if err != nil {
		return translate(err, "назначение разрешения пользователю")
	}

	s.logger.Info("Разрешение назначено пользователю",
		slog.String("permission_id", permissionID),
		slog.String("user_id", userID),
		slog.String("actor", actor.Username),
	)
	return nil
}

// RevokeFromUser снимает прямое назначение. Отсутствие назначения — ErrNotFound.
func (s *PermissionService) RevokeFromUser(ctx context.Context, actor model.Actor, permissionID, userID string) error {
	if err := s.store.Assignments().RemoveUserPermission(ctx, userID, permissionID); err != nil {
		return translate(err, "снятие разрешения с пользователя")
	}

	s.logger.Info("Разрешение снято с пользователя",
		slog.String("permission_id", permissionID),
		slog.String("user_id", userID),
		slog.String("actor", actor.Username),
	)
	return nil
}
