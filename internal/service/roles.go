// roles.go — сервис управления ролями (локальная БД + realm-роли Keycloak).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// RoleService — сервис управления ролями.
// Изменения ролей доставляются в Keycloak через очередь.
type RoleService struct {
	store  repository.Store
	outbox *OutboxWorker
	logger *slog.Logger
}

// NewRoleService создаёт сервис управления ролями.
func NewRoleService(store repository.Store, outbox *OutboxWorker, logger *slog.Logger) *RoleService {
	return &RoleService{
		store:  store,
		outbox: outbox,
		logger: logger.With(slog.String("component", "role_service")),
	}
}

// List возвращает активные роли, отсортированные по имени.
func (s *RoleService) List(ctx context.Context) ([]*model.Role, error) {
	roles, err := s.store.Roles().ListActive(ctx)
	if err != nil {
		return nil, translate(err, "получение списка ролей")
	}
	return roles, nil
}

// Get возвращает роль по ID.
func (s *RoleService) Get(ctx context.Context, id string) (*model.Role, error) {
	role, err := s.store.Roles().GetByID(ctx, id)
	if err != nil {
		return nil, translate(err, "получение роли")
	}
	return role, nil
}

// Create создаёт роль и ставит её создание в Keycloak в очередь.
func (s *RoleService) Create(ctx context.Context, actor model.Actor, name string, description *string) (*model.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("имя роли обязательно: %w", ErrValidation)
	}

	role := &model.Role{
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedBy:   actor.Ref(),
	}

	var entryID string
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		if err := tx.Roles().Create(ctx, role); err != nil {
			return translate(err, "создание роли")
		}
		e, err := enqueue(ctx, tx, model.OutboxRoleUpsert, role.ID, model.OutboxPayload{RoleID: role.ID})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Роль создана",
		slog.String("role_id", role.ID),
		slog.String("name", role.Name),
		slog.String("actor", actor.Username),
	)

	dispatchLogged(ctx, s.outbox, s.logger, entryID)
	return s.Get(ctx, role.ID)
}

// Update применяет частичное обновление роли.
// Переименование передаётся в Keycloak по прежнему имени.
func (s *RoleService) Update(ctx context.Context, actor model.Actor, id string, upd model.RoleUpdate) (*model.Role, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("имя роли не может быть пустым: %w", ErrValidation)
		}
		upd.Name = &name
	}
	if upd.IsEmpty() {
		return s.Get(ctx, id)
	}

	var (
		role    *model.Role
		entryID string
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		prev, err := tx.Roles().GetByID(ctx, id)
		if err != nil {
			return translate(err, "получение роли")
		}
		role, err = tx.Roles().Update(ctx, id, upd, actor.Ref())
		if err != nil {
			return translate(err, "обновление роли")
		}
		e, err := enqueue(ctx, tx, model.OutboxRoleUpsert, role.ID, model.OutboxPayload{
			RoleID:           role.ID,
			PreviousRoleName: prev.Name,
		})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Роль обновлена",
		slog.String("role_id", role.ID),
		slog.String("name", role.Name),
		slog.String("actor", actor.Username),
	)

	dispatchLogged(ctx, s.outbox, s.logger, entryID)
	return s.Get(ctx, role.ID)
}

// Delete удаляет роль (назначения — каскадно) и ставит удаление
// realm-роли в очередь.
func (s *RoleService) Delete(ctx context.Context, actor model.Actor, id string) error {
	var (
		role    *model.Role
		entryID string
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		var err error
		role, err = tx.Roles().GetByID(ctx, id)
		if err != nil {
			return translate(err, "получение роли")
		}
		if err := tx.Roles().Delete(ctx, id); err != nil {
			return translate(err, "удаление роли")
		}
		e, err := enqueue(ctx, tx, model.OutboxRoleDelete, role.ID, model.OutboxPayload{RoleName: role.Name})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Роль удалена",
		slog.String("role_id", role.ID),
		slog.String("name", role.Name),
		slog.String("actor", actor.Username),
	)

	dispatchLogged(ctx, s.outbox, s.logger, entryID)
	return nil
}
