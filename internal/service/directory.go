// directory.go — синхронизация пользователей и ролей с Keycloak.
//
// DirectorySync переводит локальные изменения в вызовы Keycloak Admin API:
// аккаунты пользователей, realm-роли и назначения realm-ролей пользователям.
// Ошибки Keycloak возвращаются как *SyncError; локальные данные при этом
// не откатываются.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// DirectoryClient — операции Keycloak Admin API, нужные синхронизации.
// Реализуется *keycloak.Client.
type DirectoryClient interface {
	CreateUser(ctx context.Context, user *keycloak.KeycloakUser) (string, error)
	FindUserByUsername(ctx context.Context, username string) (*keycloak.KeycloakUser, error)
	UpdateUser(ctx context.Context, id string, user *keycloak.KeycloakUser) error
	DeleteUser(ctx context.Context, id string) error

	GetRealmRole(ctx context.Context, name string) (*keycloak.RoleRepresentation, error)
	CreateRealmRole(ctx context.Context, role *keycloak.RoleRepresentation) (*keycloak.RoleRepresentation, error)
	UpdateRealmRole(ctx context.Context, name string, role *keycloak.RoleRepresentation) error
	DeleteRealmRole(ctx context.Context, name string) error

	GetUserRealmRoles(ctx context.Context, userID string) ([]keycloak.RoleRepresentation, error)
	AddUserRealmRoles(ctx context.Context, userID string, roles []keycloak.RoleRepresentation) error
	RemoveUserRealmRoles(ctx context.Context, userID string, roles []keycloak.RoleRepresentation) error
}

// DirectorySync — адаптер синхронизации с Keycloak.
type DirectorySync struct {
	client DirectoryClient
	store  repository.Store
	roles  *roleCache
	logger *slog.Logger
}

// NewDirectorySync создаёт адаптер синхронизации.
// cacheSize, cacheTTL — параметры кэша realm-ролей (US_ROLE_CACHE_SIZE, US_ROLE_CACHE_TTL).
func NewDirectorySync(
	client DirectoryClient,
	store repository.Store,
	cacheSize int,
	cacheTTL time.Duration,
	logger *slog.Logger,
) *DirectorySync {
	return &DirectorySync{
		client: client,
		store:  store,
		roles:  newRoleCache(cacheSize, cacheTTL),
		logger: logger.With(slog.String("component", "directory_sync")),
	}
}

func syncErr(op, resourceID string, err error) error {
	return &SyncError{Op: op, ResourceID: resourceID, Err: err}
}

// userRepresentation строит представление пользователя для Keycloak.
func userRepresentation(u *model.User) *keycloak.KeycloakUser {
	rep := &keycloak.KeycloakUser{
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Enabled:   u.IsActive,
	}
	if u.Phone != nil && *u.Phone != "" {
		rep.Attributes = map[string][]string{"phone": {*u.Phone}}
	}
	return rep
}

// --- Пользователи ---

// CreateDirectoryUser создаёт аккаунт пользователя в Keycloak и сохраняет его ID
// в локальной записи. Если аккаунт уже связан — выполняется обновление.
// Аккаунт с тем же username, уже существующий в Keycloak, привязывается к записи.
func (d *DirectorySync) CreateDirectoryUser(ctx context.Context, user *model.User, password string) (string, error) {
	if user.HasDirectoryAccount() {
		if err := d.UpdateDirectoryUser(ctx, user); err != nil {
			return "", err
		}
		d.reconcileBestEffort(ctx, user)
		return *user.DirectoryID, nil
	}

	verified := true
	rep := userRepresentation(user)
	rep.EmailVerified = &verified
	rep.Credentials = []keycloak.Credential{keycloak.PasswordCredential(password)}

	directoryID, err := d.client.CreateUser(ctx, rep)
	if err != nil {
		var apiErr *keycloak.APIError
		if errors.As(err, &apiErr) && !errors.Is(err, keycloak.ErrConflict) {
			return "", syncErr("создание пользователя в Keycloak", user.ID, err)
		}
		if errors.Is(err, keycloak.ErrConflict) {
			d.logger.Info("Пользователь уже существует в Keycloak, привязываем аккаунт",
				slog.String("username", user.Username),
			)
		}
		directoryID = ""
	}

	if directoryID == "" {
		existing, lookupErr := d.client.FindUserByUsername(ctx, user.Username)
		if lookupErr != nil {
			return "", syncErr("поиск пользователя в Keycloak", user.ID, errors.Join(err, lookupErr))
		}
		directoryID = existing.ID
	}

	if err := d.store.Users().SetDirectoryID(ctx, user.ID, directoryID); err != nil {
		return "", translate(err, "сохранение ID аккаунта Keycloak")
	}
	user.DirectoryID = &directoryID

	d.logger.Info("Аккаунт пользователя создан в Keycloak",
		slog.String("user_id", user.ID),
		slog.String("directory_id", directoryID),
	)

	d.reconcileBestEffort(ctx, user)
	return directoryID, nil
}

// UpdateDirectoryUser переносит профиль пользователя в Keycloak.
// Пользователь без аккаунта Keycloak пропускается.
func (d *DirectorySync) UpdateDirectoryUser(ctx context.Context, user *model.User) error {
	if !user.HasDirectoryAccount() {
		return nil
	}
	if err := d.client.UpdateUser(ctx, *user.DirectoryID, userRepresentation(user)); err != nil {
		return syncErr("обновление пользователя в Keycloak", user.ID, err)
	}
	return nil
}

// DeleteDirectoryUser удаляет аккаунт. Отсутствующий аккаунт — не ошибка.
func (d *DirectorySync) DeleteDirectoryUser(ctx context.Context, directoryID string) error {
	err := d.client.DeleteUser(ctx, directoryID)
	if errors.Is(err, keycloak.ErrNotFound) {
		d.logger.Info("Аккаунт уже отсутствует в Keycloak", slog.String("directory_id", directoryID))
		return nil
	}
	if err != nil {
		return syncErr("удаление пользователя в Keycloak", directoryID, err)
	}
	return nil
}

// --- Realm-роли ---

// realmRole возвращает realm-роль по имени (через кэш).
func (d *DirectorySync) realmRole(ctx context.Context, name string) (keycloak.RoleRepresentation, error) {
	if role, ok := d.roles.get(name); ok {
		return role, nil
	}
	role, err := d.client.GetRealmRole(ctx, name)
	if err != nil {
		return keycloak.RoleRepresentation{}, err
	}
	d.roles.add(*role)
	return *role, nil
}

// CreateDirectoryRole создаёт realm-роль и сохраняет её ID в локальной записи.
// Существующая realm-роль с тем же именем привязывается к записи.
func (d *DirectorySync) CreateDirectoryRole(ctx context.Context, role *model.Role) error {
	rep := &keycloak.RoleRepresentation{Name: role.Name}
	if role.Description != nil {
		rep.Description = *role.Description
	}

	created, err := d.client.CreateRealmRole(ctx, rep)
	if errors.Is(err, keycloak.ErrConflict) {
		created, err = d.client.GetRealmRole(ctx, role.Name)
	}
	if err != nil {
		return syncErr("создание роли в Keycloak", role.ID, err)
	}

	if err := d.store.Roles().SetDirectoryID(ctx, role.ID, created.ID); err != nil {
		return translate(err, "сохранение ID роли Keycloak")
	}
	role.DirectoryID = &created.ID
	d.roles.add(*created)

	d.logger.Info("Роль создана в Keycloak",
		slog.String("role", role.Name),
		slog.String("directory_id", created.ID),
	)
	return nil
}

// UpdateDirectoryRole обновляет realm-роль, известную в Keycloak под именем previousName.
// Если роль в Keycloak не найдена — она создаётся заново.
func (d *DirectorySync) UpdateDirectoryRole(ctx context.Context, role *model.Role, previousName string) error {
	if previousName == "" {
		previousName = role.Name
	}
	// Кэш сбрасывается до записи: CreateDirectoryRole кладёт в него новую роль
	d.roles.remove(previousName, role.Name)

	if !role.HasDirectoryRole() {
		return d.CreateDirectoryRole(ctx, role)
	}

	rep := &keycloak.RoleRepresentation{Name: role.Name}
	if role.Description != nil {
		rep.Description = *role.Description
	}

	err := d.client.UpdateRealmRole(ctx, previousName, rep)
	if errors.Is(err, keycloak.ErrNotFound) && previousName != role.Name {
		err = d.client.UpdateRealmRole(ctx, role.Name, rep)
	}
	if errors.Is(err, keycloak.ErrNotFound) {
		d.logger.Warn("Роль отсутствует в Keycloak, создаём заново", slog.String("role", role.Name))
		return d.CreateDirectoryRole(ctx, role)
	}
	if err != nil {
		return syncErr("обновление роли в Keycloak", role.ID, err)
	}
	d.roles.remove(previousName, role.Name)
	return nil
}

// DeleteDirectoryRole удаляет realm-роль. Отсутствующая роль — не ошибка.
func (d *DirectorySync) DeleteDirectoryRole(ctx context.Context, name string) error {
	defer d.roles.remove(name)

	err := d.client.DeleteRealmRole(ctx, name)
	if err != nil && !errors.Is(err, keycloak.ErrNotFound) {
		return syncErr("удаление роли в Keycloak", name, err)
	}
	return nil
}

// --- Назначения ролей ---

// AssignDirectoryRole назначает realm-роль аккаунту пользователя.
func (d *DirectorySync) AssignDirectoryRole(ctx context.Context, directoryUserID, roleName string) error {
	role, err := d.realmRole(ctx, roleName)
	if err != nil {
		return syncErr("поиск роли в Keycloak", roleName, err)
	}
	if err := d.client.AddUserRealmRoles(ctx, directoryUserID, []keycloak.RoleRepresentation{role}); err != nil {
		return syncErr("назначение роли в Keycloak", directoryUserID, err)
	}
	return nil
}

// RemoveDirectoryRole снимает realm-роль с аккаунта пользователя.
func (d *DirectorySync) RemoveDirectoryRole(ctx context.Context, directoryUserID, roleName string) error {
	role, err := d.realmRole(ctx, roleName)
	if err != nil {
		return syncErr("поиск роли в Keycloak", roleName, err)
	}
	if err := d.client.RemoveUserRealmRoles(ctx, directoryUserID, []keycloak.RoleRepresentation{role}); err != nil {
		return syncErr("снятие роли в Keycloak", directoryUserID, err)
	}
	return nil
}

// ReconcileUserRoles приводит realm-роли аккаунта к локальному набору ролей.
// Недостающие роли назначаются. Лишние снимаются, только если такая роль
// существует локально: роли realm по умолчанию не трогаются.
func (d *DirectorySync) ReconcileUserRoles(ctx context.Context, user *model.User) error {
	if !user.HasDirectoryAccount() {
		return nil
	}
	directoryID := *user.DirectoryID

	local, err := d.store.Assignments().ListUserRoles(ctx, user.ID)
	if err != nil {
		return translate(err, "получение ролей пользователя")
	}
	remote, err := d.client.GetUserRealmRoles(ctx, directoryID)
	if err != nil {
		return syncErr("получение ролей пользователя в Keycloak", user.ID, err)
	}

	localNames := make(map[string]struct{}, len(local))
	for _, r := range local {
		localNames[r.Name] = struct{}{}
	}
	remoteNames := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		remoteNames[r.Name] = struct{}{}
	}

	var errs []error

	var toAdd []keycloak.RoleRepresentation
	for _, r := range local {
		if _, ok := remoteNames[r.Name]; ok {
			continue
		}
		role, err := d.realmRole(ctx, r.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("роль %s: %w", r.Name, err))
			continue
		}
		toAdd = append(toAdd, role)
	}

	var toRemove []keycloak.RoleRepresentation
	for _, r := range remote {
		if _, ok := localNames[r.Name]; ok {
			continue
		}
		_, err := d.store.Roles().GetByName(ctx, r.Name)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("роль %s: %w", r.Name, err))
			continue
		}
		toRemove = append(toRemove, r)
	}

	if len(toAdd) > 0 {
		if err := d.client.AddUserRealmRoles(ctx, directoryID, toAdd); err != nil {
			errs = append(errs, err)
		}
	}
	if len(toRemove) > 0 {
		if err := d.client.RemoveUserRealmRoles(ctx, directoryID, toRemove); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return syncErr("сверка ролей пользователя в Keycloak", user.ID, errors.Join(errs...))
	}

	if len(toAdd)+len(toRemove) > 0 {
		d.logger.Info("Роли пользователя сверены с Keycloak",
			slog.String("user_id", user.ID),
			slog.Int("added", len(toAdd)),
			slog.Int("removed", len(toRemove)),
		)
	}
	return nil
}

// reconcileBestEffort сверяет роли и только логирует ошибку.
func (d *DirectorySync) reconcileBestEffort(ctx context.Context, user *model.User) {
	if err := d.ReconcileUserRoles(ctx, user); err != nil {
		d.logger.Warn("Ошибка сверки ролей пользователя с Keycloak",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}
