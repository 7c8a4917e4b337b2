// Пакет service — бизнес-логика User Service.
// users.go — сервис управления пользователями (локальная БД + аккаунты Keycloak).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// CreateUserInput — данные для создания пользователя.
type CreateUserInput struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Phone     *string
	// Password — начальный пароль; пустой — US_DEFAULT_USER_PASSWORD
	Password string
}

// UserService — сервис управления пользователями.
type UserService struct {
	store           repository.Store
	sync            *DirectorySync
	outbox          *OutboxWorker
	resolver        *PermissionResolver
	defaultPassword string
	logger          *slog.Logger
}

// NewUserService создаёт сервис управления пользователями.
func NewUserService(
	store repository.Store,
	sync *DirectorySync,
	outbox *OutboxWorker,
	resolver *PermissionResolver,
	defaultPassword string,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		store:           store,
		sync:            sync,
		outbox:          outbox,
		resolver:        resolver,
		defaultPassword: defaultPassword,
		logger:          logger.With(slog.String("component", "user_service")),
	}
}

// List возвращает страницу пользователей с ролями и общее количество.
func (s *UserService) List(ctx context.Context, limit, offset int) ([]model.UserWithRoles, int, error) {
	users, err := s.store.Users().List(ctx, limit, offset)
	if err != nil {
		return nil, 0, translate(err, "получение списка пользователей")
	}
	total, err := s.store.Users().Count(ctx)
	if err != nil {
		return nil, 0, translate(err, "подсчёт пользователей")
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	roles, err := s.store.Assignments().ListRolesForUsers(ctx, ids)
	if err != nil {
		return nil, 0, translate(err, "получение ролей пользователей")
	}

	result := make([]model.UserWithRoles, 0, len(users))
	for _, u := range users {
		result = append(result, model.UserWithRoles{User: *u, Roles: roles[u.ID]})
	}
	return result, total, nil
}

// Get возвращает пользователя с ролями.
func (s *UserService) Get(ctx context.Context, id string) (*model.UserWithRoles, error) {
	user, err := s.store.Users().GetByID(ctx, id)
	if err != nil {
		return nil, translate(err, "получение пользователя")
	}
	return s.withRoles(ctx, user)
}

// Profile возвращает профиль пользователя по username: роли и эффективные разрешения.
func (s *UserService) Profile(ctx context.Context, username string) (*model.UserProfile, error) {
	user, err := s.store.Users().GetByUsername(ctx, strings.ToLower(username))
	if err != nil {
		return nil, translate(err, "получение профиля пользователя")
	}
	withRoles, err := s.withRoles(ctx, user)
	if err != nil {
		return nil, err
	}
	perms, err := s.resolver.ResolveEffectivePermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &model.UserProfile{UserWithRoles: *withRoles, Permissions: perms}, nil
}

func (s *UserService) withRoles(ctx context.Context, user *model.User) (*model.UserWithRoles, error) {
	roles, err := s.store.Assignments().ListUserRoles(ctx, user.ID)
	if err != nil {
		return nil, translate(err, "получение ролей пользователя")
	}
	return &model.UserWithRoles{User: *user, Roles: roles}, nil
}

// validateEmail проверяет адрес электронной почты.
func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email обязателен: %w", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("некорректный email %q: %w", email, ErrValidation)
	}
	return nil
}

// Create создаёт пользователя локально, затем аккаунт в Keycloak.
// При ошибке Keycloak локальная запись сохраняется, возвращается *SyncError
// с ID созданной записи; повторить можно через SyncDirectory.
func (s *UserService) Create(ctx context.Context, actor model.Actor, in CreateUserInput) (*model.UserWithRoles, error) {
	// Keycloak хранит username и email в нижнем регистре
	username := strings.ToLower(strings.TrimSpace(in.Username))
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" {
		return nil, fmt.Errorf("username обязателен: %w", ErrValidation)
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}

	user := &model.User{
		Username:  username,
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     in.Phone,
		IsActive:  true,
		CreatedBy: actor.Ref(),
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, translate(err, "создание пользователя")
	}

	s.logger.Info("Пользователь создан",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("actor", actor.Username),
	)

	password := in.Password
	if password == "" {
		password = s.defaultPassword
	}
	if _, err := s.sync.CreateDirectoryUser(ctx, user, password); err != nil {
		s.logger.Error("Ошибка создания аккаунта в Keycloak",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		var se *SyncError
		if errors.As(err, &se) {
			return nil, &SyncError{Op: se.Op, ResourceID: user.ID, Err: se.Err}
		}
		return nil, &SyncError{Op: "создание пользователя в Keycloak", ResourceID: user.ID, Err: err}
	}

	return s.withRoles(ctx, user)
}

// Update применяет частичное обновление и переносит профиль в Keycloak.
// При ошибке Keycloak локальное изменение сохраняется, а доставка
// повторяется через очередь; вызывающему возвращается *SyncError.
func (s *UserService) Update(ctx context.Context, actor model.Actor, id string, upd model.UserUpdate) (*model.UserWithRoles, error) {
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		upd.Email = &email
	}
	if upd.IsEmpty() {
		return s.Get(ctx, id)
	}

	var (
		user    *model.User
		entryID string
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		var err error
		user, err = tx.Users().Update(ctx, id, upd, actor.Ref())
		if err != nil {
			return translate(err, "обновление пользователя")
		}
		if !user.HasDirectoryAccount() {
			return nil
		}
		e, err := enqueue(ctx, tx, model.OutboxUserUpdate, user.ID, model.OutboxPayload{UserID: user.ID})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Пользователь обновлён",
		slog.String("user_id", user.ID),
		slog.String("actor", actor.Username),
	)

	if entryID != "" {
		if err := s.outbox.Dispatch(ctx, entryID); err != nil {
			var se *SyncError
			if errors.As(err, &se) {
				return nil, se
			}
			return nil, &SyncError{Op: "обновление пользователя в Keycloak", ResourceID: user.ID, Err: err}
		}
	}

	return s.withRoles(ctx, user)
}

// Delete удаляет аккаунт в Keycloak, затем локальную запись (назначения — каскадно).
// Если Keycloak недоступен, удаление аккаунта ставится в очередь.
func (s *UserService) Delete(ctx context.Context, actor model.Actor, id string) error {
	user, err := s.store.Users().GetByID(ctx, id)
	if err != nil {
		return translate(err, "получение пользователя")
	}

	directoryFailed := false
	if user.HasDirectoryAccount() {
		if err := s.sync.DeleteDirectoryUser(ctx, *user.DirectoryID); err != nil {
			directoryFailed = true
			s.logger.Warn("Ошибка удаления аккаунта в Keycloak, удаление поставлено в очередь",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	err = s.store.RunInTx(ctx, func(tx repository.Store) error {
		if directoryFailed {
			_, err := enqueue(ctx, tx, model.OutboxUserDelete, user.ID,
				model.OutboxPayload{DirectoryUserID: *user.DirectoryID})
			if err != nil {
				return err
			}
		}
		return translate(tx.Users().Delete(ctx, user.ID), "удаление пользователя")
	})
	if err != nil {
		return err
	}

	s.logger.Info("Пользователь удалён",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
		slog.String("actor", actor.Username),
	)
	return nil
}

// SyncDirectory повторяет создание аккаунта в Keycloak или, если аккаунт
// уже связан, переносит профиль и сверяет роли.
func (s *UserService) SyncDirectory(ctx context.Context, actor model.Actor, id string) (*model.UserWithRoles, error) {
	user, err := s.store.Users().GetByID(ctx, id)
	if err != nil {
		return nil, translate(err, "получение пользователя")
	}

	if user.HasDirectoryAccount() {
		if err := s.sync.UpdateDirectoryUser(ctx, user); err != nil {
			return nil, err
		}
		if err := s.sync.ReconcileUserRoles(ctx, user); err != nil {
			return nil, err
		}
	} else if _, err := s.sync.CreateDirectoryUser(ctx, user, s.defaultPassword); err != nil {
		return nil, err
	}

	s.logger.Info("Пользователь синхронизирован с Keycloak",
		slog.String("user_id", user.ID),
		slog.String("actor", actor.Username),
	)
	return s.withRoles(ctx, user)
}

// AssignRole назначает роль пользователю. Повторное назначение не ошибка:
// возвращает false. Назначение и запись в очередь выполняются в одной транзакции.
func (s *UserService) AssignRole(ctx context.Context, actor model.Actor, userID, roleID string) (bool, error) {
	var (
		added   bool
		entryID string
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		user, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return translate(err, "получение пользователя")
		}
		role, err := tx.Roles().GetByID(ctx, roleID)
		if err != nil {
			return translate(err, "получение роли")
		}

		added, err = tx.Assignments().AddUserRole(ctx, &model.UserRole{
			UserID:     user.ID,
			RoleID:     role.ID,
			AssignedBy: actor.Ref(),
		})
		if err != nil {
			return translate(err, "назначение роли")
		}
		if !added || !user.HasDirectoryAccount() {
			return nil
		}

		e, err := enqueue(ctx, tx, model.OutboxUserRoleAdd, user.ID, model.OutboxPayload{
			RoleID:          role.ID,
			DirectoryUserID: *user.DirectoryID,
			RoleName:        role.Name,
		})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return false, err
	}

	if added {
		s.logger.Info("Роль назначена пользователю",
			slog.String("user_id", userID),
			slog.String("role_id", roleID),
			slog.String("actor", actor.Username),
		)
	}
	s.dispatch(ctx, entryID)
	return added, nil
}

// RemoveRole снимает роль с пользователя. Отсутствие назначения не ошибка.
func (s *UserService) RemoveRole(ctx context.Context, actor model.Actor, userID, roleID string) (bool, error) {
	var (
		removed bool
		entryID string
	)
	err := s.store.RunInTx(ctx, func(tx repository.Store) error {
		user, err := tx.Users().GetByID(ctx, userID)
		if err != nil {
			return translate(err, "получение пользователя")
		}
		role, err := tx.Roles().GetByID(ctx, roleID)
		if err != nil {
			return translate(err, "получение роли")
		}

		removed, err = tx.Assignments().RemoveUserRole(ctx, user.ID, role.ID)
		if err != nil {
			return translate(err, "снятие роли")
		}
		if !removed || !user.HasDirectoryAccount() {
			return nil
		}

		e, err := enqueue(ctx, tx, model.OutboxUserRoleRemove, user.ID, model.OutboxPayload{
			RoleID:          role.ID,
			DirectoryUserID: *user.DirectoryID,
			RoleName:        role.Name,
		})
		if err != nil {
			return err
		}
		entryID = e.ID
		return nil
	})
	if err != nil {
		return false, err
	}

	if removed {
		s.logger.Info("Роль снята с пользователя",
			slog.String("user_id", userID),
			slog.String("role_id", roleID),
			slog.String("actor", actor.Username),
		)
	}
	s.dispatch(ctx, entryID)
	return removed, nil
}

// dispatch доставляет запись очереди сразу после фиксации; ошибка только логируется.
func (s *UserService) dispatch(ctx context.Context, entryID string) {
	dispatchLogged(ctx, s.outbox, s.logger, entryID)
}

func dispatchLogged(ctx context.Context, outbox *OutboxWorker, logger *slog.Logger, entryID string) {
	if entryID == "" {
		return
	}
	if err := outbox.Dispatch(ctx, entryID); err != nil {
		logger.Warn("Изменение не доставлено в Keycloak, будет повторено",
			slog.String("outbox_id", entryID),
			slog.String("error", err.Error()),
		)
	}
}
