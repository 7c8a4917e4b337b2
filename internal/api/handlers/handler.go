// handler.go — основной обработчик API User Service.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/lms/user-service/internal/api/errors"
	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/service"
)

// UserManager — операции над пользователями. Реализуется *service.UserService.
type UserManager interface {
	List(ctx context.Context, limit, offset int) ([]model.UserWithRoles, int, error)
	Get(ctx context.Context, id string) (*model.UserWithRoles, error)
	Profile(ctx context.Context, username string) (*model.UserProfile, error)
	Create(ctx context.Context, actor model.Actor, in service.CreateUserInput) (*model.UserWithRoles, error)
	Update(ctx context.Context, actor model.Actor, id string, upd model.UserUpdate) (*model.UserWithRoles, error)
	Delete(ctx context.Context, actor model.Actor, id string) error
	SyncDirectory(ctx context.Context, actor model.Actor, id string) (*model.UserWithRoles, error)
	AssignRole(ctx context.Context, actor model.Actor, userID, roleID string) (bool, error)
	RemoveRole(ctx context.Context, actor model.Actor, userID, roleID string) (bool, error)
}

// RoleManager — операции над ролями. Реализуется *service.RoleService.
type RoleManager interface {
	List(ctx context.Context) ([]*model.Role, error)
	Get(ctx context.Context, id string) (*model.Role, error)
	Create(ctx context.Context, actor model.Actor, name string, description *string) (*model.Role, error)
	Update(ctx context.Context, actor model.Actor, id string, upd model.RoleUpdate) (*model.Role, error)
	Delete(ctx context.Context, actor model.Actor, id string) error
}

// PermissionManager — операции над разрешениями. Реализуется *service.PermissionService.
type PermissionManager interface {
	List(ctx context.Context) ([]*model.Permission, error)
	Get(ctx context.Context, id string) (*model.Permission, error)
	Create(ctx context.Context, actor model.Actor, in service.CreatePermissionInput) (*model.Permission, error)
	Update(ctx context.Context, actor model.Actor, id string, upd model.PermissionUpdate) (*model.Permission, error)
	Delete(ctx context.Context, actor model.Actor, id string) error
	GrantToRole(ctx context.Context, actor model.Actor, permissionID, roleID string) error
	RevokeFromRole(ctx context.Context, actor model.Actor, permissionID, roleID string) error
	GrantToUser(ctx context.Context, actor model.Actor, permissionID, userID string) error
	RevokeFromUser(ctx context.Context, actor model.Actor, permissionID, userID string) error
}

// PermissionResolver — вычисление эффективных разрешений. Реализуется *service.PermissionResolver.
type PermissionResolver interface {
	ResolveEffectivePermissions(ctx context.Context, userID string) ([]model.EffectivePermission, error)
	ResolveRolePermissions(ctx context.Context, roleID string) ([]model.Permission, error)
}

// DirectoryMonitor — состояние интеграции с Keycloak. Реализуется *service.DirectoryStatusService.
type DirectoryMonitor interface {
	GetStatus(ctx context.Context) *model.DirectoryStatus
	Drain(ctx context.Context) (*model.DrainResult, error)
}

// Authenticator — вход по паролю. Реализуется *service.AuthService.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*keycloak.LoginToken, error)
}

// Services — зависимости APIHandler.
type Services struct {
	Users       UserManager
	Roles       RoleManager
	Permissions PermissionManager
	Resolver    PermissionResolver
	Directory   DirectoryMonitor
	Auth        Authenticator
}

// APIHandler — основной обработчик API User Service.
type APIHandler struct {
	health      *HealthHandler
	users       UserManager
	roles       RoleManager
	permissions PermissionManager
	resolver    PermissionResolver
	directory   DirectoryMonitor
	auth        Authenticator
	logger      *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(health *HealthHandler, svc Services, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		health:      health,
		users:       svc.Users,
		roles:       svc.Roles,
		permissions: svc.Permissions,
		resolver:    svc.Resolver,
		directory:   svc.Directory,
		auth:        svc.Auth,
		logger:      logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON разбирает тело запроса. При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return false
	}
	return true
}

// pathUUID извлекает UUID из параметра пути. При ошибке пишет 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		apierrors.ValidationError(w, "Некорректный параметр "+name+": ожидается UUID")
		return "", false
	}
	return id.String(), true
}

// paginationParams читает limit и offset из query. При ошибке пишет 400.
func paginationParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	var limit, offset *int
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр limit: "+err.Error())
		return 0, 0, false
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &offset); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр offset: "+err.Error())
		return 0, 0, false
	}
	l, o := paginationDefaults(limit, offset)
	return l, o, true
}

// paginationDefaults нормализует параметры пагинации.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// what — описание операции для сообщения о внутренней ошибке.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, what string) {
	var syncErr *service.SyncError
	switch {
	case errors.As(err, &syncErr):
		apierrors.DirectorySyncFailed(w, syncErr.Error(), syncErr.ResourceID)
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		apierrors.Unauthorized(w, "Неверное имя пользователя или пароль")
	case errors.Is(err, service.ErrIDPUnavailable):
		apierrors.IDPUnavailable(w, "Keycloak недоступен")
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("operation", what), slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка: "+what)
	}
}
