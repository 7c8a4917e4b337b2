// users.go — обработчики /api/v1/users endpoints.
// Пользователи хранятся локально, аккаунты зеркалируются в Keycloak.
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/lms/user-service/internal/api/errors"
	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/service"
)

// ListUsers — GET /api/v1/users.
func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paginationParams(w, r)
	if !ok {
		return
	}

	users, total, err := h.users.List(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "получение списка пользователей")
		return
	}

	items := make([]userResponse, len(users))
	for i := range users {
		items[i] = mapUser(&users[i])
	}

	writeJSON(w, http.StatusOK, userListResponse{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	})
}

// GetMyProfile — GET /api/v1/users/me.
// Профиль вызывающего по preferred_username: роли и эффективные разрешения.
func (h *APIHandler) GetMyProfile(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil || claims.PreferredUsername == "" {
		apierrors.Unauthorized(w, "В токене нет preferred_username")
		return
	}

	profile, err := h.users.Profile(r.Context(), claims.PreferredUsername)
	if err != nil {
		h.writeServiceError(w, err, "получение профиля")
		return
	}

	writeJSON(w, http.StatusOK, userProfileResponse{
		userResponse: mapUser(&profile.UserWithRoles),
		Permissions:  mapEffectivePermissions(profile.Permissions),
	})
}

// GetUser — GET /api/v1/users/{id}.
func (h *APIHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "получение пользователя")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

// CreateUser — POST /api/v1/users.
// Ошибка Keycloak → 502 DIRECTORY_SYNC_FAILED с resource_id локальной записи.
func (h *APIHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Create(r.Context(), middleware.ActorFromContext(r.Context()), service.CreateUserInput{
		Username:  req.Username,
		Email:     string(req.Email),
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Password:  req.Password,
	})
	if err != nil {
		h.writeServiceError(w, err, "создание пользователя")
		return
	}

	w.Header().Set("Location", "/api/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, mapUser(user))
}

// UpdateUser — PUT /api/v1/users/{id}.
// Передаются только изменяемые поля.
func (h *APIHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req userUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Update(r.Context(), middleware.ActorFromContext(r.Context()), id, req.toModel())
	if err != nil {
		h.writeServiceError(w, err, "обновление пользователя")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

// DeleteUser — DELETE /api/v1/users/{id}.
func (h *APIHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.users.Delete(r.Context(), middleware.ActorFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, err, "удаление пользователя")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncUserDirectory — POST /api/v1/users/{id}/directory-sync.
// Повторяет создание аккаунта в Keycloak или сверяет существующий.
func (h *APIHandler) SyncUserDirectory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.users.SyncDirectory(r.Context(), middleware.ActorFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, err, "синхронизация пользователя")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

// AssignRoleToUser — POST /api/v1/users/{id}/roles/{roleId}.
// Повторное назначение возвращает 200 с changed=false.
func (h *APIHandler) AssignRoleToUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := pathUUID(w, r, "roleId")
	if !ok {
		return
	}

	added, err := h.users.AssignRole(r.Context(), middleware.ActorFromContext(r.Context()), userID, roleID)
	if err != nil {
		h.writeServiceError(w, err, "назначение роли")
		return
	}

	msg := "Роль назначена"
	if !added {
		msg = "Роль уже назначена"
	}
	writeJSON(w, http.StatusOK, assignmentResult{Message: msg, Changed: added})
}

// RemoveRoleFromUser — DELETE /api/v1/users/{id}/roles/{roleId}.
// Снятие отсутствующего назначения возвращает 200 с changed=false.
func (h *APIHandler) RemoveRoleFromUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := pathUUID(w, r, "roleId")
	if !ok {
		return
	}

	removed, err := h.users.RemoveRole(r.Context(), middleware.ActorFromContext(r.Context()), userID, roleID)
	if err != nil {
		h.writeServiceError(w, err, "снятие роли")
		return
	}

	msg := "Роль снята"
	if !removed {
		msg = "Роль не была назначена"
	}
	writeJSON(w, http.StatusOK, assignmentResult{Message: msg, Changed: removed})
}

// GetUserEffectivePermissions — GET /api/v1/users/{id}/permissions.
func (h *APIHandler) GetUserEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	h.writeUserPermissions(w, r, "id")
}

// writeUserPermissions отвечает эффективными разрешениями пользователя
// из параметра пути param.
func (h *APIHandler) writeUserPermissions(w http.ResponseWriter, r *http.Request, param string) {
	userID, ok := pathUUID(w, r, param)
	if !ok {
		return
	}

	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "получение пользователя")
		return
	}
	perms, err := h.resolver.ResolveEffectivePermissions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "вычисление разрешений пользователя")
		return
	}

	writeJSON(w, http.StatusOK, userPermissionsResponse{
		UserID:      user.ID,
		Username:    user.Username,
		Permissions: mapEffectivePermissions(perms),
	})
}
