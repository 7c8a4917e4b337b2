// permissions.go — обработчики /api/v1/permissions endpoints.
// Разрешения существуют только локально; удаление — деактивация.
package handlers

import (
	"net/http"

	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/service"
)

// ListPermissions — GET /api/v1/permissions. Активные, по resource и action.
func (h *APIHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.permissions.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "получение списка разрешений")
		return
	}

	items := make([]permissionResponse, len(perms))
	for i, p := range perms {
		items[i] = mapPermission(p)
	}
	writeJSON(w, http.StatusOK, items)
}

// GetPermission — GET /api/v1/permissions/{id}. Неактивные тоже доступны.
func (h *APIHandler) GetPermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	perm, err := h.permissions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "получение разрешения")
		return
	}
	writeJSON(w, http.StatusOK, mapPermission(perm))
}

// CreatePermission — POST /api/v1/permissions.
// Повтор пары (resource, action) → 409.
func (h *APIHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	perm, err := h.permissions.Create(r.Context(), middleware.ActorFromContext(r.Context()), service.CreatePermissionInput{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
	})
	if err != nil {
		h.writeServiceError(w, err, "создание разрешения")
		return
	}

	w.Header().Set("Location", "/api/v1/permissions/"+perm.ID)
	writeJSON(w, http.StatusCreated, mapPermission(perm))
}

// UpdatePermission — PUT /api/v1/permissions/{id}.
func (h *APIHandler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req permissionUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	perm, err := h.permissions.Update(r.Context(), middleware.ActorFromContext(r.Context()), id, model.PermissionUpdate{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.writeServiceError(w, err, "обновление разрешения")
		return
	}
	writeJSON(w, http.StatusOK, mapPermission(perm))
}

// DeletePermission — DELETE /api/v1/permissions/{id}.
func (h *APIHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.permissions.Delete(r.Context(), middleware.ActorFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, err, "деактивация разрешения")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// grantFunc — выдача или отзыв разрешения у роли либо пользователя.
type grantFunc func(r *http.Request, actor model.Actor, permissionID, targetID string) error

// handleGrant разбирает {id} и параметр цели, выполняет op и отвечает сообщением.
func (h *APIHandler) handleGrant(w http.ResponseWriter, r *http.Request, targetParam, what, okMessage string, op grantFunc) {
	permissionID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(w, r, targetParam)
	if !ok {
		return
	}

	if err := op(r, middleware.ActorFromContext(r.Context()), permissionID, targetID); err != nil {
		h.writeServiceError(w, err, what)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: okMessage})
}

// GrantPermissionToRole — POST /api/v1/permissions/{id}/roles/{roleId}.
func (h *APIHandler) GrantPermissionToRole(w http.ResponseWriter, r *http.Request) {
	h.handleGrant(w, r, "roleId", "выдача разрешения роли", "Разрешение выдано роли",
		func(r *http.Request, actor model.Actor, permissionID, roleID string) error {
			return h.permissions.GrantToRole(r.Context(), actor, permissionID, roleID)
		})
}

// RevokePermissionFromRole — DELETE /api/v1/permissions/{id}/roles/{roleId}.
func (h *APIHandler) RevokePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	h.handleGrant(w, r, "roleId", "отзыв разрешения у роли", "Разрешение отозвано у роли",
		func(r *http.Request, actor model.Actor, permissionID, roleID string) error {
			return h.permissions.RevokeFromRole(r.Context(), actor, permissionID, roleID)
		})
}

// GrantPermissionToUser — POST /api/v1/permissions/{id}/users/{userId}.
func (h *APIHandler) GrantPermissionToUser(w http.ResponseWriter, r *http.Request) {
	h.handleGrant(w, r, "userId", "выдача разрешения пользователю", "Разрешение выдано пользователю",
		func(r *http.Request, actor model.Actor, permissionID, userID string) error {
			return h.permissions.GrantToUser(r.Context(), actor, permissionID, userID)
		})
}

// RevokePermissionFromUser — DELETE /api/v1/permissions/{id}/users/{userId}.
func (h *APIHandler) RevokePermissionFromUser(w http.ResponseWriter, r *http.Request) {
	h.handleGrant(w, r, "userId", "отзыв разрешения у пользователя", "Разрешение отозвано у пользователя",
		func(r *http.Request, actor model.Actor, permissionID, userID string) error {
			return h.permissions.RevokeFromUser(r.Context(), actor, permissionID, userID)
		})
}

// GetPermissionsForUser — GET /api/v1/permissions/users/{userId}.
func (h *APIHandler) GetPermissionsForUser(w http.ResponseWriter, r *http.Request) {
	h.writeUserPermissions(w, r, "userId")
}

// GetPermissionsForRole — GET /api/v1/permissions/roles/{roleId}.
func (h *APIHandler) GetPermissionsForRole(w http.ResponseWriter, r *http.Request) {
	h.writeRolePermissions(w, r, "roleId")
}
