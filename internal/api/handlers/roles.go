// roles.go — обработчики /api/v1/roles endpoints.
package handlers

import (
	"net/http"

	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// ListRoles — GET /api/v1/roles. Активные роли по имени.
func (h *APIHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "получение списка ролей")
		return
	}

	items := make([]roleResponse, len(roles))
	for i, role := range roles {
		items[i] = mapRole(role)
	}
	writeJSON(w, http.StatusOK, items)
}

// GetRole — GET /api/v1/roles/{id}.
func (h *APIHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	role, err := h.roles.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "получение роли")
		return
	}
	writeJSON(w, http.StatusOK, mapRole(role))
}

// CreateRole — POST /api/v1/roles.
func (h *APIHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role, err := h.roles.Create(r.Context(), middleware.ActorFromContext(r.Context()), req.Name, req.Description)
	if err != nil {
		h.writeServiceError(w, err, "создание роли")
		return
	}

	w.Header().Set("Location", "/api/v1/roles/"+role.ID)
	writeJSON(w, http.StatusCreated, mapRole(role))
}

// UpdateRole — PUT /api/v1/roles/{id}.
func (h *APIHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req roleUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	role, err := h.roles.Update(r.Context(), middleware.ActorFromContext(r.Context()), id, model.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
	if err != nil {
		h.writeServiceError(w, err, "обновление роли")
		return
	}
	writeJSON(w, http.StatusOK, mapRole(role))
}

// DeleteRole — DELETE /api/v1/roles/{id}.
func (h *APIHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.roles.Delete(r.Context(), middleware.ActorFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, err, "удаление роли")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetRolePermissions — GET /api/v1/roles/{id}/permissions.
func (h *APIHandler) GetRolePermissions(w http.ResponseWriter, r *http.Request) {
	h.writeRolePermissions(w, r, "id")
}

func (h *APIHandler) writeRolePermissions(w http.ResponseWriter, r *http.Request, param string) {
	roleID, ok := pathUUID(w, r, param)
	if !ok {
		return
	}

	role, err := h.roles.Get(r.Context(), roleID)
	if err != nil {
		h.writeServiceError(w, err, "получение роли")
		return
	}
	perms, err := h.resolver.ResolveRolePermissions(r.Context(), roleID)
	if err != nil {
		h.writeServiceError(w, err, "получение разрешений роли")
		return
	}

	writeJSON(w, http.StatusOK, rolePermissionsResponse{
		RoleID:      role.ID,
		RoleName:    role.Name,
		Permissions: mapPermissions(perms),
	})
}
