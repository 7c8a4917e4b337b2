// auth.go — обработчики /api/v1/auth endpoints.
// POST /api/v1/auth/login — вход по паролю через Keycloak.
// GET /api/v1/auth/me — вызывающий из JWT claims.
package handlers

import (
	"net/http"

	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/lms/user-service/internal/api/errors"
	"github.com/bigkaa/lms/user-service/internal/api/middleware"
)

// Login — POST /api/v1/auth/login. Публичный.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tok, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeServiceError(w, err, "вход")
		return
	}

	resp := loginResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.ExpiresAt.IsZero() {
		exp := tok.ExpiresAt
		resp.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCurrentIdentity — GET /api/v1/auth/me.
// Доступ: любой аутентифицированный субъект.
func (h *APIHandler) GetCurrentIdentity(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		apierrors.Unauthorized(w, "Отсутствуют claims в контексте")
		return
	}

	resp := currentIdentity{
		Subject:       claims.Subject,
		SubjectType:   string(claims.SubjectType),
		Username:      claims.Actor().Username,
		IdpRole:       claims.IdpRole,
		EffectiveRole: claims.EffectiveRole,
		RealmRoles:    claims.Roles,
		Groups:        claims.Groups,
		LocalRoles:    claims.LocalRoles,
		Scopes:        claims.Scopes,
	}
	if claims.Email != "" {
		email := openapi_types.Email(claims.Email)
		resp.Email = &email
	}

	writeJSON(w, http.StatusOK, resp)
}
