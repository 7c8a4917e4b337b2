// types.go — типы запросов и ответов API и маппинг domain → API.
// Имена полей соответствуют схемам из openapi.yaml.
package handlers

import (
	"time"

	openapi_types "github.com/oapi-codegen/runtime/types"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// --- Запросы ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userCreateRequest struct {
	Username  string              `json:"username"`
	Email     openapi_types.Email `json:"email"`
	FirstName string              `json:"first_name"`
	LastName  string              `json:"last_name"`
	Phone     *string             `json:"phone,omitempty"`
	Password  string              `json:"password,omitempty"`
}

type userUpdateRequest struct {
	Email     *openapi_types.Email `json:"email,omitempty"`
	FirstName *string              `json:"first_name,omitempty"`
	LastName  *string              `json:"last_name,omitempty"`
	Phone     *string              `json:"phone,omitempty"`
	IsActive  *bool                `json:"is_active,omitempty"`
}

func (req userUpdateRequest) toModel() model.UserUpdate {
	upd := model.UserUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		IsActive:  req.IsActive,
	}
	if req.Email != nil {
		email := string(*req.Email)
		upd.Email = &email
	}
	return upd
}

type roleCreateRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type roleUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

type permissionCreateRequest struct {
	Name        string  `json:"name"`
	Resource    string  `json:"resource"`
	Action      string  `json:"action"`
	Description *string `json:"description,omitempty"`
}

type permissionUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	Resource    *string `json:"resource,omitempty"`
	Action      *string `json:"action,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// --- Ответы ---

type loginResponse struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type currentIdentity struct {
	Subject       string               `json:"subject"`
	SubjectType   string               `json:"subject_type"`
	Username      string               `json:"username,omitempty"`
	Email         *openapi_types.Email `json:"email,omitempty"`
	IdpRole       string               `json:"idp_role,omitempty"`
	EffectiveRole string               `json:"effective_role,omitempty"`
	RealmRoles    []string             `json:"realm_roles,omitempty"`
	Groups        []string             `json:"groups,omitempty"`
	LocalRoles    []string             `json:"local_roles,omitempty"`
	Scopes        []string             `json:"scopes,omitempty"`
}

type roleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type userResponse struct {
	ID          string              `json:"id"`
	DirectoryID *string             `json:"directory_id,omitempty"`
	Username    string              `json:"username"`
	Email       openapi_types.Email `json:"email"`
	FirstName   string              `json:"first_name"`
	LastName    string              `json:"last_name"`
	Phone       *string             `json:"phone,omitempty"`
	IsActive    bool                `json:"is_active"`
	Roles       []roleRef           `json:"roles"`
	CreatedBy   *string             `json:"created_by,omitempty"`
	UpdatedBy   *string             `json:"updated_by,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type userListResponse struct {
	Items   []userResponse `json:"items"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
	HasMore bool           `json:"has_more"`
}

type userProfileResponse struct {
	userResponse
	Permissions []effectivePermissionResponse `json:"permissions"`
}

type assignmentResult struct {
	Message string `json:"message"`
	Changed bool   `json:"changed"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type roleResponse struct {
	ID          string    `json:"id"`
	DirectoryID *string   `json:"directory_id,omitempty"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   *string   `json:"created_by,omitempty"`
	UpdatedBy   *string   `json:"updated_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type permissionResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description *string   `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   *string   `json:"created_by,omitempty"`
	UpdatedBy   *string   `json:"updated_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type effectivePermissionResponse struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Resource    string                 `json:"resource"`
	Action      string                 `json:"action"`
	Description *string                `json:"description,omitempty"`
	IsActive    bool                   `json:"is_active"`
	Source      model.PermissionSource `json:"source"`
}

type userPermissionsResponse struct {
	UserID      string                        `json:"user_id"`
	Username    string                        `json:"username"`
	Permissions []effectivePermissionResponse `json:"permissions"`
}

type rolePermissionsResponse struct {
	RoleID      string               `json:"role_id"`
	RoleName    string               `json:"role_name"`
	Permissions []permissionResponse `json:"permissions"`
}

type outboxStatsResponse struct {
	Pending         int        `json:"pending"`
	Failed          int        `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

type directoryStatusResponse struct {
	Available        bool                `json:"available"`
	Error            string              `json:"error,omitempty"`
	URL              string              `json:"url"`
	Realm            string              `json:"realm"`
	RealmDisplayName string              `json:"realm_display_name,omitempty"`
	UsersCount       int                 `json:"users_count,omitempty"`
	LastDrainAt      *time.Time          `json:"last_drain_at,omitempty"`
	Outbox           outboxStatsResponse `json:"outbox"`
}

type drainResultResponse struct {
	Claimed     int       `json:"claimed"`
	Delivered   int       `json:"delivered"`
	Retried     int       `json:"retried"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// --- Маппинг domain → API ---

func mapUser(u *model.UserWithRoles) userResponse {
	roles := make([]roleRef, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = roleRef{ID: r.ID, Name: r.Name}
	}
	return userResponse{
		ID:          u.ID,
		DirectoryID: u.DirectoryID,
		Username:    u.Username,
		Email:       openapi_types.Email(u.Email),
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Phone:       u.Phone,
		IsActive:    u.IsActive,
		Roles:       roles,
		CreatedBy:   u.CreatedBy,
		UpdatedBy:   u.UpdatedBy,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func mapRole(r *model.Role) roleResponse {
	return roleResponse{
		ID:          r.ID,
		DirectoryID: r.DirectoryID,
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
		CreatedBy:   r.CreatedBy,
		UpdatedBy:   r.UpdatedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func mapPermission(p *model.Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Name:        p.Name,
		Resource:    p.Resource,
		Action:      p.Action,
		Description: p.Description,
		IsActive:    p.IsActive,
		CreatedBy:   p.CreatedBy,
		UpdatedBy:   p.UpdatedBy,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapPermissions(perms []model.Permission) []permissionResponse {
	out := make([]permissionResponse, len(perms))
	for i := range perms {
		out[i] = mapPermission(&perms[i])
	}
	return out
}

func mapEffectivePermissions(perms []model.EffectivePermission) []effectivePermissionResponse {
	out := make([]effectivePermissionResponse, len(perms))
	for i, p := range perms {
		out[i] = effectivePermissionResponse{
			ID:          p.ID,
			Name:        p.Name,
			Resource:    p.Resource,
			Action:      p.Action,
			Description: p.Description,
			IsActive:    p.IsActive,
			Source:      p.Source,
		}
	}
	return out
}
