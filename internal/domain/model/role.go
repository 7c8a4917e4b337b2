package model

import "time"

// Role — именованная роль LMS (admin, instructor, student, ...).
// Хранится в таблице roles, зеркалируется в realm-роль Keycloak.
type Role struct {
	ID string
	// DirectoryID — ID realm-роли в Keycloak (nil, пока роль не создана)
	DirectoryID *string
	// Name — уникальное имя роли, совпадает с именем realm-роли
	Name        string
	Description *string
	IsActive    bool
	CreatedBy   *string
	UpdatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasDirectoryRole сообщает, создана ли роль в Keycloak.
func (r *Role) HasDirectoryRole() bool {
	return r.DirectoryID != nil && *r.DirectoryID != ""
}

// RoleUpdate — частичное обновление роли.
type RoleUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// IsEmpty сообщает, что обновление не затрагивает ни одного поля.
func (u RoleUpdate) IsEmpty() bool {
	return u.Name == nil && u.Description == nil && u.IsActive == nil
}
