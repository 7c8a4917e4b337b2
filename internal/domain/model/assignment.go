package model

import "time"

// UserRole — назначение роли пользователю (таблица user_roles).
type UserRole struct {
	ID         string
	UserID     string
	RoleID     string
	AssignedAt time.Time
	AssignedBy *string
}

// UserPermission — прямое назначение разрешения пользователю.
type UserPermission struct {
	ID           string
	UserID       string
	PermissionID string
	AssignedAt   time.Time
	AssignedBy   *string
}

// RolePermission — назначение разрешения роли.
type RolePermission struct {
	ID           string
	RoleID       string
	PermissionID string
	AssignedAt   time.Time
	AssignedBy   *string
}

// RoleGrant — разрешение, полученное пользователем через роль.
type RoleGrant struct {
	RoleName   string
	Permission Permission
}
