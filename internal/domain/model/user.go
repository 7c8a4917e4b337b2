// Пакет model — доменные модели User Service.
package model

import "time"

// User — локальная запись пользователя LMS.
// Хранится в таблице users, зеркалируется в Keycloak.
type User struct {
	// ID — UUID записи
	ID string
	// DirectoryID — ID пользователя в Keycloak (nil, пока аккаунт не создан)
	DirectoryID *string
	// Username — уникальное имя пользователя
	Username string
	// Email — уникальный адрес электронной почты
	Email string
	FirstName string
	LastName  string
	Phone     *string
	// IsActive — активен ли аккаунт
	IsActive bool
	// CreatedBy, UpdatedBy — кто создал и последним изменил запись
	CreatedBy *string
	UpdatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDirectoryAccount сообщает, создан ли для пользователя аккаунт в Keycloak.
func (u *User) HasDirectoryAccount() bool {
	return u.DirectoryID != nil && *u.DirectoryID != ""
}

// UserUpdate — частичное обновление пользователя.
// nil-поля не изменяются.
type UserUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
	Phone     *string
	IsActive  *bool
}

// IsEmpty сообщает, что обновление не затрагивает ни одного поля.
func (u UserUpdate) IsEmpty() bool {
	return u.Email == nil && u.FirstName == nil && u.LastName == nil &&
		u.Phone == nil && u.IsActive == nil
}

// UserWithRoles — пользователь вместе с назначенными ролями.
type UserWithRoles struct {
	User
	Roles []Role
}

// UserProfile — профиль пользователя для GET /users/me.
type UserProfile struct {
	UserWithRoles
	Permissions []EffectivePermission
}
