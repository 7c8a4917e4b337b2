package model

import "time"

// Permission — разрешение на действие над ресурсом (courses:create, ...).
// Удаление мягкое: IsActive = false.
type Permission struct {
	ID          string
	Name        string
	Resource    string
	Action      string
	Description *string
	IsActive    bool
	CreatedBy   *string
	UpdatedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key возвращает естественный ключ разрешения "resource:action".
func (p *Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// PermissionUpdate — частичное обновление разрешения.
type PermissionUpdate struct {
	Name        *string
	Resource    *string
	Action      *string
	Description *string
	IsActive    *bool
}

// IsEmpty сообщает, что обновление не затрагивает ни одного поля.
func (u PermissionUpdate) IsEmpty() bool {
	return u.Name == nil && u.Resource == nil && u.Action == nil &&
		u.Description == nil && u.IsActive == nil
}
