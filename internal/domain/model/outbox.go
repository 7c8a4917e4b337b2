package model

import "time"

// OutboxOperation — тип изменения, ожидающего доставки в Keycloak.
type OutboxOperation string

const (
	OutboxUserUpdate     OutboxOperation = "user.update"
	OutboxUserDelete     OutboxOperation = "user.delete"
	OutboxUserRoleAdd    OutboxOperation = "user.role_add"
	OutboxUserRoleRemove OutboxOperation = "user.role_remove"
	OutboxRoleUpsert     OutboxOperation = "role.upsert"
	OutboxRoleDelete     OutboxOperation = "role.delete"
)

// OutboxStatus — статус записи очереди.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxDone    OutboxStatus = "done"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxPayload — данные операции. Заполняются только нужные поля.
type OutboxPayload struct {
	UserID           string `json:"user_id,omitempty"`
	RoleID           string `json:"role_id,omitempty"`
	DirectoryUserID  string `json:"directory_user_id,omitempty"`
	RoleName         string `json:"role_name,omitempty"`
	PreviousRoleName string `json:"previous_role_name,omitempty"`
}

// OutboxEntry — запись таблицы directory_outbox.
type OutboxEntry struct {
	// ID — ULID, задаёт порядок доставки
	ID        string
	Operation OutboxOperation
	// AggregateID — локальный ID пользователя или роли; порядок FIFO в его пределах
	AggregateID   string
	Payload       OutboxPayload
	Status        OutboxStatus
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OutboxStats — счётчики очереди по статусам.
type OutboxStats struct {
	Pending int
	Failed  int
	// OldestPendingAt — время создания самой старой pending-записи
	OldestPendingAt *time.Time
}
