package model

import "time"

// SyncState — состояние синхронизации (одна строка в БД).
// Хранится в таблице sync_state (id = 1, всегда одна запись).
type SyncState struct {
	// ID — всегда 1
	ID int
	// LastOutboxDrainAt — время последнего прохода очереди directory_outbox
	LastOutboxDrainAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DrainResult — результат одного прохода очереди directory_outbox.
type DrainResult struct {
	// Claimed — записей взято в обработку
	Claimed int
	// Delivered — успешно доставлено в Keycloak
	Delivered int
	// Retried — отложено для повторной попытки
	Retried int
	// Failed — переведено в failed после исчерпания попыток
	Failed      int
	StartedAt   time.Time
	CompletedAt time.Time
}

// DirectoryStatus — состояние интеграции с Keycloak.
type DirectoryStatus struct {
	// Available — Keycloak отвечает на запросы Admin API
	Available bool
	// Error — причина недоступности
	Error string
	URL   string
	Realm string
	// RealmDisplayName — отображаемое имя realm (если доступен)
	RealmDisplayName string
	// UsersCount — количество пользователей в realm (если доступен)
	UsersCount int
	Outbox     OutboxStats
	// LastDrainAt — время последнего прохода очереди
	LastDrainAt *time.Time
}
