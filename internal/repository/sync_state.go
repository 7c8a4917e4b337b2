package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

// SyncStateRepository — интерфейс для таблицы sync_state (одна строка).
type SyncStateRepository interface {
	// Get возвращает текущее состояние синхронизации.
	Get(ctx context.Context) (*model.SyncState, error)
	// UpdateOutboxDrainAt обновляет время последнего прохода очереди.
	UpdateOutboxDrainAt(ctx context.Context, t time.Time) error
}

type syncStateRepo struct {
	db DBTX
}

// NewSyncStateRepository создаёт репозиторий состояния синхронизации.
func NewSyncStateRepository(db DBTX) SyncStateRepository {
	return &syncStateRepo{db: db}
}

func (r *syncStateRepo) Get(ctx context.Context) (*model.SyncState, error) {
	query := `
		SELECT id, last_outbox_drain_at, created_at, updated_at
		FROM sync_state
		WHERE id = 1`

	s := &model.SyncState{}
	err := r.db.QueryRow(ctx, query).Scan(&s.ID, &s.LastOutboxDrainAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения sync_state: %w", err)
	}
	return s, nil
}

func (r *syncStateRepo) UpdateOutboxDrainAt(ctx context.Context, t time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE sync_state SET last_outbox_drain_at = $1 WHERE id = 1`, t)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_outbox_drain_at: %w", err)
	}
	return nil
}
