// directory_status.go — статус интеграции с Keycloak и принудительная доставка очереди.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// RealmInspector — чтение сведений о realm. Реализуется *keycloak.Client.
type RealmInspector interface {
	RealmInfo(ctx context.Context) (*keycloak.RealmRepresentation, error)
	CountUsers(ctx context.Context) (int, error)
}

// DirectoryStatusService — сервис статуса интеграции с Keycloak.
type DirectoryStatusService struct {
	realm       RealmInspector
	store       repository.Store
	outbox      *OutboxWorker
	keycloakURL string
	realmName   string
	logger      *slog.Logger
}

// NewDirectoryStatusService создаёт сервис статуса интеграции.
func NewDirectoryStatusService(
	realm RealmInspector,
	store repository.Store,
	outbox *OutboxWorker,
	keycloakURL, realmName string,
	logger *slog.Logger,
) *DirectoryStatusService {
	return &DirectoryStatusService{
		realm:       realm,
		store:       store,
		outbox:      outbox,
		keycloakURL: keycloakURL,
		realmName:   realmName,
		logger:      logger.With(slog.String("component", "directory_status")),
	}
}

// GetStatus возвращает доступность Keycloak и состояние очереди.
// Недоступность Keycloak отражается в статусе, а не ошибкой.
func (s *DirectoryStatusService) GetStatus(ctx context.Context) *model.DirectoryStatus {
	status := &model.DirectoryStatus{
		URL:   s.keycloakURL,
		Realm: s.realmName,
	}

	stats, err := s.store.Outbox().Stats(ctx)
	if err != nil {
		s.logger.Warn("Ошибка получения статистики очереди", slog.String("error", err.Error()))
	} else {
		status.Outbox = stats
	}

	syncState, err := s.store.SyncState().Get(ctx)
	if err != nil {
		s.logger.Warn("Ошибка получения sync state", slog.String("error", err.Error()))
	} else {
		status.LastDrainAt = syncState.LastOutboxDrainAt
	}

	realm, err := s.realm.RealmInfo(ctx)
	if err != nil {
		status.Error = fmt.Sprintf("Keycloak недоступен: %v", err)
		return status
	}
	status.Available = true
	status.RealmDisplayName = realm.DisplayName

	usersCount, err := s.realm.CountUsers(ctx)
	if err != nil {
		s.logger.Warn("Ошибка подсчёта пользователей", slog.String("error", err.Error()))
	} else {
		status.UsersCount = usersCount
	}

	return status
}

// Drain немедленно обрабатывает очередь изменений.
func (s *DirectoryStatusService) Drain(ctx context.Context) (*model.DrainResult, error) {
	s.logger.Info("Принудительная обработка очереди изменений запущена")

	result, err := s.outbox.DrainNow(ctx)
	if err != nil {
		return nil, fmt.Errorf("обработка очереди изменений: %w", err)
	}

	s.logger.Info("Принудительная обработка очереди изменений завершена",
		slog.Int("claimed", result.Claimed),
		slog.Int("delivered", result.Delivered),
		slog.Int("retried", result.Retried),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// CheckReady оценивает очередь изменений для readiness probe.
// Записи в статусе failed требуют вмешательства и дают degraded.
func (s *DirectoryStatusService) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.store.Outbox().Stats(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("очередь изменений недоступна: %v", err)
	}
	if stats.Failed > 0 {
		return "degraded", fmt.Sprintf("записей в статусе failed: %d, ожидают доставки: %d", stats.Failed, stats.Pending)
	}
	return "ok", fmt.Sprintf("ожидают доставки: %d", stats.Pending)
}
