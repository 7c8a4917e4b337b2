// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/lms/user-service/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrSync — не удалось синхронизировать изменение с Keycloak.
	ErrSync = errors.New("ошибка синхронизации с Keycloak")
	// ErrIDPUnavailable — Identity Provider (Keycloak) недоступен.
	ErrIDPUnavailable = errors.New("Identity Provider недоступен")
	// ErrInvalidCredentials — неверные имя пользователя или пароль.
	ErrInvalidCredentials = errors.New("неверные учётные данные")
)

// SyncError — ошибка синхронизации с Keycloak.
// Локальное изменение при этом сохранено; ResourceID указывает на него.
type SyncError struct {
	Op         string
	ResourceID string
	Err        error
}

func (e *SyncError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.ResourceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Is позволяет проверять SyncError через errors.Is(err, ErrSync).
func (e *SyncError) Is(target error) bool { return target == ErrSync }

func (e *SyncError) Unwrap() error { return e.Err }

// translate переводит ошибки репозитория в ошибки сервисного слоя.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	case errors.Is(err, repository.ErrValidation):
		return fmt.Errorf("%s: %w", what, ErrValidation)
	}
	return fmt.Errorf("%s: %w", what, err)
}
