// auth.go — интерактивный вход пользователя через Keycloak.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bigkaa/lms/user-service/internal/keycloak"
)

// PasswordAuthenticator — вход по логину и паролю. Реализуется *keycloak.Client.
type PasswordAuthenticator interface {
	PasswordLogin(ctx context.Context, username, password string) (*keycloak.LoginToken, error)
}

// AuthService — прокси входа к token endpoint Keycloak.
type AuthService struct {
	auth   PasswordAuthenticator
	logger *slog.Logger
}

// NewAuthService создаёт сервис входа.
func NewAuthService(auth PasswordAuthenticator, logger *slog.Logger) *AuthService {
	return &AuthService{
		auth:   auth,
		logger: logger.With(slog.String("component", "auth_service")),
	}
}

// Login выполняет вход и возвращает токены Keycloak.
func (s *AuthService) Login(ctx context.Context, username, password string) (*keycloak.LoginToken, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("username и password обязательны: %w", ErrValidation)
	}

	tok, err := s.auth.PasswordLogin(ctx, username, password)
	if errors.Is(err, keycloak.ErrInvalidCredentials) {
		s.logger.Info("Неуспешный вход", slog.String("username", username))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		s.logger.Error("Ошибка входа через Keycloak",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrIDPUnavailable, err)
	}

	s.logger.Info("Пользователь вошёл", slog.String("username", username))
	return tok, nil
}
