// Пакет server — HTTP-сервер User Service с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/lms/user-service/internal/api/handlers"
	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/api/openapi"
	"github.com/bigkaa/lms/user-service/internal/config"
	"github.com/bigkaa/lms/user-service/internal/domain/rbac"
)

// publicPrefixes — пути без JWT: probes Kubernetes, метрики и вход по паролю.
var publicPrefixes = []string{"/health/", "/metrics", "/api/v1/auth/login"}

// Server — HTTP-сервер User Service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с маршрутами и middleware.
// jwtAuth — JWT middleware (nil — без аутентификации, только для тестов).
// doc — OpenAPI-контракт для валидации запросов (nil — без валидации).
func New(cfg *config.Config, logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth, doc *openapi3.T) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(logger, h, jwtAuth, doc),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает chi-роутер со всеми маршрутами API.
func NewRouter(logger *slog.Logger, h *handlers.APIHandler, jwtAuth *middleware.JWTAuth, doc *openapi3.T) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth, publicPrefixes...))
	}
	if doc != nil {
		router.Use(openapi.NewValidator(doc, router, logger).Middleware())
	}

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	// Чтение: admin, user или SA со scope access:read.
	// Изменения и управление очередью: только admin.
	read := middleware.RequireRoleOrScope(
		[]string{rbac.RoleAdmin, rbac.RoleUser},
		[]string{middleware.ScopeAccessRead},
	)
	admin := middleware.RequireRole(rbac.RoleAdmin)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)
		r.With(middleware.RequireAuthenticated()).Get("/auth/me", h.GetCurrentIdentity)

		r.Route("/users", func(r chi.Router) {
			r.With(read).Get("/", h.ListUsers)
			r.With(admin).Post("/", h.CreateUser)
			r.With(middleware.RequireRole(rbac.RoleAdmin, rbac.RoleUser)).Get("/me", h.GetMyProfile)

			r.Route("/{id}", func(r chi.Router) {
				r.With(read).Get("/", h.GetUser)
				r.With(admin).Put("/", h.UpdateUser)
				r.With(admin).Delete("/", h.DeleteUser)
				r.With(admin).Post("/directory-sync", h.SyncUserDirectory)
				r.With(admin).Post("/roles/{roleId}", h.AssignRoleToUser)
				r.With(admin).Delete("/roles/{roleId}", h.RemoveRoleFromUser)
				r.With(read).Get("/permissions", h.GetUserEffectivePermissions)
			})
		})

		r.Route("/roles", func(r chi.Router) {
			r.With(read).Get("/", h.ListRoles)
			r.With(admin).Post("/", h.CreateRole)

			r.Route("/{id}", func(r chi.Router) {
				r.With(read).Get("/", h.GetRole)
				r.With(admin).Put("/", h.UpdateRole)
				r.With(admin).Delete("/", h.DeleteRole)
				r.With(read).Get("/permissions", h.GetRolePermissions)
			})
		})

		r.Route("/permissions", func(r chi.Router) {
			r.With(read).Get("/", h.ListPermissions)
			r.With(admin).Post("/", h.CreatePermission)
			r.With(read).Get("/users/{userId}", h.GetPermissionsForUser)
			r.With(read).Get("/roles/{roleId}", h.GetPermissionsForRole)

			r.Route("/{id}", func(r chi.Router) {
				r.With(read).Get("/", h.GetPermission)
				r.With(admin).Put("/", h.UpdatePermission)
				r.With(admin).Delete("/", h.DeletePermission)
				r.With(admin).Post("/roles/{roleId}", h.GrantPermissionToRole)
				r.With(admin).Delete("/roles/{roleId}", h.RevokePermissionFromRole)
				r.With(admin).Post("/users/{userId}", h.GrantPermissionToUser)
				r.With(admin).Delete("/users/{userId}", h.RevokePermissionFromUser)
			})
		})

		r.Route("/directory", func(r chi.Router) {
			r.Use(admin)
			r.Get("/status", h.GetDirectoryStatus)
			r.Post("/drain", h.DrainDirectoryOutbox)
		})
	})

	return router
}

// jwtAuthWithExclusions оборачивает JWTAuth.Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth *middleware.JWTAuth, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		protected := jwtMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
