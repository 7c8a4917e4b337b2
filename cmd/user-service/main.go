// Точка входа User Service — административный слой LMS над Keycloak.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиента Keycloak Admin API и сервисный слой, запускает обработку
// очереди изменений, topologymetrics и HTTP-сервер с JWT middleware.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/lms/user-service/internal/api/handlers"
	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/api/openapi"
	"github.com/bigkaa/lms/user-service/internal/config"
	"github.com/bigkaa/lms/user-service/internal/database"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/repository"
	"github.com/bigkaa/lms/user-service/internal/server"
	"github.com/bigkaa/lms/user-service/internal/service"
)

// jwksRefreshInterval — период фонового обновления ключей JWKS.
const jwksRefreshInterval = 15 * time.Minute

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("User Service запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("US_DEPHEALTH_GROUP") == "" {
		logger.Warn("US_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. HTTP-клиент Keycloak (с CA, если задан US_CA_CERT_PATH)
	kcHTTPClient, err := keycloak.NewHTTPClient(cfg.CACertPath, cfg.KeycloakTimeout)
	if err != nil {
		logger.Error("Ошибка загрузки CA-сертификата",
			slog.String("path", cfg.CACertPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if cfg.CACertPath != "" {
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}

	// 6. Keycloak Admin API клиент
	kcOpts := []keycloak.Option{keycloak.WithLoginClient(cfg.KeycloakLoginClientID)}
	if cfg.KeycloakAdminGrant == config.AdminGrantPassword {
		kcOpts = append(kcOpts, keycloak.WithPasswordGrant(cfg.KeycloakAdminUsername, cfg.KeycloakAdminPassword))
	}
	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.KeycloakRealm,
		cfg.KeycloakClientID,
		cfg.KeycloakClientSecret,
		kcHTTPClient,
		logger,
		kcOpts...,
	)
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.KeycloakRealm),
		slog.String("admin_grant", cfg.KeycloakAdminGrant),
	)

	// 7. Хранилище и сервисы
	store := repository.NewStore(pool)

	directorySync := service.NewDirectorySync(kcClient, store, cfg.RoleCacheSize, cfg.RoleCacheTTL, logger)
	outboxWorker := service.NewOutboxWorker(
		store, directorySync,
		cfg.OutboxBatchSize, cfg.OutboxMaxAttempts,
		cfg.OutboxRateLimit, cfg.OutboxDrainInterval,
		logger,
	)
	resolver := service.NewPermissionResolver(store)

	usersSvc := service.NewUserService(store, directorySync, outboxWorker, resolver, cfg.DefaultUserPassword, logger)
	rolesSvc := service.NewRoleService(store, outboxWorker, logger)
	permissionsSvc := service.NewPermissionService(store, logger)
	directorySvc := service.NewDirectoryStatusService(
		kcClient, store, outboxWorker,
		cfg.KeycloakURL, cfg.KeycloakRealm,
		logger,
	)
	authSvc := service.NewAuthService(kcClient, logger)

	// 8. Фоновая доставка очереди изменений в Keycloak
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	outboxWorker.Start(workerCtx)

	// 8.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Keycloak)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:       "user-service",
		Group:           cfg.DephealthGroup,
		DB:              pgDB,
		PostgresURL:     cfg.DatabaseURL("postgres"),
		KeycloakJWKSURL: cfg.JWTJWKSURL,
		CheckInterval:   cfg.DephealthCheckInterval,
		InsecureTLS:     cfg.CACertPath == "",
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(workerCtx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 9. JWT middleware; локальные роли берутся из user_roles
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		kcHTTPClient,
		cfg.JWTIssuer,
		store.Assignments(),
		cfg.RoleAdminGroups,
		cfg.RoleUserGroups,
		jwksRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 10. Readiness checks и API handler
	healthHandler := handlers.NewHealthHandler(
		handlers.NamedCheck{Name: "postgresql", Checker: database.NewReadinessChecker(pool)},
		handlers.NamedCheck{Name: "keycloak", Checker: kcClient},
		handlers.NamedCheck{Name: "outbox", Checker: directorySvc},
	)
	apiHandler := handlers.NewAPIHandler(healthHandler, handlers.Services{
		Users:       usersSvc,
		Roles:       rolesSvc,
		Permissions: permissionsSvc,
		Resolver:    resolver,
		Directory:   directorySvc,
		Auth:        authSvc,
	}, logger)

	// 11. OpenAPI-контракт для валидации запросов
	var doc *openapi3.T
	if cfg.OpenAPIValidation {
		loaded, loadErr := openapi.Load(ctx)
		if loadErr != nil {
			logger.Error("Ошибка загрузки OpenAPI-контракта", slog.String("error", loadErr.Error()))
			os.Exit(1)
		}
		doc = loaded
		logger.Info("Валидация запросов по OpenAPI включена")
	}

	// 12. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth, doc)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 13. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	outboxWorker.Stop()

	logger.Info("User Service остановлен")
}
