// Пакет config — загрузка и валидация конфигурации User Service
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Допустимые способы получения admin-токена Keycloak.
const (
	AdminGrantClientCredentials = "client_credentials"
	AdminGrantPassword          = "password"
)

// Config содержит все параметры конфигурации User Service.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Валидация входящих запросов по OpenAPI-спецификации
	OpenAPIValidation bool

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Keycloak ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Client ID для доступа к Keycloak Admin API
	KeycloakClientID string
	// Client Secret для доступа к Keycloak Admin API
	KeycloakClientSecret string
	// Способ получения admin-токена: client_credentials или password
	KeycloakAdminGrant string
	// Учётные данные администратора realm (только для grant=password)
	KeycloakAdminUsername string
	KeycloakAdminPassword string
	// Публичный клиент для интерактивного входа пользователей
	KeycloakLoginClientID string
	// Таймаут HTTP-запросов к Keycloak
	KeycloakTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с Keycloak (опционально)
	CACertPath string

	// --- JWT (fallback-валидация, основная на API Gateway) ---

	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Допустимое расхождение часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- Синхронизация с каталогом ---

	// Пароль, назначаемый при создании пользователя без явного пароля
	DefaultUserPassword string
	// Интервал фоновой доставки очереди directory_outbox
	OutboxDrainInterval time.Duration
	// Максимум записей очереди за один проход
	OutboxBatchSize int
	// Количество попыток до перевода записи в failed
	OutboxMaxAttempts int
	// Ограничение частоты запросов к Keycloak из очереди (запросов в секунду)
	OutboxRateLimit float64
	// Размер и TTL кэша realm-ролей Keycloak
	RoleCacheSize int
	RoleCacheTTL  time.Duration

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа сервиса в topologymetrics
	DephealthGroup string

	// --- Маппинг групп → ролей ---

	// Группы Keycloak, дающие роль admin (через запятую)
	RoleAdminGroups []string
	// Группы Keycloak, дающие роль user (через запятую)
	RoleUserGroups []string

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// US_PORT — порт HTTP-сервера (по умолчанию 8000)
	cfg.Port, err = getEnvInt("US_PORT", 8000)
	if err != nil {
		return nil, fmt.Errorf("US_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("US_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("US_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("US_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("US_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("US_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.OpenAPIValidation, err = getEnvBool("US_OPENAPI_VALIDATION", true)
	if err != nil {
		return nil, fmt.Errorf("US_OPENAPI_VALIDATION: %w", err)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("US_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("US_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("US_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("US_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("US_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("US_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("US_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("US_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Keycloak ---

	cfg.KeycloakURL, err = getEnvRequired("US_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	// US_KEYCLOAK_REALM — realm (по умолчанию lms-realm)
	cfg.KeycloakRealm = getEnvDefault("US_KEYCLOAK_REALM", "lms-realm")

	cfg.KeycloakClientID, err = getEnvRequired("US_KEYCLOAK_CLIENT_ID")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakClientSecret, err = getEnvRequired("US_KEYCLOAK_CLIENT_SECRET")
	if err != nil {
		return nil, err
	}

	cfg.KeycloakAdminGrant = getEnvDefault("US_KEYCLOAK_ADMIN_GRANT", AdminGrantClientCredentials)
	switch cfg.KeycloakAdminGrant {
	case AdminGrantClientCredentials:
	case AdminGrantPassword:
		cfg.KeycloakAdminUsername, err = getEnvRequired("US_KEYCLOAK_ADMIN_USERNAME")
		if err != nil {
			return nil, err
		}
		cfg.KeycloakAdminPassword, err = getEnvRequired("US_KEYCLOAK_ADMIN_PASSWORD")
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("US_KEYCLOAK_ADMIN_GRANT: недопустимое значение %q, допустимые: client_credentials, password", cfg.KeycloakAdminGrant)
	}

	// US_KEYCLOAK_LOGIN_CLIENT_ID — публичный клиент фронтенда (по умолчанию lms-frontend)
	cfg.KeycloakLoginClientID = getEnvDefault("US_KEYCLOAK_LOGIN_CLIENT_ID", "lms-frontend")

	cfg.KeycloakTimeout, err = getEnvDuration("US_KEYCLOAK_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_KEYCLOAK_TIMEOUT: %w", err)
	}

	cfg.CACertPath = getEnvDefault("US_CA_CERT_PATH", "")

	// --- JWT ---

	// US_JWT_ISSUER — авто-вычисляется из KeycloakURL, если не задан
	cfg.JWTIssuer = getEnvDefault("US_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))

	// US_JWT_JWKS_URL — авто-вычисляется из KeycloakURL, если не задан
	cfg.JWTJWKSURL = getEnvDefault("US_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	cfg.JWTLeeway, err = getEnvDuration("US_JWT_LEEWAY", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("US_JWT_LEEWAY: %w", err)
	}

	// --- Синхронизация с каталогом ---

	cfg.DefaultUserPassword = getEnvDefault("US_DEFAULT_USER_PASSWORD", "ChangeMe123!")

	cfg.OutboxDrainInterval, err = getEnvDuration("US_OUTBOX_DRAIN_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_OUTBOX_DRAIN_INTERVAL: %w", err)
	}

	cfg.OutboxBatchSize, err = getEnvInt("US_OUTBOX_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("US_OUTBOX_BATCH_SIZE: %w", err)
	}
	if cfg.OutboxBatchSize < 1 || cfg.OutboxBatchSize > 1000 {
		return nil, fmt.Errorf("US_OUTBOX_BATCH_SIZE: значение %d вне допустимого диапазона 1-1000", cfg.OutboxBatchSize)
	}

	cfg.OutboxMaxAttempts, err = getEnvInt("US_OUTBOX_MAX_ATTEMPTS", 10)
	if err != nil {
		return nil, fmt.Errorf("US_OUTBOX_MAX_ATTEMPTS: %w", err)
	}
	if cfg.OutboxMaxAttempts < 1 {
		return nil, fmt.Errorf("US_OUTBOX_MAX_ATTEMPTS: значение %d должно быть больше 0", cfg.OutboxMaxAttempts)
	}

	cfg.OutboxRateLimit, err = getEnvFloat("US_OUTBOX_RATE_LIMIT", 10)
	if err != nil {
		return nil, fmt.Errorf("US_OUTBOX_RATE_LIMIT: %w", err)
	}
	if cfg.OutboxRateLimit <= 0 {
		return nil, fmt.Errorf("US_OUTBOX_RATE_LIMIT: значение %g должно быть больше 0", cfg.OutboxRateLimit)
	}

	cfg.RoleCacheSize, err = getEnvInt("US_ROLE_CACHE_SIZE", 256)
	if err != nil {
		return nil, fmt.Errorf("US_ROLE_CACHE_SIZE: %w", err)
	}
	if cfg.RoleCacheSize < 1 {
		return nil, fmt.Errorf("US_ROLE_CACHE_SIZE: значение %d должно быть больше 0", cfg.RoleCacheSize)
	}

	cfg.RoleCacheTTL, err = getEnvDuration("US_ROLE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("US_ROLE_CACHE_TTL: %w", err)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("US_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.DephealthGroup = getEnvDefault("US_DEPHEALTH_GROUP", "lms")

	// --- Маппинг групп → ролей ---

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("US_ROLE_ADMIN_GROUPS", "lms-admins"))
	cfg.RoleUserGroups = parseCSV(getEnvDefault("US_ROLE_USER_GROUPS", "lms-users"))

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("US_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("US_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения в формате postgres://.
// Схема подставляется вызывающим (pgx5 для golang-migrate).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "user-service"))
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvFloat возвращает дробное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
