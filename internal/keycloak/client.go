// client.go — HTTP-клиент к Keycloak Admin REST API.
// Admin-токен получается через golang.org/x/oauth2 (Client Credentials или
// Resource Owner Password grant) и переиспользуется до 30s до истечения.
// Операции: пользователи, realm-роли, realm role mappings, информация о realm,
// интерактивный вход пользователя (password grant от имени публичного клиента).
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Ошибки Keycloak Admin API.
var (
	// ErrNotFound — объект не найден (HTTP 404).
	ErrNotFound = errors.New("объект не найден в Keycloak")
	// ErrConflict — объект уже существует (HTTP 409).
	ErrConflict = errors.New("объект уже существует в Keycloak")
	// ErrInvalidCredentials — неверные имя пользователя или пароль при входе.
	ErrInvalidCredentials = errors.New("неверные учётные данные")
)

// tokenEarlyExpiry — за сколько до истечения токен считается устаревшим.
const tokenEarlyExpiry = 30 * time.Second

// APIError — неуспешный ответ Keycloak Admin API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: Keycloak API вернул статус %d: %s", e.Op, e.StatusCode, e.Body)
}

// Is сопоставляет статус ответа с ErrNotFound и ErrConflict.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Client — HTTP-клиент к Keycloak Admin REST API.
type Client struct {
	baseURL       string // Базовый URL Keycloak (без trailing slash)
	realm         string
	clientID      string
	clientSecret  string
	adminUsername string
	adminPassword string
	loginClientID string

	httpClient *http.Client
	logger     *slog.Logger

	// tokens — источник admin-токенов с кэшированием
	tokens oauth2.TokenSource
}

// Option — дополнительная настройка клиента.
type Option func(*Client)

// WithPasswordGrant включает получение admin-токена через password grant
// от имени пользователя realm (вместо Client Credentials).
func WithPasswordGrant(username, password string) Option {
	return func(c *Client) {
		c.adminUsername = username
		c.adminPassword = password
	}
}

// WithLoginClient задаёт публичный клиент для интерактивного входа пользователей.
func WithLoginClient(clientID string) Option {
	return func(c *Client) {
		c.loginClientID = clientID
	}
}

// New создаёт клиент к Keycloak Admin REST API.
// baseURL — базовый URL Keycloak (например, https://keycloak.kryukov.lan).
// realm — имя realm (например, lms-realm).
// clientID, clientSecret — клиент для получения admin-токена.
// httpClient — HTTP-клиент (может содержать TLS конфигурацию).
func New(baseURL, realm, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		realm:         realm,
		clientID:      clientID,
		clientSecret:  clientSecret,
		loginClientID: clientID,
		httpClient:    httpClient,
		logger:        logger.With(slog.String("component", "keycloak_client")),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, c.adminTokenSource(), tokenEarlyExpiry)
	return c
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
}

// adminBaseURL возвращает базовый URL Admin REST API для realm.
func (c *Client) adminBaseURL() string {
	return fmt.Sprintf("%s/admin/realms/%s", c.baseURL, c.realm)
}

// oauthContext возвращает контекст, через который oauth2 использует наш HTTP-клиент.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// adminTokenSource создаёт источник admin-токенов без кэширования.
func (c *Client) adminTokenSource() oauth2.TokenSource {
	ctx := c.oauthContext(context.Background())

	if c.adminUsername != "" {
		return &passwordTokenSource{
			ctx: ctx,
			cfg: &oauth2.Config{
				ClientID:     c.clientID,
				ClientSecret: c.clientSecret,
				Endpoint: oauth2.Endpoint{
					TokenURL:  c.tokenEndpoint(),
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			username: c.adminUsername,
			password: c.adminPassword,
			logger:   c.logger,
		}
	}

	cc := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.tokenEndpoint(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return &loggingTokenSource{src: cc.TokenSource(ctx), logger: c.logger}
}

// passwordTokenSource получает токен через Resource Owner Password grant.
type passwordTokenSource struct {
	ctx      context.Context
	cfg      *oauth2.Config
	username string
	password string
	logger   *slog.Logger
}

func (s *passwordTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.cfg.PasswordCredentialsToken(s.ctx, s.username, s.password)
	if err != nil {
		return nil, fmt.Errorf("запрос токена Keycloak (password grant): %w", err)
	}
	s.logger.Debug("Keycloak токен обновлён", slog.Time("expires_at", tok.Expiry))
	return tok, nil
}

// loggingTokenSource логирует каждое обновление токена.
type loggingTokenSource struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

func (s *loggingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("запрос токена Keycloak (client credentials): %w", err)
	}
	s.logger.Debug("Keycloak токен обновлён", slog.Time("expires_at", tok.Expiry))
	return tok, nil
}

// getToken возвращает актуальный admin access token.
func (c *Client) getToken(_ context.Context) (string, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// PasswordLogin выполняет вход пользователя через password grant
// от имени публичного клиента (US_KEYCLOAK_LOGIN_CLIENT_ID).
func (c *Client) PasswordLogin(ctx context.Context, username, password string) (*LoginToken, error) {
	cfg := &oauth2.Config{
		ClientID: c.loginClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenEndpoint(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid"},
	}
	if c.loginClientID == c.clientID {
		cfg.ClientSecret = c.clientSecret
	}

	tok, err := cfg.PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("PasswordLogin: %w", ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("PasswordLogin: %w", err)
	}

	return &LoginToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос к Admin REST API с авторизацией.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.adminBaseURL()+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// apiError читает тело неуспешного ответа.
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

// decodeResponse декодирует JSON ответ в target.
func decodeResponse(op string, resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(op, resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("%s: декодирование ответа Keycloak: %w", op, err)
		}
	}

	return nil
}

// checkResponse проверяет статус ответа (для запросов без тела ответа).
func checkResponse(op string, resp *http.Response, expectedStatus int) error {
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return apiError(op, resp)
	}
	return nil
}

// createdID извлекает ID созданного ресурса из Location: .../{id}.
func createdID(op string, resp *http.Response) (string, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", apiError(op, resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%s: отсутствует Location header в ответе", op)
	}

	id := location[strings.LastIndex(location, "/")+1:]
	if id == "" {
		return "", fmt.Errorf("%s: не удалось извлечь ID из Location: %s", op, location)
	}
	return id, nil
}

// --- Users API ---

// CreateUser создаёт пользователя и возвращает его Keycloak ID.
// Если пользователь с таким username или email уже есть — ошибка ErrConflict.
func (c *Client) CreateUser(ctx context.Context, user *KeycloakUser) (string, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, "/users", user)
	if err != nil {
		return "", err
	}
	return createdID("CreateUser", resp)
}

// FindUserByUsername ищет пользователя по точному совпадению username.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (*KeycloakUser, error) {
	path := "/users?exact=true&username=" + url.QueryEscape(username)

	resp, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var users []KeycloakUser
	if err := decodeResponse("FindUserByUsername", resp, &users); err != nil {
		return nil, err
	}

	// Keycloak хранит username в нижнем регистре
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			return &users[i], nil
		}
	}
	return nil, fmt.Errorf("FindUserByUsername %q: %w", username, ErrNotFound)
}

// GetUser возвращает пользователя по Keycloak ID.
func (c *Client) GetUser(ctx context.Context, id string) (*KeycloakUser, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var user KeycloakUser
	if err := decodeResponse("GetUser", resp, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser обновляет профиль пользователя.
func (c *Client) UpdateUser(ctx context.Context, id string, user *KeycloakUser) error {
	resp, err := c.doAuthorized(ctx, http.MethodPut, "/users/"+url.PathEscape(id), user)
	if err != nil {
		return err
	}
	return checkResponse("UpdateUser", resp, http.StatusNoContent)
}

// DeleteUser удаляет пользователя.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return checkResponse("DeleteUser", resp, http.StatusNoContent)
}

// CountUsers возвращает количество пользователей в realm.
func (c *Client) CountUsers(ctx context.Context) (int, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/users/count", nil)
	if err != nil {
		return 0, err
	}

	var count int
	if err := decodeResponse("CountUsers", resp, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- Realm roles API ---

// GetRealmRole возвращает realm-роль по имени.
func (c *Client) GetRealmRole(ctx context.Context, name string) (*RoleRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "/roles/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}

	var role RoleRepresentation
	if err := decodeResponse("GetRealmRole", resp, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// CreateRealmRole создаёт realm-роль и возвращает её представление с ID.
// Location ответа содержит имя роли, поэтому ID запрашивается отдельно.
func (c *Client) CreateRealmRole(ctx context.Context, role *RoleRepresentation) (*RoleRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, "/roles", role)
	if err != nil {
		return nil, err
	}
	if err := checkResponse("CreateRealmRole", resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return c.GetRealmRole(ctx, role.Name)
}

// UpdateRealmRole обновляет realm-роль, найденную по текущему имени name.
func (c *Client) UpdateRealmRole(ctx context.Context, name string, role *RoleRepresentation) error {
	resp, err := c.doAuthorized(ctx, http.MethodPut, "/roles/"+url.PathEscape(name), role)
	if err != nil {
		return err
	}
	return checkResponse("UpdateRealmRole", resp, http.StatusNoContent)
}

// DeleteRealmRole удаляет realm-роль по имени.
func (c *Client) DeleteRealmRole(ctx context.Context, name string) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, "/roles/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	return checkResponse("DeleteRealmRole", resp, http.StatusNoContent)
}

// --- Role mappings API ---

func roleMappingsPath(userID string) string {
	return "/users/" + url.PathEscape(userID) + "/role-mappings/realm"
}

// GetUserRealmRoles возвращает realm-роли, назначенные пользователю напрямую.
func (c *Client) GetUserRealmRoles(ctx context.Context, userID string) ([]RoleRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, roleMappingsPath(userID), nil)
	if err != nil {
		return nil, err
	}

	var roles []RoleRepresentation
	if err := decodeResponse("GetUserRealmRoles", resp, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// AddUserRealmRoles назначает пользователю realm-роли.
func (c *Client) AddUserRealmRoles(ctx context.Context, userID string, roles []RoleRepresentation) error {
	resp, err := c.doAuthorized(ctx, http.MethodPost, roleMappingsPath(userID), roles)
	if err != nil {
		return err
	}
	return checkResponse("AddUserRealmRoles", resp, http.StatusNoContent)
}

// RemoveUserRealmRoles снимает с пользователя realm-роли.
func (c *Client) RemoveUserRealmRoles(ctx context.Context, userID string, roles []RoleRepresentation) error {
	resp, err := c.doAuthorized(ctx, http.MethodDelete, roleMappingsPath(userID), roles)
	if err != nil {
		return err
	}
	return checkResponse("RemoveUserRealmRoles", resp, http.StatusNoContent)
}

// --- Realm API ---

// RealmInfo возвращает информацию о realm.
func (c *Client) RealmInfo(ctx context.Context) (*RealmRepresentation, error) {
	resp, err := c.doAuthorized(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}

	var realm RealmRepresentation
	if err := decodeResponse("RealmInfo", resp, &realm); err != nil {
		return nil, err
	}
	return &realm, nil
}

// BaseURL возвращает базовый URL Keycloak.
func (c *Client) BaseURL() string { return c.baseURL }

// Realm возвращает имя realm.
func (c *Client) Realm() string { return c.realm }

// --- Readiness checker ---

// CheckReady проверяет доступность Keycloak Admin API через realm info.
// Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	realm, err := c.RealmInfo(ctx)
	if err != nil {
		return "fail", fmt.Sprintf("Keycloak недоступен: %v", err)
	}

	if !realm.Enabled {
		return "degraded", fmt.Sprintf("Realm %s отключён", realm.Realm)
	}

	return "ok", fmt.Sprintf("Realm %s доступен", realm.Realm)
}
