package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/lms/user-service/internal/api/middleware"
	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/service"
)

const (
	testUserID       = "11111111-1111-1111-1111-111111111111"
	testRoleID       = "22222222-2222-2222-2222-222222222222"
	testPermissionID = "33333333-3333-3333-3333-333333333333"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Моки сервисов ---

type mockUsers struct {
	listFn       func(limit, offset int) ([]model.UserWithRoles, int, error)
	getFn        func(id string) (*model.UserWithRoles, error)
	profileFn    func(username string) (*model.UserProfile, error)
	createFn     func(actor model.Actor, in service.CreateUserInput) (*model.UserWithRoles, error)
	updateFn     func(id string, upd model.UserUpdate) (*model.UserWithRoles, error)
	deleteFn     func(id string) error
	syncFn       func(id string) (*model.UserWithRoles, error)
	assignFn     func(userID, roleID string) (bool, error)
	removeRoleFn func(userID, roleID string) (bool, error)
}

func (m *mockUsers) List(_ context.Context, limit, offset int) ([]model.UserWithRoles, int, error) {
	return m.listFn(limit, offset)
}

func (m *mockUsers) Get(_ context.Context, id string) (*model.UserWithRoles, error) {
	return m.getFn(id)
}

func (m *mockUsers) Profile(_ context.Context, username string) (*model.UserProfile, error) {
	return m.profileFn(username)
}

func (m *mockUsers) Create(_ context.Context, actor model.Actor, in service.CreateUserInput) (*model.UserWithRoles, error) {
	return m.createFn(actor, in)
}

func (m *mockUsers) Update(_ context.Context, _ model.Actor, id string, upd model.UserUpdate) (*model.UserWithRoles, error) {
	return m.updateFn(id, upd)
}

func (m *mockUsers) Delete(_ context.Context, _ model.Actor, id string) error {
	return m.deleteFn(id)
}

func (m *mockUsers) SyncDirectory(_ context.Context, _ model.Actor, id string) (*model.UserWithRoles, error) {
	return m.syncFn(id)
}

func (m *mockUsers) AssignRole(_ context.Context, _ model.Actor, userID, roleID string) (bool, error) {
	return m.assignFn(userID, roleID)
}

func (m *mockUsers) RemoveRole(_ context.Context, _ model.Actor, userID, roleID string) (bool, error) {
	return m.removeRoleFn(userID, roleID)
}

type mockRoles struct {
	getFn    func(id string) (*model.Role, error)
	createFn func(name string, description *string) (*model.Role, error)
}

func (m *mockRoles) List(context.Context) ([]*model.Role, error) {
	return []*model.Role{testRole()}, nil
}

func (m *mockRoles) Get(_ context.Context, id string) (*model.Role, error) {
	return m.getFn(id)
}

func (m *mockRoles) Create(_ context.Context, _ model.Actor, name string, description *string) (*model.Role, error) {
	return m.createFn(name, description)
}

func (m *mockRoles) Update(_ context.Context, _ model.Actor, id string, _ model.RoleUpdate) (*model.Role, error) {
	return m.getFn(id)
}

func (m *mockRoles) Delete(context.Context, model.Actor, string) error {
	return nil
}

type mockPermissions struct {
	grantErr  error
	revokeErr error
	// calls — вызовы выдачи/отзыва в виде "op:permissionID:targetID"
	calls []string
}

func (m *mockPermissions) List(context.Context) ([]*model.Permission, error) {
	p := testPermission()
	return []*model.Permission{&p}, nil
}

func (m *mockPermissions) Get(_ context.Context, id string) (*model.Permission, error) {
	if id != testPermissionID {
		return nil, service.ErrNotFound
	}
	p := testPermission()
	return &p, nil
}

func (m *mockPermissions) Create(_ context.Context, _ model.Actor, in service.CreatePermissionInput) (*model.Permission, error) {
	if in.Resource == "courses" && in.Action == "create" {
		return nil, service.ErrConflict
	}
	p := testPermission()
	p.Resource, p.Action, p.Name = in.Resource, in.Action, in.Name
	return &p, nil
}

func (m *mockPermissions) Update(ctx context.Context, _ model.Actor, id string, _ model.PermissionUpdate) (*model.Permission, error) {
	return m.Get(ctx, id)
}

func (m *mockPermissions) Delete(context.Context, model.Actor, string) error {
	return nil
}

func (m *mockPermissions) GrantToRole(_ context.Context, _ model.Actor, permissionID, roleID string) error {
	m.calls = append(m.calls, "grant_role:"+permissionID+":"+roleID)
	return m.grantErr
}

func (m *mockPermissions) RevokeFromRole(_ context.Context, _ model.Actor, permissionID, roleID string) error {
	m.calls = append(m.calls, "revoke_role:"+permissionID+":"+roleID)
	return m.revokeErr
}

func (m *mockPermissions) GrantToUser(_ context.Context, _ model.Actor, permissionID, userID string) error {
	m.calls = append(m.calls, "grant_user:"+permissionID+":"+userID)
	return m.grantErr
}

func (m *mockPermissions) RevokeFromUser(_ context.Context, _ model.Actor, permissionID, userID string) error {
	m.calls = append(m.calls, "revoke_user:"+permissionID+":"+userID)
	return m.revokeErr
}

type mockResolver struct{}

func (mockResolver) ResolveEffectivePermissions(context.Context, string) ([]model.EffectivePermission, error) {
	p := testPermission()
	return []model.EffectivePermission{
		{Permission: p, Source: model.DirectSource()},
		{Permission: p, Source: model.RoleSource("teacher")},
	}, nil
}

func (mockResolver) ResolveRolePermissions(context.Context, string) ([]model.Permission, error) {
	return []model.Permission{testPermission()}, nil
}

type mockDirectory struct {
	status   *model.DirectoryStatus
	drain    *model.DrainResult
	drainErr error
}

func (m *mockDirectory) GetStatus(context.Context) *model.DirectoryStatus {
	return m.status
}

func (m *mockDirectory) Drain(context.Context) (*model.DrainResult, error) {
	return m.drain, m.drainErr
}

type mockAuth struct {
	token *keycloak.LoginToken
	err   error
}

func (m *mockAuth) Login(context.Context, string, string) (*keycloak.LoginToken, error) {
	return m.token, m.err
}

// --- Фикстуры ---

func testUser() *model.UserWithRoles {
	dirID := "kc-alice"
	return &model.UserWithRoles{
		User: model.User{
			ID:          testUserID,
			DirectoryID: &dirID,
			Username:    "alice",
			Email:       "alice@lms.test",
			FirstName:   "Alice",
			LastName:    "Smith",
			IsActive:    true,
			CreatedAt:   testTime,
			UpdatedAt:   testTime,
		},
		Roles: []model.Role{*testRole()},
	}
}

func testRole() *model.Role {
	return &model.Role{
		ID:        testRoleID,
		Name:      "teacher",
		IsActive:  true,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func testPermission() model.Permission {
	return model.Permission{
		ID:        testPermissionID,
		Name:      "Создание курсов",
		Resource:  "courses",
		Action:    "create",
		IsActive:  true,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

// testAdminClaims — claims администратора для контекста запроса.
func testAdminClaims() *middleware.AuthClaims {
	return &middleware.AuthClaims{
		Subject:           "admin-sub",
		SubjectType:       middleware.SubjectTypeUser,
		PreferredUsername: "admin",
		Roles:             []string{"admin"},
		IdpRole:           "admin",
		EffectiveRole:     "admin",
	}
}

// newTestRouter собирает chi-маршруты поверх APIHandler без аутентификации.
// Claims администратора добавляются в контекст каждого запроса.
func newTestRouter(h *APIHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithClaims(req.Context(), testAdminClaims())))
		})
	})
	r.Get("/health/live", h.HealthLive)
	r.Get("/health/ready", h.HealthReady)
	r.Get("/metrics", h.GetMetrics)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)
		r.Get("/auth/me", h.GetCurrentIdentity)

		r.Get("/users", h.ListUsers)
		r.Post("/users", h.CreateUser)
		r.Get("/users/me", h.GetMyProfile)
		r.Get("/users/{id}", h.GetUser)
		r.Put("/users/{id}", h.UpdateUser)
		r.Delete("/users/{id}", h.DeleteUser)
		r.Post("/users/{id}/directory-sync", h.SyncUserDirectory)
		r.Post("/users/{id}/roles/{roleId}", h.AssignRoleToUser)
		r.Delete("/users/{id}/roles/{roleId}", h.RemoveRoleFromUser)
		r.Get("/users/{id}/permissions", h.GetUserEffectivePermissions)

		r.Get("/roles", h.ListRoles)
		r.Post("/roles", h.CreateRole)
		r.Get("/roles/{id}", h.GetRole)
		r.Get("/roles/{id}/permissions", h.GetRolePermissions)

		r.Get("/permissions", h.ListPermissions)
		r.Post("/permissions", h.CreatePermission)
		r.Get("/permissions/users/{userId}", h.GetPermissionsForUser)
		r.Get("/permissions/roles/{roleId}", h.GetPermissionsForRole)
		r.Get("/permissions/{id}", h.GetPermission)
		r.Delete("/permissions/{id}", h.DeletePermission)
		r.Post("/permissions/{id}/roles/{roleId}", h.GrantPermissionToRole)
		r.Delete("/permissions/{id}/roles/{roleId}", h.RevokePermissionFromRole)
		r.Post("/permissions/{id}/users/{userId}", h.GrantPermissionToUser)
		r.Delete("/permissions/{id}/users/{userId}", h.RevokePermissionFromUser)

		r.Get("/directory/status", h.GetDirectoryStatus)
		r.Post("/directory/drain", h.DrainDirectoryOutbox)
	})
	return r
}

// testEnv — обработчик с моками по умолчанию.
type testEnv struct {
	users       *mockUsers
	roles       *mockRoles
	permissions *mockPermissions
	directory   *mockDirectory
	auth        *mockAuth
	router      http.Handler
}

func newTestEnv(health *HealthHandler) *testEnv {
	env := &testEnv{
		users: &mockUsers{
			getFn: func(id string) (*model.UserWithRoles, error) {
				if id != testUserID {
					return nil, service.ErrNotFound
				}
				return testUser(), nil
			},
		},
		roles: &mockRoles{
			getFn: func(id string) (*model.Role, error) {
				if id != testRoleID {
					return nil, service.ErrNotFound
				}
				return testRole(), nil
			},
		},
		permissions: &mockPermissions{},
		directory:   &mockDirectory{},
		auth:        &mockAuth{},
	}
	if health == nil {
		health = NewHealthHandler()
	}
	h := NewAPIHandler(health, Services{
		Users:       env.users,
		Roles:       env.roles,
		Permissions: env.permissions,
		Resolver:    mockResolver{},
		Directory:   env.directory,
		Auth:        env.auth,
	}, testLogger())
	env.router = newTestRouter(h)
	return env
}

// do выполняет запрос к маршрутизатору окружения.
func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}
