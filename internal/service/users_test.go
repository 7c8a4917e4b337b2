package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
)

func createUser(t *testing.T, env *testEnv, username string) *model.UserWithRoles {
	t.Helper()
	u, err := env.users.Create(context.Background(), testActor, CreateUserInput{
		Username:  username,
		Email:     username + "@example.com",
		FirstName: "Имя",
		LastName:  "Фамилия",
	})
	if err != nil {
		t.Fatalf("Ошибка создания пользователя %s: %v", username, err)
	}
	return u
}

func createRole(t *testing.T, env *testEnv, name string) *model.Role {
	t.Helper()
	r, err := env.roles.Create(context.Background(), testActor, name, nil)
	if err != nil {
		t.Fatalf("Ошибка создания роли %s: %v", name, err)
	}
	return r
}

// TestUserService_Create проверяет создание пользователя с аккаунтом Keycloak.
func TestUserService_Create(t *testing.T) {
	env := newTestEnv()

	u := createUser(t, env, "alice")

	if !u.IsActive {
		t.Error("новый пользователь должен быть активен")
	}
	if !u.HasDirectoryAccount() {
		t.Fatal("ожидался ID аккаунта Keycloak")
	}
	if u.CreatedBy == nil || *u.CreatedBy != "admin" {
		t.Errorf("ожидался created_by=admin, получен %v", u.CreatedBy)
	}

	stored, err := env.store.Users().GetByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("Ошибка чтения пользователя: %v", err)
	}
	if stored.DirectoryID == nil || *stored.DirectoryID != *u.DirectoryID {
		t.Error("ID аккаунта Keycloak должен быть сохранён локально")
	}

	kcUser := env.dir.users[*u.DirectoryID]
	if len(kcUser.Credentials) != 1 || kcUser.Credentials[0].Value != "ChangeMe123!" || kcUser.Credentials[0].Temporary {
		t.Errorf("ожидался постоянный пароль по умолчанию, получено %+v", kcUser.Credentials)
	}
	if kcUser.EmailVerified == nil || !*kcUser.EmailVerified {
		t.Error("email в Keycloak должен быть подтверждён")
	}
}

// TestUserService_Create_Validation проверяет валидацию входных данных.
func TestUserService_Create_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateUserInput
	}{
		{name: "пустой username", in: CreateUserInput{Username: "  ", Email: "a@example.com"}},
		{name: "пустой email", in: CreateUserInput{Username: "alice"}},
		{name: "некорректный email", in: CreateUserInput{Username: "alice", Email: "not-an-email"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			_, err := env.users.Create(context.Background(), testActor, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ожидалась ErrValidation, получена %v", err)
			}
		})
	}
}

// TestUserService_Create_Duplicate проверяет конфликт username.
func TestUserService_Create_Duplicate(t *testing.T) {
	env := newTestEnv()
	createUser(t, env, "alice")

	_, err := env.users.Create(context.Background(), testActor, CreateUserInput{
		Username: "alice",
		Email:    "other@example.com",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("ожидалась ErrConflict, получена %v", err)
	}
}

// TestUserService_Create_CaseInsensitive проверяет, что username и email
// приводятся к нижнему регистру и различие в регистре даёт конфликт.
func TestUserService_Create_CaseInsensitive(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	u, err := env.users.Create(ctx, testActor, CreateUserInput{
		Username: " Alice ",
		Email:    "Alice@Example.COM",
	})
	if err != nil {
		t.Fatalf("Ошибка Create: %v", err)
	}
	if u.Username != "alice" || u.Email != "alice@example.com" {
		t.Errorf("ожидались alice/alice@example.com, получено %s/%s", u.Username, u.Email)
	}

	accounts := len(env.dir.users)
	_, err = env.users.Create(ctx, testActor, CreateUserInput{
		Username: "ALICE",
		Email:    "other@example.com",
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("ожидалась ErrConflict, получена %v", err)
	}
	if len(env.dir.users) != accounts {
		t.Error("при конфликте аккаунт Keycloak не должен создаваться")
	}

	profile, err := env.users.Profile(ctx, "Alice")
	if err != nil || profile.ID != u.ID {
		t.Errorf("профиль должен находиться без учёта регистра: %v", err)
	}
}

// TestUserService_Create_DirectoryDown проверяет, что при недоступном Keycloak
// локальная запись сохраняется, а ошибка содержит её ID.
func TestUserService_Create_DirectoryDown(t *testing.T) {
	env := newTestEnv()
	env.dir.setDown(true)

	_, err := env.users.Create(context.Background(), testActor, CreateUserInput{
		Username: "bob",
		Email:    "bob@example.com",
	})
	if !errors.Is(err, ErrSync) {
		t.Fatalf("ожидалась ErrSync, получена %v", err)
	}

	var se *SyncError
	if !errors.As(err, &se) || se.ResourceID == "" {
		t.Fatalf("ожидалась SyncError с ResourceID, получена %v", err)
	}

	local, err := env.store.Users().GetByID(context.Background(), se.ResourceID)
	if err != nil {
		t.Fatalf("локальная запись должна сохраниться: %v", err)
	}
	if local.HasDirectoryAccount() {
		t.Error("ID аккаунта Keycloak не должен быть записан")
	}

	// Повторная синхронизация после восстановления Keycloak
	env.dir.setDown(false)
	synced, err := env.users.SyncDirectory(context.Background(), testActor, local.ID)
	if err != nil {
		t.Fatalf("Ошибка SyncDirectory: %v", err)
	}
	if !synced.HasDirectoryAccount() {
		t.Error("после SyncDirectory ожидался ID аккаунта Keycloak")
	}
}

// TestUserService_Create_AdoptsExistingAccount проверяет привязку аккаунта,
// уже существующего в Keycloak.
func TestUserService_Create_AdoptsExistingAccount(t *testing.T) {
	env := newTestEnv()
	existingID, _ := env.dir.CreateUser(context.Background(), userRepresentation(&model.User{Username: "carol"}))

	u := createUser(t, env, "carol")
	if u.DirectoryID == nil || *u.DirectoryID != existingID {
		t.Errorf("ожидался существующий ID %s, получен %v", existingID, u.DirectoryID)
	}
}

// TestUserService_Update проверяет частичное обновление и перенос в Keycloak.
func TestUserService_Update(t *testing.T) {
	env := newTestEnv()
	u := createUser(t, env, "alice")
	ctx := context.Background()

	newName := "Алиса"
	updated, err := env.users.Update(ctx, testActor, u.ID, model.UserUpdate{FirstName: &newName})
	if err != nil {
		t.Fatalf("Ошибка Update: %v", err)
	}
	if updated.FirstName != "Алиса" || updated.LastName != "Фамилия" {
		t.Errorf("неожиданный результат частичного обновления: %+v", updated.User)
	}
	if got := env.dir.users[*u.DirectoryID].FirstName; got != "Алиса" {
		t.Errorf("ожидалось имя Алиса в Keycloak, получено %q", got)
	}

	for _, e := range env.store.outboxEntries() {
		if e.Status != model.OutboxDone {
			t.Errorf("запись %s должна быть доставлена, статус %s", e.Operation, e.Status)
		}
	}
}

// TestUserService_Update_DirectoryDown проверяет, что локальное изменение
// сохраняется, а доставка ставится на повтор.
func TestUserService_Update_DirectoryDown(t *testing.T) {
	env := newTestEnv()
	u := createUser(t, env, "alice")
	ctx := context.Background()

	env.dir.setDown(true)
	email := "alice@lms.example.com"
	_, err := env.users.Update(ctx, testActor, u.ID, model.UserUpdate{Email: &email})
	if !errors.Is(err, ErrSync) {
		t.Fatalf("ожидалась ErrSync, получена %v", err)
	}

	local, _ := env.store.Users().GetByID(ctx, u.ID)
	if local.Email != email {
		t.Errorf("локальное изменение должно сохраниться, email=%s", local.Email)
	}

	entries := env.store.outboxEntries()
	if len(entries) != 1 || entries[0].Status != model.OutboxPending || entries[0].Attempts != 1 {
		t.Fatalf("ожидалась одна pending-запись с одной попыткой, получено %+v", entries)
	}

	// Keycloak восстановился, срок повтора наступил
	env.dir.setDown(false)
	env.store.advance(time.Minute)
	result, err := env.outbox.DrainNow(ctx)
	if err != nil {
		t.Fatalf("Ошибка DrainNow: %v", err)
	}
	if result.Delivered != 1 {
		t.Errorf("ожидалась 1 доставка, получено %d", result.Delivered)
	}
	if got := env.dir.users[*u.DirectoryID].Email; got != email {
		t.Errorf("ожидался email %s в Keycloak, получен %s", email, got)
	}
}

// TestUserService_Delete проверяет удаление аккаунта и каскад назначений.
func TestUserService_Delete(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "student")
	if _, err := env.users.AssignRole(ctx, testActor, u.ID, r.ID); err != nil {
		t.Fatalf("Ошибка AssignRole: %v", err)
	}

	if err := env.users.Delete(ctx, testActor, u.ID); err != nil {
		t.Fatalf("Ошибка Delete: %v", err)
	}

	if _, err := env.users.Get(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound после удаления, получена %v", err)
	}
	if _, ok := env.dir.users[*u.DirectoryID]; ok {
		t.Error("аккаунт Keycloak должен быть удалён")
	}
	if roles, _ := env.store.Assignments().ListUserRoles(ctx, u.ID); len(roles) != 0 {
		t.Error("назначения ролей должны удаляться каскадно")
	}

	if err := env.users.Delete(ctx, testActor, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторное удаление: ожидалась ErrNotFound, получена %v", err)
	}
}

// TestUserService_Delete_DirectoryDown проверяет постановку удаления аккаунта в очередь.
func TestUserService_Delete_DirectoryDown(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")

	env.dir.setDown(true)
	if err := env.users.Delete(ctx, testActor, u.ID); err != nil {
		t.Fatalf("Ошибка Delete: %v", err)
	}
	if _, err := env.store.Users().GetByID(ctx, u.ID); err == nil {
		t.Error("локальная запись должна быть удалена")
	}

	entries := env.store.outboxEntries()
	if len(entries) != 1 || entries[0].Operation != model.OutboxUserDelete {
		t.Fatalf("ожидалась запись user.delete, получено %+v", entries)
	}

	env.dir.setDown(false)
	if _, err := env.outbox.DrainNow(ctx); err != nil {
		t.Fatalf("Ошибка DrainNow: %v", err)
	}
	if _, ok := env.dir.users[*u.DirectoryID]; ok {
		t.Error("аккаунт Keycloak должен быть удалён очередью")
	}
}

// TestUserService_AssignRole проверяет назначение роли и перенос в Keycloak.
func TestUserService_AssignRole(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "teacher")

	added, err := env.users.AssignRole(ctx, testActor, u.ID, r.ID)
	if err != nil {
		t.Fatalf("Ошибка AssignRole: %v", err)
	}
	if !added {
		t.Error("ожидалось новое назначение")
	}

	if got := env.dir.userRoleNames(*u.DirectoryID); len(got) != 1 || got[0] != "teacher" {
		t.Errorf("ожидалась роль teacher в Keycloak, получено %v", got)
	}

	// Повтор — без ошибки и без новой записи в очереди
	before := len(env.store.outboxEntries())
	added, err = env.users.AssignRole(ctx, testActor, u.ID, r.ID)
	if err != nil || added {
		t.Errorf("повторное назначение: ожидалось (false, nil), получено (%v, %v)", added, err)
	}
	if after := len(env.store.outboxEntries()); after != before {
		t.Errorf("повторное назначение не должно писать в очередь: %d → %d", before, after)
	}

	got, _ := env.users.Get(ctx, u.ID)
	if len(got.Roles) != 1 {
		t.Errorf("ожидалась 1 роль, получено %d", len(got.Roles))
	}
}

// TestUserService_AssignRole_NotFound проверяет отсутствующие пользователя и роль.
func TestUserService_AssignRole_NotFound(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "teacher")

	if _, err := env.users.AssignRole(ctx, testActor, "00000000-0000-0000-0000-000000000000", r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound для пользователя, получена %v", err)
	}
	if _, err := env.users.AssignRole(ctx, testActor, u.ID, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound для роли, получена %v", err)
	}
}

// TestUserService_RemoveRole проверяет снятие роли.
func TestUserService_RemoveRole(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "teacher")

	removed, err := env.users.RemoveRole(ctx, testActor, u.ID, r.ID)
	if err != nil || removed {
		t.Errorf("снятие отсутствующей роли: ожидалось (false, nil), получено (%v, %v)", removed, err)
	}

	if _, err := env.users.AssignRole(ctx, testActor, u.ID, r.ID); err != nil {
		t.Fatalf("Ошибка AssignRole: %v", err)
	}
	removed, err = env.users.RemoveRole(ctx, testActor, u.ID, r.ID)
	if err != nil || !removed {
		t.Fatalf("ожидалось (true, nil), получено (%v, %v)", removed, err)
	}
	if got := env.dir.userRoleNames(*u.DirectoryID); len(got) != 0 {
		t.Errorf("роль должна быть снята в Keycloak, получено %v", got)
	}
}

// TestUserService_AssignRole_Ordered проверяет порядок доставки по агрегату:
// снятие роли не обгоняет её назначение, отложенное из-за ошибки.
func TestUserService_AssignRole_Ordered(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "teacher")

	env.dir.setDown(true)
	if _, err := env.users.AssignRole(ctx, testActor, u.ID, r.ID); err != nil {
		t.Fatalf("Ошибка AssignRole: %v", err)
	}
	env.dir.setDown(false)
	if _, err := env.users.RemoveRole(ctx, testActor, u.ID, r.ID); err != nil {
		t.Fatalf("Ошибка RemoveRole: %v", err)
	}

	// role_remove не доставлен: впереди отложенный role_add
	entries := env.store.outboxEntries()
	last := entries[len(entries)-1]
	if last.Operation != model.OutboxUserRoleRemove || last.Status != model.OutboxPending || last.Attempts != 0 {
		t.Fatalf("role_remove должен ждать role_add, получено %+v", last)
	}

	env.store.advance(time.Minute)
	if _, err := env.outbox.DrainNow(ctx); err != nil {
		t.Fatalf("Ошибка DrainNow: %v", err)
	}
	if got := env.dir.userRoleNames(*u.DirectoryID); len(got) != 0 {
		t.Errorf("итог в Keycloak должен совпадать с локальным (без ролей), получено %v", got)
	}
}

// TestUserService_Profile проверяет профиль с эффективными разрешениями.
func TestUserService_Profile(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	u := createUser(t, env, "alice")
	r := createRole(t, env, "teacher")
	p, err := env.permissions.Create(ctx, testActor, CreatePermissionInput{Name: "Читать курсы", Resource: "courses", Action: "read"})
	if err != nil {
		t.Fatalf("Ошибка создания разрешения: %v", err)
	}
	if err := env.permissions.GrantToRole(ctx, testActor, p.ID, r.ID); err != nil {
		t.Fatalf("Ошибка GrantToRole: %v", err)
	}
	if _, err := env.users.AssignRole(ctx, testActor, u.ID, r.ID); err != nil {
		t.Fatalf("Ошибка AssignRole: %v", err)
	}

	profile, err := env.users.Profile(ctx, "alice")
	if err != nil {
		t.Fatalf("Ошибка Profile: %v", err)
	}
	if len(profile.Roles) != 1 || len(profile.Permissions) != 1 {
		t.Fatalf("ожидались 1 роль и 1 разрешение, получено %d и %d", len(profile.Roles), len(profile.Permissions))
	}
	if got := profile.Permissions[0].Source.String(); got != "role:teacher" {
		t.Errorf("ожидался источник role:teacher, получен %s", got)
	}

	if _, err := env.users.Profile(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получена %v", err)
	}
}

// TestUserService_List проверяет постраничный список с ролями.
func TestUserService_List(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	for _, name := range []string{"carol", "alice", "bob"} {
		createUser(t, env, name)
	}

	page, total, err := env.users.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Ошибка List: %v", err)
	}
	if total != 3 {
		t.Errorf("ожидалось total=3, получено %d", total)
	}
	if len(page) != 2 || page[0].Username != "alice" || page[1].Username != "bob" {
		t.Errorf("неожиданная страница: %+v", page)
	}
}
