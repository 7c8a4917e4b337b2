package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/lms/user-service/internal/domain/model"
	"github.com/bigkaa/lms/user-service/internal/keycloak"
	"github.com/bigkaa/lms/user-service/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory Store ---

type memState struct {
	users     map[string]model.User
	roles     map[string]model.Role
	perms     map[string]model.Permission
	userRoles []model.UserRole
	userPerms []model.UserPermission
	rolePerms []model.RolePermission
	outbox    map[string]model.OutboxEntry
	lastDrain *time.Time
}

func (s *memState) clone() *memState {
	c := &memState{
		users:     make(map[string]model.User, len(s.users)),
		roles:     make(map[string]model.Role, len(s.roles)),
		perms:     make(map[string]model.Permission, len(s.perms)),
		userRoles: append([]model.UserRole(nil), s.userRoles...),
		userPerms: append([]model.UserPermission(nil), s.userPerms...),
		rolePerms: append([]model.RolePermission(nil), s.rolePerms...),
		outbox:    make(map[string]model.OutboxEntry, len(s.outbox)),
		lastDrain: s.lastDrain,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.perms {
		c.perms[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// memStore — реализация repository.Store в памяти.
// Транзакция: снимок состояния, при ошибке fn — восстановление.
type memStore struct {
	mu     sync.Mutex
	state  *memState
	offset time.Duration
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		users:  map[string]model.User{},
		roles:  map[string]model.Role{},
		perms:  map[string]model.Permission{},
		outbox: map[string]model.OutboxEntry{},
	}}
}

// now — часы хранилища; advance сдвигает их вперёд.
func (s *memStore) now() time.Time { return time.Now().UTC().Add(s.offset) }

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset += d
}

func (s *memStore) Users() repository.UserRepository             { return memUsers{s} }
func (s *memStore) Roles() repository.RoleRepository             { return memRoles{s} }
func (s *memStore) Permissions() repository.PermissionRepository { return memPerms{s} }
func (s *memStore) Assignments() repository.AssignmentRepository { return memAssignments{s} }
func (s *memStore) Outbox() repository.OutboxRepository          { return memOutbox{s} }
func (s *memStore) SyncState() repository.SyncStateRepository    { return memSyncState{s} }

func (s *memStore) RunInTx(_ context.Context, fn func(tx repository.Store) error) error {
	s.mu.Lock()
	snapshot := s.state.clone()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// outboxEntries возвращает записи очереди в порядке ID.
func (s *memStore) outboxEntries() []model.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OutboxEntry, 0, len(s.state.outbox))
	for _, e := range s.state.outbox {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- users ---

type memUsers struct{ s *memStore }

func (r memUsers) Create(_ context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.state.users {
		if x.Username == u.Username || x.Email == u.Email {
			return repository.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := r.s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	u.UpdatedBy = u.CreatedBy
	r.s.state.users[u.ID] = *u
	return nil
}

func (r memUsers) find(pred func(model.User) bool) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.state.users {
		if pred(u) {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.ID == id })
}

func (r memUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.Username == username })
}

func (r memUsers) GetByDirectoryID(_ context.Context, directoryID string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.DirectoryID != nil && *u.DirectoryID == directoryID })
}

func (r memUsers) List(_ context.Context, limit, offset int) ([]*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := make([]*model.User, 0, len(r.s.state.users))
	for _, u := range r.s.state.users {
		all = append(all, &u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })
	if offset >= len(all) {
		return []*model.User{}, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], nil
}

func (r memUsers) Count(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.state.users), nil
}

func (r memUsers) Update(_ context.Context, id string, upd model.UserUpdate, updatedBy *string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.state.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if upd.Email != nil {
		for _, x := range r.s.state.users {
			if x.ID != id && x.Email == *upd.Email {
				return nil, repository.ErrConflict
			}
		}
		u.Email = *upd.Email
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.Phone != nil {
		u.Phone = upd.Phone
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedBy = updatedBy
	u.UpdatedAt = r.s.now()
	r.s.state.users[id] = u
	return &u, nil
}

func (r memUsers) SetDirectoryID(_ context.Context, id, directoryID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.state.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.DirectoryID = &directoryID
	r.s.state.users[id] = u
	return nil
}

func (r memUsers) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.users[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.state.users, id)
	st := r.s.state
	st.userRoles = filter(st.userRoles, func(x model.UserRole) bool { return x.UserID != id })
	st.userPerms = filter(st.userPerms, func(x model.UserPermission) bool { return x.UserID != id })
	return nil
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0:0]
	for _, x := range in {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

// --- roles ---

type memRoles struct{ s *memStore }

func (r memRoles) Create(_ context.Context, role *model.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.state.roles {
		if x.Name == role.Name {
			return repository.ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := r.s.now()
	role.CreatedAt, role.UpdatedAt = now, now
	role.UpdatedBy = role.CreatedBy
	r.s.state.roles[role.ID] = *role
	return nil
}

func (r memRoles) GetByID(_ context.Context, id string) (*model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.state.roles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &role, nil
}

func (r memRoles) GetByName(_ context.Context, name string) (*model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, role := range r.s.state.roles {
		if role.Name == name {
			return &role, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memRoles) ListActive(_ context.Context) ([]*model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Role
	for _, role := range r.s.state.roles {
		if role.IsActive {
			out = append(out, &role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r memRoles) Update(_ context.Context, id string, upd model.RoleUpdate, updatedBy *string) (*model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.state.roles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if upd.Name != nil {
		for _, x := range r.s.state.roles {
			if x.ID != id && x.Name == *upd.Name {
				return nil, repository.ErrConflict
			}
		}
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = upd.Description
	}
	if upd.IsActive != nil {
		role.IsActive = *upd.IsActive
	}
	role.UpdatedBy = updatedBy
	r.s.state.roles[id] = role
	return &role, nil
}

func (r memRoles) SetDirectoryID(_ context.Context, id, directoryID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.state.roles[id]
	if !ok {
		return repository.ErrNotFound
	}
	role.DirectoryID = &directoryID
	r.s.state.roles[id] = role
	return nil
}

func (r memRoles) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.roles[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.state.roles, id)
	st := r.s.state
	st.userRoles = filter(st.userRoles, func(x model.UserRole) bool { return x.RoleID != id })
	st.rolePerms = filter(st.rolePerms, func(x model.RolePermission) bool { return x.RoleID != id })
	return nil
}

// --- permissions ---

type memPerms struct{ s *memStore }

func (r memPerms) Create(_ context.Context, p *model.Permission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.state.perms {
		if x.Key() == p.Key() {
			return repository.ErrConflict
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedBy = p.CreatedBy
	r.s.state.perms[p.ID] = *p
	return nil
}

func (r memPerms) GetByID(_ context.Context, id string) (*model.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.perms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r memPerms) ListActive(_ context.Context) ([]*model.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Permission
	for _, p := range r.s.state.perms {
		if p.IsActive {
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (r memPerms) Update(_ context.Context, id string, upd model.PermissionUpdate, updatedBy *string) (*model.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.perms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Resource != nil {
		p.Resource = *upd.Resource
	}
	if upd.Action != nil {
		p.Action = *upd.Action
	}
	if upd.Description != nil {
		p.Description = upd.Description
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	for _, x := range r.s.state.perms {
		if x.ID != id && x.Key() == p.Key() {
			return nil, repository.ErrConflict
		}
	}
	p.UpdatedBy = updatedBy
	r.s.state.perms[id] = p
	return &p, nil
}

func (r memPerms) Deactivate(_ context.Context, id string, updatedBy *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.state.perms[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.IsActive = false
	p.UpdatedBy = updatedBy
	r.s.state.perms[id] = p
	return nil
}

// --- assignments ---

type memAssignments struct{ s *memStore }

func (r memAssignments) AddUserRole(_ context.Context, ur *model.UserRole) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	if _, ok := st.users[ur.UserID]; !ok {
		return false, repository.ErrNotFound
	}
	if _, ok := st.roles[ur.RoleID]; !ok {
		return false, repository.ErrNotFound
	}
	for _, x := range st.userRoles {
		if x.UserID == ur.UserID && x.RoleID == ur.RoleID {
			return false, nil
		}
	}
	ur.ID = uuid.NewString()
	ur.AssignedAt = r.s.now()
	st.userRoles = append(st.userRoles, *ur)
	return true, nil
}

func (r memAssignments) RemoveUserRole(_ context.Context, userID, roleID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	before := len(st.userRoles)
	st.userRoles = filter(st.userRoles, func(x model.UserRole) bool {
		return x.UserID != userID || x.RoleID != roleID
	})
	return len(st.userRoles) < before, nil
}

func (r memAssignments) rolesOf(userID string) []model.Role {
	var out []model.Role
	for _, x := range r.s.state.userRoles {
		if x.UserID == userID {
			out = append(out, r.s.state.roles[x.RoleID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r memAssignments) ListUserRoles(_ context.Context, userID string) ([]model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.rolesOf(userID), nil
}

func (r memAssignments) ListRolesForUsers(_ context.Context, userIDs []string) (map[string][]model.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string][]model.Role, len(userIDs))
	for _, id := range userIDs {
		if roles := r.rolesOf(id); len(roles) > 0 {
			out[id] = roles
		}
	}
	return out, nil
}

func (r memAssignments) ListRoleNamesByDirectoryID(_ context.Context, directoryID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var names []string
	for _, u := range r.s.state.users {
		if u.DirectoryID != nil && *u.DirectoryID == directoryID {
			for _, role := range r.rolesOf(u.ID) {
				names = append(names, role.Name)
			}
		}
	}
	return names, nil
}

func (r memAssignments) AddUserPermission(_ context.Context, up *model.UserPermission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	if _, ok := st.users[up.UserID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := st.perms[up.PermissionID]; !ok {
		return repository.ErrNotFound
	}
	for _, x := range st.userPerms {
		if x.UserID == up.UserID && x.PermissionID == up.PermissionID {
			return repository.ErrConflict
		}
	}
	up.ID = uuid.NewString()
	st.userPerms = append(st.userPerms, *up)
	return nil
}

func (r memAssignments) RemoveUserPermission(_ context.Context, userID, permissionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	before := len(st.userPerms)
	st.userPerms = filter(st.userPerms, func(x model.UserPermission) bool {
		return x.UserID != userID || x.PermissionID != permissionID
	})
	if len(st.userPerms) == before {
		return repository.ErrNotFound
	}
	return nil
}

func sortPerms(perms []model.Permission) []model.Permission {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key() < perms[j].Key() })
	return perms
}

func (r memAssignments) ListUserPermissions(_ context.Context, userID string) ([]model.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Permission
	for _, x := range r.s.state.userPerms {
		if x.UserID == userID {
			out = append(out, r.s.state.perms[x.PermissionID])
		}
	}
	return sortPerms(out), nil
}

func (r memAssignments) AddRolePermission(_ context.Context, rp *model.RolePermission) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	if _, ok := st.roles[rp.RoleID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := st.perms[rp.PermissionID]; !ok {
		return repository.ErrNotFound
	}
	for _, x := range st.rolePerms {
		if x.RoleID == rp.RoleID && x.PermissionID == rp.PermissionID {
			return repository.ErrConflict
		}
	}
	rp.ID = uuid.NewString()
	st.rolePerms = append(st.rolePerms, *rp)
	return nil
}

func (r memAssignments) RemoveRolePermission(_ context.Context, roleID, permissionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := r.s.state
	before := len(st.rolePerms)
	st.rolePerms = filter(st.rolePerms, func(x model.RolePermission) bool {
		return x.RoleID != roleID || x.PermissionID != permissionID
	})
	if len(st.rolePerms) == before {
		return repository.ErrNotFound
	}
	return nil
}

func (r memAssignments) permsOfRole(roleID string) []model.Permission {
	var out []model.Permission
	for _, x := range r.s.state.rolePerms {
		if x.RoleID == roleID {
			out = append(out, r.s.state.perms[x.PermissionID])
		}
	}
	return sortPerms(out)
}

func (r memAssignments) ListRolePermissions(_ context.Context, roleID string) ([]model.Permission, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.permsOfRole(roleID), nil
}

func (r memAssignments) ListRoleGrantsForUser(_ context.Context, userID string) ([]model.RoleGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.RoleGrant
	for _, role := range r.rolesOf(userID) {
		for _, p := range r.permsOfRole(role.ID) {
			out = append(out, model.RoleGrant{RoleName: role.Name, Permission: p})
		}
	}
	return out, nil
}

// --- outbox ---

type memOutbox struct{ s *memStore }

func (r memOutbox) Enqueue(_ context.Context, e *model.OutboxEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.Status == "" {
		e.Status = model.OutboxPending
	}
	now := r.s.now()
	e.NextAttemptAt, e.CreatedAt, e.UpdatedAt = now, now, now
	r.s.state.outbox[e.ID] = *e
	return nil
}

// available повторяет условие доступности записи из SQL-реализации.
func (r memOutbox) available(e model.OutboxEntry) bool {
	if e.Status != model.OutboxPending || e.NextAttemptAt.After(r.s.now()) {
		return false
	}
	for _, x := range r.s.state.outbox {
		if x.AggregateID == e.AggregateID && x.Status == model.OutboxPending && x.ID < e.ID {
			return false
		}
	}
	return true
}

func (r memOutbox) ClaimDue(_ context.Context, limit int, lease time.Duration) ([]*model.OutboxEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, e := range r.s.state.outbox {
		if r.available(e) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*model.OutboxEntry, 0, len(ids))
	for _, id := range ids {
		e := r.s.state.outbox[id]
		e.NextAttemptAt = r.s.now().Add(lease)
		r.s.state.outbox[id] = e
		out = append(out, &e)
	}
	return out, nil
}

func (r memOutbox) ClaimByID(_ context.Context, id string, lease time.Duration) (*model.OutboxEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.state.outbox[id]
	if !ok || !r.available(e) {
		return nil, repository.ErrNotFound
	}
	e.NextAttemptAt = r.s.now().Add(lease)
	r.s.state.outbox[id] = e
	return &e, nil
}

func (r memOutbox) update(id string, fn func(e *model.OutboxEntry)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.state.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Attempts++
	fn(&e)
	r.s.state.outbox[id] = e
	return nil
}

func (r memOutbox) MarkDone(_ context.Context, id string) error {
	return r.update(id, func(e *model.OutboxEntry) {
		e.Status = model.OutboxDone
		e.LastError = nil
	})
}

func (r memOutbox) MarkRetry(_ context.Context, id, lastError string, next time.Time) error {
	return r.update(id, func(e *model.OutboxEntry) {
		e.LastError = &lastError
		e.NextAttemptAt = next
	})
}

func (r memOutbox) MarkFailed(_ context.Context, id, lastError string) error {
	return r.update(id, func(e *model.OutboxEntry) {
		e.Status = model.OutboxFailed
		e.LastError = &lastError
	})
}

func (r memOutbox) Stats(_ context.Context) (model.OutboxStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var st model.OutboxStats
	for _, e := range r.s.state.outbox {
		switch e.Status {
		case model.OutboxPending:
			st.Pending++
			if st.OldestPendingAt == nil || e.CreatedAt.Before(*st.OldestPendingAt) {
				t := e.CreatedAt
				st.OldestPendingAt = &t
			}
		case model.OutboxFailed:
			st.Failed++
		}
	}
	return st, nil
}

// --- sync_state ---

type memSyncState struct{ s *memStore }

func (r memSyncState) Get(_ context.Context) (*model.SyncState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return &model.SyncState{ID: 1, LastOutboxDrainAt: r.s.state.lastDrain}, nil
}

func (r memSyncState) UpdateOutboxDrainAt(_ context.Context, t time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.state.lastDrain = &t
	return nil
}

// --- Fake Keycloak ---

// fakeDirectory — Keycloak в памяти. Реализует DirectoryClient,
// RealmInspector и PasswordAuthenticator.
type fakeDirectory struct {
	mu       sync.Mutex
	users    map[string]keycloak.KeycloakUser
	roles    map[string]keycloak.RoleRepresentation
	mappings map[string]map[string]bool
	nextID   int

	// down — все вызовы возвращают 503
	down bool
	// roleGets — число вызовов GetRealmRole
	roleGets int
	calls    []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:    map[string]keycloak.KeycloakUser{},
		roles:    map[string]keycloak.RoleRepresentation{},
		mappings: map[string]map[string]bool{},
	}
}

func (f *fakeDirectory) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeDirectory) enter(op string) error {
	f.calls = append(f.calls, op)
	if f.down {
		return &keycloak.APIError{Op: op, StatusCode: 503, Body: "unavailable"}
	}
	return nil
}

func notFound(op string) error  { return &keycloak.APIError{Op: op, StatusCode: 404} }
func conflictE(op string) error { return &keycloak.APIError{Op: op, StatusCode: 409} }

func (f *fakeDirectory) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeDirectory) CreateUser(_ context.Context, user *keycloak.KeycloakUser) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateUser"); err != nil {
		return "", err
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Username, user.Username) {
			return "", conflictE("CreateUser")
		}
	}
	u := *user
	u.ID = f.id("kc-user")
	u.Username = strings.ToLower(u.Username)
	f.users[u.ID] = u
	return u.ID, nil
}

func (f *fakeDirectory) FindUserByUsername(_ context.Context, username string) (*keycloak.KeycloakUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FindUserByUsername"); err != nil {
		return nil, err
	}
	for _, u := range f.users {
		if strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("FindUserByUsername: %w", keycloak.ErrNotFound)
}

func (f *fakeDirectory) UpdateUser(_ context.Context, id string, user *keycloak.KeycloakUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateUser"); err != nil {
		return err
	}
	old, ok := f.users[id]
	if !ok {
		return notFound("UpdateUser")
	}
	u := *user
	u.ID = id
	u.Credentials = old.Credentials
	f.users[id] = u
	return nil
}

func (f *fakeDirectory) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteUser"); err != nil {
		return err
	}
	if _, ok := f.users[id]; !ok {
		return notFound("DeleteUser")
	}
	delete(f.users, id)
	delete(f.mappings, id)
	return nil
}

func (f *fakeDirectory) GetRealmRole(_ context.Context, name string) (*keycloak.RoleRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roleGets++
	if err := f.enter("GetRealmRole"); err != nil {
		return nil, err
	}
	role, ok := f.roles[name]
	if !ok {
		return nil, notFound("GetRealmRole")
	}
	return &role, nil
}

func (f *fakeDirectory) CreateRealmRole(_ context.Context, role *keycloak.RoleRepresentation) (*keycloak.RoleRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateRealmRole"); err != nil {
		return nil, err
	}
	if _, ok := f.roles[role.Name]; ok {
		return nil, conflictE("CreateRealmRole")
	}
	r := *role
	r.ID = f.id("kc-role")
	f.roles[r.Name] = r
	return &r, nil
}

func (f *fakeDirectory) UpdateRealmRole(_ context.Context, name string, role *keycloak.RoleRepresentation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateRealmRole"); err != nil {
		return err
	}
	old, ok := f.roles[name]
	if !ok {
		return notFound("UpdateRealmRole")
	}
	delete(f.roles, name)
	r := *role
	r.ID = old.ID
	f.roles[r.Name] = r
	for _, m := range f.mappings {
		if m[name] {
			delete(m, name)
			m[r.Name] = true
		}
	}
	return nil
}

func (f *fakeDirectory) DeleteRealmRole(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteRealmRole"); err != nil {
		return err
	}
	if _, ok := f.roles[name]; !ok {
		return notFound("DeleteRealmRole")
	}
	delete(f.roles, name)
	for _, m := range f.mappings {
		delete(m, name)
	}
	return nil
}

func (f *fakeDirectory) GetUserRealmRoles(_ context.Context, userID string) ([]keycloak.RoleRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetUserRealmRoles"); err != nil {
		return nil, err
	}
	var out []keycloak.RoleRepresentation
	for name := range f.mappings[userID] {
		out = append(out, f.roles[name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeDirectory) AddUserRealmRoles(_ context.Context, userID string, roles []keycloak.RoleRepresentation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddUserRealmRoles"); err != nil {
		return err
	}
	if _, ok := f.users[userID]; !ok {
		return notFound("AddUserRealmRoles")
	}
	if f.mappings[userID] == nil {
		f.mappings[userID] = map[string]bool{}
	}
	for _, r := range roles {
		f.mappings[userID][r.Name] = true
	}
	return nil
}

func (f *fakeDirectory) RemoveUserRealmRoles(_ context.Context, userID string, roles []keycloak.RoleRepresentation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveUserRealmRoles"); err != nil {
		return err
	}
	for _, r := range roles {
		delete(f.mappings[userID], r.Name)
	}
	return nil
}

func (f *fakeDirectory) RealmInfo(_ context.Context) (*keycloak.RealmRepresentation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RealmInfo"); err != nil {
		return nil, err
	}
	return &keycloak.RealmRepresentation{Realm: "lms-realm", DisplayName: "LMS", Enabled: true}, nil
}

func (f *fakeDirectory) CountUsers(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CountUsers"); err != nil {
		return 0, err
	}
	return len(f.users), nil
}

func (f *fakeDirectory) PasswordLogin(_ context.Context, username, password string) (*keycloak.LoginToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PasswordLogin"); err != nil {
		return nil, err
	}
	if password != "right" {
		return nil, fmt.Errorf("PasswordLogin: %w", keycloak.ErrInvalidCredentials)
	}
	return &keycloak.LoginToken{AccessToken: "token-" + username, TokenType: "Bearer"}, nil
}

// userRoleNames возвращает имена realm-ролей аккаунта.
func (f *fakeDirectory) userRoleNames(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.mappings[userID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Сборка сервисов ---

type testEnv struct {
	store       *memStore
	dir         *fakeDirectory
	sync        *DirectorySync
	outbox      *OutboxWorker
	resolver    *PermissionResolver
	users       *UserService
	roles       *RoleService
	permissions *PermissionService
}

var testActor = model.Actor{Subject: "sub-admin", Username: "admin"}

func newTestEnv() *testEnv {
	store := newMemStore()
	dir := newFakeDirectory()
	logger := testLogger()

	syncer := NewDirectorySync(dir, store, 16, time.Minute, logger)
	outbox := NewOutboxWorker(store, syncer, 100, 3, 0, time.Hour, logger)
	resolver := NewPermissionResolver(store)

	return &testEnv{
		store:       store,
		dir:         dir,
		sync:        syncer,
		outbox:      outbox,
		resolver:    resolver,
		users:       NewUserService(store, syncer, outbox, resolver, "ChangeMe123!", logger),
		roles:       NewRoleService(store, outbox, logger),
		permissions: NewPermissionService(store, logger),
	}
}
