// Пакет access — вычисление эффективных разрешений пользователя.
//
// Эффективный набор = прямые назначения ∪ разрешения всех ролей пользователя.
// Каждое разрешение (по ID) встречается ровно один раз. Побеждает первое
// вхождение: сначала прямые назначения, затем роли в порядке входного среза.
package access

import "github.com/bigkaa/lms/user-service/internal/domain/model"

// Resolve объединяет прямые и унаследованные через роли разрешения.
// Порядок результата совпадает с порядком первого появления разрешения.
// Источник отброшенных дубликатов не сохраняется.
func Resolve(direct []model.Permission, inherited []model.RoleGrant) []model.EffectivePermission {
	seen := make(map[string]struct{}, len(direct)+len(inherited))
	out := make([]model.EffectivePermission, 0, len(direct)+len(inherited))

	add := func(p model.Permission, src model.PermissionSource) {
		if _, dup := seen[p.ID]; dup {
			return
		}
		seen[p.ID] = struct{}{}
		out = append(out, model.EffectivePermission{Permission: p, Source: src})
	}

	for _, p := range direct {
		add(p, model.DirectSource())
	}
	for _, g := range inherited {
		add(g.Permission, model.RoleSource(g.RoleName))
	}
	return out
}

// ActiveOnly оставляет только активные разрешения.
func ActiveOnly(perms []model.EffectivePermission) []model.EffectivePermission {
	out := make([]model.EffectivePermission, 0, len(perms))
	for _, p := range perms {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// Allows сообщает, есть ли в наборе активное разрешение resource:action.
func Allows(perms []model.EffectivePermission, resource, action string) bool {
	for _, p := range perms {
		if p.IsActive && p.Resource == resource && p.Action == action {
			return true
		}
	}
	return false
}
