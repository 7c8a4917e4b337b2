// Пакет rbac — логика определения роли вызывающего в API User Service.
// Роль складывается из двух источников: роли и группы из JWT Keycloak
// и локальные роли пользователя в таблице user_roles.
// Итоговая роль = max(роль из IdP, старшая из локальных ролей).
// Локальные назначения роль только повышают.
package rbac

// Роли API в порядке возрастания привилегий.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleUser:  1,
	RoleAdmin: 2,
}

// EffectiveRole вычисляет итоговую роль по роли из IdP и локальным ролям.
// Локальные роли, не являющиеся ролями API (instructor, student, ...), игнорируются.
func EffectiveRole(idpRole string, localRoles []string) string {
	return maxRole(idpRole, HighestRole(FilterValid(localRoles)))
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль по группам IdP.
// Возвращает максимальную роль из всех совпадений или пустую строку.
func MapGroupsToRole(groups []string, adminGroups, userGroups []string) string {
	adminSet := toSet(adminGroups)
	userSet := toSet(userGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if userSet[g] {
			roles = append(roles, RoleUser)
		}
	}

	return HighestRole(roles)
}

// FilterValid оставляет из набора только роли API.
func FilterValid(roles []string) []string {
	var out []string
	for _, r := range roles {
		if IsValidRole(r) {
			out = append(out, r)
		}
	}
	return out
}

// IsValidRole проверяет, является ли строка ролью API.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// Covers сообщает, достаточно ли роли have для требования want.
func Covers(have, want string) bool {
	return IsValidRole(have) && roleWeight[have] >= roleWeight[want]
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
