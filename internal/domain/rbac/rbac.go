// Пакет rbac — определение роли пользователя по claims токена.
// Роли: student < staff < admin. Роль берётся из групп IdP
// (EB_ROLE_ADMIN_GROUPS, EB_ROLE_STAFF_GROUPS) и из realm-ролей токена;
// итоговая роль — максимальная из найденных. Без совпадений — student.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleStudent = "student"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleStudent: 1,
	RoleStaff:   2,
	RoleAdmin:   3,
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
// Если ни одна группа не совпала — возвращает пустую строку.
func MapGroupsToRole(groups []string, adminGroups, staffGroups []string) string {
	adminSet := toSet(adminGroups)
	staffSet := toSet(staffGroups)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if staffSet[g] {
			roles = append(roles, RoleStaff)
		}
	}

	return HighestRole(roles)
}

// ResolveRole вычисляет итоговую роль по группам и realm-ролям токена.
// Неизвестные realm-роли игнорируются.
func ResolveRole(groups, realmRoles []string, adminGroups, staffGroups []string) string {
	roles := []string{RoleStudent}
	if r := MapGroupsToRole(groups, adminGroups, staffGroups); r != "" {
		roles = append(roles, r)
	}
	for _, r := range realmRoles {
		if IsValidRole(r) {
			roles = append(roles, r)
		}
	}
	return HighestRole(roles)
}

// HasRole проверяет, что роль actual не ниже required.
func HasRole(actual, required string) bool {
	w, ok := roleWeight[actual]
	if !ok {
		return false
	}
	return w >= roleWeight[required]
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
