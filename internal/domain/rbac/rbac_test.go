package rbac

import (
	"testing"
)

func TestHighestRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  string
	}{
		{name: "пустой набор", roles: nil, want: ""},
		{name: "один admin", roles: []string{RoleAdmin}, want: RoleAdmin},
		{name: "student + staff", roles: []string{RoleStudent, RoleStaff}, want: RoleStaff},
		{name: "admin + student", roles: []string{RoleAdmin, RoleStudent}, want: RoleAdmin},
		{name: "staff + admin + student", roles: []string{RoleStaff, RoleAdmin, RoleStudent}, want: RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HighestRole(tt.roles)
			if got != tt.want {
				t.Errorf("HighestRole(%v) = %q, хотели %q", tt.roles, got, tt.want)
			}
		})
	}
}

func TestMapGroupsToRole(t *testing.T) {
	adminGroups := []string{"exam-admins"}
	staffGroups := []string{"exam-staff", "scanning-desk"}

	tests := []struct {
		name   string
		groups []string
		want   string
	}{
		{name: "группа admins -> admin", groups: []string{"exam-admins"}, want: RoleAdmin},
		{name: "группа staff -> staff", groups: []string{"scanning-desk"}, want: RoleStaff},
		{name: "обе группы -> admin (max)", groups: []string{"exam-staff", "exam-admins"}, want: RoleAdmin},
		{name: "нет совпадений -> пустая строка", groups: []string{"students-2025"}, want: ""},
		{name: "пустой список групп", groups: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapGroupsToRole(tt.groups, adminGroups, staffGroups)
			if got != tt.want {
				t.Errorf("MapGroupsToRole(%v, ...) = %q, хотели %q", tt.groups, got, tt.want)
			}
		})
	}
}

func TestResolveRole(t *testing.T) {
	adminGroups := []string{"exam-admins"}
	staffGroups := []string{"exam-staff"}

	tests := []struct {
		name       string
		groups     []string
		realmRoles []string
		want       string
	}{
		{name: "без групп и ролей -> student", want: RoleStudent},
		{name: "группа staff", groups: []string{"exam-staff"}, want: RoleStaff},
		{name: "realm-роль admin", realmRoles: []string{"offline_access", RoleAdmin}, want: RoleAdmin},
		{name: "неизвестные realm-роли игнорируются", realmRoles: []string{"uma_authorization"}, want: RoleStudent},
		{name: "группа staff + realm admin", groups: []string{"exam-staff"}, realmRoles: []string{RoleAdmin}, want: RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveRole(tt.groups, tt.realmRoles, adminGroups, staffGroups)
			if got != tt.want {
				t.Errorf("ResolveRole() = %q, хотели %q", got, tt.want)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	tests := []struct {
		actual, required string
		want             bool
	}{
		{RoleAdmin, RoleStaff, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleStaff, RoleStaff, true},
		{RoleStaff, RoleAdmin, false},
		{RoleStudent, RoleStaff, false},
		{RoleStudent, RoleStudent, true},
		{"", RoleStudent, false},
		{"superuser", RoleStudent, false},
	}

	for _, tt := range tests {
		t.Run(tt.actual+"/"+tt.required, func(t *testing.T) {
			if got := HasRole(tt.actual, tt.required); got != tt.want {
				t.Errorf("HasRole(%q, %q) = %v, хотели %v", tt.actual, tt.required, got, tt.want)
			}
		})
	}
}

func TestIsValidRole(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{RoleAdmin, true},
		{RoleStaff, true},
		{RoleStudent, true},
		{"readonly", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			got := IsValidRole(tt.role)
			if got != tt.want {
				t.Errorf("IsValidRole(%q) = %v, хотели %v", tt.role, got, tt.want)
			}
		})
	}
}
