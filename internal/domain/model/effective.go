package model

import (
	"fmt"
	"strings"
)

// SourceKind — вид источника эффективного разрешения.
type SourceKind int

const (
	// SourceDirect — разрешение назначено пользователю напрямую.
	SourceDirect SourceKind = iota
	// SourceRole — разрешение унаследовано через роль.
	SourceRole
)

const rolePrefix = "role:"

// PermissionSource — происхождение эффективного разрешения.
// Текстовая форма: "direct" или "role:<имя роли>".
type PermissionSource struct {
	Kind     SourceKind
	RoleName string
}

// DirectSource возвращает источник "прямое назначение".
func DirectSource() PermissionSource {
	return PermissionSource{Kind: SourceDirect}
}

// RoleSource возвращает источник "через роль name".
func RoleSource(name string) PermissionSource {
	return PermissionSource{Kind: SourceRole, RoleName: name}
}

func (s PermissionSource) String() string {
	if s.Kind == SourceRole {
		return rolePrefix + s.RoleName
	}
	return "direct"
}

// MarshalText реализует encoding.TextMarshaler.
func (s PermissionSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (s *PermissionSource) UnmarshalText(text []byte) error {
	v := string(text)
	switch {
	case v == "direct":
		*s = DirectSource()
	case strings.HasPrefix(v, rolePrefix) && len(v) > len(rolePrefix):
		*s = RoleSource(strings.TrimPrefix(v, rolePrefix))
	default:
		return fmt.Errorf("неизвестный источник разрешения: %q", v)
	}
	return nil
}

// EffectivePermission — разрешение пользователя с указанием происхождения.
type EffectivePermission struct {
	Permission
	Source PermissionSource
}
