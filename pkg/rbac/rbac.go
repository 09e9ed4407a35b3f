package rbac

import "fmt"

// 权限常量
const (
	PermissionPublishNewsletter = "newsletter:publish"
	PermissionReadNewsletter    = "newsletter:read"

	// 运维操作
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleOperator: {
		PermissionPublishNewsletter,
		PermissionReadNewsletter,
	},
	RoleAdmin: {
		PermissionPublishNewsletter,
		PermissionReadNewsletter,
		PermissionReplayOutbox,
	},
}

// ValidRole 是否为已知角色
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("insufficient permissions: %s required", e.Permission)
}
