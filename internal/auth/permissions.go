package auth

// Well-known permission keys consumed by the HTTP layer. Application
// permissions are free-form strings; only the administration surface
// needs fixed keys.
const (
	PermissionManageUsers       = "users.manage"
	PermissionManagePermissions = "permissions.manage"
)
