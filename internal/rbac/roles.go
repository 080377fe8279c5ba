package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleService  = "service" // hidden role for machine callers
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleService }

// Known reports whether role is one the service issues tokens for.
func Known(role string) bool {
	switch role {
	case RoleAdmin, RoleOperator, RoleViewer, RoleService:
		return true
	default:
		return false
	}
}
