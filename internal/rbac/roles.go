package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleViewer     = "viewer"     // status reads
	RoleSupervisor = "supervisor" // reads and PBX commands
	RoleAdmin      = "admin"      // everything, including cache resets
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsValidRole(role string) bool {
	switch role {
	case RoleViewer, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}
