package rbac

// Member is one collaborator entry on a project.
type Member struct {
	UserID string
	Role   Role
}

// Resolve computes the caller's effective role on a project. The owner
// always resolves to RoleOwner. Otherwise the collaborator list decides;
// when a user is listed more than once the least privileged entry wins.
// Callers absent from both resolve to RoleNone.
func Resolve(ownerID string, members []Member, callerID string) Role {
	if callerID == "" {
		return RoleNone
	}
	if callerID == ownerID {
		return RoleOwner
	}
	resolved := RoleNone
	for _, member := range members {
		if member.UserID != callerID {
			continue
		}
		role := Normalize(string(member.Role))
		if resolved == RoleNone || rank(role) < rank(resolved) {
			resolved = role
		}
	}
	return resolved
}

func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}
