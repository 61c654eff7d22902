package rbac

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	// RoleNone is the no-access sentinel. It is never stored and is distinct
	// from viewer: a caller resolving to it must not enter the room at all.
	RoleNone Role = ""
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionExecute Action = "execute"
	ActionShare   Action = "share"
)

// Decision is the tagged outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionExecute
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Authorize evaluates Can and returns the result as a Decision.
func Authorize(role Role, action Action) Decision {
	if Can(role, action) {
		return Allowed
	}
	return Denied
}

func CanEdit(role Role) bool {
	return Can(role, ActionEdit)
}

// Normalize maps a stored collaborator role onto the enum. Unknown values
// degrade to viewer; owner is never accepted from storage.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleEditor, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Assignable reports whether role may be stored on a collaborator entry.
func Assignable(role string) bool {
	return Role(role) == RoleEditor || Role(role) == RoleViewer
}

func (r Role) HasAccess() bool {
	return r != RoleNone
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}
