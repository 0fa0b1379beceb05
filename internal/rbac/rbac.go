// Package rbac decides what a user may do inside a thread given their
// relation to it.
package rbac

type Role string
type Action string

const (
	RoleOwner   Role = "owner"
	RoleMember  Role = "member"
	RoleInvitee Role = "invitee"
	RoleNone    Role = ""
)

const (
	ActionRead   Action = "read"
	ActionPost   Action = "post"
	ActionInvite Action = "invite"
	ActionManage Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPost || action == ActionInvite
	case RoleInvitee:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a stored role string to a known role. Unknown values get no
// permissions.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleMember, RoleInvitee:
		return Role(role)
	default:
		return RoleNone
	}
}
