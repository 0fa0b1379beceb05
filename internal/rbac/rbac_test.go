package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "owner manage", role: RoleOwner, action: ActionManage, allow: true},
		{name: "owner post", role: RoleOwner, action: ActionPost, allow: true},
		{name: "member post", role: RoleMember, action: ActionPost, allow: true},
		{name: "member invite", role: RoleMember, action: ActionInvite, allow: true},
		{name: "member manage", role: RoleMember, action: ActionManage, allow: false},
		{name: "invitee read", role: RoleInvitee, action: ActionRead, allow: true},
		{name: "invitee post", role: RoleInvitee, action: ActionPost, allow: false},
		{name: "stranger read", role: RoleNone, action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("member"); got != RoleMember {
		t.Fatalf("Normalize(member) = %q", got)
	}
	if got := Normalize("admin"); got != RoleNone {
		t.Fatalf("Normalize(admin) = %q, want none", got)
	}
}
