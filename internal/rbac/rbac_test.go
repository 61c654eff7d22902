package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer execute", role: RoleViewer, action: ActionExecute, allow: false},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor execute", role: RoleEditor, action: ActionExecute, allow: true},
		{name: "editor share", role: RoleEditor, action: ActionShare, allow: false},
		{name: "owner share", role: RoleOwner, action: ActionShare, allow: true},
		{name: "none read", role: RoleNone, action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
			want := Denied
			if tc.allow {
				want = Allowed
			}
			if got := Authorize(tc.role, tc.action); got != want {
				t.Fatalf("Authorize(%q, %q) = %v, want %v", tc.role, tc.action, got, want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("owner"); got != RoleViewer {
		t.Fatalf("stored owner must degrade, got %q", got)
	}
	if got := Normalize("bogus"); got != RoleViewer {
		t.Fatalf("Normalize(bogus) = %q", got)
	}
}

func TestResolve(t *testing.T) {
	members := []Member{
		{UserID: "usr_owner", Role: RoleEditor},
		{UserID: "usr_ed", Role: RoleEditor},
		{UserID: "usr_view", Role: RoleViewer},
		{UserID: "usr_dup", Role: RoleEditor},
		{UserID: "usr_dup", Role: RoleViewer},
		{UserID: "usr_view2", Role: RoleViewer},
		{UserID: "usr_view2", Role: RoleViewer},
	}

	cases := []struct {
		caller string
		want   Role
	}{
		{caller: "usr_owner", want: RoleOwner},
		{caller: "usr_ed", want: RoleEditor},
		{caller: "usr_view", want: RoleViewer},
		{caller: "usr_dup", want: RoleViewer},
		{caller: "usr_view2", want: RoleViewer},
		{caller: "usr_stranger", want: RoleNone},
		{caller: "", want: RoleNone},
	}
	for _, tc := range cases {
		t.Run(tc.caller, func(t *testing.T) {
			got := Resolve("usr_owner", members, tc.caller)
			if got != tc.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tc.caller, got, tc.want)
			}
		})
	}
}

func TestResolveNoAccessIsNotViewer(t *testing.T) {
	role := Resolve("usr_owner", nil, "usr_other")
	if role == RoleViewer {
		t.Fatal("no-access must be distinct from viewer")
	}
	if role.HasAccess() {
		t.Fatal("expected no access")
	}
	if role.String() != "none" {
		t.Fatalf("String() = %q", role.String())
	}
}
