package rbac

import (
	"errors"
	"testing"
)

func TestMatrixMatchesTable(t *testing.T) {
	// Spot checks against the declared table; Capabilities() is the table
	// itself, so exhaustive equality would be a tautology.
	cases := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleUser, CapChatCreate, true},
		{RoleUser, CapUserBan, false},
		{RoleUser, CapSystemConfigure, false},
		{RoleSupport, CapUserResetPwd, true},
		{RoleSupport, CapUserBan, false},
		{RoleAnalyst, CapAnalyticsExport, true},
		{RoleAnalyst, CapContentModerate, false},
		{RoleModerator, CapUserBan, true},
		{RoleModerator, CapUserPromote, false},
		{RoleAdmin, CapUserPromote, true},
		{RoleAdmin, CapSystemConfigure, false},
		{RoleSuperAdmin, CapSystemConfigure, true},
		{RoleSuperAdmin, CapUserDelete, true},
	}
	for _, tc := range cases {
		if got := Has(tc.role, tc.cap); got != tc.want {
			t.Errorf("Has(%s, %s) = %v, want %v", tc.role, tc.cap, got, tc.want)
		}
	}
}

func TestNoRoleGainsForeignCapability(t *testing.T) {
	for _, role := range Roles() {
		for _, cap := range Capabilities(role) {
			if !Has(role, cap) {
				t.Errorf("Capabilities(%s) lists %s but Has denies it", role, cap)
			}
		}
	}
	if Has(Role("GHOST"), CapChatRead) {
		t.Fatal("unknown role must hold nothing")
	}
}

func TestRequireNamesCapability(t *testing.T) {
	err := Require(RoleUser, CapUserBan)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	var denied *AccessDeniedError
	if !errors.As(err, &denied) || denied.Capability != CapUserBan {
		t.Fatalf("expected capability in error, got %v", err)
	}
	if err := Require(RoleModerator, CapUserBan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHierarchyIsStrictTotalOrder(t *testing.T) {
	roles := Roles()
	for _, a := range roles {
		if CanModify(a, a) {
			t.Errorf("CanModify(%s, %s) must be false", a, a)
		}
		for _, b := range roles {
			if a == b {
				continue
			}
			ab, ba := CanModify(a, b), CanModify(b, a)
			if ab == ba {
				t.Errorf("exactly one of CanModify(%s,%s)/CanModify(%s,%s) must hold", a, b, b, a)
			}
		}
	}
}

func TestModeratorCannotModifySuperAdmin(t *testing.T) {
	if CanModify(RoleModerator, RoleSuperAdmin) {
		t.Fatal("moderator must not modify super admin")
	}
	if !CanModify(RoleModerator, RoleUser) {
		t.Fatal("moderator should modify regular user")
	}
	if CanModify(RoleAdmin, RoleAdmin) {
		t.Fatal("equal roles must not modify each other")
	}
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" moderator ")
	if err != nil || role != RoleModerator {
		t.Fatalf("ParseRole: got %v, %v", role, err)
	}
	if _, err := ParseRole("root"); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if Role("GHOST").Level() != -1 {
		t.Fatal("unknown role level must be -1")
	}
}
