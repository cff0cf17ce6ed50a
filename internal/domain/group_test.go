package domain

import "testing"

func TestFixupCollapsesOverlapToHighestRole(t *testing.T) {
	g := NewGroup("acme")
	g.Owners.Direct["alice"] = true
	g.Owners.Combined["alice"] = true
	// alice also incorrectly appears as a manager and a user; Fixup
	// should strip the lower roles.
	g.Managers.Direct["alice"] = true
	g.Managers.Combined["alice"] = true
	g.Users.Direct["alice"] = true
	g.Users.Combined["alice"] = true

	g.Fixup()

	if !g.Owners.Combined["alice"] {
		t.Fatal("expected alice to remain an owner")
	}
	if g.Managers.Combined["alice"] || g.Users.Combined["alice"] {
		t.Fatal("expected lower-priority roles to be stripped after Fixup")
	}
}

func TestHighestRole(t *testing.T) {
	g := NewGroup("acme")
	g.AddMember("bob", RoleUser)
	if got := g.HighestRole("bob"); got != RoleUser {
		t.Fatalf("HighestRole(bob) = %v, want %v", got, RoleUser)
	}
	if got := g.HighestRole("nobody"); got != RoleNone {
		t.Fatalf("HighestRole(nobody) = %v, want %v", got, RoleNone)
	}
}

func TestAddMemberPromotesAndFixesUp(t *testing.T) {
	g := NewGroup("acme")
	g.AddMember("carol", RoleMonitor)
	g.AddMember("carol", RoleOwner)

	if g.HighestRole("carol") != RoleOwner {
		t.Fatalf("expected carol promoted to owner, got %v", g.HighestRole("carol"))
	}
	if g.Monitors.Combined["carol"] {
		t.Fatal("expected carol removed from monitors after promotion")
	}
}
