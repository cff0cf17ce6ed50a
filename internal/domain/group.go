// Package domain holds the core entity types shared by every
// subsystem: groups, users, submissions, reactions, jobs, and their
// supporting structures.
package domain

// Role is a member's access level within a group, ordered by the
// precedence Fixup uses to collapse overlapping memberships (§4.1).
// A higher role does not carry every permission of a lower one:
// analysts may edit, monitors may not (see authz.Editable).
type Role int

const (
	RoleNone Role = iota
	RoleAnalyst
	RoleMonitor
	RoleUser
	RoleManager
	RoleOwner
)

// RoleSet is a direct/combined/metagroup membership set for one role
// within a group.
type RoleSet struct {
	Direct     map[string]bool `json:"direct"`
	Combined   map[string]bool `json:"combined"`
	Metagroups []string        `json:"metagroups,omitempty"`
}

func newRoleSet() RoleSet {
	return RoleSet{Direct: map[string]bool{}, Combined: map[string]bool{}}
}

// AllowedActions gates which operation kinds a group permits at all,
// independent of role (§4.1 allowable).
type AllowedActions struct {
	Files     bool `json:"files"`
	Repos     bool `json:"repos"`
	Tags      bool `json:"tags"`
	Images    bool `json:"images"`
	Pipelines bool `json:"pipelines"`
	Reactions bool `json:"reactions"`
	Results   bool `json:"results"`
	Comments  bool `json:"comments"`
}

// Group is a tenant boundary: every submission, tag, result, image,
// pipeline, and reaction belongs to one or more groups.
type Group struct {
	Name     string `json:"name"`
	Owners   RoleSet `json:"owners"`
	Managers RoleSet `json:"managers"`
	Users    RoleSet `json:"users"`
	Monitors RoleSet `json:"monitors"`
	Analysts RoleSet `json:"analysts"`
	Allowed  AllowedActions `json:"allowed"`
}

// NewGroup returns an empty group with initialised role sets.
func NewGroup(name string) *Group {
	return &Group{
		Name:     name,
		Owners:   newRoleSet(),
		Managers: newRoleSet(),
		Users:    newRoleSet(),
		Monitors: newRoleSet(),
		Analysts: newRoleSet(),
	}
}

// roleSets returns the five role sets in descending priority order:
// owner beats manager beats user beats monitor beats analyst.
func (g *Group) roleSets() []*RoleSet {
	return []*RoleSet{&g.Owners, &g.Managers, &g.Users, &g.Monitors, &g.Analysts}
}

// Fixup enforces the §3 invariant "a user appears in at most one role
// per group (highest wins)" by removing a user from every role set
// below the highest one they appear in. Grounded on the role
// precedence described in original_source's groups.rs model.
func (g *Group) Fixup() {
	claimed := map[string]bool{}
	for _, rs := range g.roleSets() {
		for user := range rs.Combined {
			if claimed[user] {
				delete(rs.Combined, user)
				delete(rs.Direct, user)
				continue
			}
			claimed[user] = true
		}
	}
}

// HighestRole returns the highest role a user holds in this group, or
// RoleNone.
func (g *Group) HighestRole(user string) Role {
	if g.Owners.Combined[user] {
		return RoleOwner
	}
	if g.Managers.Combined[user] {
		return RoleManager
	}
	if g.Users.Combined[user] {
		return RoleUser
	}
	if g.Monitors.Combined[user] {
		return RoleMonitor
	}
	if g.Analysts.Combined[user] {
		return RoleAnalyst
	}
	return RoleNone
}

// AddMember inserts user directly into the given role's set,
// re-running Fixup so overlaps collapse to the highest role.
func (g *Group) AddMember(user string, role Role) {
	var target *RoleSet
	switch role {
	case RoleOwner:
		target = &g.Owners
	case RoleManager:
		target = &g.Managers
	case RoleUser:
		target = &g.Users
	case RoleMonitor:
		target = &g.Monitors
	case RoleAnalyst:
		target = &g.Analysts
	default:
		return
	}
	target.Direct[user] = true
	target.Combined[user] = true
	g.Fixup()
}
