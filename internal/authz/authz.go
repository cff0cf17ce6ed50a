// Package authz implements the §4.1 policy gate every mutation and
// query sits behind, grounded on the teacher's
// internal/controlplane/auth withPermission middleware pattern
// generalised from a flat permission bitmask to Thorium's group role
// sets.
package authz

import (
	"github.com/thorium-go/thorium/internal/apierr"
	"github.com/thorium-go/thorium/internal/domain"
)

// Action is one of the group-scoped capabilities gated by
// Group.Allowed (§4.1 allowable).
type Action string

const (
	ActionFiles     Action = "files"
	ActionRepos     Action = "repos"
	ActionTags      Action = "tags"
	ActionImages    Action = "images"
	ActionPipelines Action = "pipelines"
	ActionReactions Action = "reactions"
	ActionResults   Action = "results"
	ActionComments  Action = "comments"
)

// Viewable reports whether user may see anything in group: admin, or
// a member of any role set (§4.1).
func Viewable(group *domain.Group, user *domain.User) bool {
	if user.IsAdmin() {
		return true
	}
	return group.HighestRole(user.Username) != domain.RoleNone
}

// Editable reports whether user may mutate most entities in group:
// admin, owner, manager, user, or analyst (monitors are read-only).
func Editable(group *domain.Group, user *domain.User) bool {
	if user.IsAdmin() {
		return true
	}
	switch group.HighestRole(user.Username) {
	case domain.RoleOwner, domain.RoleManager, domain.RoleUser, domain.RoleAnalyst:
		return true
	default:
		return false
	}
}

// Modifiable reports whether user may change group membership/config:
// admin, owner, or manager only.
func Modifiable(group *domain.Group, user *domain.User) bool {
	if user.IsAdmin() {
		return true
	}
	switch group.HighestRole(user.Username) {
	case domain.RoleOwner, domain.RoleManager:
		return true
	default:
		return false
	}
}

// Developer reports whether user can edit group AND has developer
// capability for scaler (§4.1).
func Developer(group *domain.Group, user *domain.User, scaler domain.Scaler) bool {
	return Editable(group, user) && user.HasDeveloper(scaler)
}

// Allowable reports whether group permits action at all, independent
// of role.
func Allowable(group *domain.Group, action Action) bool {
	switch action {
	case ActionFiles:
		return group.Allowed.Files
	case ActionRepos:
		return group.Allowed.Repos
	case ActionTags:
		return group.Allowed.Tags
	case ActionImages:
		return group.Allowed.Images
	case ActionPipelines:
		return group.Allowed.Pipelines
	case ActionReactions:
		return group.Allowed.Reactions
	case ActionResults:
		return group.Allowed.Results
	case ActionComments:
		return group.Allowed.Comments
	default:
		return false
	}
}

// CanCreateAll reports whether user can edit every group in groups
// (§4.1 can_create_all).
func CanCreateAll(groups []*domain.Group, user *domain.User) bool {
	for _, g := range groups {
		if !Editable(g, user) {
			return false
		}
	}
	return true
}

// RequireViewable returns not_found (never unauthorized, per §7 "A
// sample deletion returning not_found for groups the user cannot see
// is indistinguishable from actual absence") when the group does not
// resolve for user.
func RequireViewable(group *domain.Group, user *domain.User) error {
	if group == nil || !Viewable(group, user) {
		return apierr.NotFound("group")
	}
	return nil
}

// RequireEditable returns unauthorized when the viewable group exists
// but user cannot edit it.
func RequireEditable(group *domain.Group, user *domain.User) error {
	if err := RequireViewable(group, user); err != nil {
		return err
	}
	if !Editable(group, user) {
		return apierr.Unauthorized("user %q cannot edit group %q", user.Username, group.Name)
	}
	return nil
}

// RequireModifiable returns unauthorized when the viewable group
// exists but user cannot modify (owner/manager) it.
func RequireModifiable(group *domain.Group, user *domain.User) error {
	if err := RequireViewable(group, user); err != nil {
		return err
	}
	if !Modifiable(group, user) {
		return apierr.Unauthorized("user %q cannot modify group %q", user.Username, group.Name)
	}
	return nil
}

// RequireAllowable returns bad when group disallows action entirely.
func RequireAllowable(group *domain.Group, action Action) error {
	if !Allowable(group, action) {
		return apierr.Bad("group %q does not allow action %q", group.Name, action)
	}
	return nil
}
