// Package policy is the static capability table: which role may submit which
// action kind. The last-admin rule is not here; it needs organization state
// and lives in the membership handlers where it can run inside the
// transaction.
package policy

import (
	"curbwise/internal/action"
	id "curbwise/pkg/domain"
)

// minimumRole maps each action kind to the least role that may submit it.
// organization.created is absent on purpose: it is the bootstrap exception,
// open to any authenticated actor because no prior organization exists to
// hold a role in.
var minimumRole = map[action.Kind]id.Role{
	action.KindOrganizationUpdated: id.RoleAdmin,
	action.KindProjectCreated:      id.RoleAdmin,
	action.KindMemberAdded:         id.RoleAdmin,
	action.KindMemberRemoved:       id.RoleAdmin,
	action.KindRoleChanged:         id.RoleAdmin,
	action.KindUserUpdated:         id.RoleViewer,
	action.KindUserForgotten:       id.RoleViewer,
}

// selfOnly kinds may only target the acting user, whatever their role.
var selfOnly = map[action.Kind]bool{
	action.KindUserUpdated:   true,
	action.KindUserForgotten: true,
}

// projectScoped kinds require a project id on the request envelope.
var projectScoped = map[action.Kind]bool{
	action.KindProjectCreated: true,
}

// MayI decides whether an actor with the given role may submit the action.
// actorRole is the actor's role in the action's target organization; pass the
// zero value when the actor holds no membership there.
func MayI(act action.Action, actorRole id.Role, actorID id.UserID) bool {
	kind := act.Kind()

	if kind == action.KindOrganizationCreated {
		return true
	}
	if selfOnly[kind] {
		return act.Subject().ID == actorID.String()
	}

	minimum, known := minimumRole[kind]
	if !known {
		return false
	}
	return actorRole.Valid() && actorRole.AtLeast(minimum)
}

// RequiresOrganization reports whether the request envelope must carry an
// organization id (and the actor an active membership) for this kind.
func RequiresOrganization(kind action.Kind) bool {
	if kind == action.KindOrganizationCreated {
		return false
	}
	return !selfOnly[kind]
}

// RequiresProject reports whether the request envelope must carry a project id.
func RequiresProject(kind action.Kind) bool {
	return projectScoped[kind]
}
