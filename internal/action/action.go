// Package action defines the closed set of domain actions clients may submit.
// Every action is a tagged, immutable description of one intent; the kind
// switch in Decode and the handler map in the actionrequest package are the
// two places that must stay exhaustive when a kind is added.
package action

import (
	"fmt"

	id "curbwise/pkg/domain"
)

// Kind tags an action variant.
type Kind string

const (
	KindOrganizationCreated Kind = "organization.created"
	KindOrganizationUpdated Kind = "organization.updated"
	KindProjectCreated      Kind = "project.created"
	KindMemberAdded         Kind = "member.added"
	KindMemberRemoved       Kind = "member.removed"
	KindRoleChanged         Kind = "member.role_changed"
	KindUserUpdated         Kind = "user.updated"
	KindUserForgotten       Kind = "user.forgotten"
)

// Kinds lists every registered action kind. Dispatch-table completeness is
// asserted against this in tests.
func Kinds() []Kind {
	return []Kind{
		KindOrganizationCreated,
		KindOrganizationUpdated,
		KindProjectCreated,
		KindMemberAdded,
		KindMemberRemoved,
		KindRoleChanged,
		KindUserUpdated,
		KindUserForgotten,
	}
}

// SubjectType classifies what an action targets.
type SubjectType string

const (
	SubjectOrganization SubjectType = "organization"
	SubjectProject      SubjectType = "project"
	SubjectUser         SubjectType = "user"
)

// Subject identifies the entity an action affects.
type Subject struct {
	ID   string
	Type SubjectType
}

// Action is one member of the closed union. Payload shape is fixed per kind
// and validated on construction.
type Action interface {
	Kind() Kind
	Subject() Subject
	Validate() error
}

// ValidationError reports a malformed action payload, naming the offending
// field so the client can fix and resubmit.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action: %s (%s)", e.Message, e.Field)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ----------------------------------------------------------------------------
// Organization actions
// ----------------------------------------------------------------------------

// OrganizationCreated provisions a new organization with its default project.
// The sole bootstrap action: any authenticated actor may submit it.
type OrganizationCreated struct {
	OrganizationID id.OrganizationID `json:"organizationId"`
	ProjectID      id.ProjectID      `json:"projectId"`
	Name           string            `json:"name"`
}

func (a OrganizationCreated) Kind() Kind { return KindOrganizationCreated }
func (a OrganizationCreated) Subject() Subject {
	return Subject{ID: a.OrganizationID.String(), Type: SubjectOrganization}
}

func (a OrganizationCreated) Validate() error {
	if _, err := id.ParseOrganizationID(a.OrganizationID.String()); err != nil {
		return invalid("organizationId", err.Error())
	}
	if _, err := id.ParseProjectID(a.ProjectID.String()); err != nil {
		return invalid("projectId", err.Error())
	}
	if a.Name == "" {
		return invalid("name", "organization name is required")
	}
	return nil
}

// OrganizationUpdated renames an existing organization.
type OrganizationUpdated struct {
	OrganizationID id.OrganizationID `json:"organizationId"`
	Name           string            `json:"name"`
}

func (a OrganizationUpdated) Kind() Kind { return KindOrganizationUpdated }
func (a OrganizationUpdated) Subject() Subject {
	return Subject{ID: a.OrganizationID.String(), Type: SubjectOrganization}
}

func (a OrganizationUpdated) Validate() error {
	if _, err := id.ParseOrganizationID(a.OrganizationID.String()); err != nil {
		return invalid("organizationId", err.Error())
	}
	if a.Name == "" {
		return invalid("name", "organization name is required")
	}
	return nil
}

// ProjectCreated adds a project to an existing organization.
type ProjectCreated struct {
	OrganizationID id.OrganizationID `json:"organizationId"`
	ProjectID      id.ProjectID      `json:"projectId"`
	Name           string            `json:"name"`
}

func (a ProjectCreated) Kind() Kind { return KindProjectCreated }
func (a ProjectCreated) Subject() Subject {
	return Subject{ID: a.ProjectID.String(), Type: SubjectProject}
}

func (a ProjectCreated) Validate() error {
	if _, err := id.ParseOrganizationID(a.OrganizationID.String()); err != nil {
		return invalid("organizationId", err.Error())
	}
	if _, err := id.ParseProjectID(a.ProjectID.String()); err != nil {
		return invalid("projectId", err.Error())
	}
	if a.Name == "" {
		return invalid("name", "project name is required")
	}
	return nil
}

// ----------------------------------------------------------------------------
// Membership actions (organization scope comes from the request envelope)
// ----------------------------------------------------------------------------

// MemberAdded grants a user membership in the request's organization.
type MemberAdded struct {
	UserID      id.UserID `json:"userId"`
	Role        id.Role   `json:"role"`
	DisplayName string    `json:"displayName"`
}

func (a MemberAdded) Kind() Kind { return KindMemberAdded }
func (a MemberAdded) Subject() Subject {
	return Subject{ID: a.UserID.String(), Type: SubjectUser}
}

func (a MemberAdded) Validate() error {
	if _, err := id.ParseUserID(a.UserID.String()); err != nil {
		return invalid("userId", err.Error())
	}
	if !a.Role.Valid() {
		return invalid("role", fmt.Sprintf("unknown role %q", a.Role))
	}
	if a.DisplayName == "" {
		return invalid("displayName", "display name is required")
	}
	return nil
}

// MemberRemoved soft-removes a user from the request's organization.
type MemberRemoved struct {
	UserID id.UserID `json:"userId"`
}

func (a MemberRemoved) Kind() Kind { return KindMemberRemoved }
func (a MemberRemoved) Subject() Subject {
	return Subject{ID: a.UserID.String(), Type: SubjectUser}
}

func (a MemberRemoved) Validate() error {
	if _, err := id.ParseUserID(a.UserID.String()); err != nil {
		return invalid("userId", err.Error())
	}
	return nil
}

// RoleChanged updates a member's role in the request's organization.
type RoleChanged struct {
	UserID id.UserID `json:"userId"`
	Role   id.Role   `json:"role"`
}

func (a RoleChanged) Kind() Kind { return KindRoleChanged }
func (a RoleChanged) Subject() Subject {
	return Subject{ID: a.UserID.String(), Type: SubjectUser}
}

func (a RoleChanged) Validate() error {
	if _, err := id.ParseUserID(a.UserID.String()); err != nil {
		return invalid("userId", err.Error())
	}
	if !a.Role.Valid() {
		return invalid("role", fmt.Sprintf("unknown role %q", a.Role))
	}
	return nil
}

// ----------------------------------------------------------------------------
// User actions
// ----------------------------------------------------------------------------

// UserUpdated changes a user's own profile fields.
type UserUpdated struct {
	UserID      id.UserID `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
}

func (a UserUpdated) Kind() Kind { return KindUserUpdated }
func (a UserUpdated) Subject() Subject {
	return Subject{ID: a.UserID.String(), Type: SubjectUser}
}

func (a UserUpdated) Validate() error {
	if _, err := id.ParseUserID(a.UserID.String()); err != nil {
		return invalid("userId", err.Error())
	}
	if a.DisplayName == "" && a.Email == "" {
		return invalid("displayName", "at least one profile field must be set")
	}
	return nil
}

// UserForgotten scrubs a user's PII while preserving membership tombstones.
type UserForgotten struct {
	UserID id.UserID `json:"userId"`
	Reason string    `json:"reason"`
}

func (a UserForgotten) Kind() Kind { return KindUserForgotten }
func (a UserForgotten) Subject() Subject {
	return Subject{ID: a.UserID.String(), Type: SubjectUser}
}

func (a UserForgotten) Validate() error {
	if _, err := id.ParseUserID(a.UserID.String()); err != nil {
		return invalid("userId", err.Error())
	}
	if a.Reason == "" {
		return invalid("reason", "a reason is required")
	}
	return nil
}
