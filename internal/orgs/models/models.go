// Package models holds the organization, project, and user aggregates mutated
// by action handlers.
//
// Membership is stored on both sides: Organization.Members is authoritative,
// User.Organizations mirrors it for fast "which orgs am I in" lookups. The two
// sides must be updated in the same docstore transaction or not at all.
// Removal is a soft delete: members keep their map entry with RemovedAt set.
package models

import (
	"time"

	id "curbwise/pkg/domain"
)

// Collection names used by the orgs handlers. The docstore prefixes these
// with the namespace.
const (
	CollectionOrganizations = "organizations"
	CollectionProjects      = "projects"
	CollectionUsers         = "users"
)

// Member is one user's membership record inside an organization.
type Member struct {
	UserID      id.UserID  `json:"userId"`
	Role        id.Role    `json:"role"`
	DisplayName string     `json:"displayName"`
	AddedAt     time.Time  `json:"addedAt"`
	AddedBy     id.UserID  `json:"addedBy"`
	RemovedAt   *time.Time `json:"removedAt,omitempty"`
	RemovedBy   *id.UserID `json:"removedBy,omitempty"`
}

// Active reports whether the membership is live. Soft-removed members stay in
// the map but count as non-members everywhere.
func (m Member) Active() bool { return m.RemovedAt == nil }

// Organization owns its member map, keyed by user id.
type Organization struct {
	ID        id.OrganizationID `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"createdAt"`
	CreatedBy id.UserID         `json:"createdBy"`
	UpdatedAt *time.Time        `json:"updatedAt,omitempty"`
	Members   map[string]Member `json:"members"`
}

// ActiveMember returns the live membership for a user, if any.
func (o Organization) ActiveMember(userID id.UserID) (Member, bool) {
	m, ok := o.Members[userID.String()]
	if !ok || !m.Active() {
		return Member{}, false
	}
	return m, true
}

// ActiveAdminCount counts live admin members; the last-admin rule keys off it.
func (o Organization) ActiveAdminCount() int {
	count := 0
	for _, m := range o.Members {
		if m.Active() && m.Role == id.RoleAdmin {
			count++
		}
	}
	return count
}

// Project belongs to exactly one organization. Every organization gets a
// default project at creation time.
type Project struct {
	ID             id.ProjectID      `json:"id"`
	OrganizationID id.OrganizationID `json:"organizationId"`
	Name           string            `json:"name"`
	Default        bool              `json:"default"`
	CreatedAt      time.Time         `json:"createdAt"`
	CreatedBy      id.UserID         `json:"createdBy"`
}

// Membership is the user-side mirror of an organization Member entry.
type Membership struct {
	OrganizationID id.OrganizationID `json:"organizationId"`
	Role           id.Role           `json:"role"`
	AddedAt        time.Time         `json:"addedAt"`
	RemovedAt      *time.Time        `json:"removedAt,omitempty"`
}

// Active reports whether the mirrored membership is live.
func (m Membership) Active() bool { return m.RemovedAt == nil }

// User carries profile fields and the membership mirror, keyed by
// organization id.
type User struct {
	ID            id.UserID             `json:"id"`
	DisplayName   string                `json:"displayName"`
	Email         string                `json:"email"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     *time.Time            `json:"updatedAt,omitempty"`
	ForgottenAt   *time.Time            `json:"forgottenAt,omitempty"`
	Organizations map[string]Membership `json:"organizations"`
}

// Forgotten reports whether the user's PII has been scrubbed.
func (u User) Forgotten() bool { return u.ForgottenAt != nil }
