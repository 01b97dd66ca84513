package orgs

import (
	"context"
	"errors"

	"curbwise/internal/docstore"
	"curbwise/internal/orgs/models"
	id "curbwise/pkg/domain"
	"curbwise/pkg/platform/sentinel"
)

// Directory answers the two identity questions the action lifecycle asks
// before dispatch: does this actor exist, and what is their role in the
// target organization.
type Directory struct {
	store docstore.Store
}

func NewDirectory(store docstore.Store) *Directory {
	return &Directory{store: store}
}

// UserExists reports whether an actor has a user record.
func (d *Directory) UserExists(ctx context.Context, userID id.UserID) (bool, error) {
	var user models.User
	return d.store.Collection(models.CollectionUsers).ReadOrNull(ctx, userID.String(), &user)
}

// ActiveRole returns the actor's live role in the organization. ok is false
// when the organization does not exist or the actor holds no active
// membership; soft-removed members are non-members.
func (d *Directory) ActiveRole(ctx context.Context, orgID id.OrganizationID, userID id.UserID) (id.Role, bool, error) {
	var org models.Organization
	err := d.store.Collection(models.CollectionOrganizations).Read(ctx, orgID.String(), &org)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	member, active := org.ActiveMember(userID)
	if !active {
		return "", false, nil
	}
	return member.Role, true, nil
}
