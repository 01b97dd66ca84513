// Package orgs implements the per-action-kind handlers that mutate the
// organization, project, and user aggregates. Membership changes update both
// sides of the member/organization mirror inside one docstore transaction so
// no partial state is ever visible to concurrent readers.
package orgs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"curbwise/internal/action"
	armodels "curbwise/internal/actionrequest/models"
	"curbwise/internal/docstore"
	"curbwise/internal/orgs/models"
	id "curbwise/pkg/domain"
	"curbwise/pkg/platform/ensure"
	"curbwise/pkg/platform/sentinel"
	"curbwise/pkg/requestcontext"
)

// Handlers owns the action-kind handler set. One instance per process,
// constructed with the shared docstore.
type Handlers struct {
	store docstore.Store
}

func NewHandlers(store docstore.Store) *Handlers {
	return &Handlers{store: store}
}

// Registry returns the closed kind-to-handler mapping consumed by the
// dispatch pipeline.
func (h *Handlers) Registry() armodels.Registry {
	return armodels.Registry{
		action.KindOrganizationCreated: h.organizationCreated,
		action.KindOrganizationUpdated: h.organizationUpdated,
		action.KindProjectCreated:      h.projectCreated,
		action.KindMemberAdded:         h.memberAdded,
		action.KindMemberRemoved:       h.memberRemoved,
		action.KindRoleChanged:         h.roleChanged,
		action.KindUserUpdated:         h.userUpdated,
		action.KindUserForgotten:       h.userForgotten,
	}
}

func domainErr(format string, args ...any) error {
	return &armodels.DomainError{Message: fmt.Sprintf(format, args...)}
}

func now(ctx context.Context) time.Time {
	return requestcontext.Now(ctx).UTC().Truncate(time.Millisecond)
}

// ----------------------------------------------------------------------------
// Organization handlers
// ----------------------------------------------------------------------------

func (h *Handlers) organizationCreated(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.OrganizationCreated)
	ts := now(ctx)

	var projectResult ensure.Result[models.Project]
	err := h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		org := models.Organization{
			ID:        a.OrganizationID,
			Name:      a.Name,
			CreatedAt: ts,
			CreatedBy: req.ActorID,
			Members: map[string]models.Member{
				req.ActorID.String(): {
					UserID:  req.ActorID,
					Role:    id.RoleAdmin,
					AddedAt: ts,
					AddedBy: req.ActorID,
				},
			},
		}
		if err := tx.Create(models.CollectionOrganizations, org.ID.String(), org); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyExists) {
				return domainErr("organization %s already exists", org.ID)
			}
			return err
		}

		// The creator's display name on the member record comes from their
		// user document; the mirror entry is written in the same transaction.
		var user models.User
		if err := tx.Read(models.CollectionUsers, req.ActorID.String(), &user); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return domainErr("unknown user %s", req.ActorID)
			}
			return err
		}
		if user.Organizations == nil {
			user.Organizations = map[string]models.Membership{}
		}
		user.Organizations[org.ID.String()] = models.Membership{
			OrganizationID: org.ID,
			Role:           id.RoleAdmin,
			AddedAt:        ts,
		}
		if err := tx.Write(models.CollectionUsers, user.ID.String(), user); err != nil {
			return err
		}

		projectResult = ensureDefaultProject(tx, a.OrganizationID, a.ProjectID, req.ActorID, ts)
		return projectResult.Err
	})
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "organization created",
		"organization_id", a.OrganizationID,
		"project_id", a.ProjectID,
		"project_status", projectResult.Status,
	)
	return map[string]any{
		"organizationId": a.OrganizationID,
		"projectId":      a.ProjectID,
		"projectStatus":  projectResult.Status,
	}, nil
}

// ensureDefaultProject provisions the organization's default project if it is
// not there yet. Idempotent at the document level so a re-run inside a
// retried transaction converges.
func ensureDefaultProject(tx docstore.Tx, orgID id.OrganizationID, projectID id.ProjectID, actor id.UserID, ts time.Time) ensure.Result[models.Project] {
	var existing models.Project
	found, err := tx.ReadOrNull(models.CollectionProjects, projectID.String(), &existing)
	if err != nil {
		return ensure.Failure[models.Project](err, "read default project")
	}
	if found {
		return ensure.Success(existing, ensure.StatusExists, "default project already present")
	}

	project := models.Project{
		ID:             projectID,
		OrganizationID: orgID,
		Name:           "Default",
		Default:        true,
		CreatedAt:      ts,
		CreatedBy:      actor,
	}
	if err := tx.Create(models.CollectionProjects, project.ID.String(), project); err != nil {
		return ensure.Failure[models.Project](err, "create default project")
	}
	return ensure.Success(project, ensure.StatusCreated, "default project created")
}

func (h *Handlers) organizationUpdated(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.OrganizationUpdated)
	ts := now(ctx)

	err := h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var org models.Organization
		if err := tx.Read(models.CollectionOrganizations, a.OrganizationID.String(), &org); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return domainErr("organization %s not found", a.OrganizationID)
			}
			return err
		}
		org.Name = a.Name
		org.UpdatedAt = &ts
		return tx.Write(models.CollectionOrganizations, org.ID.String(), org)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"organizationId": a.OrganizationID}, nil
}

func (h *Handlers) projectCreated(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.ProjectCreated)
	ts := now(ctx)

	err := h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var org models.Organization
		if err := tx.Read(models.CollectionOrganizations, a.OrganizationID.String(), &org); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return domainErr("organization %s not found", a.OrganizationID)
			}
			return err
		}
		project := models.Project{
			ID:             a.ProjectID,
			OrganizationID: a.OrganizationID,
			Name:           a.Name,
			CreatedAt:      ts,
			CreatedBy:      req.ActorID,
		}
		if err := tx.Create(models.CollectionProjects, project.ID.String(), project); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyExists) {
				return domainErr("project %s already exists", a.ProjectID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"projectId": a.ProjectID}, nil
}

// ----------------------------------------------------------------------------
// Membership handlers
// ----------------------------------------------------------------------------

func (h *Handlers) memberAdded(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.MemberAdded)
	orgID, err := requireOrganization(req)
	if err != nil {
		return nil, err
	}
	ts := now(ctx)

	err = h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		org, user, err := readMembershipPair(tx, orgID, a.UserID)
		if err != nil {
			return err
		}
		if _, active := org.ActiveMember(a.UserID); active {
			return domainErr("member %s is already active in %s", a.UserID, orgID)
		}

		member := models.Member{
			UserID:      a.UserID,
			Role:        a.Role,
			DisplayName: a.DisplayName,
			AddedAt:     ts,
			AddedBy:     req.ActorID,
		}
		org.Members[a.UserID.String()] = member
		if user.Organizations == nil {
			user.Organizations = map[string]models.Membership{}
		}
		user.Organizations[orgID.String()] = models.Membership{
			OrganizationID: orgID,
			Role:           a.Role,
			AddedAt:        ts,
		}
		return writeMembershipPair(tx, org, user)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": a.UserID, "role": a.Role}, nil
}

func (h *Handlers) memberRemoved(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.MemberRemoved)
	orgID, err := requireOrganization(req)
	if err != nil {
		return nil, err
	}
	ts := now(ctx)

	err = h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		org, user, err := readMembershipPair(tx, orgID, a.UserID)
		if err != nil {
			return err
		}
		member, active := org.ActiveMember(a.UserID)
		if !active {
			return domainErr("member %s is not active in %s", a.UserID, orgID)
		}
		if member.Role == id.RoleAdmin && org.ActiveAdminCount() == 1 {
			return domainErr("cannot remove the last admin of %s", orgID)
		}

		actor := req.ActorID
		member.RemovedAt = &ts
		member.RemovedBy = &actor
		org.Members[a.UserID.String()] = member

		mirror := user.Organizations[orgID.String()]
		mirror.RemovedAt = &ts
		user.Organizations[orgID.String()] = mirror

		return writeMembershipPair(tx, org, user)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": a.UserID}, nil
}

func (h *Handlers) roleChanged(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.RoleChanged)
	orgID, err := requireOrganization(req)
	if err != nil {
		return nil, err
	}

	err = h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		org, user, err := readMembershipPair(tx, orgID, a.UserID)
		if err != nil {
			return err
		}
		member, active := org.ActiveMember(a.UserID)
		if !active {
			return domainErr("member %s is not active in %s", a.UserID, orgID)
		}
		if member.Role == id.RoleAdmin && a.Role != id.RoleAdmin && org.ActiveAdminCount() == 1 {
			return domainErr("cannot demote the last admin of %s", orgID)
		}

		member.Role = a.Role
		org.Members[a.UserID.String()] = member

		mirror := user.Organizations[orgID.String()]
		mirror.Role = a.Role
		user.Organizations[orgID.String()] = mirror

		return writeMembershipPair(tx, org, user)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": a.UserID, "role": a.Role}, nil
}

func requireOrganization(req *armodels.Request) (id.OrganizationID, error) {
	if req.OrganizationID == nil {
		return "", domainErr("request %s carries no organization scope", req.ID)
	}
	return *req.OrganizationID, nil
}

func readMembershipPair(tx docstore.Tx, orgID id.OrganizationID, userID id.UserID) (models.Organization, models.User, error) {
	var org models.Organization
	if err := tx.Read(models.CollectionOrganizations, orgID.String(), &org); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return org, models.User{}, domainErr("organization %s not found", orgID)
		}
		return org, models.User{}, err
	}
	var user models.User
	if err := tx.Read(models.CollectionUsers, userID.String(), &user); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return org, user, domainErr("unknown user %s", userID)
		}
		return org, user, err
	}
	if org.Members == nil {
		org.Members = map[string]models.Member{}
	}
	return org, user, nil
}

func writeMembershipPair(tx docstore.Tx, org models.Organization, user models.User) error {
	if err := tx.Write(models.CollectionOrganizations, org.ID.String(), org); err != nil {
		return err
	}
	return tx.Write(models.CollectionUsers, user.ID.String(), user)
}

// ----------------------------------------------------------------------------
// User handlers
// ----------------------------------------------------------------------------

func (h *Handlers) userUpdated(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.UserUpdated)
	ts := now(ctx)

	err := h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var user models.User
		if err := tx.Read(models.CollectionUsers, a.UserID.String(), &user); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return domainErr("unknown user %s", a.UserID)
			}
			return err
		}
		if user.Forgotten() {
			return domainErr("user %s has been forgotten", a.UserID)
		}
		if a.DisplayName != "" {
			user.DisplayName = a.DisplayName
		}
		if a.Email != "" {
			user.Email = a.Email
		}
		user.UpdatedAt = &ts
		return tx.Write(models.CollectionUsers, user.ID.String(), user)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": a.UserID}, nil
}

// userForgotten scrubs the user's PII everywhere it is denormalized: the user
// document and the display name on every organization member entry. The
// membership tombstones themselves survive for audit continuity.
func (h *Handlers) userForgotten(ctx context.Context, log *slog.Logger, act action.Action, req *armodels.Request) (map[string]any, error) {
	a := act.(action.UserForgotten)
	ts := now(ctx)

	var orgCount int
	err := h.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		var user models.User
		if err := tx.Read(models.CollectionUsers, a.UserID.String(), &user); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return domainErr("unknown user %s", a.UserID)
			}
			return err
		}
		if user.Forgotten() {
			return domainErr("user %s has already been forgotten", a.UserID)
		}

		orgCount = 0
		for orgKey := range user.Organizations {
			var org models.Organization
			if err := tx.Read(models.CollectionOrganizations, orgKey, &org); err != nil {
				return err
			}
			member, ok := org.Members[a.UserID.String()]
			if !ok {
				continue
			}
			member.DisplayName = ""
			org.Members[a.UserID.String()] = member
			if err := tx.Write(models.CollectionOrganizations, orgKey, org); err != nil {
				return err
			}
			orgCount++
		}

		user.DisplayName = ""
		user.Email = ""
		user.ForgottenAt = &ts
		return tx.Write(models.CollectionUsers, user.ID.String(), user)
	})
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "user forgotten", "user_id", a.UserID, "organizations_scrubbed", orgCount)
	return map[string]any{"userId": a.UserID, "organizationsScrubbed": orgCount}, nil
}
