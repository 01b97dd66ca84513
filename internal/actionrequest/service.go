// Package actionrequest implements the action-request lifecycle: the pipeline
// that turns a submitted action into a persisted, deduplicated, dispatched,
// and audited record.
//
// Exactly-once semantics rest on a single primitive: the atomic
// create-if-absent of the pending record in the completed-actions collection,
// keyed by the id derived from the client's idempotency key. Whoever wins
// that create dispatches; everyone else reads the existing record back and
// reports a duplicate. No application-level lock exists anywhere in the
// pipeline.
package actionrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"curbwise/internal/action"
	"curbwise/internal/action/policy"
	"curbwise/internal/actionrequest/models"
	"curbwise/internal/docstore"
	"curbwise/internal/platform/metrics"
	id "curbwise/pkg/domain"
	"curbwise/pkg/platform/sentinel"
	"curbwise/pkg/requestcontext"
)

// Directory resolves actor identity questions against the user and
// organization aggregates.
type Directory interface {
	UserExists(ctx context.Context, userID id.UserID) (bool, error)
	ActiveRole(ctx context.Context, orgID id.OrganizationID, userID id.UserID) (id.Role, bool, error)
}

// AuditSink receives terminal action requests. Publishing is best-effort;
// the completed-actions collection is the durable record.
type AuditSink interface {
	Publish(ctx context.Context, req *models.Request)
}

// Service runs the lifecycle. Construct once at startup with the full
// handler registry; New refuses an incomplete one so a kind without a
// handler cannot reach production.
type Service struct {
	store     docstore.Store
	directory Directory
	registry  models.Registry
	log       *slog.Logger
	metrics   *metrics.Metrics
	audit     AuditSink
	tracer    trace.Tracer
}

// Option configures optional collaborators.
type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

func New(store docstore.Store, directory Directory, registry models.Registry, log *slog.Logger, opts ...Option) (*Service, error) {
	if !registry.Complete() {
		return nil, fmt.Errorf("handler registry is missing an action kind: %w", sentinel.ErrInvalidState)
	}
	s := &Service{
		store:     store,
		directory: directory,
		registry:  registry,
		log:       log,
		tracer:    otel.Tracer("curbwise/actionrequest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submission carries everything the HTTP layer extracted from a valid,
// authenticated request.
type Submission struct {
	Action         action.Action
	Envelope       action.Envelope
	ActorID        id.UserID
	OrganizationID *id.OrganizationID
	ProjectID      *id.ProjectID
	IdempotencyKey id.IdempotencyKey
	CorrelationID  id.CorrelationID
}

// Outcome is what the submission paths report back to the client.
type Outcome struct {
	Request   *models.Request
	Duplicate bool
}

// Authorize runs the authentication-adjacent and policy gates: the actor must
// have a user record, hold an active role in the target organization when the
// action is organization-scoped, and clear the capability table. Nothing is
// written before this returns nil.
func (s *Service) Authorize(ctx context.Context, sub Submission) error {
	exists, err := s.directory.UserExists(ctx, sub.ActorID)
	if err != nil {
		return fmt.Errorf("resolve actor %s: %w", sub.ActorID, err)
	}
	if !exists {
		return &models.AuthenticationError{
			Message:      fmt.Sprintf("authenticated actor %s has no user record", sub.ActorID),
			NoUserRecord: true,
		}
	}

	kind := sub.Action.Kind()
	var actorRole id.Role
	if policy.RequiresOrganization(kind) {
		if sub.OrganizationID == nil {
			return &models.AuthorizationError{Message: "action requires an organization scope"}
		}
		role, member, err := s.directory.ActiveRole(ctx, *sub.OrganizationID, sub.ActorID)
		if err != nil {
			return fmt.Errorf("resolve role of %s in %s: %w", sub.ActorID, *sub.OrganizationID, err)
		}
		if !member {
			return &models.AuthorizationError{
				Message: fmt.Sprintf("actor %s has no active membership in %s", sub.ActorID, *sub.OrganizationID),
			}
		}
		actorRole = role
	}
	if policy.RequiresProject(kind) && sub.ProjectID == nil {
		return &models.AuthorizationError{Message: "action requires a project scope"}
	}

	if !policy.MayI(sub.Action, actorRole, sub.ActorID) {
		return &models.AuthorizationError{
			Message: fmt.Sprintf("role %q may not submit %s", actorRole, kind),
		}
	}
	return nil
}

// Submit is the HTTP path's core: write-first idempotent create, then
// dispatch, then terminal update. The completed-actions record created here
// IS the canonical ActionRequest; there is no separate live copy on this
// path.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	if err := s.Authorize(ctx, sub); err != nil {
		return nil, err
	}

	req := s.buildRequest(ctx, sub)
	completed := s.store.Collection(models.CollectionCompletedActions)

	err := completed.Create(ctx, req.ID.String(), req)
	if errors.Is(err, sentinel.ErrAlreadyExists) {
		return s.duplicate(ctx, completed, req, sub.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("create action request %s: %w", req.ID, err)
	}

	if s.metrics != nil {
		s.metrics.ActionsSubmitted.WithLabelValues(string(sub.Action.Kind())).Inc()
	}
	s.dispatch(ctx, completed, req, sub.Action)
	return &Outcome{Request: req}, nil
}

func (s *Service) buildRequest(ctx context.Context, sub Submission) *models.Request {
	return &models.Request{
		ID:             id.ActionRequestIDFromKey(sub.IdempotencyKey),
		Action:         sub.Envelope,
		ActorID:        sub.ActorID,
		SubjectID:      sub.Action.Subject().ID,
		SubjectType:    sub.Action.Subject().Type,
		OrganizationID: sub.OrganizationID,
		ProjectID:      sub.ProjectID,
		IdempotencyKey: sub.IdempotencyKey,
		CorrelationID:  sub.CorrelationID,
		Status:         models.StatusPending,
		CreatedAt:      requestcontext.Now(ctx).UTC().Truncate(time.Millisecond),
	}
}

// pendingReclaimAfter is how long a pending record may sit before a retry is
// allowed to take it over. Young pending records belong to a dispatch that is
// still in flight; old ones are orphans whose terminal update never landed.
const pendingReclaimAfter = time.Minute

// duplicate handles the losing side of the create race. A committed
// `completed` record answers as a duplicate. A `failed` record does NOT burn
// the key: the caller reclaims it atomically and dispatches again, and the
// same holds for a `pending` record old enough that its dispatch cannot still
// be running. A young `pending` record means another submission is in flight
// right now; it is reported as a duplicate of that attempt.
func (s *Service) duplicate(ctx context.Context, completed docstore.Collection, fresh *models.Request, act action.Action) (*Outcome, error) {
	var existing models.Request
	if err := completed.Read(ctx, fresh.ID.String(), &existing); err != nil {
		return nil, fmt.Errorf("read duplicate %s: %w", fresh.ID, err)
	}

	if s.reclaimable(ctx, &existing) {
		reclaimed, err := s.reclaim(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if reclaimed {
			s.dispatch(ctx, completed, fresh, act)
			return &Outcome{Request: fresh}, nil
		}
		// Lost the reclaim race; fall through and report what won.
		if err := completed.Read(ctx, fresh.ID.String(), &existing); err != nil {
			return nil, fmt.Errorf("read duplicate %s: %w", fresh.ID, err)
		}
	}

	if s.metrics != nil {
		s.metrics.DuplicateHits.Inc()
	}
	s.log.InfoContext(ctx, "duplicate action request",
		"action_request_id", existing.ID,
		"correlation_id", existing.CorrelationID,
		"status", existing.Status,
	)
	return &Outcome{Request: &existing, Duplicate: true}, nil
}

// reclaimable reports whether a retry may take ownership of an existing
// record: failed ones always, pending ones only past the reclaim age.
func (s *Service) reclaimable(ctx context.Context, existing *models.Request) bool {
	switch existing.Status {
	case models.StatusFailed:
		return true
	case models.StatusPending:
		return requestcontext.Now(ctx).UTC().Sub(existing.CreatedAt) >= pendingReclaimAfter
	default:
		return false
	}
}

// reclaim replaces a reclaimable record with the fresh pending one. The
// read-check-write runs in a store transaction so two concurrent retries
// cannot both take ownership.
func (s *Service) reclaim(ctx context.Context, fresh *models.Request) (bool, error) {
	reclaimed := false
	err := s.store.RunTransaction(ctx, func(tx docstore.Tx) error {
		reclaimed = false
		var current models.Request
		if err := tx.Read(models.CollectionCompletedActions, fresh.ID.String(), &current); err != nil {
			return err
		}
		if !s.reclaimable(ctx, &current) {
			return nil
		}
		if err := tx.Write(models.CollectionCompletedActions, fresh.ID.String(), fresh); err != nil {
			return err
		}
		reclaimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reclaim request %s: %w", fresh.ID, err)
	}
	return reclaimed, nil
}

// dispatch runs the handler for the request's kind and records the terminal
// state on the same completed-actions document. Errors never escape: they
// become the request's failed status.
func (s *Service) dispatch(ctx context.Context, completed docstore.Collection, req *models.Request, act action.Action) {
	kind := act.Kind()
	handler := s.registry[kind]

	ctx, span := s.tracer.Start(ctx, "actionrequest.dispatch",
		trace.WithAttributes(
			attribute.String("action.kind", string(kind)),
			attribute.String("action_request.id", req.ID.String()),
		))
	defer span.End()

	started := time.Now()
	resultData, err := handler(ctx, s.log, act, req)
	duration := time.Since(started)

	if s.metrics != nil {
		s.metrics.DispatchSeconds.Observe(duration.Seconds())
	}

	processedAt := requestcontext.Now(ctx).UTC().Truncate(time.Millisecond)
	req.ProcessedAt = &processedAt

	if err != nil {
		req.Status = models.StatusFailed
		req.Error = err.Error()
		s.log.ErrorContext(ctx, "action request failed",
			"action_request_id", req.ID,
			"action_kind", kind,
			"actor_id", req.ActorID,
			"correlation_id", req.CorrelationID,
			"namespace", requestcontext.Namespace(ctx),
			"duration_ms", duration.Milliseconds(),
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.ActionsFailed.WithLabelValues(string(kind)).Inc()
		}
	} else {
		req.Status = models.StatusCompleted
		req.ResultData = resultData
		s.log.InfoContext(ctx, "action request completed",
			"action_request_id", req.ID,
			"action_kind", kind,
			"actor_id", req.ActorID,
			"correlation_id", req.CorrelationID,
			"namespace", requestcontext.Namespace(ctx),
			"duration_ms", duration.Milliseconds(),
		)
		if s.metrics != nil {
			s.metrics.ActionsCompleted.WithLabelValues(string(kind)).Inc()
		}
	}

	fields := map[string]any{
		"status":      req.Status,
		"processedAt": processedAt,
	}
	if req.Error != "" {
		fields["error"] = req.Error
	}
	if req.ResultData != nil {
		fields["resultData"] = req.ResultData
	}
	if updateErr := completed.Update(ctx, req.ID.String(), fields); updateErr != nil {
		s.log.ErrorContext(ctx, "failed to record terminal status",
			"action_request_id", req.ID,
			"error", updateErr,
		)
	}

	if s.audit != nil {
		s.audit.Publish(ctx, req)
	}
}
