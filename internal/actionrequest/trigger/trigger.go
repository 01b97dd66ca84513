// Package trigger is the reactive submission path: a write of a pending
// action-request document fires Handle, which re-runs the same
// authorize/dedupe/dispatch pipeline as the HTTP path and mirrors the outcome
// back onto the live document.
//
// The writer's identity is already embedded in the document's actorId, so
// there is no bearer token to check here. Deduplication reuses the HTTP
// path's atomic create-if-absent on the completed-actions collection; the
// older query-based check had a race window between two near-simultaneous
// triggers and is gone.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"curbwise/internal/action"
	"curbwise/internal/actionrequest"
	"curbwise/internal/actionrequest/models"
	"curbwise/internal/docstore"
	id "curbwise/pkg/domain"
	"curbwise/pkg/requestcontext"
)

// FlagSource gates the whole path; checked before anything else.
type FlagSource interface {
	TriggersEnabled(ctx context.Context) bool
}

// DocumentWritten is the event a live-collection write produces.
type DocumentWritten struct {
	After           docstore.Snapshot
	ActionRequestID string
	Namespace       string
}

// Trigger processes document-written events for one namespace.
type Trigger struct {
	service *actionrequest.Service
	store   docstore.Store
	flags   FlagSource
	log     *slog.Logger
}

func New(service *actionrequest.Service, store docstore.Store, flags FlagSource, log *slog.Logger) *Trigger {
	return &Trigger{service: service, store: store, flags: flags, log: log}
}

// Run subscribes to pending live documents and feeds them through Handle
// until the context is cancelled.
func (t *Trigger) Run(ctx context.Context) error {
	live := t.store.Collection(models.CollectionActionRequests)
	stop, err := live.ListenToCollection(ctx, func(snap docstore.Snapshot) {
		event := DocumentWritten{
			After:           snap,
			ActionRequestID: snap.ID,
			Namespace:       t.store.Namespace(),
		}
		if err := t.Handle(ctx, event); err != nil {
			t.log.ErrorContext(ctx, "trigger processing failed",
				"action_request_id", snap.ID,
				"error", err,
			)
		}
	}, docstore.Where("status", models.StatusPending))
	if err != nil {
		return fmt.Errorf("listen to %s: %w", models.CollectionActionRequests, err)
	}
	defer stop()

	<-ctx.Done()
	return ctx.Err()
}

// Handle runs one event through the pipeline. Errors returned here are
// infrastructure failures; domain and authorization rejections are recorded
// on the live document instead.
func (t *Trigger) Handle(ctx context.Context, event DocumentWritten) error {
	// The escape hatch comes first, before any other step.
	if !t.flags.TriggersEnabled(ctx) {
		t.log.InfoContext(ctx, "triggers disabled, skipping",
			"action_request_id", event.ActionRequestID,
			"namespace", event.Namespace,
		)
		return nil
	}

	if event.Namespace != t.store.Namespace() {
		t.log.WarnContext(ctx, "event namespace mismatch, skipping",
			"event_namespace", event.Namespace,
			"store_namespace", t.store.Namespace(),
		)
		return nil
	}
	ctx = requestcontext.WithNamespace(ctx, event.Namespace)

	// Stray documents land in the live collection from manual pokes at the
	// emulator; only properly keyed action requests are processed.
	if _, err := id.ParseActionRequestID(event.ActionRequestID); err != nil {
		t.log.WarnContext(ctx, "live document id is not an action request, skipping",
			"document_id", event.ActionRequestID,
		)
		return nil
	}
	if !event.After.Exists() {
		return nil
	}

	var req models.Request
	if err := event.After.Decode(&req); err != nil {
		return fmt.Errorf("decode live document %s: %w", event.ActionRequestID, err)
	}
	if req.Terminal() {
		return nil
	}

	live := t.store.Collection(models.CollectionActionRequests)

	rawAction, err := json.Marshal(req.Action)
	if err != nil {
		return err
	}
	act, err := action.Decode(rawAction)
	if err != nil {
		t.log.WarnContext(ctx, "live document carries malformed action",
			"action_request_id", req.ID,
			"payload", string(action.Redact(rawAction)),
		)
		return t.markLive(ctx, live, &req, map[string]any{
			"status": models.StatusFailed,
			"error":  err.Error(),
		})
	}

	outcome, err := t.service.Submit(ctx, actionrequest.Submission{
		Action:         act,
		Envelope:       req.Action,
		ActorID:        req.ActorID,
		OrganizationID: req.OrganizationID,
		ProjectID:      req.ProjectID,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		// Authorization or referential failures terminate the live document;
		// nothing was written to completed-actions.
		return t.markLive(ctx, live, &req, map[string]any{
			"status": models.StatusFailed,
			"error":  err.Error(),
		})
	}

	fields := map[string]any{
		"status":      outcome.Request.Status,
		"processedAt": outcome.Request.ProcessedAt,
	}
	if outcome.Duplicate {
		fields["status"] = models.StatusCompleted
		fields["duplicateOf"] = outcome.Request.ID
	}
	if outcome.Request.Error != "" {
		fields["error"] = outcome.Request.Error
	}
	return t.markLive(ctx, live, &req, fields)
}

func (t *Trigger) markLive(ctx context.Context, live docstore.Collection, req *models.Request, fields map[string]any) error {
	if _, ok := fields["processedAt"]; !ok || fields["processedAt"] == nil {
		fields["processedAt"] = requestcontext.Now(ctx).UTC().Truncate(time.Millisecond)
	}
	if err := live.Update(ctx, req.ID.String(), fields); err != nil {
		return fmt.Errorf("update live document %s: %w", req.ID, err)
	}
	return nil
}
