// Package handler exposes the HTTP submission endpoint for action requests.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"curbwise/internal/action"
	"curbwise/internal/actionrequest"
	"curbwise/internal/actionrequest/models"
	"curbwise/internal/platform/token"
	id "curbwise/pkg/domain"
	"curbwise/pkg/requestcontext"
)

// submitBody is the wire shape of POST /submitActionRequest.
type submitBody struct {
	Action         json.RawMessage `json:"action"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId"`
	OrganizationID string          `json:"organizationId,omitempty"`
	ProjectID      string          `json:"projectId,omitempty"`

	// Emulator-only fields; rejected in production.
	ActorID   string `json:"actorId,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type submitResponse struct {
	Status      string         `json:"status"`
	ProcessedAt *string        `json:"processedAt,omitempty"`
	Duplicate   bool           `json:"duplicate,omitempty"`
	ResultData  map[string]any `json:"resultData,omitempty"`
	Error       string         `json:"error,omitempty"`
	Field       string         `json:"field,omitempty"`
}

// Handler serves the submission endpoint.
type Handler struct {
	service  *actionrequest.Service
	verifier *token.Verifier
	log      *slog.Logger

	emulatorMode bool
	namespace    string

	// conflictOnDuplicate switches duplicates from 200 {duplicate:true} to
	// the newer 409 {status:"duplicate"} convention.
	conflictOnDuplicate bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithEmulatorMode enables the actorId auth bypass and the namespace body
// field. Never enabled in production wiring.
func WithEmulatorMode() Option {
	return func(h *Handler) { h.emulatorMode = true }
}

// WithDuplicateConflict answers duplicates with 409 instead of 200.
func WithDuplicateConflict() Option {
	return func(h *Handler) { h.conflictOnDuplicate = true }
}

func New(service *actionrequest.Service, verifier *token.Verifier, namespace string, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, verifier: verifier, namespace: namespace, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the endpoint. Method filtering is done inside Submit so a
// non-POST gets the JSON 405 body rather than chi's default.
func (h *Handler) Register(r chi.Router) {
	r.HandleFunc("/submitActionRequest", h.Submit)
}

// Submit runs the transport gates in order: method, body shape, action
// well-formedness, authentication, then hands off to the lifecycle service.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, submitResponse{
			Status: "method-not-allowed",
			Error:  "submitActionRequest only accepts POST",
		})
		return
	}

	var body submitBody
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&body); err != nil {
		h.validationFailed(w, "", "request body must be a JSON object")
		return
	}

	if len(body.Action) == 0 {
		h.validationFailed(w, "action", "action is required")
		return
	}
	if body.IdempotencyKey == "" {
		h.validationFailed(w, "idempotencyKey", "idempotencyKey is required")
		return
	}
	if body.CorrelationID == "" {
		h.validationFailed(w, "correlationId", "correlationId is required")
		return
	}
	if body.Namespace != "" {
		if !h.emulatorMode {
			h.validationFailed(w, "namespace", "namespace overrides are not accepted here")
			return
		}
		if body.Namespace != h.namespace {
			h.validationFailed(w, "namespace", "namespace does not match this instance")
			return
		}
	}

	idemKey, err := id.ParseIdempotencyKey(body.IdempotencyKey)
	if err != nil {
		h.validationFailed(w, "idempotencyKey", err.Error())
		return
	}
	corID, err := id.ParseCorrelationID(body.CorrelationID)
	if err != nil {
		h.validationFailed(w, "correlationId", err.Error())
		return
	}

	act, err := action.Decode(body.Action)
	if err != nil {
		var vErr *action.ValidationError
		field, message := "action", err.Error()
		if errors.As(err, &vErr) {
			field, message = vErr.Field, vErr.Message
		}
		// Raw payloads carry names and emails; only the redacted form is logged.
		h.log.WarnContext(ctx, "rejected malformed action",
			"field", field,
			"payload", string(action.Redact(body.Action)),
			"request_id", requestcontext.RequestID(ctx),
		)
		h.validationFailed(w, field, message)
		return
	}

	actorID, authErr := h.authenticate(r, body)
	if authErr != nil {
		writeJSON(w, http.StatusUnauthorized, submitResponse{Status: "unauthorized", Error: authErr.Error()})
		return
	}

	sub := actionrequest.Submission{
		Action:         act,
		ActorID:        actorID,
		IdempotencyKey: idemKey,
		CorrelationID:  corID,
	}
	var env action.Envelope
	_ = json.Unmarshal(body.Action, &env)
	sub.Envelope = env

	if body.OrganizationID != "" {
		orgID, err := id.ParseOrganizationID(body.OrganizationID)
		if err != nil {
			h.validationFailed(w, "organizationId", err.Error())
			return
		}
		sub.OrganizationID = &orgID
	}
	if body.ProjectID != "" {
		projID, err := id.ParseProjectID(body.ProjectID)
		if err != nil {
			h.validationFailed(w, "projectId", err.Error())
			return
		}
		sub.ProjectID = &projID
	}

	ctx = requestcontext.WithActorID(ctx, actorID)
	ctx = requestcontext.WithCorrelationID(ctx, corID)
	ctx = requestcontext.WithNamespace(ctx, h.namespace)

	outcome, err := h.service.Submit(ctx, sub)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

// authenticate resolves the actor from the bearer credential, or from the
// explicit actorId bypass when running against the emulator.
func (h *Handler) authenticate(r *http.Request, body submitBody) (id.UserID, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if h.emulatorMode && body.ActorID != "" {
			return id.ParseUserID(body.ActorID)
		}
		return "", token.ErrMissing
	}
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", token.ErrMalformed
	}
	return h.verifier.Verify(raw)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	var authnErr *models.AuthenticationError
	if errors.As(err, &authnErr) {
		if authnErr.NoUserRecord {
			// Token checked out but the user aggregate is missing: referential
			// corruption, not a client problem.
			writeJSON(w, http.StatusInternalServerError, submitResponse{Status: "error", Error: authnErr.Message})
			return
		}
		writeJSON(w, http.StatusUnauthorized, submitResponse{Status: "unauthorized", Error: authnErr.Message})
		return
	}
	var authzErr *models.AuthorizationError
	if errors.As(err, &authzErr) {
		writeJSON(w, http.StatusUnauthorized, submitResponse{Status: "unauthorized", Error: authzErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, submitResponse{Status: "error", Error: err.Error()})
}

func (h *Handler) writeOutcome(w http.ResponseWriter, outcome *actionrequest.Outcome) {
	req := outcome.Request
	resp := submitResponse{
		Status:    string(req.Status),
		Duplicate: outcome.Duplicate,
	}
	if req.ProcessedAt != nil {
		formatted := req.ProcessedAt.Format("2006-01-02T15:04:05.000Z07:00")
		resp.ProcessedAt = &formatted
	}

	switch {
	case outcome.Duplicate && req.Status == models.StatusPending:
		// Another submission with this key is being dispatched right now.
		// The client should poll or retry after the in-flight attempt lands.
		writeJSON(w, http.StatusConflict, resp)
	case outcome.Duplicate && h.conflictOnDuplicate:
		resp.Status = "duplicate"
		writeJSON(w, http.StatusConflict, resp)
	case req.Status == models.StatusFailed:
		resp.Error = req.Error
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		resp.ResultData = req.ResultData
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) validationFailed(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, submitResponse{
		Status: "validation-failed",
		Field:  field,
		Error:  message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
