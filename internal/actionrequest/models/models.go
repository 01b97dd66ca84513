// Package models defines the durable ActionRequest envelope and the error
// taxonomy the submission paths translate into HTTP responses.
package models

import (
	"time"

	"curbwise/internal/action"
	id "curbwise/pkg/domain"
)

// Collection names. CompletedActions is the canonical deduplication ledger:
// exactly one entry per idempotency key, written create-if-absent, updated
// once to a terminal status, never mutated after that. ActionRequests holds
// the live documents the reactive trigger path watches.
const (
	CollectionActionRequests   = "action-requests"
	CollectionCompletedActions = "completed-actions"
)

// Status is the ActionRequest state machine: pending -> completed | failed.
// No transitions leave a terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request is the durable envelope that carries an action through
// authorization, deduplication, and dispatch.
type Request struct {
	ID             id.ActionRequestID `json:"id"`
	Action         action.Envelope    `json:"action"`
	ActorID        id.UserID          `json:"actorId"`
	SubjectID      string             `json:"subjectId"`
	SubjectType    action.SubjectType `json:"subjectType"`
	OrganizationID *id.OrganizationID `json:"organizationId,omitempty"`
	ProjectID      *id.ProjectID      `json:"projectId,omitempty"`
	IdempotencyKey id.IdempotencyKey  `json:"idempotencyKey"`
	CorrelationID  id.CorrelationID   `json:"correlationId"`
	Status         Status             `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
	ProcessedAt    *time.Time         `json:"processedAt,omitempty"`
	ResultData     map[string]any     `json:"resultData,omitempty"`
	Error          string             `json:"error,omitempty"`

	// DuplicateOf points a live trigger-path document at the completed-actions
	// record that already satisfied its idempotency key.
	DuplicateOf id.ActionRequestID `json:"duplicateOf,omitempty"`
}

// Terminal reports whether the request reached a final state.
func (r *Request) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// ----------------------------------------------------------------------------
// Error taxonomy (the HTTP layer switches on these)
// ----------------------------------------------------------------------------

// AuthenticationError covers missing, malformed, or expired credentials.
// NoUserRecord marks the authenticated-but-unknown-actor case, which is
// referential corruption on our side rather than a client error.
type AuthenticationError struct {
	Message      string
	NoUserRecord bool
}

func (e *AuthenticationError) Error() string { return e.Message }

// AuthorizationError covers a valid actor with insufficient privilege or no
// active membership in the target organization.
type AuthorizationError struct {
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// DomainError is a handler's rejection of an action that violates a domain
// invariant. Retrying the same payload will not help.
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string { return e.Message }
