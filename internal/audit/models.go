// Package audit publishes terminal action requests to the audit stream.
// The completed-actions collection is the durable record; the stream exists
// for downstream consumers (compliance export, ops dashboards) and is
// best-effort.
package audit

import (
	"time"

	"curbwise/internal/action"
	"curbwise/internal/actionrequest/models"
	id "curbwise/pkg/domain"
)

// Event is the stream shape of a finished action request. No raw action
// payload is carried: subject ids yes, PII fields no.
type Event struct {
	ActionRequestID id.ActionRequestID `json:"actionRequestId"`
	ActionKind      action.Kind        `json:"actionKind"`
	Status          models.Status      `json:"status"`
	ActorID         id.UserID          `json:"actorId"`
	SubjectID       string             `json:"subjectId"`
	SubjectType     action.SubjectType `json:"subjectType"`
	OrganizationID  *id.OrganizationID `json:"organizationId,omitempty"`
	CorrelationID   id.CorrelationID   `json:"correlationId"`
	ProcessedAt     *time.Time         `json:"processedAt,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// FromRequest projects a terminal request into its stream event.
func FromRequest(req *models.Request) Event {
	return Event{
		ActionRequestID: req.ID,
		ActionKind:      req.Action.Kind,
		Status:          req.Status,
		ActorID:         req.ActorID,
		SubjectID:       req.SubjectID,
		SubjectType:     req.SubjectType,
		OrganizationID:  req.OrganizationID,
		CorrelationID:   req.CorrelationID,
		ProcessedAt:     req.ProcessedAt,
		Error:           req.Error,
	}
}
